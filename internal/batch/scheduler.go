// Package batch runs page analysis and cleaning in bounded, sequential batches.
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/spherical/pdf2deck/internal/domain"
)

// EventType represents the type of scheduler event
type EventType string

const (
	EventBatchStarted EventType = "batch_started"
	EventPageStarted  EventType = "page_started"
	EventAnalysisDone EventType = "analysis_done"
	EventCleanDone    EventType = "clean_done"
	EventPageDone     EventType = "page_done"
	EventBatchDone    EventType = "batch_done"
	EventWarning      EventType = "warning"
)

// Event is emitted by the scheduler as work progresses. Events flow one way,
// from the scheduler to whoever reads the channel.
type Event struct {
	Type      EventType
	JobID     string
	Batch     int
	Page      int
	Outcome   *domain.PageOutcome
	Message   string
	Timestamp time.Time
}

// Config holds scheduler settings
type Config struct {
	Width           int
	InterBatchDelay time.Duration
	PageTimeout     time.Duration
	// SingleFirstBatch runs the first page alone so a result shows up early
	SingleFirstBatch bool
}

// DefaultConfig returns the default scheduler settings
func DefaultConfig() Config {
	return Config{
		Width:            3,
		InterBatchDelay:  1500 * time.Millisecond,
		PageTimeout:      3 * time.Minute,
		SingleFirstBatch: true,
	}
}

// Request describes one scheduling run
type Request struct {
	JobID  string
	Pages  []int // sorted, deduplicated
	Source domain.PageSource
	Text   domain.TextSource
	Clean  domain.CleanOptions
}

// Scheduler partitions pages into batches of Width and processes each batch
// concurrently, waiting for the whole batch to settle before the next. The
// in-flight cap is shared by every Run on the same Scheduler.
type Scheduler struct {
	cfg      Config
	analyzer domain.Analyzer
	cleaner  domain.Cleaner
	logger   *domain.Logger
	slots    *semaphore.Weighted

	inFlight atomic.Int32
	peak     atomic.Int32
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg Config, analyzer domain.Analyzer, cleaner domain.Cleaner, logger *domain.Logger) *Scheduler {
	if cfg.Width < 1 {
		cfg.Width = DefaultConfig().Width
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultConfig().PageTimeout
	}
	if logger == nil {
		logger = domain.DefaultLogger
	}
	return &Scheduler{
		cfg:      cfg,
		analyzer: analyzer,
		cleaner:  cleaner,
		logger:   logger.WithPrefix("batch"),
		slots:    semaphore.NewWeighted(int64(cfg.Width)),
	}
}

// PeakInFlight returns the highest number of pages processed at once
func (s *Scheduler) PeakInFlight() int {
	return int(s.peak.Load())
}

// Batches splits pages into consecutive groups of at most width. With
// singleFirst the first group holds one page only.
func Batches(pages []int, width int, singleFirst bool) [][]int {
	if width < 1 {
		width = 1
	}
	out := make([][]int, 0, (len(pages)+width-1)/width+1)
	start := 0
	if singleFirst && width > 1 && len(pages) > 1 {
		out = append(out, pages[:1])
		start = 1
	}
	for ; start < len(pages); start += width {
		end := min(start+width, len(pages))
		out = append(out, pages[start:end])
	}
	return out
}

// Run processes every requested page exactly once and returns the outcomes
// in page-index order. Page failures never abort the run.
func (s *Scheduler) Run(ctx context.Context, req Request, events chan<- Event) domain.BatchOutcome {
	batches := Batches(req.Pages, s.cfg.Width, s.cfg.SingleFirstBatch)
	result := domain.BatchOutcome{Pages: make([]domain.PageOutcome, 0, len(req.Pages))}
	logger := s.logger.WithJob(req.JobID)

	for i, pages := range batches {
		s.emit(ctx, events, Event{Type: EventBatchStarted, JobID: req.JobID, Batch: i, Message: fmt.Sprintf("batch %d/%d", i+1, len(batches))})

		outcomes := make([]domain.PageOutcome, len(pages))
		g := new(errgroup.Group)
		for j, page := range pages {
			g.Go(func() error {
				if err := s.slots.Acquire(ctx, 1); err != nil {
					outcomes[j] = s.unscheduled(ctx, req, page, err)
					return nil
				}
				defer s.slots.Release(1)
				outcomes[j] = s.processPage(ctx, req, page, events)
				return nil
			})
		}
		_ = g.Wait()

		result.Pages = append(result.Pages, outcomes...)

		if allFailed(outcomes) {
			msg := fmt.Sprintf("every page in batch %d failed; the capabilities may be unavailable", i+1)
			logger.Warn("%s", msg)
			result.Warnings = append(result.Warnings, msg)
			s.emit(ctx, events, Event{Type: EventWarning, JobID: req.JobID, Batch: i, Message: msg})
		}
		s.emit(ctx, events, Event{Type: EventBatchDone, JobID: req.JobID, Batch: i})

		if i < len(batches)-1 && s.cfg.InterBatchDelay > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.InterBatchDelay):
			}
		}
	}

	sort.SliceStable(result.Pages, func(a, b int) bool {
		return result.Pages[a].Page < result.Pages[b].Page
	})
	return result
}

// unscheduled is the outcome of a page that never got a slot
func (s *Scheduler) unscheduled(ctx context.Context, req Request, page int, err error) domain.PageOutcome {
	reason := "page was not scheduled: " + err.Error()
	analysis := s.analyzer.Analyze(ctx, domain.PageImage{Page: page}, req.Text)
	analysis.Reason = reason
	return domain.PageOutcome{
		Page:     page,
		Analysis: analysis,
		Clean:    domain.PageCleanResult{Page: page, Status: domain.CleanFailedOriginal, Reason: reason},
		Err:      domain.TimeoutError(page, reason, err),
	}
}

func allFailed(outcomes []domain.PageOutcome) bool {
	if len(outcomes) == 0 {
		return false
	}
	for _, o := range outcomes {
		if !o.Failed() {
			return false
		}
	}
	return true
}

func (s *Scheduler) enter() {
	n := s.inFlight.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

// processPage runs the analyzer and cleaner for one page concurrently under
// the per-page timeout. On timeout the unfinished half gets a fallback.
func (s *Scheduler) processPage(ctx context.Context, req Request, page int, events chan<- Event) domain.PageOutcome {
	s.enter()
	defer s.inFlight.Add(-1)
	logger := s.logger.WithJob(req.JobID).WithPage(page)

	s.emit(ctx, events, Event{Type: EventPageStarted, JobID: req.JobID, Page: page})

	pageCtx, cancel := context.WithTimeout(ctx, s.cfg.PageTimeout)
	defer cancel()

	analysisCh := make(chan domain.PageAnalysis, 1)
	cleanCh := make(chan domain.PageCleanResult, 1)
	originalCh := make(chan domain.PageImage, 1)
	var pageErr atomic.Pointer[domain.DomainError]

	go func() {
		img, err := req.Source.Load(pageCtx, page, domain.TierLow)
		if err != nil {
			pageErr.CompareAndSwap(nil, asPageError(page, err))
			a := s.analyzer.Analyze(pageCtx, domain.PageImage{Page: page}, req.Text)
			a.Reason = err.Error()
			analysisCh <- a
			return
		}
		analysisCh <- s.analyzer.Analyze(pageCtx, img, req.Text)
	}()

	go func() {
		img, err := req.Source.Load(pageCtx, page, domain.TierHigh)
		if err != nil {
			pageErr.CompareAndSwap(nil, asPageError(page, err))
			cleanCh <- domain.PageCleanResult{Page: page, Status: domain.CleanFailedOriginal, Reason: err.Error()}
			return
		}
		originalCh <- img
		cleanCh <- s.cleaner.Clean(pageCtx, img, req.Clean)
	}()

	var (
		analysis     domain.PageAnalysis
		clean        domain.PageCleanResult
		haveAnalysis bool
		haveClean    bool
	)
	for !haveAnalysis || !haveClean {
		select {
		case analysis = <-analysisCh:
			haveAnalysis = true
			s.emit(ctx, events, Event{Type: EventAnalysisDone, JobID: req.JobID, Page: page})
		case clean = <-cleanCh:
			haveClean = true
			s.emit(ctx, events, Event{Type: EventCleanDone, JobID: req.JobID, Page: page})
		case <-pageCtx.Done():
			logger.Warn("page exceeded its time budget of %s", s.cfg.PageTimeout)
			pageErr.CompareAndSwap(nil, domain.TimeoutError(page, "page processing timed out", pageCtx.Err()))
			if !haveAnalysis {
				analysis = s.analyzer.Analyze(pageCtx, domain.PageImage{Page: page}, req.Text)
				analysis.Reason = "page processing timed out"
				haveAnalysis = true
			}
			if !haveClean {
				clean = domain.PageCleanResult{Page: page, Status: domain.CleanFailedOriginal, Reason: "page processing timed out"}
				select {
				case clean.Image = <-originalCh:
				default:
				}
				haveClean = true
			}
		}
	}

	outcome := domain.PageOutcome{Page: page, Analysis: analysis, Clean: clean}
	if de := pageErr.Load(); de != nil {
		outcome.Err = de
	}
	s.emit(ctx, events, Event{Type: EventPageDone, JobID: req.JobID, Page: page, Outcome: &outcome})
	return outcome
}

func asPageError(page int, err error) *domain.DomainError {
	if de, ok := err.(*domain.DomainError); ok {
		return de
	}
	return domain.RasterizeError(page, "failed to load page", err)
}

// emit delivers an event unless the run's context is done. Consumers are
// expected to drain promptly.
func (s *Scheduler) emit(ctx context.Context, events chan<- Event, event Event) {
	if events == nil {
		return
	}
	event.Timestamp = time.Now()
	select {
	case events <- event:
	case <-ctx.Done():
		s.logger.Debug("dropping %s event after cancellation", event.Type)
	}
}
