// Package progress turns scheduler events into a monotonic progress stream.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/spherical/pdf2deck/internal/batch"
	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/pagestore"
)

// Phase is a coarse stage of a job as seen by callers
type Phase string

const (
	PhaseStructure Phase = "structure"
	PhaseAnalyzing Phase = "analyzing"
	PhaseDone      Phase = "done"
	PhaseFailed    Phase = "failed"
)

const (
	defaultHistory = 256
	defaultBuffer  = 64
)

// Update is one outward progress notification
type Update struct {
	JobID     string         `json:"job_id"`
	Seq       uint64         `json:"seq"`
	Phase     Phase          `json:"phase"`
	Label     string         `json:"label"`
	Completed int            `json:"completed"`
	Total     int            `json:"total"`
	Page      int            `json:"page"`
	Preview   pagestore.Blob `json:"preview,omitempty"`
	Warning   string         `json:"warning,omitempty"`
	At        time.Time      `json:"at"`
}

// Final reports whether no further updates follow
func (u Update) Final() bool {
	return u.Phase == PhaseDone || u.Phase == PhaseFailed
}

// Reporter fans progress out to subscribers. Delivery is best effort: a
// subscriber that is not reading loses updates but never blocks the job.
type Reporter struct {
	mu        sync.Mutex
	jobID     string
	total     int
	completed int
	counted   map[int]bool
	seq       uint64
	history   []Update
	limit     int
	subs      map[int]chan Update
	nextSub   int
	last      Update
	closed    bool
	logger    *domain.Logger
}

// NewReporter creates a reporter for one job keeping up to historySize
// past updates for Since.
func NewReporter(jobID string, historySize int, logger *domain.Logger) *Reporter {
	if historySize <= 0 {
		historySize = defaultHistory
	}
	if logger == nil {
		logger = domain.DefaultLogger
	}
	return &Reporter{
		jobID:   jobID,
		counted: make(map[int]bool),
		limit:   historySize,
		subs:    make(map[int]chan Update),
		logger:  logger.WithPrefix("progress").WithJob(jobID),
	}
}

// Subscribe registers a new listener. The returned function unsubscribes
// and is safe to call more than once. Subscribing after the job finished
// yields a closed channel holding only the final update.
func (r *Reporter) Subscribe(buffer int) (<-chan Update, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		ch := make(chan Update, 1)
		ch <- r.last
		close(ch)
		return ch, func() {}
	}

	id := r.nextSub
	r.nextSub++
	ch := make(chan Update, buffer)
	r.subs[id] = ch

	return ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if c, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(c)
		}
	}
}

// Started announces the job before any page work completes
func (r *Reporter) Started(total int, preview pagestore.Blob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.total = total
	r.publishLocked(Update{
		Phase:   PhaseStructure,
		Label:   "Reading document structure",
		Page:    domain.NoPage,
		Preview: preview,
	})
}

// Consume reads scheduler events until the channel is closed
func (r *Reporter) Consume(events <-chan batch.Event) {
	for e := range events {
		r.Handle(e)
	}
}

// Handle converts a single scheduler event into an update
func (r *Reporter) Handle(e batch.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	u := Update{Phase: PhaseAnalyzing, Page: e.Page}
	switch e.Type {
	case batch.EventBatchStarted:
		u.Page = domain.NoPage
		u.Label = fmt.Sprintf("Processing %s", e.Message)
	case batch.EventPageStarted:
		u.Label = fmt.Sprintf("Processing page %d", e.Page+1)
	case batch.EventAnalysisDone:
		u.Label = fmt.Sprintf("Page %d analyzed", e.Page+1)
	case batch.EventCleanDone:
		u.Label = fmt.Sprintf("Page %d cleaned", e.Page+1)
	case batch.EventPageDone:
		if !r.counted[e.Page] {
			r.counted[e.Page] = true
			r.completed = min(r.completed+1, r.total)
		}
		u.Label = fmt.Sprintf("Page %d done", e.Page+1)
		if e.Outcome != nil && e.Outcome.Failed() {
			u.Label = fmt.Sprintf("Page %d done with fallback content", e.Page+1)
		}
	case batch.EventWarning:
		u.Page = domain.NoPage
		u.Label = "Warning"
		u.Warning = e.Message
	default:
		return
	}
	r.publishLocked(u)
}

// Done publishes the final update and closes every subscriber. Completed is
// forced to Total since every page has a terminal outcome by now.
func (r *Reporter) Done(label string) {
	r.finish(Update{Phase: PhaseDone, Label: label, Page: domain.NoPage}, true)
}

// Fail publishes a terminal failure update and closes every subscriber
func (r *Reporter) Fail(err error) {
	r.finish(Update{Phase: PhaseFailed, Label: "Conversion failed", Warning: err.Error(), Page: domain.NoPage}, false)
}

func (r *Reporter) finish(u Update, complete bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	if complete {
		r.completed = r.total
	}
	r.publishLocked(u)
	r.closed = true
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
}

// Since returns the retained updates with Seq greater than seq
func (r *Reporter) Since(seq uint64) []Update {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Update, 0)
	for _, u := range r.history {
		if u.Seq > seq {
			out = append(out, u)
		}
	}
	return out
}

// Last returns the most recent update
func (r *Reporter) Last() Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Completed returns the number of pages with terminal outcomes
func (r *Reporter) Completed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}

func (r *Reporter) publishLocked(u Update) {
	r.seq++
	u.JobID = r.jobID
	u.Seq = r.seq
	u.Completed = r.completed
	u.Total = r.total
	u.At = time.Now()

	r.last = u
	r.history = append(r.history, u)
	if len(r.history) > r.limit {
		r.history = r.history[len(r.history)-r.limit:]
	}

	for id, ch := range r.subs {
		select {
		case ch <- u:
		default:
			r.logger.Warn("subscriber %d is not keeping up, dropping update %d", id, u.Seq)
		}
	}
}
