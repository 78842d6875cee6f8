// Package pipeline drives a conversion job from source document to deck.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spherical/pdf2deck/internal/batch"
	"github.com/spherical/pdf2deck/internal/deck"
	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/pagestore"
	"github.com/spherical/pdf2deck/internal/pdf"
	"github.com/spherical/pdf2deck/internal/progress"
)

const (
	eventBuffer      = 64
	subscriberBuffer = 128
)

// Document is an open source document that renders pages on demand
type Document interface {
	domain.PageSource
	NumPage() int
	FirstPage(ctx context.Context) (domain.PageImage, error)
	Close() error
}

// Rasterizer opens source documents
type Rasterizer interface {
	Open(ctx context.Context, src []byte) (Document, error)
}

// TextLayerFunc opens the embedded text layer of a source document
type TextLayerFunc func(src []byte) (domain.TextSource, error)

// JobRepository persists jobs and their canonical analyses
type JobRepository interface {
	SaveJob(ctx context.Context, job *domain.Job) error
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	SaveAnalyses(ctx context.Context, jobID string, analyses []domain.PageAnalysis) error
	ListAnalyses(ctx context.Context, jobID string) ([]domain.PageAnalysis, error)
	DeleteJob(ctx context.Context, id string) error
}

// JobPruner is implemented by repositories that can drop old jobs
type JobPruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AnalyzeRequest starts a conversion
type AnalyzeRequest struct {
	Filename string
	Source   []byte
	Pages    []int // 0-based; empty means every page
	Options  Options
}

// AnalyzeResult is the editable outcome of the analysis phase
type AnalyzeResult struct {
	JobID       string                `json:"job_id"`
	Filename    string                `json:"filename"`
	Analyses    []domain.PageAnalysis `json:"analyses"`
	CleanImages []pagestore.Blob      `json:"clean_images"`
	Warnings    []string              `json:"warnings,omitempty"`
}

// AssembleRequest builds a deck either from a known job or from analyses
// and image blobs supplied by the caller.
type AssembleRequest struct {
	JobID    string
	Filename string
	Analyses []domain.PageAnalysis
	Images   []pagestore.Blob
}

// Dependencies wires the service
type Dependencies struct {
	Rasterizer Rasterizer
	TextLayer  TextLayerFunc
	Scheduler  *batch.Scheduler
	Assembler  *deck.Assembler
	Store      *pagestore.Store
	Blobs      pagestore.BlobStore
	Codec      pagestore.BlobCodec
	Repository JobRepository // optional
	Logger     *domain.Logger

	// Retention drops persisted jobs idle for longer; zero keeps them.
	Retention time.Duration
	// PreviewDim is the longest side of a preview thumbnail.
	PreviewDim int
	// MaxPages caps the documents Preview accepts.
	MaxPages int
}

// Service runs conversion jobs. Analysis runs detached from the caller's
// context so an abandoned caller never cancels in-flight page work.
type Service struct {
	deps   Dependencies
	logger *domain.Logger

	mu   sync.RWMutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// NewService creates a new pipeline service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = domain.DefaultLogger
	}
	if deps.TextLayer == nil {
		deps.TextLayer = PDFTextLayer
	}
	if deps.Store == nil {
		deps.Store = pagestore.NewStore(15*time.Minute, deps.Logger)
	}
	if deps.Blobs == nil {
		deps.Blobs = pagestore.NewMemoryBlobs()
	}
	if deps.Codec.MaxBytes == 0 {
		deps.Codec = pagestore.DefaultBlobCodec()
	}
	if deps.Assembler == nil {
		deps.Assembler = deck.NewAssembler(deck.DefaultLayoutPolicy(), deps.Logger)
	}
	if deps.PreviewDim <= 0 {
		deps.PreviewDim = DefaultPreviewDim
	}
	if deps.MaxPages <= 0 {
		deps.MaxPages = DefaultMaxPage
	}
	return &Service{
		deps:   deps,
		logger: deps.Logger.WithPrefix("pipeline"),
		jobs:   make(map[string]*Job),
	}
}

// Start runs background housekeeping until ctx is done: idle page images
// are reaped and persisted jobs older than the retention are pruned.
func (s *Service) Start(ctx context.Context, reapInterval time.Duration) {
	s.deps.Store.StartReaper(ctx, reapInterval)

	pruner, ok := s.deps.Repository.(JobPruner)
	if !ok || s.deps.Retention <= 0 || reapInterval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(reapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.PruneJobs(ctx, pruner)
			}
		}
	}()
}

// PruneJobs deletes persisted jobs not updated within the retention and
// returns how many were removed.
func (s *Service) PruneJobs(ctx context.Context, pruner JobPruner) int64 {
	n, err := pruner.DeleteBefore(ctx, time.Now().Add(-s.deps.Retention))
	if err != nil {
		s.logger.Warn("failed to prune jobs: %v", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("pruned %d jobs older than %s", n, s.deps.Retention)
	}
	return n
}

// Analyze validates and opens the source, emits the first progress update
// and starts the page work in the background. The returned channel carries
// every update and is closed after the final one.
func (s *Service) Analyze(ctx context.Context, req AnalyzeRequest) (*Job, <-chan progress.Update, error) {
	if len(req.Source) == 0 {
		return nil, nil, domain.ValidationError("source document is empty", nil)
	}
	if s.deps.Rasterizer == nil || s.deps.Scheduler == nil {
		return nil, nil, domain.ConfigError("pipeline is missing a rasterizer or scheduler", nil)
	}

	id := uuid.NewString()
	reporter := progress.NewReporter(id, 0, s.deps.Logger)
	job := newJob(id, req.Filename, req.Options, reporter)
	updates, _ := reporter.Subscribe(subscriberBuffer)
	logger := s.logger.WithJob(id)

	s.mu.Lock()
	s.jobs[id] = job
	s.mu.Unlock()

	if err := job.transition(domain.JobRasterizing); err != nil {
		return nil, nil, err
	}

	doc, err := s.deps.Rasterizer.Open(ctx, req.Source)
	if err != nil {
		return job, nil, s.abort(ctx, job, err)
	}

	pages, err := pdf.NewValidator(0).NormalizePages(req.Pages, doc.NumPage())
	if err != nil {
		doc.Close()
		return job, nil, s.abort(ctx, job, err)
	}
	job.setSelection(doc.NumPage(), pages)
	s.persist(ctx, job)

	var preview pagestore.Blob
	if img, err := doc.FirstPage(ctx); err != nil {
		logger.Warn("first page preview unavailable: %v", err)
	} else {
		s.deps.Store.Put(id, img)
		if preview, err = s.deps.Codec.Encode(img); err != nil {
			logger.Warn("failed to encode preview: %v", err)
		}
	}
	reporter.Started(len(pages), preview)

	text, err := s.deps.TextLayer(req.Source)
	if err != nil {
		logger.Debug("no text layer: %v", err)
		text = nil
	}

	if err := job.transition(domain.JobAnalyzing); err != nil {
		doc.Close()
		return job, nil, s.abort(ctx, job, err)
	}

	logger.Info("analyzing %d of %d pages", len(pages), doc.NumPage())

	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(runCtx, job, doc, text, pages)
	}()

	return job, updates, nil
}

func (s *Service) run(ctx context.Context, job *Job, doc Document, text domain.TextSource, pages []int) {
	defer job.finish()
	defer doc.Close()

	id := job.ID()
	logger := s.logger.WithJob(id)

	events := make(chan batch.Event, eventBuffer)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		job.reporter.Consume(events)
	}()

	outcome := s.deps.Scheduler.Run(ctx, batch.Request{
		JobID:  id,
		Pages:  pages,
		Source: pagestore.NewSource(s.deps.Store, id, doc),
		Text:   text,
		Clean: domain.CleanOptions{
			Enabled:         job.opts.Clean,
			RemoveWatermark: job.opts.RemoveWatermark,
		},
	}, events)
	close(events)
	<-consumed
	logger.Debug("page store holds %d images (%d bytes) after analysis", s.deps.Store.Len(), s.deps.Store.Bytes())

	if noProgress(outcome) {
		err := domain.ConversionError("no page could be converted and the document has no text layer", nil)
		logger.Error("%v", err)
		s.fail(ctx, job, err)
		s.deps.Store.DropJob(id)
		return
	}

	for _, o := range outcome.Pages {
		if o.Clean.Image.Empty() {
			continue
		}
		blob, err := s.deps.Codec.Encode(o.Clean.Image)
		if err == nil {
			err = s.deps.Blobs.Save(ctx, id, o.Page, blob)
		}
		if err != nil {
			logger.Warn("page %d: failed to keep clean image: %v", o.Page+1, err)
		}
	}
	s.deps.Store.DropJob(id)

	job.setOutcome(outcome)
	if err := job.transition(domain.JobEditable); err != nil {
		s.fail(ctx, job, err)
		return
	}
	s.persist(ctx, job)

	for _, w := range outcome.Warnings {
		logger.Warn("%s", w)
	}
	logger.Info("analysis finished for %d pages", len(outcome.Pages))
	job.reporter.Done("Analysis complete")
}

// noProgress reports whether every page failed both capabilities and
// carries no text to fall back on
func noProgress(outcome domain.BatchOutcome) bool {
	if len(outcome.Pages) == 0 {
		return true
	}
	for _, o := range outcome.Pages {
		if !o.Failed() || o.Analysis.HasText() {
			return false
		}
	}
	return true
}

func (s *Service) abort(ctx context.Context, job *Job, err error) error {
	s.fail(ctx, job, err)
	job.finish()
	return err
}

func (s *Service) fail(ctx context.Context, job *Job, err error) {
	job.fail(err)
	if job.reporter != nil {
		job.reporter.Fail(err)
	}
	s.persist(ctx, job)
}

// Wait blocks until the job's analysis has finished and returns its
// editable result.
func (s *Service) Wait(ctx context.Context, jobID string) (*AnalyzeResult, error) {
	job, err := s.lookup(ctx, jobID)
	if err != nil {
		return nil, err
	}

	select {
	case <-job.Done():
	case <-ctx.Done():
		return nil, domain.TimeoutError(domain.NoPage, "waiting for job", ctx.Err())
	}
	if err := job.Err(); err != nil {
		return nil, err
	}

	snapshot := job.Snapshot()
	analyses := job.Analyses()
	result := &AnalyzeResult{
		JobID:       jobID,
		Filename:    snapshot.Filename,
		Analyses:    analyses,
		CleanImages: make([]pagestore.Blob, len(analyses)),
		Warnings:    job.Warnings(),
	}
	for i, a := range analyses {
		blob, err := s.deps.Blobs.Load(ctx, jobID, a.Page)
		if err != nil && !errors.Is(err, pagestore.ErrBlobNotFound) {
			s.logger.WithJob(jobID).Warn("page %d: clean image unavailable: %v", a.Page+1, err)
		}
		result.CleanImages[i] = blob
	}
	return result, nil
}

// UpdateAnalysis applies a caller edit to one page's analysis
func (s *Service) UpdateAnalysis(ctx context.Context, jobID string, page int, edit Edit) (domain.PageAnalysis, error) {
	job, err := s.lookup(ctx, jobID)
	if err != nil {
		return domain.PageAnalysis{}, err
	}
	updated, err := job.edit(page, edit)
	if err != nil {
		return domain.PageAnalysis{}, err
	}
	s.persist(ctx, job)
	return updated, nil
}

// Assemble produces the presentation. With a JobID it uses the job's
// canonical analyses and stored images; otherwise it works only from the
// request.
func (s *Service) Assemble(ctx context.Context, req AssembleRequest) (deck.Result, error) {
	if req.JobID == "" {
		inputs := s.decodeInputs(req.Analyses, func(i int, _ domain.PageAnalysis) pagestore.Blob {
			if i < len(req.Images) {
				return req.Images[i]
			}
			return ""
		})
		return s.deps.Assembler.Assemble(ctx, req.Filename, inputs)
	}

	job, err := s.lookup(ctx, req.JobID)
	if err != nil {
		return deck.Result{}, err
	}
	if err := job.transition(domain.JobAssembling); err != nil {
		return deck.Result{}, err
	}

	inputs := s.decodeInputs(job.Analyses(), func(_ int, a domain.PageAnalysis) pagestore.Blob {
		blob, err := s.deps.Blobs.Load(ctx, req.JobID, a.Page)
		if err != nil {
			s.logger.WithJob(req.JobID).Debug("page %d: no stored image: %v", a.Page+1, err)
		}
		return blob
	})

	filename := req.Filename
	if filename == "" {
		filename = job.Snapshot().Filename
	}

	result, err := s.deps.Assembler.Assemble(ctx, filename, inputs)
	if err != nil {
		_ = job.transition(domain.JobEditable)
		return deck.Result{}, err
	}
	if err := job.transition(domain.JobComplete); err != nil {
		return deck.Result{}, err
	}
	s.persist(ctx, job)
	return result, nil
}

func (s *Service) decodeInputs(analyses []domain.PageAnalysis, blobFor func(int, domain.PageAnalysis) pagestore.Blob) []deck.SlideInput {
	inputs := make([]deck.SlideInput, 0, len(analyses))
	for i, a := range analyses {
		in := deck.SlideInput{Analysis: a}
		if blob := blobFor(i, a); blob != "" {
			img, err := s.deps.Codec.Decode(blob)
			if err != nil {
				s.logger.Warn("page %d: undecodable image blob: %v", a.Page+1, err)
			} else {
				img.Page = a.Page
				in.Image = img
			}
		}
		inputs = append(inputs, in)
	}
	return inputs
}

// Status returns a snapshot of the job
func (s *Service) Status(ctx context.Context, jobID string) (domain.Job, error) {
	job, err := s.lookup(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	return job.Snapshot(), nil
}

// Subscribe attaches a new progress listener to a running job
func (s *Service) Subscribe(jobID string) (<-chan progress.Update, func(), error) {
	job, ok := s.get(jobID)
	if !ok || job.reporter == nil {
		return nil, nil, domain.NewError(domain.ErrorTypeValidation, fmt.Sprintf("no progress for job %s", jobID), domain.ErrJobNotFound)
	}
	ch, cancel := job.reporter.Subscribe(subscriberBuffer)
	return ch, cancel, nil
}

// Since returns the progress updates after seq, for pollers
func (s *Service) Since(jobID string, seq uint64) ([]progress.Update, error) {
	job, ok := s.get(jobID)
	if !ok || job.reporter == nil {
		return nil, domain.NewError(domain.ErrorTypeValidation, fmt.Sprintf("no progress for job %s", jobID), domain.ErrJobNotFound)
	}
	return job.reporter.Since(seq), nil
}

// Forget releases everything held for a job. Work still running for the
// job finishes but its results are discarded.
func (s *Service) Forget(ctx context.Context, jobID string) error {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()

	s.deps.Store.DropJob(jobID)
	var errs []error
	if err := s.deps.Blobs.DeleteJob(ctx, jobID); err != nil {
		errs = append(errs, err)
	}
	if s.deps.Repository != nil {
		if err := s.deps.Repository.DeleteJob(ctx, jobID); err != nil && !errors.Is(err, domain.ErrJobNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close waits for running jobs to finish
func (s *Service) Close() error {
	s.wg.Wait()
	return s.deps.Blobs.Close()
}

func (s *Service) get(jobID string) (*Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	return job, ok
}

// lookup finds a job in memory, falling back to the repository for jobs
// started by an earlier process.
func (s *Service) lookup(ctx context.Context, jobID string) (*Job, error) {
	if job, ok := s.get(jobID); ok {
		return job, nil
	}
	notFound := domain.NewError(domain.ErrorTypeValidation, fmt.Sprintf("job %s", jobID), domain.ErrJobNotFound)
	if s.deps.Repository == nil {
		return nil, notFound
	}

	record, err := s.deps.Repository.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			return nil, notFound
		}
		return nil, err
	}
	analyses, err := s.deps.Repository.ListAnalyses(ctx, jobID)
	if err != nil {
		return nil, err
	}

	job := restoreJob(record, analyses)
	if record.State == domain.JobFailed {
		job.err = domain.NewError(domain.ErrorTypeConversion, record.Error, nil)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.jobs[jobID]; ok {
		return existing, nil
	}
	s.jobs[jobID] = job
	return job, nil
}

func (s *Service) persist(ctx context.Context, job *Job) {
	repo := s.deps.Repository
	if repo == nil {
		return
	}
	snapshot := job.Snapshot()
	if err := repo.SaveJob(ctx, &snapshot); err != nil {
		s.logger.WithJob(snapshot.ID).Warn("failed to persist job: %v", err)
		return
	}
	if analyses := job.Analyses(); len(analyses) > 0 {
		if err := repo.SaveAnalyses(ctx, snapshot.ID, analyses); err != nil {
			s.logger.WithJob(snapshot.ID).Warn("failed to persist analyses: %v", err)
		}
	}
}
