package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/progress"
)

// Options are the caller's per-job switches
type Options struct {
	Clean           bool `json:"clean"`
	RemoveWatermark bool `json:"remove_watermark"`
}

// Edit rewrites the text of one page analysis. Nil fields are left alone.
type Edit struct {
	Title   *string  `json:"title,omitempty"`
	Content []string `json:"content,omitempty"`
	Notes   *string  `json:"notes,omitempty"`
}

// Job is the aggregate for one conversion. It owns the canonical page
// analyses; every mutation goes through its mutex.
type Job struct {
	mu       sync.Mutex
	record   domain.Job
	opts     Options
	analyses map[int]domain.PageAnalysis
	clean    map[int]domain.CleanStatus
	warnings []string
	err      error

	reporter *progress.Reporter
	done     chan struct{}
}

func newJob(id, filename string, opts Options, reporter *progress.Reporter) *Job {
	now := time.Now().UTC()
	return &Job{
		record: domain.Job{
			ID:        id,
			Filename:  filename,
			State:     domain.JobCreated,
			CreatedAt: now,
			UpdatedAt: now,
		},
		opts:     opts,
		analyses: make(map[int]domain.PageAnalysis),
		clean:    make(map[int]domain.CleanStatus),
		reporter: reporter,
		done:     make(chan struct{}),
	}
}

// restoreJob rebuilds an aggregate from persisted state
func restoreJob(record *domain.Job, analyses []domain.PageAnalysis) *Job {
	j := &Job{
		record:   *record.Clone(),
		analyses: make(map[int]domain.PageAnalysis, len(analyses)),
		clean:    make(map[int]domain.CleanStatus),
		done:     make(chan struct{}),
	}
	for _, a := range analyses {
		j.analyses[a.Page] = a.Clone()
	}
	close(j.done)
	return j
}

// ID returns the job identifier
func (j *Job) ID() string {
	return j.record.ID
}

// Snapshot returns a copy of the job record
func (j *Job) Snapshot() domain.Job {
	j.mu.Lock()
	defer j.mu.Unlock()
	return *j.record.Clone()
}

// State returns the current lifecycle state
func (j *Job) State() domain.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record.State
}

// Done is closed once analysis has finished, successfully or not
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Err returns the fatal error that failed the job, if any
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Warnings returns the non-fatal warnings raised while analyzing
func (j *Job) Warnings() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.warnings...)
}

// Analyses returns copies of the canonical analyses in page order
func (j *Job) Analyses() []domain.PageAnalysis {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.analysesLocked()
}

func (j *Job) analysesLocked() []domain.PageAnalysis {
	out := make([]domain.PageAnalysis, 0, len(j.analyses))
	for _, page := range j.record.Selected {
		if a, ok := j.analyses[page]; ok {
			out = append(out, a.Clone())
		}
	}
	if len(out) != len(j.analyses) {
		// restored jobs may not carry the selection
		out = out[:0]
		for _, a := range j.analyses {
			out = append(out, a.Clone())
		}
		sort.Slice(out, func(a, b int) bool { return out[a].Page < out[b].Page })
	}
	return out
}

func (j *Job) transition(to domain.JobState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.record.Transition(to)
}

func (j *Job) fail(err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err == nil {
		j.err = err
	}
	if ferr := j.record.Fail(err); ferr != nil {
		// already past the point where failure is allowed; keep the error only
		j.record.Error = err.Error()
	}
}

func (j *Job) setSelection(total int, pages []int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.record.TotalPages = total
	j.record.Selected = append([]int(nil), pages...)
}

func (j *Job) setOutcome(outcome domain.BatchOutcome) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, o := range outcome.Pages {
		j.analyses[o.Page] = o.Analysis.Clone()
		j.clean[o.Page] = o.Clean.Status
	}
	j.warnings = append(j.warnings, outcome.Warnings...)
}

// edit applies a caller edit to one page. The last write wins.
func (j *Job) edit(page int, e Edit) (domain.PageAnalysis, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	switch j.record.State {
	case domain.JobEditable, domain.JobComplete:
	default:
		return domain.PageAnalysis{}, domain.ValidationError(
			fmt.Sprintf("job %s is %s and cannot be edited", j.record.ID, j.record.State), domain.ErrInvalidTransition)
	}

	a, ok := j.analyses[page]
	if !ok {
		return domain.PageAnalysis{}, domain.NewPageError(domain.ErrorTypeValidation, page, "page is not part of this job", domain.ErrNoPagesSelected)
	}

	if e.Title != nil {
		a.Title = strings.TrimSpace(*e.Title)
	}
	if e.Content != nil {
		content := make([]string, 0, len(e.Content))
		for _, c := range e.Content {
			if c = strings.TrimSpace(c); c != "" {
				content = append(content, c)
			}
		}
		a.Content = content
	}
	if e.Notes != nil {
		a.Notes = strings.TrimSpace(*e.Notes)
	}
	a.Edited = true
	j.analyses[page] = a
	j.record.UpdatedAt = time.Now().UTC()
	return a.Clone(), nil
}

func (j *Job) finish() {
	select {
	case <-j.done:
	default:
		close(j.done)
	}
}
