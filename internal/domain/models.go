package domain

import (
	"math"
	"strings"
	"time"
)

// Tier is the rasterization resolution of a page image.
type Tier string

const (
	TierLow  Tier = "low"  // sent to the extraction capability
	TierHigh Tier = "high" // sent to the inpainting capability and used for output
)

// PageImage is a rasterized page. Data is never mutated once produced;
// transformations allocate a new PageImage.
type PageImage struct {
	Page   int    `json:"page"`
	Tier   Tier   `json:"tier"`
	Data   []byte `json:"-"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	MIME   string `json:"mime"`
}

// Empty reports whether the image carries no pixel data.
func (p PageImage) Empty() bool {
	return len(p.Data) == 0 || p.Width <= 0 || p.Height <= 0
}

// Box is a rectangle in page-normalized coordinates (0..1).
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Area returns W*H.
func (b Box) Area() float64 {
	return b.W * b.H
}

// Clamp confines the box to the unit square. It returns false when the box
// contains NaN/Inf values or has no area left after clamping.
func (b Box) Clamp() (Box, bool) {
	for _, v := range []float64{b.X, b.Y, b.W, b.H} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Box{}, false
		}
	}
	x0, y0 := clampUnit(b.X), clampUnit(b.Y)
	x1, y1 := clampUnit(b.X+b.W), clampUnit(b.Y+b.H)
	out := Box{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
	if out.W <= 0 || out.H <= 0 {
		return Box{}, false
	}
	return out, true
}

func clampUnit(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// VisualElement is a non-text region of a page (chart, photo, diagram).
type VisualElement struct {
	Box   Box    `json:"box"`
	Size  int    `json:"size"` // rank, 1 = largest
	Label string `json:"label,omitempty"`
}

// Alignment is a horizontal text alignment hint.
type Alignment string

const (
	AlignLeft   Alignment = "left"
	AlignCenter Alignment = "center"
	AlignRight  Alignment = "right"
)

// ParseAlignment maps a free-form hint to an Alignment, defaulting to left.
func ParseAlignment(s string) Alignment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "center", "centre", "centered", "middle":
		return AlignCenter
	case "right", "end":
		return AlignRight
	default:
		return AlignLeft
	}
}

// ParseHexColor normalizes "#1a2B3c", "1A2B3C" or "#abc" to six upper-case
// hex digits without the hash. Anything else is rejected.
func ParseHexColor(s string) (string, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return "", false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return "", false
		}
	}
	return strings.ToUpper(s), true
}

// AnalysisStatus tags how a PageAnalysis was obtained.
type AnalysisStatus string

const (
	AnalysisOK             AnalysisStatus = "ok"
	AnalysisDegraded       AnalysisStatus = "degraded"
	AnalysisFailedFallback AnalysisStatus = "failed_fallback"
)

// PageAnalysis is the structured content extracted from one page.
type PageAnalysis struct {
	Page         int             `json:"page"`
	Title        string          `json:"title"`
	Content      []string        `json:"content"`
	Visuals      []VisualElement `json:"visuals"`
	TitleAlign   Alignment       `json:"title_align"`
	ContentAlign Alignment       `json:"content_align"`
	Status       AnalysisStatus  `json:"status"`
	Reason       string          `json:"reason,omitempty"`
	Edited       bool            `json:"edited,omitempty"`

	// Notes become the slide's speaker notes.
	Notes      string `json:"notes,omitempty"`
	// Background and TextColor are six hex digits; empty uses the deck theme.
	Background string `json:"background_color,omitempty"`
	TextColor  string `json:"text_color,omitempty"`
}

// Clone returns a deep copy.
func (a PageAnalysis) Clone() PageAnalysis {
	out := a
	out.Content = append([]string(nil), a.Content...)
	out.Visuals = append([]VisualElement(nil), a.Visuals...)
	return out
}

// HasText reports whether the analysis carries a title or any bullet.
func (a PageAnalysis) HasText() bool {
	if strings.TrimSpace(a.Title) != "" {
		return true
	}
	for _, c := range a.Content {
		if strings.TrimSpace(c) != "" {
			return true
		}
	}
	return false
}

// CleanStatus tags the outcome of text removal for a page.
type CleanStatus string

const (
	CleanCleaned        CleanStatus = "cleaned"
	CleanSkipped        CleanStatus = "skipped"
	CleanFailedOriginal CleanStatus = "failed_original"
)

// PageCleanResult is the image to use as the slide background.
type PageCleanResult struct {
	Page   int         `json:"page"`
	Image  PageImage   `json:"image"`
	Status CleanStatus `json:"status"`
	Reason string      `json:"reason,omitempty"`
}

// PageOutcome is the terminal result of processing one page.
type PageOutcome struct {
	Page     int             `json:"page"`
	Analysis PageAnalysis    `json:"analysis"`
	Clean    PageCleanResult `json:"clean"`
	Err      error           `json:"-"`
}

// Failed reports whether nothing invoked for this page produced usable
// output: the analysis fell back and no cleaned image exists. With cleaning
// skipped the analysis alone decides.
func (o PageOutcome) Failed() bool {
	return o.Analysis.Status == AnalysisFailedFallback && o.Clean.Status != CleanCleaned
}

// BatchOutcome collects page outcomes in page-index order.
type BatchOutcome struct {
	Pages    []PageOutcome `json:"pages"`
	Warnings []string      `json:"warnings,omitempty"`
}

// JobState is the lifecycle state of a conversion job.
type JobState string

const (
	JobCreated     JobState = "created"
	JobRasterizing JobState = "rasterizing"
	JobAnalyzing   JobState = "analyzing"
	JobEditable    JobState = "editable"
	JobAssembling  JobState = "assembling"
	JobComplete    JobState = "complete"
	JobFailed      JobState = "failed"
)

var jobTransitions = map[JobState][]JobState{
	JobCreated:     {JobRasterizing, JobFailed},
	JobRasterizing: {JobAnalyzing, JobFailed},
	JobAnalyzing:   {JobEditable, JobFailed},
	JobEditable:    {JobAssembling},
	JobAssembling:  {JobComplete, JobEditable}, // Editable when assembly is cancelled
	JobComplete:    {JobAssembling},
}

// CanTransition reports whether from -> to is a legal job transition.
func CanTransition(from, to JobState) bool {
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Job is a single conversion request. It is owned by one pipeline run.
type Job struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	TotalPages int       `json:"total_pages"`
	Selected   []int     `json:"selected"`
	State      JobState  `json:"state"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Transition moves the job to the next state.
func (j *Job) Transition(to JobState) error {
	if !CanTransition(j.State, to) {
		return NewError(ErrorTypeValidation, string(j.State)+" -> "+string(to), ErrInvalidTransition)
	}
	j.State = to
	j.UpdatedAt = time.Now()
	return nil
}

// Fail moves the job to the failed state and records the cause.
func (j *Job) Fail(err error) error {
	if terr := j.Transition(JobFailed); terr != nil {
		return terr
	}
	if err != nil {
		j.Error = err.Error()
	}
	return nil
}

// Clone returns a copy safe to hand to readers.
func (j *Job) Clone() *Job {
	out := *j
	out.Selected = append([]int(nil), j.Selected...)
	return &out
}
