// Package extract turns page images into slide analyses and clean backgrounds.
package extract

import (
	"context"
	"errors"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/llm"
)

const (
	maxFallbackBullets = 6
	maxTitleRunes      = 120
)

// Analyzer implements domain.Analyzer on top of a vision capability
type Analyzer struct {
	vision domain.VisionCapability
	prompt string
	logger *domain.Logger
}

// NewAnalyzer creates a new page analyzer. A nil capability makes every
// page fall back to its text layer.
func NewAnalyzer(vision domain.VisionCapability, logger *domain.Logger) *Analyzer {
	if logger == nil {
		logger = domain.DefaultLogger
	}
	return &Analyzer{
		vision: vision,
		prompt: llm.ExtractionPrompt,
		logger: logger.WithPrefix("analyzer"),
	}
}

// Analyze extracts slide structure from a low-tier page image. It always
// returns a terminal analysis.
func (a *Analyzer) Analyze(ctx context.Context, image domain.PageImage, text domain.TextSource) domain.PageAnalysis {
	if a.vision == nil {
		return a.fallback(image.Page, text, domain.ErrCapabilityDisabled.Error())
	}
	if image.Empty() {
		return a.fallback(image.Page, text, domain.ErrUnusableImage.Error())
	}

	raw, err := a.vision.ExtractPage(ctx, image, a.prompt)
	if err != nil {
		a.logger.Warn("page %d: extraction failed: %v", image.Page+1, err)
		return a.fallback(image.Page, text, err.Error())
	}

	reply, quality, derr := llm.DecodeSlide(raw)
	switch quality {
	case llm.QualityValid:
		return toAnalysis(image.Page, reply, domain.AnalysisOK, "")
	case llm.QualityPartial:
		a.logger.Warn("page %d: reply partially matched schema: %v", image.Page+1, derr)
		return toAnalysis(image.Page, reply, domain.AnalysisDegraded, derr.Error())
	default:
		reason := "unparseable reply"
		if derr != nil {
			reason = derr.Error()
		}
		a.logger.Warn("page %d: %s", image.Page+1, reason)
		analysis := a.fallback(image.Page, text, reason)
		if !errors.Is(derr, llm.ErrEmptyReply) {
			// the capability answered, only its reply was unreadable
			analysis.Status = domain.AnalysisDegraded
		}
		return analysis
	}
}

// fallback builds a best-effort analysis from the embedded text layer
func (a *Analyzer) fallback(page int, text domain.TextSource, reason string) domain.PageAnalysis {
	analysis := domain.PageAnalysis{
		Page:         page,
		Content:      []string{},
		Visuals:      []domain.VisualElement{},
		TitleAlign:   domain.AlignLeft,
		ContentAlign: domain.AlignLeft,
		Status:       domain.AnalysisFailedFallback,
		Reason:       reason,
	}
	if text == nil {
		return analysis
	}

	raw, err := text.PageText(page)
	if err != nil {
		a.logger.Debug("page %d: no text layer: %v", page+1, err)
		return analysis
	}

	lines := make([]string, 0)
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		return analysis
	}

	analysis.Title = truncateRunes(lines[0], maxTitleRunes)
	for _, line := range lines[1:] {
		if len(analysis.Content) == maxFallbackBullets {
			break
		}
		analysis.Content = append(analysis.Content, line)
	}
	return analysis
}

// toAnalysis normalizes a decoded reply. Boxes from the model are untrusted:
// they are clamped to the page and degenerate ones are dropped, then size
// ranks are recomputed from the clamped areas.
func toAnalysis(page int, reply llm.SlideReply, status domain.AnalysisStatus, reason string) domain.PageAnalysis {
	content := make([]string, 0, len(reply.Content))
	for _, c := range reply.Content {
		if c = strings.TrimSpace(c); c != "" {
			content = append(content, c)
		}
	}

	visuals := make([]domain.VisualElement, 0, len(reply.VisualElements))
	for _, v := range reply.VisualElements {
		box, ok := domain.Box{X: v.Box.X, Y: v.Box.Y, W: v.Box.W, H: v.Box.H}.Clamp()
		if !ok {
			continue
		}
		visuals = append(visuals, domain.VisualElement{Box: box, Label: v.Label})
	}
	rankBySize(visuals)

	// unreadable colors fall back to the deck theme
	background, _ := domain.ParseHexColor(reply.BackgroundColor)
	textColor, _ := domain.ParseHexColor(reply.TextColor)

	return domain.PageAnalysis{
		Page:         page,
		Title:        strings.TrimSpace(reply.Title),
		Content:      content,
		Visuals:      visuals,
		TitleAlign:   domain.ParseAlignment(reply.TitleAlignment),
		ContentAlign: domain.ParseAlignment(reply.ContentAlignment),
		Status:       status,
		Reason:       reason,
		Notes:        strings.TrimSpace(reply.SpeakerNotes),
		Background:   background,
		TextColor:    textColor,
	}
}

// rankBySize assigns Size = 1 to the largest element, keeping input order
// for equal areas.
func rankBySize(visuals []domain.VisualElement) {
	order := make([]int, len(visuals))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return visuals[order[i]].Box.Area() > visuals[order[j]].Box.Area()
	})
	for rank, idx := range order {
		visuals[idx].Size = rank + 1
	}
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
