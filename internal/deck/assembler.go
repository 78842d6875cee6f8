// Package deck builds the editable presentation from page analyses and
// cleaned page images.
package deck

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"github.com/spherical/pdf2deck/internal/domain"
)

const cropQuality = 90

// SlideInput pairs a page analysis with its cleaned image
type SlideInput struct {
	Analysis domain.PageAnalysis
	Image    domain.PageImage
}

// Result is an assembled deck
type Result struct {
	Bytes        []byte
	Filename     string
	Slides       int
	Placeholders int
}

// Assembler turns slide inputs into a presentation
type Assembler struct {
	policy LayoutPolicy
	writer *PPTXWriter
	logger *domain.Logger
}

// NewAssembler creates a new deck assembler
func NewAssembler(policy LayoutPolicy, logger *domain.Logger) *Assembler {
	if logger == nil {
		logger = domain.DefaultLogger
	}
	return &Assembler{
		policy: policy,
		writer: NewPPTXWriter(),
		logger: logger.WithPrefix("deck"),
	}
}

// Assemble builds one slide per input, in input order. A slide that cannot
// be built is replaced by a text-only placeholder; an empty input yields a
// single placeholder slide so the document is never empty.
func (a *Assembler) Assemble(ctx context.Context, source string, inputs []SlideInput) (Result, error) {
	result := Result{Filename: SuggestFilename(source)}

	specs := make([]SlideSpec, 0, max(len(inputs), 1))
	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return Result{}, domain.AssemblyError("assembly cancelled", err)
		}
		spec, err := a.buildSlide(in)
		if err != nil {
			a.logger.Warn("page %d: using placeholder slide: %v", in.Analysis.Page+1, err)
			spec = placeholder(in.Analysis)
		}
		if spec.Layout == LayoutPlaceholder {
			result.Placeholders++
		}
		specs = append(specs, spec)
	}

	if len(specs) == 0 {
		specs = append(specs, SlideSpec{
			Page:   domain.NoPage,
			Layout: LayoutPlaceholder,
			Title:  deckTitle(source),
			Note:   "No pages could be converted.",
		})
		result.Placeholders++
	}

	var buf bytes.Buffer
	if err := a.writer.Write(&buf, deckTitle(source), specs); err != nil {
		return Result{}, err
	}

	result.Bytes = buf.Bytes()
	result.Slides = len(specs)
	a.logger.Info("assembled %d slides (%d placeholders)", result.Slides, result.Placeholders)
	return result, nil
}

// buildSlide converts one input; any panic from image handling becomes an
// error.
func (a *Assembler) buildSlide(in SlideInput) (spec SlideSpec, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.AssemblyError(fmt.Sprintf("page %d: slide construction panicked: %v", in.Analysis.Page+1, r), nil)
		}
	}()

	analysis := in.Analysis
	spec = SlideSpec{
		Page:         analysis.Page,
		Title:        analysis.Title,
		Bullets:      nonEmpty(analysis.Content),
		TitleAlign:   defaultAlign(analysis.TitleAlign),
		ContentAlign: defaultAlign(analysis.ContentAlign),
		SpeakerNotes: analysis.Notes,
		Background:   analysis.Background,
		TextColor:    analysis.TextColor,
	}

	layout, visual := a.policy.Choose(analysis)
	spec.Layout = layout
	if layout != LayoutSplit {
		if !analysis.HasText() {
			return placeholder(analysis), nil
		}
		return spec, nil
	}

	pic, err := cropVisual(in.Image, analysis.Visuals[visual].Box)
	if err != nil {
		return SlideSpec{}, err
	}
	spec.Picture = pic
	return spec, nil
}

// placeholder keeps whatever text the page has and drops every image
func placeholder(a domain.PageAnalysis) SlideSpec {
	title := a.Title
	if strings.TrimSpace(title) == "" {
		title = fmt.Sprintf("Page %d", a.Page+1)
	}
	return SlideSpec{
		Page:         a.Page,
		Layout:       LayoutPlaceholder,
		Title:        title,
		Bullets:      nonEmpty(a.Content),
		TitleAlign:   defaultAlign(a.TitleAlign),
		ContentAlign: defaultAlign(a.ContentAlign),
		Note:         fmt.Sprintf("Page %d could not be fully reproduced; only its text is shown.", a.Page+1),
		SpeakerNotes: a.Notes,
		Background:   a.Background,
		TextColor:    a.TextColor,
	}
}

// cropVisual cuts the normalized box out of the page image and re-encodes
// it as JPEG.
func cropVisual(img domain.PageImage, box domain.Box) (*Picture, error) {
	if img.Empty() {
		return nil, domain.AssemblyError("no page image for visual", domain.ErrUnusableImage)
	}
	src, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return nil, domain.AssemblyError("failed to decode page image", err)
	}

	b := src.Bounds()
	rect := image.Rect(
		b.Min.X+int(box.X*float64(b.Dx())),
		b.Min.Y+int(box.Y*float64(b.Dy())),
		b.Min.X+int((box.X+box.W)*float64(b.Dx())),
		b.Min.Y+int((box.Y+box.H)*float64(b.Dy())),
	).Intersect(b)
	if rect.Dx() < 2 || rect.Dy() < 2 {
		return nil, domain.AssemblyError("visual region is too small", domain.ErrUnusableImage)
	}

	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(dst, dst.Bounds(), src, rect.Min, draw.Src)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: cropQuality}); err != nil {
		return nil, domain.AssemblyError("failed to encode visual", err)
	}
	return &Picture{Data: buf.Bytes(), MIME: "image/jpeg", Width: rect.Dx(), Height: rect.Dy()}, nil
}

// SuggestFilename derives the download name from the source file name
func SuggestFilename(source string) string {
	return deckTitle(source) + "-deck.pptx"
}

func deckTitle(source string) string {
	base := filepath.Base(strings.ReplaceAll(strings.TrimSpace(source), `\`, "/"))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	base = strings.TrimSpace(base)
	if base == "" || base == "." || base == "/" {
		return "presentation"
	}
	return base
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func defaultAlign(a domain.Alignment) domain.Alignment {
	if a == "" {
		return domain.AlignLeft
	}
	return a
}
