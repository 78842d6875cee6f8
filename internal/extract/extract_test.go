package extract

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/llm"
)

type fakeVision struct {
	reply string
	err   error
}

func (f fakeVision) ExtractPage(context.Context, domain.PageImage, string) (string, error) {
	return f.reply, f.err
}

type fakeInpaint struct {
	out domain.PageImage
	err error
}

func (f fakeInpaint) RemoveText(_ context.Context, img domain.PageImage, _ string) (domain.PageImage, error) {
	if f.err != nil {
		return domain.PageImage{}, f.err
	}
	out := f.out
	out.Page = img.Page
	return out, nil
}

type fakeText map[int]string

func (f fakeText) PageText(page int) (string, error) {
	s, ok := f[page]
	if !ok {
		return "", errors.New("no text")
	}
	return s, nil
}

func solidPNG(t *testing.T, w, h int, c color.RGBA) domain.PageImage {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return domain.PageImage{Page: 4, Tier: domain.TierHigh, Data: buf.Bytes(), Width: w, Height: h, MIME: "image/png"}
}

func lowPage() domain.PageImage {
	return domain.PageImage{Page: 6, Tier: domain.TierLow, Data: []byte{0xff, 0xd8}, Width: 10, Height: 10, MIME: "image/jpeg"}
}

func TestAnalyzer_ValidReply(t *testing.T) {
	reply := `{"title":" Revenue ","content":["Up 12%","","Costs flat"],
	  "visual_elements":[
	    {"box":{"x":0.1,"y":0.1,"w":0.1,"h":0.1},"size":1},
	    {"box":{"x":0.5,"y":0.1,"w":0.8,"h":0.8},"size":2},
	    {"box":{"x":0.2,"y":0.2,"w":0,"h":0.3}}
	  ],
	  "title_alignment":"center"}`
	a := NewAnalyzer(fakeVision{reply: reply}, domain.NewNopLogger())

	got := a.Analyze(context.Background(), lowPage(), nil)
	assert.Equal(t, domain.AnalysisOK, got.Status)
	assert.Equal(t, 6, got.Page)
	assert.Equal(t, "Revenue", got.Title)
	assert.Equal(t, []string{"Up 12%", "Costs flat"}, got.Content)
	assert.Equal(t, domain.AlignCenter, got.TitleAlign)
	assert.Equal(t, domain.AlignLeft, got.ContentAlign)

	require.Len(t, got.Visuals, 2, "zero-area box must be dropped")
	// second box is clamped to w=0.5,h=0.8 and is still the largest
	assert.InDelta(t, 0.5, got.Visuals[1].Box.W, 1e-9)
	assert.Equal(t, 1, got.Visuals[1].Size)
	assert.Equal(t, 2, got.Visuals[0].Size)
}

func TestAnalyzer_NotesAndColors(t *testing.T) {
	reply := `{"title":"Plan","content":["a"],"visual_elements":[],
	  "speaker_notes":"  Walk through the plan.  ","background_color_hex":"#0f172a","text_color_hex":"blue"}`
	a := NewAnalyzer(fakeVision{reply: reply}, domain.NewNopLogger())

	got := a.Analyze(context.Background(), lowPage(), nil)
	assert.Equal(t, domain.AnalysisOK, got.Status)
	assert.Equal(t, "Walk through the plan.", got.Notes)
	assert.Equal(t, "0F172A", got.Background)
	assert.Empty(t, got.TextColor, "a color name is not a hex value")
}

func TestAnalyzer_PurelyVisualPageIsOK(t *testing.T) {
	a := NewAnalyzer(fakeVision{reply: `{"title":"","content":[],"visual_elements":[]}`}, domain.NewNopLogger())
	got := a.Analyze(context.Background(), lowPage(), nil)
	assert.Equal(t, domain.AnalysisOK, got.Status)
	assert.False(t, got.HasText())
}

func TestAnalyzer_PartialReplyIsDegraded(t *testing.T) {
	a := NewAnalyzer(fakeVision{reply: `{"title":"Agenda","content":"- one\n- two"}`}, domain.NewNopLogger())
	got := a.Analyze(context.Background(), lowPage(), nil)
	assert.Equal(t, domain.AnalysisDegraded, got.Status)
	assert.Equal(t, "Agenda", got.Title)
	assert.Equal(t, []string{"one", "two"}, got.Content)
	assert.NotEmpty(t, got.Reason)
}

func TestAnalyzer_MalformedReplyIsDegradedWithTextLayer(t *testing.T) {
	a := NewAnalyzer(fakeVision{reply: "I'm sorry, I can't read this page."}, domain.NewNopLogger())
	text := fakeText{6: "Market Overview\n\n  Segment A  \nSegment B\nSegment C\nSegment D\nSegment E\nSegment F\nSegment G"}

	got := a.Analyze(context.Background(), lowPage(), text)
	assert.Equal(t, domain.AnalysisDegraded, got.Status)
	assert.Equal(t, "Market Overview", got.Title)
	assert.Len(t, got.Content, maxFallbackBullets)
	assert.Equal(t, "Segment A", got.Content[0])
	assert.Empty(t, got.Visuals)
}

func TestAnalyzer_MalformedReplies(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  domain.AnalysisStatus
	}{
		{"not json", "not json at all", domain.AnalysisDegraded},
		{"broken json", `{"title": "Agenda", "content": [`, domain.AnalysisDegraded},
		{"wrong shape", `{"title": 3, "content": {"a": 1}, "visual_elements": "none"}`, domain.AnalysisDegraded},
		{"json array", `[1, 2, 3]`, domain.AnalysisDegraded},
		{"empty", "   ", domain.AnalysisFailedFallback},
		{"empty fence", "```json\n```", domain.AnalysisFailedFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAnalyzer(fakeVision{reply: tt.reply}, domain.NewNopLogger())
			got := a.Analyze(context.Background(), lowPage(), nil)
			assert.Equal(t, tt.want, got.Status)
			assert.NotEmpty(t, got.Reason)
			assert.NotNil(t, got.Content)
		})
	}
}

func TestAnalyzer_RepeatedAnalysisIsStable(t *testing.T) {
	replies := []string{
		`{"title":"Roadmap","content":["Q1","Q2","Q3"],"visual_elements":[{"box":{"x":0.5,"y":0.2,"w":0.4,"h":0.6}}]}`,
		`{"title":"","content":[],"visual_elements":[]}`,
		`{"title":"Agenda","content":"- one\n- two"}`,
		"not json at all",
	}
	text := fakeText{6: "Heading\nline"}
	for _, reply := range replies {
		a := NewAnalyzer(fakeVision{reply: reply}, domain.NewNopLogger())
		first := a.Analyze(context.Background(), lowPage(), text)
		for i := 0; i < 5; i++ {
			again := a.Analyze(context.Background(), lowPage(), text)
			assert.Equal(t, first.Status, again.Status, reply)
			assert.Equal(t, first.Title != "", again.Title != "", reply)
			assert.Len(t, again.Content, len(first.Content), reply)
			assert.Len(t, again.Visuals, len(first.Visuals), reply)
		}
	}
}

func TestAnalyzer_CapabilityErrorWithoutTextLayer(t *testing.T) {
	a := NewAnalyzer(fakeVision{err: errors.New("503 unavailable")}, domain.NewNopLogger())
	got := a.Analyze(context.Background(), lowPage(), fakeText{})
	assert.Equal(t, domain.AnalysisFailedFallback, got.Status)
	assert.Empty(t, got.Title)
	assert.NotNil(t, got.Content)
	assert.Contains(t, got.Reason, "503")
}

func TestAnalyzer_NilCapability(t *testing.T) {
	a := NewAnalyzer(nil, domain.NewNopLogger())
	got := a.Analyze(context.Background(), lowPage(), nil)
	assert.Equal(t, domain.AnalysisFailedFallback, got.Status)
	assert.Equal(t, domain.ErrCapabilityDisabled.Error(), got.Reason)
}

func TestCleaner_Cleaned(t *testing.T) {
	clean := solidPNG(t, 40, 20, color.RGBA{10, 20, 30, 255})
	c := NewCleaner(fakeInpaint{out: clean}, domain.NewNopLogger())

	got := c.Clean(context.Background(), solidPNG(t, 40, 20, color.RGBA{255, 0, 0, 255}), domain.CleanOptions{Enabled: true})
	assert.Equal(t, domain.CleanCleaned, got.Status)
	assert.Equal(t, 4, got.Page)
	assert.Equal(t, clean.Data, got.Image.Data)
}

type promptRecorder struct {
	prompts []string
}

func (p *promptRecorder) RemoveText(_ context.Context, img domain.PageImage, prompt string) (domain.PageImage, error) {
	p.prompts = append(p.prompts, prompt)
	return img, nil
}

func TestCleaner_WatermarkFlagReachesPrompt(t *testing.T) {
	rec := &promptRecorder{}
	c := NewCleaner(rec, domain.NewNopLogger())
	in := solidPNG(t, 20, 20, color.RGBA{9, 9, 9, 255})

	c.Clean(context.Background(), in, domain.CleanOptions{Enabled: true})
	c.Clean(context.Background(), in, domain.CleanOptions{Enabled: true, RemoveWatermark: true})

	require.Len(t, rec.prompts, 2)
	assert.Equal(t, llm.RemovalPrompt, rec.prompts[0])
	assert.True(t, strings.HasPrefix(rec.prompts[1], llm.RemovalPrompt))
	assert.Contains(t, rec.prompts[1], llm.WatermarkPrompt)
}

func TestCleaner_CustomWatermarkRegion(t *testing.T) {
	region := domain.Box{X: 0, Y: 0.5, W: 1, H: 0.5}
	c := NewCleaner(nil, domain.NewNopLogger()).WithWatermarkRegion(region)
	assert.Equal(t, region, c.region)

	in := solidPNG(t, 20, 20, color.RGBA{200, 0, 0, 255})
	got := c.Clean(context.Background(), in, domain.CleanOptions{RemoveWatermark: true})
	assert.Equal(t, domain.CleanSkipped, got.Status)
	assert.Equal(t, 20, got.Image.Width)

	unusable := NewCleaner(nil, domain.NewNopLogger()).WithWatermarkRegion(domain.Box{X: 2, Y: 2, W: 1, H: 1})
	assert.Equal(t, DefaultWatermarkRegion, unusable.region, "an unusable region keeps the default")
}

func TestCleaner_Disabled(t *testing.T) {
	c := NewCleaner(fakeInpaint{err: errors.New("must not be called")}, domain.NewNopLogger())
	in := solidPNG(t, 10, 10, color.RGBA{1, 2, 3, 255})

	got := c.Clean(context.Background(), in, domain.CleanOptions{Enabled: false})
	assert.Equal(t, domain.CleanSkipped, got.Status)
	assert.Equal(t, in.Data, got.Image.Data)
}

func TestCleaner_FailureUsesOriginal(t *testing.T) {
	in := solidPNG(t, 10, 10, color.RGBA{1, 2, 3, 255})

	tests := []struct {
		name    string
		inpaint domain.InpaintCapability
	}{
		{"capability error", fakeInpaint{err: errors.New("unavailable")}},
		{"undecodable result", fakeInpaint{out: domain.PageImage{Data: []byte("junk"), Width: 10, Height: 10}}},
		{"empty result", fakeInpaint{out: domain.PageImage{}}},
		{"no capability", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewCleaner(tt.inpaint, domain.NewNopLogger())
			got := c.Clean(context.Background(), in, domain.CleanOptions{Enabled: true})
			assert.Equal(t, domain.CleanFailedOriginal, got.Status)
			assert.Equal(t, in.Data, got.Image.Data)
			assert.NotEmpty(t, got.Reason)
		})
	}
}

func TestCleaner_WatermarkMask(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			src.SetRGBA(x, y, color.RGBA{0, 0, 255, 255})
		}
	}
	// a bright badge in the bottom-right corner
	for y := 93; y < 100; y++ {
		for x := 82; x < 100; x++ {
			src.SetRGBA(x, y, color.RGBA{255, 255, 0, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, src))
	in := domain.PageImage{Page: 1, Tier: domain.TierHigh, Data: buf.Bytes(), Width: 100, Height: 100, MIME: "image/png"}

	before := append([]byte(nil), in.Data...)
	c := NewCleaner(nil, domain.NewNopLogger())
	got := c.Clean(context.Background(), in, domain.CleanOptions{Enabled: false, RemoveWatermark: true})
	assert.Equal(t, domain.CleanSkipped, got.Status)

	out, err := png.Decode(bytes.NewReader(got.Image.Data))
	require.NoError(t, err)
	r, g, b, _ := out.At(95, 97).RGBA()
	assert.Equal(t, uint32(0), r>>8)
	assert.Equal(t, uint32(0), g>>8)
	assert.Equal(t, uint32(255), b>>8)
	assert.Equal(t, before, in.Data, "input must not be mutated")
}

func TestCleaner_EmptyInput(t *testing.T) {
	c := NewCleaner(fakeInpaint{}, domain.NewNopLogger())
	got := c.Clean(context.Background(), domain.PageImage{Page: 2}, domain.CleanOptions{Enabled: true})
	assert.Equal(t, domain.CleanFailedOriginal, got.Status)
	assert.Equal(t, 2, got.Page)
}
