package pdf

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pdf2deck/internal/domain"
)

func TestValidateSource(t *testing.T) {
	v := NewValidator(1024)

	tests := []struct {
		name    string
		src     []byte
		wantErr bool
	}{
		{"empty", nil, true},
		{"not a pdf", []byte("hello world"), true},
		{"header", []byte("%PDF-1.7\n..."), false},
		{"junk before header", append([]byte("\x00\x00garbage"), []byte("%PDF-1.4")...), false},
		{"too large", append([]byte("%PDF-1.4"), make([]byte, 2048)...), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateSource(tt.src)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, domain.IsFatal(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePDFPath(t *testing.T) {
	dir := t.TempDir()
	v := NewValidator(0)

	pdfPath := filepath.Join(dir, "deck.pdf")
	require.NoError(t, os.WriteFile(pdfPath, []byte("%PDF-1.4"), 0o600))
	txtPath := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(txtPath, []byte("x"), 0o600))

	assert.NoError(t, v.ValidatePDFPath(pdfPath))
	assert.Error(t, v.ValidatePDFPath(""))
	assert.Error(t, v.ValidatePDFPath(txtPath))
	assert.Error(t, v.ValidatePDFPath(dir))
	assert.Error(t, v.ValidatePDFPath(filepath.Join(dir, "missing.pdf")))
}

func TestValidateQuality(t *testing.T) {
	v := NewValidator(0)
	assert.NoError(t, v.ValidateQuality(85))
	assert.Error(t, v.ValidateQuality(0))
	assert.Error(t, v.ValidateQuality(101))
}

func TestNormalizePages(t *testing.T) {
	v := NewValidator(0)

	pages, err := v.NormalizePages(nil, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, pages)

	pages, err = v.NormalizePages([]int{4, 1, 1, -2, 9, 0}, 5)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 4}, pages)

	_, err = v.NormalizePages([]int{7, 8}, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNoPagesSelected))
	assert.True(t, domain.IsFatal(err))

	_, err = v.NormalizePages(nil, 0)
	assert.Error(t, err)
}

func TestTierDPI(t *testing.T) {
	opts := RasterOptions{LowMaxDim: 768, HighDPI: 150, HighMaxDim: 2048}
	letter := image.Rect(0, 0, 612, 792) // 8.5x11in in points

	low := TierDPI(letter, domain.TierLow, opts)
	assert.InDelta(t, 768.0, 792*low/72, 0.5)

	high := TierDPI(letter, domain.TierHigh, opts)
	assert.InDelta(t, 150.0, high, 0.001)

	poster := image.Rect(0, 0, 2384, 3370) // A0
	capped := TierDPI(poster, domain.TierHigh, opts)
	assert.InDelta(t, 2048.0, 3370*capped/72, 0.5)

	assert.Equal(t, 72.0, TierDPI(image.Rectangle{}, domain.TierLow, opts))
}

func TestRasterizer_OpenRejectsNonPDF(t *testing.T) {
	r := NewRasterizer(DefaultRasterOptions(), domain.NewNopLogger())
	_, err := r.Open(context.Background(), []byte("definitely not a pdf"))
	require.Error(t, err)
	assert.Equal(t, domain.ErrorTypeValidation, domain.ErrorTypeOf(err))
}

func TestRasterizer_RenderFixture(t *testing.T) {
	path := os.Getenv("PDF2DECK_FIXTURE_PDF")
	if path == "" {
		t.Skip("PDF2DECK_FIXTURE_PDF not set")
	}
	src, err := os.ReadFile(path)
	require.NoError(t, err)

	r := NewRasterizer(DefaultRasterOptions(), domain.NewNopLogger())
	doc, err := r.Open(context.Background(), src)
	require.NoError(t, err)
	defer doc.Close()

	preview, err := r.FirstPage(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, domain.TierLow, preview.Tier)
	assert.LessOrEqual(t, max(preview.Width, preview.Height), 769)

	_, err = doc.Render(context.Background(), doc.NumPage(), domain.TierHigh)
	assert.Equal(t, domain.ErrorTypeRasterize, domain.ErrorTypeOf(err))
}

func TestTextLayer_NilSafe(t *testing.T) {
	var tl *TextLayer
	text, err := tl.PageText(0)
	assert.NoError(t, err)
	assert.Empty(t, text)
	assert.Equal(t, 0, tl.NumPage())
}

func TestNewTextLayer_Garbage(t *testing.T) {
	_, err := NewTextLayer([]byte("%PDF-1.4 truncated"))
	assert.Error(t, err)
}
