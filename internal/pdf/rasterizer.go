// Package pdf rasterizes PDF pages on demand and exposes their text layer.
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"math"
	"sync"
	"time"

	"github.com/gen2brain/go-fitz"

	"github.com/spherical/pdf2deck/internal/domain"
)

const pointsPerInch = 72.0

// RasterOptions controls per-tier resolution and per-page limits
type RasterOptions struct {
	LowMaxDim       int
	HighDPI         float64
	HighMaxDim      int
	Quality         int
	PageTimeout     time.Duration
	FirstPageBudget time.Duration
	MaxFileSize     int64
}

// DefaultRasterOptions returns the default rasterization settings
func DefaultRasterOptions() RasterOptions {
	return RasterOptions{
		LowMaxDim:       768,
		HighDPI:         150,
		HighMaxDim:      2048,
		Quality:         85,
		PageTimeout:     20 * time.Second,
		FirstPageBudget: 800 * time.Millisecond,
		MaxFileSize:     100 * 1024 * 1024,
	}
}

// Rasterizer opens PDF documents for page-at-a-time rendering
type Rasterizer struct {
	opts      RasterOptions
	validator *Validator
	logger    *domain.Logger
}

// NewRasterizer creates a new rasterizer
func NewRasterizer(opts RasterOptions, logger *domain.Logger) *Rasterizer {
	if logger == nil {
		logger = domain.DefaultLogger
	}
	return &Rasterizer{
		opts:      opts,
		validator: NewValidator(opts.MaxFileSize),
		logger:    logger.WithPrefix("rasterizer"),
	}
}

// Validator returns the validator used for sources and page selections
func (r *Rasterizer) Validator() *Validator {
	return r.validator
}

// Open validates src and opens it for rendering. Failures are fatal.
func (r *Rasterizer) Open(ctx context.Context, src []byte) (*Document, error) {
	if err := r.validator.ValidateSource(src); err != nil {
		return nil, err
	}
	if err := r.validator.ValidateQuality(r.opts.Quality); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, err := fitz.NewFromMemory(src)
	if err != nil {
		if errors.Is(err, fitz.ErrNeedsPassword) {
			return nil, domain.ConversionError("document is password protected", err)
		}
		return nil, domain.ConversionError("failed to open PDF", err)
	}

	pages := doc.NumPage()
	if pages <= 0 {
		doc.Close()
		return nil, domain.ConversionError("PDF has no pages", domain.ErrNoPagesSelected)
	}

	r.logger.Debug("opened document with %d pages", pages)
	return &Document{doc: doc, pages: pages, opts: r.opts, logger: r.logger}, nil
}

// FirstPage renders the first page at the low tier within FirstPageBudget so a
// preview is available before any other page work starts.
func (r *Rasterizer) FirstPage(ctx context.Context, d *Document) (domain.PageImage, error) {
	budget := r.opts.FirstPageBudget
	if budget <= 0 {
		budget = DefaultRasterOptions().FirstPageBudget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return d.render(ctx, 0, domain.TierLow)
}

// Document is an open PDF. Rendering is serialized per document.
type Document struct {
	mu     sync.Mutex
	doc    *fitz.Document
	pages  int
	opts   RasterOptions
	logger *domain.Logger
	closed bool
}

// NumPage returns the number of pages in the document
func (d *Document) NumPage() int {
	return d.pages
}

// Load implements domain.PageSource
func (d *Document) Load(ctx context.Context, page int, tier domain.Tier) (domain.PageImage, error) {
	return d.Render(ctx, page, tier)
}

// Render rasterizes exactly one page at the given tier, bounded by the
// per-page timeout.
func (d *Document) Render(ctx context.Context, page int, tier domain.Tier) (domain.PageImage, error) {
	timeout := d.opts.PageTimeout
	if timeout <= 0 {
		timeout = DefaultRasterOptions().PageTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.render(ctx, page, tier)
}

type renderResult struct {
	img domain.PageImage
	err error
}

func (d *Document) render(ctx context.Context, page int, tier domain.Tier) (domain.PageImage, error) {
	if page < 0 || page >= d.pages {
		return domain.PageImage{}, domain.RasterizeError(page, fmt.Sprintf("page out of range (document has %d pages)", d.pages), nil)
	}

	// MuPDF calls cannot be interrupted; on timeout the goroutine finishes in
	// the background and releases the lock when done.
	resultCh := make(chan renderResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- renderResult{err: domain.RasterizeError(page, "renderer panicked", fmt.Errorf("%v", rec))}
			}
		}()

		d.mu.Lock()
		defer d.mu.Unlock()

		if ctx.Err() != nil {
			resultCh <- renderResult{err: domain.TimeoutError(page, "render cancelled before start", ctx.Err())}
			return
		}
		img, err := d.renderLocked(page, tier)
		resultCh <- renderResult{img: img, err: err}
	}()

	select {
	case res := <-resultCh:
		return res.img, res.err
	case <-ctx.Done():
		d.logger.Warn("page %d render exceeded deadline", page+1)
		return domain.PageImage{}, domain.TimeoutError(page, "render timed out", ctx.Err())
	}
}

func (d *Document) renderLocked(page int, tier domain.Tier) (domain.PageImage, error) {
	if d.closed {
		return domain.PageImage{}, domain.RasterizeError(page, "document closed", nil)
	}

	bounds, err := d.doc.Bound(page)
	if err != nil {
		return domain.PageImage{}, domain.RasterizeError(page, "failed to read page bounds", err)
	}

	dpi := TierDPI(bounds, tier, d.opts)
	img, err := d.doc.ImageDPI(page, dpi)
	if err != nil {
		return domain.PageImage{}, domain.RasterizeError(page, "failed to rasterize page", err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: d.opts.Quality}); err != nil {
		return domain.PageImage{}, domain.RasterizeError(page, "failed to encode page as JPEG", err)
	}

	b := img.Bounds()
	return domain.PageImage{
		Page:   page,
		Tier:   tier,
		Data:   buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
		MIME:   "image/jpeg",
	}, nil
}

// Close releases the underlying document
func (d *Document) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.doc.Close()
}

// TierDPI returns the render resolution for a page whose bounds are given
// in points. The low tier fits the longest side to LowMaxDim; the high tier
// uses HighDPI capped so the longest side stays within HighMaxDim.
func TierDPI(bounds image.Rectangle, tier domain.Tier, opts RasterOptions) float64 {
	longest := math.Max(float64(bounds.Dx()), float64(bounds.Dy()))
	if longest <= 0 {
		return pointsPerInch
	}

	if tier == domain.TierLow {
		return pointsPerInch * float64(opts.LowMaxDim) / longest
	}

	dpi := opts.HighDPI
	if opts.HighMaxDim > 0 && longest*dpi/pointsPerInch > float64(opts.HighMaxDim) {
		dpi = pointsPerInch * float64(opts.HighMaxDim) / longest
	}
	return dpi
}
