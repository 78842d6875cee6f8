package domain

import "context"

// PageSource yields page images on demand, one page at a time
type PageSource interface {
	// Load rasterizes (or fetches) a single page at the given tier
	Load(ctx context.Context, page int, tier Tier) (PageImage, error)
}

// TextSource provides the embedded text layer of a document, if any
type TextSource interface {
	PageText(page int) (string, error)
}

// VisionCapability is the external extraction model
type VisionCapability interface {
	// ExtractPage returns the raw model reply for a page image
	ExtractPage(ctx context.Context, image PageImage, prompt string) (string, error)
}

// InpaintCapability is the external text-removal model
type InpaintCapability interface {
	// RemoveText returns a new image with text and logos removed
	RemoveText(ctx context.Context, image PageImage, prompt string) (PageImage, error)
}

// Analyzer turns a page image into a PageAnalysis. It never returns a
// job-fatal error; failures are folded into the returned status.
type Analyzer interface {
	Analyze(ctx context.Context, image PageImage, text TextSource) PageAnalysis
}

// Cleaner turns a page image into a clean background image.
type Cleaner interface {
	Clean(ctx context.Context, image PageImage, opts CleanOptions) PageCleanResult
}

// CleanOptions controls text removal for a page
type CleanOptions struct {
	Enabled         bool `json:"enabled"`
	RemoveWatermark bool `json:"remove_watermark"`
}
