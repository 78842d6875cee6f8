package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"

	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/pagestore"
)

// DefaultPreviewDim is the longest side of a preview thumbnail
const DefaultPreviewDim = 400

// PagePreview is a thumbnail of one source page. A page that could not be
// rendered carries an Error instead of a Blob.
type PagePreview struct {
	Page   int            `json:"page"`
	Blob   pagestore.Blob `json:"blob,omitempty"`
	Width  int            `json:"width,omitempty"`
	Height int            `json:"height,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Preview renders a thumbnail of every page so a caller can choose pages
// before starting a job. Nothing is kept after it returns.
func (s *Service) Preview(ctx context.Context, src []byte) ([]PagePreview, error) {
	if len(src) == 0 {
		return nil, domain.ValidationError("source document is empty", nil)
	}
	if s.deps.Rasterizer == nil {
		return nil, domain.ConfigError("pipeline is missing a rasterizer", nil)
	}

	doc, err := s.deps.Rasterizer.Open(ctx, src)
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	total := doc.NumPage()
	if total > s.deps.MaxPages {
		return nil, domain.ValidationError(fmt.Sprintf("document has %d pages, the limit is %d", total, s.deps.MaxPages), nil)
	}

	previews := make([]PagePreview, 0, total)
	for page := 0; page < total; page++ {
		if err := ctx.Err(); err != nil {
			return nil, domain.TimeoutError(page, "preview cancelled", err)
		}
		p := PagePreview{Page: page}
		thumb, err := s.thumbnail(ctx, doc, page)
		if err != nil {
			s.logger.Debug("page %d: no preview: %v", page+1, err)
			p.Error = err.Error()
		} else {
			p.Blob, p.Width, p.Height = thumb.blob, thumb.width, thumb.height
		}
		previews = append(previews, p)
	}
	return previews, nil
}

type thumb struct {
	blob          pagestore.Blob
	width, height int
}

func (s *Service) thumbnail(ctx context.Context, doc Document, page int) (thumb, error) {
	img, err := doc.Load(ctx, page, domain.TierLow)
	if err != nil {
		return thumb{}, err
	}
	w, h := img.Width, img.Height
	if max(w, h) > s.deps.PreviewDim {
		decoded, _, err := image.Decode(bytes.NewReader(img.Data))
		if err != nil {
			return thumb{}, domain.RasterizeError(page, "decode page for preview", err)
		}
		w, h = fitWithin(w, h, s.deps.PreviewDim)
		data, err := pagestore.EncodeJPEG(pagestore.Resize(decoded, w, h), 80)
		if err != nil {
			return thumb{}, domain.RasterizeError(page, "encode preview", err)
		}
		img = domain.PageImage{Page: page, Tier: domain.TierLow, Data: data, Width: w, Height: h, MIME: "image/jpeg"}
	}
	blob, err := s.deps.Codec.Encode(img)
	if err != nil {
		return thumb{}, err
	}
	return thumb{blob: blob, width: w, height: h}, nil
}

// fitWithin scales w x h so the longest side equals limit
func fitWithin(w, h, limit int) (int, int) {
	if w >= h {
		return limit, max(1, h*limit/w)
	}
	return max(1, w*limit/h), limit
}
