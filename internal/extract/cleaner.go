package extract

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	"golang.org/x/image/draw"

	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/llm"
)

// DefaultWatermarkRegion is the footer corner where generator badges sit
var DefaultWatermarkRegion = domain.Box{X: 0.80, Y: 0.92, W: 0.20, H: 0.08}

// Cleaner implements domain.Cleaner on top of an inpainting capability
type Cleaner struct {
	inpaint domain.InpaintCapability
	prompt  string
	region  domain.Box
	logger  *domain.Logger
}

// NewCleaner creates a new page cleaner. A nil capability makes every
// enabled clean fall back to the original image.
func NewCleaner(inpaint domain.InpaintCapability, logger *domain.Logger) *Cleaner {
	if logger == nil {
		logger = domain.DefaultLogger
	}
	return &Cleaner{
		inpaint: inpaint,
		prompt:  llm.RemovalPrompt,
		region:  DefaultWatermarkRegion,
		logger:  logger.WithPrefix("cleaner"),
	}
}

// WithWatermarkRegion overrides the region masked when RemoveWatermark is set
func (c *Cleaner) WithWatermarkRegion(region domain.Box) *Cleaner {
	if r, ok := region.Clamp(); ok {
		c.region = r
	}
	return c
}

// Clean removes text from a high-tier page image. It always returns a
// terminal result whose image is usable as a slide background.
func (c *Cleaner) Clean(ctx context.Context, img domain.PageImage, opts domain.CleanOptions) domain.PageCleanResult {
	original := domain.PageCleanResult{Page: img.Page, Image: img}

	if img.Empty() {
		original.Status = domain.CleanFailedOriginal
		original.Reason = domain.ErrUnusableImage.Error()
		return original
	}

	if !opts.Enabled {
		original.Status = domain.CleanSkipped
		if opts.RemoveWatermark {
			if masked, err := c.maskWatermark(img); err == nil {
				original.Image = masked
			} else {
				c.logger.Warn("page %d: watermark mask failed: %v", img.Page+1, err)
			}
		}
		return original
	}

	if c.inpaint == nil {
		original.Status = domain.CleanFailedOriginal
		original.Reason = domain.ErrCapabilityDisabled.Error()
		return original
	}

	prompt := c.prompt
	if opts.RemoveWatermark {
		prompt += "\n" + llm.WatermarkPrompt
	}
	out, err := c.inpaint.RemoveText(ctx, img, prompt)
	if err == nil {
		err = validateCleanImage(out)
	}
	if err != nil {
		c.logger.Warn("page %d: cleaning failed, using original: %v", img.Page+1, err)
		original.Status = domain.CleanFailedOriginal
		original.Reason = err.Error()
		return original
	}
	out.Page = img.Page

	if opts.RemoveWatermark {
		if masked, err := c.maskWatermark(out); err == nil {
			out = masked
		} else {
			c.logger.Warn("page %d: watermark mask failed: %v", img.Page+1, err)
		}
	}

	return domain.PageCleanResult{Page: img.Page, Image: out, Status: domain.CleanCleaned}
}

func validateCleanImage(img domain.PageImage) error {
	if img.Empty() {
		return domain.ErrUnusableImage
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return errors.Join(domain.ErrUnusableImage, err)
	}
	if cfg.Width < 2 || cfg.Height < 2 {
		return domain.ErrUnusableImage
	}
	return nil
}

// maskWatermark paints the watermark region with the color sampled just
// above it and returns a new image.
func (c *Cleaner) maskWatermark(img domain.PageImage) (domain.PageImage, error) {
	src, format, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return domain.PageImage{}, err
	}

	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)

	rect := image.Rect(
		int(c.region.X*float64(b.Dx())),
		int(c.region.Y*float64(b.Dy())),
		int((c.region.X+c.region.W)*float64(b.Dx())),
		int((c.region.Y+c.region.H)*float64(b.Dy())),
	).Intersect(dst.Bounds())
	if rect.Empty() {
		return img, nil
	}

	fill := sampleAbove(dst, rect)
	draw.Draw(dst, rect, image.NewUniform(fill), image.Point{}, draw.Src)

	var buf bytes.Buffer
	mime := "image/png"
	if format == "jpeg" {
		mime = "image/jpeg"
		err = jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90})
	} else {
		err = png.Encode(&buf, dst)
	}
	if err != nil {
		return domain.PageImage{}, err
	}

	return domain.PageImage{
		Page:   img.Page,
		Tier:   img.Tier,
		Data:   buf.Bytes(),
		Width:  b.Dx(),
		Height: b.Dy(),
		MIME:   mime,
	}, nil
}

// sampleAbove averages the row of pixels directly above rect
func sampleAbove(img *image.RGBA, rect image.Rectangle) color.RGBA {
	y := rect.Min.Y - 1
	if y < img.Bounds().Min.Y {
		y = rect.Min.Y
	}

	var r, g, b, n uint64
	for x := rect.Min.X; x < rect.Max.X; x++ {
		px := img.RGBAAt(x, y)
		r += uint64(px.R)
		g += uint64(px.G)
		b += uint64(px.B)
		n++
	}
	if n == 0 {
		return color.RGBA{255, 255, 255, 255}
	}
	return color.RGBA{uint8(r / n), uint8(g / n), uint8(b / n), 255}
}
