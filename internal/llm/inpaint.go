package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/image/draw"

	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/pagestore"
)

const editCanvas = 1024

// InpaintClient removes text from page images through an image-edit model
type InpaintClient struct {
	client *openai.Client
	model  string
	retry  RetryPolicy
	logger *domain.Logger
}

// NewInpaintClient creates a new inpainting capability client
func NewInpaintClient(cfg ClientConfig, retry RetryPolicy, logger *domain.Logger) (*InpaintClient, error) {
	client, err := newOpenAIClient(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = domain.DefaultLogger
	}

	model := cfg.Model
	if model == "" {
		model = defaultInpaintModel
	}

	return &InpaintClient{
		client: client,
		model:  model,
		retry:  retry,
		logger: logger.WithPrefix("inpaint"),
	}, nil
}

// RemoveText implements domain.InpaintCapability. The page is letterboxed
// onto a square canvas for the edit endpoint and cropped back afterwards.
func (c *InpaintClient) RemoveText(ctx context.Context, img domain.PageImage, prompt string) (domain.PageImage, error) {
	src, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return domain.PageImage{}, fmt.Errorf("decode page image: %w", domain.ErrUnusableImage)
	}

	square, inner := letterbox(src, editCanvas)
	var pngBuf bytes.Buffer
	if err := png.Encode(&pngBuf, square); err != nil {
		return domain.PageImage{}, domain.CleaningError(img.Page, "encode PNG for edit", err)
	}
	payload := pngBuf.Bytes()

	var edited []byte
	err = c.retry.Do(ctx, c.logger, func(ctx context.Context) error {
		req := openai.ImageEditRequest{
			Image:          openai.WrapReader(bytes.NewReader(payload), "page.png", "image/png"),
			Prompt:         prompt,
			Model:          c.model,
			N:              1,
			Size:           openai.CreateImageSize1024x1024,
			ResponseFormat: openai.CreateImageResponseFormatB64JSON,
		}
		resp, err := c.client.CreateEditImage(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
			return fmt.Errorf("no image in response: %w", ErrUnusableReply)
		}
		data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
		if err != nil {
			return fmt.Errorf("decode edited image: %w", ErrUnusableReply)
		}
		edited = data
		return nil
	})
	if err != nil {
		return domain.PageImage{}, err
	}

	out, _, err := image.Decode(bytes.NewReader(edited))
	if err != nil {
		return domain.PageImage{}, fmt.Errorf("edited image undecodable: %w", domain.ErrUnusableImage)
	}

	restored := unletterbox(out, inner, src.Bounds().Dx(), src.Bounds().Dy())
	var buf bytes.Buffer
	if err := png.Encode(&buf, restored); err != nil {
		return domain.PageImage{}, domain.CleaningError(img.Page, "encode cleaned image", err)
	}

	return domain.PageImage{
		Page:   img.Page,
		Tier:   img.Tier,
		Data:   buf.Bytes(),
		Width:  restored.Bounds().Dx(),
		Height: restored.Bounds().Dy(),
		MIME:   "image/png",
	}, nil
}

// letterbox fits src into a white size x size canvas and returns the canvas
// and the rectangle the page occupies on it.
func letterbox(src image.Image, size int) (*image.RGBA, image.Rectangle) {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w >= h {
		h = max(1, h*size/w)
		w = size
	} else {
		w = max(1, w*size/h)
		h = size
	}

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	x0 := (size - w) / 2
	y0 := (size - h) / 2
	inner := image.Rect(x0, y0, x0+w, y0+h)

	scaled := pagestore.Resize(src, w, h)
	draw.Draw(canvas, inner, scaled, scaled.Bounds().Min, draw.Src)
	return canvas, inner
}

// unletterbox crops inner out of an edited canvas (which may come back at a
// different size) and scales it to w x h.
func unletterbox(edited image.Image, inner image.Rectangle, w, h int) image.Image {
	eb := edited.Bounds()
	sx := float64(eb.Dx()) / editCanvas
	sy := float64(eb.Dy()) / editCanvas
	crop := image.Rect(
		eb.Min.X+int(float64(inner.Min.X)*sx),
		eb.Min.Y+int(float64(inner.Min.Y)*sy),
		eb.Min.X+int(float64(inner.Max.X)*sx),
		eb.Min.Y+int(float64(inner.Max.Y)*sy),
	).Intersect(eb)

	cropped := image.NewRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
	draw.Draw(cropped, cropped.Bounds(), edited, crop.Min, draw.Src)
	return pagestore.Resize(cropped, w, h)
}
