package pagestore

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"strings"

	"golang.org/x/image/draw"

	"github.com/spherical/pdf2deck/internal/domain"
)

const (
	blobPrefix      = "data:"
	blobBase64Mark  = ";base64,"
	minBlobDim      = 64
	downscaleFactor = 0.75

	// DefaultMaxPixels bounds Width*Height of any image the codec decodes
	DefaultMaxPixels = 40_000_000
)

// Blob is a self-contained image encoding (a base64 data URI) that can be
// round-tripped through a client without server state.
type Blob string

// BlobCodec encodes page images into size-capped blobs
type BlobCodec struct {
	MaxBytes   int
	Quality    int
	MinQuality int
	// MaxPixels rejects images whose declared Width*Height is larger.
	// Zero means DefaultMaxPixels.
	MaxPixels int
}

// DefaultBlobCodec returns a codec with a 1.5 MiB cap
func DefaultBlobCodec() BlobCodec {
	return BlobCodec{MaxBytes: 1536 * 1024, Quality: 85, MinQuality: 45, MaxPixels: DefaultMaxPixels}
}

// checkDimensions reads only the image header and rejects oversized images
// before anything allocates a full frame.
func (c BlobCodec) checkDimensions(cfg image.Config) error {
	limit := c.MaxPixels
	if limit <= 0 {
		limit = DefaultMaxPixels
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return domain.ValidationError(fmt.Sprintf("image has invalid dimensions %dx%d", cfg.Width, cfg.Height), domain.ErrUnusableImage)
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(limit) {
		return domain.ValidationError(fmt.Sprintf("image of %dx%d exceeds the limit of %d pixels", cfg.Width, cfg.Height, limit), domain.ErrUnusableImage)
	}
	return nil
}

// Encode converts an image into a blob no larger than MaxBytes. Quality is
// lowered first, then dimensions are reduced until the blob fits.
func (c BlobCodec) Encode(img domain.PageImage) (Blob, error) {
	if len(img.Data) == 0 {
		return "", domain.IOError("cannot encode empty image", domain.ErrUnusableImage)
	}

	mime := img.MIME
	if mime == "" {
		mime = "image/jpeg"
	}
	if c.MaxBytes <= 0 || encodedLen(mime, len(img.Data)) <= c.MaxBytes {
		return toBlob(mime, img.Data), nil
	}

	header, _, err := image.DecodeConfig(bytes.NewReader(img.Data))
	if err != nil {
		return "", domain.IOError("decode image for recompression", err)
	}
	if err := c.checkDimensions(header); err != nil {
		return "", err
	}
	decoded, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return "", domain.IOError("decode image for recompression", err)
	}

	quality := c.Quality
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	minQuality := c.MinQuality
	if minQuality <= 0 || minQuality > quality {
		minQuality = quality
	}

	current := decoded
	for {
		for q := quality; q >= minQuality; q -= 10 {
			data, err := EncodeJPEG(current, q)
			if err != nil {
				return "", domain.IOError("encode JPEG", err)
			}
			if encodedLen("image/jpeg", len(data)) <= c.MaxBytes {
				return toBlob("image/jpeg", data), nil
			}
		}

		b := current.Bounds()
		w := int(float64(b.Dx()) * downscaleFactor)
		h := int(float64(b.Dy()) * downscaleFactor)
		if w < minBlobDim || h < minBlobDim {
			return "", domain.IOError(fmt.Sprintf("image cannot fit in %d bytes", c.MaxBytes), domain.ErrUnusableImage)
		}
		current = Resize(current, w, h)
	}
}

// Decode reconstructs an image from a blob. The page index is left at zero
// for the caller to set.
func (c BlobCodec) Decode(b Blob) (domain.PageImage, error) {
	s := string(b)
	if !strings.HasPrefix(s, blobPrefix) {
		return domain.PageImage{}, domain.ValidationError("blob is not a data URI", nil)
	}
	idx := strings.Index(s, blobBase64Mark)
	if idx < 0 {
		return domain.PageImage{}, domain.ValidationError("blob is not base64 encoded", nil)
	}
	mime := s[len(blobPrefix):idx]
	data, err := base64.StdEncoding.DecodeString(s[idx+len(blobBase64Mark):])
	if err != nil {
		return domain.PageImage{}, domain.ValidationError("blob payload is not valid base64", err)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return domain.PageImage{}, domain.ValidationError("blob payload is not an image", err)
	}
	if err := c.checkDimensions(cfg); err != nil {
		return domain.PageImage{}, err
	}

	return domain.PageImage{
		Tier:   domain.TierHigh,
		Data:   data,
		Width:  cfg.Width,
		Height: cfg.Height,
		MIME:   mime,
	}, nil
}

// Resize scales src to w x h
func Resize(src image.Image, w, h int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// EncodeJPEG encodes img at the given quality
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func toBlob(mime string, data []byte) Blob {
	return Blob(blobPrefix + mime + blobBase64Mark + base64.StdEncoding.EncodeToString(data))
}

func encodedLen(mime string, n int) int {
	return len(blobPrefix) + len(mime) + len(blobBase64Mark) + base64.StdEncoding.EncodedLen(n)
}
