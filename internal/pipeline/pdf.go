package pipeline

import (
	"context"

	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/pdf"
)

// PDFRasterizer adapts a MuPDF-backed rasterizer to the pipeline
func PDFRasterizer(r *pdf.Rasterizer) Rasterizer {
	return pdfRasterizer{r: r}
}

type pdfRasterizer struct {
	r *pdf.Rasterizer
}

func (p pdfRasterizer) Open(ctx context.Context, src []byte) (Document, error) {
	doc, err := p.r.Open(ctx, src)
	if err != nil {
		return nil, err
	}
	return &pdfDocument{Document: doc, r: p.r}, nil
}

type pdfDocument struct {
	*pdf.Document
	r *pdf.Rasterizer
}

func (d *pdfDocument) FirstPage(ctx context.Context) (domain.PageImage, error) {
	return d.r.FirstPage(ctx, d.Document)
}

// PDFTextLayer opens the text layer of a PDF source
func PDFTextLayer(src []byte) (domain.TextSource, error) {
	tl, err := pdf.NewTextLayer(src)
	if err != nil {
		return nil, err
	}
	return tl, nil
}
