package pdf

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	lpdf "github.com/ledongthuc/pdf"

	"github.com/spherical/pdf2deck/internal/domain"
)

// TextLayer reads the embedded text of a document. It is a best-effort
// fallback for pages the extraction capability could not handle.
type TextLayer struct {
	mu     sync.Mutex
	reader *lpdf.Reader
}

// NewTextLayer parses src for text extraction. Scanned documents without a
// text layer still open successfully and simply return empty text.
func NewTextLayer(src []byte) (tl *TextLayer, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			tl, err = nil, domain.ConversionError("text layer unreadable", fmt.Errorf("%v", rec))
		}
	}()

	reader, err := lpdf.NewReader(bytes.NewReader(src), int64(len(src)))
	if err != nil {
		return nil, domain.ConversionError("text layer unreadable", err)
	}
	return &TextLayer{reader: reader}, nil
}

// NumPage returns the page count seen by the text parser
func (t *TextLayer) NumPage() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reader.NumPage()
}

// PageText returns the plain text of a 0-based page
func (t *TextLayer) PageText(page int) (text string, err error) {
	if t == nil {
		return "", nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	defer func() {
		if rec := recover(); rec != nil {
			text, err = "", domain.AnalysisError(page, "text layer parse panic", fmt.Errorf("%v", rec))
		}
	}()

	if page < 0 || page >= t.reader.NumPage() {
		return "", domain.AnalysisError(page, "page out of range for text layer", nil)
	}

	p := t.reader.Page(page + 1)
	if p.V.IsNull() {
		return "", nil
	}

	raw, err := p.GetPlainText(nil)
	if err != nil {
		return "", domain.AnalysisError(page, "failed to read text layer", err)
	}
	return strings.TrimSpace(raw), nil
}
