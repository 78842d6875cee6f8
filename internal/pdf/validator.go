package pdf

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spherical/pdf2deck/internal/domain"
)

const headerScanWindow = 1024

// Validator provides input validation for PDF sources
type Validator struct {
	maxSize int64
}

// NewValidator creates a new validator instance
func NewValidator(maxSize int64) *Validator {
	return &Validator{maxSize: maxSize}
}

// ValidatePDFPath validates that a file path is valid and points to a PDF
func (v *Validator) ValidatePDFPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return domain.ValidationError("file path cannot be empty", nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ValidationError(fmt.Sprintf("file does not exist: %s", path), err)
		}
		return domain.ValidationError(fmt.Sprintf("cannot access file: %s", path), err)
	}

	if info.IsDir() {
		return domain.ValidationError(fmt.Sprintf("path is a directory, not a file: %s", path), nil)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".pdf" {
		return domain.ValidationError(fmt.Sprintf("file is not a PDF (has extension %s)", ext), nil)
	}

	if v.maxSize > 0 && info.Size() > v.maxSize {
		return domain.ValidationError(fmt.Sprintf("PDF is too large (%d MB)", info.Size()/(1024*1024)), nil)
	}

	return nil
}

// ValidateSource checks that src looks like a PDF document
func (v *Validator) ValidateSource(src []byte) error {
	if len(src) == 0 {
		return domain.ValidationError("document is empty", nil)
	}
	if v.maxSize > 0 && int64(len(src)) > v.maxSize {
		return domain.ValidationError(fmt.Sprintf("document is too large (%d bytes, limit %d)", len(src), v.maxSize), nil)
	}

	// Some producers emit junk before the header; readers accept it within the first KiB.
	window := src
	if len(window) > headerScanWindow {
		window = window[:headerScanWindow]
	}
	if !bytes.Contains(window, []byte("%PDF-")) {
		return domain.ValidationError("document is not a PDF (missing %PDF- header)", nil)
	}
	return nil
}

// ValidateQuality validates image quality parameter
func (v *Validator) ValidateQuality(quality int) error {
	if quality < 1 || quality > 100 {
		return domain.ValidationError(fmt.Sprintf("quality must be between 1 and 100, got %d", quality), nil)
	}
	return nil
}

// NormalizePages returns the sorted, deduplicated subset of pages that
// exist in a document of total pages. An empty selection means all pages.
func (v *Validator) NormalizePages(pages []int, total int) ([]int, error) {
	if total <= 0 {
		return nil, domain.ValidationError("document has no pages", domain.ErrNoPagesSelected)
	}

	if len(pages) == 0 {
		all := make([]int, total)
		for i := range all {
			all[i] = i
		}
		return all, nil
	}

	seen := make(map[int]struct{}, len(pages))
	out := make([]int, 0, len(pages))
	for _, p := range pages {
		if p < 0 || p >= total {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil, domain.ValidationError(fmt.Sprintf("none of the %d selected pages exist in a %d-page document", len(pages), total), domain.ErrNoPagesSelected)
	}
	sort.Ints(out)
	return out, nil
}
