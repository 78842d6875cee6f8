package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spherical/pdf2deck/internal/domain"
)

// DefaultMaxPage bounds page numbers when no cap is given
const DefaultMaxPage = 2000

// ParsePageRanges turns a 1-based selection such as "1-3,7" into sorted,
// deduplicated 0-based page indices. Page numbers above maxPage are
// rejected before any range is expanded. An empty selection returns nil,
// which means every page.
func ParsePageRanges(s string, maxPage int) ([]int, error) {
	if maxPage <= 0 {
		maxPage = DefaultMaxPage
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "all") {
		return nil, nil
	}

	seen := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")
		start, err := parsePageNumber(lo)
		if err != nil {
			return nil, err
		}
		end := start
		if isRange {
			if end, err = parsePageNumber(hi); err != nil {
				return nil, err
			}
		}
		if end < start {
			return nil, domain.ValidationError(fmt.Sprintf("invalid page range %q", part), nil)
		}
		if end > maxPage {
			return nil, domain.ValidationError(fmt.Sprintf("page %d is beyond the limit of %d pages", end, maxPage), nil)
		}
		for p := start; p <= end; p++ {
			seen[p-1] = true
		}
	}

	if len(seen) == 0 {
		return nil, domain.ValidationError(fmt.Sprintf("no pages in selection %q", s), domain.ErrNoPagesSelected)
	}

	pages := make([]int, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages, nil
}

func parsePageNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, domain.ValidationError(fmt.Sprintf("invalid page number %q", s), err)
	}
	if n < 1 {
		return 0, domain.ValidationError(fmt.Sprintf("page numbers start at 1, got %d", n), nil)
	}
	return n, nil
}
