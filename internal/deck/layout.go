package deck

import "github.com/spherical/pdf2deck/internal/domain"

// Layout is the arrangement used for one slide
type Layout string

const (
	LayoutFullWidth   Layout = "full_width_text"
	LayoutSplit       Layout = "split_left_image"
	LayoutPlaceholder Layout = "placeholder"
)

// LayoutPolicy decides between a full-width text slide and a split slide
// with one visual on the left.
type LayoutPolicy struct {
	// MinVisualArea is the smallest visual worth placing, as a page fraction
	MinVisualArea float64
	// TextHeavyBullets and TextHeavyMaxArea together mark a page as text-led
	TextHeavyBullets int
	TextHeavyMaxArea float64
}

// DefaultLayoutPolicy returns the default thresholds
func DefaultLayoutPolicy() LayoutPolicy {
	return LayoutPolicy{
		MinVisualArea:    0.05,
		TextHeavyBullets: 5,
		TextHeavyMaxArea: 0.35,
	}
}

// Choose returns the layout for a page and, for split layouts, the index of
// the visual to place. The largest area wins; equal areas keep the earlier
// element.
func (p LayoutPolicy) Choose(a domain.PageAnalysis) (Layout, int) {
	best := -1
	bestArea := 0.0
	for i, v := range a.Visuals {
		box, ok := v.Box.Clamp()
		if !ok {
			continue
		}
		if area := box.Area(); area > bestArea {
			best, bestArea = i, area
		}
	}

	switch {
	case best < 0:
		return LayoutFullWidth, -1
	case bestArea < p.MinVisualArea:
		return LayoutFullWidth, -1
	case len(a.Content) >= p.TextHeavyBullets && bestArea < p.TextHeavyMaxArea:
		return LayoutFullWidth, -1
	default:
		return LayoutSplit, best
	}
}
