package deck

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"text/template"
	"time"

	"github.com/spherical/pdf2deck/internal/domain"
)

// Slide geometry in EMU for a 13.333in x 7.5in widescreen deck
const (
	emuPerInch  = 914400
	SlideWidth  = 12192000
	SlideHeight = 6858000

	splitTextLeft  = 7 * emuPerInch
	splitTextWidth = 5303520 // 5.8in
	pictureMargin  = 274320  // 0.3in
)

const (
	backgroundColor = "18181B"
	textColor       = "FFFFFF"
	mutedColor      = "A1A1AA"
)

// Picture is an image placed on a slide
type Picture struct {
	Data   []byte
	MIME   string
	Width  int
	Height int
}

// SlideSpec describes one slide independently of the file format
type SlideSpec struct {
	Page         int
	Layout       Layout
	Title        string
	Bullets      []string
	TitleAlign   domain.Alignment
	ContentAlign domain.Alignment
	Picture      *Picture
	Note         string
	SpeakerNotes string
	// Background and TextColor are six hex digits; empty uses the defaults.
	Background string
	TextColor  string
}

// PPTXWriter serializes slide specs into an Office Open XML presentation
type PPTXWriter struct {
	tmpl *template.Template
	now  func() time.Time
}

// NewPPTXWriter creates a new writer
func NewPPTXWriter() *PPTXWriter {
	funcs := template.FuncMap{"xml": escapeXML}
	tmpl := template.New("pptx").Funcs(funcs)
	template.Must(tmpl.New("content_types").Parse(contentTypesTmpl))
	template.Must(tmpl.New("root_rels").Parse(rootRelsTmpl))
	template.Must(tmpl.New("core").Parse(coreTmpl))
	template.Must(tmpl.New("app").Parse(appTmpl))
	template.Must(tmpl.New("presentation").Parse(presentationTmpl))
	template.Must(tmpl.New("presentation_rels").Parse(presentationRelsTmpl))
	template.Must(tmpl.New("slide").Parse(slideTmpl))
	template.Must(tmpl.New("slide_rels").Parse(slideRelsTmpl))
	template.Must(tmpl.New("notes_slide").Parse(notesSlideTmpl))
	template.Must(tmpl.New("notes_slide_rels").Parse(notesSlideRelsTmpl))
	return &PPTXWriter{tmpl: tmpl, now: time.Now}
}

type deckView struct {
	Title   string
	Created string
	Width   int64
	Height  int64
	Slides  []slideView
	// NotesRelID is set when any slide has speaker notes.
	NotesRelID string
}

type slideView struct {
	Index      int
	SlideID    int
	RelID      string
	Background string
	Picture    *pictureView
	Shapes     []shapeView
	Notes      []string
}

type staticPart struct {
	name string
	body string
}

type pictureView struct {
	ID     int
	RelID  string
	Media  string
	Data   []byte
	X, Y   int64
	CX, CY int64
}

type shapeView struct {
	ID         int
	Name       string
	X, Y       int64
	CX, CY     int64
	Paragraphs []paragraphView
}

type paragraphView struct {
	Text       string
	Align      string
	Size       int
	SpaceAfter int
	Bold       bool
	Italic     bool
	Bullet     bool
	Color      string
}

// Write renders the deck to out. Slides are numbered in the given order.
func (w *PPTXWriter) Write(out io.Writer, title string, slides []SlideSpec) error {
	view := deckView{
		Title:   title,
		Created: w.now().UTC().Format(time.RFC3339),
		Width:   SlideWidth,
		Height:  SlideHeight,
		Slides:  make([]slideView, len(slides)),
	}
	for i, s := range slides {
		view.Slides[i] = buildSlideView(i, s)
		if len(view.Slides[i].Notes) > 0 {
			view.NotesRelID = fmt.Sprintf("rId%d", len(slides)+3)
		}
	}

	zw := zip.NewWriter(out)

	parts := []struct {
		name string
		tmpl string
		data interface{}
	}{
		{"[Content_Types].xml", "content_types", view},
		{"_rels/.rels", "root_rels", view},
		{"docProps/core.xml", "core", view},
		{"docProps/app.xml", "app", view},
		{"ppt/presentation.xml", "presentation", view},
		{"ppt/_rels/presentation.xml.rels", "presentation_rels", view},
	}
	for _, p := range parts {
		if err := w.render(zw, p.name, p.tmpl, p.data); err != nil {
			return err
		}
	}

	static := []staticPart{
		{"ppt/slideMasters/slideMaster1.xml", slideMasterXML},
		{"ppt/slideMasters/_rels/slideMaster1.xml.rels", slideMasterRelsXML},
		{"ppt/slideLayouts/slideLayout1.xml", slideLayoutXML},
		{"ppt/slideLayouts/_rels/slideLayout1.xml.rels", slideLayoutRelsXML},
		{"ppt/theme/theme1.xml", themeXML},
	}
	if view.NotesRelID != "" {
		static = append(static,
			staticPart{"ppt/notesMasters/notesMaster1.xml", notesMasterXML},
			staticPart{"ppt/notesMasters/_rels/notesMaster1.xml.rels", notesMasterRelsXML},
			staticPart{"ppt/theme/theme2.xml", themeXML},
		)
	}
	for _, s := range static {
		if err := writePart(zw, s.name, []byte(s.body)); err != nil {
			return err
		}
	}

	for _, s := range view.Slides {
		if err := w.render(zw, fmt.Sprintf("ppt/slides/slide%d.xml", s.Index), "slide", s); err != nil {
			return err
		}
		if err := w.render(zw, fmt.Sprintf("ppt/slides/_rels/slide%d.xml.rels", s.Index), "slide_rels", s); err != nil {
			return err
		}
		if s.Picture != nil {
			if err := writePart(zw, "ppt/media/"+s.Picture.Media, s.Picture.Data); err != nil {
				return err
			}
		}
		if len(s.Notes) > 0 {
			if err := w.render(zw, fmt.Sprintf("ppt/notesSlides/notesSlide%d.xml", s.Index), "notes_slide", s); err != nil {
				return err
			}
			if err := w.render(zw, fmt.Sprintf("ppt/notesSlides/_rels/notesSlide%d.xml.rels", s.Index), "notes_slide_rels", s); err != nil {
				return err
			}
		}
	}

	if err := zw.Close(); err != nil {
		return domain.AssemblyError("failed to finalize presentation", err)
	}
	return nil
}

func (w *PPTXWriter) render(zw *zip.Writer, name, tmpl string, data interface{}) error {
	var buf bytes.Buffer
	if err := w.tmpl.ExecuteTemplate(&buf, tmpl, data); err != nil {
		return domain.AssemblyError(fmt.Sprintf("failed to render %s", name), err)
	}
	return writePart(zw, name, buf.Bytes())
}

func writePart(zw *zip.Writer, name string, body []byte) error {
	f, err := zw.Create(name)
	if err != nil {
		return domain.AssemblyError(fmt.Sprintf("failed to create %s", name), err)
	}
	if _, err := f.Write(body); err != nil {
		return domain.AssemblyError(fmt.Sprintf("failed to write %s", name), err)
	}
	return nil
}

func buildSlideView(i int, s SlideSpec) slideView {
	view := slideView{
		Index:      i + 1,
		SlideID:    256 + i,
		RelID:      fmt.Sprintf("rId%d", i+3),
		Background: colorOr(s.Background, backgroundColor),
		Notes:      noteLines(s.SpeakerNotes),
	}
	fg := colorOr(s.TextColor, textColor)

	nextID := 2
	textLeft, textWidth := int64(emuPerInch), int64(SlideWidth-2*emuPerInch)
	contentLeft, contentWidth := int64(1.5*emuPerInch), int64(SlideWidth-3*emuPerInch)
	titleSize, contentSize, spacing := 3600, 2000, 2000

	if s.Layout == LayoutSplit && s.Picture != nil {
		x, y, cx, cy := fitPicture(s.Picture.Width, s.Picture.Height, 0, 0, splitTextLeft, SlideHeight, pictureMargin)
		view.Picture = &pictureView{
			ID:    nextID,
			RelID: "rId2",
			Media: fmt.Sprintf("image%d.%s", i+1, mediaExt(s.Picture.MIME)),
			Data:  s.Picture.Data,
			X:     x, Y: y, CX: cx, CY: cy,
		}
		nextID++
		textLeft, textWidth = splitTextLeft, splitTextWidth
		contentLeft, contentWidth = splitTextLeft, splitTextWidth
		titleSize, contentSize, spacing = 2800, 1600, 1200
	}

	if title := strings.Join(strings.Fields(s.Title), " "); title != "" {
		view.Shapes = append(view.Shapes, shapeView{
			ID:   nextID,
			Name: "Title",
			X:    textLeft, Y: emuPerInch / 2, CX: textWidth, CY: int64(1.5 * emuPerInch),
			Paragraphs: []paragraphView{{
				Text:  title,
				Align: alignAttr(s.TitleAlign),
				Size:  titleSize,
				Bold:  true,
				Color: fg,
			}},
		})
		nextID++
	}

	if len(s.Bullets) > 0 {
		paras := make([]paragraphView, 0, len(s.Bullets))
		for _, b := range s.Bullets {
			paras = append(paras, paragraphView{
				Text:       b,
				Align:      alignAttr(s.ContentAlign),
				Size:       contentSize,
				SpaceAfter: spacing,
				Bullet:     true,
				Color:      fg,
			})
		}
		view.Shapes = append(view.Shapes, shapeView{
			ID:         nextID,
			Name:       "Content",
			X:          contentLeft, Y: int64(2.2 * emuPerInch), CX: contentWidth, CY: int64(4.5 * emuPerInch),
			Paragraphs: paras,
		})
		nextID++
	}

	if s.Note != "" {
		view.Shapes = append(view.Shapes, shapeView{
			ID:   nextID,
			Name: "Note",
			X:    emuPerInch, Y: SlideHeight - int64(0.75*emuPerInch), CX: SlideWidth - 2*emuPerInch, CY: emuPerInch / 2,
			Paragraphs: []paragraphView{{
				Text:   s.Note,
				Align:  "l",
				Size:   1200,
				Italic: true,
				Color:  mutedColor,
			}},
		})
	}

	return view
}

// fitPicture scales a w x h image into the box, keeping its aspect ratio,
// and centers it.
func fitPicture(w, h int, boxX, boxY, boxW, boxH, margin int64) (x, y, cx, cy int64) {
	availW := boxW - 2*margin
	availH := boxH - 2*margin
	if w <= 0 || h <= 0 {
		return boxX + margin, boxY + margin, availW, availH
	}

	cx = availW
	cy = availW * int64(h) / int64(w)
	if cy > availH {
		cy = availH
		cx = availH * int64(w) / int64(h)
	}
	x = boxX + (boxW-cx)/2
	y = boxY + (boxH-cy)/2
	return x, y, cx, cy
}

// colorOr returns c normalized, or fallback when c is not a hex color
func colorOr(c, fallback string) string {
	if v, ok := domain.ParseHexColor(c); ok {
		return v
	}
	return fallback
}

// noteLines splits speaker notes into paragraphs, dropping blank lines
func noteLines(notes string) []string {
	var lines []string
	for _, l := range strings.Split(notes, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

func alignAttr(a domain.Alignment) string {
	switch a {
	case domain.AlignCenter:
		return "ctr"
	case domain.AlignRight:
		return "r"
	default:
		return "l"
	}
}

func mediaExt(mime string) string {
	if mime == "image/png" {
		return "png"
	}
	return "jpeg"
}

func escapeXML(s string) string {
	var b strings.Builder
	// EscapeText only fails on writer errors
	_ = xml.EscapeText(&b, []byte(stripControl(s)))
	return b.String()
}

// stripControl removes characters that are illegal in XML 1.0
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0xFFFE || r == 0xFFFF {
			return -1
		}
		return r
	}, s)
}
