package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical/pdf2deck/internal/batch"
	"github.com/spherical/pdf2deck/internal/deck"
	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/extract"
	"github.com/spherical/pdf2deck/internal/pagestore"
	"github.com/spherical/pdf2deck/internal/progress"
	"github.com/spherical/pdf2deck/internal/storage"
)

var pdfSource = []byte("%PDF-1.7 test document")

func pngPage(page int, tier domain.Tier) domain.PageImage {
	w, h := 64, 48
	if tier == domain.TierHigh {
		w, h = 160, 120
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(page * 20), uint8(x), uint8(y), 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return domain.PageImage{Page: page, Tier: tier, Data: buf.Bytes(), Width: w, Height: h, MIME: "image/png"}
}

type fakeDoc struct {
	pages  int
	mu     sync.Mutex
	closed bool
}

func (d *fakeDoc) Load(_ context.Context, page int, tier domain.Tier) (domain.PageImage, error) {
	if page < 0 || page >= d.pages {
		return domain.PageImage{}, domain.RasterizeError(page, "out of range", nil)
	}
	return pngPage(page, tier), nil
}

func (d *fakeDoc) NumPage() int { return d.pages }

func (d *fakeDoc) FirstPage(ctx context.Context) (domain.PageImage, error) {
	return d.Load(ctx, 0, domain.TierLow)
}

func (d *fakeDoc) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type fakeRasterizer struct {
	doc *fakeDoc
	err error
}

func (r *fakeRasterizer) Open(_ context.Context, src []byte) (Document, error) {
	if r.err != nil {
		return nil, r.err
	}
	if !bytes.HasPrefix(src, []byte("%PDF-")) {
		return nil, domain.ConversionError("not a PDF", nil)
	}
	return r.doc, nil
}

// scriptedVision answers per page; pages without a script get a generic reply
type scriptedVision struct {
	replies map[int]string
	err     error
}

func (v scriptedVision) ExtractPage(_ context.Context, img domain.PageImage, _ string) (string, error) {
	if v.err != nil {
		return "", v.err
	}
	if r, ok := v.replies[img.Page]; ok {
		return r, nil
	}
	return fmt.Sprintf(`{"title":"Slide %d","content":["first","second"],"visual_elements":[]}`, img.Page+1), nil
}

type passthroughInpaint struct {
	err error
}

func (p passthroughInpaint) RemoveText(_ context.Context, img domain.PageImage, _ string) (domain.PageImage, error) {
	if p.err != nil {
		return domain.PageImage{}, p.err
	}
	return img, nil
}

type noText struct{}

func (noText) PageText(int) (string, error) { return "", errors.New("no text layer") }

type testEnv struct {
	svc   *Service
	doc   *fakeDoc
	blobs *pagestore.MemoryBlobs
	store *pagestore.Store
}

func newEnv(t *testing.T, pages int, vision domain.VisionCapability, inpaint domain.InpaintCapability, repo JobRepository) *testEnv {
	t.Helper()
	logger := domain.NewNopLogger()
	doc := &fakeDoc{pages: pages}
	blobs := pagestore.NewMemoryBlobs()
	store := pagestore.NewStore(time.Minute, logger)

	sched := batch.NewScheduler(batch.Config{Width: 3, PageTimeout: 5 * time.Second},
		extract.NewAnalyzer(vision, logger), extract.NewCleaner(inpaint, logger), logger)

	svc := NewService(Dependencies{
		Rasterizer: &fakeRasterizer{doc: doc},
		TextLayer:  func([]byte) (domain.TextSource, error) { return noText{}, nil },
		Scheduler:  sched,
		Store:      store,
		Blobs:      blobs,
		Repository: repo,
		Logger:     logger,
	})
	return &testEnv{svc: svc, doc: doc, blobs: blobs, store: store}
}

func drainUpdates(ch <-chan progress.Update) []progress.Update {
	var out []progress.Update
	for u := range ch {
		out = append(out, u)
	}
	return out
}

func slideXML(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := make(map[string]string)
	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, "ppt/slides/slide") {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		out[f.Name] = string(body)
	}
	return out
}

func TestService_AnalyzeTenPagesWithOneMalformed(t *testing.T) {
	env := newEnv(t, 10, scriptedVision{replies: map[int]string{6: "not json at all"}}, passthroughInpaint{}, nil)
	ctx := context.Background()

	job, updates, err := env.svc.Analyze(ctx, AnalyzeRequest{Filename: "report.pdf", Source: pdfSource, Options: Options{Clean: true}})
	require.NoError(t, err)

	all := drainUpdates(updates)
	require.NotEmpty(t, all)
	assert.Equal(t, progress.PhaseStructure, all[0].Phase, "structure update comes before any page work")
	assert.NotEmpty(t, all[0].Preview)

	prev := 0
	for _, u := range all {
		assert.GreaterOrEqual(t, u.Completed, prev)
		assert.LessOrEqual(t, u.Completed, 10)
		prev = u.Completed
	}
	last := all[len(all)-1]
	assert.Equal(t, progress.PhaseDone, last.Phase)
	assert.Equal(t, 10, last.Completed)
	assert.Equal(t, 10, last.Total)

	res, err := env.svc.Wait(ctx, job.ID())
	require.NoError(t, err)
	require.Len(t, res.Analyses, 10)
	require.Len(t, res.CleanImages, 10)
	for i, a := range res.Analyses {
		assert.Equal(t, i, a.Page)
		assert.NotEmpty(t, res.CleanImages[i], "page %d keeps a clean image", i)
		if i == 6 {
			assert.Equal(t, domain.AnalysisDegraded, a.Status)
			assert.NotEmpty(t, a.Reason)
			continue
		}
		assert.Equal(t, domain.AnalysisOK, a.Status)
		assert.Equal(t, fmt.Sprintf("Slide %d", i+1), a.Title)
	}

	status, err := env.svc.Status(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobEditable, status.State)
	assert.Equal(t, 10, status.TotalPages)
	assert.True(t, env.doc.closed)
	assert.Equal(t, 0, env.store.Len(), "page images are released after analysis")

	out, err := env.svc.Assemble(ctx, AssembleRequest{JobID: job.ID()})
	require.NoError(t, err)
	assert.Equal(t, 10, out.Slides)
	assert.Len(t, slideXML(t, out.Bytes), 10)
}

func TestService_EditThenAssemble(t *testing.T) {
	env := newEnv(t, 5, scriptedVision{}, passthroughInpaint{}, nil)
	ctx := context.Background()

	job, updates, err := env.svc.Analyze(ctx, AnalyzeRequest{Filename: "plan.pdf", Source: pdfSource, Options: Options{Clean: true}})
	require.NoError(t, err)
	drainUpdates(updates)
	_, err = env.svc.Wait(ctx, job.ID())
	require.NoError(t, err)

	title := "Quarterly Results"
	updated, err := env.svc.UpdateAnalysis(ctx, job.ID(), 2, Edit{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, []string{"first", "second"}, updated.Content, "content untouched when not edited")
	assert.True(t, updated.Edited)

	res, err := env.svc.Assemble(ctx, AssembleRequest{JobID: job.ID()})
	require.NoError(t, err)
	assert.Equal(t, "plan-deck.pptx", res.Filename)
	assert.Equal(t, 5, res.Slides)

	slides := slideXML(t, res.Bytes)
	assert.Contains(t, slides["ppt/slides/slide3.xml"], "Quarterly Results")
	assert.NotContains(t, slides["ppt/slides/slide3.xml"], "Slide 3")
	for _, n := range []int{1, 2, 4, 5} {
		assert.Contains(t, slides[fmt.Sprintf("ppt/slides/slide%d.xml", n)], fmt.Sprintf("Slide %d", n))
	}

	status, err := env.svc.Status(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobComplete, status.State)

	// re-export after a further edit
	second := "Final"
	_, err = env.svc.UpdateAnalysis(ctx, job.ID(), 2, Edit{Title: &second})
	require.NoError(t, err)
	res, err = env.svc.Assemble(ctx, AssembleRequest{JobID: job.ID()})
	require.NoError(t, err)
	assert.Contains(t, slideXML(t, res.Bytes)["ppt/slides/slide3.xml"], "Final")
}

func TestService_UpdateAnalysisValidation(t *testing.T) {
	env := newEnv(t, 2, scriptedVision{}, passthroughInpaint{}, nil)
	ctx := context.Background()

	job, updates, err := env.svc.Analyze(ctx, AnalyzeRequest{Filename: "a.pdf", Source: pdfSource, Pages: []int{1}})
	require.NoError(t, err)
	drainUpdates(updates)
	_, err = env.svc.Wait(ctx, job.ID())
	require.NoError(t, err)

	_, err = env.svc.UpdateAnalysis(ctx, job.ID(), 0, Edit{Content: []string{"x"}})
	require.Error(t, err)
	assert.Equal(t, domain.ErrorTypeValidation, domain.ErrorTypeOf(err))

	_, err = env.svc.UpdateAnalysis(ctx, "missing", 0, Edit{})
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestService_StatelessAssembleLayouts(t *testing.T) {
	env := newEnv(t, 1, scriptedVision{}, passthroughInpaint{}, nil)
	codec := pagestore.DefaultBlobCodec()
	blob, err := codec.Encode(pngPage(0, domain.TierHigh))
	require.NoError(t, err)

	analyses := []domain.PageAnalysis{
		{Page: 0, Title: "Agenda", Content: []string{"a", "b", "c", "d", "e"}},
		{Page: 1, Title: "Chart", Content: []string{"growth"},
			Visuals: []domain.VisualElement{{Box: domain.Box{X: 0.1, Y: 0.1, W: 0.9, H: 0.9}, Size: 1}}},
	}

	res, err := env.svc.Assemble(context.Background(), AssembleRequest{
		Filename: "talk.pdf",
		Analyses: analyses,
		Images:   []pagestore.Blob{blob, blob},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Slides)
	assert.Equal(t, 0, res.Placeholders)

	slides := slideXML(t, res.Bytes)
	assert.NotContains(t, slides["ppt/slides/slide1.xml"], "<p:pic>", "five bullets and no visuals is full width")
	assert.Contains(t, slides["ppt/slides/slide2.xml"], "<p:pic>", "a dominant visual gives a split layout")
}

func TestService_StatelessAssembleWithMissingImages(t *testing.T) {
	env := newEnv(t, 1, scriptedVision{}, passthroughInpaint{}, nil)

	res, err := env.svc.Assemble(context.Background(), AssembleRequest{
		Filename: "x.pdf",
		Analyses: []domain.PageAnalysis{
			{Page: 0, Title: "Has visual", Visuals: []domain.VisualElement{{Box: domain.Box{W: 1, H: 1}}}},
			{Page: 1, Title: "Fine", Content: []string{"ok"}},
		},
		Images: []pagestore.Blob{"data:image/png;base64,@@@"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Slides)
	assert.Equal(t, 1, res.Placeholders)
}

func TestService_UnreadableSourceFailsJob(t *testing.T) {
	env := newEnv(t, 3, scriptedVision{}, passthroughInpaint{}, nil)

	job, updates, err := env.svc.Analyze(context.Background(), AnalyzeRequest{Filename: "bad.pdf", Source: []byte("hello")})
	require.Error(t, err)
	assert.Nil(t, updates)
	assert.True(t, domain.IsFatal(err))
	require.NotNil(t, job)
	assert.Equal(t, domain.JobFailed, job.State())

	_, err = env.svc.Wait(context.Background(), job.ID())
	assert.Error(t, err)
}

func TestService_NoValidPagesFailsJob(t *testing.T) {
	env := newEnv(t, 3, scriptedVision{}, passthroughInpaint{}, nil)

	job, _, err := env.svc.Analyze(context.Background(), AnalyzeRequest{Filename: "a.pdf", Source: pdfSource, Pages: []int{7, 9}})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNoPagesSelected)
	assert.Equal(t, domain.JobFailed, job.State())
}

func TestService_EmptySource(t *testing.T) {
	env := newEnv(t, 3, scriptedVision{}, passthroughInpaint{}, nil)
	job, _, err := env.svc.Analyze(context.Background(), AnalyzeRequest{Filename: "a.pdf"})
	require.Error(t, err)
	assert.Nil(t, job)
	assert.Equal(t, domain.ErrorTypeValidation, domain.ErrorTypeOf(err))
}

func TestService_ZeroProgressFailsJob(t *testing.T) {
	env := newEnv(t, 4, scriptedVision{err: errors.New("503")}, passthroughInpaint{err: errors.New("503")}, nil)
	ctx := context.Background()

	job, updates, err := env.svc.Analyze(ctx, AnalyzeRequest{Filename: "a.pdf", Source: pdfSource, Options: Options{Clean: true}})
	require.NoError(t, err)

	all := drainUpdates(updates)
	assert.Equal(t, progress.PhaseFailed, all[len(all)-1].Phase)

	_, err = env.svc.Wait(ctx, job.ID())
	require.Error(t, err)
	assert.Equal(t, domain.JobFailed, job.State())
}

func TestService_CapabilitiesDownButTextLayerKeepsJob(t *testing.T) {
	env := newEnv(t, 2, scriptedVision{err: errors.New("503")}, passthroughInpaint{err: errors.New("503")}, nil)
	env.svc.deps.TextLayer = func([]byte) (domain.TextSource, error) { return textByPage{}, nil }
	ctx := context.Background()

	job, updates, err := env.svc.Analyze(ctx, AnalyzeRequest{Filename: "a.pdf", Source: pdfSource, Options: Options{Clean: true}})
	require.NoError(t, err)
	drainUpdates(updates)

	res, err := env.svc.Wait(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, "Heading 1", res.Analyses[0].Title)
	assert.NotEmpty(t, res.Warnings, "a batch where every page failed is reported")
	assert.Equal(t, domain.JobEditable, job.State())
}

type textByPage struct{}

func (textByPage) PageText(page int) (string, error) {
	return fmt.Sprintf("Heading %d\nbody", page+1), nil
}

func TestService_CallerCancellationDoesNotStopJob(t *testing.T) {
	env := newEnv(t, 4, scriptedVision{}, passthroughInpaint{}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	job, _, err := env.svc.Analyze(ctx, AnalyzeRequest{Filename: "a.pdf", Source: pdfSource})
	require.NoError(t, err)
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	res, err := env.svc.Wait(waitCtx, job.ID())
	require.NoError(t, err)
	assert.Len(t, res.Analyses, 4)

	updates, err := env.svc.Since(job.ID(), 0)
	require.NoError(t, err)
	assert.Equal(t, progress.PhaseDone, updates[len(updates)-1].Phase)
}

func TestService_Forget(t *testing.T) {
	env := newEnv(t, 2, scriptedVision{}, passthroughInpaint{}, nil)
	ctx := context.Background()

	job, updates, err := env.svc.Analyze(ctx, AnalyzeRequest{Filename: "a.pdf", Source: pdfSource})
	require.NoError(t, err)
	drainUpdates(updates)
	_, err = env.svc.Wait(ctx, job.ID())
	require.NoError(t, err)

	require.NoError(t, env.svc.Forget(ctx, job.ID()))
	_, err = env.svc.Status(ctx, job.ID())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
	_, err = env.blobs.Load(ctx, job.ID(), 0)
	assert.ErrorIs(t, err, pagestore.ErrBlobNotFound)
}

func TestService_RestoresJobFromRepository(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer db.Close()
	repo := storage.NewJobRepository(db)
	ctx := context.Background()

	first := newEnv(t, 3, scriptedVision{}, passthroughInpaint{}, repo)
	job, updates, err := first.svc.Analyze(ctx, AnalyzeRequest{Filename: "memo.pdf", Source: pdfSource})
	require.NoError(t, err)
	drainUpdates(updates)
	_, err = first.svc.Wait(ctx, job.ID())
	require.NoError(t, err)

	title := "Edited before restart"
	_, err = first.svc.UpdateAnalysis(ctx, job.ID(), 1, Edit{Title: &title})
	require.NoError(t, err)

	// a second process sharing the repository and blob store
	second := newEnv(t, 3, scriptedVision{}, passthroughInpaint{}, repo)
	second.svc.deps.Blobs = first.blobs

	status, err := second.svc.Status(ctx, job.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.JobEditable, status.State)

	res, err := second.svc.Assemble(ctx, AssembleRequest{JobID: job.ID()})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Slides)
	assert.Equal(t, "memo-deck.pptx", res.Filename)
	assert.Contains(t, slideXML(t, res.Bytes)["ppt/slides/slide2.xml"], title)
}

func TestNoProgress(t *testing.T) {
	failed := domain.PageOutcome{
		Analysis: domain.PageAnalysis{Status: domain.AnalysisFailedFallback},
		Clean:    domain.PageCleanResult{Status: domain.CleanFailedOriginal},
	}
	withText := failed
	withText.Analysis.Title = "From text layer"
	ok := domain.PageOutcome{
		Analysis: domain.PageAnalysis{Status: domain.AnalysisOK},
		Clean:    domain.PageCleanResult{Status: domain.CleanFailedOriginal},
	}

	assert.True(t, noProgress(domain.BatchOutcome{}))
	assert.True(t, noProgress(domain.BatchOutcome{Pages: []domain.PageOutcome{failed, failed}}))
	assert.False(t, noProgress(domain.BatchOutcome{Pages: []domain.PageOutcome{failed, withText}}))
	assert.False(t, noProgress(domain.BatchOutcome{Pages: []domain.PageOutcome{failed, ok}}))
}

func TestDeckResultFilename(t *testing.T) {
	assert.Equal(t, "memo-deck.pptx", deck.SuggestFilename("memo.pdf"))
}

func zipPart(t *testing.T, data []byte, name string) string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		defer rc.Close()
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(body)
	}
	return ""
}

func TestService_ExtractionOutageWithoutCleaningFailsJob(t *testing.T) {
	env := newEnv(t, 3, scriptedVision{err: errors.New("503 service unavailable")}, nil, nil)
	ctx := context.Background()

	job, updates, err := env.svc.Analyze(ctx, AnalyzeRequest{Filename: "a.pdf", Source: pdfSource, Options: Options{Clean: false}})
	require.NoError(t, err)

	all := drainUpdates(updates)
	last := all[len(all)-1]
	assert.Equal(t, progress.PhaseFailed, last.Phase)

	_, err = env.svc.Wait(ctx, job.ID())
	require.Error(t, err)
	assert.Equal(t, domain.ErrorTypeConversion, domain.ErrorTypeOf(err))
	assert.Equal(t, domain.JobFailed, job.State())
}

func TestService_InpaintUnavailableKeepsOriginalImages(t *testing.T) {
	replies := make(map[int]string)
	for p := 0; p < 3; p++ {
		replies[p] = fmt.Sprintf(`{"title":"Chart %d","content":["trend"],`+
			`"visual_elements":[{"box":{"x":0.05,"y":0.1,"w":0.6,"h":0.8},"size":1}]}`, p+1)
	}
	env := newEnv(t, 3, scriptedVision{replies: replies}, passthroughInpaint{err: errors.New("inpainting offline")}, nil)
	ctx := context.Background()

	job, updates, err := env.svc.Analyze(ctx, AnalyzeRequest{Filename: "charts.pdf", Source: pdfSource, Options: Options{Clean: true}})
	require.NoError(t, err)
	drainUpdates(updates)

	res, err := env.svc.Wait(ctx, job.ID())
	require.NoError(t, err)
	require.Len(t, res.CleanImages, 3)
	codec := pagestore.DefaultBlobCodec()
	for p, blob := range res.CleanImages {
		assert.Equal(t, domain.AnalysisOK, res.Analyses[p].Status)
		img, err := codec.Decode(blob)
		require.NoError(t, err, "page %d", p)
		assert.Equal(t, pngPage(p, domain.TierHigh).Data, img.Data, "page %d keeps its original image", p)
	}

	out, err := env.svc.Assemble(ctx, AssembleRequest{JobID: job.ID()})
	require.NoError(t, err)
	assert.Equal(t, 3, out.Slides)
	assert.Equal(t, 0, out.Placeholders)
	slides := slideXML(t, out.Bytes)
	for p := 1; p <= 3; p++ {
		slide := slides[fmt.Sprintf("ppt/slides/slide%d.xml", p)]
		assert.Contains(t, slide, "<p:pic>", "slide %d shows the visual from the original page", p)
		assert.Contains(t, slide, fmt.Sprintf("Chart %d", p))
		assert.NotEmpty(t, zipPart(t, out.Bytes, fmt.Sprintf("ppt/media/image%d.jpeg", p)))
	}
}

func TestService_EditTitleAndBulletsOfPageThree(t *testing.T) {
	env := newEnv(t, 4, scriptedVision{}, passthroughInpaint{}, nil)
	ctx := context.Background()

	job, updates, err := env.svc.Analyze(ctx, AnalyzeRequest{Filename: "plan.pdf", Source: pdfSource})
	require.NoError(t, err)
	drainUpdates(updates)
	_, err = env.svc.Wait(ctx, job.ID())
	require.NoError(t, err)

	title, notes := "Regional split", "Mention the south first."
	updated, err := env.svc.UpdateAnalysis(ctx, job.ID(), 2, Edit{
		Title:   &title,
		Content: []string{" North ", "", "South"},
		Notes:   &notes,
	})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, []string{"North", "South"}, updated.Content)
	assert.Equal(t, notes, updated.Notes)

	out, err := env.svc.Assemble(ctx, AssembleRequest{JobID: job.ID()})
	require.NoError(t, err)
	slides := slideXML(t, out.Bytes)
	third := slides["ppt/slides/slide3.xml"]
	assert.Contains(t, third, "Regional split")
	assert.Contains(t, third, "<a:t>North</a:t>")
	assert.Contains(t, third, "<a:t>South</a:t>")
	assert.NotContains(t, third, "<a:t>first</a:t>")
	assert.Contains(t, slides["ppt/slides/slide2.xml"], "<a:t>first</a:t>", "other pages keep their bullets")
	assert.Contains(t, zipPart(t, out.Bytes, "ppt/notesSlides/notesSlide3.xml"), notes)
}

func TestService_Preview(t *testing.T) {
	env := newEnv(t, 3, nil, nil, nil)
	env.svc.deps.PreviewDim = 32
	ctx := context.Background()

	previews, err := env.svc.Preview(ctx, pdfSource)
	require.NoError(t, err)
	require.Len(t, previews, 3)
	codec := pagestore.DefaultBlobCodec()
	for i, p := range previews {
		assert.Equal(t, i, p.Page)
		assert.Empty(t, p.Error)
		assert.Equal(t, 32, p.Width)
		assert.Equal(t, 24, p.Height)
		img, err := codec.Decode(p.Blob)
		require.NoError(t, err)
		assert.Equal(t, 32, img.Width)
	}
	assert.Equal(t, 0, env.store.Len(), "previews keep nothing")

	env.svc.deps.MaxPages = 2
	_, err = env.svc.Preview(ctx, pdfSource)
	require.Error(t, err)
	assert.Equal(t, domain.ErrorTypeValidation, domain.ErrorTypeOf(err))

	_, err = env.svc.Preview(ctx, []byte("plain text"))
	assert.Equal(t, domain.ErrorTypeConversion, domain.ErrorTypeOf(err))
}

func TestService_PreviewKeepsSmallPages(t *testing.T) {
	env := newEnv(t, 1, nil, nil, nil)
	previews, err := env.svc.Preview(context.Background(), pdfSource)
	require.NoError(t, err)
	require.Len(t, previews, 1)
	assert.Equal(t, 64, previews[0].Width, "pages below the preview size are not enlarged")
}

type recordingPruner struct {
	JobRepository
	mu      sync.Mutex
	cutoffs []time.Time
}

func (p *recordingPruner) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, cutoff)
	return 2, nil
}

func (p *recordingPruner) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cutoffs)
}

func TestService_StartPrunesOldJobs(t *testing.T) {
	pruner := &recordingPruner{}
	env := newEnv(t, 1, scriptedVision{}, nil, pruner)
	env.svc.deps.Retention = 24 * time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.svc.Start(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return pruner.calls() >= 2 }, 2*time.Second, 5*time.Millisecond)
	pruner.mu.Lock()
	cutoff := pruner.cutoffs[0]
	pruner.mu.Unlock()
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), cutoff, time.Minute)
}

func TestService_PruneJobsDeletesFromDatabase(t *testing.T) {
	db, err := storage.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer db.Close()
	repo := storage.NewJobRepository(db)
	ctx := context.Background()

	env := newEnv(t, 2, scriptedVision{}, nil, repo)
	job, updates, err := env.svc.Analyze(ctx, AnalyzeRequest{Filename: "old.pdf", Source: pdfSource})
	require.NoError(t, err)
	drainUpdates(updates)
	_, err = env.svc.Wait(ctx, job.ID())
	require.NoError(t, err)

	env.svc.deps.Retention = time.Hour
	assert.Equal(t, int64(0), env.svc.PruneJobs(ctx, repo), "a fresh job is kept")

	env.svc.deps.Retention = -time.Hour
	assert.Equal(t, int64(1), env.svc.PruneJobs(ctx, repo))
	_, err = repo.GetJob(ctx, job.ID())
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
