// Package handlers provides HTTP handlers for the pdf2deck API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/spherical/pdf2deck/internal/deck"
	"github.com/spherical/pdf2deck/internal/domain"
	"github.com/spherical/pdf2deck/internal/pagestore"
	"github.com/spherical/pdf2deck/internal/pipeline"
	"github.com/spherical/pdf2deck/internal/progress"
)

const pptxContentType = "application/vnd.openxmlformats-officedocument.presentationml.presentation"

// JobService is the part of the pipeline the handlers drive.
type JobService interface {
	Analyze(ctx context.Context, req pipeline.AnalyzeRequest) (*pipeline.Job, <-chan progress.Update, error)
	Wait(ctx context.Context, jobID string) (*pipeline.AnalyzeResult, error)
	Status(ctx context.Context, jobID string) (domain.Job, error)
	UpdateAnalysis(ctx context.Context, jobID string, page int, edit pipeline.Edit) (domain.PageAnalysis, error)
	Assemble(ctx context.Context, req pipeline.AssembleRequest) (deck.Result, error)
	Subscribe(jobID string) (<-chan progress.Update, func(), error)
	Since(jobID string, seq uint64) ([]progress.Update, error)
	Forget(ctx context.Context, jobID string) error
	Preview(ctx context.Context, src []byte) ([]pipeline.PagePreview, error)
}

// HandlerConfig holds the request limits and defaults of a JobHandler.
type HandlerConfig struct {
	MaxUploadBytes int64
	CleanByDefault bool
	// MaxPages caps page numbers in a selection; zero uses the pipeline default.
	MaxPages int
}

// JobHandler handles conversion job requests.
type JobHandler struct {
	logger  *domain.Logger
	service JobService
	cfg     HandlerConfig
}

// NewJobHandler creates a new job handler.
func NewJobHandler(logger *domain.Logger, service JobService, cfg HandlerConfig) *JobHandler {
	if logger == nil {
		logger = domain.DefaultLogger
	}
	return &JobHandler{
		logger:  logger.WithPrefix("api"),
		service: service,
		cfg:     cfg,
	}
}

// CreateJobResponseDTO is returned when a job is accepted.
type CreateJobResponseDTO struct {
	JobID  string          `json:"jobId"`
	State  domain.JobState `json:"state"`
	Events string          `json:"events"`
}

// JobResponseDTO describes a job and, once editable, its analyses.
type JobResponseDTO struct {
	Job         domain.Job            `json:"job"`
	Analyses    []domain.PageAnalysis `json:"analyses,omitempty"`
	CleanImages []pagestore.Blob      `json:"cleanImages,omitempty"`
	Warnings    []string              `json:"warnings,omitempty"`
}

// EditRequestDTO rewrites one page's text. Omitted fields are kept.
type EditRequestDTO struct {
	Title   *string  `json:"title"`
	Content []string `json:"content"`
	Notes   *string  `json:"notes"`
}

// DeckRequestDTO assembles a deck from caller-held analyses.
type DeckRequestDTO struct {
	Filename string                `json:"filename"`
	Analyses []domain.PageAnalysis `json:"analyses"`
	Images   []pagestore.Blob      `json:"images"`
}

// Create handles POST /v1/jobs (multipart: file, pages, clean, remove_watermark).
func (h *JobHandler) Create(w http.ResponseWriter, r *http.Request) {
	src, filename, ok := h.readUpload(w, r)
	if !ok {
		return
	}

	pages, err := pipeline.ParsePageRanges(r.FormValue("pages"), h.cfg.MaxPages)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	opts := pipeline.Options{
		Clean:           formBool(r.FormValue("clean"), h.cfg.CleanByDefault),
		RemoveWatermark: formBool(r.FormValue("remove_watermark"), false),
	}

	job, updates, err := h.service.Analyze(r.Context(), pipeline.AnalyzeRequest{
		Filename: filename,
		Source:   src,
		Pages:    pages,
		Options:  opts,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	// events are served per request; this subscription only has to drain
	go func() {
		for range updates {
		}
	}()

	h.logger.WithJob(job.ID()).Info("accepted %s (%d bytes)", filename, len(src))

	events := fmt.Sprintf("/v1/jobs/%s/events", job.ID())
	w.Header().Set("Location", "/v1/jobs/"+job.ID())
	h.writeJSON(w, http.StatusAccepted, CreateJobResponseDTO{
		JobID:  job.ID(),
		State:  job.State(),
		Events: events,
	})
}

// Get handles GET /v1/jobs/{jobId}.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := chi.URLParam(r, "jobId")

	status, err := h.service.Status(ctx, jobID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	resp := JobResponseDTO{Job: status}
	if status.State == domain.JobEditable || status.State == domain.JobComplete {
		result, err := h.service.Wait(ctx, jobID)
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		resp.Analyses = result.Analyses
		resp.CleanImages = result.CleanImages
		resp.Warnings = result.Warnings
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Delete handles DELETE /v1/jobs/{jobId}.
func (h *JobHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Forget(r.Context(), chi.URLParam(r, "jobId")); err != nil {
		h.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Events handles GET /v1/jobs/{jobId}/events as a Server-Sent Events
// stream. Updates after Last-Event-ID (or ?since=) are replayed first.
func (h *JobHandler) Events(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}

	var since uint64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		since, _ = strconv.ParseUint(v, 10, 64)
	} else if v := r.URL.Query().Get("since"); v != "" {
		since, _ = strconv.ParseUint(v, 10, 64)
	}

	// subscribe before replaying so nothing falls in between
	live, cancel, err := h.service.Subscribe(jobID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	defer cancel()

	backlog, err := h.service.Since(jobID, since)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	last := since
	send := func(u progress.Update) bool {
		if u.Seq <= last {
			return !u.Final()
		}
		last = u.Seq
		data, err := json.Marshal(u)
		if err != nil {
			h.logger.WithJob(jobID).Warn("failed to encode update %d: %v", u.Seq, err)
			return true
		}
		fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", u.Seq, u.Phase, data)
		flusher.Flush()
		return !u.Final()
	}

	for _, u := range backlog {
		if !send(u) {
			return
		}
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-live:
			if !ok || !send(u) {
				return
			}
		}
	}
}

// UpdatePage handles PATCH /v1/jobs/{jobId}/pages/{page}. Pages are 1-based.
func (h *JobHandler) UpdatePage(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	page, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || page < 1 {
		h.writeError(w, http.StatusBadRequest, "page must be a positive number", "")
		return
	}

	var req EditRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	updated, err := h.service.UpdateAnalysis(r.Context(), jobID, page-1, pipeline.Edit{
		Title:   req.Title,
		Content: req.Content,
		Notes:   req.Notes,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// BuildDeck handles POST /v1/jobs/{jobId}/deck.
func (h *JobHandler) BuildDeck(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	result, err := h.service.Assemble(r.Context(), pipeline.AssembleRequest{
		JobID:    jobID,
		Filename: r.URL.Query().Get("filename"),
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.logger.WithJob(jobID).Info("assembled %d slides (%d placeholders)", result.Slides, result.Placeholders)
	h.writeDeck(w, result)
}

// PreviewResponseDTO lists a thumbnail per page of an uploaded document.
type PreviewResponseDTO struct {
	Filename string                 `json:"filename"`
	Pages    []pipeline.PagePreview `json:"pages"`
}

// Preview handles POST /v1/previews (multipart: file). Nothing is kept.
func (h *JobHandler) Preview(w http.ResponseWriter, r *http.Request) {
	src, filename, ok := h.readUpload(w, r)
	if !ok {
		return
	}
	pages, err := h.service.Preview(r.Context(), src)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, PreviewResponseDTO{Filename: filename, Pages: pages})
}

// readUpload reads the "file" field of a multipart request, writing the
// error response itself when it fails.
func (h *JobHandler) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	if h.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, http.StatusRequestEntityTooLarge, "upload too large", err.Error())
			return nil, "", false
		}
		h.writeError(w, http.StatusBadRequest, "a PDF file is required in the \"file\" field", err.Error())
		return nil, "", false
	}
	defer file.Close()

	src, err := io.ReadAll(file)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read upload", err.Error())
		return nil, "", false
	}
	return src, header.Filename, true
}

// AssembleDeck handles POST /v1/decks, which needs no server-side job.
func (h *JobHandler) AssembleDeck(w http.ResponseWriter, r *http.Request) {
	if h.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes)
	}
	var req DeckRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if len(req.Analyses) == 0 {
		h.writeError(w, http.StatusBadRequest, "analyses are required", "")
		return
	}

	result, err := h.service.Assemble(r.Context(), pipeline.AssembleRequest{
		Filename: req.Filename,
		Analyses: req.Analyses,
		Images:   req.Images,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeDeck(w, result)
}

func (h *JobHandler) writeDeck(w http.ResponseWriter, result deck.Result) {
	w.Header().Set("Content-Type", pptxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Bytes)))
	w.Header().Set("X-Slide-Count", strconv.Itoa(result.Slides))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Bytes); err != nil {
		h.logger.Warn("failed to write deck: %v", err)
	}
}

func (h *JobHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response: %v", err)
	}
}

func (h *JobHandler) writeError(w http.ResponseWriter, status int, message, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	resp := map[string]string{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	json.NewEncoder(w).Encode(resp)
}

func (h *JobHandler) writeDomainError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed: %v", err)
	}
	h.writeError(w, status, http.StatusText(status), err.Error())
}

// StatusFor maps a pipeline error onto an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	}
	switch domain.ErrorTypeOf(err) {
	case domain.ErrorTypeValidation:
		return http.StatusBadRequest
	case domain.ErrorTypeConversion:
		return http.StatusUnprocessableEntity
	case domain.ErrorTypeConfig, domain.ErrorTypeCapability:
		return http.StatusServiceUnavailable
	case domain.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func formBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return b
}
