package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	appI18n "github.com/pavelanni/gradesheet/internal/i18n"
	"github.com/pavelanni/gradesheet/internal/metrics"
	"github.com/pavelanni/gradesheet/internal/model"
	"github.com/pavelanni/gradesheet/internal/pipeline"
	"github.com/pavelanni/gradesheet/internal/store"
)

// Error codes returned next to the localized message.
const (
	CodeMissingURLs = "missing_urls"
	CodeInvalidBody = "invalid_body"
	CodeInvalidID   = "invalid_id"
	CodeNotFound    = "not_found"
)

const maxBodyBytes = 64 << 10

// Processor runs one grading pass.
type Processor interface {
	Process(ctx context.Context, studentURL, teacherURL string) (*pipeline.Outcome, error)
}

// Config holds HTTP-level settings.
type Config struct {
	BasePath       string
	AllowedOrigins []string
	RequestTimeout time.Duration // 0 means the run lives as long as the request
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store  *store.Store
	proc   Processor
	config Config
}

// New creates a new Handler.
func New(s *store.Store, p Processor, cfg Config) *Handler {
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return &Handler{store: s, proc: p, config: cfg}
}

// Router builds the chi router with logging, recovery, CORS and localization.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Accept-Language", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(appI18n.Middleware())

	basePath := strings.TrimRight(h.config.BasePath, "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if basePath != "" {
		r.Route(basePath, h.Routes)
	} else {
		h.Routes(r)
	}
	return r
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/api/process", h.handleProcess)
	r.Get("/api/submissions", h.handleListSubmissions)
	r.Get("/api/submissions/{submissionID}", h.handleGetSubmission)
}

type processRequest struct {
	StudentPDFURL string `json:"studentPdfUrl"`
	TeacherPDFURL string `json:"teacherPdfUrl"`
}

type processResponse struct {
	Message      string                   `json:"message"`
	Data         []model.EvaluationResult `json:"data"`
	OverallGrade model.LetterGrade        `json:"overallGrade"`
	OverallScore float64                  `json:"overallScore"`
	Detected     int                      `json:"detected"`
	Skipped      []pipeline.Skip          `json:"skipped"`
	Cancelled    bool                     `json:"cancelled,omitempty"`
	SubmissionID int64                    `json:"submissionId,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (h *Handler) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidBody, "ErrInvalidBody", nil)
		return
	}
	req.StudentPDFURL = strings.TrimSpace(req.StudentPDFURL)
	req.TeacherPDFURL = strings.TrimSpace(req.TeacherPDFURL)
	if req.StudentPDFURL == "" || req.TeacherPDFURL == "" {
		writeError(w, r, http.StatusBadRequest, CodeMissingURLs, "ErrMissingURLs", nil)
		return
	}

	ctx := r.Context()
	if h.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.RequestTimeout)
		defer cancel()
	}

	out, err := h.proc.Process(ctx, req.StudentPDFURL, req.TeacherPDFURL)
	if err != nil {
		status, code, msgID, data := describeError(err)
		writeError(w, r, status, code, msgID, data)
		return
	}

	resp := processResponse{
		Message:      appI18n.T(r.Context(), "MsgProcessingComplete"),
		Data:         out.Results,
		OverallGrade: out.OverallGrade,
		OverallScore: out.OverallScore,
		Detected:     out.Detected,
		Skipped:      out.Skipped,
		Cancelled:    out.Cancelled,
	}
	if out.Cancelled {
		resp.Message = appI18n.T(r.Context(), "MsgProcessingPartial")
	}
	if n := len(out.Skipped); n > 0 {
		resp.Message += " " + appI18n.Tp(r.Context(), "QuestionsSkipped", n)
	}

	if h.store != nil {
		id, err := h.store.SaveSubmission(model.Submission{
			RunID:         out.RunID,
			StudentPDFURL: req.StudentPDFURL,
			TeacherPDFURL: req.TeacherPDFURL,
			OverallScore:  out.OverallScore,
			OverallGrade:  out.OverallGrade,
			QuestionScale: out.QuestionScale,
			Detected:      out.Detected,
			Skipped:       len(out.Skipped),
			Results:       out.Results,
		})
		if err != nil {
			// The graded results are still returned to the caller.
			slog.Error("failed to save submission", "run_id", out.RunID, "error", err)
		} else {
			resp.SubmissionID = id
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// describeError maps a run failure to an HTTP status, error code and message.
func describeError(err error) (status int, code, msgID string, data map[string]any) {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		return http.StatusInternalServerError, pipeline.CodeInternal, "ErrInternal", nil
	}
	data = map[string]any{"Role": perr.Role}
	switch perr.Code {
	case pipeline.CodeFetchFailed:
		return http.StatusBadGateway, perr.Code, "ErrFetchFailed", data
	case pipeline.CodeEmptyDocument:
		return http.StatusBadRequest, perr.Code, "ErrEmptyDocument", data
	case pipeline.CodeExtractFailed:
		return http.StatusInternalServerError, perr.Code, "ErrExtractFailed", data
	case pipeline.CodeCancelled:
		return http.StatusInternalServerError, perr.Code, "ErrCancelled", nil
	default:
		return http.StatusInternalServerError, pipeline.CodeInternal, "ErrInternal", nil
	}
}

func (h *Handler) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.ListSubmissions()
	if err != nil {
		slog.Error("failed to list submissions", "error", err)
		writeError(w, r, http.StatusInternalServerError, pipeline.CodeInternal, "ErrInternal", nil)
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

func (h *Handler) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "submissionID"), 10, 64)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidID, "ErrNotFound", nil)
		return
	}

	sub, err := h.store.GetSubmission(id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, r, http.StatusNotFound, CodeNotFound, "ErrNotFound", nil)
		return
	}
	if err != nil {
		slog.Error("failed to get submission", "id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, pipeline.CodeInternal, "ErrInternal", nil)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.SubmissionCount()
	if err != nil {
		slog.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "submissions": count})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msgID string, data map[string]any) {
	msg := appI18n.Td(r.Context(), msgID, data)
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}
