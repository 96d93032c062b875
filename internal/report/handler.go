package report

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"labreport-api/internal/auth"
)

const maxUploadSizeBytes = 10 << 20

var pdfMagic = []byte("%PDF-")

// Store is the persistence surface the handlers need. *Repository
// implements it; tests substitute an in-memory fake.
type Store interface {
	Create(ctx context.Context, userID, filename string, content []byte, processedData string) (Report, error)
	ListByUser(ctx context.Context, userID string) ([]Report, error)
	GetByID(ctx context.Context, id string) (Report, error)
	GetContent(ctx context.Context, id string) ([]byte, error)
	GetDietPlanByReport(ctx context.Context, reportID string) (DietPlan, error)
	CreateDietPlan(ctx context.Context, userID, reportID, dietData string) (DietPlan, error)
}

// Analyzer is the generative collaborator: opaque calls that either
// return JSON/audio or fail.
type Analyzer interface {
	AnalyzeReport(ctx context.Context, pdf []byte) (string, error)
	GenerateDietPlan(ctx context.Context, analysisJSON string) (string, error)
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type Handler struct {
	store    Store
	analyzer Analyzer
}

func NewHandler(store Store, analyzer Analyzer) *Handler {
	return &Handler{store: store, analyzer: analyzer}
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	if err := r.ParseMultipartForm(maxUploadSizeBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSizeBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "file is empty")
		return
	}
	if len(data) > maxUploadSizeBytes {
		writeError(w, http.StatusBadRequest, "file is too large")
		return
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		writeError(w, http.StatusBadRequest, "file must be a PDF")
		return
	}

	processed, err := h.analyzer.AnalyzeReport(r.Context(), data)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusBadGateway, "failed to analyze report")
		return
	}

	rep, err := h.store.Create(r.Context(), user.ID, header.Filename, data, processed)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to store report")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"report_id": rep.ID,
		"filename":  rep.Filename,
		"message":   "report uploaded successfully",
	})
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}

	reports, err := h.store.ListByUser(r.Context(), user.ID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to list reports")
		return
	}

	history := make([]map[string]any, 0, len(reports))
	for _, rep := range reports {
		history = append(history, map[string]any{
			"report_id":   rep.ID,
			"filename":    rep.Filename,
			"uploaded_at": rep.CreatedAt,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id": user.ID,
		"history": history,
	})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.ownedReport(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"report_id":      rep.ID,
		"filename":       rep.Filename,
		"processed_data": rawOrString(rep.ProcessedData),
		"uploaded_at":    rep.CreatedAt,
	})
}

func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.ownedReport(w, r)
	if !ok {
		return
	}

	content, err := h.store.GetContent(r.Context(), rep.ID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load report file")
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="`+sanitizeFilename(rep.Filename)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

// DietPlan returns the plan for a report, generating and persisting it
// on first access.
func (h *Handler) DietPlan(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.ownedReport(w, r)
	if !ok {
		return
	}

	plan, err := h.store.GetDietPlanByReport(r.Context(), rep.ID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to load diet plan")
			return
		}

		dietData, genErr := h.analyzer.GenerateDietPlan(r.Context(), rep.ProcessedData)
		if genErr != nil {
			sentry.CaptureException(genErr)
			writeError(w, http.StatusBadGateway, "failed to generate diet plan")
			return
		}

		plan, err = h.store.CreateDietPlan(r.Context(), rep.UserID, rep.ID, dietData)
		if err != nil {
			sentry.CaptureException(err)
			writeError(w, http.StatusInternalServerError, "failed to store diet plan")
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"report_id": rep.ID,
		"diet_plan": rawOrString(plan.DietData),
	})
}

// Audio synthesizes the analysis summary as speech.
func (h *Handler) Audio(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.ownedReport(w, r)
	if !ok {
		return
	}

	text := analysisSummary(rep.ProcessedData)
	if text == "" {
		writeError(w, http.StatusNotFound, "report has no summary to read")
		return
	}

	audio, err := h.analyzer.Synthesize(r.Context(), text)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusBadGateway, "failed to synthesize audio")
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

// ownedReport loads the {id} path report and enforces ownership: 404
// for an unknown id, 403 when it belongs to another user.
func (h *Handler) ownedReport(w http.ResponseWriter, r *http.Request) (Report, bool) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return Report{}, false
	}

	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return Report{}, false
	}

	rep, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeError(w, http.StatusNotFound, "report not found")
			return Report{}, false
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load report")
		return Report{}, false
	}

	if rep.UserID != user.ID {
		writeError(w, http.StatusForbidden, "unauthorized access")
		return Report{}, false
	}

	return rep, true
}

// rawOrString embeds model output as JSON when it is JSON and as a
// plain string otherwise.
func rawOrString(data string) any {
	if json.Valid([]byte(data)) {
		return json.RawMessage(data)
	}
	return data
}

func analysisSummary(processedData string) string {
	var analysis struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(processedData), &analysis); err == nil && analysis.Summary != "" {
		return analysis.Summary
	}

	return strings.TrimSpace(processedData)
}

func sanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `"`, "")
	name = strings.ReplaceAll(name, "\r", "")
	name = strings.ReplaceAll(name, "\n", "")
	if name == "" {
		name = "report.pdf"
	}
	return name
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"detail": message})
}
