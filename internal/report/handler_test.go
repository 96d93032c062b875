package report

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labreport-api/internal/auth"
)

type fakeStore struct {
	mu      sync.Mutex
	reports map[string]Report
	content map[string][]byte
	plans   map[string]DietPlan
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		reports: make(map[string]Report),
		content: make(map[string][]byte),
		plans:   make(map[string]DietPlan),
	}
}

// Handlers validate the path id as a uuid, so fakes mint real ones.
func (f *fakeStore) newID() string {
	return uuid.NewString()
}

func (f *fakeStore) Create(ctx context.Context, userID, filename string, content []byte, processedData string) (Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rep := Report{
		ID:            f.newID(),
		UserID:        userID,
		Filename:      filename,
		ProcessedData: processedData,
		CreatedAt:     time.Now().UTC(),
	}
	f.reports[rep.ID] = rep
	f.content[rep.ID] = content
	return rep, nil
}

func (f *fakeStore) ListByUser(ctx context.Context, userID string) ([]Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reports := make([]Report, 0)
	for _, rep := range f.reports {
		if rep.UserID == userID {
			reports = append(reports, rep)
		}
	}
	return reports, nil
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rep, ok := f.reports[id]
	if !ok {
		return Report{}, sql.ErrNoRows
	}
	return rep, nil
}

func (f *fakeStore) GetContent(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.content[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return content, nil
}

func (f *fakeStore) GetDietPlanByReport(ctx context.Context, reportID string) (DietPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	plan, ok := f.plans[reportID]
	if !ok {
		return DietPlan{}, sql.ErrNoRows
	}
	return plan, nil
}

func (f *fakeStore) CreateDietPlan(ctx context.Context, userID, reportID, dietData string) (DietPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.plans[reportID]; ok {
		return existing, nil
	}
	plan := DietPlan{
		ID:        f.newID(),
		UserID:    userID,
		ReportID:  reportID,
		DietData:  dietData,
		CreatedAt: time.Now().UTC(),
	}
	f.plans[reportID] = plan
	return plan, nil
}

type fakeAnalyzer struct {
	mu            sync.Mutex
	analysis      string
	dietPlan      string
	audio         []byte
	analyzeCalls  int
	dietPlanCalls int
	spokenText    string
}

func newFakeAnalyzer() *fakeAnalyzer {
	return &fakeAnalyzer{
		analysis: `{"summary":"All markers nominal.","risk_level":"low","biomarkers":{"glucose":92},"recommendations":["keep hydrated"]}`,
		dietPlan: `{"overview":"Balanced week.","days":[]}`,
		audio:    []byte("RIFF-audio"),
	}
}

func (f *fakeAnalyzer) AnalyzeReport(ctx context.Context, pdf []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyzeCalls++
	return f.analysis, nil
}

func (f *fakeAnalyzer) GenerateDietPlan(ctx context.Context, analysisJSON string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dietPlanCalls++
	return f.dietPlan, nil
}

func (f *fakeAnalyzer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spokenText = text
	return f.audio, nil
}

var (
	owner    = auth.User{ID: "11111111-1111-1111-1111-111111111111", Username: "alice", Email: "alice@example.com"}
	intruder = auth.User{ID: "22222222-2222-2222-2222-222222222222", Username: "mallory", Email: "mallory@example.com"}
)

func newTestRouter(store Store, analyzer Analyzer) http.Handler {
	handler := NewHandler(store, analyzer)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/reports/upload", handler.Upload)
	mux.HandleFunc("GET /api/v1/reports/history", handler.History)
	mux.HandleFunc("GET /api/v1/reports/{id}", handler.Get)
	mux.HandleFunc("GET /api/v1/reports/{id}/download", handler.Download)
	mux.HandleFunc("GET /api/v1/reports/{id}/diet-plan", handler.DietPlan)
	mux.HandleFunc("GET /api/v1/reports/{id}/audio", handler.Audio)
	return mux
}

func doAs(t *testing.T, router http.Handler, user auth.User, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req.WithContext(auth.ContextWithUser(req.Context(), user)))
	return recorder
}

func uploadPDF(t *testing.T, router http.Handler, user auth.User, filename string, content []byte) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	recorder := doAs(t, router, user, req)
	require.Equal(t, http.StatusCreated, recorder.Code, recorder.Body.String())

	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestUploadAnalyzesAndStores(t *testing.T) {
	store := newFakeStore()
	analyzer := newFakeAnalyzer()
	router := newTestRouter(store, analyzer)

	body := uploadPDF(t, router, owner, "labs.pdf", []byte("%PDF-1.7 fake"))
	assert.Equal(t, "labs.pdf", body["filename"])
	assert.NotEmpty(t, body["report_id"])
	assert.Equal(t, 1, analyzer.analyzeCalls)

	rep, err := store.GetByID(context.Background(), body["report_id"].(string))
	require.NoError(t, err)
	assert.Equal(t, owner.ID, rep.UserID)
	assert.JSONEq(t, analyzer.analysis, rep.ProcessedData)
}

func TestUploadRejectsNonPDF(t *testing.T) {
	router := newTestRouter(newFakeStore(), newFakeAnalyzer())

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("just text"))
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/reports/upload", &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	recorder := doAs(t, router, owner, req)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestGetForeignReportIsForbidden(t *testing.T) {
	store := newFakeStore()
	router := newTestRouter(store, newFakeAnalyzer())

	body := uploadPDF(t, router, owner, "labs.pdf", []byte("%PDF-1.7 fake"))
	reportID := body["report_id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/"+reportID, nil)
	recorder := doAs(t, router, intruder, req)
	assert.Equal(t, http.StatusForbidden, recorder.Code)

	recorder = doAs(t, router, owner, httptest.NewRequest(http.MethodGet, "/api/v1/reports/"+reportID, nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestGetUnknownReport(t *testing.T) {
	router := newTestRouter(newFakeStore(), newFakeAnalyzer())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/reports/"+uuid.NewString(), nil)
	recorder := doAs(t, router, owner, req)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestHistoryListsOnlyOwnReports(t *testing.T) {
	store := newFakeStore()
	router := newTestRouter(store, newFakeAnalyzer())

	uploadPDF(t, router, owner, "mine.pdf", []byte("%PDF-1.7 a"))
	uploadPDF(t, router, intruder, "theirs.pdf", []byte("%PDF-1.7 b"))

	recorder := doAs(t, router, owner, httptest.NewRequest(http.MethodGet, "/api/v1/reports/history", nil))
	require.Equal(t, http.StatusOK, recorder.Code)

	var body struct {
		UserID  string           `json:"user_id"`
		History []map[string]any `json:"history"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	assert.Equal(t, owner.ID, body.UserID)
	require.Len(t, body.History, 1)
	assert.Equal(t, "mine.pdf", body.History[0]["filename"])
}

func TestDietPlanGeneratedOnceAndReused(t *testing.T) {
	store := newFakeStore()
	analyzer := newFakeAnalyzer()
	router := newTestRouter(store, analyzer)

	body := uploadPDF(t, router, owner, "labs.pdf", []byte("%PDF-1.7 fake"))
	reportID := body["report_id"].(string)

	recorder := doAs(t, router, owner, httptest.NewRequest(http.MethodGet, "/api/v1/reports/"+reportID+"/diet-plan", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 1, analyzer.dietPlanCalls)

	// Second fetch serves the persisted plan without another model call.
	recorder = doAs(t, router, owner, httptest.NewRequest(http.MethodGet, "/api/v1/reports/"+reportID+"/diet-plan", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 1, analyzer.dietPlanCalls)

	var planBody map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &planBody))
	assert.Equal(t, reportID, planBody["report_id"])
	assert.NotNil(t, planBody["diet_plan"])
}

func TestDietPlanForeignReportIsForbidden(t *testing.T) {
	store := newFakeStore()
	router := newTestRouter(store, newFakeAnalyzer())

	body := uploadPDF(t, router, owner, "labs.pdf", []byte("%PDF-1.7 fake"))
	reportID := body["report_id"].(string)

	recorder := doAs(t, router, intruder, httptest.NewRequest(http.MethodGet, "/api/v1/reports/"+reportID+"/diet-plan", nil))
	assert.Equal(t, http.StatusForbidden, recorder.Code)
}

func TestDownloadReturnsOriginalPDF(t *testing.T) {
	store := newFakeStore()
	router := newTestRouter(store, newFakeAnalyzer())

	content := []byte("%PDF-1.7 original bytes")
	body := uploadPDF(t, router, owner, "labs.pdf", content)
	reportID := body["report_id"].(string)

	recorder := doAs(t, router, owner, httptest.NewRequest(http.MethodGet, "/api/v1/reports/"+reportID+"/download", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "application/pdf", recorder.Header().Get("Content-Type"))
	assert.Equal(t, content, recorder.Body.Bytes())
}

func TestAudioSpeaksSummary(t *testing.T) {
	store := newFakeStore()
	analyzer := newFakeAnalyzer()
	router := newTestRouter(store, analyzer)

	body := uploadPDF(t, router, owner, "labs.pdf", []byte("%PDF-1.7 fake"))
	reportID := body["report_id"].(string)

	recorder := doAs(t, router, owner, httptest.NewRequest(http.MethodGet, "/api/v1/reports/"+reportID+"/audio", nil))
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, analyzer.audio, recorder.Body.Bytes())
	assert.Equal(t, "All markers nominal.", analyzer.spokenText)
}
