package research

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/blueprint-labs/blueprint-api/internal/logger"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	NewHandler(svc, logger.New(logger.Config{Format: "text"})).RegisterRoutes(router)
	return router
}

func TestStartRejectsInvalidPrompt(t *testing.T) {
	svc := newTestService(&fakeGen{}, newFakeStore())
	router := newTestRouter(svc)

	cases := []struct {
		name string
		body string
	}{
		{"missing prompt", `{}`},
		{"empty prompt", `{"prompt":""}`},
		{"oversized prompt", `{"prompt":"` + strings.Repeat("a", 501) + `"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestStartStreamsQuickReply(t *testing.T) {
	gen := &fakeGen{classify: ClassifyResult{Intent: IntentSmallTalk, QuickReply: "Hi there!"}}
	svc := newTestService(gen, newFakeStore())
	router := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"prompt":"how are you"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, `data: {"type":"quick_reply"`)
	assert.Contains(t, body, "Hi there!")
}

func TestAdvanceUnknownSessionReturns404(t *testing.T) {
	svc := newTestService(&fakeGen{}, newFakeStore())
	router := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/research/nope/selection",
		strings.NewReader(`{"stage_kind":"clarify","selection":{"answers":[]}}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdvanceRejectsUnknownStageKind(t *testing.T) {
	svc := newTestService(&fakeGen{}, newFakeStore())
	router := newTestRouter(svc)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/research/x/selection",
		strings.NewReader(`{"stage_kind":"deep_profile","selection":{}}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdvanceBusySessionReturns409(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(&fakeGen{classify: buildClassify(), candidates: threeCandidates()}, fs)
	router := newTestRouter(svc)

	sessionID := runToCandidatesReady(t, svc, fs)

	key := DedupKey(sessionID, "")
	require.True(t, svc.Guard().Acquire(key))
	defer svc.Guard().Release(key)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/research/"+sessionID+"/selection",
		strings.NewReader(`{"stage_kind":"select_candidates","selection":{"candidate_ids":["notion"]}}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStartBusyPromptReturns409(t *testing.T) {
	svc := newTestService(&fakeGen{}, newFakeStore())
	router := newTestRouter(svc)

	key := DedupKey("", "duplicate prompt")
	require.True(t, svc.Guard().Acquire(key))
	defer svc.Guard().Release(key)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/research", strings.NewReader(`{"prompt":"duplicate prompt"}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListAndGetSessions(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(&fakeGen{classify: buildClassify(), candidates: threeCandidates()}, fs)
	router := newTestRouter(svc)

	sessionID := runToCandidatesReady(t, svc, fs)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/research", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), sessionID)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/research/"+sessionID, nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"steps"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/research/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
