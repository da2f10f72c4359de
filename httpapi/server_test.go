package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wezzauk/ReelContent-sub000/admission"
	"github.com/wezzauk/ReelContent-sub000/generate"
	"github.com/wezzauk/ReelContent-sub000/kvatomic"
	"github.com/wezzauk/ReelContent-sub000/limits"
	"github.com/wezzauk/ReelContent-sub000/obs"
	"github.com/wezzauk/ReelContent-sub000/queue"
	"github.com/wezzauk/ReelContent-sub000/store"
	"github.com/wezzauk/ReelContent-sub000/worker"
)

const testSecret = "test-secret-for-httpapi-0123456789abcdef"

type captureDispatcher struct {
	envelopes []queue.JobEnvelope
}

func (d *captureDispatcher) Dispatch(_ context.Context, env queue.JobEnvelope) error {
	d.envelopes = append(d.envelopes, env)
	return nil
}

type stubGenerator struct {
	err error
}

func (g *stubGenerator) Generate(_ context.Context, req generate.Request) (*generate.Result, error) {
	if g.err != nil {
		return nil, g.err
	}
	res := &generate.Result{Model: "stub-model", Usage: generate.TokenUsage{InputTokens: 100, OutputTokens: 200}}
	for i := 0; i < req.VariantCount; i++ {
		res.Variants = append(res.Variants, generate.VariantContent{
			Text:     fmt.Sprintf("variant %d", i+1),
			Hashtags: []string{"#reel"},
		})
	}
	return res, nil
}

type apiRig struct {
	handler    http.Handler
	store      *store.Store
	dispatcher *captureDispatcher
	signer     *queue.Signer
}

func newAPIRig(t *testing.T, devMode bool) *apiRig {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	kv := kvatomic.NewMemoryOps()
	enforcer := limits.NewEnforcer(kv)
	metrics := obs.NewMetrics(prometheus.NewRegistry())
	dispatcher := &captureDispatcher{}

	signer, err := queue.NewSigner("api-test-signing-key", "")
	require.NoError(t, err)

	srv := NewServer(ServerConfig{
		Admission:  admission.NewService(st, enforcer, dispatcher, metrics),
		Worker:     worker.New(st, enforcer, &stubGenerator{}, metrics),
		Store:      st,
		KV:         kv,
		Signer:     signer,
		AuthSecret: testSecret,
		DevMode:    devMode,
		Origins:    []string{"https://app.example.com"},
		Registry:   nil,
		Logger:     obs.NewLogger("test", slog.LevelError),
	})
	return &apiRig{handler: srv.Handler(), store: st, dispatcher: dispatcher, signer: signer}
}

func (rig *apiRig) seedUser(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, rig.store.Users.Create(context.Background(), store.User{
		ID:        id,
		Email:     id + "@example.com",
		CreatedAt: time.Now().UTC(),
	}))
}

func (rig *apiRig) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+SignToken(testSecret, userID))
	}
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestAuthRequired(t *testing.T) {
	rig := newAPIRig(t, true)

	rec := rig.do(t, http.MethodPost, "/v1/create", "", map[string]any{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "UNAUTHORIZED", errObj["code"])
	assert.Equal(t, false, body["success"])

	req := httptest.NewRequest(http.MethodPost, "/v1/create", bytes.NewBufferString("{}"))
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec2 := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
}

func TestCreateAcceptedAndPollable(t *testing.T) {
	rig := newAPIRig(t, true)
	rig.seedUser(t, "user-1")

	req := httptest.NewRequest(http.MethodPost, "/v1/create", bytes.NewBufferString(
		`{"prompt":"a short video about morning routines for busy founders","platform":"tiktok","variantCount":1}`))
	req.Header.Set("Authorization", "Bearer "+SignToken(testSecret, "user-1"))
	req.Header.Set("X-Request-ID", "req-abc-123")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "req-abc-123", rec.Header().Get("X-Request-ID"))

	body := decodeBody(t, rec)
	genID := body["generationId"].(string)
	require.NotEmpty(t, genID)
	assert.Equal(t, "pending", body["status"])
	require.Len(t, rig.dispatcher.envelopes, 1)

	poll := rig.do(t, http.MethodGet, "/v1/generations/"+genID, "user-1", nil)
	require.Equal(t, http.StatusOK, poll.Code)
	pollBody := decodeBody(t, poll)
	assert.Equal(t, "pending", pollBody["status"])
	assert.EqualValues(t, suggestedIntervalMs, pollBody["suggestedIntervalMs"])
	assert.EqualValues(t, estimatedWaitMs, pollBody["estimatedWaitMs"])
}

func TestCreateDuplicateReturns200(t *testing.T) {
	rig := newAPIRig(t, true)
	rig.seedUser(t, "user-1")

	in := map[string]any{
		"prompt":         "a short video about morning routines",
		"platform":       "tiktok",
		"variantCount":   1,
		"idempotencyKey": "client-key-0000000001",
	}
	first := rig.do(t, http.MethodPost, "/v1/create", "user-1", in)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := rig.do(t, http.MethodPost, "/v1/create", "user-1", in)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, decodeBody(t, first)["generationId"], decodeBody(t, second)["generationId"])
	assert.Len(t, rig.dispatcher.envelopes, 1)
}

func TestCreateValidationErrorShape(t *testing.T) {
	rig := newAPIRig(t, true)
	rig.seedUser(t, "user-1")

	rec := rig.do(t, http.MethodPost, "/v1/create", "user-1", map[string]any{
		"prompt":   "short",
		"platform": "myspace",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	errObj := decodeBody(t, rec)["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errObj["code"])
	details := errObj["details"].(map[string]any)
	assert.Contains(t, details, "prompt")
	assert.Contains(t, details, "platform")
}

func TestGenerationOwnershipScoped(t *testing.T) {
	rig := newAPIRig(t, true)
	rig.seedUser(t, "user-1")
	rig.seedUser(t, "user-2")

	rec := rig.do(t, http.MethodPost, "/v1/create", "user-1", map[string]any{
		"prompt":       "a short video about morning routines",
		"platform":     "tiktok",
		"variantCount": 1,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	genID := decodeBody(t, rec)["generationId"].(string)

	foreign := rig.do(t, http.MethodGet, "/v1/generations/"+genID, "user-2", nil)
	assert.Equal(t, http.StatusNotFound, foreign.Code)
}

func TestWorkerIngressLocalDevCompletesGeneration(t *testing.T) {
	rig := newAPIRig(t, true)
	rig.seedUser(t, "user-1")

	created := rig.do(t, http.MethodPost, "/v1/create", "user-1", map[string]any{
		"prompt":       "a short video about morning routines",
		"platform":     "tiktok",
		"variantCount": 2,
	})
	require.Equal(t, http.StatusAccepted, created.Code)
	require.Len(t, rig.dispatcher.envelopes, 1)

	payload, err := rig.dispatcher.envelopes[0].Marshal()
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/worker/generate", bytes.NewReader(payload))
	req.Header.Set(queue.HeaderLocalDev, "true")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, decodeBody(t, rec)["success"])

	genID := decodeBody(t, created)["generationId"].(string)
	poll := rig.do(t, http.MethodGet, "/v1/generations/"+genID, "user-1", nil)
	pollBody := decodeBody(t, poll)
	assert.Equal(t, "completed", pollBody["status"])
	assert.Len(t, pollBody["variants"], 2)
}

func TestWorkerIngressSignature(t *testing.T) {
	rig := newAPIRig(t, false)
	rig.seedUser(t, "user-1")

	created := rig.do(t, http.MethodPost, "/v1/create", "user-1", map[string]any{
		"prompt":       "a short video about morning routines",
		"platform":     "tiktok",
		"variantCount": 1,
	})
	require.Equal(t, http.StatusAccepted, created.Code)
	payload, err := rig.dispatcher.envelopes[0].Marshal()
	require.NoError(t, err)

	t.Run("unsigned rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/worker/generate", bytes.NewReader(payload))
		rec := httptest.NewRecorder()
		rig.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("local marker ignored outside dev mode", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/worker/generate", bytes.NewReader(payload))
		req.Header.Set(queue.HeaderLocalDev, "true")
		rec := httptest.NewRecorder()
		rig.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("signed accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/worker/generate", bytes.NewReader(payload))
		req.Header.Set(queue.HeaderSignature, rig.signer.Sign(payload, time.Now()))
		rec := httptest.NewRecorder()
		rig.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	})

	t.Run("signed garbage envelope rejected", func(t *testing.T) {
		garbage := []byte(`{"jobId":""}`)
		req := httptest.NewRequest(http.MethodPost, "/api/worker/generate", bytes.NewReader(garbage))
		req.Header.Set(queue.HeaderSignature, rig.signer.Sign(garbage, time.Now()))
		rec := httptest.NewRecorder()
		rig.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDraftPatchArchive(t *testing.T) {
	rig := newAPIRig(t, true)
	rig.seedUser(t, "user-1")

	created := rig.do(t, http.MethodPost, "/v1/create", "user-1", map[string]any{
		"prompt":       "a short video about morning routines",
		"platform":     "tiktok",
		"variantCount": 1,
	})
	require.Equal(t, http.StatusAccepted, created.Code)
	draftID := decodeBody(t, created)["draftId"].(string)

	archived := rig.do(t, http.MethodPatch, "/v1/drafts/"+draftID, "user-1", map[string]any{"isArchived": true})
	require.Equal(t, http.StatusOK, archived.Code)
	assert.Equal(t, true, decodeBody(t, archived)["isArchived"])

	foreign := rig.do(t, http.MethodPatch, "/v1/drafts/"+draftID, "user-2", map[string]any{"isArchived": true})
	assert.Equal(t, http.StatusNotFound, foreign.Code)
}

func TestAssetsCreateAndList(t *testing.T) {
	rig := newAPIRig(t, true)
	rig.seedUser(t, "user-1")

	for i := 0; i < 3; i++ {
		rec := rig.do(t, http.MethodPost, "/v1/library/assets", "user-1", map[string]any{
			"title":    fmt.Sprintf("asset %d", i),
			"content":  "saved variant text",
			"platform": "tiktok",
			"tags":     []string{"fitness"},
		})
		require.Equal(t, http.StatusCreated, rec.Code)
		time.Sleep(2 * time.Millisecond)
	}

	page1 := rig.do(t, http.MethodGet, "/v1/library/assets?limit=2", "user-1", nil)
	require.Equal(t, http.StatusOK, page1.Code)
	body1 := decodeBody(t, page1)
	assert.Len(t, body1["assets"], 2)
	assert.Equal(t, true, body1["hasMore"])

	cursor := body1["nextCursor"].(string)
	page2 := rig.do(t, http.MethodGet, "/v1/library/assets?limit=2&cursor="+cursor, "user-1", nil)
	body2 := decodeBody(t, page2)
	assert.Len(t, body2["assets"], 1)
	assert.Equal(t, false, body2["hasMore"])
}

func TestHealth(t *testing.T) {
	rig := newAPIRig(t, true)

	rec := rig.do(t, http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["healthy"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["database"])
	assert.Equal(t, "ok", checks["kv"])
}

func TestCORSPreflight(t *testing.T) {
	rig := newAPIRig(t, true)

	req := httptest.NewRequest(http.MethodOptions, "/v1/create", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req2 := httptest.NewRequest(http.MethodOptions, "/v1/create", nil)
	req2.Header.Set("Origin", "https://evil.example.com")
	rec2 := httptest.NewRecorder()
	rig.handler.ServeHTTP(rec2, req2)
	assert.Empty(t, rec2.Header().Get("Access-Control-Allow-Origin"))
}
