package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabcore/backend/internal/cache"
	"collabcore/backend/internal/collab"
	"collabcore/backend/internal/httpapi/handlers"
	"collabcore/backend/internal/httpapi/middleware"
	"collabcore/backend/internal/store"
)

var testSecret = []byte("test-secret")

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Details map[string]any  `json:"details"`
}

type apiClient struct {
	t      *testing.T
	router http.Handler
	token  string
}

func newRouter(t *testing.T) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	locks := collab.NewLockManager(nil)
	engine := collab.NewEngine(store.NewMemoryStore(), locks, nil, nil, collab.Options{})
	presence := cache.NewRegistry(cache.NewMemoryPresence(), nil, time.Minute)
	h := handlers.New(engine, locks, presence, collab.NewSemaphoreControl(4))
	return NewRouter(RouterDeps{Handler: h, JWTSecret: testSecret})
}

func as(t *testing.T, router http.Handler, userID, role string) *apiClient {
	t.Helper()
	token, err := middleware.SignAccessToken(testSecret, userID, "name-"+userID, role, time.Hour)
	require.NoError(t, err)
	return &apiClient{t: t, router: router, token: token}
}

func (c *apiClient) do(method, path string, body any) (int, envelope) {
	c.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(c.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	w := httptest.NewRecorder()
	c.router.ServeHTTP(w, req)
	var env envelope
	require.NoError(c.t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func TestRouter_AuthRequired(t *testing.T) {
	router := newRouter(t)
	anon := &apiClient{t: t, router: router}

	code, env := anon.do(http.MethodGet, "/collab/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, env.Success)

	code, env = anon.do(http.MethodGet, "/collab/presence", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "UNAUTHENTICATED", env.Error)

	bad := &apiClient{t: t, router: router, token: "not-a-token"}
	code, _ = bad.do(http.MethodGet, "/collab/presence", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	expired, err := middleware.SignAccessToken(testSecret, "A", "Alice", "", -time.Minute)
	require.NoError(t, err)
	code, env = (&apiClient{t: t, router: router, token: expired}).do(http.MethodGet, "/collab/presence", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "token expired", env.Details["message"])
}

func TestRouter_DocumentLifecycle(t *testing.T) {
	router := newRouter(t)
	a := as(t, router, "A", "")
	b := as(t, router, "B", "")

	code, env := a.do(http.MethodGet, "/collab/document?documentId=doc1", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "DOCUMENT_NOT_FOUND", env.Error)

	code, env = a.do(http.MethodPost, "/collab/document", gin.H{
		"documentId": "doc1", "operationId": "op1", "type": "insert", "position": 0, "text": "Hello",
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	var applied collab.AppliedOp
	require.NoError(t, json.Unmarshal(env.Data, &applied))
	assert.Equal(t, uint64(1), applied.Version)

	code, _ = b.do(http.MethodPost, "/collab/document", gin.H{
		"documentId": "doc1", "operationId": "op2", "type": "insert", "position": 0, "text": "Hi ", "version": 0,
	})
	require.Equal(t, http.StatusOK, code)

	code, env = b.do(http.MethodGet, "/collab/document?documentId=doc1", nil)
	require.Equal(t, http.StatusOK, code)
	var doc struct {
		Content string `json:"content"`
		Version uint64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &doc))
	assert.Equal(t, "HelloHi ", doc.Content)
	assert.Equal(t, uint64(2), doc.Version)

	code, env = a.do(http.MethodPost, "/collab/document", gin.H{
		"documentId": "doc1", "operationId": "op3", "type": "insert", "position": 0, "text": "x", "version": 7,
	})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "VERSION_CONFLICT", env.Error)
	assert.EqualValues(t, 2, env.Details["currentVersion"])

	code, env = a.do(http.MethodPost, "/collab/document", gin.H{
		"documentId": "doc1", "operationId": "op4", "type": "delete", "position": 5, "length": 10, "version": 2,
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_OPERATION", env.Error)

	code, env = a.do(http.MethodPost, "/collab/document", gin.H{"documentId": "doc1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error)

	code, env = a.do(http.MethodGet, "/collab/document/history?documentId=doc1&fromVersion=1", nil)
	require.Equal(t, http.StatusOK, code)
	var hist struct {
		Operations []store.OperationRecord `json:"operations"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &hist))
	require.Len(t, hist.Operations, 1)
	assert.Equal(t, "B", hist.Operations[0].UserID)
}

func TestRouter_Lock(t *testing.T) {
	router := newRouter(t)
	a := as(t, router, "A", "")
	b := as(t, router, "B", "")
	admin := as(t, router, "root", middleware.RoleAdmin)

	code, _ := a.do(http.MethodPost, "/collab/lock", gin.H{"documentId": "doc1", "action": "lock"})
	require.Equal(t, http.StatusOK, code)

	code, env := b.do(http.MethodPost, "/collab/lock", gin.H{"documentId": "doc1", "action": "lock"})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "LOCK_CONFLICT", env.Error)
	assert.Equal(t, "A", env.Details["lockedBy"])

	code, _ = b.do(http.MethodPost, "/collab/document", gin.H{
		"documentId": "doc1", "operationId": "op1", "type": "insert", "position": 0, "text": "x",
	})
	assert.Equal(t, http.StatusConflict, code)

	code, _ = b.do(http.MethodPost, "/collab/lock", gin.H{"documentId": "doc1", "action": "unlock"})
	assert.Equal(t, http.StatusConflict, code)

	code, env = b.do(http.MethodPost, "/collab/lock", gin.H{"documentId": "doc1", "action": "unlock", "force": true})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "FORBIDDEN", env.Error)

	code, env = admin.do(http.MethodPost, "/collab/lock", gin.H{"documentId": "doc1", "action": "unlock", "force": true})
	require.Equal(t, http.StatusOK, code)
	var st struct {
		Locked bool `json:"locked"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.False(t, st.Locked)

	code, _ = b.do(http.MethodPost, "/collab/lock", gin.H{"documentId": "doc1", "action": "lock"})
	assert.Equal(t, http.StatusOK, code)

	code, env = b.do(http.MethodPost, "/collab/lock", gin.H{"documentId": "doc1", "action": "toggle"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "VALIDATION_ERROR", env.Error)
}

func TestRouter_PresenceAndCursors(t *testing.T) {
	router := newRouter(t)
	a := as(t, router, "A", "")
	b := as(t, router, "B", "")

	code, _ := a.do(http.MethodPost, "/collab/presence", gin.H{"status": "away", "currentDocument": "doc1"})
	require.Equal(t, http.StatusOK, code)
	code, _ = b.do(http.MethodPost, "/collab/presence", nil)
	require.Equal(t, http.StatusOK, code)
	code, env := a.do(http.MethodPost, "/collab/presence", gin.H{"status": "sleeping"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = a.do(http.MethodGet, "/collab/presence", nil)
	require.Equal(t, http.StatusOK, code)
	var online []cache.UserPresence
	require.NoError(t, json.Unmarshal(env.Data, &online))
	require.Len(t, online, 2)
	assert.Equal(t, cache.StatusAway, online[0].Status)
	assert.Equal(t, cache.StatusOnline, online[1].Status)

	code, _ = b.do(http.MethodDelete, "/collab/presence", nil)
	require.Equal(t, http.StatusOK, code)
	_, env = a.do(http.MethodGet, "/collab/presence", nil)
	require.NoError(t, json.Unmarshal(env.Data, &online))
	assert.Len(t, online, 1)

	code, _ = a.do(http.MethodPost, "/collab/cursor", gin.H{"documentId": "doc1", "position": 3,
		"selection": gin.H{"start": 3, "end": 7}})
	require.Equal(t, http.StatusOK, code)
	code, _ = a.do(http.MethodPost, "/collab/cursor", gin.H{"documentId": "doc1", "position": -1})
	assert.Equal(t, http.StatusBadRequest, code)

	_, env = b.do(http.MethodGet, "/collab/cursor?documentId=doc1", nil)
	var cursors []cache.CursorPosition
	require.NoError(t, json.Unmarshal(env.Data, &cursors))
	require.Len(t, cursors, 1)
	assert.Equal(t, 3, cursors[0].Position)
	require.NotNil(t, cursors[0].Selection)
	assert.Equal(t, 7, cursors[0].Selection.End)

	code, _ = a.do(http.MethodDelete, "/collab/cursor?documentId=doc1", nil)
	require.Equal(t, http.StatusOK, code)
	_, env = b.do(http.MethodGet, "/collab/cursor?documentId=doc1", nil)
	require.NoError(t, json.Unmarshal(env.Data, &cursors))
	assert.Empty(t, cursors)
}
