package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"knowledgehub/internal/app/bootstrap"
	"knowledgehub/internal/domain/knowledge"
	"knowledgehub/internal/platform/config"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestHandler(t *testing.T, maxUploadMB int) (http.Handler, *bootstrap.App) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Database.Driver = "sqlite"
	cfg.Database.URL = ":memory:"
	cfg.Redis.URL = "redis://" + mr.Addr()

	a, err := bootstrap.Build(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	sc := DefaultServerConfig()
	sc.MaxUploadMB = maxUploadMB
	srv := NewServer(sc, a.Knowledge)
	srv.SetDeadLetters(a.DeadLetters)
	srv.SetChat(a.Chat)
	return srv.Handler(), a
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return rr, env
}

func TestHealth(t *testing.T) {
	h, _ := newTestHandler(t, 0)
	rr, env := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, http.StatusOK, env.Code)
}

func TestKnowledgeCRUD(t *testing.T) {
	h, _ := newTestHandler(t, 0)

	rr, env := do(t, h, http.MethodPost, "/api/knowledge", `{"title":"Go modules","content":"go mod tidy","category":"go"}`)
	require.Equal(t, http.StatusCreated, rr.Code, env.Message)
	var created knowledge.Document
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotZero(t, created.ID)
	path := "/api/knowledge/" + knowledge.FormatID(created.ID)

	rr, env = do(t, h, http.MethodGet, path, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var got knowledge.Document
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "Go modules", got.Title)

	rr, _ = do(t, h, http.MethodPut, path, `{"title":"Go modules","content":"go mod vendor","category":"go"}`)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, env = do(t, h, http.MethodGet, "/api/knowledge?category=go&page=0&size=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var page knowledge.Page
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.EqualValues(t, 1, page.Total)
	assert.Equal(t, "go mod vendor", page.Items[0].Content)

	rr, _ = do(t, h, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr, _ = do(t, h, http.MethodGet, path, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	rr, _ = do(t, h, http.MethodDelete, path, "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestKnowledgeErrors(t *testing.T) {
	h, _ := newTestHandler(t, 0)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"missing content", http.MethodPost, "/api/knowledge", `{"title":"x"}`, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/api/knowledge", `{`, http.StatusBadRequest},
		{"bad id", http.MethodGet, "/api/knowledge/abc", "", http.StatusBadRequest},
		{"empty query", http.MethodPost, "/api/knowledge/search", `{"query":"  "}`, http.StatusBadRequest},
		{"vector disabled", http.MethodGet, "/api/knowledge/similar?q=raft", "", http.StatusServiceUnavailable},
		{"empty batch", http.MethodPost, "/api/knowledge/batch", `{"documents":[]}`, http.StatusBadRequest},
		{"empty chat message", http.MethodPost, "/api/chat/prepare", `{"message":" "}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, env := do(t, h, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, tt.status, env.Code)
		})
	}
}

func TestKnowledgeSearchAndHot(t *testing.T) {
	h, a := newTestHandler(t, 0)
	_, err := a.Knowledge.AddDocument(context.Background(), knowledge.Document{Title: "Istio mesh", Content: "mutual tls between sidecars"})
	require.NoError(t, err)

	rr, env := do(t, h, http.MethodPost, "/api/knowledge/search", `{"query":"istio"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	var res struct {
		Documents []knowledge.Document   `json:"documents"`
		Context   string                 `json:"context"`
		Report    knowledge.SearchReport `json:"report"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	require.Len(t, res.Documents, 1)
	assert.Contains(t, res.Context, "Istio mesh")
	assert.Equal(t, 1, res.Report.FromIndex)

	rr, env = do(t, h, http.MethodGet, "/api/knowledge/hot?limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var hot []knowledge.HotEntry
	require.NoError(t, json.Unmarshal(env.Data, &hot))
	require.Len(t, hot, 1)
}

func TestBatchImportAccepted(t *testing.T) {
	h, _ := newTestHandler(t, 0)
	rr, env := do(t, h, http.MethodPost, "/api/knowledge/batch",
		`{"documents":[{"title":"a","content":"1"},{"title":"b","content":"2"}]}`)
	require.Equal(t, http.StatusAccepted, rr.Code, env.Message)
	var receipt knowledge.ImportReceipt
	require.NoError(t, json.Unmarshal(env.Data, &receipt))
	assert.Equal(t, 2, receipt.Total)
	assert.Equal(t, 1, receipt.Batches)

	rr, _ = do(t, h, http.MethodGet, "/api/knowledge/import/dead-letters", "")
	assert.Equal(t, http.StatusOK, rr.Code)
}

func upload(t *testing.T, h http.Handler, filename string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("category", "docs"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/knowledge/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestUpload(t *testing.T) {
	h, _ := newTestHandler(t, 1)

	rr := upload(t, h, "guide.md", []byte("# Deploy Guide\n\nrun make deploy"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var env envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	var doc knowledge.Document
	require.NoError(t, json.Unmarshal(env.Data, &doc))
	assert.Equal(t, "Deploy Guide", doc.Title)
	assert.Equal(t, "docs", doc.Category)

	rr = upload(t, h, "image.png", []byte("png"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = upload(t, h, "huge.txt", bytes.Repeat([]byte("a"), 3<<20))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
}

func TestChatPrepareAndComplete(t *testing.T) {
	h, _ := newTestHandler(t, 0)

	rr, env := do(t, h, http.MethodPost, "/api/chat/prepare", `{"session_id":"s1","user_id":"u1","message":"how do I rotate keys?"}`)
	require.Equal(t, http.StatusOK, rr.Code, env.Message)
	var turn struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &turn))
	require.NotEmpty(t, turn.ID)

	body := `{"turn_id":"` + turn.ID + `","session_id":"s1","user_id":"u1","answer":"<think>hmm</think>Use the <b>rotate</b> command."}`
	rr, env = do(t, h, http.MethodPost, "/api/chat/complete", body)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"saved":true}`, string(env.Data))

	rr, env = do(t, h, http.MethodPost, "/api/chat/complete", body)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"saved":false}`, string(env.Data))

	rr, env = do(t, h, http.MethodGet, "/api/chat/sessions/s1/messages", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var msgs []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &msgs))
	require.Len(t, msgs, 2)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Use the rotate command.", msgs[1].Content)
}
