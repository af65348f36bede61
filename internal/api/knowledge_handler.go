package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"knowledgehub/internal/domain/ingest"
	"knowledgehub/internal/domain/knowledge"
	applog "knowledgehub/internal/platform/log"
)

// KnowledgeHandler 知识检索与知识库管理 API
type KnowledgeHandler struct {
	svc         *knowledge.Service
	deadLetters *ingest.DeadLetterHandler
	maxFileMB   int
}

// NewKnowledgeHandler 创建处理器；deadLetters 可为 nil
func NewKnowledgeHandler(svc *knowledge.Service, deadLetters *ingest.DeadLetterHandler, maxFileMB int) *KnowledgeHandler {
	if maxFileMB <= 0 {
		maxFileMB = 20
	}
	return &KnowledgeHandler{svc: svc, deadLetters: deadLetters, maxFileMB: maxFileMB}
}

// RegisterRoutes 注册路由
func (h *KnowledgeHandler) RegisterRoutes(r chi.Router) {
	r.Route("/knowledge", func(r chi.Router) {
		r.Post("/search", h.Search)
		r.Get("/similar", h.SearchSimilar)
		r.Get("/hot", h.Hot)

		r.Post("/batch", h.BatchImport)
		r.Post("/upload", h.Upload)
		r.Get("/import/dead-letters", h.ListDeadLetters)

		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Get("/{id}", h.Get)
		r.Put("/{id}", h.Update)
		r.Delete("/{id}", h.Delete)
	})
}

type searchRequest struct {
	Query string `json:"query"`
}

type searchResponse struct {
	Documents []knowledge.Document    `json:"documents"`
	Context   string                  `json:"context"`
	Report    *knowledge.SearchReport `json:"report"`
}

// --- 检索 ---

func (h *KnowledgeHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if knowledge.CleanQuery(req.Query, 0) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	docs, report, err := h.svc.Search(r.Context(), req.Query)
	if err != nil {
		writeDomainError(w, "search", err)
		return
	}
	if docs == nil {
		docs = []knowledge.Document{}
	}
	writeJSON(w, http.StatusOK, &searchResponse{
		Documents: docs,
		Context:   knowledge.FormatContext(docs),
		Report:    report,
	})
}

func (h *KnowledgeHandler) SearchSimilar(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if knowledge.CleanQuery(q, 0) == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	topK := queryInt(r, "top_k", 0)

	docs, err := h.svc.SearchSimilar(r.Context(), q, topK)
	if err != nil {
		writeDomainError(w, "similarity search", err)
		return
	}
	if docs == nil {
		docs = []knowledge.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *KnowledgeHandler) Hot(w http.ResponseWriter, r *http.Request) {
	entries, err := h.svc.Hot(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		writeDomainError(w, "hot ranking", err)
		return
	}
	if entries == nil {
		entries = []knowledge.HotEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- CRUD ---

// List 支持 keyword 与 category 过滤；page 从 0 开始
func (h *KnowledgeHandler) List(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 0)
	size := queryInt(r, "size", 0)
	q := r.URL.Query()

	var (
		result *knowledge.Page
		err    error
	)
	switch {
	case q.Get("keyword") != "":
		result, err = h.svc.SearchByKeyword(r.Context(), q.Get("keyword"), page, size)
	case q.Get("category") != "":
		result, err = h.svc.ListByCategory(r.Context(), q.Get("category"), page, size)
	default:
		result, err = h.svc.ListDocuments(r.Context(), page, size)
	}
	if err != nil {
		writeDomainError(w, "list documents", err)
		return
	}
	if result.Items == nil {
		result.Items = []knowledge.Document{}
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *KnowledgeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	doc, err := h.svc.GetDocument(r.Context(), id)
	if err != nil {
		writeDomainError(w, "get document", err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *KnowledgeHandler) Create(w http.ResponseWriter, r *http.Request) {
	var doc knowledge.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := h.svc.AddDocument(r.Context(), doc)
	if err != nil {
		writeDomainError(w, "create document", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *KnowledgeHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var doc knowledge.Document
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := h.svc.UpdateDocument(r.Context(), id, doc)
	if err != nil {
		writeDomainError(w, "update document", err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *KnowledgeHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.svc.DeleteDocument(r.Context(), id); err != nil {
		writeDomainError(w, "delete document", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- 导入 ---

type batchRequest struct {
	Documents []knowledge.Document `json:"documents"`
}

func (h *KnowledgeHandler) BatchImport(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	receipt, err := h.svc.BatchImport(r.Context(), req.Documents)
	if err != nil {
		writeDomainError(w, "batch import", err)
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

func (h *KnowledgeHandler) Upload(w http.ResponseWriter, r *http.Request) {
	limitBytes := int64(h.maxFileMB) << 20
	// multipart 头部与其他字段额外预留 1MB
	bodyLimit := limitBytes + 1<<20
	if r.ContentLength > bodyLimit {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds limit (%dMB)", h.maxFileMB))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, bodyLimit)

	if err := r.ParseMultipartForm(limitBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds limit (%dMB)", h.maxFileMB))
			return
		}
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if header.Size > limitBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds limit (%dMB)", h.maxFileMB))
		return
	}

	doc, err := h.svc.ImportFile(r.Context(), header.Filename, file, r.FormValue("category"))
	if err != nil {
		applog.Warn("[API] file import failed", "filename", header.Filename, "error", err)
		writeDomainError(w, "import file", err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (h *KnowledgeHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		writeError(w, http.StatusServiceUnavailable, knowledge.ErrImportDisabled.Error())
		return
	}
	records, err := h.deadLetters.List(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		writeDomainError(w, "list dead letters", err)
		return
	}
	if records == nil {
		records = []ingest.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, records)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := knowledge.ParseID(chi.URLParam(r, "id"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return 0, false
	}
	return id, true
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
