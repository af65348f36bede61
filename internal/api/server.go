package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"knowledgehub/internal/domain/chat"
	"knowledgehub/internal/domain/ingest"
	"knowledgehub/internal/domain/knowledge"
	applog "knowledgehub/internal/platform/log"
)

// ServerConfig 服务配置
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxUploadMB  int
}

// DefaultServerConfig 默认配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		MaxUploadMB:  20,
	}
}

// Server HTTP 服务器
type Server struct {
	config      *ServerConfig
	knowledge   *knowledge.Service
	deadLetters *ingest.DeadLetterHandler
	chat        *chat.Service
	httpSrv     *http.Server
}

// NewServer 创建服务器
func NewServer(config *ServerConfig, svc *knowledge.Service) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{
		config:    config,
		knowledge: svc,
	}
}

// SetDeadLetters 启用死信查询接口
func (s *Server) SetDeadLetters(h *ingest.DeadLetterHandler) {
	s.deadLetters = h
}

// SetChat 启用对话接口
func (s *Server) SetChat(c *chat.Service) {
	s.chat = c
}

// Start 启动服务器
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	applog.Infof("🚀 Knowledge API server starting on %s", s.config.Addr)
	return s.httpSrv.ListenAndServe()
}

// Stop 优雅停机
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Handler 返回 HTTP Handler（用于测试）
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		NewKnowledgeHandler(s.knowledge, s.deadLetters, s.config.MaxUploadMB).RegisterRoutes(r)
		if s.chat != nil {
			NewChatHandler(s.chat).RegisterRoutes(r)
			applog.Info("💬 Chat API enabled")
		}
	})
	return r
}

// corsMiddleware CORS 中间件
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
