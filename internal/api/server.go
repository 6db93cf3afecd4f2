package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"IntentArc/internal/agent"
	"IntentArc/internal/txrecord"
	"IntentArc/internal/web3"
	"IntentArc/pkg/logger"
)

// Metrics 是 API 需要的指标能力，metrics.Registry 实现了该接口。
type Metrics interface {
	ObserveHTTPRequest(handler, method string, status int, duration time.Duration)
	Handler() http.Handler
}

// ChainProbe 汇报各条链的连通情况，provider.Registry 实现了该接口。
type ChainProbe interface {
	Snapshots(ctx context.Context) []web3.ChainSnapshot
}

// Server 负责暴露 REST 接口，驱动聊天会话与交易查询。
type Server struct {
	addr            string
	agent           *agent.Manager
	records         txrecord.Store
	metrics         Metrics
	chains          ChainProbe
	allowedOrigins  []string
	readTimeout     time.Duration
	shutdownTimeout time.Duration
	requestTimeout  time.Duration
	logger          *slog.Logger
}

// Option 定义可选的 Server 配置。
type Option func(*Server)

// WithRecordStore 提供交易记录查询。
func WithRecordStore(store txrecord.Store) Option {
	return func(s *Server) { s.records = store }
}

// WithMetrics 挂载 /metrics 并记录请求指标。
func WithMetrics(m Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithChainProbe 让 /healthz 附带链节点状态。
func WithChainProbe(p ChainProbe) Option {
	return func(s *Server) { s.chains = p }
}

// WithAllowedOrigins 开启跨域访问，为空时不启用 CORS。
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) { s.allowedOrigins = append(s.allowedOrigins, origins...) }
}

// WithTimeouts 设置读超时与优雅关闭超时，非正数保持默认值。
func WithTimeouts(read, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, mgr *agent.Manager, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		agent:           mgr,
		readTimeout:     15 * time.Second,
		shutdownTimeout: 5 * time.Second,
		requestTimeout:  60 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由，测试直接使用它驱动 httptest。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)
	if len(s.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.allowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.requestTimeout))
		r.Post("/sessions", s.handleOpenSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleCloseSession)
			r.Post("/messages", s.handleMessage)
			r.Post("/confirm", s.handleConfirm)
			r.Post("/cancel", s.handleCancel)
		})
		r.Get("/transactions", s.handleListTransactions)
		r.Get("/transactions/{id}", s.handleGetTransaction)
		r.Post("/intents:parse", s.handleParse)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// observe 记录每个请求的路由模板、状态码与耗时。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if s.metrics != nil {
			s.metrics.ObserveHTTPRequest(route, r.Method, status, time.Since(start))
		}
		s.logger.Debug("HTTP 请求",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("method", r.Method),
			slog.String("route", route),
			slog.Int("status", status),
			slog.Duration("elapsed", time.Since(start)))
	})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "service is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// handleHealth 在任一链节点不可达时返回 503，便于编排系统摘除实例。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.chains == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	snaps := s.chains.Snapshots(ctx)
	status, code := "ok", http.StatusOK
	for _, snap := range snaps {
		if snap.ChainID == "" {
			status, code = "degraded", http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, code, map[string]any{"status": status, "chains": snaps})
}
