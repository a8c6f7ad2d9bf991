// Package sandbox はプロキシ販売APIのインメモリ実装を提供する。
// 結合テストと `proxyman sandbox` から利用する。
package sandbox

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/proxyman/internal/metrics"
	"github.com/hitoshi/proxyman/internal/middleware"
	"github.com/hitoshi/proxyman/internal/model"
)

// defaultAccessTTL はアクセストークンの有効期間の既定値。
const defaultAccessTTL = 5 * time.Minute

// Options はServerの設定。
type Options struct {
	Secret    []byte
	AccessTTL time.Duration
	RateLimit middleware.RateLimiterConfig
	Logger    *slog.Logger
	Registry  *prometheus.Registry // nilの場合は/metricsを公開しない
	Now       func() time.Time
}

// Server はサンドボックスAPIサーバー。
type Server struct {
	Backend *Backend

	issuer  *TokenIssuer
	limiter *middleware.RateLimiter
	logger  *slog.Logger
	handler http.Handler
}

// New はServerを生成する。
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = defaultAccessTTL
	}
	if opts.RateLimit.Rate == 0 {
		opts.RateLimit = middleware.DefaultRateLimiterConfig()
	}

	s := &Server{
		Backend: NewBackend(opts.Now),
		issuer:  NewTokenIssuer(opts.Secret, opts.AccessTTL, opts.Now),
		limiter: middleware.NewRateLimiter(opts.RateLimit),
		logger:  opts.Logger,
	}
	s.handler = s.routes(opts.Registry)
	return s
}

// Handler はHTTPハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Issuer はアクセストークンの発行元を返す。
func (s *Server) Issuer() *TokenIssuer {
	return s.issuer
}

// Close はバックグラウンド処理を停止する。
func (s *Server) Close() {
	s.limiter.Stop()
}

// routes はルーティングとミドルウェアチェーンを構成する。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → Bearer → RateLimit → RequireRole(admin)
//
// 認証ルート（/auth/login, /auth/refresh-token）とカタログはBearerの外に配置する。
func (s *Server) routes(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(s.logger))
	r.Use(middleware.NewLoggingMiddleware(s.logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	authHandler := &AuthHandler{backend: s.Backend, issuer: s.issuer, logger: s.logger}
	proxyHandler := &ProxyHandler{backend: s.Backend}
	commerceHandler := &CommerceHandler{backend: s.Backend}
	adminHandler := &AdminHandler{backend: s.Backend}

	if reg != nil {
		r.Handle("/metrics", metrics.Handler(reg))
	}
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteData(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// --- 認証不要のルート ---
	r.Group(func(r chi.Router) {
		r.Use(s.limiter.Middleware())
		r.Post("/auth/login", authHandler.Login)
		r.Post("/auth/refresh-token", authHandler.Refresh)
		r.Get("/packages", commerceHandler.Packages)
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBearerMiddleware(s.issuer))
		r.Use(s.limiter.Middleware())

		r.Post("/auth/logout", authHandler.Logout)

		r.Route("/proxies", func(r chi.Router) {
			r.Get("/", proxyHandler.List)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", proxyHandler.Get)
				r.Post("/check", proxyHandler.Check)
				r.Post("/rotate", proxyHandler.Rotate)
				r.Post("/replace", proxyHandler.Replace)
			})
		})

		r.Post("/orders", commerceHandler.PlaceOrder)
		r.Get("/orders", commerceHandler.Orders)

		r.Route("/wallet", func(r chi.Router) {
			r.Get("/", commerceHandler.Wallet)
			r.Get("/transactions", commerceHandler.Transactions)
			r.Post("/deposit", commerceHandler.Deposit)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleAdmin))

			r.Get("/proxies", adminHandler.ListProxies)
			r.Post("/proxies", adminHandler.CreateProxy)
			r.Put("/proxies/{id}", adminHandler.UpdateProxy)
			r.Delete("/proxies/{id}", adminHandler.DeleteProxy)

			r.Get("/proxy-pools", adminHandler.ListPools)
			r.Post("/proxy-pools", adminHandler.CreatePool)
			r.Put("/proxy-pools/{id}", adminHandler.UpdatePool)
			r.Delete("/proxy-pools/{id}", adminHandler.DeletePool)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteError(w, http.StatusNotFound, model.ErrCodeNotFound, "エンドポイントが見つかりません。")
	})
	return r
}
