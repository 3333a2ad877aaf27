package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tranchefund/services/fundd/node"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	RateLimit     RateLimit
}

// Server exposes the fund node over HTTP.
type Server struct {
	cfg     Config
	node    *node.Node
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
}

// New constructs a server around n.
func New(cfg Config, n *node.Node, auth *Authenticator, logger *slog.Logger) (*Server, error) {
	if n == nil {
		return nil, fmt.Errorf("node required")
	}
	if auth == nil {
		return nil, fmt.Errorf("authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		node:    n,
		auth:    auth,
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  logger.With(slog.String("component", "http")),
	}, nil
}

// Handler returns the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID, Observe(s.logger), s.limiter.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/fund", s.handleSummary)
		r.Get("/fund/params", s.handleParams)
		r.Get("/fund/supplies", s.handleSupplies)
		r.Get("/fund/navs/latest", s.handleLastNav)
		r.Get("/fund/navs/estimate", s.handleEstimateNav)
		r.Get("/fund/navs/{day}", s.handleNav)
		r.Get("/fund/rebalances", s.handleRebalances)
		r.Get("/fund/rebalances/day/{day}", s.handleRebalanceByDay)
		r.Get("/fund/rebalances/{index}", s.handleRebalance)
		r.Post("/fund/rebalances/convert", s.handleConvert)

		r.Get("/accounts/{address}/balances", s.handleBalances)
		r.Get("/accounts/{address}/underlying", s.handleUnderlying)
		r.Get("/accounts/{address}/pending", s.handlePending)
		r.Get("/accounts/{address}/allowances/{tranche}/{spender}", s.handleAllowance)

		r.Get("/primary/days/{day}", s.handlePrimaryDay)
		r.Get("/primary/rates/{day}", s.handleRates)
		r.Get("/primary/queue", s.handleQueue)

		r.Get("/history/settlements", s.handleSettlements)
		r.Get("/history/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(s.auth.Middleware(ScopeHolder))
			r.Post("/primary/create", s.handleCreate)
			r.Post("/primary/redeem", s.handleRedeem)
			r.Post("/primary/split", s.handleSplit)
			r.Post("/primary/merge", s.handleMerge)
			r.Post("/primary/claim", s.handleClaim)
			r.Post("/tokens/{tranche}/transfer", s.handleTransfer)
			r.Post("/tokens/{tranche}/approve", s.handleApprove)
			r.Post("/tokens/{tranche}/transfer-from", s.handleTransferFrom)
			r.Post("/accounts/refresh", s.handleRefresh)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.auth.Middleware(ScopeAdmin))
			r.Post("/settle", s.handleSettle)
			r.Post("/pause", s.handlePause)
			r.Post("/strategy/deploy", s.handleStrategyDeploy)
			r.Post("/strategy/return", s.handleStrategyReturn)
			r.Post("/strategy/report", s.handleStrategyReport)
			r.Post("/prices", s.handlePostPrice)
			r.Put("/interest-rate", s.handleInterestRate)
			r.Post("/faucet", s.handleFaucet)
		})
	})

	return otelhttp.NewHandler(r, "fundd.http")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", slog.String("address", s.cfg.ListenAddress))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.node.Ready(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
