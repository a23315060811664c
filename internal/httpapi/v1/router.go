// Package v1 wires the HTTP surface of the budget ledger service. Handlers
// stay thin: owner identity arrives as an explicit parameter on every call
// and all invariants live in the service layer.
package v1

import (
	"log/slog"
	"net/http"

	chi "github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/centbook/centbook/internal/service/balance"
	"github.com/centbook/centbook/internal/service/posting"
	"github.com/centbook/centbook/internal/service/registry"
)

// Server wires handlers and middleware using Chi.
type Server struct {
	registry registry.Service
	posting  posting.Service
	engine   *balance.Engine
	query    *balance.Query
	store    any
	log      *slog.Logger
	rt       *chi.Mux
}

// New constructs the HTTP server with routes and middleware. store is probed
// for an optional Ready method used by the readiness endpoint.
func New(reg registry.Service, post posting.Service, engine *balance.Engine, query *balance.Query, store any, logger *slog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger))
	r.Use(recoverer(logger))
	r.Use(metricsMiddleware)

	s := &Server{
		registry: reg,
		posting:  post,
		engine:   engine,
		query:    query,
		store:    store,
		log:      logger,
		rt:       r,
	}
	s.routes()
	return s
}

// Handler exposes the configured http.Handler.
func (s *Server) Handler() http.Handler { return s.rt }

// routes declares the public HTTP API endpoints.
func (s *Server) routes() {
	// Ledgers
	s.rt.Post("/v1/ledgers", s.postLedger)
	s.rt.Get("/v1/ledgers/{id}/accounts", s.listAccounts)
	s.rt.Post("/v1/ledgers/{id}/rebuild", s.rebuildLedger)
	// Accounts
	s.rt.Post("/v1/accounts", s.postAccount)
	s.rt.Get("/v1/accounts/{id}", s.getAccount)
	s.rt.Get("/v1/accounts/{id}/balance", s.getBalance)
	s.rt.Get("/v1/accounts/{id}/history", s.getHistory)
	// Transactions
	s.rt.Post("/v1/transactions", s.postTransaction)
	s.rt.Get("/v1/transactions/{code}", s.getTransaction)
	s.rt.Patch("/v1/transactions/{code}", s.patchTransaction)
	s.rt.Delete("/v1/transactions/{code}", s.deleteTransaction)
	s.rt.Get("/v1/transactions/{code}/revisions", s.getRevisions)
	// Ops (unversioned)
	s.rt.Get("/healthz", s.healthz)
	s.rt.Get("/readyz", s.readyz)
	s.rt.Handle("/metrics", metricsHandler())
}
