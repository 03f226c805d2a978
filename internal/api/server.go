// Package api serves the operational HTTP endpoints of a running indexer:
// a health probe, a status report comparing the chain head against the
// indexed cursors, small read views over the hottest tables and two admin
// actions guarded by a bearer token.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"xquery/internal/cache"
	"xquery/internal/models"
	"xquery/internal/repository"

	"github.com/gorilla/mux"
)

// BuildCommit is set by main to the git commit hash baked in at build time.
var BuildCommit = "dev"

// Store abstracts the subset of the repository used by the API layer.
type Store interface {
	Ping(ctx context.Context) error
	States(ctx context.Context) ([]*models.State, error)
	Overview(ctx context.Context) (*repository.Overview, error)
	LatestBlock(ctx context.Context) (*models.Block, error)
	PairsByVolume(ctx context.Context, limit int) ([]*models.Pair, error)
	TokensByVolume(ctx context.Context, limit int) ([]*models.Token, error)
	FactoryByAddress(ctx context.Context, address string) (*models.Factory, error)
	LatestBundle(ctx context.Context) (*models.Bundle, error)
	DeleteState(ctx context.Context, name string) (bool, error)
	DiscardRecent(ctx context.Context, name string, rewind uint64) error
}

// ChainClient abstracts the subset of the RPC client used by the API layer.
type ChainClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
}

// Config carries the static facts the server reports and the knobs that
// guard its admin surface.
type Config struct {
	Port int

	// HS256 secret for the /admin routes, empty disables them
	Secret string

	Deployment string
	Mode       string
	Workers    int

	// factory contract address served by /v1/factory
	Factory string
}

type Server struct {
	store      Store
	client     ChainClient
	cache      cache.Cache
	cfg        Config
	httpServer *http.Server
	limiter    *ipLimiter

	statusCache payloadCache
}

// New builds the router and the underlying http.Server. The server does not
// listen until Start is called.
func New(store Store, client ChainClient, cacheSvc cache.Cache, cfg Config) *Server {
	s := &Server{
		store:   store,
		client:  client,
		cache:   cacheSvc,
		cfg:     cfg,
		limiter: newIPLimiterFromEnv(),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	r.Use(s.rateLimitMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/status", s.handleStatus).Methods("GET", "OPTIONS")

	r.HandleFunc("/v1/pairs", s.handlePairs).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/tokens", s.handleTokens).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/factory", s.handleFactory).Methods("GET", "OPTIONS")
	r.HandleFunc("/v1/bundles/latest", s.handleLatestBundle).Methods("GET", "OPTIONS")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminAuthMiddleware)
	admin.HandleFunc("/cache/flush", s.handleCacheFlush).Methods("POST", "OPTIONS")
	admin.HandleFunc("/cursor/reset", s.handleCursorReset).Methods("POST", "OPTIONS")

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	return s
}

func (s *Server) Start() error {
	log.Printf("[api] Listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
