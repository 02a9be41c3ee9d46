// Package httpapi is the thin HTTP/WS edge over the pull engine, push
// engine, and session manager. Routing and middleware follow the teacher's
// internal/api: a gorilla/mux router, a commonMiddleware CORS/JSON
// wrapper, and a websocket bridge modeled on its Hub/Client loop. Response
// shapes here are intentionally plain JSON, not a bit-exact wire contract.
package httpapi

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/tm1ddleton/analytics-sub001/internal/metrics"
	"github.com/tm1ddleton/analytics-sub001/internal/provider"
	"github.com/tm1ddleton/analytics-sub001/internal/pull"
	"github.com/tm1ddleton/analytics-sub001/internal/session"
)

// Server wires the provider, the shared pull-mode catalog, and the session
// manager onto an HTTP router.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	provider   provider.Provider
	sessions   *session.Manager
	metrics    *metrics.Metrics

	catalogMu sync.RWMutex
	catalog   *catalog
}

// NewServer builds a Server listening on addr (host:port or ":8080"-style).
func NewServer(addr string, p provider.Provider, sessions *session.Manager, m *metrics.Metrics) *Server {
	s := &Server{
		provider: p,
		sessions: sessions,
		metrics:  m,
		catalog:  newCatalog(),
	}

	r := mux.NewRouter()
	r.Use(commonMiddleware)
	s.registerRoutes(r)
	s.router = r

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

func (s *Server) registerRoutes(r *mux.Router) {
	r.HandleFunc("/health", s.handleHealth).Methods("GET", "OPTIONS")
	r.HandleFunc("/assets", s.handleListAssets).Methods("GET", "OPTIONS")
	r.HandleFunc("/assets/{key}/data", s.handleAssetData).Methods("GET", "OPTIONS")
	r.HandleFunc("/analytics/batch", s.handleAnalyticsBatch).Methods("POST", "OPTIONS")
	r.HandleFunc("/analytics/{key}/{type}", s.handleAnalytic).Methods("GET", "OPTIONS")
	r.HandleFunc("/dag/nodes", s.handleDAGNodes).Methods("GET", "OPTIONS")
	r.HandleFunc("/replay", s.handleCreateReplay).Methods("POST", "OPTIONS")
	r.HandleFunc("/replay/{id}", s.handleGetReplay).Methods("GET", "OPTIONS")
	r.HandleFunc("/replay/{id}", s.handleStopReplay).Methods("DELETE", "OPTIONS")
	r.HandleFunc("/stream/{id}", s.handleStream).Methods("GET")
}

// Start runs the HTTP server until it is shut down, matching the teacher's
// Server.Start/Shutdown shape.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func commonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// pullEngine returns a pull.Engine over the current catalog DAG. Callers
// must hold (at least) a read lock on catalogMu while using it, since the
// returned engine reads the DAG without copying it.
func (s *Server) pullEngine() *pull.Engine {
	return pull.New(s.catalog.graph)
}
