// Command analyticsd runs the analytics engine's HTTP/WS edge: a pull-mode
// query API, a push-mode replay/session API, and a background reaper,
// wired together the way the teacher's main.go builds its dependencies and
// blocks on a signal channel for graceful shutdown.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/tm1ddleton/analytics-sub001/internal/config"
	"github.com/tm1ddleton/analytics-sub001/internal/httpapi"
	"github.com/tm1ddleton/analytics-sub001/internal/metrics"
	"github.com/tm1ddleton/analytics-sub001/internal/provider"
	"github.com/tm1ddleton/analytics-sub001/internal/session"
)

func main() {
	cfgPath := os.Getenv("ANALYTICSD_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Printf("analyticsd starting: http_port=%d session_cap=%d", cfg.HTTPPort, cfg.SessionConcurrencyCap)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := newProvider(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to build data provider: %v", err)
	}
	if closer, ok := p.(interface{ Close() }); ok {
		defer closer.Close()
	}

	m := metrics.New()

	sessions := session.NewManager(cfg.SessionConcurrencyCap, cfg.ReaperCompletedTTL, cfg.ReaperErrorTTL)
	sessions.SetMetrics(m)

	addr := ":" + strconv.Itoa(cfg.HTTPPort)
	server := httpapi.NewServer(addr, p, sessions, m)

	go func() {
		log.Printf("analyticsd: listening on %s", addr)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()

	go sessions.RunReaper(ctx, time.Minute)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("analyticsd: shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("analyticsd: http shutdown error: %v", err)
	}
	cancel()
}

// newProvider builds a SQL-backed provider by default, falling back to an
// empty in-memory provider when DATABASE_URL is explicitly set to "memory"
// (useful for local demos without Postgres).
func newProvider(ctx context.Context, cfg config.Config) (provider.Provider, error) {
	if cfg.DatabaseURL == "memory" {
		log.Println("analyticsd: using in-memory provider (DATABASE_URL=memory)")
		return provider.NewMemoryProvider(), nil
	}
	return provider.NewSQLProvider(ctx, cfg.DatabaseURL)
}
