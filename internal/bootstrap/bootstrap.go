// Package bootstrap wires every core component into a runnable Server:
// open the store, run migrations, construct the registries, start the
// background sweeper and event-pruner loops, and serve both transports
// on one HTTP listener. Grounded on the teacher's hub/server.go
// sequencing (open DB -> migrate -> wire services -> mux -> serve ->
// graceful shutdown -> WAL checkpoint), generalized to this bus's
// single-binary, single-listener shape.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Killea/AgentChatBus/internal/agentregistry"
	"github.com/Killea/AgentChatBus/internal/config"
	"github.com/Killea/AgentChatBus/internal/eventlog"
	"github.com/Killea/AgentChatBus/internal/facade"
	"github.com/Killea/AgentChatBus/internal/messagestore"
	"github.com/Killea/AgentChatBus/internal/metrics"
	"github.com/Killea/AgentChatBus/internal/policy"
	"github.com/Killea/AgentChatBus/internal/seqalloc"
	"github.com/Killea/AgentChatBus/internal/session"
	"github.com/Killea/AgentChatBus/internal/store"
	"github.com/Killea/AgentChatBus/internal/threadreg"
	"github.com/Killea/AgentChatBus/internal/transport/httpapi"
	"github.com/Killea/AgentChatBus/internal/transport/stream"
	"github.com/Killea/AgentChatBus/internal/wait"
)

// Server is a fully wired, runnable bus instance.
type Server struct {
	cfg     *config.Config
	db      *sql.DB
	sweeper *policy.Sweeper
	events  *eventlog.Log
	facade  *facade.Facade
	server  *http.Server

	threads *threadreg.Registry
	agents  *agentregistry.Registry
}

// NewServer opens the store, migrates it, and wires every component
// (§10, §11). Call Serve to start listening.
func NewServer(cfg *config.Config) (*Server, error) {
	sqlDB, err := store.Open(cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	events := eventlog.New(sqlDB)
	agents := agentregistry.New(sqlDB, events, cfg.HeartbeatTimeoutSeconds())
	threads := threadreg.New(sqlDB, events)
	rate := policy.NewRateLimiter(sqlDB, cfg.RateLimitPerMinute())
	content := policy.NewContentFilter(cfg.ContentFilterEnabled())
	seq := seqalloc.New(sqlDB)
	messages := messagestore.New(sqlDB, events, agents, rate, content, seq)
	sessions := session.New()
	waiter := wait.New(events, messages, agents, sessions)
	sweeper := policy.NewSweeper(sqlDB, events)

	f := facade.New(threads, messages, agents, waiter, events, sessions, cfg)

	mux := http.NewServeMux()
	mux.Handle("/", httpapi.New(f).Router())
	mux.Handle("/stream/rpc", stream.Handler(f, sessions))
	mux.Handle("/stream/events", stream.WatchEvents(f))
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:     cfg,
		db:      sqlDB,
		sweeper: sweeper,
		events:  events,
		facade:  f,
		server:  httpServer,
		threads: threads,
		agents:  agents,
	}, nil
}

// Facade exposes the wired Facade, mainly for tests that want to drive
// operations directly without going over HTTP.
func (s *Server) Facade() *facade.Facade { return s.facade }

// Serve starts the background sweeper and event-pruner loops, listens
// on cfg.Addr(), and blocks until ctx is cancelled, then shuts down
// gracefully and checkpoints the WAL before returning.
func (s *Server) Serve(ctx context.Context) error {
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()

	go s.sweeper.Run(bgCtx, time.Duration(s.cfg.TimeoutSweepSeconds())*time.Second, s.cfg.ThreadTimeoutMinutes)
	go s.runEventPruner(bgCtx)
	go s.runGaugeUpdater(bgCtx)

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("bus shutting down...")
		cancelBg()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	slog.Info("bus listening", "addr", s.cfg.Addr())
	if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	return s.db.Close()
}

// runGaugeUpdater periodically refreshes the active-agents and
// open-threads gauges surfaced on /metrics.
func (s *Server) runGaugeUpdater(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	s.refreshGauges(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refreshGauges(ctx)
		}
	}
}

func (s *Server) refreshGauges(ctx context.Context) {
	if agents, err := s.agents.List(ctx); err == nil {
		var online int
		for _, a := range agents {
			if s.agents.IsOnline(&a) {
				online++
			}
		}
		metrics.ActiveAgents.Set(float64(online))
	}

	if threads, err := s.threads.List(ctx, nil, true); err == nil {
		var open int
		for _, t := range threads {
			if t.Status != store.StatusClosed && t.Status != store.StatusArchived {
				open++
			}
		}
		metrics.OpenThreads.Set(float64(open))
	}
}

// runEventPruner periodically removes events older than the
// configured retention window (§4.3, §6).
func (s *Server) runEventPruner(ctx context.Context) {
	period := time.Duration(s.cfg.EventPruneSeconds()) * time.Second
	if period <= 0 {
		period = 60 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maxAge := time.Duration(s.cfg.EventRetentionSeconds()) * time.Second
			if maxAge <= 0 {
				continue
			}
			if n, err := s.events.Prune(ctx, maxAge); err != nil {
				slog.Error("event pruner: prune failed", "error", err)
			} else if n > 0 {
				slog.Debug("event pruner: pruned events", "count", n)
			}
		}
	}
}
