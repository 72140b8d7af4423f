package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flitsinc/deskd/internal/agent"
	"github.com/flitsinc/deskd/internal/api"
	"github.com/flitsinc/deskd/internal/budget"
	"github.com/flitsinc/deskd/internal/config"
	"github.com/flitsinc/deskd/internal/eventbus"
	"github.com/flitsinc/deskd/internal/limiter"
	"github.com/flitsinc/deskd/internal/orchestrator"
	"github.com/flitsinc/deskd/internal/prompt"
	"github.com/flitsinc/deskd/internal/provider"
	"github.com/flitsinc/deskd/internal/queue"
	"github.com/flitsinc/deskd/internal/reloadcache"
	"github.com/flitsinc/deskd/internal/state"
	"github.com/flitsinc/deskd/internal/tape"
	"github.com/flitsinc/deskd/internal/timeline"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	bus := eventbus.NewBus(db)
	cache, err := reloadcache.New(db)
	if err != nil {
		log.Fatalf("load reload cache: %v", err)
	}
	log.Printf("reload cache loaded with %d entr(ies)", cache.Len())

	var backend provider.Provider
	if cfg.LLMModel != "" && cfg.LLMAPIKey != "" {
		llm, err := provider.NewLLM(provider.LLMConfig{
			Provider: cfg.LLMProvider,
			Model:    cfg.LLMModel,
			APIKey:   cfg.LLMAPIKey,
		})
		if err != nil {
			log.Printf("LLM disabled, falling back to scripted provider: %v", err)
		} else {
			backend = llm
		}
	}
	if backend == nil {
		backend = provider.NewScripted(nil)
	}

	pool := agent.NewPool(backend, state.NewThreads(db), cfg.AgentIdleTimeout)
	budgets := budget.New(cfg.PrimaryMonitorID, cfg.MonitorTaskSlots, cfg.MaxActionsPerMin, cfg.MaxOutputPerMin)
	tl := timeline.New(db)

	processor := &orchestrator.Processor{
		Limiter:         limiter.New(cfg.MaxConcurrentTurns),
		Budget:          budgets,
		Queue:           queue.New(),
		Tape:            tape.New(),
		Cache:           cache,
		Assembler:       prompt.NewAssembler(),
		Pool:            pool,
		Registry:        orchestrator.NewRegistry(),
		Sink:            bus,
		Timeline:        tl,
		SystemPrompt:    prompt.DefaultSystemPrompt,
		SlotWaitTimeout: cfg.SlotWaitTimeout,
	}

	serverCtx, serverCancel := context.WithCancel(context.Background())
	pool.StartReaper(serverCtx)

	apiServer := &api.Server{
		Processor: processor,
		Bus:       bus,
		Timeline:  tl,
		StartedAt: time.Now().UTC(),
		Info: api.DiagnosticsInfo{
			HTTPAddr:    cfg.HTTPAddr,
			DataDir:     cfg.DataDir,
			DBPath:      cfg.DBPath,
			LLMProvider: cfg.LLMProvider,
			LLMModel:    cfg.LLMModel,
		},
	}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	httpServer := &http.Server{
		Handler:           loggingMiddleware(apiServer.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("deskd listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	budgets.ClearWaiting("shutting down")
	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
	pool.Shutdown(ctx)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
