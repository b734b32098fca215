package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kweiss/viva/internal/config"
	"github.com/kweiss/viva/internal/eval"
	"github.com/kweiss/viva/internal/httpserver"
	"github.com/kweiss/viva/internal/live"
	"github.com/kweiss/viva/internal/llm"
	"github.com/kweiss/viva/internal/sched"
	"github.com/kweiss/viva/internal/session"
	"github.com/kweiss/viva/internal/store"
	"github.com/kweiss/viva/internal/tts"
	"github.com/kweiss/viva/internal/tutor"
)

func main() {
	// Include sub-second precision in all log timestamps
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	cfg := config.Load()

	st, err := newStore(cfg)
	if err != nil {
		log.Fatalf("store: %v", err)
	}

	scheduler := newScheduler(cfg)

	gen := llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID)
	engine := tutor.NewEngine(gen)
	scorer := eval.NewLLMScorer(gen)

	ctrl := session.NewController(st, scheduler)
	coord := eval.NewCoordinator(st, scorer, scheduler)

	var speech live.Speech
	if cfg.TTSEnabled {
		if cfg.TTSProvider == "elevenlabs" {
			speech = tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoice)
		} else {
			speech = tts.NewDeepgramClient(cfg.DeepgramKey, "")
		}
	}
	hub := live.NewHub(ctrl, coord, engine, st, scheduler, speech)

	e := httpserver.New()
	httpserver.NewServer(ctrl, hub).Register(e)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", cfg.HTTPAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-sigChan:
		log.Printf("shutdown signal received: %v", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = server.Close()
	}
}

func newStore(cfg config.Config) (store.Store, error) {
	switch store.Driver(cfg.StoreDriver) {
	case store.DriverRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return store.New(store.DriverRedis, store.WithRedisClient(client))
	case store.DriverSQLite:
		return store.New(store.DriverSQLite, store.WithSQLitePath(cfg.SQLitePath))
	default:
		return store.New(store.DriverMemory)
	}
}

// newScheduler prefers the Supabase backend; without credentials it falls
// back to a built-in demo recall set so the server still runs end to end.
func newScheduler(cfg config.Config) sched.Scheduler {
	if cfg.SupabaseURL != "" && cfg.SupabaseKey != "" {
		s, err := sched.NewSupabase(sched.SupabaseConfig{
			URL:            cfg.SupabaseURL,
			ServiceRoleKey: cfg.SupabaseKey,
		})
		if err != nil {
			log.Fatalf("scheduler: %v", err)
		}
		return s
	}

	return sched.NewStatic(map[string][]sched.Point{
		"demo": {
			{ID: "demo-1", RecallSetID: "demo", Content: "Explain what a goroutine is and how it differs from an OS thread."},
			{ID: "demo-2", RecallSetID: "demo", Content: "Describe how a buffered channel behaves when full."},
			{ID: "demo-3", RecallSetID: "demo", Content: "What does the select statement do when multiple cases are ready?"},
		},
	})
}
