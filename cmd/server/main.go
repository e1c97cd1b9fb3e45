// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Repost Watch server
//
// Entry point for the repost detection service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL (history) and Redis (dedup + alert queue)
//  3. Accepts normalized message events from the platform adapter
//  4. Records every message and image, and alerts on recent repeats
//  5. Flushes buffered history to Postgres on a fixed interval
//  6. Serves health and metrics endpoints
//  7. Handles graceful shutdown on SIGTERM/SIGINT, flushing what is buffered
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/repostwatch/internal/config"
	"github.com/bcem/repostwatch/internal/dedup"
	"github.com/bcem/repostwatch/internal/history"
	"github.com/bcem/repostwatch/internal/ingest"
	"github.com/bcem/repostwatch/internal/media"
	"github.com/bcem/repostwatch/internal/metrics"
	"github.com/bcem/repostwatch/internal/models"
	"github.com/bcem/repostwatch/internal/police"
	"github.com/bcem/repostwatch/internal/queue"
	"github.com/bcem/repostwatch/internal/repeat"
	"github.com/bcem/repostwatch/internal/similarity"
	"github.com/bcem/repostwatch/internal/webhook"
)

func main() {
	// Structured JSON logging
	setupLogging("info")

	slog.Info("starting repost watch")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)

	slog.Info("configuration loaded",
		"ignore_limit", cfg.Police.IgnoreLimit,
		"cooldown", cfg.Police.Cooldown,
		"min_text_length", cfg.Police.MinTextLength,
		"max_distance", cfg.Police.MaxDistance,
		"flush_interval", cfg.FlushInterval,
		"disabled_conversations", len(cfg.Police.DisabledConversations),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	store, err := history.NewStore(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise history store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	publisher := queue.NewPublisher(rdb, cfg.AlertsQueue)
	if err := publisher.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	filter := dedup.NewFilter(rdb)

	// --- Image Fetcher ---
	httpClient := &http.Client{}
	if cfg.MediaOAuth() {
		creds := &clientcredentials.Config{
			ClientID:     cfg.Media.ClientID,
			ClientSecret: cfg.Media.ClientSecret,
			TokenURL:     cfg.Media.TokenURL,
			Scopes:       cfg.Media.Scopes,
		}
		httpClient = creds.Client(ctx)
		slog.Info("media downloads use client credentials", "token_url", cfg.Media.TokenURL)
	}
	fetcher := media.NewFetcher(httpClient, cfg.Media.RatePerSecond, cfg.Media.Timeout)

	// --- Detection Pipeline ---
	m := metrics.New()
	index := similarity.NewIndex(store, cfg.Police.MaxDistance)

	textBuffer := ingest.NewBuffer[models.TextRecord]("text",
		ingest.WriterFunc[models.TextRecord](store.BulkInsertText), m)
	imageBuffer := ingest.NewBuffer[models.ImageRecord]("image",
		ingest.WriterFunc[models.ImageRecord](index.BulkAppend), m)

	engine := repeat.NewEngine(repeat.Policy{
		IgnoreLimit: cfg.Police.IgnoreLimit,
		Cooldown:    cfg.Police.Cooldown,
	}, store, cfg.Police.Location)

	orch := police.New(police.Config{
		Texts:         store,
		Images:        index,
		Fetcher:       fetcher,
		Engine:        engine,
		TextBuffer:    textBuffer,
		ImageBuffer:   imageBuffer,
		Alerts:        publisher,
		Filter:        filter,
		Recorder:      m,
		MinTextLength: cfg.Police.MinTextLength,
		Disabled:      cfg.Police.DisabledConversations,
	})

	flusher := ingest.NewFlusher(cfg.FlushInterval, orch.FlushText, orch.FlushImages)
	go flusher.Run(ctx)

	// --- Event Intake ---
	// Intake has its own context so it can stop, and drain, before the
	// flusher's final flush.
	intakeCtx, stopIntake := context.WithCancel(ctx)
	defer stopIntake()
	handler := webhook.NewHandler(orch, cfg.EventsToken)
	ready, intakeStopped, err := webhook.Serve(intakeCtx, cfg.EventsPort, handler)
	if err != nil {
		slog.Error("failed to start event intake", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Health + Metrics Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		// Check Redis
		if err := publisher.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		// Check Postgres
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status": "healthy", "buffered_text": %d, "buffered_images": %d}`,
			textBuffer.Len(), imageBuffer.Len())
	})
	mux.Handle("/metrics", m.Handler())

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		stopIntake()
		<-intakeStopped
		handler.Wait()

		cancel() // Trigger the final flush
		<-flusher.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("repost watch listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("repost watch stopped")
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}
