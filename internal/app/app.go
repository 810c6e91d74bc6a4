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

// Package app wires the ingestion components from configuration. Both the
// long-running worker and the mailctl CLI build on it.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/mailintake/internal/config"
	"github.com/bcem/mailintake/internal/dedup"
	"github.com/bcem/mailintake/internal/events"
	"github.com/bcem/mailintake/internal/graph"
	"github.com/bcem/mailintake/internal/ingest"
	"github.com/bcem/mailintake/internal/lock"
	"github.com/bcem/mailintake/internal/matcher"
	"github.com/bcem/mailintake/internal/objectstore"
	"github.com/bcem/mailintake/internal/queue"
	"github.com/bcem/mailintake/internal/scheduler"
	"github.com/bcem/mailintake/internal/store"
	"github.com/bcem/mailintake/internal/token"
)

// App holds the connected components.
type App struct {
	Config    *config.Config
	Pool      *pgxpool.Pool
	Redis     *redis.Client
	Store     *store.Store
	Publisher *queue.Publisher
	Graph     *graph.Client
	Worker    *ingest.Worker
	Scheduler *scheduler.Scheduler
	Locker    *lock.Locker

	events *events.Publisher
}

// New connects to Postgres, Redis, Cloud Storage and (optionally) NATS and
// builds the worker and scheduler. Close releases every connection.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}

	// --- Connect to PostgreSQL ---
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("create Postgres pool: %w", err)
	}
	a.Pool = pool
	if err := pool.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	a.Store, err = store.New(ctx, pool)
	if err != nil {
		a.Close()
		return nil, err
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	a.Redis = redis.NewClient(opt)

	a.Publisher = queue.NewPublisher(a.Redis, cfg.AnalysisQueue)
	if err := a.Publisher.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}
	slog.Info("connected to Redis")

	// --- Object storage ---
	gcs, err := objectstore.NewGCS(ctx, objectstore.GCSConfig{
		Bucket:   cfg.StorageBucket,
		Endpoint: cfg.StorageEndpoint,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	// --- Notifiers: timeline/notification rows always, NATS when configured ---
	notifiers := []ingest.Notifier{a.Store}
	if cfg.NATSURL != "" {
		a.events, err = events.NewPublisher(cfg.NATSURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		if err := a.events.EnsureStream(ctx); err != nil {
			a.Close()
			return nil, err
		}
		notifiers = append(notifiers, a.events)
		slog.Info("connected to NATS", "stream", events.StreamName)
	}

	// --- Provider client ---
	httpClient := &http.Client{Timeout: 30 * time.Second}
	tokens := token.NewManager(token.ManagerConfig{
		ClientID:     cfg.Provider.ClientID,
		ClientSecret: cfg.Provider.ClientSecret,
		TokenURL:     cfg.Provider.TokenURL,
		Scopes:       cfg.Provider.Scopes,
		Store:        a.Store,
		HTTPClient:   httpClient,
	})
	a.Graph = graph.NewClient(graph.ClientConfig{
		HTTPClient:        httpClient,
		BaseURL:           cfg.GraphBaseURL,
		Tokens:            tokens,
		Accounts:          a.Store,
		RequestsPerSecond: cfg.GraphRequestsPerSecond,
		Burst:             cfg.GraphBurst,
	})

	a.Worker = ingest.NewWorker(ingest.WorkerConfig{
		Store:     a.Store,
		Provider:  a.Graph,
		Matcher:   matcher.NewClient(matcher.Config{BaseURL: cfg.MatcherURL}),
		Uploader:  gcs,
		Trigger:   a.Publisher,
		Notifiers: notifiers,
		Seen:      dedup.NewFilter(a.Redis, cfg.SeenTTL),
		Window:    cfg.SyncWindow,
	})

	a.Locker = lock.NewLocker(a.Redis)
	a.Scheduler = scheduler.New(scheduler.Config{
		Accounts:    a.Store,
		Poller:      a.Worker,
		Locker:      a.Locker,
		Interval:    cfg.PollInterval,
		Concurrency: cfg.Concurrency,
		JobTimeout:  cfg.JobTimeout,
	})

	return a, nil
}

// Ping checks Postgres and Redis.
func (a *App) Ping(ctx context.Context) error {
	if err := a.Publisher.Ping(ctx); err != nil {
		return fmt.Errorf("redis unhealthy: %w", err)
	}
	if err := a.Store.Ping(ctx); err != nil {
		return fmt.Errorf("postgres unhealthy: %w", err)
	}
	return nil
}

// Close releases all connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.events != nil {
		a.events.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
