package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/nodeflow/internal/agentruntime"
	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/internal/secrets"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/internal/trace"
	"github.com/rendis/nodeflow/pkg/schema"
)

// app is the wired set of components shared by the commands.
type app struct {
	cfg     Config
	logger  *slog.Logger
	store   store.Store
	hub     *streaming.MemoryHub
	metrics *metrics.Metrics
	engine  *engine.Engine
}

func newLogger(cfg Config) *slog.Logger {
	return logging.New(&logging.Config{
		Level:  cfg.LogLevel,
		Format: logging.Format(strings.ToLower(cfg.LogFormat)),
		Output: os.Stderr,
	})
}

func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := newLogger(cfg)
	m := metrics.New()

	st, err := openStore(ctx, cfg.DBPath, logger)
	if err != nil {
		return nil, err
	}

	hub := streaming.NewMemoryHub(streaming.WithBuffer(256), streaming.WithDropHook(func(schema.Event) {
		m.EventDropped()
	}))

	var runtime agentruntime.Runtime
	if cfg.OpenAIAPIKey != "" {
		runtime = agentruntime.NewOpenAIRuntime(agentruntime.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		}, logger)
	}

	eng, err := engine.New(engine.Config{
		Store: st,
		Hub:   hub,
		Trace: trace.Config{
			FlushDelay: time.Duration(cfg.TraceFlushDelay),
			StaleAfter: time.Duration(cfg.TraceStaleAfter),
		},
		Secrets:  secrets.NewEnvProvider(secrets.DefaultEnvPrefix),
		Runtime:  runtime,
		PoolSize: cfg.PoolSize,
		Metrics:  m,
		Logger:   logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, store: st, hub: hub, metrics: m, engine: eng}, nil
}

// openStore opens the libSQL database at path and applies migrations.
func openStore(ctx context.Context, path string, logger *slog.Logger) (store.Store, error) {
	if path == "" || path == memoryDB {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	if v, err := st.SchemaVersion(ctx); err == nil {
		logger.Debug("store opened", slog.String("path", path), slog.Int("schema_version", v))
	}
	return st, nil
}

// Close stops running executions and closes the store.
func (a *app) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.engine.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown timed out", slog.String("error", err.Error()))
	}
	return a.store.Close()
}
