package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/Open-EO/openeo-udf/internal/codec"
	"github.com/Open-EO/openeo-udf/internal/dispatch"
	"github.com/Open-EO/openeo-udf/internal/gateway/config"
	"github.com/Open-EO/openeo-udf/internal/gateway/handler"
	"github.com/Open-EO/openeo-udf/internal/gateway/server"
	"github.com/Open-EO/openeo-udf/internal/metrics"
	"github.com/Open-EO/openeo-udf/internal/modelstore"
)

type App struct {
	server          *server.Server
	handler         http.Handler
	store           *modelstore.Store
	shutdownTimeout time.Duration
}

func New() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig wires every component from cfg.
func NewWithConfig(cfg *config.Config) (*App, error) {
	m := metrics.New()

	// Dependencies
	store, err := initModelStore(cfg, m)
	if err != nil {
		return nil, err
	}
	files, err := initModelFiles(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	compression, err := codec.ParseCompression(cfg.Codec.PackCompression)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c, err := codec.New(codec.Options{
		Compression:    compression,
		ValidateSchema: cfg.Codec.ValidateSchema,
		Hash:           store.HashFunc(),
		Models:         store,
		Files:          files,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}
	d, err := dispatch.New(dispatch.Options{
		DefaultLanguage:  cfg.Exec.DefaultLanguage,
		MaxSteps:         cfg.Exec.MaxSteps,
		Hash:             store.HashFunc(),
		ProgramCacheSize: cfg.Exec.ProgramCacheSize,
		Models:           store,
		Files:            files,
		Metrics:          m,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}
	svc, err := handler.New(handler.Deps{
		Codec:           c,
		Dispatcher:      d,
		Store:           store,
		Metrics:         m,
		Files:           files,
		ExecTimeout:     cfg.Exec.Timeout,
		MaxMessageBytes: cfg.ModelMaxBytes,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	// Routing & Server
	mux := server.NewMux(svc, m, cfg.AllowedOrigins)
	log.Printf("udf gateway: env=%s store=%s language=%s compression=%s", cfg.Env, cfg.ModelStore.Backend, cfg.Exec.DefaultLanguage, compression)
	return &App{
		server:          server.New(cfg.Port, mux),
		handler:         mux,
		store:           store,
		shutdownTimeout: cfg.ShutdownTimeout,
	}, nil
}

// ShutdownTimeout is how long Shutdown may wait for in-flight requests.
func (a *App) ShutdownTimeout() time.Duration {
	if a.shutdownTimeout <= 0 {
		return 5 * time.Second
	}
	return a.shutdownTimeout
}

// Handler is the fully wrapped HTTP handler, for in-process tests.
func (a *App) Handler() http.Handler { return a.handler }

func (a *App) Start() error {
	return a.server.Start()
}

func (a *App) Shutdown(ctx context.Context) error {
	return errors.Join(a.server.Shutdown(ctx), a.store.Close())
}
