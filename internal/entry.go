// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/voicenotes/internal/api"
	"github.com/starford/voicenotes/internal/cache"
	"github.com/starford/voicenotes/internal/gateway"
	"github.com/starford/voicenotes/internal/localstore"
	"github.com/starford/voicenotes/internal/mcpserver"
	"github.com/starford/voicenotes/internal/sse"
	"github.com/starford/voicenotes/internal/tools"
)

// Run starts the application with the given options and blocks until the
// transport finishes or a shutdown signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		logOut: os.Stderr,
	}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// stdout carries protocol traffic in stdio mode, so logs go to stderr.
	var level slog.LevelVar
	level.Set(cfg.App.LogLevel)
	logger := slog.New(slog.NewJSONHandler(app.logOut, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	logger.Info("app: configuration loaded",
		slog.String("transport", cfg.App.Transport),
		slog.String("backend", cfg.Store.Backend),
		slog.String("cache_ttl", cfg.Cache.TTL.String()),
		slog.Int("cache_max_entries", cfg.Cache.MaxEntries),
		slog.String("log_level", cfg.App.LogLevel.String()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	gw := app.gateway
	var local *localstore.Store
	if gw == nil {
		var err error
		gw, local, err = openGateway(cfg.Store)
		if err != nil {
			return fmt.Errorf("init gateway: %w", err)
		}
		if local != nil {
			defer local.Close()
		}
	}

	resultCache := cache.New(cfg.Cache.TTL, cfg.Cache.MaxEntries)

	var broker *sse.Broker
	regOpts := []tools.Option{}
	if cfg.App.Transport == TransportHTTP {
		broker = sse.NewBroker(2 * time.Second)
		defer broker.Close()
		regOpts = append(regOpts, tools.WithNotifier(broker))
	}

	registry := tools.NewRegistry(gw, resultCache, logger, regOpts...)
	session := mcpserver.New(registry, logger, mcpserver.WithLogLevel(&level))

	g, gCtx := errgroup.WithContext(ctx)

	if local != nil && cfg.Store.Watch {
		g.Go(func() error {
			err := local.Watch(gCtx, logger, func() {
				n := resultCache.Len()
				resultCache.Clear()
				logger.Info("app: external store change, cache cleared", slog.Int("entries", n))
				if broker != nil {
					broker.Publish(tools.Event{Type: sse.EventStoreChanged})
				}
			})
			if err != nil {
				return fmt.Errorf("watch store: %w", err)
			}
			return nil
		})
	}

	switch cfg.App.Transport {
	case TransportHTTP:
		runHTTP(gCtx, g, cfg, session, gw, broker, logger)
	default:
		g.Go(func() error {
			defer cancel()
			err := session.ServeStdio(gCtx, app.stdin, app.stdout)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("app: received shutdown signal", slog.String("signal", sig.String()))
			cancel()
		case <-gCtx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("app: stopped with error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("app: stopped")
	return nil
}

// openGateway builds the gateway named by the store backend. The returned
// Store is non-nil only for the SQLite backend.
func openGateway(cfg StoreConfig) (gateway.Gateway, *localstore.Store, error) {
	switch cfg.Backend {
	case BackendSQLite:
		store, err := localstore.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		var client *http.Client
		if cfg.Timeout > 0 {
			client = &http.Client{Timeout: cfg.Timeout}
		}
		gw, err := gateway.NewPostgREST(cfg.URL, cfg.Key, client)
		if err != nil {
			return nil, nil, err
		}
		return gw, nil, nil
	}
}

func runHTTP(ctx context.Context, g *errgroup.Group, cfg *Config, session *mcpserver.Server,
	gw gateway.Gateway, broker *sse.Broker, logger *slog.Logger) {
	ready := func(ctx context.Context) error {
		_, err := gw.Count(ctx, gateway.TableNotes)
		return err
	}
	h := api.NewHandler(session, ready, logger)
	router := api.NewRouter(h, api.RouterConfig{
		AuthEnabled: cfg.Auth.AuthEnabled(),
		Token:       cfg.Auth.Token,
		Events:      broker,
	})
	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           middleware.Logger(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error {
		logger.Info("http: listening", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("http: shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		broker.Close()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http: shutdown", slog.String("error", err.Error()))
		}
		session.Close()
		return nil
	})
}
