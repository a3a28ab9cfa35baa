// cmd/server hosts the shared store that Pig clients synchronize through.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	_ "github.com/joho/godotenv/autoload"

	"github.com/jason-s-yu/pig/internal/cache"
	"github.com/jason-s-yu/pig/internal/config"
	"github.com/jason-s-yu/pig/internal/database"
	"github.com/jason-s-yu/pig/internal/handlers"
	"github.com/jason-s-yu/pig/internal/middleware"
	"github.com/jason-s-yu/pig/internal/store"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		config.Exitf("config: %v", err)
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		config.Exitf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("unable to open store backend")
	}
	defer closeBackend()

	server := &http.Server{
		Handler:           newRouter(cfg, logger, backend),
		ReadHeaderTimeout: 10 * time.Second,
	}

	l, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		logger.WithError(err).Fatal("failed to listen")
	}
	logger.WithFields(logrus.Fields{
		"addr":  l.Addr().String(),
		"store": cfg.Store,
	}).Info("store server listening")

	errc := make(chan error, 1)
	go func() {
		errc <- server.Serve(l)
	}()

	select {
	case err := <-errc:
		logger.WithError(err).Error("failed to serve")
	case <-ctx.Done():
		logger.Info("terminating")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown")
	}
}

func newRouter(cfg config.Server, logger *logrus.Logger, backend store.Backend) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.Heartbeat("/ping"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/", handlers.PingHandler)
	r.Group(func(r chi.Router) {
		r.Use(middleware.LogMiddleware(logger))
		r.Get("/store/ws", handlers.StoreWSHandler(logger, backend))
		r.Post("/namespace/reset", handlers.NamespaceResetHandler(logger, backend))
	})
	return r
}

// openBackend builds the configured backend and returns a func releasing it
// and whatever client it owns.
func openBackend(ctx context.Context, cfg config.Server, logger *logrus.Logger) (store.Backend, func(), error) {
	switch cfg.Store {
	case config.StoreRedis:
		rdb, err := cache.ConnectRedis(ctx, cache.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, nil, err
		}
		b, err := store.NewRedisBackend(ctx, rdb, cfg.RedisPrefix, logger)
		if err != nil {
			rdb.Close()
			return nil, nil, err
		}
		return b, func() {
			b.Close()
			rdb.Close()
		}, nil

	case config.StorePostgres:
		pool, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		b, err := store.NewPostgresBackend(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return b, func() {
			b.Close()
			pool.Close()
		}, nil
	}

	b := store.NewMemoryBackend()
	return b, func() { b.Close() }, nil
}
