package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"diffsync-server/internal/config"
	"diffsync-server/internal/domain"
	"diffsync-server/internal/engine"
	"diffsync-server/internal/handler"
	"diffsync-server/internal/middleware"
	"diffsync-server/internal/relay"
	"diffsync-server/internal/repository"
	"diffsync-server/internal/synchronizer/jsonmergepatch"
	"diffsync-server/internal/synchronizer/jsonpatch"
	"diffsync-server/internal/synchronizer/text"
	"diffsync-server/internal/websocket"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cfg.Sync.Synchronizer {
	case config.SynchronizerJSON:
		err = run[json.RawMessage, jsonpatch.Operation](ctx, cfg, logger, jsonpatch.NewServerSynchronizer())
	case config.SynchronizerMergePatch:
		err = run[json.RawMessage, jsonmergepatch.Patch](ctx, cfg, logger, jsonmergepatch.NewServerSynchronizer())
	default:
		err = run[string, domain.Diff](ctx, cfg, logger, text.NewServerSynchronizer(text.WithDiffTimeout(cfg.Sync.DiffTimeout)))
	}
	if err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}

	logger.Info("server stopped gracefully")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Server.Env == "development" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level

	logger, err := zc.Build()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("node", cfg.Server.NodeID)), nil
}

func run[T, D any](ctx context.Context, cfg *config.Config, logger *zap.Logger, synchronizer engine.ServerSynchronizer[T, D]) error {
	store, invalidate, err := newStore[T, D](ctx, cfg, logger)
	if err != nil {
		return err
	}

	serverEngine := engine.NewServerEngine(synchronizer, store, logger)

	wsManager := websocket.NewManager(websocket.Options{
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingPeriod,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	}, logger)

	syncHandler := handler.NewSyncMessageHandler(serverEngine, wsManager, logger)
	wsManager.SetMessageHandler(syncHandler)

	var nodeRelay *relay.Relay
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		nodeRelay = relay.New(rdb, cfg.Redis.Channel, cfg.Server.NodeID, logger)
		if err := nodeRelay.Ping(ctx); err != nil {
			return err
		}
		syncHandler.SetPublisher(nodeRelay)
		logger.Info("relay connected", zap.String("addr", cfg.Redis.Addr), zap.String("channel", cfg.Redis.Channel))
	}

	wsHandler := handler.NewWebSocketHandler(wsManager, cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize, logger)
	documentHandler := handler.NewDocumentHandler(serverEngine, logger)

	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(logger))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/documents", documentHandler.Create).Methods("POST", "OPTIONS")
	api.HandleFunc("/documents/{id}", documentHandler.Get).Methods("GET", "OPTIONS")
	api.HandleFunc("/documents/{id}/clients", documentHandler.Clients).Methods("GET", "OPTIONS")

	r.HandleFunc("/ws", wsHandler.HandleConnection)
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/health", healthHandler).Methods("GET")

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wsManager.Run(ctx)
	})

	if nodeRelay != nil {
		g.Go(func() error {
			return nodeRelay.Run(ctx, func(ctx context.Context, documentID string) error {
				invalidate(documentID)
				return syncHandler.FanOut(ctx, documentID)
			})
		})
	}

	g.Go(func() error {
		logger.Info("starting diffsync server",
			zap.String("addr", addr),
			zap.String("env", cfg.Server.Env),
			zap.String("synchronizer", cfg.Sync.Synchronizer),
			zap.String("store", cfg.Sync.Store),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed to start: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// newStore returns the configured server store and a function dropping
// cached copies of a document changed by another node.
func newStore[T, D any](ctx context.Context, cfg *config.Config, logger *zap.Logger) (engine.ServerDataStore[T, D], func(string), error) {
	if cfg.Sync.Store != config.StoreCouchDB {
		return repository.NewServerMemoryStore[T, D](), func(string) {}, nil
	}

	client, err := kivik.New("couch", cfg.Database.URL())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}

	created, err := repository.EnsureDatabase(ctx, client, cfg.Database.Name)
	if err != nil {
		return nil, nil, err
	}
	if created {
		logger.Info("created database", zap.String("name", cfg.Database.Name))
	}

	store, err := repository.NewCouchServerStore[T, D](client, cfg.Database.Name, cfg.Sync.DocumentCacheSize)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("connected to CouchDB",
		zap.String("host", cfg.Database.Host),
		zap.String("port", cfg.Database.Port),
		zap.String("database", cfg.Database.Name),
	)
	return store, store.Invalidate, nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"diffsync-server"}`))
}
