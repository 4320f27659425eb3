package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/supportsync/internal/activity"
	"github.com/supportsync/internal/api"
	"github.com/supportsync/internal/config"
	"github.com/supportsync/internal/handler"
	"github.com/supportsync/internal/logger"
	"github.com/supportsync/internal/middleware"
	"github.com/supportsync/internal/model"
	"github.com/supportsync/internal/notify"
	"github.com/supportsync/internal/service"
	"github.com/supportsync/internal/session"
	"github.com/supportsync/internal/startup"
	"github.com/supportsync/internal/storage"
	"github.com/supportsync/internal/storage/memory"
	pebblestorage "github.com/supportsync/internal/storage/pebble"
	pgstorage "github.com/supportsync/internal/storage/postgres"
	"github.com/supportsync/internal/widget"
	"github.com/supportsync/internal/ws"
)

func main() {
	logger.SetPrefix("syncagent")
	dev := flag.Bool("dev", false, "keep the session in memory (nothing survives a restart)")
	devPostgres := flag.Bool("dev-postgres", false, "start embedded PostgreSQL and use it as the session store")
	flag.Parse()

	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	logger.Infof("starting sync agent api=%s store=%s", cfg.APIBaseURL, cfg.Store.Backend)

	if *dev {
		cfg.Store.Backend = config.StoreMemory
	}
	if *devPostgres {
		embeddedDB, err := startEmbeddedPostgres(cfg)
		if err != nil {
			logger.Errorf("embedded postgres: %v", err)
			os.Exit(1)
		}
		defer func() {
			logger.Info("stopping embedded postgres...")
			if err := embeddedDB.Stop(); err != nil {
				logger.Errorf("embedded postgres stop: %v", err)
			}
		}()
	}

	store := openStore(cfg)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("store close: %v", err)
		}
	}()

	apiClient := api.NewClient(cfg.APIBaseURL, cfg.APITimeout)
	bus := notify.NewBus()
	sessions := session.New(session.Options{
		Store:             store,
		Auth:              apiClient,
		Bus:               bus,
		InactivityTimeout: cfg.InactivityTimeout,
	})
	apiClient.SetTokenSource(sessions.Token)
	apiClient.OnUnauthorized(sessions.HandleUnauthorized)

	monitor := activity.NewMonitor()
	sessions.Attach(monitor)

	widgetState := widget.New(store)
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := widgetState.Load(loadCtx); err != nil {
		logger.Errorf("widget state: %v", err)
	}
	loadCancel()

	syncSvc := service.NewSyncService(service.SyncOptions{
		Sessions:        sessions,
		Support:         apiClient,
		Widget:          widgetState,
		PollInterval:    cfg.PollInterval,
		ReconcileWindow: cfg.ReconcileWindow,
		MaxBodyLength:   cfg.MaxMessageLength,
		SelfType:        model.SenderType(cfg.SelfSenderType),
		CountOwnUnread:  cfg.CountOwnUnread,
	})

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(ws.HubOptions{
		Activity:  monitor,
		SetWidget: syncSvc.SetWidgetOpen,
		MaxConns:  cfg.MaxWSConnections,
		Snapshot: func() []ws.OutgoingMessage {
			out := []ws.OutgoingMessage{ws.SessionMessage(sessions.Current())}
			if v, ok := syncSvc.Conversation(); ok {
				out = append(out, ws.OutgoingMessage{Type: ws.EventConversationUpdated, Payload: v})
			}
			return out
		},
	})
	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()
	bus.Subscribe(hub.Notify)
	sessions.Subscribe(hub.SessionChanged)
	syncSvc.OnView(hub.ConversationUpdated)

	syncSvc.Start()
	restoreCtx, restoreCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if s, err := sessions.Restore(restoreCtx); err != nil {
		logger.Errorf("session restore: %v", err)
	} else if s != nil {
		logger.Infof("session restored user=%s", s.User.ID)
	}
	restoreCancel()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(middleware.LocalOnly(cfg.BridgeToken))
	r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   splitOrigins(cfg.CORSAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", middleware.BridgeTokenHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	handler.Mount(r, handler.Deps{
		Config:   cfg,
		Sessions: sessions,
		Sync:     syncSvc,
		Activity: monitor,
		Hub:      hub,
	})

	srv := &http.Server{
		Addr:         cfg.BridgeAddr,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("bridge listening on %s", cfg.BridgeAddr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Errorf("server error: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	logger.Info("bridge stopped accepting connections")

	// Сессия остаётся в хранилище: следующий запуск восстановит её, если пользователь не был неактивен.
	syncSvc.Close()
	sessions.Close()
	logger.Info("sync stopped")
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
}

// openStore выбирает хранилище сессии. Недоступные Redis/Postgres не роняют агент:
// сессия переживёт перезапуск в локальном pebble.
func openStore(cfg *config.Config) storage.Store {
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	switch cfg.Store.Backend {
	case config.StoreMemory:
		logger.Info("store: memory (session is not persisted)")
		return memory.New()
	case config.StoreRedis:
		client, err := startup.ConnectRedisWithRetry(ctx, cfg.Store.RedisURL, cfg.Store.Namespace, cfg.Store.TTL, 30*time.Second)
		if err == nil {
			logger.Infof("store: redis namespace=%s", cfg.Store.Namespace)
			return client
		}
		logger.Errorf("store: %v, falling back to pebble", err)
	case config.StorePostgres:
		st, err := openPostgres(ctx, cfg)
		if err == nil {
			return st
		}
		logger.Errorf("store: %v, falling back to pebble", err)
	}

	st, err := pebblestorage.Open(cfg.Store.Path, cfg.Store.Namespace)
	if err != nil {
		logger.Errorf("store: pebble %s: %v", cfg.Store.Path, err)
		os.Exit(1)
	}
	logger.Infof("store: pebble path=%s", cfg.Store.Path)
	return st
}

func openPostgres(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Store.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse db config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.Store.DBMaxConnections)

	pool, err := startup.ConnectDBWithRetry(ctx, poolCfg, 60*time.Second)
	if err != nil {
		return nil, err
	}
	st := pgstorage.New(pool, cfg.Store.Namespace)
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	if cfg.Store.TTL > 0 {
		if n, err := st.PurgeStale(ctx, cfg.Store.TTL); err != nil {
			logger.Errorf("store: purge stale: %v", err)
		} else if n > 0 {
			logger.Infof("store: purged %d stale rows", n)
		}
	}
	logger.Infof("store: postgres namespace=%s", cfg.Store.Namespace)
	return st, nil
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

func startEmbeddedPostgres(cfg *config.Config) (*embeddedpostgres.EmbeddedPostgres, error) {
	const (
		port     = 5433
		user     = "supportsync"
		password = "supportsync_secret"
		database = "supportsync"
	)

	dataDir := filepath.Join(".", ".pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create pgdata dir: %w", err)
	}

	db := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Username(user).
			Password(password).
			Database(database).
			DataPath(dataDir).
			RuntimePath(filepath.Join(os.TempDir(), "embedded-pg-runtime")),
	)

	logger.Info("starting embedded PostgreSQL...")
	if err := db.Start(); err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}

	cfg.Store.Backend = config.StorePostgres
	cfg.Store.DatabaseURL = fmt.Sprintf(
		"postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		user, password, port, database,
	)
	logger.Infof("embedded PostgreSQL running on port %d", port)
	return db, nil
}
