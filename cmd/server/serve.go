package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"docsync/internal/api"
	"docsync/internal/broadcast/redisbus"
	"docsync/internal/config"
	"docsync/internal/crdt/rga"
	"docsync/internal/db"
	"docsync/internal/extensions/database"
	"docsync/internal/extensions/jwtauth"
	"docsync/internal/extensions/logger"
	"docsync/internal/repository"
	"docsync/internal/services/collaboration"
	"docsync/internal/telemetry"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

Startup order: logger, tracing, storage, bus, session manager, HTTP.
Shutdown runs the other way round so every layer can still use the ones
below it while draining:

  HTTP stops accepting → session manager stores dirty documents and closes
  sockets → bus closes → database closes → traces flush
*/

var (
	serveViper = viper.New()
	serveCmd   = &cobra.Command{
		Use:   "serve",
		Short: "Start the docsync server",
		Long:  `Start the docsync server. Every flag can also be set through the environment as DOCSYNC_<FLAG> (e.g. DOCSYNC_MAX_DEBOUNCE=5s) or in a .env file.`,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return serveViper.BindPFlags(cmd.Flags())
		},
		RunE: runServe,
	}
)

func init() {
	cobra.OnInitialize(func() { config.Prepare(serveViper) })

	f := serveCmd.Flags()
	f.String("host", config.Default("host").(string), "address to listen on")
	f.String("port", config.Default("port").(string), "port to listen on")
	f.Duration("debounce", config.Default("debounce").(time.Duration), "quiet period before a changed document is stored")
	f.Duration("max-debounce", config.Default("max-debounce").(time.Duration), "longest a changed document waits to be stored under constant edits")
	f.Duration("awareness-throttle", config.Default("awareness-throttle").(time.Duration), "minimum gap between awareness publishes per document to other instances")
	f.Duration("idle-timeout", config.Default("idle-timeout").(time.Duration), "close sockets silent for this long")
	f.Duration("cleanup-interval", config.Default("cleanup-interval").(time.Duration), "how often idle sockets and documents are swept")
	f.String("instance-id", "", "id of this instance on the bus (random when empty)")
	f.String("channel-prefix", config.Default("channel-prefix").(string), "prefix of the pub/sub channels")
	f.String("redis-addr", "", "Redis address for cross-instance sync; empty runs a single instance")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database")
	f.String("storage", config.Default("storage").(string), "persistence backend (none, postgres)")
	f.Bool("log-updates", config.Default("log-updates").(bool), "append every applied update to the update log")
	f.String("db-host", config.Default("db-host").(string), "Postgres host")
	f.String("db-port", config.Default("db-port").(string), "Postgres port")
	f.String("db-user", config.Default("db-user").(string), "Postgres user")
	f.String("db-password", config.Default("db-password").(string), "Postgres password")
	f.String("db-name", config.Default("db-name").(string), "Postgres database")
	f.String("db-sslmode", config.Default("db-sslmode").(string), "Postgres sslmode")
	f.String("jwt-secret", "", "HS256 secret; enables token authentication when set")
	f.String("jwt-issuer", "", "required iss claim")
	f.Bool("log-hooks", false, "log every extension hook")
	f.IntP("verbosity", "v", 0, "log verbosity (0 lifecycle, 1 per message, 2 SQL)")
	f.String("jaeger-endpoint", "", "Jaeger collector endpoint; tracing is off when empty")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(serveViper)
	if err != nil {
		return err
	}

	log := telemetry.NewLogger(cfg.Verbosity)
	log.Info("🚀 Starting docsync...", "version", Version)

	// Tracing first so all operations are traced
	if cfg.JaegerEndpoint != "" {
		jaegerShutdown, err := telemetry.InitJaeger("docsync", Version, cfg.JaegerEndpoint, log)
		if err != nil {
			log.Error(err, "⚠️  Failed to initialize Jaeger (continuing without tracing)")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := jaegerShutdown(ctx); err != nil {
					log.Error(err, "⚠️  Failed to shutdown Jaeger")
				}
			}()
		}
	}

	engine := rga.NewEngine()
	var extensions []collaboration.Extension
	if cfg.LogHooks {
		extensions = append(extensions, logger.New(log))
	}
	if cfg.JWTSecret != "" {
		extensions = append(extensions, jwtauth.New([]byte(cfg.JWTSecret), cfg.JWTIssuer))
		log.Info("✓ Token authentication enabled")
	}

	var store api.DocumentStore
	if cfg.Storage == config.StoragePostgres {
		gormDB, err := db.NewGorm(cfg, log)
		if err != nil {
			return err
		}
		defer gormDB.Close()

		repo := repository.NewDocumentStateRepository(gormDB.DB)
		extensions = append(extensions, database.New(repo, engine, database.Options{
			LogUpdates: cfg.LogUpdates,
			Logger:     log,
		}))
		store = repo
	} else {
		log.Info("⚠️  Persistence disabled: documents live only while loaded")
	}

	scfg := collaboration.Configuration{
		Debounce:          cfg.Debounce,
		MaxDebounce:       cfg.MaxDebounce,
		AwarenessThrottle: cfg.AwarenessThrottle,
		IdleTimeout:       cfg.IdleTimeout,
		CleanupInterval:   cfg.CleanupInterval,
		Extensions:        extensions,
		Engine:            engine,
		ChannelPrefix:     cfg.ChannelPrefix,
		InstanceID:        cfg.InstanceID,
		Logger:            log,
	}
	if cfg.RedisAddr != "" {
		bus, err := redisbus.New(cmd.Context(), cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
		if err != nil {
			return err
		}
		defer bus.Close()
		scfg.Bus = bus
	}

	sessionManager := collaboration.NewSessionManager(scfg)
	sessionManager.Start()

	wsHandler := collaboration.NewWebSocketHandler(sessionManager, log)
	handler := api.NewHandler(sessionManager, store, wsHandler)
	router := api.SetupRoutes(handler, log)

	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("🌐 Server listening", "addr", "http://"+cfg.Addr(), "instance", sessionManager.InstanceID())
		log.Info("   GET    /ws                              - Collaboration socket")
		log.Info("   GET    /api/documents                   - Loaded documents")
		log.Info("   GET    /api/documents/{name}/state      - Encoded document state")
		log.Info("   POST   /api/documents/{name}/updates    - Apply an update")
		log.Info("   GET    /metrics                         - Prometheus metrics")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serveErr:
		log.Error(err, "❌ Server error")
		return shutdown(log, server, sessionManager, err)
	}

	log.Info("🛑 Shutting down server...")
	return shutdown(log, server, sessionManager, nil)
}

func shutdown(log logr.Logger, server *http.Server, sm *collaboration.SessionManager, cause error) error {
	// Give the server 30 seconds to finish existing requests and stores
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error(err, "⚠️  Server forced to shutdown")
	}
	if err := sm.Shutdown(ctx); err != nil {
		log.Error(err, "⚠️  Session manager did not drain cleanly")
		if cause == nil {
			cause = err
		}
	}

	log.Info("✓ Server shutdown complete")
	return cause
}
