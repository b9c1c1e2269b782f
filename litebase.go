package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kmal808/litebase/admin"
	"github.com/kmal808/litebase/cfg"
	"github.com/kmal808/litebase/db"
	"github.com/kmal808/litebase/gateway"
	"github.com/kmal808/litebase/notify"
	"github.com/kmal808/litebase/publisher"
	_ "github.com/kmal808/litebase/publisher/sink"
	_ "github.com/kmal808/litebase/publisher/transformer"
	"github.com/kmal808/litebase/schema"
	"github.com/kmal808/litebase/telemetry"
	"github.com/kmal808/litebase/tenant"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const statsInterval = 10 * time.Second

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	setupLogging()

	log.Info().Msg("Litebase realtime starting")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Phase 1: shared database pool and change hook function
	pool, err := db.NewPool(ctx, db.PoolConfig{
		DSN:            cfg.Config.Postgres.DSN,
		MaxConnections: int32(cfg.Config.Postgres.MaxConnections),
		ConnectTimeout: time.Duration(cfg.Config.Postgres.ConnectTimeoutSeconds) * time.Second,
		MaxIdleTime:    time.Duration(cfg.Config.Postgres.MaxIdleTimeSeconds) * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Postgres")
		return
	}
	defer pool.Close()

	provisioner, err := schema.NewProvisioner(pool, cfg.Config.Postgres.SystemSchema, cfg.Config.Realtime.Channel)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create schema provisioner")
		return
	}
	if err := provisioner.Install(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to install change hooks")
		return
	}

	// Phase 2: tenant registry
	tenants, err := initializeTenants(ctx, pool)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize tenant registry")
		return
	}

	// Phase 3: subscription registry, dispatcher and exporters
	registry := notify.NewRegistry(cfg.Config.Realtime.RegistryShards)
	dispatcher := notify.NewDispatcher(registry, tenant.IDFromNamespace)

	exporter, err := publisher.NewRegistry(publisher.RegistryConfig{
		NodeID:      cfg.Config.NodeID,
		Resolve:     tenant.IDFromNamespace,
		SinkConfigs: cfg.Config.Sinks,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize change export")
		return
	}
	if err := exporter.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start change export")
		return
	}
	defer exporter.Stop()

	// Phase 4: change listener feeding both
	listener, err := db.NewListener(db.ListenerConfig{
		Channel:      cfg.Config.Realtime.Channel,
		Connect:      db.PgxConnect(cfg.Config.Postgres.DSN),
		RetryInitial: time.Duration(cfg.Config.Realtime.ListenerRetryInitMS) * time.Millisecond,
		RetryMax:     time.Duration(cfg.Config.Realtime.ListenerRetryMaxMS) * time.Millisecond,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create change listener")
		return
	}
	listener.OnEvent(dispatcher)
	listener.OnEvent(exporter)
	listener.Start(ctx)
	defer listener.Stop()

	// Phase 5: websocket gateway
	gw := gateway.NewServer(gateway.ConfigFrom(cfg.Config.Realtime), tenants, registry)
	tenants.OnDelete(func(t *tenant.Tenant) {
		gw.DisconnectTenant(t.ID)
	})

	collector := telemetry.NewMetricsCollector(registry, statsInterval)
	collector.Start()
	defer collector.Stop()

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Mount("/", gw.Routes())
	if handler := telemetry.GetMetricsHandler(); handler != nil {
		router.Handle("/metrics", handler)
	}
	if cfg.Config.Admin.Enabled {
		handlers := admin.NewAdminHandlers(admin.Sources{
			Tenants:     tenants,
			Connections: gw,
			Registry:    registry,
			Dispatcher:  dispatcher,
			Listener:    listener,
			Exports:     exporter,
		})
		router.Mount("/admin", admin.Routes(handlers, cfg.Config.Admin.Secret))
	}

	addr := net.JoinHostPort(cfg.Config.Server.BindAddress, strconv.Itoa(cfg.Config.Server.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- httpServer.ListenAndServe()
	}()

	log.Info().
		Uint64("node_id", cfg.Config.NodeID).
		Str("addr", addr).
		Str("channel", cfg.Config.Realtime.Channel).
		Int("sinks", len(cfg.Config.Sinks)).
		Msg("Node is operational")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Config.Server.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server, close them first.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Gateway shutdown incomplete")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown incomplete")
	}

	log.Info().Msg("Litebase realtime stopped")
}

func setupLogging() {
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("node_id", cfg.Config.NodeID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

func initializeTenants(ctx context.Context, pool *pgxpool.Pool) (*tenant.Registry, error) {
	var store tenant.Store
	switch cfg.Config.Tenants.Storage {
	case cfg.StorageMemory:
		log.Warn().Msg("Using in-memory tenant storage, tenants are lost on restart")
		store = tenant.NewMemoryStore()
	default:
		pgStore, err := tenant.NewPostgresStore(pool, cfg.Config.Postgres.SystemSchema)
		if err != nil {
			return nil, err
		}
		store = pgStore
	}

	tenants, err := tenant.NewRegistry(store, tenant.DefaultCredentials, cfg.Config.Tenants.CredentialCacheSize)
	if err != nil {
		return nil, err
	}
	if err := tenants.Init(ctx); err != nil {
		return nil, err
	}
	return tenants, nil
}
