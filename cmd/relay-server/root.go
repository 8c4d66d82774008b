package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fluxdesk/relay/internal/bus"
	"github.com/fluxdesk/relay/internal/catalog"
	"github.com/fluxdesk/relay/internal/commandstore"
	"github.com/fluxdesk/relay/internal/config"
	"github.com/fluxdesk/relay/internal/idempotency"
	"github.com/fluxdesk/relay/internal/janitor"
	"github.com/fluxdesk/relay/internal/logger"
	"github.com/fluxdesk/relay/internal/registry"
	"github.com/fluxdesk/relay/internal/relayid"
	"github.com/fluxdesk/relay/internal/router"
	"github.com/fluxdesk/relay/internal/server"
)

// version is injected at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("RELAY")
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "relay-server",
		Short:         "Runs one instance of the multi-instance WebSocket relay",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}
	cmd.Flags().Bool("version", false, "Print version and exit")
	config.BindFlags(cmd.Flags())
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		panic(err)
	}

	if cfgFile := os.Getenv("RELAY_CONFIG_FILE"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		_ = v.ReadInConfig()
	}

	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	if v.GetBool("version") {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger.Init()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid log level %q, using default\n", cfg.LogLevel)
	}
	log := logger.Logger().WithField("component", "cli")

	cat, store, closeBackends, err := buildStores(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store backend: %w", err)
	}
	defer closeBackends()

	b, closeBus, err := buildBus(ctx, cfg)
	if err != nil {
		return fmt.Errorf("bus backend: %w", err)
	}
	defer closeBus()

	reg := registry.New()
	seen := idempotency.NewSet(cfg.IdempotencyWindow)
	rtr := router.New(reg, cat, store, b, seen)

	if err := b.Subscribe(ctx, bus.Handlers{
		OnCommand:       func(env bus.CommandEnvelope) { rtr.OnRemoteCommand(context.Background(), env) },
		OnFrameAck:      rtr.OnRemoteFrameAck,
		OnFrameData:     rtr.OnRemoteFrameData,
		OnCommandResult: rtr.OnRemoteCommandResult,
	}); err != nil {
		return fmt.Errorf("bus subscribe: %w", err)
	}

	janCfg := janitor.Config{
		Period:           cfg.JanitorPeriod,
		HeartbeatTimeout: cfg.JanitorHeartbeatTimeout,
		GraceWindow:      cfg.JanitorGraceWindow,
		StreamingTTL:     janitor.DefaultStreamingTTL,
		OneShotTTL:       cfg.JanitorOneShotTTL,
	}
	jan := janitor.New(reg, cat, store, b, nil, janCfg)

	srv := server.New(server.Config{
		ListenAddr:        cfg.ListenAddr,
		OutboundQueueSize: cfg.OutboundQueueSize,
		WriteRateLimit:    cfg.WriteRateLimit,
		WriteBurst:        cfg.WriteBurst,
	}, reg, cat, store, rtr, jan, nil)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := srv.Start(runCtx); err != nil {
		return fmt.Errorf("server start: %w", err)
	}
	log.WithField("addr", srv.Addr().String()).WithField("version", version).WithField("instance_id", relayid.InstanceID()).Info("relay-server: started")

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()
	log.Info("relay-server: shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		if err := srv.Stop(); err != nil {
			log.WithError(err).Error("relay-server: stop error")
		}
		close(done)
	}()

	select {
	case <-done:
		log.Info("relay-server: stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("relay-server: forced exit after shutdown timeout")
	}
	return nil
}

// buildStores constructs the Catalog and Command Store per cfg.StoreBackend,
// returning a close func that releases any pooled resources.
func buildStores(ctx context.Context, cfg *config.Config) (catalog.Catalog, commandstore.Store, func(), error) {
	if cfg.StoreBackend == "memory" {
		return catalog.NewMemoryCatalog(), commandstore.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	cat, err := catalog.NewPostgresCatalog(pool, 1024)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("new postgres catalog: %w", err)
	}
	if err := cat.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ensure catalog schema: %w", err)
	}

	store := commandstore.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("ensure command store schema: %w", err)
	}

	return cat, store, pool.Close, nil
}

// buildBus constructs the Realtime Bus per cfg.BusBackend.
func buildBus(ctx context.Context, cfg *config.Config) (bus.Bus, func(), error) {
	if cfg.BusBackend == "memory" {
		b := bus.NewMemoryBus()
		return b, func() { _ = b.Close() }, nil
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	b := bus.NewRedisBus(client, logger.Logger().WithField("component", "bus"))
	return b, func() { _ = b.Close() }, nil
}
