package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cuts-ae/support/internal/config"
	"github.com/cuts-ae/support/internal/console"
	"github.com/cuts-ae/support/internal/loop"
	"github.com/cuts-ae/support/internal/messaging"
	"github.com/cuts-ae/support/internal/metrics"
	"github.com/cuts-ae/support/internal/ratelimit"
	"github.com/cuts-ae/support/internal/snapshot"
	"github.com/cuts-ae/support/internal/store"
	"github.com/cuts-ae/support/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var configFile string

	root := &cobra.Command{
		Use:           "console",
		Short:         "Support agent console",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	root.PersistentFlags().String("server-url", "", "push channel URL (ws:// or wss://)")
	root.PersistentFlags().String("api-url", "", "snapshot API base URL")
	root.PersistentFlags().String("agent-id", "", "local agent id")
	bindFlag(v, root, "server_url", "server-url")
	bindFlag(v, root, "api_url", "api-url")
	bindFlag(v, root, "agent_id", "agent-id")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Connect and run the interactive operator shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return run(cfg)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "snapshot",
		Short: "Fetch the session snapshot once and print it as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v, configFile)
			if err != nil {
				return err
			}
			return printSnapshot(cmd.Context(), cfg)
		},
	})
	return root
}

func bindFlag(v *viper.Viper, cmd *cobra.Command, key, flag string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		log.Fatalf("bind flag %s: %v", flag, err)
	}
}

func run(cfg *config.Config) error {
	instanceID := uuid.NewString()

	log.Printf("Support console starting")
	log.Printf("  agent_id:        %s", cfg.AgentID)
	log.Printf("  instance_id:     %s", instanceID)
	log.Printf("  server_url:      %s", cfg.ServerURL)
	log.Printf("  api_url:         %s", cfg.APIURL)
	log.Printf("  token:           %s", cfg.Redacted())
	log.Printf("  typing_timeout:  %s", cfg.TypingTimeout)
	log.Printf("  reconnect:       %s..%s", cfg.ReconnectBase, cfg.ReconnectMax)
	log.Printf("  heartbeat:       %s (timeout %s)", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)
	log.Printf("  cache_backend:   %s", cfg.CacheBackend)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  metrics_addr:    %s", cfg.MetricsAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lp := loop.New(loop.DefaultBuffer)

	tcfg := transport.DefaultConfig()
	tcfg.URL = cfg.ServerURL
	tcfg.Token = cfg.Token
	tcfg.InstanceID = instanceID
	tcfg.ReconnectBase = cfg.ReconnectBase
	tcfg.ReconnectMax = cfg.ReconnectMax
	tcfg.HeartbeatInterval = cfg.HeartbeatInterval
	tcfg.HeartbeatTimeout = cfg.HeartbeatTimeout
	tcfg.WriteTimeout = cfg.WriteTimeout
	tr := transport.New(tcfg, lp.Post)

	loader := snapshot.NewLoader(cfg.APIURL, cfg.Token, cfg.SnapshotTimeout)

	var opts []console.Option

	// --- Cache ---
	cache, err := openCache(cfg)
	if err != nil {
		log.Printf("cache unavailable, continuing without: %v", err)
	} else if cache != nil {
		defer cache.Close()
		opts = append(opts, console.WithStore(cache))
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Printf("nats unavailable, state mirror disabled: %v", err)
		} else {
			defer natsClient.Close()
			opts = append(opts, console.WithPublisher(natsClient))
		}
	}

	c := console.New(console.Config{
		AgentID:         cfg.AgentID,
		InstanceID:      instanceID,
		TypingTimeout:   cfg.TypingTimeout,
		SnapshotTimeout: cfg.SnapshotTimeout,
		RetryBase:       cfg.ReconnectBase,
		RetryMax:        cfg.ReconnectMax,
		MessageRule: ratelimit.Rule{
			Key:    ratelimit.RuleMessage.Key,
			Limit:  cfg.MessageRateLimit,
			Window: cfg.MessageRateWindow,
		},
	}, lp, tr, loader, opts...)

	if natsClient != nil {
		if err := natsClient.SubscribeResync(cfg.AgentID, func() {
			if err := c.Resync(ctx); err != nil {
				log.Printf("[nats] resync: %v", err)
			}
		}); err != nil {
			log.Printf("nats resync subscription failed: %v", err)
		}
	}

	// --- Metrics ---
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server error: %v", err)
			}
		}()
		defer srv.Close()
	}

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			log.Printf("received signal %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	go func() {
		newShell(c, os.Stdin, os.Stdout).run(ctx)
		cancel()
	}()

	return c.Run(ctx)
}

func openCache(cfg *config.Config) (store.SnapshotStore, error) {
	switch cfg.CacheBackend {
	case config.CacheSQLite:
		return store.NewSQLite(cfg.SQLitePath)
	case config.CacheRedis:
		return store.NewRedis(cfg.RedisAddr)
	}
	return nil, nil
}

func printSnapshot(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	loader := snapshot.NewLoader(cfg.APIURL, cfg.Token, cfg.SnapshotTimeout)
	sessions, err := loader.Fetch(ctx, cfg.AgentID)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sessions)
}
