package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/zulandar/parley/internal/bridge"
	"github.com/zulandar/parley/internal/bridge/discord"
	"github.com/zulandar/parley/internal/bridge/slack"
	"github.com/zulandar/parley/internal/broadcast"
	"github.com/zulandar/parley/internal/config"
	"github.com/zulandar/parley/internal/db"
	"github.com/zulandar/parley/internal/janitor"
	"github.com/zulandar/parley/internal/logging"
	"github.com/zulandar/parley/internal/metrics"
	"github.com/zulandar/parley/internal/responder"
	"github.com/zulandar/parley/internal/server"
	"github.com/zulandar/parley/internal/store"
	"github.com/zulandar/parley/internal/turns"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const hubBuffer = 64

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Parley server",
		Long: `Runs the HTTP API, the WebSocket and SSE streams, the turn scheduler and
the stale-guard janitor. With redis.addr set, room events are relayed to
every instance; with bridge.platform set, bridged rooms are mirrored into
their Slack or Discord channels.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Parley config file")
	cmd.Flags().IntVarP(&port, "port", "p", 0, "HTTP port (overrides server.port)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	gdb, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gdb); err != nil {
		return err
	}
	st, err := store.New(gdb)
	if err != nil {
		return err
	}

	m := metrics.New()
	hub := broadcast.NewHub(hubBuffer, m)
	var (
		pub   broadcast.Publisher = hub
		relay *broadcast.RedisRelay
	)
	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		relay, err = broadcast.NewRedisRelay(broadcast.RelayOpts{
			Client:  rdb,
			Hub:     hub,
			Prefix:  cfg.Redis.ChannelPrefix,
			Metrics: m,
			Logger:  log,
		})
		if err != nil {
			return err
		}
		pub = relay
	}

	client := responder.NewClient(responder.ClientOpts{
		Providers: cfg.Providers,
		Metrics:   m,
		Logger:    log,
	})
	coord, err := turns.NewCoordinator(turns.CoordinatorOpts{
		Store:       st,
		Credentials: st,
		Generator:   client,
		Publisher:   pub,
		Metrics:     m,
		Logger:      log,
		Scheduler:   cfg.Scheduler,
	})
	if err != nil {
		return err
	}
	defer coord.Shutdown()

	jan, err := janitor.New(janitor.Opts{
		Store:  st,
		Rooms:  coord,
		Cron:   cfg.Janitor.Cron,
		Logger: log,
	})
	if err != nil {
		return err
	}

	gw := broadcast.NewGateway(broadcast.GatewayOpts{
		Hub:            hub,
		Controller:     coord,
		OriginPatterns: cfg.Server.AllowedOrigins,
		Logger:         log,
	})
	srv, err := server.New(server.Opts{
		Admin:      st,
		Controller: coord,
		Hub:        hub,
		Gateway:    gw,
		Models:     client,
		Metrics:    m,
		Logger:     log,
	})
	if err != nil {
		return err
	}

	adapter, err := newBridgeAdapter(cfg.Bridge, log)
	if err != nil {
		return err
	}
	var br *bridge.Bridge
	if adapter != nil {
		br, err = bridge.New(bridge.Opts{
			Adapter:    adapter,
			Platform:   cfg.Bridge.Platform,
			Hub:        hub,
			Controller: coord,
			Rooms:      cfg.Bridge.Rooms,
			Logger:     log,
		})
		if err != nil {
			return err
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(ctx, cfg.Server.Port) })
	g.Go(func() error { return jan.Run(ctx) })
	if relay != nil {
		g.Go(func() error { return relay.Run(ctx) })
	}
	if br != nil {
		g.Go(func() error { return br.Run(ctx) })
	}

	log.Info("parley started",
		zap.String("version", Version),
		zap.String("database", cfg.Database.Driver),
		zap.Bool("redis", relay != nil),
		zap.String("bridge", cfg.Bridge.Platform))
	err = g.Wait()
	log.Info("parley stopped")
	return err
}

// newBridgeAdapter builds the chat platform adapter, or nil when no bridge
// is configured.
func newBridgeAdapter(cfg config.BridgeConfig, log *zap.Logger) (bridge.Adapter, error) {
	switch cfg.Platform {
	case "":
		return nil, nil
	case slack.Platform:
		return slack.New(slack.AdapterOpts{
			AppToken: cfg.Slack.AppToken,
			BotToken: cfg.Slack.BotToken,
			Logger:   log,
		})
	case discord.Platform:
		return discord.New(discord.AdapterOpts{
			BotToken: cfg.Discord.BotToken,
			Logger:   log,
		})
	default:
		return nil, fmt.Errorf("bridge: unsupported platform %q", cfg.Platform)
	}
}
