package main

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

	"github.com/casualjim/slipstream/internal/broker"
	"github.com/casualjim/slipstream/internal/checkpoint"
	"github.com/casualjim/slipstream/internal/config"
	"github.com/casualjim/slipstream/internal/orchestrator"
	"github.com/casualjim/slipstream/internal/server"
	"github.com/casualjim/slipstream/internal/store"
	"github.com/casualjim/slipstream/pkg/natsx"
	"github.com/casualjim/slipstream/pkg/redisx"
	"github.com/casualjim/slipstream/pkg/slogx"
	"github.com/casualjim/slipstream/provider/models"
	"github.com/fogfish/opts"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const shutdownTimeout = 15 * time.Second

var anyOrigin bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the WebSocket gateway",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&anyOrigin, "any-origin", false, "accept WebSocket upgrades from any Origin")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := cfg.RequireServe(); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.BusTransport != config.BusLocal || cfg.GuardBackend == config.GuardRedis {
		var err error
		if rdb, err = redisx.NewClient(ctx, cfg.RedisURL, cfg.RedisPassword); err != nil {
			return err
		}
		defer rdb.Close()
	}

	transport, closeTransport, err := newTransport(rdb)
	if err != nil {
		return err
	}
	defer closeTransport()
	bus := broker.New(transport, broker.WithHeartbeat(cfg.Heartbeat))
	defer bus.Close()

	checkpoints := checkpoint.NewMemory(cfg.CheckpointTTL)
	if rdb != nil {
		if checkpoints, err = checkpoint.NewRedis(rdb, checkpoint.WithTTL(cfg.CheckpointTTL)); err != nil {
			return err
		}
	}
	guard := orchestrator.NewLocalGuard()
	if cfg.GuardBackend == config.GuardRedis {
		guard = orchestrator.NewRedisGuard(rdb, orchestrator.DefaultGuardTTL)
	}

	keys := store.NewKeyring()
	orchOpts := []opts.Option[orchestrator.Orchestrator]{
		orchestrator.WithGuard(guard),
		orchestrator.WithCheckpoints(checkpoints),
		orchestrator.WithPublisher(bus),
		orchestrator.WithConversations(store.NewMemory()),
		orchestrator.WithKeys(keys),
		orchestrator.WithBaseURLs(cfg.BaseURLs),
		orchestrator.WithIdleTimeout(cfg.IdleTimeout),
		orchestrator.WithCheckpointEvery(cfg.CheckpointEvery),
	}
	if titles, err := newTitles(ctx, keys); err != nil {
		slog.Warn("title generation disabled", slogx.Error(err))
	} else if titles != nil {
		orchOpts = append(orchOpts, orchestrator.WithTitles(titles))
	}
	orch, err := orchestrator.New(orchOpts...)
	if err != nil {
		return err
	}

	srvOpts := []opts.Option[server.Server]{
		server.WithGenerator(orch),
		server.WithBroadcastChannel(cfg.BroadcastChannel),
		server.WithInboundRate(rate.Limit(cfg.InboundRate)),
		server.WithInboundBurst(cfg.InboundBurst),
	}
	if anyOrigin {
		srvOpts = append(srvOpts, server.WithCheckOrigin(func(*http.Request) bool { return true }))
	}
	srv, err := server.New(server.JWTVerifier{Secret: []byte(cfg.JWTSecret)}, bus, srvOpts...)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("slipstream listening",
			slog.String("addr", cfg.Addr),
			slog.String("bus", string(cfg.BusTransport)),
			slog.String("guard", string(cfg.GuardBackend)),
		)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		err := errors.Join(httpServer.Shutdown(shutdownCtx), srv.Shutdown(shutdownCtx))
		orch.Wait()
		return err
	})
	return g.Wait()
}

func newTransport(rdb *redis.Client) (broker.Transport, func(), error) {
	switch cfg.BusTransport {
	case config.BusRedis:
		return broker.Redis(rdb), func() {}, nil
	case config.BusNATS:
		nc, err := natsx.NewClient(cfg.NATSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to nats: %w", err)
		}
		return broker.NATS(nc), func() { _ = nc.Drain() }, nil
	default:
		return broker.Local(), func() {}, nil
	}
}

// newTitles builds the title generator from TITLE_PROVIDER. It returns nil
// when no provider is configured.
func newTitles(ctx context.Context, keys store.Keys) (orchestrator.TitleGenerator, error) {
	if cfg.TitleProvider == "" {
		return nil, nil
	}
	apiKey, err := keys.Lookup(ctx, "", cfg.TitleProvider)
	if err != nil {
		return nil, err
	}
	p, entry, err := models.Resolve(cfg.TitleProvider, models.Credentials{
		APIKey:  apiKey,
		BaseURL: cfg.BaseURLs[cfg.TitleProvider],
	})
	if err != nil {
		return nil, err
	}
	model := cfg.TitleModel
	if model == "" {
		model = entry.DefaultModel
	}
	return orchestrator.ProviderTitles{Provider: p, Model: model}, nil
}
