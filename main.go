package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	bidding "crop-auction/internal/biddingService"
	"crop-auction/internal/config"
	"crop-auction/internal/events"
	"crop-auction/internal/repository"
	"crop-auction/internal/server"
	"crop-auction/utils"

	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := config.Parse(os.Args[1:], os.LookupEnv)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(2)
	}
	if err := utils.SetLevel(cfg.LogLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(2)
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		utils.Fatal("Auction server stopped with error", map[string]any{"error": err.Error()})
	}
	utils.Info("Auction server stopped", nil)
}

func run(ctx context.Context, cfg config.Config) error {
	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	defer ledger.Close()

	hub := events.NewHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go hub.Run(hubCtx)

	publishers, closeSinks, err := openSinks(ctx, cfg.Events)
	if err != nil {
		return err
	}
	defer closeSinks()

	async := events.NewAsync(append(events.Multi{hub}, publishers...), cfg.Events.QueueSize, cfg.Events.PublishTimeout)

	service := bidding.NewBiddingService(ledger,
		bidding.WithPublisher(async),
		bidding.WithPolicy(cfg.Policy()),
		bidding.WithRetry(cfg.Retry()),
	)

	if cfg.Bidding.SweepInterval > 0 {
		sweeper := bidding.NewExpirySweeper(service, cfg.Bidding.SweepInterval)
		go sweeper.Run(ctx)
	}

	router := server.SetupRouter(service, server.RouterOptions{
		Watcher:       hub,
		BidRateLimit:  cfg.Server.BidRateLimit,
		BidRateWindow: cfg.Server.BidRateWindow,
	})

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		utils.Info("Starting auction server", map[string]any{
			"addr":   cfg.Server.Addr,
			"ledger": cfg.Ledger.Driver,
		})
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	utils.Info("Shutting down auction server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		utils.Warn("HTTP shutdown incomplete", map[string]any{"error": err.Error()})
	}
	// flush committed-bid notifications before the sinks go away
	if err := async.Close(shutdownCtx); err != nil {
		utils.Warn("Event queue not drained", map[string]any{"error": err.Error()})
	}
	stopHub()
	return nil
}

// openLedger builds the configured storage backend. The in-memory recent
// bid index spans the fraud policy's history window.
func openLedger(ctx context.Context, cfg config.Config) (repository.Ledger, error) {
	switch cfg.Ledger.Driver {
	case "memory":
		return repository.NewMemoryRepo(repository.WithRecentWindow(cfg.Policy().HistoryWindow())), nil
	case "sqlite":
		return repository.OpenSQL(ctx, repository.DialectSQLite, cfg.Ledger.DSN)
	case "postgres":
		return repository.OpenSQL(ctx, repository.DialectPostgres, cfg.Ledger.DSN)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", cfg.Ledger.Driver)
	}
}

// openSinks connects the optional Redis and NATS publishers
func openSinks(ctx context.Context, cfg config.EventsConfig) ([]events.Publisher, func(), error) {
	var publishers []events.Publisher
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				utils.Warn("Failed to close event sink", map[string]any{"error": err.Error()})
			}
		}
	}

	if cfg.Redis.Addr != "" {
		p, err := events.NewRedisPublisher(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		publishers = append(publishers, p)
		closers = append(closers, p.Close)
		utils.Info("Publishing auction events to Redis", map[string]any{"addr": cfg.Redis.Addr})
	}

	if cfg.NATS.URL != "" {
		p, err := events.NewNATSPublisher(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		publishers = append(publishers, p)
		closers = append(closers, p.Close)
		utils.Info("Publishing auction events to NATS", map[string]any{"url": cfg.NATS.URL, "stream": cfg.NATS.Stream})
	}

	return publishers, closeAll, nil
}
