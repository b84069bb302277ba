package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Aidin1998/fixedterm/internal/trading"
	"github.com/Aidin1998/fixedterm/internal/trading/config"
	"github.com/Aidin1998/fixedterm/internal/trading/crank"
	"github.com/Aidin1998/fixedterm/internal/trading/eventjournal"
	"github.com/Aidin1998/fixedterm/internal/trading/market"
	"github.com/Aidin1998/fixedterm/internal/trading/messaging"
	"github.com/Aidin1998/fixedterm/internal/trading/realtime"
	"github.com/Aidin1998/fixedterm/internal/trading/repository"
	"github.com/Aidin1998/fixedterm/internal/trading/store"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func (cli *CLI) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Recover the market and serve instructions, the crank and the event feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cli.cfg, cli.logger)
		},
	}
}

// node is everything serve starts, closed in reverse order on exit.
type node struct {
	svc     *trading.Service
	journal *eventjournal.EventJournal
	closers []io.Closer
	logger  *zap.Logger
}

func (n *node) close() {
	for i := len(n.closers) - 1; i >= 0; i-- {
		if err := n.closers[i].Close(); err != nil {
			n.logger.Warn("Failed to close resource", zap.Error(err))
		}
	}
}

// openService builds the journal, the checkpoint store and the market
// service, then recovers state. reporter may be nil.
func openService(ctx context.Context, cfg *config.Config, logger *zap.Logger, reporter market.PositionReporter) (*node, error) {
	mcfg, err := cfg.Market.Market()
	if err != nil {
		return nil, err
	}
	n := &node{logger: logger}

	journal, err := eventjournal.NewEventJournal(logger.Sugar(), cfg.Journal)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	st, err := store.Open(cfg.Store, logger)
	if err != nil {
		journal.Close()
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	n.closers = append(n.closers, st)

	opts := []trading.Option{
		trading.WithLogger(logger),
		trading.WithStore(st, cfg.Store.Every),
	}
	if reporter != nil {
		opts = append(opts, trading.WithMarketOptions(market.WithReporter(reporter)))
	}
	svc, err := trading.NewService(mcfg, journal, opts...)
	if err != nil {
		journal.Close()
		n.close()
		return nil, err
	}
	n.svc = svc
	n.journal = journal

	start := time.Now()
	replayed, err := svc.Recover(ctx)
	if err != nil {
		journal.Close()
		n.close()
		return nil, fmt.Errorf("failed to recover market: %w", err)
	}
	logger.Info("Market ready",
		zap.Int("replayed", replayed),
		zap.Duration("took", time.Since(start)))
	return n, nil
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	var (
		closers  []io.Closer
		reporter market.PositionReporter
		feeds    crank.Fanout
		results  messaging.Publisher
	)
	source := "termd-" + cfg.Market.ID

	if cfg.Kafka.Enabled {
		resultClient := messaging.NewKafkaClient(messaging.NewWriter(cfg.Kafka, cfg.Kafka.ResultTopic), cfg.Kafka.ResultTopic, source, logger)
		feedClient := messaging.NewKafkaClient(messaging.NewWriter(cfg.Kafka, cfg.Kafka.FeedTopic), cfg.Kafka.FeedTopic, source, logger)
		closers = append(closers, resultClient, feedClient)
		results = resultClient
		feeds = append(feeds, feedClient)
		if cfg.Kafka.PositionTopic != "" {
			positions := messaging.NewKafkaClient(messaging.NewWriter(cfg.Kafka, cfg.Kafka.PositionTopic), cfg.Kafka.PositionTopic, source, logger)
			closers = append(closers, positions)
			reporter = messaging.NewPositionPublisher(uuid.MustParse(cfg.Market.ID), positions, market.SystemClock)
		}
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn("Failed to close publisher", zap.Error(err))
			}
		}
	}()

	n, err := openService(ctx, cfg, logger, reporter)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.svc.Stop(); err != nil {
			logger.Error("Failed to stop market service", zap.Error(err))
		}
		n.close()
	}()

	var dedup messaging.Deduplicator
	var lease crank.Lease
	crankID, _ := uuid.Parse(cfg.Crank.ID)
	if cfg.Redis.Enabled {
		client := cfg.Redis.Client()
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		dedup = messaging.NewRedisDeduplicator(client, cfg.Redis.DedupPrefix, cfg.Redis.DedupTTL)
		lease = crank.NewRedisLease(client, cfg.Crank.LeaseKey, crankID.String(), cfg.Crank.LeaseTTL)
	} else {
		lease = crank.NewMemoryLeases(time.Now).Lease(cfg.Crank.LeaseKey, crankID.String(), cfg.Crank.LeaseTTL)
	}

	var crankOpts []crank.Option
	if cfg.Crank.Enabled && cfg.Database.Enabled {
		db, err := repository.Open(cfg.Database)
		if err != nil {
			return err
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		repo, err := repository.NewGormRepository(db, logger.Named("history"))
		if err != nil {
			return err
		}
		crankOpts = append(crankOpts, crank.WithHistory(repo))
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Feed.Enabled {
		hub := realtime.NewHub(cfg.Feed, logger.Named("feed"))
		feeds = append(feeds, hub)
		mux := http.NewServeMux()
		mux.Handle(cfg.Feed.Path, hub)
		g.Go(func() error { return ignoreCanceled(hub.Run(ctx)) })
		g.Go(func() error { return listen(ctx, &http.Server{Addr: cfg.Feed.Addr, Handler: mux}, logger) })
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		g.Go(func() error { return listen(ctx, &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}, logger) })
	}

	if cfg.Kafka.Enabled {
		reader := messaging.NewReader(cfg.Kafka)
		defer reader.Close()
		d := messaging.NewDispatcher(reader, n.svc, results, dedup, cfg.Kafka.InstructionTopic, logger.Named("dispatcher"),
			messaging.WithRetryDelay(cfg.Kafka.RetryDelay))
		g.Go(func() error { return ignoreCanceled(d.Run(ctx)) })
	}

	if cfg.Crank.Enabled {
		if len(feeds) > 0 {
			crankOpts = append(crankOpts, crank.WithFeed(feeds))
		}
		if !n.svc.Market().IsCrank(crankID) {
			logger.Warn("Crank is not authorized on this market, settlement is rejected until AUTHORIZE_CRANK",
				zap.String("crank", crankID.String()))
		}
		c := crank.New(cfg.Crank, crankID, n.svc, n.svc.Market(), lease, logger.Sugar(), crankOpts...)
		g.Go(func() error { return ignoreCanceled(c.Run(ctx)) })
	}

	logger.Info("Market serving",
		zap.Bool("kafka", cfg.Kafka.Enabled),
		zap.Bool("crank", cfg.Crank.Enabled),
		zap.Bool("feed", cfg.Feed.Enabled))
	err = g.Wait()
	logger.Info("Shutting down market")
	return err
}

// listen serves srv until ctx ends, then shuts it down.
func listen(ctx context.Context, srv *http.Server, logger *zap.Logger) error {
	errc := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return fmt.Errorf("http server %s: %w", srv.Addr, err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server %s shutdown: %w", srv.Addr, err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
