package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/feeledger/params"
	"github.com/uhyunpark/feeledger/pkg/api"
	"github.com/uhyunpark/feeledger/pkg/app/venue"
	"github.com/uhyunpark/feeledger/pkg/crypto"
	"github.com/uhyunpark/feeledger/pkg/ledger"
	"github.com/uhyunpark/feeledger/pkg/payout"
	"github.com/uhyunpark/feeledger/pkg/storage"
	"github.com/uhyunpark/feeledger/pkg/transaction"
	"github.com/uhyunpark/feeledger/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	level := util.ParseLevel(cfg.Log.Level)
	var logger *zap.Logger
	if cfg.Log.File != "" {
		logger, err = util.NewLoggerWithFile(cfg.Log.File, level)
	} else {
		logger, err = util.NewLogger(level)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "level", level.String(), "log_file", cfg.Log.File)

	if err := run(cfg, logger); err != nil {
		sugar.Fatalw("ledgerd_failed", "err", err)
	}
}

func run(cfg params.Config, logger *zap.Logger) error {
	sugar := logger.Sugar()

	// ---- Storage ----
	for _, p := range []string{cfg.Storage.PebblePath, cfg.Storage.PayoutPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
	}
	store, err := storage.NewPebbleStore(cfg.Storage.PebblePath, cfg.Storage.CacheSize)
	if err != nil {
		return err
	}
	defer store.Close()

	journal, err := payout.NewJournal(cfg.Storage.PayoutPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	// ---- Metrics ----
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// ---- Ledger ----
	clk := util.NewClock()
	hub := api.NewHub(logger.Named("ws"))
	l := ledger.New(ledger.Config{
		OrderSlots: cfg.Venue.OrderSlots,
		MaxRetries: cfg.Venue.MaxRetries,
		Curve:      ledger.LinearCurve{TimeUnit: cfg.Liquidity.TimeUnit, VolumeWeightBps: cfg.Liquidity.VolumeWeightBps},
	}, store,
		ledger.WithClock(clk),
		ledger.WithPayout(journal),
		ledger.WithLogger(logger.Named("ledger")),
		ledger.WithMetrics(ledger.NewMetrics(registry)),
		ledger.WithEventHook(hub.PublishEvent),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := bootstrapVenue(ctx, l, cfg.Venue, sugar); err != nil {
		return err
	}

	// ---- App ----
	domain := crypto.DefaultDomain()
	domain.ChainID = cfg.Venue.ChainID
	app := venue.NewApp(l, transaction.NewVerifier(domain, store), logger.Named("app"))

	// ---- API Server ----
	server := api.NewServer(app, api.Config{
		AllowedOrigins: cfg.API.AllowedOrigins,
		RateLimit:      cfg.API.RateLimit,
		RateBurst:      cfg.API.RateBurst,
		Registry:       registry,
		Clock:          clk,
		Hub:            hub,
	}, logger.Named("api"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(gctx, cfg.API.Addr)
	})

	// ---- Liquidity scoring (optional) ----
	if cfg.Liquidity.ScoringInterval > 0 && cfg.Venue.Authority != (common.Address{}) {
		scorerCfg := venue.DefaultScorerConfig(cfg.Venue.Authority)
		scorerCfg.Interval = cfg.Liquidity.ScoringInterval
		scorerCfg.PoolPerEpoch = cfg.Liquidity.PoolPerEpoch
		cancelScorer, done := venue.StartScorer(gctx, l, clk, scorerCfg, logger.Named("scorer"))
		g.Go(func() error {
			<-gctx.Done()
			cancelScorer()
			<-done
			return nil
		})
	} else {
		sugar.Info("scorer_disabled - score_liquidity must be submitted as a signed command")
	}

	sugar.Infow("ledger_ready",
		"api_addr", cfg.API.Addr,
		"pebble_path", cfg.Storage.PebblePath,
		"payout_journal", cfg.Storage.PayoutPath,
		"order_slots", cfg.Venue.OrderSlots,
		"chain_id", domain.ChainID.String())

	return g.Wait()
}

// bootstrapVenue initializes the venue with the configured authority on an
// empty store. An existing venue is left untouched.
func bootstrapVenue(ctx context.Context, l *ledger.Ledger, cfg params.Venue, sugar *zap.SugaredLogger) error {
	v, err := l.Venue(ctx)
	if err == nil {
		sugar.Infow("venue_loaded",
			"authority", v.Authority.Hex(),
			"taker_fee_bps", v.Fees.TakerFeeBps,
			"scoring_epoch", v.ScoringEpoch)
		return nil
	}
	if !errors.Is(err, ledger.ErrVenueNotInitialized) {
		return err
	}
	if cfg.Authority == (common.Address{}) {
		sugar.Warn("venue_uninitialized - waiting for a signed init_venue command")
		return nil
	}
	fees := ledger.FeeParams{MakerRebateBps: cfg.MakerRebateBps, TakerFeeBps: cfg.TakerFeeBps, ReferralBps: cfg.ReferralBps}
	if _, err := l.InitVenue(ctx, cfg.Authority, fees); err != nil {
		return err
	}
	sugar.Infow("venue_initialized", "authority", cfg.Authority.Hex(), "fees", fees)
	return nil
}
