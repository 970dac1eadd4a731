package venue

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/feeledger/pkg/ledger"
	"github.com/uhyunpark/feeledger/pkg/util"
)

// ScorerConfig controls the periodic liquidity scoring loop
type ScorerConfig struct {
	Interval  time.Duration  // how often to score
	Authority common.Address // venue authority the operator runs as
	// PoolPerEpoch, when non-zero, is distributed right after each scoring run
	PoolPerEpoch uint64
}

func DefaultScorerConfig(authority common.Address) ScorerConfig {
	return ScorerConfig{
		Interval:  time.Minute,
		Authority: authority,
	}
}

// StartScorer runs ScoreLiquidity (and optionally DistributeRewards) on every
// tick until ctx is done or the returned cancel function is called.
// done is closed once the loop has exited.
func StartScorer(ctx context.Context, l *ledger.Ledger, clk util.Clock, cfg ScorerConfig, log *zap.Logger) (cancel context.CancelFunc, done <-chan struct{}) {
	if log == nil {
		log = zap.NewNop()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	exited := make(chan struct{})
	ticker := clk.Ticker(cfg.Interval)

	go func() {
		defer close(exited)
		defer ticker.Stop()

		log.Info("scorer started", zap.Duration("interval", cfg.Interval), zap.Uint64("pool_per_epoch", cfg.PoolPerEpoch))
		runs := 0
		for {
			select {
			case <-loopCtx.Done():
				log.Info("scorer stopped", zap.Int("runs", runs))
				return
			case <-ticker.C:
				runs++
				scoreOnce(loopCtx, l, cfg, log)
			}
		}
	}()

	return cancel, exited
}

func scoreOnce(ctx context.Context, l *ledger.Ledger, cfg ScorerConfig, log *zap.Logger) {
	res, err := l.ScoreLiquidity(ctx, cfg.Authority)
	if errors.Is(err, ledger.ErrVenueNotInitialized) {
		return
	}
	if err != nil {
		log.Error("liquidity scoring failed", zap.Error(err))
		return
	}
	log.Info("liquidity scored", zap.Uint64("epoch", res.Epoch), zap.Int("active", res.Active), zap.Uint64("added", res.Added))

	if cfg.PoolPerEpoch == 0 {
		return
	}
	out, err := l.DistributeRewards(ctx, cfg.Authority, res.Epoch, cfg.PoolPerEpoch)
	if err != nil {
		log.Error("reward distribution failed", zap.Uint64("epoch", res.Epoch), zap.Error(err))
		return
	}
	log.Info("rewards distributed", zap.Uint64("epoch", out.Epoch), zap.Uint64("paid", out.Paid), zap.Int("recipients", len(out.Shares)))
}
