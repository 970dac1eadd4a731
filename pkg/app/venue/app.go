package venue

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/feeledger/pkg/ledger"
	"github.com/uhyunpark/feeledger/pkg/transaction"
)

// App authenticates signed commands and applies them to the ledger
type App struct {
	ledger   *ledger.Ledger
	verifier *transaction.Verifier
	log      *zap.Logger
}

func NewApp(l *ledger.Ledger, v *transaction.Verifier, log *zap.Logger) *App {
	if log == nil {
		log = zap.NewNop()
	}
	return &App{ledger: l, verifier: v, log: log}
}

func (a *App) Ledger() *ledger.Ledger { return a.ledger }

// Receipt is the outcome of an applied command
type Receipt struct {
	Kind   transaction.Kind `json:"kind"`
	Caller common.Address   `json:"caller"`
	Nonce  uint64           `json:"nonce"`
	Result any              `json:"result"`
}

// Apply verifies sc and executes it as its signer
func (a *App) Apply(ctx context.Context, sc *transaction.SignedCommand) (*Receipt, error) {
	v, err := a.verifier.Verify(ctx, sc)
	if err != nil {
		a.log.Warn("command rejected", zap.String("kind", string(sc.Command.Kind)), zap.Error(err))
		return nil, err
	}
	result, err := a.execute(ctx, v)
	if err != nil {
		if undecided(err) {
			if rerr := a.verifier.Release(ctx, v); rerr != nil {
				a.log.Error("nonce release failed", zap.String("caller", v.Caller.Hex()), zap.Uint64("nonce", v.Command.Nonce), zap.Error(rerr))
			} else {
				a.log.Warn("command failed, nonce released for resubmission",
					zap.String("kind", v.Command.Kind), zap.Uint64("nonce", v.Command.Nonce), zap.Error(err))
			}
		}
		return nil, err
	}
	return &Receipt{
		Kind:   transaction.Kind(v.Command.Kind),
		Caller: v.Caller,
		Nonce:  v.Command.Nonce,
		Result: result,
	}, nil
}

func (a *App) execute(ctx context.Context, v *transaction.Verified) (any, error) {
	cmd := v.Command
	switch transaction.Kind(cmd.Kind) {
	case transaction.KindInitVenue:
		return a.ledger.InitVenue(ctx, v.Caller, feesOf(cmd.MakerRebateBps, cmd.TakerFeeBps, cmd.ReferralBps))

	case transaction.KindRegisterUser:
		var referrer *common.Address
		if cmd.Counterparty != (common.Address{}) {
			ref := cmd.Counterparty
			referrer = &ref
		}
		return a.ledger.RegisterUser(ctx, v.Caller, v.Caller, referrer)

	case transaction.KindPlaceOrder:
		if cmd.Expiry > uint64(1<<63-1) {
			return nil, fmt.Errorf("%w: expiry out of range", ledger.ErrInvalidOrder)
		}
		index, err := a.ledger.PlaceOrder(ctx, v.Caller, v.Caller, ledger.OrderRequest{
			Side:      ledger.Side(cmd.Side),
			Price:     cmd.Price,
			Size:      cmd.Size,
			ExpiresAt: int64(cmd.Expiry),
		})
		if err != nil {
			return nil, err
		}
		return map[string]int{"index": index}, nil

	case transaction.KindCancelOrder:
		return a.ledger.CancelOrder(ctx, v.Caller, v.Caller, int(cmd.OrderIndex))

	case transaction.KindFillOrder:
		return a.ledger.FillOrder(ctx, v.Caller, ledger.FillRequest{
			Maker:      cmd.Counterparty,
			Taker:      v.Caller,
			OrderIndex: int(cmd.OrderIndex),
			FillSize:   cmd.Size,
		})

	case transaction.KindUpdateFeeParams:
		prev, err := a.ledger.UpdateFeeParams(ctx, v.Caller, feesOf(cmd.MakerRebateBps, cmd.TakerFeeBps, cmd.ReferralBps))
		if err != nil {
			return nil, err
		}
		return map[string]ledger.FeeParams{"previous": prev}, nil

	case transaction.KindWithdrawFees:
		return a.ledger.WithdrawFees(ctx, v.Caller, cmd.Amount)

	case transaction.KindScoreLiquidity:
		return a.ledger.ScoreLiquidity(ctx, v.Caller)

	case transaction.KindDistributeRewards:
		return a.ledger.DistributeRewards(ctx, v.Caller, cmd.Epoch, cmd.Amount)

	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", transaction.ErrMalformed, cmd.Kind)
	}
}

// undecided reports whether err left the ledger without a commit and without
// a rejection. A failed payout follows a committed withdrawal, so it is decided.
func undecided(err error) bool {
	return !ledger.IsRejection(err) && !errors.Is(err, ledger.ErrPayoutFailed)
}

func feesOf(makerRebate, takerFee, referral uint16) ledger.FeeParams {
	return ledger.FeeParams{MakerRebateBps: makerRebate, TakerFeeBps: takerFee, ReferralBps: referral}
}
