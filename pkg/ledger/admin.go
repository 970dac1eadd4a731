package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UpdateFeeParams replaces the venue fee rates. Fills committed afterwards
// use the new rates; a fill already being attempted against the old venue
// version conflicts and is re-priced on retry.
func (l *Ledger) UpdateFeeParams(ctx context.Context, caller common.Address, fees FeeParams) (FeeParams, error) {
	var prev FeeParams
	err := l.transact(ctx, "update_fee_params", func(ctx context.Context, now int64) (*Batch, []Event, error) {
		venue, err := l.loadAuthorizedVenue(ctx, caller)
		if err != nil {
			return nil, nil, err
		}
		if err := fees.Validate(); err != nil {
			return nil, nil, err
		}
		prev = venue.Fees
		venue.Fees = fees
		ev := newEvent(EventFeeParamsUpdated, caller, now, map[string]FeeParams{"old": prev, "new": fees})
		return &Batch{Venue: venue}, []Event{ev}, nil
	})
	if err != nil {
		return FeeParams{}, err
	}
	return prev, nil
}

// WithdrawFees moves amount out of the collected fee balance and hands the
// transfer to the payout collaborator once the debit is committed. A payout
// failure is reported as ErrPayoutFailed; the debit stays and the returned
// request identifies the transfer to reconcile.
func (l *Ledger) WithdrawFees(ctx context.Context, caller common.Address, amount uint64) (PayoutRequest, error) {
	var req PayoutRequest
	err := l.transact(ctx, "withdraw_fees", func(ctx context.Context, now int64) (*Batch, []Event, error) {
		venue, err := l.loadAuthorizedVenue(ctx, caller)
		if err != nil {
			return nil, nil, err
		}
		if amount == 0 {
			return nil, nil, ErrInvalidAmount
		}
		if amount > venue.TotalFeesCollected {
			return nil, nil, fmt.Errorf("%w: requested %d, collected %d", ErrInsufficientFees, amount, venue.TotalFeesCollected)
		}
		withdrawn := venue.TotalFeesWithdrawn
		if err := addU64(&withdrawn, amount, "fees withdrawn"); err != nil {
			return nil, nil, err
		}
		venue.TotalFeesCollected -= amount
		venue.TotalFeesWithdrawn = withdrawn

		req = PayoutRequest{ID: uuid.New(), To: venue.Authority, Amount: amount, Timestamp: now}
		ev := newEvent(EventFeesWithdrawn, caller, now, WithdrawalEvent{
			PayoutID:  req.ID,
			To:        req.To,
			Amount:    amount,
			Remaining: venue.TotalFeesCollected,
		})
		return &Batch{Venue: venue}, []Event{ev}, nil
	})
	if err != nil {
		return PayoutRequest{}, err
	}
	l.metrics.AddWithdrawn(amount)

	if l.payout == nil {
		return req, nil
	}
	if err := l.payout.Transfer(ctx, req); err != nil {
		l.log.Error("payout failed after committed withdrawal",
			zap.String("payout_id", req.ID.String()),
			zap.Uint64("amount", amount),
			zap.Error(err))
		return req, fmt.Errorf("%w: %s: %v", ErrPayoutFailed, req.ID, err)
	}
	return req, nil
}
