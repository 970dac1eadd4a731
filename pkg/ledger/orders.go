package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// OrderRequest describes a new resting order
type OrderRequest struct {
	Side      Side   `json:"side"`
	Price     uint64 `json:"price"`
	Size      uint64 `json:"size"`
	ExpiresAt int64  `json:"expiresAt"` // unix seconds, 0 = never
}

func (r OrderRequest) validate() error {
	if !r.Side.Valid() {
		return fmt.Errorf("%w: side %d", ErrInvalidOrder, r.Side)
	}
	if r.Price == 0 || r.Size == 0 {
		return fmt.Errorf("%w: price=%d size=%d", ErrInvalidOrder, r.Price, r.Size)
	}
	if r.ExpiresAt < 0 {
		return fmt.Errorf("%w: negative expiry", ErrInvalidOrder)
	}
	return nil
}

// PlaceOrder rests a new order in the first free slot of owner's account and
// returns the slot index. Placement does not look at the opposite side and
// accepts expiries already in the past; such an order is simply unfillable.
func (l *Ledger) PlaceOrder(ctx context.Context, caller, owner common.Address, req OrderRequest) (int, error) {
	var index int
	err := l.transact(ctx, "place_order", func(ctx context.Context, now int64) (*Batch, []Event, error) {
		if caller != owner {
			return nil, nil, fmt.Errorf("%w: %s cannot trade for %s", ErrUnauthorized, caller.Hex(), owner.Hex())
		}
		if err := req.validate(); err != nil {
			return nil, nil, err
		}
		acc, err := l.store.LoadAccount(ctx, owner)
		if err != nil {
			return nil, nil, err
		}
		slot, ok := acc.Orders.FirstFree()
		if !ok {
			return nil, nil, fmt.Errorf("%w: %d/%d slots in use", ErrNoFreeSlot, acc.Orders.Open(), acc.Orders.Cap())
		}

		order := Order{
			Side:          req.Side,
			Price:         req.Price,
			SizeRemaining: req.Size,
			SizeTotal:     req.Size,
			CreatedAt:     now,
			ExpiresAt:     req.ExpiresAt,
		}
		// time in market starts counting when the first order goes up
		if acc.Orders.Open() == 0 {
			acc.LastActivity = now
		}
		acc.Orders.put(slot, order)

		index = slot
		ev := newEvent(EventOrderPlaced, owner, now, OrderEvent{Index: slot, Order: order})
		return &Batch{Accounts: []*Account{acc}}, []Event{ev}, nil
	})
	if err != nil {
		return -1, err
	}
	return index, nil
}

// CancelOrder frees slot index of owner's account whatever its remaining size
// and returns the order that was removed.
func (l *Ledger) CancelOrder(ctx context.Context, caller, owner common.Address, index int) (Order, error) {
	var removed Order
	err := l.transact(ctx, "cancel_order", func(ctx context.Context, now int64) (*Batch, []Event, error) {
		if caller != owner {
			return nil, nil, fmt.Errorf("%w: %s cannot trade for %s", ErrUnauthorized, caller.Hex(), owner.Hex())
		}
		acc, err := l.store.LoadAccount(ctx, owner)
		if err != nil {
			return nil, nil, err
		}
		order, err := acc.Orders.Get(index)
		if err != nil {
			return nil, nil, err
		}
		acc.Orders.free(index)

		removed = order
		ev := newEvent(EventOrderCancelled, owner, now, OrderEvent{Index: index, Order: order})
		return &Batch{Accounts: []*Account{acc}}, []Event{ev}, nil
	})
	if err != nil {
		return Order{}, err
	}
	return removed, nil
}
