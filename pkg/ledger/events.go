package ledger

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// Event types, delivered only after the operation committed
const (
	EventVenueInitialized   = "venue_initialized"
	EventUserRegistered     = "user_registered"
	EventOrderPlaced        = "order_placed"
	EventOrderCancelled     = "order_cancelled"
	EventOrderFilled        = "order_filled"
	EventFeeParamsUpdated   = "fee_params_updated"
	EventFeesWithdrawn      = "fees_withdrawn"
	EventLiquidityScored    = "liquidity_scored"
	EventRewardsDistributed = "rewards_distributed"
)

type Event struct {
	ID        uuid.UUID      `json:"id"`
	Type      string         `json:"type"`
	Account   common.Address `json:"account"` // acting identity
	Timestamp int64          `json:"timestamp"`
	Data      any            `json:"data"`
}

// OrderPlaced / OrderCancelled payload
type OrderEvent struct {
	Index int   `json:"index"`
	Order Order `json:"order"`
}

// OrderFilled payload
type FillEvent struct {
	Maker         common.Address  `json:"maker"`
	Taker         common.Address  `json:"taker"`
	Referrer      *common.Address `json:"referrer,omitempty"`
	OrderIndex    int             `json:"orderIndex"`
	FillSize      uint64          `json:"fillSize"`
	Price         uint64          `json:"price"`
	SizeRemaining uint64          `json:"sizeRemaining"`
	Split         FeeSplit        `json:"split"`
}

type WithdrawalEvent struct {
	PayoutID  uuid.UUID      `json:"payoutId"`
	To        common.Address `json:"to"`
	Amount    uint64         `json:"amount"`
	Remaining uint64         `json:"remaining"`
}

type ScoringEvent struct {
	Epoch    uint64 `json:"epoch"`
	Active   int    `json:"active"`
	AddedSum uint64 `json:"addedSum"`
}

type RewardsEvent struct {
	Epoch      uint64 `json:"epoch"`
	Pool       uint64 `json:"pool"`
	Paid       uint64 `json:"paid"`
	Recipients int    `json:"recipients"`
}

func newEvent(typ string, actor common.Address, now int64, data any) Event {
	return Event{ID: uuid.New(), Type: typ, Account: actor, Timestamp: now, Data: data}
}
