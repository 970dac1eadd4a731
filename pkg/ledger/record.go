package ledger

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	"github.com/ethereum/go-ethereum/common"
)

// Side of a resting order
type Side uint8

const (
	Bid Side = 1
	Ask Side = 2
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// Valid reports whether s is Bid or Ask
func (s Side) Valid() bool {
	return s == Bid || s == Ask
}

// ParseSide converts "bid"/"buy" and "ask"/"sell" into a Side
func ParseSide(s string) (Side, error) {
	switch s {
	case "bid", "BID", "buy", "BUY":
		return Bid, nil
	case "ask", "ASK", "sell", "SELL":
		return Ask, nil
	default:
		return 0, fmt.Errorf("unknown side %q", s)
	}
}

// Order is a maker order resting in one slot of an account's slot table
type Order struct {
	Side          Side   `json:"side"`
	Price         uint64 `json:"price"`         // smallest currency unit per unit size
	SizeRemaining uint64 `json:"sizeRemaining"` // shrinks on every fill
	SizeTotal     uint64 `json:"sizeTotal"`     // immutable after placement
	CreatedAt     int64  `json:"createdAt"`     // unix seconds
	ExpiresAt     int64  `json:"expiresAt"`     // unix seconds, 0 = never
}

// Expired reports whether the order can no longer be filled at now (unix seconds)
func (o Order) Expired(now int64) bool {
	return o.ExpiresAt != 0 && now >= o.ExpiresAt
}

// SlotTable is a fixed-capacity arena of orders.
// A slot is live iff its bit is set in Occupied; freed slots are zeroed and reused.
type SlotTable struct {
	Slots    []Order        `json:"slots"`
	Occupied *bitset.BitSet `json:"occupied"`
}

// NewSlotTable allocates capacity empty slots
func NewSlotTable(capacity int) SlotTable {
	return SlotTable{
		Slots:    make([]Order, capacity),
		Occupied: bitset.New(uint(capacity)),
	}
}

// Cap returns the fixed number of slots
func (t SlotTable) Cap() int {
	return len(t.Slots)
}

// Open returns the number of occupied slots
func (t SlotTable) Open() int {
	if t.Occupied == nil {
		return 0
	}
	return int(t.Occupied.Count())
}

// IsOccupied reports whether slot i holds a live order
func (t SlotTable) IsOccupied(i int) bool {
	return i >= 0 && i < len(t.Slots) && t.Occupied != nil && t.Occupied.Test(uint(i))
}

// FirstFree returns the lowest free slot index
func (t SlotTable) FirstFree() (int, bool) {
	if t.Occupied == nil {
		return 0, false
	}
	i, ok := t.Occupied.NextClear(0)
	if !ok || i >= uint(len(t.Slots)) {
		return 0, false
	}
	return int(i), true
}

// Get returns the order in slot i
func (t SlotTable) Get(i int) (Order, error) {
	if i < 0 || i >= len(t.Slots) {
		return Order{}, fmt.Errorf("%w: %d (capacity %d)", ErrInvalidIndex, i, len(t.Slots))
	}
	if !t.IsOccupied(i) {
		return Order{}, fmt.Errorf("%w: %d", ErrSlotEmpty, i)
	}
	return t.Slots[i], nil
}

// Live returns the occupied slot indexes in ascending order
func (t SlotTable) Live() []int {
	out := make([]int, 0, t.Open())
	if t.Occupied == nil {
		return out
	}
	for i, ok := t.Occupied.NextSet(0); ok && i < uint(len(t.Slots)); i, ok = t.Occupied.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}

func (t *SlotTable) put(i int, o Order) {
	t.Slots[i] = o
	t.Occupied.Set(uint(i))
}

func (t *SlotTable) free(i int) {
	t.Slots[i] = Order{}
	t.Occupied.Clear(uint(i))
}

func (t SlotTable) clone() SlotTable {
	out := SlotTable{Slots: make([]Order, len(t.Slots))}
	copy(out.Slots, t.Slots)
	if t.Occupied != nil {
		out.Occupied = t.Occupied.Clone()
	} else {
		out.Occupied = bitset.New(uint(len(t.Slots)))
	}
	return out
}

// Account is the per-participant trading record
type Account struct {
	Owner    common.Address  `json:"owner"`              // immutable identity
	Referrer *common.Address `json:"referrer,omitempty"` // set once at registration

	Orders SlotTable `json:"orders"`

	// Cumulative statistics, all in smallest currency unit except volumes (size units)
	MakerVolume            uint64 `json:"makerVolume"`
	MakerRebatesEarned     uint64 `json:"makerRebatesEarned"`
	TakerVolume            uint64 `json:"takerVolume"`
	TakerFeesPaid          uint64 `json:"takerFeesPaid"`
	ReferralRewardsEarned  uint64 `json:"referralRewardsEarned"`
	LiquidityScore         uint64 `json:"liquidityScore"`
	LiquidityRewardsEarned uint64 `json:"liquidityRewardsEarned"`
	LastActivity           int64  `json:"lastActivity"` // unix seconds

	// Version is the store revision this copy was read at (0 = not yet stored)
	Version uint64 `json:"version"`
}

// NewAccount creates a zeroed account with capacity order slots
func NewAccount(owner common.Address, referrer *common.Address, capacity int, now int64) *Account {
	acc := &Account{
		Owner:        owner,
		Orders:       NewSlotTable(capacity),
		LastActivity: now,
	}
	if referrer != nil {
		ref := *referrer
		acc.Referrer = &ref
	}
	return acc
}

// Clone returns a deep copy
func (a *Account) Clone() *Account {
	out := *a
	if a.Referrer != nil {
		ref := *a.Referrer
		out.Referrer = &ref
	}
	out.Orders = a.Orders.clone()
	return &out
}

// HasReferrer reports whether a referrer link was recorded at registration
func (a *Account) HasReferrer() bool {
	return a.Referrer != nil
}

// Validate checks account invariants
func (a *Account) Validate() error {
	if a.Owner == (common.Address{}) {
		return fmt.Errorf("zero owner address")
	}
	if a.Referrer != nil && *a.Referrer == a.Owner {
		return fmt.Errorf("account %s refers itself", a.Owner.Hex())
	}
	if a.Orders.Occupied == nil {
		return fmt.Errorf("account %s: missing slot occupancy", a.Owner.Hex())
	}
	for i, o := range a.Orders.Slots {
		if !a.Orders.IsOccupied(i) {
			if o != (Order{}) {
				return fmt.Errorf("slot %d: free slot holds data", i)
			}
			continue
		}
		if o.Price == 0 || o.SizeTotal == 0 {
			return fmt.Errorf("slot %d: non-positive price or size", i)
		}
		if o.SizeRemaining == 0 || o.SizeRemaining > o.SizeTotal {
			return fmt.Errorf("slot %d: remaining %d outside (0, %d]", i, o.SizeRemaining, o.SizeTotal)
		}
	}
	return nil
}

// FeeParams are the venue's fee rates in basis points
type FeeParams struct {
	MakerRebateBps uint16 `json:"makerRebateBps"`
	TakerFeeBps    uint16 `json:"takerFeeBps"`
	ReferralBps    uint16 `json:"referralBps"`
}

// Validate enforces makerRebate + referral <= takerFee <= 10000,
// so the venue never pays out more than it collects on a fill.
func (p FeeParams) Validate() error {
	if p.TakerFeeBps > BpsDenominator {
		return fmt.Errorf("%w: taker fee %d bps exceeds %d", ErrInvalidFeeConfig, p.TakerFeeBps, BpsDenominator)
	}
	if uint32(p.MakerRebateBps)+uint32(p.ReferralBps) > uint32(p.TakerFeeBps) {
		return fmt.Errorf("%w: rebate %d + referral %d exceeds taker fee %d bps",
			ErrInvalidFeeConfig, p.MakerRebateBps, p.ReferralBps, p.TakerFeeBps)
	}
	return nil
}

// Venue is the single venue-wide configuration and fee accumulator record
type Venue struct {
	Authority common.Address `json:"authority"`
	Fees      FeeParams      `json:"fees"`

	TotalFeesCollected               uint64 `json:"totalFeesCollected"` // withdrawable balance
	TotalFeesWithdrawn               uint64 `json:"totalFeesWithdrawn"`
	TotalLiquidityRewardsDistributed uint64 `json:"totalLiquidityRewardsDistributed"`

	ScoringEpoch    uint64 `json:"scoringEpoch"`    // incremented by every scoring run
	LastRewardEpoch uint64 `json:"lastRewardEpoch"` // last epoch whose rewards were paid

	Version uint64 `json:"version"`
}

// Clone returns a copy
func (v *Venue) Clone() *Venue {
	out := *v
	return &out
}
