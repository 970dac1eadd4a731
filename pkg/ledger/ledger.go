package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/feeledger/pkg/util"
)

// DefaultOrderSlots is the per-account order capacity
const DefaultOrderSlots = 5

// Config holds the policy knobs of a Ledger
type Config struct {
	OrderSlots int        // slot capacity of newly registered accounts
	MaxRetries int        // optimistic commit retries before giving up with ErrConflict
	Curve      ScoreCurve // liquidity score policy
}

func DefaultConfig() Config {
	return Config{
		OrderSlots: DefaultOrderSlots,
		MaxRetries: 8,
		Curve:      DefaultCurve(),
	}
}

// PayoutRequest instructs the payout collaborator to move withdrawn fees
type PayoutRequest struct {
	ID        uuid.UUID      `json:"id"`
	To        common.Address `json:"to"`
	Amount    uint64         `json:"amount"`
	Timestamp int64          `json:"timestamp"`
}

// Payout executes value transfers. The ledger only authorizes and accounts for them.
type Payout interface {
	Transfer(ctx context.Context, req PayoutRequest) error
}

// Ledger applies fee/rebate/referral accounting operations to a Store.
//
// A Ledger holds no record state and no locks; every operation loads the
// records it needs, validates, stages post-images in one Batch and commits.
// Overlapping operations are serialized by the store's version check and the
// loser is re-run from scratch against the fresh state.
type Ledger struct {
	cfg     Config
	store   Store
	clock   util.Clock
	payout  Payout
	log     *zap.Logger
	metrics *Metrics
	onEvent func(Event)
}

type Option func(*Ledger)

func WithClock(c util.Clock) Option       { return func(l *Ledger) { l.clock = c } }
func WithPayout(p Payout) Option          { return func(l *Ledger) { l.payout = p } }
func WithLogger(log *zap.Logger) Option   { return func(l *Ledger) { l.log = log } }
func WithMetrics(m *Metrics) Option       { return func(l *Ledger) { l.metrics = m } }
func WithEventHook(fn func(Event)) Option { return func(l *Ledger) { l.onEvent = fn } }

func New(cfg Config, store Store, opts ...Option) *Ledger {
	def := DefaultConfig()
	if cfg.OrderSlots <= 0 {
		cfg.OrderSlots = def.OrderSlots
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Curve == nil {
		cfg.Curve = def.Curve
	}
	l := &Ledger{
		cfg:   cfg,
		store: store,
		clock: util.NewClock(),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration
func (l *Ledger) Config() Config { return l.cfg }

// attempt is one optimistic pass of an operation: it reads, validates and
// returns the batch to commit plus the events to emit once committed.
type attempt func(ctx context.Context, now int64) (*Batch, []Event, error)

func (l *Ledger) transact(ctx context.Context, op string, fn attempt) (err error) {
	start := time.Now()
	defer func() {
		l.metrics.ObserveOp(op, err, time.Since(start))
		switch {
		case err == nil:
			l.log.Debug("ledger op committed", zap.String("op", op))
		case IsRejection(err):
			l.log.Warn("ledger op rejected", zap.String("op", op), zap.String("kind", Kind(err)), zap.Error(err))
		default:
			l.log.Error("ledger op failed", zap.String("op", op), zap.Error(err))
		}
	}()

	for i := 0; i <= l.cfg.MaxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := util.UnixNow(l.clock)
		batch, events, err := fn(ctx, now)
		if err != nil {
			return err
		}
		if batch == nil || batch.Empty() {
			l.emit(events)
			return nil
		}
		err = l.store.Commit(ctx, batch)
		if errors.Is(err, ErrConflict) {
			l.metrics.IncConflict(op)
			l.log.Debug("commit conflict, retrying", zap.String("op", op), zap.Int("attempt", i+1))
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: commit: %w", op, err)
		}
		l.emit(events)
		return nil
	}
	return fmt.Errorf("%s: %w after %d attempts", op, ErrConflict, l.cfg.MaxRetries+1)
}

func (l *Ledger) emit(events []Event) {
	if l.onEvent == nil {
		return
	}
	for _, ev := range events {
		l.onEvent(ev)
	}
}

// loadAuthorizedVenue loads the venue and checks caller against its authority
func (l *Ledger) loadAuthorizedVenue(ctx context.Context, caller common.Address) (*Venue, error) {
	venue, err := l.store.LoadVenue(ctx)
	if err != nil {
		return nil, err
	}
	if caller != venue.Authority {
		return nil, fmt.Errorf("%w: %s is not the venue authority", ErrUnauthorized, caller.Hex())
	}
	return venue, nil
}

// ============================================================================
// Reads
// ============================================================================

func (l *Ledger) Venue(ctx context.Context) (*Venue, error) {
	return l.store.LoadVenue(ctx)
}

func (l *Ledger) Account(ctx context.Context, owner common.Address) (*Account, error) {
	return l.store.LoadAccount(ctx, owner)
}

func (l *Ledger) Accounts(ctx context.Context) ([]*Account, error) {
	return l.store.ListAccounts(ctx)
}

// ============================================================================
// Registration
// ============================================================================

// InitVenue creates the venue record with caller as its authority
func (l *Ledger) InitVenue(ctx context.Context, caller common.Address, fees FeeParams) (*Venue, error) {
	var out *Venue
	err := l.transact(ctx, "init_venue", func(ctx context.Context, now int64) (*Batch, []Event, error) {
		if caller == (common.Address{}) {
			return nil, nil, fmt.Errorf("%w: zero authority", ErrUnauthorized)
		}
		if err := fees.Validate(); err != nil {
			return nil, nil, err
		}
		_, err := l.store.LoadVenue(ctx)
		if err == nil {
			return nil, nil, ErrVenueExists
		}
		if !errors.Is(err, ErrVenueNotInitialized) {
			return nil, nil, err
		}

		out = &Venue{Authority: caller, Fees: fees}
		return &Batch{Venue: out}, []Event{newEvent(EventVenueInitialized, caller, now, fees)}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterUser creates the account record of identity. The referrer does not
// have to be registered; see FillOrder for what happens when it never is.
func (l *Ledger) RegisterUser(ctx context.Context, caller, identity common.Address, referrer *common.Address) (*Account, error) {
	var out *Account
	err := l.transact(ctx, "register_user", func(ctx context.Context, now int64) (*Batch, []Event, error) {
		if identity == (common.Address{}) || caller != identity {
			return nil, nil, fmt.Errorf("%w: %s cannot register %s", ErrUnauthorized, caller.Hex(), identity.Hex())
		}
		if referrer != nil && (*referrer == identity || *referrer == (common.Address{})) {
			return nil, nil, fmt.Errorf("%w: %s", ErrInvalidReferrer, referrer.Hex())
		}
		_, err := l.store.LoadAccount(ctx, identity)
		if err == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyRegistered, identity.Hex())
		}
		if !errors.Is(err, ErrNotRegistered) {
			return nil, nil, err
		}

		out = NewAccount(identity, referrer, l.cfg.OrderSlots, now)
		return &Batch{Accounts: []*Account{out}},
			[]Event{newEvent(EventUserRegistered, identity, now, map[string]any{"referrer": referrer})}, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
