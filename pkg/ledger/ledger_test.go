package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
)

var (
	authority = common.HexToAddress("0xA0000000000000000000000000000000000000A0")
	maker     = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	taker     = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	carol     = common.HexToAddress("0xCC00000000000000000000000000000000000000")
	ghost     = common.HexToAddress("0xDD00000000000000000000000000000000000000")

	referenceFees = FeeParams{MakerRebateBps: 2, TakerFeeBps: 5, ReferralBps: 1}
)

type testEnv struct {
	l      *Ledger
	store  *MemStore
	clock  *clock.Mock
	events []Event
	mu     sync.Mutex
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{store: NewMemStore(), clock: clock.NewMock()}
	env.clock.Set(time.Unix(1_700_000_000, 0))
	opts = append([]Option{
		WithClock(env.clock),
		WithEventHook(func(ev Event) {
			env.mu.Lock()
			env.events = append(env.events, ev)
			env.mu.Unlock()
		}),
	}, opts...)
	env.l = New(DefaultConfig(), env.store, opts...)
	return env
}

func (e *testEnv) now() int64 { return e.clock.Now().Unix() }

func (e *testEnv) eventTypes() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

// setupVenue initializes the reference venue, registers maker and taker
// (taker referred by referrer, if non-nil) and rests an Ask 100 x 10.
func setupVenue(t *testing.T, e *testEnv, referrer *common.Address) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.l.InitVenue(ctx, authority, referenceFees); err != nil {
		t.Fatalf("init venue: %v", err)
	}
	if _, err := e.l.RegisterUser(ctx, maker, maker, nil); err != nil {
		t.Fatalf("register maker: %v", err)
	}
	if _, err := e.l.RegisterUser(ctx, taker, taker, referrer); err != nil {
		t.Fatalf("register taker: %v", err)
	}
	if _, err := e.l.PlaceOrder(ctx, maker, maker, OrderRequest{Side: Ask, Price: 100, Size: 10}); err != nil {
		t.Fatalf("place order: %v", err)
	}
}

func mustDigest(t *testing.T, l *Ledger) common.Hash {
	t.Helper()
	snap, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	h, err := snap.Digest()
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	return h
}

func mustConserve(t *testing.T, l *Ledger) {
	t.Helper()
	snap, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if err := snap.CheckConservation(); err != nil {
		t.Fatal(err)
	}
}

func TestEndToEndScenario(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	ref := maker
	setupVenue(t, e, &ref)

	res, err := e.l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 0, FillSize: 5})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if res.SizeRemaining != 5 || res.SlotFreed {
		t.Errorf("remaining = %d freed = %v, want 5 false", res.SizeRemaining, res.SlotFreed)
	}

	m, _ := e.l.Account(ctx, maker)
	tk, _ := e.l.Account(ctx, taker)
	v, _ := e.l.Venue(ctx)
	if got := m.Orders.Slots[0].SizeRemaining; got != 5 {
		t.Errorf("order remaining = %d, want 5", got)
	}
	if m.MakerVolume != 5 || tk.TakerVolume != 5 {
		t.Errorf("volumes maker=%d taker=%d, want 5 5", m.MakerVolume, tk.TakerVolume)
	}
	if v.TotalFeesCollected != 0 {
		t.Errorf("fees collected = %d, want 0 (truncation)", v.TotalFeesCollected)
	}

	// Grow the accumulator with a large fill, then withdraw exactly 1
	if _, err := e.l.PlaceOrder(ctx, maker, maker, OrderRequest{Side: Ask, Price: 1_000_000, Size: 1_000}); err != nil {
		t.Fatalf("place large order: %v", err)
	}
	if _, err := e.l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 1, FillSize: 1_000}); err != nil {
		t.Fatalf("large fill: %v", err)
	}
	before, _ := e.l.Venue(ctx)
	if before.TotalFeesCollected <= 1 {
		t.Fatalf("expected fees > 1, got %d", before.TotalFeesCollected)
	}

	if _, err := e.l.WithdrawFees(ctx, authority, 1); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	after, _ := e.l.Venue(ctx)
	if after.TotalFeesCollected != before.TotalFeesCollected-1 {
		t.Errorf("fees after withdraw = %d, want %d", after.TotalFeesCollected, before.TotalFeesCollected-1)
	}
	if _, err := e.l.WithdrawFees(ctx, authority, after.TotalFeesCollected+1); !errors.Is(err, ErrInsufficientFees) {
		t.Errorf("over-withdraw err = %v, want ErrInsufficientFees", err)
	}
	mustConserve(t, e.l)
}

func TestFillRejectionsLeaveStateUnchanged(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	setupVenue(t, e, nil)
	if _, err := e.l.PlaceOrder(ctx, maker, maker, OrderRequest{Side: Bid, Price: 50, Size: 3, ExpiresAt: e.now() + 60}); err != nil {
		t.Fatalf("place expiring order: %v", err)
	}
	e.clock.Add(time.Minute)

	tests := []struct {
		name   string
		caller common.Address
		req    FillRequest
		want   error
	}{
		{"self trade", maker, FillRequest{Maker: maker, Taker: maker, OrderIndex: 0, FillSize: 1}, ErrSelfTrade},
		{"zero size", taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 0, FillSize: 0}, ErrZeroFillSize},
		{"oversize", taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 0, FillSize: 11}, ErrInsufficientRemainingSize},
		{"empty slot", taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 4, FillSize: 1}, ErrSlotEmpty},
		{"bad index", taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 5, FillSize: 1}, ErrInvalidIndex},
		{"expired at expiry instant", taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 1, FillSize: 1}, ErrExpiredOrder},
		{"caller not taker", carol, FillRequest{Maker: maker, Taker: taker, OrderIndex: 0, FillSize: 1}, ErrUnauthorized},
		{"unknown taker", ghost, FillRequest{Maker: maker, Taker: ghost, OrderIndex: 0, FillSize: 1}, ErrNotRegistered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := mustDigest(t, e.l)
			_, err := e.l.FillOrder(ctx, tt.caller, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !IsRejection(err) {
				t.Errorf("%v not classified as rejection", err)
			}
			if after := mustDigest(t, e.l); after != before {
				t.Error("rejected fill mutated state")
			}
		})
	}
}

func TestFillRejectedBeforeMutation(t *testing.T) {
	tests := []struct {
		name   string
		poison func(t *testing.T, s *MemStore)
		want   error
	}{
		{
			// stored fees where rebate + referral exceed the fee: 40 + 4 > 20 on a 400 notional
			name: "fee invariant",
			poison: func(t *testing.T, s *MemStore) {
				v, err := s.LoadVenue(context.Background())
				if err != nil {
					t.Fatal(err)
				}
				v.Fees = FeeParams{MakerRebateBps: 1_000, TakerFeeBps: 500, ReferralBps: 100}
				if err := s.Commit(context.Background(), &Batch{Venue: v}); err != nil {
					t.Fatal(err)
				}
			},
			want: ErrConfigInvariantViolated,
		},
		{
			name: "maker volume overflow",
			poison: func(t *testing.T, s *MemStore) {
				acc, err := s.LoadAccount(context.Background(), maker)
				if err != nil {
					t.Fatal(err)
				}
				acc.MakerVolume = math.MaxUint64 - 1
				if err := s.Commit(context.Background(), &Batch{Accounts: []*Account{acc}}); err != nil {
					t.Fatal(err)
				}
			},
			want: ErrOverflow,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			ctx := context.Background()
			setupVenue(t, e, &carol)
			if _, err := e.l.RegisterUser(ctx, carol, carol, nil); err != nil {
				t.Fatal(err)
			}
			tt.poison(t, e.store)
			nEvents := len(e.eventTypes())

			before := mustDigest(t, e.l)
			_, err := e.l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 0, FillSize: 4})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !IsRejection(err) {
				t.Errorf("%v not classified as rejection", err)
			}
			if after := mustDigest(t, e.l); after != before {
				t.Error("rejected fill mutated state")
			}
			if n := len(e.eventTypes()); n != nEvents {
				t.Errorf("rejected fill emitted %d events", n-nEvents)
			}
			m, _ := e.l.Account(ctx, maker)
			if o, err := m.Orders.Get(0); err != nil || o.SizeRemaining != 10 {
				t.Errorf("maker order after rejection = %+v, %v", o, err)
			}
		})
	}
}

func TestExpiryBoundary(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	setupVenue(t, e, nil)
	idx, err := e.l.PlaceOrder(ctx, maker, maker, OrderRequest{Side: Bid, Price: 10, Size: 2, ExpiresAt: e.now() + 10})
	if err != nil {
		t.Fatalf("place: %v", err)
	}

	e.clock.Add(9 * time.Second)
	if _, err := e.l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: idx, FillSize: 1}); err != nil {
		t.Fatalf("fill before expiry: %v", err)
	}
	e.clock.Add(time.Second)
	if _, err := e.l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: idx, FillSize: 1}); !errors.Is(err, ErrExpiredOrder) {
		t.Fatalf("fill at expiry: err = %v, want ErrExpiredOrder", err)
	}

	// expired orders stay until cancelled
	acc, _ := e.l.Account(ctx, maker)
	if !acc.Orders.IsOccupied(idx) {
		t.Fatal("expired order was auto-cancelled")
	}
	if _, err := e.l.CancelOrder(ctx, maker, maker, idx); err != nil {
		t.Fatalf("cancel expired: %v", err)
	}
}

func TestFillToZeroFreesSlot(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	setupVenue(t, e, nil)

	remaining := uint64(10)
	for _, size := range []uint64{3, 3, 4} {
		res, err := e.l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 0, FillSize: size})
		if err != nil {
			t.Fatalf("fill %d: %v", size, err)
		}
		remaining -= size
		if res.SizeRemaining != remaining {
			t.Errorf("remaining = %d, want %d", res.SizeRemaining, remaining)
		}
	}
	acc, _ := e.l.Account(ctx, maker)
	if acc.Orders.IsOccupied(0) || acc.Orders.Slots[0] != (Order{}) {
		t.Error("fully filled slot not freed")
	}
	if _, err := e.l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 0, FillSize: 1}); !errors.Is(err, ErrSlotEmpty) {
		t.Errorf("fill freed slot: err = %v, want ErrSlotEmpty", err)
	}
}

func TestReferral(t *testing.T) {
	ctx := context.Background()
	big := OrderRequest{Side: Ask, Price: 1_000, Size: 100}

	t.Run("registered referrer is credited", func(t *testing.T) {
		e := newTestEnv(t)
		ref := carol
		setupVenue(t, e, &ref)
		if _, err := e.l.RegisterUser(ctx, carol, carol, nil); err != nil {
			t.Fatalf("register carol: %v", err)
		}
		if _, err := e.l.PlaceOrder(ctx, maker, maker, big); err != nil {
			t.Fatal(err)
		}
		res, err := e.l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 1, FillSize: 100})
		if err != nil {
			t.Fatalf("fill: %v", err)
		}
		if res.Referrer == nil || *res.Referrer != carol || res.Split.ReferralCut != 10 {
			t.Fatalf("referral not paid: %+v", res)
		}
		c, _ := e.l.Account(ctx, carol)
		if c.ReferralRewardsEarned != 10 {
			t.Errorf("carol referral = %d, want 10", c.ReferralRewardsEarned)
		}
		v, _ := e.l.Venue(ctx)
		if v.TotalFeesCollected != 20 {
			t.Errorf("venue fees = %d, want 20", v.TotalFeesCollected)
		}
		mustConserve(t, e.l)
	})

	t.Run("missing referrer forfeits to venue", func(t *testing.T) {
		e := newTestEnv(t)
		ref := ghost
		setupVenue(t, e, &ref)
		if _, err := e.l.PlaceOrder(ctx, maker, maker, big); err != nil {
			t.Fatal(err)
		}
		res, err := e.l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 1, FillSize: 100})
		if err != nil {
			t.Fatalf("fill: %v", err)
		}
		if !res.Split.ReferralForfeited || res.Split.ReferralCut != 0 || res.Referrer != nil {
			t.Fatalf("expected forfeited referral: %+v", res)
		}
		v, _ := e.l.Venue(ctx)
		if v.TotalFeesCollected != 30 {
			t.Errorf("venue fees = %d, want 30", v.TotalFeesCollected)
		}
		if _, err := e.l.Account(ctx, ghost); !errors.Is(err, ErrNotRegistered) {
			t.Errorf("referrer record created implicitly: %v", err)
		}
		mustConserve(t, e.l)
	})

	t.Run("maker as referrer", func(t *testing.T) {
		e := newTestEnv(t)
		ref := maker
		setupVenue(t, e, &ref)
		if _, err := e.l.PlaceOrder(ctx, maker, maker, big); err != nil {
			t.Fatal(err)
		}
		if _, err := e.l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 1, FillSize: 100}); err != nil {
			t.Fatalf("fill: %v", err)
		}
		m, _ := e.l.Account(ctx, maker)
		if m.ReferralRewardsEarned != 10 || m.MakerRebatesEarned != 20 || m.MakerVolume != 100 {
			t.Errorf("maker = rebates %d referral %d volume %d, want 20 10 100",
				m.MakerRebatesEarned, m.ReferralRewardsEarned, m.MakerVolume)
		}
		mustConserve(t, e.l)
	})
}

func TestRegistration(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	first := carol
	if _, err := e.l.RegisterUser(ctx, taker, taker, &first); err != nil {
		t.Fatalf("register: %v", err)
	}
	second := maker
	if _, err := e.l.RegisterUser(ctx, taker, taker, &second); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("re-register err = %v, want ErrAlreadyRegistered", err)
	}
	acc, _ := e.l.Account(ctx, taker)
	if acc.Referrer == nil || *acc.Referrer != carol {
		t.Errorf("referrer changed to %v", acc.Referrer)
	}
	if acc.Orders.Cap() != DefaultOrderSlots || acc.Orders.Open() != 0 {
		t.Errorf("slots cap=%d open=%d", acc.Orders.Cap(), acc.Orders.Open())
	}

	self := maker
	if _, err := e.l.RegisterUser(ctx, maker, maker, &self); !errors.Is(err, ErrInvalidReferrer) {
		t.Errorf("self referral err = %v, want ErrInvalidReferrer", err)
	}
	if _, err := e.l.RegisterUser(ctx, carol, maker, nil); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("register for someone else err = %v, want ErrUnauthorized", err)
	}
}

func TestOrderLifecycle(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	setupVenue(t, e, nil) // slot 0 taken

	for i := 1; i < DefaultOrderSlots; i++ {
		idx, err := e.l.PlaceOrder(ctx, maker, maker, OrderRequest{Side: Bid, Price: uint64(i), Size: 1})
		if err != nil || idx != i {
			t.Fatalf("place #%d: idx=%d err=%v", i, idx, err)
		}
	}
	if _, err := e.l.PlaceOrder(ctx, maker, maker, OrderRequest{Side: Bid, Price: 1, Size: 1}); !errors.Is(err, ErrNoFreeSlot) {
		t.Fatalf("place into full table err = %v, want ErrNoFreeSlot", err)
	}

	removed, err := e.l.CancelOrder(ctx, maker, maker, 2)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if removed.Price != 2 {
		t.Errorf("cancelled order price = %d, want 2", removed.Price)
	}
	if _, err := e.l.CancelOrder(ctx, maker, maker, 2); !errors.Is(err, ErrSlotEmpty) {
		t.Errorf("double cancel err = %v, want ErrSlotEmpty", err)
	}
	if _, err := e.l.CancelOrder(ctx, maker, maker, 9); !errors.Is(err, ErrInvalidIndex) {
		t.Errorf("cancel bad index err = %v, want ErrInvalidIndex", err)
	}
	if _, err := e.l.CancelOrder(ctx, taker, maker, 0); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("cancel by other err = %v, want ErrUnauthorized", err)
	}

	idx, err := e.l.PlaceOrder(ctx, maker, maker, OrderRequest{Side: Ask, Price: 9, Size: 9})
	if err != nil || idx != 2 {
		t.Fatalf("reuse freed slot: idx=%d err=%v", idx, err)
	}
	acc, _ := e.l.Account(ctx, maker)
	if o := acc.Orders.Slots[2]; o.SizeRemaining != 9 || o.SizeTotal != 9 || o.CreatedAt != e.now() {
		t.Errorf("placed order = %+v", o)
	}

	for _, req := range []OrderRequest{
		{Side: Bid, Price: 0, Size: 1},
		{Side: Bid, Price: 1, Size: 0},
		{Side: 0, Price: 1, Size: 1},
	} {
		if _, err := e.l.PlaceOrder(ctx, maker, maker, req); !errors.Is(err, ErrInvalidOrder) {
			t.Errorf("place %+v err = %v, want ErrInvalidOrder", req, err)
		}
	}
}

func TestAdministrativeControl(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	setupVenue(t, e, nil)

	if _, err := e.l.InitVenue(ctx, authority, referenceFees); !errors.Is(err, ErrVenueExists) {
		t.Errorf("second init err = %v, want ErrVenueExists", err)
	}
	if _, err := e.l.UpdateFeeParams(ctx, maker, FeeParams{TakerFeeBps: 10}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("update by non-authority err = %v, want ErrUnauthorized", err)
	}
	if _, err := e.l.UpdateFeeParams(ctx, authority, FeeParams{MakerRebateBps: 6, TakerFeeBps: 5}); !errors.Is(err, ErrInvalidFeeConfig) {
		t.Errorf("invalid update err = %v, want ErrInvalidFeeConfig", err)
	}
	if _, err := e.l.WithdrawFees(ctx, maker, 1); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("withdraw by non-authority err = %v, want ErrUnauthorized", err)
	}
	if _, err := e.l.WithdrawFees(ctx, authority, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero withdraw err = %v, want ErrInvalidAmount", err)
	}

	prev, err := e.l.UpdateFeeParams(ctx, authority, FeeParams{MakerRebateBps: 10, TakerFeeBps: 30, ReferralBps: 5})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if prev != referenceFees {
		t.Errorf("previous params = %+v", prev)
	}
	// New rates apply to fills after the update
	res, err := e.l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 0, FillSize: 10})
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if res.Split.TakerFee != 3 || res.Split.MakerRebate != 1 {
		t.Errorf("split = %+v, want fee 3 rebate 1", res.Split)
	}
}

type recordingPayout struct {
	reqs []PayoutRequest
	err  error
}

func (p *recordingPayout) Transfer(ctx context.Context, req PayoutRequest) error {
	p.reqs = append(p.reqs, req)
	return p.err
}

func TestWithdrawSignalsPayout(t *testing.T) {
	payout := &recordingPayout{}
	e := newTestEnv(t, WithPayout(payout))
	ctx := context.Background()
	setupVenue(t, e, nil)
	if _, err := e.l.PlaceOrder(ctx, maker, maker, OrderRequest{Side: Ask, Price: 1_000_000, Size: 100}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 1, FillSize: 100}); err != nil {
		t.Fatal(err)
	}

	req, err := e.l.WithdrawFees(ctx, authority, 7)
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if len(payout.reqs) != 1 || payout.reqs[0] != req || req.Amount != 7 || req.To != authority {
		t.Fatalf("payout requests = %+v", payout.reqs)
	}

	payout.err = errors.New("bank offline")
	before, _ := e.l.Venue(ctx)
	if _, err := e.l.WithdrawFees(ctx, authority, 3); !errors.Is(err, ErrPayoutFailed) {
		t.Fatalf("err = %v, want ErrPayoutFailed", err)
	}
	after, _ := e.l.Venue(ctx)
	if after.TotalFeesCollected != before.TotalFeesCollected-3 || after.TotalFeesWithdrawn != before.TotalFeesWithdrawn+3 {
		t.Errorf("committed debit not kept: before %+v after %+v", before, after)
	}
	mustConserve(t, e.l)
}

func TestEventsOnlyAfterCommit(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	setupVenue(t, e, nil)
	_, _ = e.l.FillOrder(ctx, maker, FillRequest{Maker: maker, Taker: maker, OrderIndex: 0, FillSize: 1})
	if _, err := e.l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 0, FillSize: 1}); err != nil {
		t.Fatal(err)
	}

	want := []string{EventVenueInitialized, EventUserRegistered, EventUserRegistered, EventOrderPlaced, EventOrderFilled}
	got := e.eventTypes()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

// conflictOnce fails the first n commits with ErrConflict after letting a
// competing writer change the maker record.
type conflictOnce struct {
	*MemStore
	n       int
	compete func()
}

func (s *conflictOnce) Commit(ctx context.Context, b *Batch) error {
	if s.n > 0 {
		s.n--
		s.compete()
	}
	return s.MemStore.Commit(ctx, b)
}

func TestOptimisticRetryRevalidates(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	setupVenue(t, e, nil)

	// A competing fill of 8 lands between our read and our commit
	competitor := New(DefaultConfig(), e.store, WithClock(e.clock))
	racing := &conflictOnce{MemStore: e.store, n: 1, compete: func() {
		if _, err := competitor.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 0, FillSize: 8}); err != nil {
			t.Errorf("competing fill: %v", err)
		}
	}}
	l := New(DefaultConfig(), racing, WithClock(e.clock))

	// 5 fit before the race but not after: the retry must re-check and reject
	if _, err := l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 0, FillSize: 5}); !errors.Is(err, ErrInsufficientRemainingSize) {
		t.Fatalf("err = %v, want ErrInsufficientRemainingSize", err)
	}
	acc, _ := e.l.Account(ctx, maker)
	if acc.Orders.Slots[0].SizeRemaining != 2 || acc.MakerVolume != 8 {
		t.Errorf("remaining=%d volume=%d, want 2 8", acc.Orders.Slots[0].SizeRemaining, acc.MakerVolume)
	}
}

func TestConcurrentFillsNeverOverfill(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	setupVenue(t, e, nil)
	l := New(Config{MaxRetries: 64}, e.store, WithClock(e.clock))

	var wg sync.WaitGroup
	var mu sync.Mutex
	filled := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.FillOrder(ctx, taker, FillRequest{Maker: maker, Taker: taker, OrderIndex: 0, FillSize: 1})
			switch {
			case err == nil:
				mu.Lock()
				filled++
				mu.Unlock()
			case errors.Is(err, ErrInsufficientRemainingSize), errors.Is(err, ErrSlotEmpty):
			default:
				t.Errorf("fill: %v", err)
			}
		}()
	}
	wg.Wait()

	if filled != 10 {
		t.Errorf("filled %d units, want 10", filled)
	}
	acc, _ := e.l.Account(ctx, maker)
	tk, _ := e.l.Account(ctx, taker)
	if acc.MakerVolume != 10 || tk.TakerVolume != 10 || acc.Orders.IsOccupied(0) {
		t.Errorf("maker volume=%d taker volume=%d occupied=%v", acc.MakerVolume, tk.TakerVolume, acc.Orders.IsOccupied(0))
	}
	mustConserve(t, e.l)
}

func TestQuoteFillDoesNotWrite(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	setupVenue(t, e, nil)
	before := mustDigest(t, e.l)

	split, err := e.l.QuoteFill(ctx, FillRequest{Maker: maker, Taker: taker, OrderIndex: 0, FillSize: 10})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if split.Notional != 1_000 {
		t.Errorf("notional = %d, want 1000", split.Notional)
	}
	if mustDigest(t, e.l) != before {
		t.Error("quote mutated state")
	}
}
