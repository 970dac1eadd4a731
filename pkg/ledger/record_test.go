package ledger

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestSlotTableFirstFreeAndReuse(t *testing.T) {
	tbl := NewSlotTable(3)

	for want := 0; want < 3; want++ {
		i, ok := tbl.FirstFree()
		if !ok || i != want {
			t.Fatalf("FirstFree = (%d, %v), want (%d, true)", i, ok, want)
		}
		tbl.put(i, Order{Side: Bid, Price: 1, SizeRemaining: 1, SizeTotal: 1})
	}
	if _, ok := tbl.FirstFree(); ok {
		t.Fatal("expected full table")
	}
	if tbl.Open() != 3 {
		t.Errorf("Open = %d, want 3", tbl.Open())
	}

	tbl.free(1)
	i, ok := tbl.FirstFree()
	if !ok || i != 1 {
		t.Fatalf("FirstFree after free = (%d, %v), want (1, true)", i, ok)
	}
	if tbl.Slots[1] != (Order{}) {
		t.Error("freed slot not zeroed")
	}
	if got := tbl.Live(); len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Errorf("Live = %v, want [0 2]", got)
	}
}

func TestSlotTableGet(t *testing.T) {
	tbl := NewSlotTable(2)
	tbl.put(0, Order{Side: Ask, Price: 10, SizeRemaining: 5, SizeTotal: 5})

	if _, err := tbl.Get(0); err != nil {
		t.Fatalf("Get(0): %v", err)
	}
	if _, err := tbl.Get(1); !errors.Is(err, ErrSlotEmpty) {
		t.Errorf("Get(1) = %v, want ErrSlotEmpty", err)
	}
	for _, idx := range []int{-1, 2, 255} {
		if _, err := tbl.Get(idx); !errors.Is(err, ErrInvalidIndex) {
			t.Errorf("Get(%d) = %v, want ErrInvalidIndex", idx, err)
		}
	}
}

func TestAccountCloneIsDeep(t *testing.T) {
	ref := common.HexToAddress("0xCC00000000000000000000000000000000000000")
	acc := NewAccount(common.HexToAddress("0xAA00000000000000000000000000000000000000"), &ref, 5, 100)
	acc.Orders.put(0, Order{Side: Bid, Price: 1, SizeRemaining: 1, SizeTotal: 1})

	cp := acc.Clone()
	cp.Orders.free(0)
	*cp.Referrer = common.Address{}

	if !acc.Orders.IsOccupied(0) {
		t.Error("clone shares occupancy bitmap with original")
	}
	if *acc.Referrer != ref {
		t.Error("clone shares referrer with original")
	}
}

func TestAccountJSONRoundTripKeepsOccupancy(t *testing.T) {
	acc := NewAccount(common.HexToAddress("0xAA00000000000000000000000000000000000000"), nil, 5, 100)
	acc.Orders.put(3, Order{Side: Ask, Price: 7, SizeRemaining: 2, SizeTotal: 4, CreatedAt: 100})

	data, err := json.Marshal(acc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var out Account
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Orders.Cap() != 5 || out.Orders.Open() != 1 || !out.Orders.IsOccupied(3) {
		t.Fatalf("slot table not restored: cap=%d open=%d", out.Orders.Cap(), out.Orders.Open())
	}
	if err := out.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestFeeParamsValidate(t *testing.T) {
	tests := []struct {
		name string
		p    FeeParams
		ok   bool
	}{
		{"reference venue", FeeParams{MakerRebateBps: 2, TakerFeeBps: 5, ReferralBps: 1}, true},
		{"all zero", FeeParams{}, true},
		{"payouts equal fee", FeeParams{MakerRebateBps: 3, TakerFeeBps: 5, ReferralBps: 2}, true},
		{"payouts exceed fee", FeeParams{MakerRebateBps: 4, TakerFeeBps: 5, ReferralBps: 2}, false},
		{"fee above 100%", FeeParams{TakerFeeBps: 10_001}, false},
		{"no wrap on sum", FeeParams{MakerRebateBps: 65535, TakerFeeBps: 5, ReferralBps: 2}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.p.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidFeeConfig) {
				t.Fatalf("err = %v, want ErrInvalidFeeConfig", err)
			}
		})
	}
}
