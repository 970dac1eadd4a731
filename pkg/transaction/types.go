package transaction

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/feeledger/pkg/crypto"
)

// Kind names a ledger operation
type Kind string

const (
	KindInitVenue         Kind = "init_venue"
	KindRegisterUser      Kind = "register_user"
	KindPlaceOrder        Kind = "place_order"
	KindCancelOrder       Kind = "cancel_order"
	KindFillOrder         Kind = "fill_order"
	KindUpdateFeeParams   Kind = "update_fee_params"
	KindWithdrawFees      Kind = "withdraw_fees"
	KindScoreLiquidity    Kind = "score_liquidity"
	KindDistributeRewards Kind = "distribute_rewards"
)

var kinds = map[Kind]struct{}{
	KindInitVenue: {}, KindRegisterUser: {}, KindPlaceOrder: {}, KindCancelOrder: {},
	KindFillOrder: {}, KindUpdateFeeParams: {}, KindWithdrawFees: {},
	KindScoreLiquidity: {}, KindDistributeRewards: {},
}

// Command is the wire form of a ledger operation. Integers that may exceed
// 2^53 travel as decimal strings so JavaScript clients do not lose precision.
type Command struct {
	Kind    Kind   `json:"kind"`
	Account string `json:"account"` // acting identity (0x...)

	Referrer string `json:"referrer,omitempty"` // register_user
	Maker    string `json:"maker,omitempty"`    // fill_order

	OrderIndex uint8  `json:"orderIndex,omitempty"`
	Side       uint8  `json:"side,omitempty"` // 1=Bid, 2=Ask
	Price      string `json:"price,omitempty"`
	Size       string `json:"size,omitempty"`
	Expiry     string `json:"expiry,omitempty"` // unix seconds, 0 = never

	MakerRebateBps uint16 `json:"makerRebateBps,omitempty"`
	TakerFeeBps    uint16 `json:"takerFeeBps,omitempty"`
	ReferralBps    uint16 `json:"referralBps,omitempty"`

	Amount string `json:"amount,omitempty"` // withdraw_fees, distribute_rewards pool
	Epoch  string `json:"epoch,omitempty"`

	Nonce string `json:"nonce"`
}

// SignedCommand is a command plus the EIP-712 signature of its account
type SignedCommand struct {
	Command   Command `json:"command"`
	Signature string  `json:"signature"` // hex, 65 bytes
}

func parseUint(field, s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return v, nil
}

func parseAddress(field, s string, required bool) (common.Address, error) {
	if s == "" && !required {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s address %q", field, s)
	}
	return common.HexToAddress(s), nil
}

// Validate checks the structure of c without touching any state
func (c *Command) Validate() error {
	if _, ok := kinds[c.Kind]; !ok {
		return fmt.Errorf("unknown command kind %q", c.Kind)
	}
	if c.Account == "" {
		return fmt.Errorf("missing account")
	}
	if c.Kind == KindFillOrder && c.Maker == "" {
		return fmt.Errorf("fill_order requires maker")
	}
	if c.Nonce == "" {
		return fmt.Errorf("missing nonce")
	}
	return nil
}

// ToEIP712 converts c into the typed struct that is hashed and signed
func (c *Command) ToEIP712() (*crypto.CommandEIP712, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	account, err := parseAddress("account", c.Account, true)
	if err != nil {
		return nil, err
	}

	var counterparty common.Address
	switch c.Kind {
	case KindRegisterUser:
		counterparty, err = parseAddress("referrer", c.Referrer, false)
	case KindFillOrder:
		counterparty, err = parseAddress("maker", c.Maker, true)
	}
	if err != nil {
		return nil, err
	}

	out := &crypto.CommandEIP712{
		Kind:           string(c.Kind),
		Account:        account,
		Counterparty:   counterparty,
		OrderIndex:     c.OrderIndex,
		Side:           c.Side,
		MakerRebateBps: c.MakerRebateBps,
		TakerFeeBps:    c.TakerFeeBps,
		ReferralBps:    c.ReferralBps,
	}
	for _, f := range []struct {
		name string
		in   string
		dst  *uint64
	}{
		{"price", c.Price, &out.Price},
		{"size", c.Size, &out.Size},
		{"expiry", c.Expiry, &out.Expiry},
		{"amount", c.Amount, &out.Amount},
		{"epoch", c.Epoch, &out.Epoch},
		{"nonce", c.Nonce, &out.Nonce},
	} {
		if *f.dst, err = parseUint(f.name, f.in); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FromEIP712 renders a typed command back into wire form
func FromEIP712(cmd *crypto.CommandEIP712) Command {
	c := Command{
		Kind:           Kind(cmd.Kind),
		Account:        cmd.Account.Hex(),
		OrderIndex:     cmd.OrderIndex,
		Side:           cmd.Side,
		MakerRebateBps: cmd.MakerRebateBps,
		TakerFeeBps:    cmd.TakerFeeBps,
		ReferralBps:    cmd.ReferralBps,
		Nonce:          strconv.FormatUint(cmd.Nonce, 10),
	}
	str := func(v uint64) string {
		if v == 0 {
			return ""
		}
		return strconv.FormatUint(v, 10)
	}
	c.Price, c.Size, c.Expiry = str(cmd.Price), str(cmd.Size), str(cmd.Expiry)
	c.Amount, c.Epoch = str(cmd.Amount), str(cmd.Epoch)

	if cmd.Counterparty != (common.Address{}) {
		switch c.Kind {
		case KindRegisterUser:
			c.Referrer = cmd.Counterparty.Hex()
		case KindFillOrder:
			c.Maker = cmd.Counterparty.Hex()
		}
	}
	return c
}

// ParseSignedCommand decodes and structurally validates a JSON signed command
func ParseSignedCommand(data []byte) (*SignedCommand, error) {
	var sc SignedCommand
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}
	if sc.Signature == "" {
		return nil, fmt.Errorf("missing signature")
	}
	if err := sc.Command.Validate(); err != nil {
		return nil, fmt.Errorf("invalid command: %w", err)
	}
	return &sc, nil
}

// Example:
//   {
//     "command": {
//       "kind": "fill_order",
//       "account": "0xBB00000000000000000000000000000000000000",
//       "maker": "0xAA00000000000000000000000000000000000000",
//       "orderIndex": 0,
//       "size": "5",
//       "nonce": "1"
//     },
//     "signature": "0x..."
//   }
