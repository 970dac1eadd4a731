package crypto

import (
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain separates signatures of different deployments
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // zero for off-chain venues
}

// DefaultDomain is the local development domain
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:    "FeeLedger",
		Version: "1",
		ChainID: big.NewInt(1337),
	}
}

// CommandEIP712 is the single typed-data struct every ledger command is
// signed as. Fields a command kind does not use are zero.
type CommandEIP712 struct {
	Kind           string
	Account        common.Address // acting identity; must equal the signer
	Counterparty   common.Address // fill: maker, register: referrer
	OrderIndex     uint8
	Side           uint8
	Price          uint64
	Size           uint64
	Expiry         uint64
	MakerRebateBps uint16
	TakerFeeBps    uint16
	ReferralBps    uint16
	Amount         uint64
	Epoch          uint64
	Nonce          uint64
}

var commandTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"Command": []apitypes.Type{
		{Name: "kind", Type: "string"},
		{Name: "account", Type: "address"},
		{Name: "counterparty", Type: "address"},
		{Name: "orderIndex", Type: "uint8"},
		{Name: "side", Type: "uint8"},
		{Name: "price", Type: "uint256"},
		{Name: "size", Type: "uint256"},
		{Name: "expiry", Type: "uint256"},
		{Name: "makerRebateBps", Type: "uint16"},
		{Name: "takerFeeBps", Type: "uint16"},
		{Name: "referralBps", Type: "uint16"},
		{Name: "amount", Type: "uint256"},
		{Name: "epoch", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
}

// CommandSigner hashes, signs and recovers commands under one domain
type CommandSigner struct {
	domain EIP712Domain
}

func NewCommandSigner(domain EIP712Domain) *CommandSigner {
	return &CommandSigner{domain: domain}
}

func (c *CommandSigner) Domain() EIP712Domain { return c.domain }

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

// TypedData returns the eth_signTypedData_v4 payload of cmd
func (c *CommandSigner) TypedData(cmd *CommandEIP712) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       commandTypes,
		PrimaryType: "Command",
		Domain: apitypes.TypedDataDomain{
			Name:              c.domain.Name,
			Version:           c.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(c.domain.ChainID),
			VerifyingContract: c.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"kind":           cmd.Kind,
			"account":        cmd.Account.Hex(),
			"counterparty":   cmd.Counterparty.Hex(),
			"orderIndex":     u64(uint64(cmd.OrderIndex)),
			"side":           u64(uint64(cmd.Side)),
			"price":          u64(cmd.Price),
			"size":           u64(cmd.Size),
			"expiry":         u64(cmd.Expiry),
			"makerRebateBps": u64(uint64(cmd.MakerRebateBps)),
			"takerFeeBps":    u64(uint64(cmd.TakerFeeBps)),
			"referralBps":    u64(uint64(cmd.ReferralBps)),
			"amount":         u64(cmd.Amount),
			"epoch":          u64(cmd.Epoch),
			"nonce":          u64(cmd.Nonce),
		},
	}
}

// Hash returns keccak256("\x19\x01" || domainSeparator || hashStruct(cmd))
func (c *CommandSigner) Hash(cmd *CommandEIP712) ([]byte, error) {
	typedData := c.TypedData(cmd)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash command: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}

func (c *CommandSigner) Sign(signer *Signer, cmd *CommandEIP712) ([]byte, error) {
	hash, err := c.Hash(cmd)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// Recover returns the address that signed cmd
func (c *CommandSigner) Recover(cmd *CommandEIP712, signature []byte) (common.Address, error) {
	hash, err := c.Hash(cmd)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}
