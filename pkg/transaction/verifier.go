package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/feeledger/pkg/crypto"
)

var (
	ErrMalformed      = errors.New("malformed command")
	ErrBadSignature   = errors.New("invalid signature")
	ErrSignerMismatch = errors.New("signer is not the command account")
	ErrNonceTooLow    = errors.New("nonce already used")
)

// NonceStore records the last accepted nonce per signer
type NonceStore interface {
	// AdvanceNonce stores nonce if it exceeds the last one and reports whether it did
	AdvanceNonce(ctx context.Context, addr common.Address, nonce uint64) (bool, error)
	// ReleaseNonce lowers the last nonce to nonce-1 if nonce is still the last one
	ReleaseNonce(ctx context.Context, addr common.Address, nonce uint64) error
}

// Verified is a command whose signer has been authenticated. Caller is the
// identity every ledger operation trusts without re-deriving it.
type Verified struct {
	Caller  common.Address
	Command *crypto.CommandEIP712
}

// Verifier authenticates signed commands and guards against replay
type Verifier struct {
	signer *crypto.CommandSigner
	nonces NonceStore
}

func NewVerifier(domain crypto.EIP712Domain, nonces NonceStore) *Verifier {
	return &Verifier{signer: crypto.NewCommandSigner(domain), nonces: nonces}
}

// Verify recovers the signer, requires it to be the command account and
// consumes the nonce. The nonce stays consumed when the ledger commits or
// rejects the operation; see Release for failures that decided nothing.
func (v *Verifier) Verify(ctx context.Context, sc *SignedCommand) (*Verified, error) {
	cmd, err := sc.Command.ToEIP712()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if cmd.Nonce == 0 {
		return nil, fmt.Errorf("%w: nonce must be positive", ErrMalformed)
	}

	sig := common.FromHex(sc.Signature)
	if len(sig) != 65 {
		return nil, fmt.Errorf("%w: signature must be 65 bytes, got %d", ErrBadSignature, len(sig))
	}
	signer, err := v.signer.Recover(cmd, sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if signer != cmd.Account {
		return nil, fmt.Errorf("%w: recovered %s, account %s", ErrSignerMismatch, signer.Hex(), cmd.Account.Hex())
	}

	ok, err := v.nonces.AdvanceNonce(ctx, signer, cmd.Nonce)
	if err != nil {
		return nil, fmt.Errorf("nonce store: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %d for %s", ErrNonceTooLow, cmd.Nonce, signer.Hex())
	}
	return &Verified{Caller: signer, Command: cmd}, nil
}

// Release gives back the nonce of v after an operation failed without a
// verdict (commit conflicts exhausted, store I/O), so the same signed command
// can be resubmitted. It is a no-op once a later nonce of the signer was accepted.
func (v *Verifier) Release(ctx context.Context, cmd *Verified) error {
	return v.nonces.ReleaseNonce(ctx, cmd.Caller, cmd.Command.Nonce)
}

// Sign builds a SignedCommand; used by clients and tests
func Sign(cs *crypto.CommandSigner, s *crypto.Signer, cmd *crypto.CommandEIP712) (*SignedCommand, error) {
	sig, err := cs.Sign(s, cmd)
	if err != nil {
		return nil, err
	}
	return &SignedCommand{Command: FromEIP712(cmd), Signature: fmt.Sprintf("0x%x", sig)}, nil
}

// MemNonceStore keeps nonces in memory
type MemNonceStore struct {
	mu   sync.Mutex
	last map[common.Address]uint64
}

func NewMemNonceStore() *MemNonceStore {
	return &MemNonceStore{last: make(map[common.Address]uint64)}
}

func (m *MemNonceStore) AdvanceNonce(ctx context.Context, addr common.Address, nonce uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nonce <= m.last[addr] {
		return false, nil
	}
	m.last[addr] = nonce
	return true, nil
}

func (m *MemNonceStore) ReleaseNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if nonce > 0 && m.last[addr] == nonce {
		m.last[addr] = nonce - 1
	}
	return nil
}
