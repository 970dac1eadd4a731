package ledger

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Store is the record persistence collaborator.
//
// Loads return private copies carrying the version they were read at.
// Commit applies a Batch all-or-nothing: if any staged record's Version no
// longer matches the stored revision the whole batch is rejected with
// ErrConflict and nothing is written.
type Store interface {
	// LoadVenue returns ErrVenueNotInitialized if the venue record is absent
	LoadVenue(ctx context.Context) (*Venue, error)
	// LoadAccount returns ErrNotRegistered if no record exists for owner
	LoadAccount(ctx context.Context, owner common.Address) (*Account, error)
	// ListAccounts returns every account ordered by owner address
	ListAccounts(ctx context.Context) ([]*Account, error)
	// Commit writes the batch atomically and bumps the version of every record in it
	Commit(ctx context.Context, b *Batch) error
}

// Batch is one unit of work: the full post-images of every record an
// operation touches. A record with Version 0 must not exist yet.
type Batch struct {
	Venue    *Venue
	Accounts []*Account
}

// Empty reports whether nothing is staged
func (b *Batch) Empty() bool {
	return b.Venue == nil && len(b.Accounts) == 0
}

// Stage adds acc to the batch once, keyed by owner
func (b *Batch) Stage(acc *Account) {
	for _, a := range b.Accounts {
		if a == acc {
			return
		}
	}
	b.Accounts = append(b.Accounts, acc)
}

// Check rejects batches that stage one owner twice through different copies
func (b *Batch) Check() error {
	seen := make(map[common.Address]struct{}, len(b.Accounts))
	for _, a := range b.Accounts {
		if _, dup := seen[a.Owner]; dup {
			return fmt.Errorf("batch stages account %s twice", a.Owner.Hex())
		}
		seen[a.Owner] = struct{}{}
	}
	return nil
}

// ============================================================================
// In-memory store
// ============================================================================

// MemStore is a Store kept in process memory. Used by tests and by nodes
// started without a data directory.
type MemStore struct {
	mu       sync.RWMutex
	venue    *Venue
	accounts map[common.Address]*Account
}

func NewMemStore() *MemStore {
	return &MemStore{accounts: make(map[common.Address]*Account)}
}

func (s *MemStore) LoadVenue(ctx context.Context) (*Venue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.venue == nil {
		return nil, ErrVenueNotInitialized
	}
	return s.venue.Clone(), nil
}

func (s *MemStore) LoadAccount(ctx context.Context, owner common.Address) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accounts[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, owner.Hex())
	}
	return acc.Clone(), nil
}

func (s *MemStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	s.mu.RLock()
	out := make([]*Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Owner[:], out[j].Owner[:]) < 0
	})
	return out, nil
}

func (s *MemStore) Commit(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.Check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every version before touching anything
	if b.Venue != nil {
		var cur uint64
		if s.venue != nil {
			cur = s.venue.Version
		}
		if cur != b.Venue.Version {
			return fmt.Errorf("%w: venue at version %d, staged from %d", ErrConflict, cur, b.Venue.Version)
		}
	}
	for _, acc := range b.Accounts {
		var cur uint64
		if stored, ok := s.accounts[acc.Owner]; ok {
			cur = stored.Version
		}
		if cur != acc.Version {
			return fmt.Errorf("%w: account %s at version %d, staged from %d",
				ErrConflict, acc.Owner.Hex(), cur, acc.Version)
		}
	}

	if b.Venue != nil {
		b.Venue.Version++
		s.venue = b.Venue.Clone()
	}
	for _, acc := range b.Accounts {
		acc.Version++
		s.accounts[acc.Owner] = acc.Clone()
	}
	return nil
}

var _ Store = (*MemStore)(nil)
