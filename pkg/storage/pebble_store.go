package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/multierr"

	"github.com/uhyunpark/feeledger/pkg/ledger"
)

// DefaultCacheSize is the number of decoded account records kept in memory
const DefaultCacheSize = 4096

// PebbleStore persists ledger records in Pebble.
//
// Reads hold the read lock across cache lookup, disk read and cache fill;
// Commit holds the write lock across version check, batch commit and cache
// update, so the cache never holds a record older than disk.
type PebbleStore struct {
	mu    sync.RWMutex
	db    *pebble.DB
	cache *lru.Cache[common.Address, *ledger.Account]
	venue *ledger.Venue // nil until first load or commit
}

// NewPebbleStore opens (or creates) a Pebble database at path
func NewPebbleStore(path string, cacheSize int) (*PebbleStore, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20), // 64MB block cache
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10,
	}
	defer opts.Cache.Unref()

	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", path, err)
	}
	cache, err := lru.New[common.Address, *ledger.Account](cacheSize)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to create cache: %w", err), db.Close())
	}
	return &PebbleStore{db: db, cache: cache}, nil
}

// Close flushes memtables and closes the database
func (s *PebbleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return multierr.Combine(s.db.Flush(), s.db.Close())
}

func (s *PebbleStore) get(key []byte, v any) (bool, error) {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %q: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %q: %w", key, err)
	}
	return true, nil
}

// ============================================================================
// ledger.Store
// ============================================================================

func (s *PebbleStore) LoadVenue(ctx context.Context) (*ledger.Venue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadVenue()
}

// loadVenue requires s.mu held
func (s *PebbleStore) loadVenue() (*ledger.Venue, error) {
	if s.venue != nil {
		return s.venue.Clone(), nil
	}
	var v ledger.Venue
	found, err := s.get(venueKey(), &v)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ledger.ErrVenueNotInitialized
	}
	return v.Clone(), nil
}

func (s *PebbleStore) LoadAccount(ctx context.Context, owner common.Address) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, err := s.loadAccount(owner)
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotRegistered, owner.Hex())
	}
	return acc.Clone(), nil
}

// loadAccount returns the shared cached copy or nil; requires s.mu held
func (s *PebbleStore) loadAccount(owner common.Address) (*ledger.Account, error) {
	if acc, ok := s.cache.Get(owner); ok {
		return acc, nil
	}
	var acc ledger.Account
	found, err := s.get(accountKey(owner), &acc)
	if err != nil || !found {
		return nil, err
	}
	s.cache.Add(owner, &acc)
	return &acc, nil
}

// ListAccounts scans the account prefix. Results are in address order.
func (s *PebbleStore) ListAccounts(ctx context.Context) ([]*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := []byte(prefixAccount)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}

	var out []*ledger.Account
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, multierr.Append(err, iter.Close())
		}
		var acc ledger.Account
		if err := json.Unmarshal(iter.Value(), &acc); err != nil {
			return nil, multierr.Append(fmt.Errorf("failed to unmarshal account %x: %w", iter.Key(), err), iter.Close())
		}
		out = append(out, &acc)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("account scan: %w", err)
	}
	return out, nil
}

// Commit checks every staged version against disk and writes the batch with
// one synced Pebble batch commit.
func (s *PebbleStore) Commit(ctx context.Context, b *ledger.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.Check(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b.Venue != nil {
		var cur uint64
		v, err := s.loadVenue()
		switch {
		case err == nil:
			cur = v.Version
		case !errors.Is(err, ledger.ErrVenueNotInitialized):
			return err
		}
		if cur != b.Venue.Version {
			return fmt.Errorf("%w: venue at version %d, staged from %d", ledger.ErrConflict, cur, b.Venue.Version)
		}
	}
	for _, acc := range b.Accounts {
		var cur uint64
		stored, err := s.loadAccount(acc.Owner)
		if err != nil {
			return err
		}
		if stored != nil {
			cur = stored.Version
		}
		if cur != acc.Version {
			return fmt.Errorf("%w: account %s at version %d, staged from %d",
				ledger.ErrConflict, acc.Owner.Hex(), cur, acc.Version)
		}
	}

	// Encode post-images at their next version; only publish on success
	var venue *ledger.Venue
	batch := s.db.NewBatch()
	defer batch.Close()
	if b.Venue != nil {
		venue = b.Venue.Clone()
		venue.Version++
		if err := setJSON(batch, venueKey(), venue); err != nil {
			return err
		}
	}
	accounts := make([]*ledger.Account, len(b.Accounts))
	for i, acc := range b.Accounts {
		accounts[i] = acc.Clone()
		accounts[i].Version++
		if err := setJSON(batch, accountKey(acc.Owner), accounts[i]); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}

	if venue != nil {
		s.venue = venue
		b.Venue.Version = venue.Version
	}
	for i, acc := range accounts {
		s.cache.Add(acc.Owner, acc)
		b.Accounts[i].Version = acc.Version
	}
	return nil
}

func setJSON(batch *pebble.Batch, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %q: %w", key, err)
	}
	return batch.Set(key, data, nil)
}

var _ ledger.Store = (*PebbleStore)(nil)

// ============================================================================
// Replay protection
// ============================================================================

// Nonce returns the last accepted command nonce of addr (0 if none)
func (s *PebbleStore) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nonce(addr)
}

func (s *PebbleStore) nonce(addr common.Address) (uint64, error) {
	data, closer, err := s.db.Get(nonceKey(addr))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get nonce: %w", err)
	}
	defer closer.Close()
	if len(data) != 8 {
		return 0, fmt.Errorf("corrupt nonce record for %s", addr.Hex())
	}
	return binary.BigEndian.Uint64(data), nil
}

// AdvanceNonce records nonce for addr if it is strictly greater than the last
// accepted one. It reports false, without writing, otherwise.
func (s *PebbleStore) AdvanceNonce(ctx context.Context, addr common.Address, nonce uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.nonce(addr)
	if err != nil {
		return false, err
	}
	if nonce <= last {
		return false, nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	if err := s.db.Set(nonceKey(addr), buf[:], pebble.Sync); err != nil {
		return false, fmt.Errorf("failed to save nonce: %w", err)
	}
	return true, nil
}

// ReleaseNonce rolls the last nonce of addr back to nonce-1, but only while
// nonce is still the last accepted one.
func (s *PebbleStore) ReleaseNonce(ctx context.Context, addr common.Address, nonce uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, err := s.nonce(addr)
	if err != nil {
		return err
	}
	if nonce == 0 || last != nonce {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce-1)
	if err := s.db.Set(nonceKey(addr), buf[:], pebble.Sync); err != nil {
		return fmt.Errorf("failed to release nonce: %w", err)
	}
	return nil
}
