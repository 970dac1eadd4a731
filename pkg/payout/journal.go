package payout

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/uhyunpark/feeledger/pkg/ledger"
)

// Nop accepts every transfer and records nothing
type Nop struct{}

func NewNop() *Nop { return &Nop{} }

func (Nop) Transfer(ctx context.Context, req ledger.PayoutRequest) error { return nil }

// Journal is an append-only JSON-lines file of payout instructions. A
// downstream settlement process tails it and executes the transfers;
// request IDs let that process deduplicate after a restart.
type Journal struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func NewJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open payout journal: %w", err)
	}
	return &Journal{f: f, path: path}, nil
}

// Transfer appends req and fsyncs before returning
func (j *Journal) Transfer(ctx context.Context, req ledger.PayoutRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.ID == uuid.Nil || req.Amount == 0 {
		return fmt.Errorf("malformed payout request %+v", req)
	}
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append payout %s: %w", req.ID, err)
	}
	return j.f.Sync()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return multierr.Combine(j.f.Sync(), j.f.Close())
}

// ReadJournal returns every request recorded at path, oldest first.
// A torn final line (crash mid-append) is ignored.
func ReadJournal(path string) ([]ledger.PayoutRequest, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []ledger.PayoutRequest
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return out, nil // partial trailing line, if any, was never acknowledged
		}
		if err != nil {
			return nil, err
		}
		var req ledger.PayoutRequest
		if err := json.Unmarshal(line, &req); err != nil {
			return nil, fmt.Errorf("corrupt payout journal %s: %w", path, err)
		}
		out = append(out, req)
	}
}

var (
	_ ledger.Payout = (*Journal)(nil)
	_ ledger.Payout = Nop{}
)
