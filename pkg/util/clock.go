package util

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock supplies "now" for order expiry and liquidity scoring.
// Both clock.New() and *clock.Mock satisfy it.
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
	Ticker(d time.Duration) *clock.Ticker
}

// NewClock returns the wall clock
func NewClock() Clock { return clock.New() }

// UnixNow returns c.Now() in unix seconds, the resolution records are stored at
func UnixNow(c Clock) int64 { return c.Now().Unix() }
