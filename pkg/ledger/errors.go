package ledger

import "errors"

// Rejections. Every one of these is raised during validation, before any
// record is staged, so a rejected operation leaves the store untouched.
var (
	ErrAlreadyRegistered         = errors.New("account already registered")
	ErrNotRegistered             = errors.New("account not registered")
	ErrInvalidReferrer           = errors.New("invalid referrer")
	ErrNoFreeSlot                = errors.New("no free order slot")
	ErrInvalidIndex              = errors.New("invalid order index")
	ErrSlotEmpty                 = errors.New("order slot is empty")
	ErrInvalidOrder              = errors.New("price and size must be positive")
	ErrExpiredOrder              = errors.New("order is expired")
	ErrInsufficientRemainingSize = errors.New("fill size exceeds remaining order size")
	ErrSelfTrade                 = errors.New("maker and taker are the same account")
	ErrZeroFillSize              = errors.New("fill size must be positive")
	ErrConfigInvariantViolated   = errors.New("fee configuration would make net venue fee negative")
	ErrUnauthorized              = errors.New("unauthorized")
	ErrInvalidFeeConfig          = errors.New("invalid fee configuration")
	ErrInsufficientFees          = errors.New("insufficient collected fees")
	ErrInvalidAmount             = errors.New("amount must be positive")
	ErrOverflow                  = errors.New("arithmetic overflow")
	ErrVenueExists               = errors.New("venue already initialized")
	ErrVenueNotInitialized       = errors.New("venue not initialized")
	ErrEpochNotScored            = errors.New("epoch has not been scored")
	ErrStaleEpoch                = errors.New("epoch superseded by a later scoring run")
	ErrEpochAlreadyDistributed   = errors.New("epoch rewards already distributed")
)

// ErrConflict is returned by a Store when a staged record was modified by a
// concurrent commit. The ledger retries the whole operation on it.
var ErrConflict = errors.New("concurrent modification")

// ErrPayoutFailed wraps a payout collaborator failure after a committed withdrawal.
var ErrPayoutFailed = errors.New("payout failed")

var kinds = []struct {
	err  error
	kind string
}{
	{ErrAlreadyRegistered, "AlreadyRegistered"},
	{ErrNotRegistered, "NotRegistered"},
	{ErrInvalidReferrer, "InvalidReferrer"},
	{ErrNoFreeSlot, "NoFreeSlot"},
	{ErrInvalidIndex, "InvalidIndex"},
	{ErrSlotEmpty, "SlotEmpty"},
	{ErrInvalidOrder, "InvalidOrder"},
	{ErrExpiredOrder, "ExpiredOrder"},
	{ErrInsufficientRemainingSize, "InsufficientRemainingSize"},
	{ErrSelfTrade, "SelfTrade"},
	{ErrZeroFillSize, "ZeroFillSize"},
	{ErrConfigInvariantViolated, "ConfigInvariantViolated"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrInvalidFeeConfig, "InvalidFeeConfig"},
	{ErrInsufficientFees, "InsufficientFees"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrOverflow, "Overflow"},
	{ErrVenueExists, "VenueExists"},
	{ErrVenueNotInitialized, "VenueNotInitialized"},
	{ErrEpochNotScored, "EpochNotScored"},
	{ErrStaleEpoch, "StaleEpoch"},
	{ErrEpochAlreadyDistributed, "EpochAlreadyDistributed"},
	{ErrConflict, "Conflict"},
	{ErrPayoutFailed, "PayoutFailed"},
}

// Kind returns the stable wire name of a ledger error, or "Internal" when err
// is not one of the ledger's error kinds.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "Internal"
}

// IsRejection reports whether err is a validation rejection, i.e. the
// operation was refused and nothing was written.
func IsRejection(err error) bool {
	switch Kind(err) {
	case "", "Internal", "Conflict", "PayoutFailed":
		return false
	}
	return true
}
