package api

import (
	"errors"
	"net/http"

	"github.com/uhyunpark/feeledger/pkg/ledger"
	"github.com/uhyunpark/feeledger/pkg/transaction"
)

// statusFor maps a command or ledger error to an HTTP status and error kind
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, transaction.ErrMalformed):
		return http.StatusBadRequest, "Malformed"
	case errors.Is(err, transaction.ErrBadSignature):
		return http.StatusBadRequest, "BadSignature"
	case errors.Is(err, transaction.ErrSignerMismatch):
		return http.StatusUnauthorized, "SignerMismatch"
	case errors.Is(err, transaction.ErrNonceTooLow):
		return http.StatusConflict, "NonceTooLow"
	}

	kind := ledger.Kind(err)
	switch kind {
	case "Unauthorized":
		return http.StatusForbidden, kind
	case "NotRegistered", "VenueNotInitialized":
		return http.StatusNotFound, kind
	case "AlreadyRegistered", "VenueExists", "EpochAlreadyDistributed", "Conflict":
		return http.StatusConflict, kind
	case "PayoutFailed":
		return http.StatusBadGateway, kind
	case "Internal":
		return http.StatusInternalServerError, kind
	}
	return http.StatusUnprocessableEntity, kind
}
