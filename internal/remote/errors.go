package remote

import (
	"errors"
	"fmt"
	"time"

	"github.com/CyberFlameGO/ReadingListV1/internal/record"
)

// Code classifies a remote store failure. The engine's retry policy keys
// off these codes; see Error.
type Code string

const (
	// CodeUnavailable marks transient conditions: network unreachable,
	// service temporarily down. Silently retried.
	CodeUnavailable Code = "unavailable"

	// CodeRateLimited means the server asked the client to back off;
	// RetryAfter carries the server-supplied delay.
	CodeRateLimited Code = "rate_limited"

	// CodeConflict means the server's stored change tag differs from the
	// one presented. ServerRecord carries the server's current record when
	// the server included it.
	CodeConflict Code = "conflict"

	// CodeUnknownRecord means the server has no record for an identifier
	// the local cache claimed was uploaded.
	CodeUnknownRecord Code = "unknown_record"

	// CodeZoneNotFound means the zone has not been provisioned.
	CodeZoneNotFound Code = "zone_not_found"

	// CodeZoneDeleted means the owner deleted the account's remote data.
	// Terminal: sync must be disabled, local data retained.
	CodeZoneDeleted Code = "zone_deleted"

	// CodeAuthExpired means the account's credentials are no longer valid.
	// Terminal until the user signs in again.
	CodeAuthExpired Code = "auth_expired"

	// CodeBatchRejected marks an item that was not attempted because a
	// sibling in an atomic batch failed.
	CodeBatchRejected Code = "batch_rejected"

	// CodeBadResponse marks a malformed or unexpected server response.
	CodeBadResponse Code = "bad_response"
)

// Error is a typed remote store failure.
type Error struct {
	Code Code
	// RetryAfter is the server-supplied backoff for CodeRateLimited.
	RetryAfter time.Duration
	// ServerRecord is the server's current record for CodeConflict, when
	// supplied.
	ServerRecord *record.Record
	Message      string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("remote: %s", e.Code)
}

// AsError extracts a typed remote error from an error chain.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// HasCode reports whether err is a remote error with the given code.
func HasCode(err error, code Code) bool {
	re, ok := AsError(err)
	return ok && re.Code == code
}

// IsRetryable reports whether the failure is transient and will be retried
// silently once connectivity or queue state permits.
func IsRetryable(err error) bool {
	re, ok := AsError(err)
	if !ok {
		return false
	}
	switch re.Code {
	case CodeUnavailable, CodeRateLimited:
		return true
	}
	return false
}

// IsTerminal reports whether the failure must disable sync rather than be
// retried.
func IsTerminal(err error) bool {
	re, ok := AsError(err)
	if !ok {
		return false
	}
	switch re.Code {
	case CodeZoneDeleted, CodeAuthExpired:
		return true
	}
	return false
}
