package common

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and acknowledgement decisions.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig marks missing or invalid configuration. Fatal at startup.
	KindConfig
	// KindTransport marks broker/datastore/object-store connection failures.
	// Recovered via reconnect; consumers nack-requeue on it.
	KindTransport
	// KindProtocol marks malformed JSON, bad schema paths and unexpected
	// payloads. Non-retryable for the message that carried them.
	KindProtocol
	// KindNoPageVariable marks a datasource config without a {0} placeholder.
	KindNoPageVariable
	// KindProxyAcquire marks exhausted proxy acquisition attempts.
	KindProxyAcquire
	// KindProxyConnect marks a failure to connect through an acquired proxy.
	KindProxyConnect
	// KindHTTPTransport marks a transport-level HTTP failure.
	KindHTTPTransport
	// KindStatusMismatch marks a response whose status differed from the
	// expected one after all retries.
	KindStatusMismatch
	// KindTimeout marks a blocking operation that exceeded its deadline.
	KindTimeout
	// KindNotFound marks a document-store miss.
	KindNotFound
	// KindConflict marks a document-store uniqueness conflict.
	KindConflict
	// KindBadQuery marks a malformed document-store query.
	KindBadQuery
	// KindBadSchema marks a parse rule that does not match the response.
	KindBadSchema
	// KindUnknownSpider marks a spider name with no registered constructor.
	KindUnknownSpider
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "CONFIG"
	case KindTransport:
		return "TRANSPORT"
	case KindProtocol:
		return "PROTOCOL"
	case KindNoPageVariable:
		return "NO_PAGE_VARIABLE"
	case KindProxyAcquire:
		return "PROXY_ACQUIRE"
	case KindProxyConnect:
		return "PROXY_CONNECT"
	case KindHTTPTransport:
		return "HTTP_TRANSPORT"
	case KindStatusMismatch:
		return "STATUS_MISMATCH"
	case KindTimeout:
		return "TIMEOUT"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindBadQuery:
		return "BAD_QUERY"
	case KindBadSchema:
		return "BAD_SCHEMA"
	case KindUnknownSpider:
		return "UNKNOWN_SPIDER"
	default:
		return "UNKNOWN"
	}
}

// Error is a kinded error. It wraps an optional cause so callers can use
// errors.Is/errors.As across package boundaries.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// E builds a kinded error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds a kinded error around a cause. A nil cause returns nil.
func Wrap(kind Kind, msg string, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind from err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should be retried or redelivered.
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransport, KindTimeout, KindHTTPTransport:
		return true
	}
	return false
}

// IsPermanent reports whether err can never succeed for the same input.
func IsPermanent(err error) bool {
	switch KindOf(err) {
	case KindProtocol, KindNoPageVariable, KindBadSchema, KindUnknownSpider, KindBadQuery:
		return true
	}
	return false
}
