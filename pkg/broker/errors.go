package broker

import (
	"errors"
	"fmt"
)

// ErrorKind classifies dApp-facing failures. Several kinds share a wire code.
type ErrorKind string

const (
	KindUserRejected       ErrorKind = "UserRejected"
	KindApprovalTimeout    ErrorKind = "ApprovalTimeout"
	KindOriginNotConnected ErrorKind = "OriginNotConnected"
	KindAccountNotFound    ErrorKind = "AccountNotFound"
	KindUnsupportedMethod  ErrorKind = "UnsupportedMethod"
	KindChainConfigMissing ErrorKind = "ChainConfigMissing"
	KindUpstreamRPCFailure ErrorKind = "UpstreamRpcFailure"
	KindDecryptionFailure  ErrorKind = "DecryptionFailure"
	KindInvalidParams      ErrorKind = "InvalidParams"
	KindRateLimited        ErrorKind = "RateLimited"
	KindUnavailable        ErrorKind = "Unavailable"
)

// Error is the JSON-RPC error returned to the dApp. Kind never leaves the
// process; dApps see only code and message.
type Error struct {
	Kind    ErrorKind `json:"-"`
	Code    int       `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// Is matches on Kind, or on Code when either side came off the wire without
// a kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind == "" || t.Kind == "" {
		return e.Code == t.Code
	}
	return e.Kind == t.Kind
}

// With returns a copy of e carrying msg.
func (e *Error) With(msg string) *Error {
	c := *e
	c.Message = msg
	return &c
}

// Withf is With with formatting.
func (e *Error) Withf(format string, args ...any) *Error {
	return e.With(fmt.Sprintf(format, args...))
}

var (
	// ErrUserRejected is returned when a human declines a request
	ErrUserRejected = &Error{Kind: KindUserRejected, Code: 4001, Message: "User rejected the request."}

	// ErrApprovalTimeout has the same wire shape as ErrUserRejected
	ErrApprovalTimeout = &Error{Kind: KindApprovalTimeout, Code: 4001, Message: "Request approval timed out"}

	// ErrOriginNotConnected is returned for account-scoped calls from an unapproved origin
	ErrOriginNotConnected = &Error{Kind: KindOriginNotConnected, Code: 4100, Message: "Origin not connected. Please connect first."}

	// ErrAccountNotFound is returned when no held key matches the requested signer
	ErrAccountNotFound = &Error{Kind: KindAccountNotFound, Code: 4100, Message: "From address not found in wallet"}

	// ErrUnsupportedMethod is returned for methods outside the dispatch table
	ErrUnsupportedMethod = &Error{Kind: KindUnsupportedMethod, Code: 4200, Message: "method not supported"}

	// ErrChainConfigMissing is returned when a chain id has no stored record
	ErrChainConfigMissing = &Error{Kind: KindChainConfigMissing, Code: 4902, Message: "Unrecognized chain ID"}

	// ErrUpstreamRPCFailure wraps a failed node call
	ErrUpstreamRPCFailure = &Error{Kind: KindUpstreamRPCFailure, Code: -32603, Message: "upstream RPC failure"}

	// ErrDecryptionFailure is returned when a stored key cannot be opened
	ErrDecryptionFailure = &Error{Kind: KindDecryptionFailure, Code: -32603, Message: "Failed to decrypt private key"}

	// ErrInvalidParams is returned for malformed envelopes and parameters
	ErrInvalidParams = &Error{Kind: KindInvalidParams, Code: -32602, Message: "invalid params"}

	// ErrRateLimited is returned by the relay when an origin exceeds its budget
	ErrRateLimited = &Error{Kind: KindRateLimited, Code: -32005, Message: "rate limit exceeded"}

	// ErrUnavailable is returned when the broker cannot be reached
	ErrUnavailable = &Error{Kind: KindUnavailable, Code: -32603, Message: "communication unavailable"}
)

// ErrUnknownRequest is returned by Decide for ids that are unknown or were
// already resolved.
var ErrUnknownRequest = errors.New("unknown or already resolved")

// ErrAlreadyResolved is returned by Decide for a repeated decision on a
// request that was recently resolved. Callers treat it as success.
var ErrAlreadyResolved = errors.New("already resolved")

// AsError converts err into a dApp-facing *Error, defaulting to an upstream
// failure that carries err's text.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return ErrUpstreamRPCFailure.With(err.Error())
}
