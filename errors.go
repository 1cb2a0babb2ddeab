package wden

import (
	"errors"
	"fmt"
	"time"
)

// Crypto errors. All of these fail closed: no partial plaintext is ever
// returned alongside them.
var (
	ErrUnsupportedKdf        = errors.New("unsupported key derivation function")
	ErrUnsupportedCipherType = errors.New("unsupported cipher encryption type")
	ErrMalformedEnvelope     = errors.New("cipher string is malformed")
	ErrMacMismatch           = errors.New("cipher MAC verification failed")
	ErrInvalidKeyLength      = errors.New("decrypted key length is invalid")
	ErrInvalidKeyType        = errors.New("invalid key type for cipher")
)

// Auth errors.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidPassword    = errors.New("invalid master password")
	ErrTokenExpired       = errors.New("token expired or revoked")
	ErrVaultLocked        = errors.New("vault is locked")
	ErrLoggedOut          = errors.New("not logged in")
)

// RateLimitError reports a 429 from the identity endpoint. RetryAfter is
// the server-supplied wait duration, or zero when the server sent none;
// callers should treat it as a floor for their backoff, not a fixed delay.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// NetworkError wraps a transport-level failure so callers can tell it
// apart from an auth outcome and retry transparently.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// InvalidPasswordError is what a failed password unlock surfaces: the
// user-facing identity is ErrInvalidPassword, while the causing crypto
// error stays reachable through errors.Is for diagnostics.
type InvalidPasswordError struct {
	Cause error
}

func (e *InvalidPasswordError) Error() string {
	return ErrInvalidPassword.Error()
}

func (e *InvalidPasswordError) Is(target error) bool {
	return target == ErrInvalidPassword
}

func (e *InvalidPasswordError) Unwrap() error {
	return e.Cause
}
