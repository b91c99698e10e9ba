package nonce

import (
	"context"
	"errors"
	"time"
)

const (
	// DefaultValidityPeriod is the default nonce lifetime
	DefaultValidityPeriod = 5 * time.Minute

	// DefaultPrivateKeySize is the default key length in bytes
	DefaultPrivateKeySize = 20

	// DefaultAlgorithm is the default signing digest
	DefaultAlgorithm = "SHA-256"
)

// Outcome is the result of a ledger check-and-update.
type Outcome int

const (
	// Rejected means the nonce was already consumed or the count did not advance
	Rejected Outcome = iota
	// Created means a new entry was recorded
	Created
	// Updated means an existing entry moved to a higher count
	Updated
)

func (o Outcome) String() string {
	switch o {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "rejected"
	}
}

// Accepted reports whether the outcome lets the request through.
func (o Outcome) Accepted() bool {
	return o != Rejected
}

// Ledger records which nonces have been used and at what request count.
// Every method must perform its read-check-write atomically per key.
type Ledger interface {
	// Advance records count for key if it is strictly greater than the stored count.
	// ttl is how long a newly created entry must live.
	Advance(ctx context.Context, key string, count int64, ttl time.Duration) (Outcome, error)

	// Consume records key as used. It is Rejected if key is already present.
	Consume(ctx context.Context, key string, ttl time.Duration) (Outcome, error)

	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error

	// Len returns the number of tracked entries.
	Len(ctx context.Context) (int, error)
}

// SelfExpiring is implemented by ledgers that expire entries on their own,
// in which case the manager does not schedule removals.
type SelfExpiring interface {
	SelfExpiring() bool
}

// Error definitions
var (
	ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")
	ErrMalformedNonce       = errors.New("malformed nonce")
	ErrManagerClosed        = errors.New("nonce manager closed")
	ErrInvalidConfig        = errors.New("invalid nonce manager config")
)
