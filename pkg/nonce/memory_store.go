package nonce

import (
	"context"
	"sync"
	"time"
)

// consumed marks a single-use entry. No counter can advance past it.
const consumed int64 = -1

// MemoryLedger is a process-local Ledger guarded by one mutex.
// It never expires entries itself; the manager schedules Remove calls.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string]int64
}

// Compile-time interface compliance check
var _ Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string]int64)}
}

// Advance implements Ledger.
func (l *MemoryLedger) Advance(_ context.Context, key string, count int64, _ time.Duration) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.entries[key]
	switch {
	case !ok:
		l.entries[key] = count
		return Created, nil
	case current == consumed:
		return Rejected, nil
	case count > current:
		l.entries[key] = count
		return Updated, nil
	default:
		return Rejected, nil
	}
}

// Consume implements Ledger.
func (l *MemoryLedger) Consume(_ context.Context, key string, _ time.Duration) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[key]; ok {
		return Rejected, nil
	}
	l.entries[key] = consumed
	return Created, nil
}

// Remove implements Ledger.
func (l *MemoryLedger) Remove(_ context.Context, key string) error {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
	return nil
}

// Len implements Ledger.
func (l *MemoryLedger) Len(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries), nil
}
