package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config holds the construction options of a Manager.
// Zero values fall back to the package defaults.
type Config struct {
	ValidityPeriod  time.Duration
	SingleUse       bool
	PrivateKeySize  int
	DigestAlgorithm string
}

// Clock reports the current time in nanoseconds. It must not go backwards.
type Clock interface {
	Now() int64
}

// monotonicClock anchors the runtime's monotonic reading to the wall clock
// at construction, so values stay comparable while the wall clock is adjusted.
type monotonicClock struct {
	start time.Time
	base  int64
}

func newMonotonicClock() *monotonicClock {
	now := time.Now()
	return &monotonicClock{start: now, base: now.UnixNano()}
}

func (c *monotonicClock) Now() int64 {
	return c.base + int64(time.Since(c.start))
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock replaces the monotonic clock.
func WithClock(clock Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLedger replaces the in-memory replay ledger.
func WithLedger(ledger Ledger) Option {
	return func(m *Manager) { m.ledger = ledger }
}

// WithMetrics enables metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithRandom sets the source of private key material.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) { m.random = r }
}

// Manager issues signed nonces and validates the ones clients present back.
type Manager struct {
	validity  time.Duration
	singleUse bool
	signer    *signer

	sequence atomic.Uint32
	closed   atomic.Bool

	ledger       Ledger
	selfExpiring bool
	scheduler    *Scheduler

	clock   Clock
	random  io.Reader
	metrics *Metrics
	logger  *zap.Logger
}

// NewManager creates a manager with a freshly generated private key.
// It fails with ErrUnsupportedAlgorithm if cfg.DigestAlgorithm is unknown.
func NewManager(cfg Config, opts ...Option) (*Manager, error) {
	if cfg.ValidityPeriod == 0 {
		cfg.ValidityPeriod = DefaultValidityPeriod
	}
	if cfg.PrivateKeySize == 0 {
		cfg.PrivateKeySize = DefaultPrivateKeySize
	}
	if cfg.DigestAlgorithm == "" {
		cfg.DigestAlgorithm = DefaultAlgorithm
	}
	if cfg.ValidityPeriod < 0 {
		return nil, fmt.Errorf("%w: validity period %s", ErrInvalidConfig, cfg.ValidityPeriod)
	}
	if cfg.PrivateKeySize < 0 {
		return nil, fmt.Errorf("%w: private key size %d", ErrInvalidConfig, cfg.PrivateKeySize)
	}

	m := &Manager{
		validity:  cfg.ValidityPeriod,
		singleUse: cfg.SingleUse,
		random:    rand.Reader,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}

	key := make([]byte, cfg.PrivateKeySize)
	if _, err := io.ReadFull(m.random, key); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	s, err := newSigner(cfg.DigestAlgorithm, key)
	if err != nil {
		return nil, err
	}
	m.signer = s

	if m.clock == nil {
		m.clock = newMonotonicClock()
	}
	if m.ledger == nil {
		m.ledger = NewMemoryLedger()
	}
	if se, ok := m.ledger.(SelfExpiring); ok && se.SelfExpiring() {
		m.selfExpiring = true
	} else {
		m.scheduler = NewScheduler()
	}

	m.logger.Info("nonce manager started",
		zap.Duration("validity_period", m.validity),
		zap.Bool("single_use", m.singleUse),
		zap.String("algorithm", cfg.DigestAlgorithm),
		zap.Int("key_size", cfg.PrivateKeySize),
	)
	return m, nil
}

// ValidityPeriod returns how long issued nonces stay acceptable.
func (m *Manager) ValidityPeriod() time.Duration {
	return m.validity
}

// DigestLength returns the signature length embedded in every nonce.
func (m *Manager) DigestLength() int {
	return m.signer.Size()
}

// LedgerLen returns the number of nonces currently tracked for replay.
func (m *Manager) LedgerLen(ctx context.Context) (int, error) {
	return m.ledger.Len(ctx)
}

// Issue generates a new encoded nonce. The optional salt binds the nonce to
// caller context and must be presented again on validation.
func (m *Manager) Issue(salt []byte) (string, error) {
	if m.closed.Load() {
		return "", ErrManagerClosed
	}

	tok := Token{
		Sequence: m.sequence.Add(1),
		IssuedAt: m.clock.Now(),
	}
	tok.Signature = m.signer.Sign(tok.Prefix(), salt)
	nonce := Encode(tok)

	m.metrics.issued()
	if ce := m.logger.Check(zap.DebugLevel, "nonce issued"); ce != nil {
		ce.Write(zap.String("nonce", nonce), zap.String("salt", saltString(salt)))
	}
	return nonce, nil
}

// Validate reports whether nonce may be used now.
//
// nonceCount is the client's request counter; values <= 0 mean none was sent.
// With a counter the nonce is accepted only if the counter is strictly higher
// than any previously accepted one. Without a counter and in single-use mode
// the nonce is accepted at most once.
//
// The only errors are ErrMalformedNonce for undecodable input. Every security
// rejection is a plain false.
func (m *Manager) Validate(ctx context.Context, nonce string, salt []byte, nonceCount int64) (bool, error) {
	tok, err := Decode(nonce, m.signer.Size())
	if err != nil {
		m.reject(nonce, ReasonMalformed, zap.Error(err))
		return false, err
	}

	age := time.Duration(m.clock.Now() - tok.IssuedAt)
	if age < 0 {
		m.reject(nonce, ReasonFutureDated, zap.Duration("age", age))
		return false, nil
	}
	if age > m.validity {
		m.reject(nonce, ReasonExpired, zap.Duration("age", age), zap.Duration("validity_period", m.validity))
		return false, nil
	}

	if !m.signer.Verify(tok.Prefix(), salt, tok.Signature) {
		m.reject(nonce, ReasonSignatureMismatch, zap.String("salt", saltString(salt)))
		return false, nil
	}

	remaining := m.validity - age
	key := Encode(tok)

	switch {
	case nonceCount > 0:
		outcome, err := m.ledger.Advance(ctx, key, nonceCount, remaining)
		if err != nil {
			m.logger.Error("replay ledger unavailable", zap.String("nonce", nonce), zap.Error(err))
			m.reject(nonce, ReasonLedgerError)
			return false, nil
		}
		if !outcome.Accepted() {
			m.reject(nonce, ReasonStaleCount, zap.Int64("nonce_count", nonceCount))
			return false, nil
		}
		if outcome == Created {
			m.scheduleRemoval(key, remaining)
		}
	case m.singleUse:
		outcome, err := m.ledger.Consume(ctx, key, remaining)
		if err != nil {
			m.logger.Error("replay ledger unavailable", zap.String("nonce", nonce), zap.Error(err))
			m.reject(nonce, ReasonLedgerError)
			return false, nil
		}
		if !outcome.Accepted() {
			m.reject(nonce, ReasonReplayed)
			return false, nil
		}
		m.scheduleRemoval(key, remaining)
	}

	m.metrics.accepted()
	return true, nil
}

// Close stops the removal scheduler and refuses further issuance.
// Validation keeps working, but entries created afterwards are not removed.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if m.scheduler != nil {
		m.metrics.entriesDiscarded(m.scheduler.Stop())
	}
	m.logger.Info("nonce manager stopped")
	return nil
}

func (m *Manager) scheduleRemoval(nonce string, after time.Duration) {
	if m.selfExpiring {
		return
	}
	ok := m.scheduler.Schedule(after, func() {
		if err := m.ledger.Remove(context.Background(), nonce); err != nil {
			m.logger.Warn("failed to remove expired nonce", zap.String("nonce", nonce), zap.Error(err))
			return
		}
		m.metrics.entryRemoved()
	})
	if !ok {
		m.logger.Debug("scheduler stopped, nonce will not be removed", zap.String("nonce", nonce))
		return
	}
	m.metrics.entryAdded()
}

func (m *Manager) reject(nonce, reason string, fields ...zap.Field) {
	m.metrics.rejected(reason)
	if ce := m.logger.Check(zap.DebugLevel, "nonce rejected"); ce != nil {
		ce.Write(append([]zap.Field{zap.String("nonce", nonce), zap.String("reason", reason)}, fields...)...)
	}
}

func saltString(salt []byte) string {
	if salt == nil {
		return "null"
	}
	return hex.EncodeToString(salt)
}
