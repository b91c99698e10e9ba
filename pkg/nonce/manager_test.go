package nonce

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeClock struct {
	now atomic.Int64
}

func newFakeClock() *fakeClock {
	c := &fakeClock{}
	c.now.Store(int64(time.Hour))
	return c
}

func (c *fakeClock) Now() int64 { return c.now.Load() }

func (c *fakeClock) Advance(d time.Duration) { c.now.Add(int64(d)) }

func (c *fakeClock) Set(nanos int64) { c.now.Store(nanos) }

func newTestManager(t *testing.T, cfg Config, opts ...Option) *Manager {
	t.Helper()
	m, err := NewManager(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestNewManagerDefaults(t *testing.T) {
	m := newTestManager(t, Config{})
	assert.Equal(t, DefaultValidityPeriod, m.ValidityPeriod())
	assert.Equal(t, 32, m.DigestLength())
}

func TestNewManagerUnsupportedAlgorithm(t *testing.T) {
	_, err := NewManager(Config{DigestAlgorithm: "WHIRLPOOL"})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestNewManagerInvalidConfig(t *testing.T) {
	_, err := NewManager(Config{ValidityPeriod: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewManager(Config{PrivateKeySize: -1})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestNewManagerKeyGenerationFailure(t *testing.T) {
	_, err := NewManager(Config{}, WithRandom(failingReader{}))
	assert.Error(t, err)
}

func TestIssueEmbedsSequenceAndTime(t *testing.T) {
	clock := newFakeClock()
	m := newTestManager(t, Config{DigestAlgorithm: "SHA-512"}, WithClock(clock))

	first, err := m.Issue(nil)
	require.NoError(t, err)
	second, err := m.Issue(nil)
	require.NoError(t, err)

	a, err := Decode(first, m.DigestLength())
	require.NoError(t, err)
	b, err := Decode(second, m.DigestLength())
	require.NoError(t, err)

	assert.Equal(t, uint32(1), a.Sequence)
	assert.Equal(t, uint32(2), b.Sequence)
	assert.Equal(t, clock.Now(), a.IssuedAt)
	assert.Len(t, a.Signature, 64)
	assert.NotEqual(t, first, second)
}

func TestValidateFreshnessBoundaries(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, Config{ValidityPeriod: time.Minute}, WithClock(clock))

	issuedAt := clock.Now()
	nonce, err := m.Issue(nil)
	require.NoError(t, err)

	clock.Set(issuedAt + int64(time.Minute))
	ok, err := m.Validate(ctx, nonce, nil, 0)
	require.NoError(t, err)
	assert.True(t, ok, "accepted at exactly the validity period")

	clock.Set(issuedAt + int64(time.Minute) + 1)
	ok, err = m.Validate(ctx, nonce, nil, 0)
	require.NoError(t, err)
	assert.False(t, ok, "rejected one nanosecond past the validity period")

	clock.Set(issuedAt - 1)
	ok, err = m.Validate(ctx, nonce, nil, 0)
	require.NoError(t, err)
	assert.False(t, ok, "rejected when issued in the future")

	clock.Set(issuedAt)
	ok, err = m.Validate(ctx, nonce, nil, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateRejectsEveryBitFlip(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	nonce, err := m.Issue([]byte("salt"))
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(nonce)
	require.NoError(t, err)

	for i := 0; i < len(raw)*8; i++ {
		forged := append([]byte(nil), raw...)
		forged[i/8] ^= 1 << (i % 8)

		ok, err := m.Validate(ctx, base64.StdEncoding.EncodeToString(forged), []byte("salt"), 0)
		require.NoError(t, err)
		assert.False(t, ok, "bit %d", i)
	}

	ok, err := m.Validate(ctx, nonce, []byte("salt"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateRejectsEveryBitFlipOfText(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{SingleUse: true})

	nonce, err := m.Issue([]byte("salt"))
	require.NoError(t, err)

	for i := 0; i < len(nonce); i++ {
		for bit := 0; bit < 8; bit++ {
			forged := []byte(nonce)
			forged[i] ^= 1 << bit

			ok, _ := m.Validate(ctx, string(forged), []byte("salt"), 0)
			assert.False(t, ok, "char %d bit %d: %q", i, bit, forged)
		}
	}

	n, err := m.LedgerLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "forged texts never reach the ledger")

	ok, err := m.Validate(ctx, nonce, []byte("salt"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateRejectsReplayWithAlternateEncoding(t *testing.T) {
	ctx := context.Background()

	t.Run("single use", func(t *testing.T) {
		m := newTestManager(t, Config{SingleUse: true})
		nonce, err := m.Issue(nil)
		require.NoError(t, err)

		ok, err := m.Validate(ctx, nonce, nil, 0)
		require.NoError(t, err)
		require.True(t, ok)

		for _, v := range paddingVariants(t, nonce) {
			ok, err := m.Validate(ctx, v, nil, 0)
			assert.ErrorIs(t, err, ErrMalformedNonce)
			assert.False(t, ok, v)
		}
	})

	t.Run("counter", func(t *testing.T) {
		m := newTestManager(t, Config{})
		nonce, err := m.Issue(nil)
		require.NoError(t, err)

		ok, err := m.Validate(ctx, nonce, nil, 5)
		require.NoError(t, err)
		require.True(t, ok)

		for _, v := range paddingVariants(t, nonce) {
			ok, err := m.Validate(ctx, v, nil, 5)
			assert.ErrorIs(t, err, ErrMalformedNonce)
			assert.False(t, ok, v)
		}

		n, err := m.LedgerLen(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestValidateSaltMustMatch(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	nonce, err := m.Issue([]byte("realm-a"))
	require.NoError(t, err)

	ok, err := m.Validate(ctx, nonce, []byte("realm-b"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Validate(ctx, nonce, nil, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Validate(ctx, nonce, []byte("realm-a"), 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateNonceFromAnotherManager(t *testing.T) {
	ctx := context.Background()
	m1 := newTestManager(t, Config{})
	m2 := newTestManager(t, Config{})

	nonce, err := m1.Issue(nil)
	require.NoError(t, err)

	ok, err := m2.Validate(ctx, nonce, nil, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateMalformed(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	ok, err := m.Validate(ctx, "%%%", nil, 0)
	assert.ErrorIs(t, err, ErrMalformedNonce)
	assert.False(t, ok)

	ok, err = m.Validate(ctx, base64.StdEncoding.EncodeToString([]byte("short")), nil, 0)
	assert.ErrorIs(t, err, ErrMalformedNonce)
	assert.False(t, ok)
}

func TestValidateSingleUse(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{SingleUse: true})

	nonce, err := m.Issue(nil)
	require.NoError(t, err)

	ok, err := m.Validate(ctx, nonce, nil, 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Validate(ctx, nonce, nil, 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateReusableWithoutTracking(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	nonce, err := m.Issue(nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ok, err := m.Validate(ctx, nonce, nil, 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	n, err := m.LedgerLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestValidateCounterOrdering(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})

	nonce, err := m.Issue(nil)
	require.NoError(t, err)

	var got []bool
	for _, nc := range []int64{5, 5, 7, 6} {
		ok, err := m.Validate(ctx, nonce, nil, nc)
		require.NoError(t, err)
		got = append(got, ok)
	}
	assert.Equal(t, []bool{true, false, true, false}, got)
}

func TestValidateCounterScenario(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	m := newTestManager(t, Config{ValidityPeriod: 60 * time.Second}, WithClock(clock))

	nonce, err := m.Issue(nil)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	ok, err := m.Validate(ctx, nonce, nil, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	clock.Advance(10 * time.Second)
	ok, err = m.Validate(ctx, nonce, nil, 1)
	require.NoError(t, err)
	assert.False(t, ok, "stale counter")

	clock.Advance(50 * time.Second)
	ok, err = m.Validate(ctx, nonce, nil, 2)
	require.NoError(t, err)
	assert.False(t, ok, "expired")
}

func TestIssueConcurrentUniqueness(t *testing.T) {
	const (
		workers = 8
		perWork = 1250
	)
	m := newTestManager(t, Config{})

	results := make([][]string, workers)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < perWork; i++ {
				nonce, err := m.Issue(nil)
				if err != nil {
					return err
				}
				results[w] = append(results[w], nonce)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	seen := make(map[string]struct{}, workers*perWork)
	var sequences []uint32
	for _, batch := range results {
		var last uint32
		for _, nonce := range batch {
			seen[nonce] = struct{}{}
			tok, err := Decode(nonce, m.DigestLength())
			require.NoError(t, err)
			assert.Greater(t, tok.Sequence, last, "sequence increases in issuance order")
			last = tok.Sequence
			sequences = append(sequences, tok.Sequence)
		}
	}
	assert.Len(t, seen, workers*perWork)

	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })
	for i, seq := range sequences {
		require.Equal(t, uint32(i+1), seq)
	}
}

func TestSequenceWrapsAround(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{})
	m.sequence.Store(math.MaxUint32)

	nonce, err := m.Issue(nil)
	require.NoError(t, err)
	tok, err := Decode(nonce, m.DigestLength())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), tok.Sequence)

	ok, err := m.Validate(ctx, nonce, nil, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLedgerDrainsAfterExpiry(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{ValidityPeriod: 50 * time.Millisecond, SingleUse: true})

	const n = 100
	for i := 0; i < n; i++ {
		nonce, err := m.Issue(nil)
		require.NoError(t, err)
		ok, err := m.Validate(ctx, nonce, nil, 0)
		require.NoError(t, err)
		require.True(t, ok)
	}

	size, err := m.LedgerLen(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, size, n)

	assert.Eventually(t, func() bool {
		size, err := m.LedgerLen(ctx)
		return err == nil && size == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCounterEntryRemovedOnceAtOriginalExpiry(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{ValidityPeriod: 500 * time.Millisecond})

	nonce, err := m.Issue(nil)
	require.NoError(t, err)

	for nc := int64(1); nc <= 3; nc++ {
		ok, err := m.Validate(ctx, nonce, nil, nc)
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.Equal(t, 1, m.scheduler.Pending(), "updates do not schedule extra removals")

	assert.Eventually(t, func() bool {
		size, _ := m.LedgerLen(ctx)
		return size == 0
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, m.scheduler.Pending())
}

func TestCloseStopsIssuance(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(Config{SingleUse: true})
	require.NoError(t, err)

	nonce, err := m.Issue(nil)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err = m.Issue(nil)
	assert.ErrorIs(t, err, ErrManagerClosed)

	ok, err := m.Validate(ctx, nonce, nil, 0)
	require.NoError(t, err)
	assert.True(t, ok, "validation keeps working after close")
	assert.Equal(t, 0, m.scheduler.Pending())
}

type brokenLedger struct{ MemoryLedger }

func (*brokenLedger) Advance(context.Context, string, int64, time.Duration) (Outcome, error) {
	return Rejected, errors.New("connection refused")
}

func (*brokenLedger) Consume(context.Context, string, time.Duration) (Outcome, error) {
	return Rejected, errors.New("connection refused")
}

func TestValidateFailsClosedOnLedgerError(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, Config{SingleUse: true}, WithLedger(&brokenLedger{}))

	nonce, err := m.Issue(nil)
	require.NoError(t, err)

	ok, err := m.Validate(ctx, nonce, nil, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Validate(ctx, nonce, nil, 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetricsRecordReasons(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	metrics := NewMetrics(prometheus.NewRegistry())
	m := newTestManager(t, Config{ValidityPeriod: time.Minute, SingleUse: true}, WithClock(clock), WithMetrics(metrics))

	nonce, err := m.Issue(nil)
	require.NoError(t, err)

	_, _ = m.Validate(ctx, nonce, nil, 0)
	_, _ = m.Validate(ctx, nonce, nil, 0)
	_, _ = m.Validate(ctx, nonce, []byte("x"), 0)
	_, _ = m.Validate(ctx, "!!", nil, 0)
	clock.Advance(2 * time.Minute)
	_, _ = m.Validate(ctx, nonce, nil, 0)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Issued))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Validations.WithLabelValues("accepted")))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.Validations.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Rejections.WithLabelValues(ReasonReplayed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Rejections.WithLabelValues(ReasonSignatureMismatch)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Rejections.WithLabelValues(ReasonMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Rejections.WithLabelValues(ReasonExpired)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LedgerEntries))
}

func TestLedgerGaugeTracksScheduledRemovals(t *testing.T) {
	ctx := context.Background()
	metrics := NewMetrics(prometheus.NewRegistry())
	m, err := NewManager(Config{SingleUse: true}, WithMetrics(metrics))
	require.NoError(t, err)

	first, err := m.Issue(nil)
	require.NoError(t, err)
	second, err := m.Issue(nil)
	require.NoError(t, err)

	ok, err := m.Validate(ctx, first, nil, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.LedgerEntries))

	require.NoError(t, m.Close())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.LedgerEntries), "discarded removals leave the gauge")

	ok, err = m.Validate(ctx, second, nil, 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.LedgerEntries), "nothing scheduled after close")
}
