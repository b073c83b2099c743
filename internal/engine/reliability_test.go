package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/trustgate/internal/connectors"
)

type flakyStore struct {
	calls atomic.Int32
	fail  int32
	err   error
}

func (s *flakyStore) Download(context.Context, string) ([]byte, error) {
	if n := s.calls.Add(1); n <= s.fail {
		return nil, s.err
	}
	return []byte("ok"), nil
}

func (s *flakyStore) Upload(context.Context, string, []byte) error {
	s.calls.Add(1)
	return s.err
}

func fastConfig() ReliabilityConfig {
	return ReliabilityConfig{Attempts: 3, CallTimeout: time.Second, RatePerSecond: 1000, Burst: 100}
}

func TestReliableStorage_RetriesThrottled(t *testing.T) {
	next := &flakyStore{fail: 2, err: &connectors.ThrottleError{RetryAfter: time.Millisecond, Cause: errors.New("429")}}
	s := NewReliableStorage(next, fastConfig(), nil)

	data, err := s.Download(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
	assert.EqualValues(t, 3, next.calls.Load())
}

func TestReliableStorage_NotFoundIsPermanent(t *testing.T) {
	next := &flakyStore{fail: 100, err: connectors.ErrObjectNotFound}
	s := NewReliableStorage(next, fastConfig(), nil)

	for range 10 {
		_, err := s.Download(context.Background(), "missing")
		require.ErrorIs(t, err, connectors.ErrObjectNotFound)
	}
	// Каждая попытка: ровно один вызов, и предохранитель остается закрытым
	assert.EqualValues(t, 10, next.calls.Load())
	assert.Equal(t, gobreaker.StateClosed, s.w.State())
}

func TestReliabilityWrapper_OpensBreaker(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	cfg := fastConfig()
	cfg.Attempts = 1
	cfg.MaxFailures = 1
	w := NewReliabilityWrapper("test", cfg, metrics, nil)

	var calls atomic.Int32
	boom := errors.New("boom")
	fn := func(context.Context) error {
		calls.Add(1)
		return boom
	}
	require.ErrorIs(t, w.Do(context.Background(), fn), boom)
	require.ErrorIs(t, w.Do(context.Background(), fn), boom)

	err := w.Do(context.Background(), fn)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, gobreaker.StateOpen, w.State())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.CircuitBreakerState.WithLabelValues("test")))
}

func TestReliabilityWrapper_CancelledContext(t *testing.T) {
	w := NewReliabilityWrapper("ctx", fastConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Do(ctx, func(context.Context) error { return nil })
	assert.Error(t, err)
}

type flakyChecker struct{ calls atomic.Int32 }

func (c *flakyChecker) Supports(context.Context, string, string) (bool, error) {
	if c.calls.Add(1) == 1 {
		return false, &connectors.ThrottleError{RetryAfter: time.Millisecond}
	}
	return true, nil
}

func TestReliableChecker(t *testing.T) {
	next := &flakyChecker{}
	ok, err := NewReliableChecker(next, fastConfig(), nil).Supports(context.Background(), "claim", "evidence")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 2, next.calls.Load())
}
