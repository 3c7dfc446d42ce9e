package coop

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"overlay/pkg/coordinator"
	"overlay/pkg/metrics"
	"overlay/pkg/pow"
	"overlay/pkg/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubSession struct {
	mu       sync.Mutex
	pub      ed25519.PublicKey
	priv     ed25519.PrivateKey
	now      time.Time
	epoch    int64
	limitAll bool
}

func newStubSession(t *testing.T) *stubSession {
	t.Helper()
	seed := sha256.Sum256([]byte("stub-session"))
	priv := ed25519.NewKeyFromSeed(seed[:])
	return &stubSession{
		pub:   priv.Public().(ed25519.PublicKey),
		priv:  priv,
		now:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		epoch: 2839,
	}
}

func (s *stubSession) Identity() coordinator.SessionIdentity {
	return coordinator.SessionIdentity{PublicKey: s.pub, CapabilitiesHash: "CAPS"}
}

func (s *stubSession) Sign(msg []byte) []byte { return ed25519.Sign(s.priv, msg) }

func (s *stubSession) ShouldRateLimit(string, time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limitAll
}

func (s *stubSession) CurrentEpochBucket() int64 { return s.epoch }

func (s *stubSession) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *stubSession) advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	s.mu.Unlock()
}

type stubEvaluator struct {
	mu       sync.Mutex
	failing  map[types.ServerID]bool
	hanging  map[types.ServerID]bool
	requests []*types.OPRFRequest
}

func (e *stubEvaluator) Evaluate(ctx context.Context, server types.FederationServer, req *types.OPRFRequest) (*types.OPRFShare, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	fail := e.failing[server.ServerID]
	hang := e.hanging[server.ServerID]
	e.mu.Unlock()

	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if fail {
		return nil, errors.New("server unavailable")
	}
	sum := sha256.Sum256(append([]byte(server.ServerID), req.BlindedValue...))
	return &types.OPRFShare{ServerID: server.ServerID, PartialEvaluation: sum[:]}, nil
}

func federation(n int) []types.FederationServer {
	servers := make([]types.FederationServer, n)
	for i := range servers {
		servers[i] = types.FederationServer{
			ServerID:  types.ServerID(fmt.Sprintf("fed-%d", i)),
			Endpoint:  fmt.Sprintf("fed-%d.example:7443", i),
			Available: true,
		}
	}
	return servers
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PowDifficulty = 8
	cfg.RequestTimeout = 200 * time.Millisecond
	return cfg
}

func newTestDeriver(t *testing.T, session Session, evaluator Evaluator) (*Deriver, *metrics.OverlayMetrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return NewDeriver(session, evaluator, testConfig(), m, zap.NewNop()), m
}

func TestDeriveHandle_CombinedPath(t *testing.T) {
	session := newStubSession(t)
	evaluator := &stubEvaluator{}
	d, m := newTestDeriver(t, session, evaluator)
	d.SetFederationServers(federation(5))

	handle, err := d.DeriveHandle(context.Background(), "cohort-a")
	require.NoError(t, err)

	assert.Len(t, handle.Handle, 20)
	assert.Equal(t, "cohort-a", handle.CohortID)
	assert.Equal(t, session.epoch, handle.EpochBucket)
	assert.Equal(t, session.now.Add(HandleValidity), handle.ExpiresAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandleDerivations.WithLabelValues(metrics.PathCombined)))
	assert.Equal(t, int64(1), d.Stats().Combined)

	evaluator.mu.Lock()
	defer evaluator.mu.Unlock()
	require.NotEmpty(t, evaluator.requests)
	req := evaluator.requests[0]
	assert.True(t, ed25519.Verify(session.pub, req.Transcript(), req.Signature))
	assert.True(t, pow.Verify(req.BlindedValue, "cohort-a", session.epoch, req.PowNonce, 8))
}

func TestDeriveHandle_FallbackWithoutServers(t *testing.T) {
	session := newStubSession(t)
	d, m := newTestDeriver(t, session, &stubEvaluator{})

	handle, err := d.DeriveHandle(context.Background(), "cohort-a")
	require.NoError(t, err)

	assert.Len(t, handle.Handle, 20)
	assert.Equal(t, session.now.Add(7*24*time.Hour), handle.ExpiresAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandleDerivations.WithLabelValues(metrics.PathFallback)))

	// The fallback is deterministic for a fixed session, cohort and epoch.
	seed := computeIdentitySeed(session.pub, "cohort-a")
	expected := deriveHandleValue(localFallbackDerivation(seed, "cohort-a", session.epoch), session.epoch)
	assert.Equal(t, expected, handle.Handle)
}

func TestDeriveHandle_FallbackBelowThreshold(t *testing.T) {
	session := newStubSession(t)
	evaluator := &stubEvaluator{
		failing: map[types.ServerID]bool{"fed-0": true, "fed-1": true, "fed-2": true},
	}
	d, _ := newTestDeriver(t, session, evaluator)
	d.SetFederationServers(federation(5))

	handle, err := d.DeriveHandle(context.Background(), "cohort-b")
	require.NoError(t, err)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Fallbacks)
	assert.Equal(t, int64(0), stats.Combined)
	assert.Len(t, handle.Handle, 20)
}

func TestDeriveHandle_ToleratesMinorityFailures(t *testing.T) {
	session := newStubSession(t)
	evaluator := &stubEvaluator{
		failing: map[types.ServerID]bool{"fed-0": true},
		hanging: map[types.ServerID]bool{"fed-4": true},
	}
	d, _ := newTestDeriver(t, session, evaluator)
	d.SetFederationServers(federation(5))

	_, err := d.DeriveHandle(context.Background(), "cohort-c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Stats().Combined)
}

func TestDeriveHandle_SkipsUnavailableServers(t *testing.T) {
	session := newStubSession(t)
	evaluator := &stubEvaluator{}
	d, _ := newTestDeriver(t, session, evaluator)
	d.SetFederationServers(federation(5))
	d.SetServerAvailability("fed-1", false)
	d.SetServerAvailability("fed-2", false)
	d.SetServerAvailability("fed-3", false)

	_, err := d.DeriveHandle(context.Background(), "cohort-d")
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Stats().Fallbacks)

	evaluator.mu.Lock()
	assert.Len(t, evaluator.requests, 2)
	evaluator.mu.Unlock()
}

func TestDeriveHandle_CacheHit(t *testing.T) {
	session := newStubSession(t)
	d, m := newTestDeriver(t, session, nil)

	first, err := d.DeriveHandle(context.Background(), "cohort-a")
	require.NoError(t, err)

	// A second call inside the rate-limit window still succeeds from cache.
	session.limitAll = true
	second, err := d.DeriveHandle(context.Background(), "cohort-a")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), d.Stats().CacheHits)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandleDerivations.WithLabelValues(metrics.PathCached)))
}

func TestDeriveHandle_RateLimited(t *testing.T) {
	session := newStubSession(t)
	session.limitAll = true
	d, m := newTestDeriver(t, session, nil)

	handle, err := d.DeriveHandle(context.Background(), "cohort-a")
	assert.Nil(t, handle)
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DerivationFailures.WithLabelValues("rate_limited")))

	_, cached := d.GetCachedHandle("cohort-a")
	assert.False(t, cached)
}

func TestDeriveHandle_PowExhausted(t *testing.T) {
	session := newStubSession(t)
	cfg := testConfig()
	cfg.PowDifficulty = 250
	cfg.MaxPowAttempts = 100
	d := NewDeriver(session, nil, cfg, nil, zap.NewNop())

	_, err := d.DeriveHandle(context.Background(), "cohort-a")
	assert.ErrorIs(t, err, ErrPowExhausted)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Failures)
	assert.Equal(t, 0, stats.CachedSize)
	assert.Equal(t, 0, stats.InFlight)
}

func TestDeriveHandle_CancelledContext(t *testing.T) {
	session := newStubSession(t)
	cfg := testConfig()
	cfg.PowDifficulty = 250
	d := NewDeriver(session, nil, cfg, nil, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.DeriveHandle(ctx, "cohort-a")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDerivationFailed)
	assert.ErrorIs(t, err, context.Canceled)

	var derr *DerivationError
	require.True(t, errors.As(err, &derr))
	assert.Equal(t, "cohort-a", derr.CohortID)
}

func TestDeriveHandle_BlindingIsConsumed(t *testing.T) {
	session := newStubSession(t)
	d, _ := newTestDeriver(t, session, &stubEvaluator{})
	d.SetFederationServers(federation(5))

	for i := 0; i < 3; i++ {
		_, err := d.DeriveHandle(context.Background(), fmt.Sprintf("cohort-%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, d.Stats().InFlight)
}

func TestTakeBlinding_SingleUse(t *testing.T) {
	session := newStubSession(t)
	d, _ := newTestDeriver(t, session, nil)

	state, err := d.blindInput([]byte("seed"))
	require.NoError(t, err)
	assert.Len(t, state.blindedValue, sha256.Size)

	_, ok := d.takeBlinding(state.operationID)
	assert.True(t, ok)
	_, ok = d.takeBlinding(state.operationID)
	assert.False(t, ok)
}

func TestVerifyHandlePoW(t *testing.T) {
	session := newStubSession(t)
	d := NewDeriver(session, nil, DefaultConfig(), nil, zap.NewNop())

	handle := &types.OverlayHandle{
		Handle:      "ABCDEFGHIJKLMNOPQRST",
		CohortID:    "cohort-a",
		EpochBucket: 2839,
	}
	nonce, err := pow.Solve(context.Background(), []byte(handle.Handle), handle.CohortID, handle.EpochBucket, 9, pow.DefaultMaxAttempts)
	require.NoError(t, err)

	handle.PowNonce = nonce
	assert.True(t, d.VerifyHandlePoW(handle))

	// Find a nonce that misses the 9-bit target.
	for bad := int64(0); ; bad++ {
		digest := pow.Digest([]byte(handle.Handle), handle.CohortID, handle.EpochBucket, bad)
		if pow.LeadingZeroBits(digest[:]) < 9 {
			handle.PowNonce = bad
			break
		}
	}
	assert.False(t, d.VerifyHandlePoW(handle))
	assert.False(t, d.VerifyHandlePoW(nil))
}

func TestCleanupExpiredHandles(t *testing.T) {
	session := newStubSession(t)
	d, _ := newTestDeriver(t, session, nil)

	_, err := d.DeriveHandle(context.Background(), "cohort-a")
	require.NoError(t, err)
	stale, err := d.blindInput([]byte("abandoned"))
	require.NoError(t, err)

	session.advance(2 * time.Hour)
	d.CleanupExpiredHandles()
	_, ok := d.takeBlinding(stale.operationID)
	assert.False(t, ok, "blinding older than the TTL must be evicted")
	_, ok = d.GetCachedHandle("cohort-a")
	assert.True(t, ok)

	session.advance(HandleValidity)
	_, ok = d.GetCachedHandle("cohort-a")
	assert.False(t, ok)
	d.CleanupExpiredHandles()
	assert.Equal(t, 0, d.Stats().CachedSize)
}

func TestCleanupConcurrentWithDerivation(t *testing.T) {
	session := newStubSession(t)
	d, _ := newTestDeriver(t, session, &stubEvaluator{})
	d.SetFederationServers(federation(5))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := d.DeriveHandle(context.Background(), fmt.Sprintf("cohort-%d", i))
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			d.CleanupExpiredHandles()
		}()
	}
	wg.Wait()

	assert.Equal(t, 8, d.Stats().CachedSize)
}

func TestRenewExpiring(t *testing.T) {
	session := newStubSession(t)
	d, _ := newTestDeriver(t, session, nil)

	original, err := d.DeriveHandle(context.Background(), "cohort-a")
	require.NoError(t, err)

	session.advance(HandleValidity - 24*time.Hour)
	renewed := d.RenewExpiring(context.Background(), 48*time.Hour)
	assert.Equal(t, 1, renewed)

	current, ok := d.GetCachedHandle("cohort-a")
	require.True(t, ok)
	assert.True(t, current.ExpiresAt.After(original.ExpiresAt))

	// A failed renewal keeps the old handle.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	session.advance(HandleValidity - 24*time.Hour)
	assert.Equal(t, 0, d.RenewExpiring(ctx, 48*time.Hour))
	kept, ok := d.GetCachedHandle("cohort-a")
	require.True(t, ok)
	assert.Equal(t, current.Handle, kept.Handle)
}

// manualClock is a settable clock for driving a real coordinator.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRenewExpiring_RenewsEveryHandleDespiteRateLimit(t *testing.T) {
	clock := &manualClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	session, err := coordinator.New(zap.NewNop(), coordinator.WithClock(clock))
	require.NoError(t, err)
	d, _ := newTestDeriver(t, session, nil)

	cohorts := []string{"cohort-a", "cohort-b", "cohort-c"}
	for _, cohort := range cohorts {
		_, err := d.DeriveHandle(context.Background(), cohort)
		require.NoError(t, err)
		clock.advance(2 * time.Minute)
	}

	clock.advance(HandleValidity - 24*time.Hour - 6*time.Minute)
	// A fresh derivation in the same minute is throttled...
	_, err = d.DeriveHandle(context.Background(), "cohort-d")
	require.NoError(t, err)
	_, err = d.DeriveHandle(context.Background(), "cohort-e")
	require.ErrorIs(t, err, ErrRateLimited)

	// ...but renewal is not.
	assert.Equal(t, 3, d.RenewExpiring(context.Background(), 48*time.Hour))
	for _, cohort := range cohorts {
		handle, ok := d.GetCachedHandle(cohort)
		require.True(t, ok, cohort)
		assert.True(t, handle.ExpiresAt.After(clock.Now().Add(48*time.Hour)), cohort)
	}
}

func TestSetFederationServers_Truncates(t *testing.T) {
	d, m := newTestDeriver(t, newStubSession(t), nil)
	d.SetFederationServers(federation(7))

	assert.Len(t, d.FederationServers(), TotalServers)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.ServersAvailable))

	d.SetServerAvailability("fed-0", false)
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ServersAvailable))
}
