// Package coop derives cohort-scoped overlay handles through a threshold
// blind-evaluation protocol against a fixed set of federation servers.
//
// A derivation runs strictly in order:
//
//  1. seed      = SHA256(sessionPublicKey || "|" || cohort)
//  2. blind     = SHA256(seed || r) for a fresh 32-byte r
//  3. pow       = smallest nonce meeting the difficulty over the blinded value
//  4. fan-out   = partial evaluations from up to T available servers
//  5. combine   = SHA256(share_1 || ... || share_T || r), or the local
//     fallback SHA256("local-fallback|" || seed || "|" || cohort || epoch)
//     when fewer than T servers answered
//  6. finalize  = base32(SHA256(unblinded || epoch))[:20]
//
// The partial evaluation and combination are keyed hashes standing in for a
// verifiable threshold OPRF. They preserve the protocol shape only and give
// no cryptographic guarantee; a real OPRF can replace Evaluator and
// combineAndUnblind without touching the control flow.
package coop

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"overlay/pkg/coordinator"
	"overlay/pkg/metrics"
	"overlay/pkg/pow"
	"overlay/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// Threshold is the number of shares needed to combine (T).
	Threshold = 3
	// TotalServers is the size of the federation (N).
	TotalServers = 5

	// HandleValidity is how long a derived handle may be handed out.
	HandleValidity = 7 * 24 * time.Hour
	// BlindingTTL bounds how long in-flight blinding material is kept.
	BlindingTTL = time.Hour

	// OpDeriveHandle is the rate limiter key for derivations.
	OpDeriveHandle = "coop-handle"

	handleLength       = 20
	blindingFactorSize = 32
)

// Session is the slice of the overlay coordinator a Deriver needs.
type Session interface {
	Identity() coordinator.SessionIdentity
	Sign(msg []byte) []byte
	ShouldRateLimit(op string, window time.Duration) bool
	CurrentEpochBucket() int64
	Now() time.Time
}

// Evaluator requests one partial evaluation from a federation server.
type Evaluator interface {
	Evaluate(ctx context.Context, server types.FederationServer, req *types.OPRFRequest) (*types.OPRFShare, error)
}

// Config tunes a Deriver. Zero fields take the protocol defaults.
type Config struct {
	Threshold       int
	TotalServers    int
	PowDifficulty   int
	MaxPowAttempts  int64
	HandleValidity  time.Duration
	RateLimitWindow time.Duration
	RequestTimeout  time.Duration
	PowWorkers      int
}

// DefaultConfig returns the protocol constants.
func DefaultConfig() Config {
	return Config{
		Threshold:       Threshold,
		TotalServers:    TotalServers,
		PowDifficulty:   pow.DefaultDifficulty,
		MaxPowAttempts:  pow.DefaultMaxAttempts,
		HandleValidity:  HandleValidity,
		RateLimitWindow: time.Minute,
		RequestTimeout:  5 * time.Second,
		PowWorkers:      runtime.NumCPU(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.TotalServers <= 0 {
		c.TotalServers = def.TotalServers
	}
	if c.PowDifficulty <= 0 {
		c.PowDifficulty = def.PowDifficulty
	}
	if c.MaxPowAttempts <= 0 {
		c.MaxPowAttempts = def.MaxPowAttempts
	}
	if c.HandleValidity <= 0 {
		c.HandleValidity = def.HandleValidity
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = def.RateLimitWindow
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.PowWorkers <= 0 {
		c.PowWorkers = def.PowWorkers
	}
	return c
}

// blindingState is the secret material of one in-flight derivation. It is
// consumed by exactly one combine or fallback step.
type blindingState struct {
	operationID    string
	originalInput  []byte
	blindingFactor []byte
	blindedValue   []byte
	createdAt      time.Time
}

// Stats counts derivation outcomes since construction.
type Stats struct {
	CacheHits  int64
	Combined   int64
	Fallbacks  int64
	Failures   int64
	InFlight   int
	CachedSize int
}

// Deriver implements cooperative handle derivation. It owns the handle
// cache and the blinding-state table.
type Deriver struct {
	session   Session
	evaluator Evaluator
	metrics   *metrics.OverlayMetrics
	logger    *zap.Logger
	cfg       Config

	serversMu sync.RWMutex
	servers   []types.FederationServer

	cacheMu sync.RWMutex
	handles map[string]*types.OverlayHandle

	blindingMu sync.Mutex
	blinding   map[string]*blindingState

	powSlots chan struct{}

	cacheHits atomic.Int64
	combined  atomic.Int64
	fallbacks atomic.Int64
	failures  atomic.Int64
}

// NewDeriver creates a Deriver. A nil evaluator means no federation server
// is ever reachable and every derivation takes the local fallback.
func NewDeriver(session Session, evaluator Evaluator, cfg Config, m *metrics.OverlayMetrics, logger *zap.Logger) *Deriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	cfg = cfg.withDefaults()

	return &Deriver{
		session:   session,
		evaluator: evaluator,
		metrics:   m,
		logger:    logger.With(zap.String("component", "coop")),
		cfg:       cfg,
		handles:   make(map[string]*types.OverlayHandle),
		blinding:  make(map[string]*blindingState),
		powSlots:  make(chan struct{}, cfg.PowWorkers),
	}
}

// SetFederationServers replaces the known federation servers. Only the first
// TotalServers entries take part in the protocol.
func (d *Deriver) SetFederationServers(servers []types.FederationServer) {
	d.serversMu.Lock()
	defer d.serversMu.Unlock()

	if len(servers) > d.cfg.TotalServers {
		d.logger.Warn("More federation servers configured than the protocol uses",
			zap.Int("configured", len(servers)),
			zap.Int("used", d.cfg.TotalServers))
		servers = servers[:d.cfg.TotalServers]
	}
	d.servers = append([]types.FederationServer(nil), servers...)
	d.updateAvailableGauge()
}

// FederationServers returns a copy of the known servers.
func (d *Deriver) FederationServers() []types.FederationServer {
	d.serversMu.RLock()
	defer d.serversMu.RUnlock()
	return append([]types.FederationServer(nil), d.servers...)
}

// SetServerAvailability flips the availability flag of one server.
func (d *Deriver) SetServerAvailability(id types.ServerID, available bool) {
	d.serversMu.Lock()
	defer d.serversMu.Unlock()

	for i := range d.servers {
		if d.servers[i].ServerID == id {
			d.servers[i].Available = available
		}
	}
	d.updateAvailableGauge()
}

// updateAvailableGauge must be called with serversMu held.
func (d *Deriver) updateAvailableGauge() {
	count := 0
	for _, s := range d.servers {
		if s.Available {
			count++
		}
	}
	d.metrics.ServersAvailable.Set(float64(count))
}

// DeriveHandle returns the cached handle for cohortID when it is still valid
// and otherwise runs the full protocol and caches the result.
func (d *Deriver) DeriveHandle(ctx context.Context, cohortID string) (*types.OverlayHandle, error) {
	if handle, ok := d.GetCachedHandle(cohortID); ok {
		d.cacheHits.Inc()
		d.metrics.HandleDerivations.WithLabelValues(metrics.PathCached).Inc()
		return handle, nil
	}

	if d.session.ShouldRateLimit(OpDeriveHandle, d.cfg.RateLimitWindow) {
		d.metrics.DerivationFailures.WithLabelValues("rate_limited").Inc()
		return nil, ErrRateLimited
	}

	return d.deriveAndCache(ctx, cohortID)
}

// deriveAndCache runs the protocol for cohortID and caches the result.
func (d *Deriver) deriveAndCache(ctx context.Context, cohortID string) (*types.OverlayHandle, error) {
	handle, err := d.derive(ctx, cohortID)
	if err != nil {
		d.failures.Inc()
		reason := "internal"
		if errors.Is(err, ErrPowExhausted) {
			reason = "pow_exhausted"
		}
		d.metrics.DerivationFailures.WithLabelValues(reason).Inc()
		d.logger.Error("Failed to derive overlay handle",
			zap.String("cohort", cohortID),
			zap.Error(err))
		return nil, err
	}

	d.cacheMu.Lock()
	d.handles[cohortID] = handle
	d.metrics.HandlesCached.Set(float64(len(d.handles)))
	d.cacheMu.Unlock()

	d.logger.Info("Derived overlay handle",
		zap.String("cohort", cohortID),
		zap.Int64("epoch", handle.EpochBucket),
		zap.String("handle", handle.Handle[:6]+"..."))

	return copyHandle(handle), nil
}

func (d *Deriver) derive(ctx context.Context, cohortID string) (*types.OverlayHandle, error) {
	identity := d.session.Identity()
	epochBucket := d.session.CurrentEpochBucket()

	seed := computeIdentitySeed(identity.PublicKey, cohortID)

	state, err := d.blindInput(seed)
	if err != nil {
		return nil, &DerivationError{CohortID: cohortID, Err: err}
	}
	// Whatever happens below, the blinding material does not outlive this call.
	defer d.discardBlinding(state.operationID)

	nonce, err := d.computeProofOfWork(ctx, state.blindedValue, cohortID, epochBucket)
	if err != nil {
		if errors.Is(err, pow.ErrExhausted) {
			return nil, fmt.Errorf("%w: cohort %s after %d attempts", ErrPowExhausted, cohortID, d.cfg.MaxPowAttempts)
		}
		return nil, &DerivationError{CohortID: cohortID, Err: err}
	}

	shares := d.requestPartialEvaluations(ctx, state, identity, nonce, cohortID, epochBucket)
	if err := ctx.Err(); err != nil {
		return nil, &DerivationError{CohortID: cohortID, Err: err}
	}

	consumed, ok := d.takeBlinding(state.operationID)
	if !ok {
		// Cleanup evicted the state while the search ran.
		return nil, &DerivationError{CohortID: cohortID, Err: errors.New("blinding state expired")}
	}

	var unblinded []byte
	if len(shares) >= d.cfg.Threshold {
		unblinded = combineAndUnblind(shares, consumed.blindingFactor)
		d.combined.Inc()
		d.metrics.HandleDerivations.WithLabelValues(metrics.PathCombined).Inc()
	} else {
		d.logger.Warn("Insufficient federation servers, using local-only derivation",
			zap.String("cohort", cohortID),
			zap.Int("shares", len(shares)),
			zap.Int("threshold", d.cfg.Threshold))
		unblinded = localFallbackDerivation(seed, cohortID, epochBucket)
		d.fallbacks.Inc()
		d.metrics.HandleDerivations.WithLabelValues(metrics.PathFallback).Inc()
	}

	return &types.OverlayHandle{
		Handle:      deriveHandleValue(unblinded, epochBucket),
		CohortID:    cohortID,
		EpochBucket: epochBucket,
		ExpiresAt:   d.session.Now().Add(d.cfg.HandleValidity),
		PowNonce:    nonce,
	}, nil
}

// blindInput records a new blinding state for seed.
func (d *Deriver) blindInput(seed []byte) (*blindingState, error) {
	factor := make([]byte, blindingFactorSize)
	if _, err := rand.Read(factor); err != nil {
		return nil, fmt.Errorf("failed to generate blinding factor: %w", err)
	}

	h := sha256.New()
	h.Write(seed)
	h.Write(factor)

	state := &blindingState{
		operationID:    uuid.NewString(),
		originalInput:  seed,
		blindingFactor: factor,
		blindedValue:   h.Sum(nil),
		createdAt:      d.session.Now(),
	}

	d.blindingMu.Lock()
	d.blinding[state.operationID] = state
	d.blindingMu.Unlock()

	return state, nil
}

// takeBlinding removes and returns a blinding state.
func (d *Deriver) takeBlinding(operationID string) (*blindingState, bool) {
	d.blindingMu.Lock()
	defer d.blindingMu.Unlock()

	state, ok := d.blinding[operationID]
	if ok {
		delete(d.blinding, operationID)
	}
	return state, ok
}

func (d *Deriver) discardBlinding(operationID string) {
	d.blindingMu.Lock()
	delete(d.blinding, operationID)
	d.blindingMu.Unlock()
}

// computeProofOfWork runs the nonce search on a worker goroutine, bounded
// by the pow worker slots.
func (d *Deriver) computeProofOfWork(ctx context.Context, blindedValue []byte, cohortID string, epochBucket int64) (int64, error) {
	select {
	case d.powSlots <- struct{}{}:
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	type result struct {
		nonce int64
		err   error
	}
	done := make(chan result, 1)
	start := time.Now()

	go func() {
		defer func() { <-d.powSlots }()
		nonce, err := pow.Solve(ctx, blindedValue, cohortID, epochBucket, d.cfg.PowDifficulty, d.cfg.MaxPowAttempts)
		done <- result{nonce: nonce, err: err}
	}()

	res := <-done
	if res.err != nil {
		return 0, res.err
	}

	d.metrics.PowAttempts.Observe(float64(res.nonce + 1))
	d.metrics.PowLatency.Observe(time.Since(start).Seconds())
	d.logger.Debug("PoW found",
		zap.String("cohort", cohortID),
		zap.Int64("attempts", res.nonce+1))

	return res.nonce, nil
}

type shareResult struct {
	server types.FederationServer
	share  *types.OPRFShare
	err    error
}

// requestPartialEvaluations fans the blinded value out to the available
// servers and returns shares in arrival order, stopping at the threshold.
// Individual server failures are logged and skipped.
func (d *Deriver) requestPartialEvaluations(
	ctx context.Context,
	state *blindingState,
	identity coordinator.SessionIdentity,
	nonce int64,
	cohortID string,
	epochBucket int64,
) []types.OPRFShare {
	if d.evaluator == nil {
		return nil
	}

	var available []types.FederationServer
	for _, server := range d.FederationServers() {
		if server.Available {
			available = append(available, server)
		}
	}
	if len(available) == 0 {
		return nil
	}

	req := &types.OPRFRequest{
		BlindedValue:       state.blindedValue,
		PowNonce:           nonce,
		CohortID:           cohortID,
		EpochBucket:        epochBucket,
		RequesterPublicKey: identity.PublicKey,
	}
	req.Signature = d.session.Sign(req.Transcript())

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Buffered so late responders never block after we stop listening.
	results := make(chan shareResult, len(available))
	for _, server := range available {
		go func(server types.FederationServer) {
			callCtx, callCancel := context.WithTimeout(fanCtx, d.cfg.RequestTimeout)
			defer callCancel()

			start := time.Now()
			share, err := d.evaluator.Evaluate(callCtx, server, req)
			d.metrics.FederationLatency.Observe(time.Since(start).Seconds())
			if err == nil && (share == nil || len(share.PartialEvaluation) == 0) {
				err = errors.New("empty partial evaluation")
			}
			results <- shareResult{server: server, share: share, err: err}
		}(server)
	}

	shares := make([]types.OPRFShare, 0, d.cfg.Threshold)
	for received := 0; received < len(available) && len(shares) < d.cfg.Threshold; received++ {
		select {
		case res := <-results:
			if res.err != nil {
				d.metrics.FederationRequests.WithLabelValues(string(res.server.ServerID), "error").Inc()
				d.logger.Warn("Failed to get OPRF share from server",
					zap.String("server", string(res.server.ServerID)),
					zap.Error(res.err))
				continue
			}
			d.metrics.FederationRequests.WithLabelValues(string(res.server.ServerID), "ok").Inc()
			shares = append(shares, *res.share)
		case <-ctx.Done():
			return shares
		}
	}

	return shares
}

// VerifyHandlePoW is a structural check: the verifier lacks the blinded
// value, so it hashes the handle itself and accepts half the difficulty.
func (d *Deriver) VerifyHandlePoW(handle *types.OverlayHandle) bool {
	if handle == nil {
		return false
	}
	return pow.Verify([]byte(handle.Handle), handle.CohortID, handle.EpochBucket, handle.PowNonce, d.cfg.PowDifficulty/2)
}

// GetCachedHandle returns the cached handle for cohortID if it has not
// expired.
func (d *Deriver) GetCachedHandle(cohortID string) (*types.OverlayHandle, bool) {
	d.cacheMu.RLock()
	handle, ok := d.handles[cohortID]
	d.cacheMu.RUnlock()

	if !ok || !handle.Valid(d.session.Now()) {
		return nil, false
	}
	return copyHandle(handle), true
}

// CachedHandles returns every cached handle, expired or not.
func (d *Deriver) CachedHandles() []types.OverlayHandle {
	d.cacheMu.RLock()
	defer d.cacheMu.RUnlock()

	out := make([]types.OverlayHandle, 0, len(d.handles))
	for _, h := range d.handles {
		out = append(out, *h)
	}
	return out
}

// CleanupExpiredHandles evicts expired handles and blinding states older
// than BlindingTTL. It is safe to call while derivations run.
func (d *Deriver) CleanupExpiredHandles() {
	now := d.session.Now()

	d.cacheMu.Lock()
	for cohort, handle := range d.handles {
		if handle.ExpiresAt.Before(now) {
			delete(d.handles, cohort)
		}
	}
	d.metrics.HandlesCached.Set(float64(len(d.handles)))
	d.cacheMu.Unlock()

	d.blindingMu.Lock()
	for id, state := range d.blinding {
		if state.createdAt.Add(BlindingTTL).Before(now) {
			delete(d.blinding, id)
		}
	}
	d.blindingMu.Unlock()
}

// RenewExpiring re-derives cached handles that expire within window. Renewal
// is a scheduled batch and bypasses the per-call rate limit. A handle whose
// renewal fails stays cached until it expires.
func (d *Deriver) RenewExpiring(ctx context.Context, window time.Duration) int {
	threshold := d.session.Now().Add(window)

	var due []*types.OverlayHandle
	d.cacheMu.RLock()
	for _, handle := range d.handles {
		if handle.ExpiresAt.Before(threshold) {
			due = append(due, handle)
		}
	}
	d.cacheMu.RUnlock()

	renewed := 0
	for _, old := range due {
		d.cacheMu.Lock()
		delete(d.handles, old.CohortID)
		d.cacheMu.Unlock()

		if _, err := d.deriveAndCache(ctx, old.CohortID); err != nil {
			d.logger.Warn("Failed to renew handle",
				zap.String("cohort", old.CohortID),
				zap.Error(err))
			d.cacheMu.Lock()
			if _, replaced := d.handles[old.CohortID]; !replaced {
				d.handles[old.CohortID] = old
			}
			d.cacheMu.Unlock()
			continue
		}
		renewed++
	}
	return renewed
}

// Stats returns derivation counters.
func (d *Deriver) Stats() Stats {
	d.blindingMu.Lock()
	inFlight := len(d.blinding)
	d.blindingMu.Unlock()

	d.cacheMu.RLock()
	cached := len(d.handles)
	d.cacheMu.RUnlock()

	return Stats{
		CacheHits:  d.cacheHits.Load(),
		Combined:   d.combined.Load(),
		Fallbacks:  d.fallbacks.Load(),
		Failures:   d.failures.Load(),
		InFlight:   inFlight,
		CachedSize: cached,
	}
}

func computeIdentitySeed(publicKey []byte, cohortID string) []byte {
	h := sha256.New()
	h.Write(publicKey)
	h.Write([]byte("|"))
	h.Write([]byte(cohortID))
	return h.Sum(nil)
}

// combineAndUnblind hashes the partial evaluations in response order
// together with the blinding factor.
func combineAndUnblind(shares []types.OPRFShare, blindingFactor []byte) []byte {
	h := sha256.New()
	for _, share := range shares {
		h.Write(share.PartialEvaluation)
	}
	h.Write(blindingFactor)
	return h.Sum(nil)
}

func localFallbackDerivation(seed []byte, cohortID string, epochBucket int64) []byte {
	h := sha256.New()
	h.Write([]byte("local-fallback|"))
	h.Write(seed)
	h.Write([]byte("|"))
	h.Write([]byte(cohortID))
	h.Write(epochBytes(epochBucket))
	return h.Sum(nil)
}

func deriveHandleValue(unblinded []byte, epochBucket int64) string {
	h := sha256.New()
	h.Write(unblinded)
	h.Write(epochBytes(epochBucket))
	return coordinator.BytesToBase32(h.Sum(nil))[:handleLength]
}

func epochBytes(epochBucket int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(epochBucket))
}

func copyHandle(h *types.OverlayHandle) *types.OverlayHandle {
	c := *h
	return &c
}
