// Package fog implements condition-bucketed peer discovery. Peers announce
// themselves under a topic derived from coarse ambient conditions, and a
// query only surfaces peers corroborated by at least K distinct sources.
package fog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"overlay/pkg/coordinator"
	"overlay/pkg/metrics"
	"overlay/pkg/types"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	// KAnonymityThreshold is the minimum number of distinct sources before a
	// shard is returned by Query.
	KAnonymityThreshold = 3

	// Rate limiter keys.
	OpAnnounce = "fog-announce"
	OpQuery    = "fog-query"

	peerIDLength = 16
)

var (
	// ErrInvalidAnnouncement means an announcement was dropped unapplied.
	ErrInvalidAnnouncement = errors.New("invalid fog announcement")

	// ErrShutdown is returned once Shutdown has run.
	ErrShutdown = errors.New("fog is shut down")
)

// Session is the slice of the overlay coordinator the fog needs.
type Session interface {
	Identity() coordinator.SessionIdentity
	ShouldRateLimit(op string, window time.Duration) bool
	CurrentTimeBucket(bucketMinutes int) int64
	Now() time.Time
}

// Transport delivers an announcement to peers subscribed to topic.
type Transport interface {
	Publish(ctx context.Context, topic string, ann *types.FogAnnouncement) error
}

// ManifestSource returns the manifest summary placed in announcements.
type ManifestSource func() string

// Config tunes a Fog. Zero fields take the defaults.
type Config struct {
	TimeBucketMinutes int
	KThreshold        int
	DecayWindow       time.Duration
	AnnounceWindow    time.Duration
	QueryWindow       time.Duration
}

func DefaultConfig() Config {
	return Config{
		TimeBucketMinutes: 30,
		KThreshold:        KAnonymityThreshold,
		DecayWindow:       72 * time.Hour,
		AnnounceWindow:    5 * time.Minute,
		QueryWindow:       time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.TimeBucketMinutes <= 0 {
		c.TimeBucketMinutes = def.TimeBucketMinutes
	}
	if c.KThreshold <= 0 {
		c.KThreshold = def.KThreshold
	}
	if c.DecayWindow <= 0 {
		c.DecayWindow = def.DecayWindow
	}
	if c.AnnounceWindow <= 0 {
		c.AnnounceWindow = def.AnnounceWindow
	}
	if c.QueryWindow <= 0 {
		c.QueryWindow = def.QueryWindow
	}
	return c
}

// Option customises a Fog.
type Option func(*Fog)

func WithTransport(t Transport) Option {
	return func(f *Fog) { f.transport = t }
}

func WithSigner(s Signer) Option {
	return func(f *Fog) { f.signer = s }
}

// WithVerifier checks every incoming announcement. Without one only the
// structural checks apply.
func WithVerifier(v Verifier) Option {
	return func(f *Fog) { f.verifier = v }
}

func WithManifestSource(m ManifestSource) Option {
	return func(f *Fog) { f.manifest = m }
}

func WithMetrics(m *metrics.OverlayMetrics) Option {
	return func(f *Fog) { f.metrics = m }
}

// conditionSlot is swapped as a whole whenever the condition or the time
// bucket changes.
type conditionSlot struct {
	condition  types.ConditionBucket
	timeBucket int64
	topic      string
}

// Fog owns the per-topic shard cache and the corroboration trackers.
type Fog struct {
	session     Session
	environment Environment
	transport   Transport
	signer      Signer
	verifier    Verifier
	manifest    ManifestSource
	metrics     *metrics.OverlayMetrics
	logger      *zap.Logger
	cfg         Config

	slot   atomic.Pointer[conditionSlot]
	closed atomic.Bool

	shardsMu sync.RWMutex
	shards   map[string]map[types.PeerID]*types.FogShard

	trackers *corroborations
}

// New creates a Fog. A nil environment means no ambient state is ever
// available, so the fog never announces.
func New(session Session, environment Environment, cfg Config, logger *zap.Logger, opts ...Option) *Fog {
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Fog{
		session:     session,
		environment: environment,
		signer:      DigestSigner{},
		manifest:    func() string { return "" },
		logger:      logger.With(zap.String("component", "fog")),
		cfg:         cfg.withDefaults(),
		shards:      make(map[string]map[types.PeerID]*types.FogShard),
		trackers:    newCorroborations(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.metrics == nil {
		f.metrics = metrics.New(nil)
	}
	return f
}

// UpdateCondition recomputes the condition bucket from the environment and
// rederives the topic when the bucket or the time bucket changed.
func (f *Fog) UpdateCondition() {
	if f.environment == nil {
		f.slot.Store(nil)
		return
	}
	state, ok := f.environment.Snapshot()
	if !ok {
		if f.slot.Swap(nil) != nil {
			f.logger.Debug("No ambient state, cleared fog topic")
		}
		return
	}

	cond := ComputeCondition(state, f.session.Identity().CapabilitiesHash)
	bucket := f.session.CurrentTimeBucket(f.cfg.TimeBucketMinutes)

	current := f.slot.Load()
	// A time-bucket rollover alone also re-derives, so the topic never lags.
	if current != nil && current.condition == cond && current.timeBucket == bucket {
		return
	}

	next := &conditionSlot{
		condition:  cond,
		timeBucket: bucket,
		topic:      DeriveTopic(cond, bucket),
	}
	f.slot.Store(next)

	f.logger.Debug("Fog condition updated",
		zap.String("dimension", string(cond.Dimension)),
		zap.String("biome", string(cond.Biome)),
		zap.String("time_of_day", string(cond.TimeOfDay)),
		zap.String("topic", next.topic))
}

// CurrentTopic returns the current topic, or "" when there is none.
func (f *Fog) CurrentTopic() string {
	if s := f.slot.Load(); s != nil {
		return s.topic
	}
	return ""
}

// CurrentCondition returns the current condition bucket, if any.
func (f *Fog) CurrentCondition() (types.ConditionBucket, bool) {
	if s := f.slot.Load(); s != nil {
		return s.condition, true
	}
	return types.ConditionBucket{}, false
}

// ShardCount returns the number of cached shards across all topics.
func (f *Fog) ShardCount() int {
	f.shardsMu.RLock()
	defer f.shardsMu.RUnlock()
	return f.shardCountLocked()
}

func (f *Fog) shardCountLocked() int {
	total := 0
	for _, peers := range f.shards {
		total += len(peers)
	}
	return total
}

// PeerID returns this session's ephemeral peer id.
func (f *Fog) PeerID() types.PeerID {
	return types.PeerID(coordinator.HashToBase32(f.session.Identity().PublicKey, peerIDLength))
}

func (f *Fog) ensureTopic() string {
	if topic := f.CurrentTopic(); topic != "" {
		return topic
	}
	f.UpdateCondition()
	return f.CurrentTopic()
}

// Announce publishes this peer under the current topic. Without a topic, or
// inside the announce rate-limit window, it does nothing.
func (f *Fog) Announce(ctx context.Context) error {
	if f.closed.Load() {
		return ErrShutdown
	}

	topic := f.ensureTopic()
	if topic == "" {
		return nil
	}

	if f.session.ShouldRateLimit(OpAnnounce, f.cfg.AnnounceWindow) {
		f.metrics.FogAnnouncements.WithLabelValues("limited").Inc()
		return nil
	}

	identity := f.session.Identity()
	ann := &types.FogAnnouncement{
		PeerID:           f.PeerID(),
		CapabilitiesHash: identity.CapabilitiesHash,
		ManifestSummary:  f.manifest(),
		TimeBucket:       f.session.CurrentTimeBucket(f.cfg.TimeBucketMinutes),
	}

	sig, err := f.signer.SignAnnouncement(ann)
	if err != nil {
		f.metrics.FogAnnouncements.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to sign announcement: %w", err)
	}
	ann.Signature = sig

	if f.transport == nil {
		f.logger.Debug("No fog transport configured, announcement dropped",
			zap.String("topic", topic))
		f.metrics.FogAnnouncements.WithLabelValues("sent").Inc()
		return nil
	}

	if err := f.transport.Publish(ctx, topic, ann); err != nil {
		f.metrics.FogAnnouncements.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to publish announcement: %w", err)
	}

	f.metrics.FogAnnouncements.WithLabelValues("sent").Inc()
	f.logger.Debug("Announced in fog",
		zap.String("topic", topic),
		zap.String("peer", string(ann.PeerID)))
	return nil
}

// Query returns unexpired shards of the current topic whose capabilities
// hash contains filter and that reached the k-anonymity threshold. Inside
// the query rate-limit window the answer comes from the local cache only,
// still behind the same gate.
func (f *Fog) Query(ctx context.Context, filter string) ([]types.FogShard, error) {
	if f.closed.Load() {
		return nil, ErrShutdown
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	topic := f.ensureTopic()
	if topic == "" {
		return nil, nil
	}

	if f.session.ShouldRateLimit(OpQuery, f.cfg.QueryWindow) {
		f.metrics.FogQueries.WithLabelValues("limited").Inc()
	} else {
		f.metrics.FogQueries.WithLabelValues("ok").Inc()
	}

	now := f.session.Now()

	f.shardsMu.RLock()
	peers := f.shards[topic]
	results := make([]types.FogShard, 0, len(peers))
	for _, shard := range peers {
		if filter != "" && !strings.Contains(shard.CapabilitiesHash, filter) {
			continue
		}
		if shard.ExpiresAt.Before(now) {
			continue
		}
		if shard.Corroborations < f.cfg.KThreshold {
			continue
		}
		results = append(results, *shard)
	}
	f.shardsMu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		if results[i].Corroborations != results[j].Corroborations {
			return results[i].Corroborations > results[j].Corroborations
		}
		return results[i].PeerID < results[j].PeerID
	})

	return results, nil
}

// ProcessAnnouncement records ann as seen via sourcePeer and refreshes the
// announcing peer's shard under the current topic.
func (f *Fog) ProcessAnnouncement(ann *types.FogAnnouncement, sourcePeer types.PeerID) error {
	if f.closed.Load() {
		return ErrShutdown
	}
	if ann == nil || ann.PeerID == "" || ann.CapabilitiesHash == "" {
		f.metrics.FogReceived.WithLabelValues("invalid").Inc()
		f.logger.Warn("Dropping malformed announcement",
			zap.String("source", string(sourcePeer)))
		return ErrInvalidAnnouncement
	}
	if f.verifier != nil {
		if err := f.verifier.VerifyAnnouncement(ann); err != nil {
			f.metrics.FogReceived.WithLabelValues("invalid").Inc()
			f.logger.Warn("Dropping announcement with bad signature",
				zap.String("peer", string(ann.PeerID)),
				zap.String("source", string(sourcePeer)),
				zap.Error(err))
			return fmt.Errorf("%w: %v", ErrInvalidAnnouncement, err)
		}
	}

	now := f.session.Now()
	count := f.trackers.add(corroborationKey(ann.PeerID, ann.CapabilitiesHash), sourcePeer, now)

	topic := f.CurrentTopic()
	if topic == "" {
		f.metrics.FogReceived.WithLabelValues("accepted").Inc()
		f.logger.Debug("No current topic, announcement only corroborated",
			zap.String("peer", string(ann.PeerID)))
		return nil
	}

	shard := &types.FogShard{
		PeerID:           ann.PeerID,
		CapabilitiesHash: ann.CapabilitiesHash,
		ManifestSummary:  ann.ManifestSummary,
		Freshness:        FreshnessFor(f.session.CurrentTimeBucket(f.cfg.TimeBucketMinutes), ann.TimeBucket),
		Corroborations:   count,
		Trust:            TrustFor(count),
		FirstSeen:        now,
		ExpiresAt:        now.Add(f.cfg.DecayWindow),
	}

	f.shardsMu.Lock()
	peers, ok := f.shards[topic]
	if !ok {
		peers = make(map[types.PeerID]*types.FogShard)
		f.shards[topic] = peers
	}
	if prev, ok := peers[ann.PeerID]; ok {
		shard.FirstSeen = prev.FirstSeen
	}
	peers[ann.PeerID] = shard
	f.metrics.FogShards.Set(float64(f.shardCountLocked()))
	f.shardsMu.Unlock()

	f.metrics.FogReceived.WithLabelValues("accepted").Inc()
	f.logger.Debug("Processed fog announcement",
		zap.String("peer", string(ann.PeerID)),
		zap.Int("corroborations", count),
		zap.String("trust", string(shard.Trust)))
	return nil
}

// DecayStaleEntries removes shards that expired strictly before now, topics
// left empty, and trackers idle for longer than the decay window. It
// returns the number of shards removed.
func (f *Fog) DecayStaleEntries() int {
	now := f.session.Now()

	f.shardsMu.Lock()
	removed := 0
	for topic, peers := range f.shards {
		for peer, shard := range peers {
			if shard.ExpiresAt.Before(now) {
				delete(peers, peer)
				removed++
			}
		}
		if len(peers) == 0 {
			delete(f.shards, topic)
		}
	}
	f.metrics.FogShards.Set(float64(f.shardCountLocked()))
	f.shardsMu.Unlock()

	trackers := f.trackers.expire(now.Add(-f.cfg.DecayWindow))

	if removed > 0 || trackers > 0 {
		f.metrics.FogDecayed.Add(float64(removed))
		f.logger.Debug("Decayed stale fog entries",
			zap.Int("shards", removed),
			zap.Int("trackers", trackers))
	}
	return removed
}

// Corroborations returns the distinct-source count for a peer claim.
func (f *Fog) Corroborations(peer types.PeerID, capabilitiesHash string) int {
	return f.trackers.count(corroborationKey(peer, capabilitiesHash))
}

// Shutdown clears all state. The Fog is unusable afterwards.
func (f *Fog) Shutdown() {
	f.closed.Store(true)

	f.shardsMu.Lock()
	f.shards = make(map[string]map[types.PeerID]*types.FogShard)
	f.shardsMu.Unlock()

	f.trackers.reset()
	f.slot.Store(nil)
	f.metrics.FogShards.Set(0)

	f.logger.Info("Fog shut down")
}
