package coordinator

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// SessionRotationInterval bounds how long one session key stays in use.
	SessionRotationInterval = 4 * time.Hour

	epochLength = 7 * 24 * time.Hour
)

// Clock abstracts wall-clock time so bucket arithmetic can be tested.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// SessionIdentity is the session-ephemeral identity shared with the overlay
// components. It is regenerated on every launch and on rotation.
type SessionIdentity struct {
	PublicKey        ed25519.PublicKey
	CreatedAt        time.Time
	CapabilitiesHash string
}

// Coordinator owns the session identity, the rate limiter and the background
// task schedule used by handle derivation and fog discovery.
type Coordinator struct {
	logger        *zap.Logger
	clock         Clock
	clientVersion string

	identityMu sync.RWMutex
	identity   SessionIdentity
	privateKey ed25519.PrivateKey

	limiter *RateLimiter

	activityMu   sync.Mutex
	lastActivity time.Time

	scheduler *Scheduler
}

// Option customises a Coordinator at construction time.
type Option func(*Coordinator)

// WithClock overrides the wall clock.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithClientVersion sets the version string folded into the capabilities hash.
func WithClientVersion(version string) Option {
	return func(c *Coordinator) {
		c.clientVersion = version
	}
}

// New creates a coordinator with a freshly generated session identity.
func New(logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Coordinator{
		logger:        logger,
		clock:         SystemClock{},
		clientVersion: "dev",
	}
	for _, opt := range opts {
		opt(c)
	}

	c.limiter = NewRateLimiter(c.clock)
	c.scheduler = NewScheduler(logger)
	c.lastActivity = c.clock.Now()

	if err := c.regenerateSessionIdentity(); err != nil {
		return nil, err
	}

	c.Schedule("session-rotation", SessionRotationInterval, SessionRotationInterval, func(ctx context.Context) {
		if _, err := c.MaybeRotateSession(); err != nil {
			c.logger.Error("Failed to rotate session identity", zap.Error(err))
		}
	})

	c.logger.Info("Overlay session initialized",
		zap.String("session", TruncateKey(c.identity.PublicKey)),
		zap.String("capabilities", c.identity.CapabilitiesHash))

	return c, nil
}

func (c *Coordinator) regenerateSessionIdentity() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate session key: %w", err)
	}

	c.identityMu.Lock()
	defer c.identityMu.Unlock()

	c.privateKey = priv
	c.identity = SessionIdentity{
		PublicKey:        pub,
		CreatedAt:        c.clock.Now(),
		CapabilitiesHash: c.computeCapabilitiesHash(),
	}

	c.logger.Debug("Regenerated session identity")
	return nil
}

// computeCapabilitiesHash summarises coarse client capabilities for
// compatibility matching without revealing the exact configuration.
func (c *Coordinator) computeCapabilitiesHash() string {
	caps := "overlay-v1|client-" + c.clientVersion + "|"
	return HashToBase32([]byte(caps), 12)
}

// Identity returns the current session identity.
func (c *Coordinator) Identity() SessionIdentity {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.identity
}

// Sign signs msg with the current session private key.
func (c *Coordinator) Sign(msg []byte) []byte {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return ed25519.Sign(c.privateKey, msg)
}

// ShouldRateLimit reports whether op ran less than window ago. When it did
// not, the call counts as a new admission.
func (c *Coordinator) ShouldRateLimit(op string, window time.Duration) bool {
	return c.limiter.ShouldLimit(op, window)
}

// CurrentEpochBucket returns the weekly epoch index.
func (c *Coordinator) CurrentEpochBucket() int64 {
	return EpochBucket(c.clock.Now())
}

// CurrentTimeBucket returns the time index at the given granularity.
func (c *Coordinator) CurrentTimeBucket(bucketMinutes int) int64 {
	return TimeBucket(c.clock.Now(), bucketMinutes)
}

// Now returns the coordinator's notion of the current time.
func (c *Coordinator) Now() time.Time {
	return c.clock.Now()
}

// MaybeRotateSession regenerates the session identity once it is older than
// SessionRotationInterval. It reports whether a rotation happened.
func (c *Coordinator) MaybeRotateSession() (bool, error) {
	created := c.Identity().CreatedAt
	if c.clock.Now().Sub(created) < SessionRotationInterval {
		return false, nil
	}

	if err := c.regenerateSessionIdentity(); err != nil {
		return false, err
	}

	c.logger.Info("Rotated session identity",
		zap.String("session", TruncateKey(c.Identity().PublicKey)))
	return true, nil
}

// RecordActivity marks the client as active now.
func (c *Coordinator) RecordActivity() {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	c.lastActivity = c.clock.Now()
}

// TimeSinceActivity returns how long the client has been idle.
func (c *Coordinator) TimeSinceActivity() time.Duration {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return c.clock.Now().Sub(c.lastActivity)
}

// Schedule registers a periodic background task. Tasks registered after
// Start begin running immediately.
func (c *Coordinator) Schedule(name string, initialDelay, period time.Duration, fn func(ctx context.Context)) {
	c.scheduler.Add(name, initialDelay, period, fn)
}

// Start launches the background tasks, including session rotation.
func (c *Coordinator) Start(ctx context.Context) {
	c.scheduler.Start(ctx)
}

// Stop halts background tasks and waits up to five seconds for them to exit.
// Rate-limit admissions are forgotten, so a restarted coordinator begins with
// a clean window.
func (c *Coordinator) Stop() {
	c.logger.Info("Shutting down overlay coordinator")
	if !c.scheduler.Stop(5 * time.Second) {
		c.logger.Warn("Background tasks did not stop in time")
	}
	c.limiter.Reset()
}
