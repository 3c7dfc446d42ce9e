// Package gossip spreads fog announcements between nodes. Announcements are
// pushed to a few random peers and relayed once. Relaying is deduplicated by
// content; delivery to the handler is deduplicated per sender, so copies
// arriving from distinct peers each count as a source.
package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"overlay/pkg/metrics"
	"overlay/pkg/types"
	"overlay/pkg/wire"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Handler consumes an announcement received from source.
type Handler func(ann *types.FogAnnouncement, source types.PeerID) error

// PeerStatus represents the health status of a peer
type PeerStatus int

const (
	PeerUnknown PeerStatus = iota
	PeerAlive
	PeerSuspected
	PeerDead
)

func (s PeerStatus) String() string {
	switch s {
	case PeerAlive:
		return "alive"
	case PeerSuspected:
		return "suspected"
	case PeerDead:
		return "dead"
	default:
		return "unknown"
	}
}

// PeerState represents the state of a gossip peer
type PeerState struct {
	Address  string
	LastSeen time.Time
	Status   PeerStatus
}

// Config tunes a GossipService.
type Config struct {
	LocalID      types.PeerID
	Fanout       int
	GossipPeriod time.Duration
	DedupTTL     time.Duration
	CallTimeout  time.Duration
	// DialOptions are appended to the default plaintext options.
	DialOptions []grpc.DialOption
}

func DefaultConfig() Config {
	return Config{
		Fanout:       3,
		GossipPeriod: 30 * time.Second,
		DedupTTL:     DefaultDedupTTL,
		CallTimeout:  5 * time.Second,
	}
}

// GossipService implements push gossip of fog announcements.
type GossipService struct {
	mu sync.RWMutex

	cfg         Config
	peers       map[string]*PeerState
	connections map[string]*grpc.ClientConn

	handler     Handler
	topicFilter func() string
	dedup       *Dedup // content seen, decides relaying
	delivered   *Dedup // (sender, content) handed to the handler
	published   *Dedup // content this node originated

	metrics *metrics.OverlayMetrics
	logger  *zap.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewGossipService creates a gossip service delivering announcements to
// handler.
func NewGossipService(cfg Config, handler Handler, m *metrics.OverlayMetrics, logger *zap.Logger) *GossipService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	def := DefaultConfig()
	if cfg.Fanout <= 0 {
		cfg.Fanout = def.Fanout
	}
	if cfg.GossipPeriod <= 0 {
		cfg.GossipPeriod = def.GossipPeriod
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}

	return &GossipService{
		cfg:         cfg,
		peers:       make(map[string]*PeerState),
		connections: make(map[string]*grpc.ClientConn),
		handler:     handler,
		dedup:       NewDedup(cfg.DedupTTL),
		delivered:   NewDedup(cfg.DedupTTL),
		published:   NewDedup(cfg.DedupTTL),
		metrics:     m,
		logger:      logger.With(zap.String("component", "gossip")),
		stopCh:      make(chan struct{}),
	}
}

// SetLocalID sets the sender id stamped on outgoing envelopes.
func (g *GossipService) SetLocalID(id types.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg.LocalID = id
}

// SetTopicFilter makes the service hand only announcements for the topic
// returned by fn to the handler. Others are still relayed.
func (g *GossipService) SetTopicFilter(fn func() string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.topicFilter = fn
}

// Start begins the heartbeat and failure detector loops
func (g *GossipService) Start() {
	g.wg.Add(2)
	go g.gossipLoop()
	go g.failureDetectorLoop()
}

// Stop halts the loops and closes all connections
func (g *GossipService) Stop() {
	g.stopOnce.Do(func() {
		close(g.stopCh)
		g.wg.Wait()
		g.dedup.Close()
		g.delivered.Close()
		g.published.Close()

		g.mu.Lock()
		for addr, conn := range g.connections {
			conn.Close()
			delete(g.connections, addr)
		}
		g.mu.Unlock()
	})
}

// AddPeer adds a peer to gossip with
func (g *GossipService) AddPeer(address string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.peers[address]; exists {
		return
	}
	g.peers[address] = &PeerState{
		Address:  address,
		LastSeen: time.Now(),
		Status:   PeerAlive,
	}
	g.updatePeerGaugeLocked()
}

// RemovePeer removes a peer from gossip
func (g *GossipService) RemovePeer(address string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.peers, address)
	if conn, exists := g.connections[address]; exists {
		conn.Close()
		delete(g.connections, address)
	}
	g.updatePeerGaugeLocked()
}

// Peers returns a snapshot of all peers.
func (g *GossipService) Peers() []PeerState {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]PeerState, 0, len(g.peers))
	for _, p := range g.peers {
		out = append(out, *p)
	}
	return out
}

// Publish pushes ann to up to fanout alive peers. It implements
// fog.Transport. Publishing with no peers is not an error.
func (g *GossipService) Publish(ctx context.Context, topic string, ann *types.FogAnnouncement) error {
	g.mu.RLock()
	local := g.cfg.LocalID
	g.mu.RUnlock()

	env := &Envelope{
		Topic:        topic,
		SenderID:     local,
		Announcement: *ann,
	}
	// Remember our own message so relays coming back are dropped.
	key := dedupKey(env)
	g.dedup.Check(key)
	g.published.Check(key)

	peers := g.selectGossipPeers()
	if len(peers) == 0 {
		g.logger.Debug("No gossip peers, announcement not sent")
		return nil
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		lastErr error
		sent    int
	)
	for _, addr := range peers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			err := g.sendTo(ctx, addr, env)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				return
			}
			sent++
		}(addr)
	}
	wg.Wait()

	if sent == 0 {
		return fmt.Errorf("announcement reached no peer: %w", lastErr)
	}
	return nil
}

// Announce receives an envelope from a peer.
func (g *GossipService) Announce(ctx context.Context, env *Envelope) (*emptypb.Empty, error) {
	if env == nil || env.SenderID == "" {
		return nil, status.Error(codes.InvalidArgument, "missing sender")
	}

	key := dedupKey(env)
	if g.published.Seen(key) {
		g.metrics.GossipDuplicates.Inc()
		return &emptypb.Empty{}, nil
	}

	fresh := g.dedup.Check(key)
	deliver := g.delivered.Check(sourceKey(env.SenderID, key))
	if !fresh && !deliver {
		g.metrics.GossipDuplicates.Inc()
		return &emptypb.Empty{}, nil
	}

	g.mu.RLock()
	filter := g.topicFilter
	g.mu.RUnlock()

	if deliver && (filter == nil || filter() == env.Topic) {
		if g.handler != nil {
			ann := env.Announcement
			if err := g.handler(&ann, env.SenderID); err != nil {
				g.logger.Debug("Announcement rejected",
					zap.String("sender", string(env.SenderID)),
					zap.Error(err))
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
		}
	}

	if fresh && env.Hops == 0 {
		g.relay(env)
	}

	return &emptypb.Empty{}, nil
}

// Heartbeat answers liveness probes.
func (g *GossipService) Heartbeat(ctx context.Context, _ *emptypb.Empty) (*timestamppb.Timestamp, error) {
	return timestamppb.Now(), nil
}

// relay forwards a first-hop envelope once, in the background.
func (g *GossipService) relay(env *Envelope) {
	g.mu.RLock()
	local := g.cfg.LocalID
	g.mu.RUnlock()

	relayed := *env
	relayed.SenderID = local
	relayed.Hops = 1

	peers := g.selectGossipPeers()
	if len(peers) == 0 {
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.CallTimeout)
		defer cancel()

		for _, addr := range peers {
			if err := g.sendTo(ctx, addr, &relayed); err != nil {
				g.logger.Debug("Relay failed",
					zap.String("peer", addr),
					zap.Error(err))
			}
		}
	}()
}

func (g *GossipService) sendTo(ctx context.Context, addr string, env *Envelope) error {
	conn, err := g.getConnection(addr)
	if err != nil {
		g.updatePeerStatus(addr, PeerSuspected)
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
	defer cancel()

	err = conn.Invoke(callCtx, methodAnnounce, env, &emptypb.Empty{})
	if status.Code(err) == codes.InvalidArgument {
		// The peer is up; it just refused the announcement.
		g.updatePeerStatus(addr, PeerAlive)
		return nil
	}
	if err != nil {
		g.updatePeerStatus(addr, PeerSuspected)
		return fmt.Errorf("failed to send to %s: %w", addr, err)
	}

	g.updatePeerStatus(addr, PeerAlive)
	return nil
}

// dedupKey covers topic and announcement only, so relayed copies of one
// announcement collapse.
func dedupKey(env *Envelope) []byte {
	data, err := json.Marshal(struct {
		Topic        string                `json:"topic"`
		Announcement types.FogAnnouncement `json:"announcement"`
	}{env.Topic, env.Announcement})
	if err != nil {
		// Plain struct of strings, ints and bytes.
		panic(err)
	}
	return data
}

// sourceKey binds a content key to the peer that delivered it.
func sourceKey(sender types.PeerID, content []byte) []byte {
	key := make([]byte, 0, len(sender)+1+len(content))
	key = append(key, sender...)
	key = append(key, 0)
	return append(key, content...)
}

// gossipLoop sends heartbeats every gossip period
func (g *GossipService) gossipLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.GossipPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.performHeartbeatRound()
		case <-g.stopCh:
			return
		}
	}
}

// performHeartbeatRound pings every peer, dead ones included, so recovered
// peers come back.
func (g *GossipService) performHeartbeatRound() {
	g.mu.RLock()
	addrs := make([]string, 0, len(g.peers))
	for addr := range g.peers {
		addrs = append(addrs, addr)
	}
	g.mu.RUnlock()

	var wg sync.WaitGroup
	for _, addr := range addrs {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			g.heartbeat(addr)
		}(addr)
	}
	wg.Wait()
}

func (g *GossipService) heartbeat(addr string) {
	conn, err := g.getConnection(addr)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.cfg.CallTimeout)
	defer cancel()

	if err := conn.Invoke(ctx, methodHeartbeat, &emptypb.Empty{}, &timestamppb.Timestamp{}); err != nil {
		g.logger.Debug("Heartbeat failed", zap.String("peer", addr), zap.Error(err))
		return
	}
	g.updatePeerStatus(addr, PeerAlive)
}

// failureDetectorLoop monitors peer health
func (g *GossipService) failureDetectorLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.GossipPeriod / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.detectFailures(g.cfg.GossipPeriod*3, g.cfg.GossipPeriod*6)
		case <-g.stopCh:
			return
		}
	}
}

// detectFailures marks peers as suspected or dead based on last seen time
func (g *GossipService) detectFailures(suspectTimeout, deadTimeout time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for addr, peer := range g.peers {
		elapsed := now.Sub(peer.LastSeen)

		// Check dead timeout first, then suspect
		if elapsed > deadTimeout {
			if peer.Status != PeerDead {
				peer.Status = PeerDead
				g.logger.Info("Gossip peer considered dead", zap.String("peer", addr))
			}
		} else if elapsed > suspectTimeout {
			if peer.Status == PeerAlive {
				peer.Status = PeerSuspected
			}
		}
	}
	g.updatePeerGaugeLocked()
}

// selectGossipPeers randomly selects up to fanout alive peers
func (g *GossipService) selectGossipPeers() []string {
	g.mu.RLock()
	var alive []string
	for addr, peer := range g.peers {
		if peer.Status == PeerAlive {
			alive = append(alive, addr)
		}
	}
	fanout := g.cfg.Fanout
	g.mu.RUnlock()

	rand.Shuffle(len(alive), func(i, j int) {
		alive[i], alive[j] = alive[j], alive[i]
	})
	if fanout > len(alive) {
		fanout = len(alive)
	}
	return alive[:fanout]
}

func (g *GossipService) updatePeerStatus(addr string, status PeerStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if peer, exists := g.peers[addr]; exists {
		peer.Status = status
		if status == PeerAlive {
			peer.LastSeen = time.Now()
		}
	}
	g.updatePeerGaugeLocked()
}

func (g *GossipService) updatePeerGaugeLocked() {
	alive := 0
	for _, peer := range g.peers {
		if peer.Status == PeerAlive {
			alive++
		}
	}
	g.metrics.GossipPeers.Set(float64(alive))
}

var errStopped = errors.New("gossip service stopped")

func (g *GossipService) getConnection(addr string) (*grpc.ClientConn, error) {
	select {
	case <-g.stopCh:
		return nil, errStopped
	default:
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if conn, exists := g.connections[addr]; exists {
		return conn, nil
	}

	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	opts = append(opts, wire.DialOptions()...)
	opts = append(opts, g.cfg.DialOptions...)

	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to peer %s: %w", addr, err)
	}
	g.connections[addr] = conn
	return conn, nil
}
