package federation

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"overlay/pkg/coordinator"
	"overlay/pkg/metrics"
	"overlay/pkg/pow"
	"overlay/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

const (
	keyDerivationSalt = "overlay-oprf"
	blindedValueSize  = sha256.Size
	maxCohortIDLength = 256
)

// ServerConfig configures one federation server.
type ServerConfig struct {
	ServerID     types.ServerID
	MasterSecret []byte
	// PowDifficulty is checked in full against the blinded value.
	PowDifficulty int
	// EpochTolerance is how many epochs either side of the current one are
	// accepted.
	EpochTolerance int64
}

// Server evaluates blinded values with a per-server key derived from the
// federation master secret.
type Server struct {
	cfg     ServerConfig
	key     []byte
	replay  ReplayGuard
	now     func() time.Time
	metrics *metrics.OverlayMetrics
	logger  *zap.Logger
}

// NewServer derives the server key and returns a ready server. A nil replay
// guard is replaced by an in-memory one.
func NewServer(cfg ServerConfig, replay ReplayGuard, m *metrics.OverlayMetrics, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.ServerID == "" {
		return nil, errors.New("server id is required")
	}
	if len(cfg.MasterSecret) < 16 {
		return nil, errors.New("master secret must be at least 16 bytes")
	}
	if cfg.PowDifficulty <= 0 {
		cfg.PowDifficulty = pow.DefaultDifficulty
	}
	if cfg.EpochTolerance < 0 {
		cfg.EpochTolerance = 0
	}
	if replay == nil {
		replay = NewMemoryReplayGuard()
	}

	key, err := deriveServerKey(cfg.MasterSecret, cfg.ServerID)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		key:     key,
		replay:  replay,
		now:     time.Now,
		metrics: m,
		logger:  logger.With(zap.String("server_id", string(cfg.ServerID))),
	}, nil
}

func deriveServerKey(master []byte, id types.ServerID) ([]byte, error) {
	r := hkdf.New(sha256.New, master, []byte(keyDerivationSalt), []byte(id))
	key := make([]byte, sha256.Size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive server key: %w", err)
	}
	return key, nil
}

// Evaluate checks the request and returns
// HMAC-SHA256(key, blinded || cohort || epochBE8).
func (s *Server) Evaluate(ctx context.Context, req *types.OPRFRequest) (*types.OPRFShare, error) {
	if err := s.checkRequest(req); err != nil {
		return nil, err
	}

	fresh, err := s.replay.MarkUsed(req.EpochBucket, req.BlindedValue, req.PowNonce)
	if err != nil {
		s.metrics.Evaluations.WithLabelValues("error").Inc()
		s.logger.Error("Replay store failure", zap.Error(err))
		return nil, status.Error(codes.Internal, "replay store unavailable")
	}
	if !fresh {
		s.metrics.ReplayRejections.Inc()
		s.metrics.Evaluations.WithLabelValues("replay").Inc()
		return nil, status.Error(codes.AlreadyExists, "proof of work already used")
	}

	mac := hmac.New(sha256.New, s.key)
	mac.Write(req.BlindedValue)
	mac.Write([]byte(req.CohortID))
	mac.Write(binary.BigEndian.AppendUint64(nil, uint64(req.EpochBucket)))

	s.metrics.Evaluations.WithLabelValues("ok").Inc()
	s.logger.Debug("Evaluated blinded value",
		zap.String("requester", coordinator.TruncateKey(req.RequesterPublicKey)),
		zap.Int64("epoch", req.EpochBucket))

	return &types.OPRFShare{
		ServerID:          s.cfg.ServerID,
		PartialEvaluation: mac.Sum(nil),
	}, nil
}

func (s *Server) checkRequest(req *types.OPRFRequest) error {
	reject := func(result string, code codes.Code, msg string) error {
		s.metrics.Evaluations.WithLabelValues(result).Inc()
		s.logger.Debug("Rejected evaluation request", zap.String("reason", msg))
		return status.Error(code, msg)
	}

	switch {
	case len(req.BlindedValue) != blindedValueSize:
		return reject("invalid", codes.InvalidArgument, "blinded value must be 32 bytes")
	case req.CohortID == "" || len(req.CohortID) > maxCohortIDLength:
		return reject("invalid", codes.InvalidArgument, "invalid cohort id")
	case len(req.RequesterPublicKey) != ed25519.PublicKeySize:
		return reject("invalid", codes.InvalidArgument, "invalid requester public key")
	}

	if !ed25519.Verify(req.RequesterPublicKey, req.Transcript(), req.Signature) {
		return reject("bad_signature", codes.Unauthenticated, "request signature does not verify")
	}

	current := coordinator.EpochBucket(s.now())
	if diff := req.EpochBucket - current; diff > s.cfg.EpochTolerance || diff < -s.cfg.EpochTolerance {
		return reject("stale_epoch", codes.FailedPrecondition,
			fmt.Sprintf("epoch %d outside accepted window around %d", req.EpochBucket, current))
	}

	if !pow.Verify(req.BlindedValue, req.CohortID, req.EpochBucket, req.PowNonce, s.cfg.PowDifficulty) {
		return reject("bad_pow", codes.PermissionDenied, "insufficient proof of work")
	}

	return nil
}

// Ping returns the server clock.
func (s *Server) Ping(ctx context.Context, _ *emptypb.Empty) (*timestamppb.Timestamp, error) {
	return timestamppb.New(s.now()), nil
}

// PruneReplays drops replay records from epochs that can no longer be
// accepted.
func (s *Server) PruneReplays() error {
	current := coordinator.EpochBucket(s.now())
	return s.replay.Prune(current - s.cfg.EpochTolerance)
}
