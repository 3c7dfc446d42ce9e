package types

import (
	"time"

	"github.com/tchajed/marshal"
)

type ServerID string
type PeerID string

// OverlayHandle is a derived opaque identity scoped to one cohort and epoch.
type OverlayHandle struct {
	Handle      string    `json:"handle"`
	CohortID    string    `json:"cohort_id"`
	EpochBucket int64     `json:"epoch_bucket"`
	ExpiresAt   time.Time `json:"expires_at"`
	PowNonce    int64     `json:"pow_nonce"`
}

// Valid reports whether the handle may still be handed out at now.
func (h *OverlayHandle) Valid(now time.Time) bool {
	return h != nil && h.ExpiresAt.After(now)
}

type FederationServer struct {
	ServerID  ServerID `json:"server_id"`
	Endpoint  string   `json:"endpoint"`
	Available bool     `json:"available"`
}

type OPRFRequest struct {
	BlindedValue       []byte `json:"blinded_value"`
	PowNonce           int64  `json:"pow_nonce"`
	CohortID           string `json:"cohort_id"`
	EpochBucket        int64  `json:"epoch_bucket"`
	RequesterPublicKey []byte `json:"requester_public_key"`
	Signature          []byte `json:"signature,omitempty"`
}

// Transcript is the canonical byte encoding of every request field except the
// signature. Requesters sign it and federation servers verify it.
func (r *OPRFRequest) Transcript() []byte {
	b := make([]byte, 0, 64+len(r.BlindedValue)+len(r.CohortID)+len(r.RequesterPublicKey))
	b = marshal.WriteBytes(b, []byte("overlay-oprf-request"))
	b = marshal.WriteInt(b, uint64(len(r.BlindedValue)))
	b = marshal.WriteBytes(b, r.BlindedValue)
	b = marshal.WriteInt(b, uint64(r.PowNonce))
	b = marshal.WriteInt(b, uint64(len(r.CohortID)))
	b = marshal.WriteBytes(b, []byte(r.CohortID))
	b = marshal.WriteInt(b, uint64(r.EpochBucket))
	b = marshal.WriteInt(b, uint64(len(r.RequesterPublicKey)))
	b = marshal.WriteBytes(b, r.RequesterPublicKey)
	return b
}

type OPRFShare struct {
	ServerID          ServerID `json:"server_id"`
	PartialEvaluation []byte   `json:"partial_evaluation"`
}

type DimensionCategory string

const (
	DimensionOverworld DimensionCategory = "OVERWORLD"
	DimensionNether    DimensionCategory = "NETHER"
	DimensionEnd       DimensionCategory = "END"
	DimensionOther     DimensionCategory = "OTHER"
)

type BiomeCategory string

const (
	BiomeCold      BiomeCategory = "COLD"
	BiomeTemperate BiomeCategory = "TEMPERATE"
	BiomeHot       BiomeCategory = "HOT"
	BiomeOther     BiomeCategory = "OTHER"
)

type TimeOfDayBucket string

const (
	TimeDay     TimeOfDayBucket = "DAY"
	TimeEvening TimeOfDayBucket = "EVENING"
	TimeNight   TimeOfDayBucket = "NIGHT"
)

// ConditionBucket is a coarse snapshot of ambient state. It is a comparable
// value; two buckets are the same condition iff they are ==.
type ConditionBucket struct {
	Dimension        DimensionCategory `json:"dimension"`
	Biome            BiomeCategory     `json:"biome"`
	TimeOfDay        TimeOfDayBucket   `json:"time_of_day"`
	CapabilitiesHash string            `json:"capabilities_hash"`
}

type FreshnessBucket string

const (
	FreshnessRecent   FreshnessBucket = "RECENT"
	FreshnessToday    FreshnessBucket = "TODAY"
	FreshnessThisWeek FreshnessBucket = "THIS_WEEK"
)

type TrustTier string

const (
	TrustUnverified TrustTier = "UNVERIFIED"
	TrustLow        TrustTier = "LOW"
	TrustMedium     TrustTier = "MEDIUM"
	TrustHigh       TrustTier = "HIGH"
)

type FogAnnouncement struct {
	PeerID           PeerID `json:"peer_id"`
	CapabilitiesHash string `json:"capabilities_hash"`
	ManifestSummary  string `json:"manifest_summary"`
	TimeBucket       int64  `json:"time_bucket"`
	Signature        []byte `json:"signature,omitempty"`
}

type FogShard struct {
	PeerID           PeerID          `json:"peer_id"`
	CapabilitiesHash string          `json:"capabilities_hash"`
	ManifestSummary  string          `json:"manifest_summary"`
	Freshness        FreshnessBucket `json:"freshness"`
	Corroborations   int             `json:"corroborations"`
	Trust            TrustTier       `json:"trust"`
	FirstSeen        time.Time       `json:"first_seen"`
	ExpiresAt        time.Time       `json:"expires_at"`
}
