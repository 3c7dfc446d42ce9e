package fog

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"strconv"

	"overlay/pkg/types"
)

// Signer produces the signature carried by an outgoing announcement.
type Signer interface {
	SignAnnouncement(ann *types.FogAnnouncement) ([]byte, error)
}

// Verifier checks the signature of an incoming announcement.
type Verifier interface {
	VerifyAnnouncement(ann *types.FogAnnouncement) error
}

var errBadSignature = errors.New("announcement signature mismatch")

// announcementDigestInput is the byte string every scheme signs.
func announcementDigestInput(ann *types.FogAnnouncement) []byte {
	return []byte(string(ann.PeerID) + "|" + ann.CapabilitiesHash + "|" +
		ann.ManifestSummary + "|" + strconv.FormatInt(ann.TimeBucket, 10))
}

// DigestSigner "signs" with a bare SHA-256 digest of the announcement
// fields. It detects corruption only; anyone can forge it.
type DigestSigner struct{}

func (DigestSigner) SignAnnouncement(ann *types.FogAnnouncement) ([]byte, error) {
	sum := sha256.Sum256(announcementDigestInput(ann))
	return sum[:], nil
}

func (DigestSigner) VerifyAnnouncement(ann *types.FogAnnouncement) error {
	sum := sha256.Sum256(announcementDigestInput(ann))
	if !bytes.Equal(sum[:], ann.Signature) {
		return errBadSignature
	}
	return nil
}

// SignFunc signs a message with a private key held elsewhere, such as the
// coordinator's session key.
type SignFunc func(msg []byte) []byte

// Ed25519Signer signs announcements with an ed25519 key.
type Ed25519Signer struct {
	sign SignFunc
}

func NewEd25519Signer(sign SignFunc) *Ed25519Signer {
	return &Ed25519Signer{sign: sign}
}

func (s *Ed25519Signer) SignAnnouncement(ann *types.FogAnnouncement) ([]byte, error) {
	if s.sign == nil {
		return nil, errors.New("no signing key")
	}
	return s.sign(announcementDigestInput(ann)), nil
}

// KeyResolver finds the public key behind an ephemeral peer id.
type KeyResolver func(peer types.PeerID) (ed25519.PublicKey, bool)

// Ed25519Verifier checks announcements against keys learned out of band.
type Ed25519Verifier struct {
	resolve KeyResolver
}

func NewEd25519Verifier(resolve KeyResolver) *Ed25519Verifier {
	return &Ed25519Verifier{resolve: resolve}
}

func (v *Ed25519Verifier) VerifyAnnouncement(ann *types.FogAnnouncement) error {
	pub, ok := v.resolve(ann.PeerID)
	if !ok {
		return errors.New("unknown announcement key")
	}
	if !ed25519.Verify(pub, announcementDigestInput(ann), ann.Signature) {
		return errBadSignature
	}
	return nil
}
