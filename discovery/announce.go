// Package discovery publishes signed, TTL-bounded gateway announcements on a
// well-known swarm topic so unowned clients can locate the public edge.
package discovery

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Topic is the fixed 32-byte discovery rendezvous all gateways announce on.
var Topic = sha256.Sum256([]byte("hypertuna/gateway-discovery/v1"))

// ProtocolVersion is stamped into every announcement.
const ProtocolVersion = "1.0"

// Frame size guard: announcements are small JSON documents.
const maxFrameSize = 64 * 1024

var (
	// ErrBadSignature indicates the announcement payload does not verify
	// under its embedded signature key.
	ErrBadSignature = errors.New("discovery: bad announcement signature")
	// ErrFrameTooLarge indicates a length prefix beyond the protocol bound.
	ErrFrameTooLarge = errors.New("discovery: frame too large")
)

// Announcement is the rebroadcast gateway advertisement. Signature covers the
// canonical JSON encoding of every other field.
type Announcement struct {
	GatewayID           string `json:"gatewayId"`
	Timestamp           int64  `json:"timestamp"`
	TTL                 int64  `json:"ttl"`
	PublicURL           string `json:"publicUrl"`
	WsURL               string `json:"wsUrl"`
	SecretURL           string `json:"secretUrl,omitempty"`
	SecretHash          string `json:"secretHash,omitempty"`
	OpenAccess          bool   `json:"openAccess"`
	SharedSecretVersion int    `json:"sharedSecretVersion,omitempty"`
	DisplayName         string `json:"displayName,omitempty"`
	Region              string `json:"region,omitempty"`
	ProtocolVersion     string `json:"protocolVersion"`
	SignatureKey        string `json:"signatureKey"`
	Signature           string `json:"signature,omitempty"`
}

// canonicalBytes is the signed byte layout: the JSON encoding with the
// signature field cleared. Struct field order is fixed at compile time, so
// the layout is stable.
func (a Announcement) canonicalBytes() ([]byte, error) {
	unsigned := a
	unsigned.Signature = ""
	return json.Marshal(unsigned)
}

// Sign stamps the signature key and detached signature onto the announcement.
func (a *Announcement) Sign(key ed25519.PrivateKey) error {
	a.SignatureKey = hex.EncodeToString(key.Public().(ed25519.PublicKey))
	payload, err := a.canonicalBytes()
	if err != nil {
		return fmt.Errorf("discovery: encode announcement: %w", err)
	}
	a.Signature = hex.EncodeToString(ed25519.Sign(key, payload))
	return nil
}

// Verify checks the detached signature against the embedded signature key.
func (a Announcement) Verify() error {
	pub, err := hex.DecodeString(a.SignatureKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	sig, err := hex.DecodeString(a.Signature)
	if err != nil {
		return ErrBadSignature
	}
	payload, err := a.canonicalBytes()
	if err != nil {
		return fmt.Errorf("discovery: encode announcement: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return ErrBadSignature
	}
	return nil
}

// EncodeFrame wraps the signed announcement in a length-prefixed wire frame.
func EncodeFrame(a Announcement) ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("discovery: encode frame: %w", err)
	}
	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(body)))
	copy(frame[4:], body)
	return frame, nil
}

// ReadFrame reads one length-prefixed announcement off the stream.
func ReadFrame(r io.Reader) (Announcement, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Announcement{}, fmt.Errorf("discovery: read frame prefix: %w", err)
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size > maxFrameSize {
		return Announcement{}, ErrFrameTooLarge
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Announcement{}, fmt.Errorf("discovery: read frame body: %w", err)
	}
	var a Announcement
	if err := json.Unmarshal(body, &a); err != nil {
		return Announcement{}, fmt.Errorf("discovery: decode frame: %w", err)
	}
	return a, nil
}
