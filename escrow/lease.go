package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// WriterPackage carries the raw writer key released by the escrow service
// together with its digest. The raw bytes are only ever held by the vault.
type WriterPackage struct {
	WriterKey       []byte `json:"writerKey,omitempty"`
	WriterKeyDigest string `json:"writerKeyDigest"`
}

// Lease is a time-bounded writer-key authorization for a single relay.
type Lease struct {
	LeaseID       string        `json:"leaseId"`
	RelayKey      string        `json:"relayKey"`
	EscrowID      string        `json:"escrowId"`
	RequesterID   string        `json:"requesterId"`
	OwnerPeerKey  string        `json:"ownerPeerKey"`
	IssuedAt      time.Time     `json:"issuedAt"`
	ExpiresAt     time.Time     `json:"expiresAt"`
	Evidence      string        `json:"evidence,omitempty"`
	Writer        WriterPackage `json:"writerPackage"`
	PayloadDigest string        `json:"payloadDigest"`
}

// Expired reports whether the lease has passed its expiry at the given time.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// ComputePayloadDigest returns sha256(writerKey || writerKeyDigest) in hex.
// The digest commits to the key without exposing it.
func ComputePayloadDigest(writerKey []byte, writerKeyDigest string) string {
	h := sha256.New()
	h.Write(writerKey)
	h.Write([]byte(writerKeyDigest))
	return hex.EncodeToString(h.Sum(nil))
}

// DepositStatus tracks the lifecycle of a sealed deposit on the escrow side.
type DepositStatus string

const (
	DepositStatusDeposited DepositStatus = "deposited"
	DepositStatusUnlocked  DepositStatus = "unlocked"
	DepositStatusRevoked   DepositStatus = "revoked"
	DepositStatusExpired   DepositStatus = "expired"
)

// Policy mirrors the escrow service's advertised lease policy.
type Policy struct {
	MaxLeaseDuration   time.Duration `json:"maxLeaseDurationMs"`
	RenewBefore        time.Duration `json:"renewBeforeMs"`
	MaxActiveLeases    int           `json:"maxActiveLeases"`
	RequireEvidence    bool          `json:"requireEvidence"`
	AcceptedSealSchema string        `json:"acceptedSealSchema,omitempty"`
}
