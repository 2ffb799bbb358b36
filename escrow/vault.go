package escrow

import (
	"log/slog"
	"sync"
	"time"

	"hypertuna/crypto"
	"hypertuna/observability"
)

// ReleaseListener observes lease removals from the vault. Implementations
// must not retain the lease's writer key; released leases are stripped.
type ReleaseListener interface {
	LeaseReleased(lease Lease, reason string)
}

// TrackListener is an optional extension of ReleaseListener. Listeners that
// implement it also see stripped leases as they enter the vault, which lets
// a persistence layer keep a full lease history.
type TrackListener interface {
	LeaseTracked(lease Lease)
}

// Vault is the sole owner of decrypted writer-key bytes for the process.
// Copies handed out omit the secret unless the caller opts in, and opted-in
// copies are fresh buffers the caller must wipe itself.
type Vault struct {
	logger   *slog.Logger
	listener ReleaseListener

	mu        sync.Mutex
	destroyed bool
	leases    map[string]*Lease // keyed by leaseID
	byRelay   map[string]string // relayKey -> active leaseID
}

// NewVault builds an empty vault. The listener may be nil.
func NewVault(logger *slog.Logger, listener ReleaseListener) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		logger:   logger.With(slog.String("component", "lease_vault")),
		listener: listener,
		leases:   make(map[string]*Lease),
		byRelay:  make(map[string]string),
	}
}

// Track stores a lease, taking ownership of its writer-key bytes. An existing
// lease for the same relay key is removed and its secret zeroized before the
// replacement becomes visible. A destroyed vault refuses the lease and
// zeroizes the offered key.
func (v *Vault) Track(lease Lease) Lease {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.destroyed {
		crypto.Zeroize(lease.Writer.WriterKey)
		v.logger.Warn("lease refused after vault destroy",
			slog.String("lease_id", lease.LeaseID),
			slog.String("relay_key", lease.RelayKey))
		return stripSecret(lease)
	}
	if lease.PayloadDigest == "" && len(lease.Writer.WriterKey) > 0 {
		lease.PayloadDigest = ComputePayloadDigest(lease.Writer.WriterKey, lease.Writer.WriterKeyDigest)
	}
	if prevID, ok := v.byRelay[lease.RelayKey]; ok {
		v.removeLocked(prevID, "superseded")
	}
	stored := lease
	v.leases[lease.LeaseID] = &stored
	v.byRelay[lease.RelayKey] = lease.LeaseID
	m := observability.VaultMetrics()
	m.Tracked.Inc()
	m.ActiveLeases.Set(float64(len(v.leases)))
	v.logger.Info("lease tracked",
		slog.String("lease_id", lease.LeaseID),
		slog.String("relay_key", lease.RelayKey),
		slog.Time("expires_at", lease.ExpiresAt))
	clone := stripSecret(stored)
	if tl, ok := v.listener.(TrackListener); ok {
		tl.LeaseTracked(clone)
	}
	return clone
}

// Get returns a copy of the active lease for the relay key. The secret is
// omitted unless includeSecret is true, in which case the returned writer key
// is a fresh buffer independent of the vault's copy.
func (v *Vault) Get(relayKey string, includeSecret bool) (Lease, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.byRelay[relayKey]
	if !ok {
		return Lease{}, false
	}
	stored := v.leases[id]
	if stored == nil {
		return Lease{}, false
	}
	if !includeSecret {
		return stripSecret(*stored), true
	}
	clone := *stored
	clone.Writer.WriterKey = append([]byte(nil), stored.Writer.WriterKey...)
	return clone, true
}

// List returns stripped copies of every tracked lease.
func (v *Vault) List() []Lease {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Lease, 0, len(v.leases))
	for _, stored := range v.leases {
		out = append(out, stripSecret(*stored))
	}
	return out
}

// Release removes the active lease for the relay key, zeroizes its secret,
// and returns the stripped clone.
func (v *Vault) Release(relayKey, reason string) (Lease, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id, ok := v.byRelay[relayKey]
	if !ok {
		return Lease{}, false
	}
	return v.removeLocked(id, reason), true
}

// ReleaseByEscrowID removes every lease issued under the escrow deposit.
func (v *Vault) ReleaseByEscrowID(escrowID, reason string) []Lease {
	return v.releaseMatching(reason, func(l *Lease) bool { return l.EscrowID == escrowID })
}

// ReleaseExpired removes every lease whose expiry has passed at now.
func (v *Vault) ReleaseExpired(now time.Time, reason string) []Lease {
	return v.releaseMatching(reason, func(l *Lease) bool { return l.Expired(now) })
}

// ClearAll wipes every lease. Used on shutdown and on escrow-wide revocation.
func (v *Vault) ClearAll(reason string) []Lease {
	return v.releaseMatching(reason, func(*Lease) bool { return true })
}

// Destroy clears all leases and marks the vault unusable for new tracking;
// Track calls arriving after Destroy are refused. The top-level binary calls
// this from its signal handler; the vault itself installs no process hooks.
func (v *Vault) Destroy(reason string) {
	v.mu.Lock()
	v.destroyed = true
	v.mu.Unlock()
	released := v.ClearAll(reason)
	v.logger.Info("vault destroyed", slog.String("reason", reason), slog.Int("released", len(released)))
}

func (v *Vault) releaseMatching(reason string, match func(*Lease) bool) []Lease {
	v.mu.Lock()
	defer v.mu.Unlock()
	var released []Lease
	for id, stored := range v.leases {
		if match(stored) {
			released = append(released, v.removeLocked(id, reason))
		}
	}
	return released
}

// removeLocked zeroizes the stored writer key, drops both indexes, and
// returns the stripped clone. Callers hold v.mu.
func (v *Vault) removeLocked(leaseID, reason string) Lease {
	stored := v.leases[leaseID]
	if stored == nil {
		return Lease{}
	}
	clone := stripSecret(*stored)
	crypto.Zeroize(stored.Writer.WriterKey)
	stored.Writer.WriterKey = nil
	delete(v.leases, leaseID)
	if current, ok := v.byRelay[stored.RelayKey]; ok && current == leaseID {
		delete(v.byRelay, stored.RelayKey)
	}
	m := observability.VaultMetrics()
	m.Released.WithLabelValues(reason).Inc()
	m.ActiveLeases.Set(float64(len(v.leases)))
	v.logger.Info("lease released",
		slog.String("lease_id", leaseID),
		slog.String("relay_key", clone.RelayKey),
		slog.String("reason", reason))
	if v.listener != nil {
		v.listener.LeaseReleased(clone, reason)
	}
	return clone
}

func stripSecret(l Lease) Lease {
	l.Writer.WriterKey = nil
	return l
}
