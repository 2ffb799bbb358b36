package escrow

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultSweepInterval = 15 * time.Second
	defaultRenewBefore   = time.Minute
)

// DepositStore persists deposit lifecycle transitions observed during
// sweeps. The escrowdb store satisfies it.
type DepositStore interface {
	UpdateDepositStatus(ctx context.Context, escrowID string, status DepositStatus) error
}

// Watcher keeps the vault reconciled with the escrow service: it sweeps
// expired leases, releases leases whose deposits were revoked server-side,
// and renews leases that are close to expiry.
type Watcher struct {
	client   *Client
	vault    *Vault
	deposits DepositStore
	logger   *slog.Logger

	sweepInterval time.Duration
	renewBefore   time.Duration
	nowFn         func() time.Time
}

// NewWatcher wires a watcher over the client and vault. The deposit store
// may be nil when no SQL persistence is configured. Zero durations fall
// back to defaults (15 s sweep, renew one minute before expiry).
func NewWatcher(client *Client, vault *Vault, deposits DepositStore, sweepInterval, renewBefore time.Duration, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	if sweepInterval <= 0 {
		sweepInterval = defaultSweepInterval
	}
	if renewBefore <= 0 {
		renewBefore = defaultRenewBefore
	}
	return &Watcher{
		client:        client,
		vault:         vault,
		deposits:      deposits,
		logger:        logger.With(slog.String("component", "escrow_watcher")),
		sweepInterval: sweepInterval,
		renewBefore:   renewBefore,
		nowFn:         time.Now,
	}
}

// Run blocks until the context is cancelled, sweeping on every tick.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass.
func (w *Watcher) Sweep(ctx context.Context) {
	now := w.nowFn()
	if expired := w.vault.ReleaseExpired(now, "expired"); len(expired) > 0 {
		w.logger.Info("released expired leases", slog.Int("count", len(expired)))
		for _, lease := range expired {
			w.markDeposit(ctx, lease.EscrowID, DepositStatusExpired)
		}
	}

	remote, err := w.client.ListLeases(ctx)
	if err != nil {
		w.logger.Warn("lease reconciliation skipped", slog.Any("error", err))
		return
	}
	active := make(map[string]Lease, len(remote))
	for _, lease := range remote {
		active[lease.EscrowID] = lease
	}

	for _, local := range w.vault.List() {
		if _, ok := active[local.EscrowID]; !ok {
			w.vault.ReleaseByEscrowID(local.EscrowID, "escrow-revoked")
			w.markDeposit(ctx, local.EscrowID, DepositStatusRevoked)
			continue
		}
		if local.ExpiresAt.Sub(now) <= w.renewBefore {
			w.renew(ctx, local)
		}
	}
}

// markDeposit writes the lifecycle transition through the deposit store.
// Rejected transitions (deposit already terminal) are expected on repeat
// sweeps and only surface at debug level.
func (w *Watcher) markDeposit(ctx context.Context, escrowID string, status DepositStatus) {
	if w.deposits == nil {
		return
	}
	if err := w.deposits.UpdateDepositStatus(ctx, escrowID, status); err != nil {
		w.logger.Debug("deposit status not updated",
			slog.String("escrow_id", escrowID),
			slog.String("status", string(status)),
			slog.Any("error", err))
	}
}

func (w *Watcher) renew(ctx context.Context, local Lease) {
	lease, err := w.client.Unlock(ctx, UnlockRequest{
		EscrowID:    local.EscrowID,
		RequesterID: local.RequesterID,
		Evidence:    local.Evidence,
	})
	if err != nil {
		w.logger.Warn("lease renewal failed",
			slog.String("escrow_id", local.EscrowID),
			slog.String("relay_key", local.RelayKey),
			slog.Any("error", err))
		return
	}
	w.vault.Track(lease)
	w.markDeposit(ctx, lease.EscrowID, DepositStatusUnlocked)
	w.logger.Info("lease renewed",
		slog.String("escrow_id", lease.EscrowID),
		slog.String("relay_key", lease.RelayKey),
		slog.Time("expires_at", lease.ExpiresAt))
}
