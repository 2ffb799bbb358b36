package escrowdb

import (
	"context"
	"log/slog"
	"time"

	"hypertuna/escrow"
)

const recordTimeout = 5 * time.Second

// Recorder adapts the store to the vault's listener interfaces so every
// lease entering or leaving the vault lands in the history table. Write
// failures are logged and swallowed; lease bookkeeping must never block the
// vault's secret handling.
type Recorder struct {
	store  *Store
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewRecorder wires a recorder over the store.
func NewRecorder(store *Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:  store,
		logger: logger.With(slog.String("component", "escrow_recorder")),
		nowFn:  time.Now,
	}
}

// LeaseTracked implements escrow.TrackListener.
func (r *Recorder) LeaseTracked(lease escrow.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.store.RecordLease(ctx, lease); err != nil {
		r.logger.Warn("lease history write failed",
			slog.String("lease_id", lease.LeaseID),
			slog.String("error", err.Error()))
	}
}

// LeaseReleased implements escrow.ReleaseListener.
func (r *Recorder) LeaseReleased(lease escrow.Lease, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := r.store.MarkLeaseReleased(ctx, lease.LeaseID, reason, r.nowFn()); err != nil {
		r.logger.Warn("lease release stamp failed",
			slog.String("lease_id", lease.LeaseID),
			slog.String("error", err.Error()))
	}
}
