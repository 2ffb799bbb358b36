package escrowdb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hypertuna/escrow"
)

func TestRecorderPersistsVaultLeaseHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	vault := escrow.NewVault(nil, NewRecorder(store, nil))

	lease := escrow.Lease{
		LeaseID:     "lease-1",
		EscrowID:    "esc-1",
		RelayKey:    "relay-a",
		RequesterID: "gateway-1",
		IssuedAt:    time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
		Writer: escrow.WriterPackage{
			WriterKey:       []byte{1, 2, 3},
			WriterKeyDigest: "digest-1",
		},
	}
	vault.Track(lease)

	active, err := store.ActiveLeases(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "lease-1", active[0].LeaseID)
	// The history row carries the digest, never the writer key itself.
	require.NotEmpty(t, active[0].PayloadDigest)

	_, ok := vault.Release("relay-a", "escrow-revoked")
	require.True(t, ok)

	active, err = store.ActiveLeases(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestRecorderSupersededLeaseIsStamped(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	vault := escrow.NewVault(nil, NewRecorder(store, nil))

	first := escrow.Lease{
		LeaseID:   "lease-1",
		EscrowID:  "esc-1",
		RelayKey:  "relay-a",
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
	second := first
	second.LeaseID = "lease-2"
	second.ExpiresAt = time.Now().Add(2 * time.Hour)

	vault.Track(first)
	vault.Track(second)

	// Tracking the replacement releases the first lease; only the
	// replacement stays active in the history table.
	active, err := store.ActiveLeases(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "lease-2", active[0].LeaseID)
}
