package escrow

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"hypertuna/crypto"
)

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		BaseURL:  baseURL,
		ClientID: "gateway-1",
		Secret:   []byte("escrow-secret"),
	}, nil)
	require.NoError(t, err)
	return client
}

func TestClientSignsRequests(t *testing.T) {
	var gotHeaders http.Header
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"deposited"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	req := DepositRequest{
		EscrowID:           "esc-1",
		RecipientPublicKey: "recipient",
		SealedWriterKey: crypto.SealedPayload{
			Ciphertext:      "Y2lwaGVy",
			Nonce:           "bm9uY2U=",
			SenderPublicKey: "c2VuZGVy",
		},
	}
	resp, err := client.Deposit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, DepositStatusDeposited, resp.Status)

	require.Equal(t, "gateway-1", gotHeaders.Get(HeaderClientID))
	tsMillis, err := strconv.ParseInt(gotHeaders.Get(HeaderTimestamp), 10, 64)
	require.NoError(t, err)
	ts := time.UnixMilli(tsMillis)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(gotBody, &body))
	require.NoError(t, crypto.VerifyAt([]byte("escrow-secret"), "gateway-1", body, ts, gotHeaders.Get(HeaderSignature), 0, ts))
}

func TestClientSurfacesStatusErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	_, err := client.FetchPolicy(context.Background())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusForbidden, statusErr.Code)
	require.Equal(t, "unauthorized", statusErr.Slug)
	require.False(t, statusErr.Transient())
}

func TestClientRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"maxLeaseDurationMs":3600000,"renewBeforeMs":60000,"maxActiveLeases":4,"requireEvidence":true}`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	policy, err := client.FetchPolicy(context.Background())
	require.NoError(t, err)
	require.Equal(t, time.Hour, policy.MaxLeaseDuration)
	require.Equal(t, time.Minute, policy.RenewBefore)
	require.Equal(t, 4, policy.MaxActiveLeases)
	require.True(t, policy.RequireEvidence)
	require.Equal(t, int32(2), calls.Load())
}

func TestClientUnlockDecodesWriterKey(t *testing.T) {
	writerKey := []byte("raw-writer-key")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/unlock", r.URL.Path)
		resp := map[string]interface{}{
			"leaseId":     "lease-1",
			"relayKey":    "relay-a",
			"escrowId":    "esc-1",
			"requesterId": "gateway-1",
			"issuedAt":    time.Now().UTC().Format(time.RFC3339),
			"expiresAt":   time.Now().Add(time.Hour).UTC().Format(time.RFC3339),
			"writerPackage": map[string]interface{}{
				"writerKey":       base64.StdEncoding.EncodeToString(writerKey),
				"writerKeyDigest": "digest-1",
			},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	lease, err := client.Unlock(context.Background(), UnlockRequest{EscrowID: "esc-1", RequesterID: "gateway-1"})
	require.NoError(t, err)
	require.Equal(t, writerKey, lease.Writer.WriterKey)
	require.Equal(t, ComputePayloadDigest(writerKey, "digest-1"), lease.PayloadDigest)
}

func TestWatcherReleasesRevokedAndExpired(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/leases", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		// Only esc-live remains active on the escrow side.
		_, _ = w.Write([]byte(`[{"leaseId":"l2","relayKey":"relay-b","escrowId":"esc-live","requesterId":"gateway-1","writerPackage":{"writerKeyDigest":"d"}}]`))
	}))
	defer server.Close()

	client := newTestClient(t, server.URL)
	vault := NewVault(nil, nil)
	now := time.Now()
	vault.Track(testLease("l1", "relay-a", "esc-revoked", []byte{1}, now.Add(time.Hour)))
	vault.Track(testLease("l2", "relay-b", "esc-live", []byte{2}, now.Add(time.Hour)))
	vault.Track(testLease("l3", "relay-c", "esc-live", []byte{3}, now.Add(-time.Minute)))

	deposits := &depositRecorder{}
	watcher := NewWatcher(client, vault, deposits, time.Second, time.Minute, nil)
	watcher.Sweep(context.Background())

	_, ok := vault.Get("relay-a", false)
	require.False(t, ok, "revoked lease should be released")
	_, ok = vault.Get("relay-c", false)
	require.False(t, ok, "expired lease should be released")
	_, ok = vault.Get("relay-b", false)
	require.True(t, ok, "live lease should remain")

	// Each release writes the matching lifecycle transition through.
	require.Equal(t, DepositStatusExpired, deposits.statuses["esc-live"])
	require.Equal(t, DepositStatusRevoked, deposits.statuses["esc-revoked"])
}

type depositRecorder struct {
	statuses map[string]DepositStatus
}

func (d *depositRecorder) UpdateDepositStatus(_ context.Context, escrowID string, status DepositStatus) error {
	if d.statuses == nil {
		d.statuses = make(map[string]DepositStatus)
	}
	d.statuses[escrowID] = status
	return nil
}
