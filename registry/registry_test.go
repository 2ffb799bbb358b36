package registry

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"

	"hypertuna/crypto"
	"hypertuna/dispatch"
)

var testSecret = []byte("registry-shared-secret")

const testRelayKey = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func signedRequest(t *testing.T, relayKey, peerID string) RegisterRequest {
	t.Helper()
	ts := time.Now()
	sig, err := crypto.Sign(testSecret, peerID,
		map[string]interface{}{"relayKey": relayKey, "peerId": peerID}, ts)
	require.NoError(t, err)
	return RegisterRequest{
		RelayKey:    relayKey,
		OwnerPubkey: "npub1owner",
		Name:        "chat",
		PeerID:      peerID,
		PeerAddr:    "10.0.0.1:7000",
		AuthProof:   AuthProof{Timestamp: ts, Signature: sig},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := New(nil, Options{AuthSecret: testSecret})
	require.NoError(t, err)
	return r
}

func TestRegisterAndResolveByKey(t *testing.T) {
	r := newTestRegistry(t)

	resp, err := r.Register(signedRequest(t, testRelayKey, "peer-1"))
	require.NoError(t, err)
	require.Equal(t, testRelayKey, resp.RelayKey)

	res, err := r.Resolve(testRelayKey)
	require.NoError(t, err)
	require.Equal(t, "npub1owner", res.Relay.OwnerPubkey)
	require.Len(t, res.Peers, 1)
	require.Equal(t, "peer-1", res.Peers[0].PeerID)
}

func TestRegisterRejectsBadProof(t *testing.T) {
	r := newTestRegistry(t)

	req := signedRequest(t, testRelayKey, "peer-1")
	req.AuthProof.Signature = strings.Repeat("00", 32)
	_, err := r.Register(req)
	require.ErrorIs(t, err, ErrUnauthorized)

	// Signature bound to a different relay key fails too.
	other := signedRequest(t, strings.Repeat("b", 64), "peer-1")
	other.RelayKey = testRelayKey
	_, err = r.Register(other)
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRegisterRejectsInvalidRelayKey(t *testing.T) {
	r := newTestRegistry(t)
	req := signedRequest(t, "not-hex", "peer-1")
	_, err := r.Register(req)
	require.Error(t, err)
}

func TestResolveByOwnerAndName(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(signedRequest(t, testRelayKey, "peer-1"))
	require.NoError(t, err)

	res, err := r.Resolve("npub1owner:chat")
	require.NoError(t, err)
	require.Equal(t, testRelayKey, res.Relay.RelayKey)

	_, err = r.Resolve("npub1owner:missing")
	require.ErrorIs(t, err, ErrRelayNotFound)
}

func TestResolveStalePeerIsNotLive(t *testing.T) {
	r := newTestRegistry(t)
	now := time.Now()
	r.nowFn = func() time.Time { return now }

	req := signedRequest(t, testRelayKey, "peer-1")
	_, err := r.Register(req)
	require.NoError(t, err)

	// Inside the 90s window the peer is live.
	now = now.Add(60 * time.Second)
	_, err = r.Resolve(testRelayKey)
	require.NoError(t, err)

	// Past it the relay has no live peer.
	now = now.Add(60 * time.Second)
	_, err = r.Resolve(testRelayKey)
	require.ErrorIs(t, err, ErrNoLivePeer)

	// A heartbeat revives it.
	require.NoError(t, r.Heartbeat("peer-1", dispatch.PeerMetrics{LatencyMs: 12}))
	_, err = r.Resolve(testRelayKey)
	require.NoError(t, err)
}

type sinkRecorder struct {
	reported map[string]dispatch.PeerMetrics
	removed  []string
}

func (s *sinkRecorder) ReportPeerMetrics(peerID string, m dispatch.PeerMetrics) {
	if s.reported == nil {
		s.reported = make(map[string]dispatch.PeerMetrics)
	}
	s.reported[peerID] = m
}

func (s *sinkRecorder) RemovePeer(peerID string) { s.removed = append(s.removed, peerID) }

func TestHeartbeatForwardsMetrics(t *testing.T) {
	sink := &sinkRecorder{}
	r, err := New(nil, Options{AuthSecret: testSecret, Sink: sink})
	require.NoError(t, err)

	_, err = r.Register(signedRequest(t, testRelayKey, "peer-1"))
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat("peer-1", dispatch.PeerMetrics{LatencyMs: 42, HyperbeeLag: 3}))
	require.Equal(t, 42.0, sink.reported["peer-1"].LatencyMs)

	require.ErrorIs(t, r.Heartbeat("ghost", dispatch.PeerMetrics{}), ErrPeerNotFound)
}

func TestPeerHostsManyRelays(t *testing.T) {
	sink := &sinkRecorder{}
	r, err := New(nil, Options{AuthSecret: testSecret, Sink: sink})
	require.NoError(t, err)
	relayB := strings.Repeat("b", 64)

	_, err = r.Register(signedRequest(t, testRelayKey, "peer-1"))
	require.NoError(t, err)
	_, err = r.Register(signedRequest(t, relayB, "peer-1"))
	require.NoError(t, err)

	// The second registration adds a binding; the first must survive it.
	resA, err := r.Resolve(testRelayKey)
	require.NoError(t, err)
	require.Equal(t, "peer-1", resA.Peers[0].PeerID)
	resB, err := r.Resolve(relayB)
	require.NoError(t, err)
	require.Equal(t, "peer-1", resB.Peers[0].PeerID)
	require.Equal(t, []string{testRelayKey, relayB}, resA.Peers[0].RelayKeys)

	// One heartbeat keeps the peer live for every relay it hosts.
	require.NoError(t, r.Heartbeat("peer-1", dispatch.PeerMetrics{LatencyMs: 9}))

	// Dropping one binding leaves the other resolvable and the peer known
	// to the dispatcher.
	require.NoError(t, r.Deregister(testRelayKey, "peer-1"))
	_, err = r.Resolve(testRelayKey)
	require.ErrorIs(t, err, ErrNoLivePeer)
	_, err = r.Resolve(relayB)
	require.NoError(t, err)
	require.Empty(t, sink.removed)

	// The last binding takes the peer record with it.
	require.NoError(t, r.Deregister(relayB, "peer-1"))
	require.Equal(t, []string{"peer-1"}, sink.removed)
	require.ErrorIs(t, r.Heartbeat("peer-1", dispatch.PeerMetrics{}), ErrPeerNotFound)
}

func TestMultiRelayBindingsSurviveReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "registry")
	db, err := leveldb.OpenFile(dir, nil)
	require.NoError(t, err)
	relayB := strings.Repeat("b", 64)

	r, err := New(db, Options{AuthSecret: testSecret})
	require.NoError(t, err)
	_, err = r.Register(signedRequest(t, testRelayKey, "peer-1"))
	require.NoError(t, err)
	_, err = r.Register(signedRequest(t, relayB, "peer-1"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = leveldb.OpenFile(dir, nil)
	require.NoError(t, err)
	defer db.Close()

	reloaded, err := New(db, Options{AuthSecret: testSecret})
	require.NoError(t, err)
	for _, key := range []string{testRelayKey, relayB} {
		res, err := reloaded.Resolve(key)
		require.NoError(t, err)
		require.Len(t, res.Peers, 1)
	}
}

func TestDeregisterIsIdempotent(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(signedRequest(t, testRelayKey, "peer-1"))
	require.NoError(t, err)

	require.NoError(t, r.Deregister(testRelayKey, "peer-1"))
	require.NoError(t, r.Deregister(testRelayKey, "peer-1"))
	require.NoError(t, r.Deregister(testRelayKey, "never-registered"))

	_, err = r.Resolve(testRelayKey)
	require.ErrorIs(t, err, ErrNoLivePeer)
}

func TestSweepEvictsLongStalePeers(t *testing.T) {
	sink := &sinkRecorder{}
	r, err := New(nil, Options{AuthSecret: testSecret, Sink: sink, Staleness: time.Second})
	require.NoError(t, err)
	now := time.Now()
	r.nowFn = func() time.Time { return now }

	_, err = r.Register(signedRequest(t, testRelayKey, "peer-1"))
	require.NoError(t, err)

	// Stale but under the eviction cutoff: kept, just not live.
	now = now.Add(5 * time.Second)
	require.Zero(t, r.SweepStale())

	now = now.Add(10 * time.Second)
	require.Equal(t, 1, r.SweepStale())
	require.Equal(t, []string{"peer-1"}, sink.removed)
}

func TestUpdatePolicyMergesAndDeletes(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Register(signedRequest(t, testRelayKey, "peer-1"))
	require.NoError(t, err)

	require.NoError(t, r.UpdatePolicy(testRelayKey, map[string]interface{}{"maxSubscriptions": 20}))
	require.NoError(t, r.UpdatePolicy(testRelayKey, map[string]interface{}{"paid": true}))

	res, err := r.Resolve(testRelayKey)
	require.NoError(t, err)
	require.Equal(t, 20, res.Relay.Policy["maxSubscriptions"])
	require.Equal(t, true, res.Relay.Policy["paid"])

	require.NoError(t, r.UpdatePolicy(testRelayKey, map[string]interface{}{"paid": nil}))
	res, err = r.Resolve(testRelayKey)
	require.NoError(t, err)
	require.NotContains(t, res.Relay.Policy, "paid")

	require.ErrorIs(t, r.UpdatePolicy(strings.Repeat("c", 64), nil), ErrRelayNotFound)
}

type staticReplication struct{}

func (staticReplication) PublicKey() string        { return "mirror-pub" }
func (staticReplication) ReplicationTopic() string { return "hypertuna-replication" }

func TestRegistrationResponseCarriesReplicationInfo(t *testing.T) {
	r, err := New(nil, Options{AuthSecret: testSecret, Replication: staticReplication{}})
	require.NoError(t, err)

	resp, err := r.Register(signedRequest(t, testRelayKey, "peer-1"))
	require.NoError(t, err)
	require.Equal(t, "mirror-pub", resp.MirrorPublicKey)
	require.Equal(t, "hypertuna-replication", resp.ReplicationTopic)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "registry")
	db, err := leveldb.OpenFile(dir, nil)
	require.NoError(t, err)

	r, err := New(db, Options{AuthSecret: testSecret})
	require.NoError(t, err)
	_, err = r.Register(signedRequest(t, testRelayKey, "peer-1"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = leveldb.OpenFile(dir, nil)
	require.NoError(t, err)
	defer db.Close()

	reloaded, err := New(db, Options{AuthSecret: testSecret})
	require.NoError(t, err)
	res, err := reloaded.Resolve("npub1owner:chat")
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)
}
