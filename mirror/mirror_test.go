package mirror

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newRunningMirror(t *testing.T) *Mirror {
	t.Helper()
	dir := t.TempDir()
	m := New(Config{
		Enabled:          true,
		StorageDir:       filepath.Join(dir, "storage"),
		TrustedPeersPath: filepath.Join(dir, "trusted-peers.json"),
		KeySeed:          "test-seed",
	}, nil)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })
	return m
}

func TestDisabledMirrorReportsInactive(t *testing.T) {
	m := New(Config{Enabled: false}, nil)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Start())

	st := m.GetStatus()
	require.Equal(t, StatusInactive, st.Status)
	require.False(t, st.Running)

	// Mirroring requests against a cold node answer inactive, not an error.
	res, err := m.MirrorCore("abc", CoreOptions{})
	require.NoError(t, err)
	require.Equal(t, StatusInactive, res.Status)
	require.False(t, res.Added)
	res, err = m.MirrorAutobase("base-1", AutobaseOptions{})
	require.NoError(t, err)
	require.Equal(t, StatusInactive, res.Status)

	// The data plane still refuses hard: blocks cannot land without a store.
	_, err = m.AppendBlock([]byte("x"))
	require.ErrorIs(t, err, ErrNotRunning)
}

func TestStartDerivesDeterministicKeys(t *testing.T) {
	m := newRunningMirror(t)
	st := m.GetStatus()
	require.Equal(t, StatusActive, st.Status)
	require.NotEmpty(t, st.PublicKey)
	require.NotEmpty(t, st.EncryptionKey)

	other := newRunningMirror(t)
	// Same seed, same identity.
	require.Equal(t, m.PublicKey(), other.PublicKey())
	require.NotEmpty(t, m.ReplicationTopic())
	require.Equal(t, m.ReplicationTopic(), other.ReplicationTopic())
}

func TestAppendAndReadBlocks(t *testing.T) {
	m := newRunningMirror(t)

	digest, err := m.AppendBlock([]byte("relay event payload"))
	require.NoError(t, err)
	require.Len(t, digest, 64)

	got, err := m.ReadBlock(digest)
	require.NoError(t, err)
	require.Equal(t, []byte("relay event payload"), got)

	// Duplicate appends do not grow the store.
	before := m.GetStatus().BytesAllocated
	again, err := m.AppendBlock([]byte("relay event payload"))
	require.NoError(t, err)
	require.Equal(t, digest, again)
	require.Equal(t, before, m.GetStatus().BytesAllocated)

	_, err = m.ReadBlock("00ab")
	require.ErrorIs(t, err, ErrBlockNotFound)
}

func TestMirrorCoreIsIdempotent(t *testing.T) {
	m := newRunningMirror(t)

	res, err := m.MirrorCore("core-a", CoreOptions{Announce: true, Priority: 2})
	require.NoError(t, err)
	require.Equal(t, StatusActive, res.Status)
	require.True(t, res.Added)

	res, err = m.MirrorCore("core-a", CoreOptions{Announce: true, Priority: 2})
	require.NoError(t, err)
	require.False(t, res.Added)

	res, err = m.MirrorAutobase("base-1", AutobaseOptions{Target: "core-a"})
	require.NoError(t, err)
	require.True(t, res.Added)

	require.Equal(t, 2, m.GetStatus().MirroredCores)
}

func TestTrustedPeerAllowlistPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trusted.json")
	cfg := Config{
		Enabled:          true,
		StorageDir:       filepath.Join(dir, "storage"),
		TrustedPeersPath: path,
		KeySeed:          "seed",
	}

	m := New(cfg, nil)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.AddTrustedPeer("peer-key-1"))
	require.NoError(t, m.AddTrustedPeer("peer-key-2"))
	require.NoError(t, m.AddTrustedPeer("peer-key-1")) // dedup
	require.NoError(t, m.RemoveTrustedPeer("peer-key-2"))
	require.NoError(t, m.RemoveTrustedPeer("never-added"))

	blob, err := os.ReadFile(path)
	require.NoError(t, err)
	var peers []TrustedPeer
	require.NoError(t, json.Unmarshal(blob, &peers))
	require.Len(t, peers, 1)
	require.Equal(t, "peer-key-1", peers[0].Key)
	require.False(t, peers[0].TrustedSince.IsZero())

	// A fresh instance reloads the allowlist from disk.
	reloaded := New(cfg, nil)
	require.NoError(t, reloaded.Initialize())
	require.Equal(t, 1, reloaded.GetStatus().TrustedPeerCount)
}

func TestStopIsIdempotentAndStatusFlips(t *testing.T) {
	m := newRunningMirror(t)
	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())
	st := m.GetStatus()
	require.Equal(t, StatusInactive, st.Status)
	// Metadata survives the stop.
	require.NotEmpty(t, st.PublicKey)
}

func TestIdentityStableAcrossRestartWithoutSeed(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Enabled: true, StorageDir: filepath.Join(dir, "storage")}

	m := New(cfg, nil)
	require.NoError(t, m.Initialize())
	require.NoError(t, m.Start())
	first := m.PublicKey()
	require.NoError(t, m.Stop())

	m2 := New(cfg, nil)
	require.NoError(t, m2.Initialize())
	require.NoError(t, m2.Start())
	defer m2.Stop()
	require.Equal(t, first, m2.PublicKey())
}
