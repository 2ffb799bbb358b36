package discovery

import (
	"bytes"
	"encoding/hex"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Enabled:             true,
		OpenAccess:          true,
		GatewayID:           "gw-1",
		PublicURL:           "https://gw.example.com",
		WsURL:               "wss://gw.example.com/relay",
		SecretURL:           "https://gw.example.com/.well-known/hypertuna-gateway-secret",
		SharedSecret:        "hunter2",
		SharedSecretVersion: 3,
		DisplayName:         "Example Gateway",
		Region:              "eu-west",
		KeySeed:             "discovery-seed",
	}
}

func TestAnnouncementSignatureRoundTrip(t *testing.T) {
	adv, err := NewAdvertiser(testConfig(), nil, nil)
	require.NoError(t, err)

	frame, err := adv.rebuild()
	require.NoError(t, err)

	ann, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	require.NoError(t, ann.Verify())
	require.Equal(t, "gw-1", ann.GatewayID)
	require.Equal(t, int64(60), ann.TTL)
	require.Equal(t, adv.SignatureKey(), ann.SignatureKey)
	require.Equal(t, SecretHash("hunter2"), ann.SecretHash)
}

func TestAnnouncementTamperFailsVerification(t *testing.T) {
	adv, err := NewAdvertiser(testConfig(), nil, nil)
	require.NoError(t, err)
	frame, err := adv.rebuild()
	require.NoError(t, err)
	ann, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)

	// Flip one byte of publicUrl.
	mutated := ann
	mutated.PublicURL = "https://gw.example.con"
	require.ErrorIs(t, mutated.Verify(), ErrBadSignature)
}

func TestDeterministicSigningKeyFromSeed(t *testing.T) {
	a1, err := NewAdvertiser(testConfig(), nil, nil)
	require.NoError(t, err)
	a2, err := NewAdvertiser(testConfig(), nil, nil)
	require.NoError(t, err)
	require.Equal(t, a1.SignatureKey(), a2.SignatureKey())

	cfg := testConfig()
	cfg.KeySeed = ""
	random, err := NewAdvertiser(cfg, nil, nil)
	require.NoError(t, err)
	require.NotEqual(t, a1.SignatureKey(), random.SignatureKey())
}

func TestAdvertiserGatedOnOpenAccess(t *testing.T) {
	cfg := testConfig()
	cfg.OpenAccess = false
	adv, err := NewAdvertiser(cfg, &TCPSwarm{}, nil)
	require.NoError(t, err)
	require.False(t, adv.Active())
	require.NoError(t, adv.Start())
	require.Nil(t, adv.membership)
	require.NoError(t, adv.Stop())
}

func TestProbeServesCachedThenFreshFrame(t *testing.T) {
	cfg := testConfig()
	cfg.RefreshInterval = 10 * time.Second
	adv, err := NewAdvertiser(cfg, nil, nil)
	require.NoError(t, err)
	now := time.Now()
	adv.nowFn = func() time.Time { return now }

	first, err := adv.rebuild()
	require.NoError(t, err)

	// Fresh cache is served as-is.
	frame, cached, err := adv.currentFrame()
	require.NoError(t, err)
	require.True(t, cached)
	require.Equal(t, first, frame)

	// Past half the refresh interval the frame is rebuilt.
	now = now.Add(6 * time.Second)
	frame, cached, err = adv.currentFrame()
	require.NoError(t, err)
	require.False(t, cached)
	ann, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	require.Equal(t, now.UnixMilli(), ann.Timestamp)
}

func TestEndToEndProbeOverTCPSwarm(t *testing.T) {
	adv, err := NewAdvertiser(testConfig(), &TCPSwarm{ListenAddr: "127.0.0.1:0"}, nil)
	require.NoError(t, err)
	require.NoError(t, adv.Start())
	defer adv.Stop()

	conn, err := net.DialTimeout("tcp", adv.membership.Addr(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	ann, err := ReadFrame(conn)
	require.NoError(t, err)
	require.NoError(t, ann.Verify())
	require.True(t, ann.OpenAccess)

	// The probe stream closes after one frame.
	one := make([]byte, 1)
	_, err = conn.Read(one)
	require.Error(t, err)
}

func TestSecretHash(t *testing.T) {
	require.Empty(t, SecretHash(""))
	h := SecretHash("hunter2")
	raw, err := hex.DecodeString(h)
	require.NoError(t, err)
	require.Len(t, raw, 32)
}
