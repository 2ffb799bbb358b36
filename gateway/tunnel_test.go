package gateway

import (
	"context"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"hypertuna/crypto"
	"hypertuna/dispatch"
	"hypertuna/gateway/auth"
	"hypertuna/peerlink"
	"hypertuna/registry"
	"hypertuna/token"
)

// startEchoWorker runs a minimal worker peer that echoes every tunneled
// frame back to the gateway.
func startEchoWorker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				stream, _, err := peerlink.Accept(c)
				if err != nil {
					_ = c.Close()
					return
				}
				defer stream.Close()
				for {
					frame, err := stream.ReadFrame()
					if err != nil {
						return
					}
					if err := stream.WriteFrame(frame); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func newTunnelServer(t *testing.T, schedCfg dispatch.Config) (*Server, *httptest.Server) {
	t.Helper()
	tokens, err := token.NewService(nil, nil, nil)
	require.NoError(t, err)
	sched := dispatch.NewScheduler(schedCfg, nil)
	reg, err := registry.New(nil, registry.Options{AuthSecret: []byte(testSecret), Sink: sched})
	require.NoError(t, err)

	srv := NewServer(Options{
		Tokens:        tokens,
		Registry:      reg,
		Scheduler:     sched,
		Authenticator: auth.New([]byte(testSecret), 0),
		GatewayID:     "gw-tunnel-test",
		SharedSecret:  testSecret,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func issueTunnelToken(t *testing.T, srv *Server, relayKey string) string {
	t.Helper()
	issued, err := srv.opts.Tokens.Issue(relayKey, token.IssueOptions{Scope: relayKey})
	require.NoError(t, err)
	return issued.Token
}

func TestTunnelEchoesFrames(t *testing.T) {
	srv, ts := newTunnelServer(t, dispatch.DefaultConfig())
	relayKey := strings.Repeat("12", 32)
	workerAddr := startEchoWorker(t)
	registerTunnelPeer(t, srv, relayKey, "peer-echo", workerAddr)
	tok := issueTunnelToken(t, srv, relayKey)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/relay?token="+tok), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame := []byte(`["REQ","sub-1",{"kinds":[1]}]`)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))

	_, echoed, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, string(frame), string(echoed))

	// Closing the client side returns the dispatch slot.
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "done"))
	require.Eventually(t, func() bool {
		for _, p := range srv.opts.Scheduler.Snapshot() {
			if p.InFlight != 0 {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTunnelRejectsBadToken(t *testing.T) {
	_, ts := newTunnelServer(t, dispatch.DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/relay?token=not-a-token"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, notice, err := conn.Read(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `["NOTICE","unauthorized: unknown"]`, string(notice))

	_, _, err = conn.Read(ctx)
	require.Equal(t, closeUnauthorized, websocket.CloseStatus(err))
}

func TestTunnelRejectsUnknownRelay(t *testing.T) {
	srv, ts := newTunnelServer(t, dispatch.DefaultConfig())
	relayKey := strings.Repeat("34", 32)
	tok := issueTunnelToken(t, srv, relayKey)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/relay?token="+tok), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, notice, err := conn.Read(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `["NOTICE","unknown-relay"]`, string(notice))

	_, _, err = conn.Read(ctx)
	require.Equal(t, closeNoPeers, websocket.CloseStatus(err))
}

func TestTunnelRejectsSaturatedPeers(t *testing.T) {
	cfg := dispatch.DefaultConfig()
	cfg.MaxConcurrentJobsPerPeer = 1
	srv, ts := newTunnelServer(t, cfg)
	relayKey := strings.Repeat("56", 32)
	registerTunnelPeer(t, srv, relayKey, "peer-busy", "127.0.0.1:1")

	// Occupy the single slot so the websocket attempt finds no headroom.
	res := srv.opts.Scheduler.Schedule(dispatch.Job{RelayKey: relayKey, Peers: []string{"peer-busy"}})
	require.Equal(t, dispatch.StatusAssigned, res.Status)

	tok := issueTunnelToken(t, srv, relayKey)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/relay?token="+tok), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, notice, err := conn.Read(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `["NOTICE","peers-saturated"]`, string(notice))

	_, _, err = conn.Read(ctx)
	require.Equal(t, closeTryAgainLater, websocket.CloseStatus(err))
}

func TestTunnelPathSegmentOverridesScope(t *testing.T) {
	srv, ts := newTunnelServer(t, dispatch.DefaultConfig())
	relayKey := strings.Repeat("78", 32)
	workerAddr := startEchoWorker(t)
	registerTunnelPeer(t, srv, relayKey, "peer-path", workerAddr)

	// Token scope points nowhere; the path segment picks the real relay.
	tok := issueTunnelToken(t, srv, strings.Repeat("00", 32))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/relay/"+relayKey+"?token="+tok), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	frame := []byte(`["EVENT",{"kind":1}]`)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, frame))
	_, echoed, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, string(frame), string(echoed))
}

func registerTunnelPeer(t *testing.T, srv *Server, relayKey, peerID, addr string) {
	t.Helper()
	now := time.Now()
	sig, err := crypto.Sign([]byte(testSecret), peerID, map[string]interface{}{
		"relayKey": relayKey,
		"peerId":   peerID,
	}, now)
	require.NoError(t, err)
	_, err = srv.opts.Registry.Register(registry.RegisterRequest{
		RelayKey:    relayKey,
		OwnerPubkey: "npub1tunnel",
		PeerID:      peerID,
		PeerAddr:    addr,
		AuthProof:   registry.AuthProof{Timestamp: now, Signature: sig},
	})
	require.NoError(t, err)
}
