package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"hypertuna/dispatch"
	"hypertuna/observability"
	"hypertuna/registry"
)

// Close codes on the public websocket. 1013 asks the client to retry later;
// the 4xxx codes are terminal for this token or relay.
const (
	closeTryAgainLater websocket.StatusCode = websocket.StatusTryAgainLater
	closeUnauthorized  websocket.StatusCode = 4001
	closeNoPeers       websocket.StatusCode = 4004
)

// Tunnel connection states. Terminal transitions emit an audit line.
const (
	stateHandshaking   = "handshaking"
	stateAuthenticated = "authenticated"
	stateTunneling     = "tunneling"
	stateClosing       = "closing"
)

var errClientClosed = errors.New("gateway: client closed tunnel")

// ConnectionInfo is the debug view of one active tunnel.
type ConnectionInfo struct {
	ID        string    `json:"id"`
	RelayKey  string    `json:"relayKey"`
	PeerID    string    `json:"peerId,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"startedAt"`
	BytesIn   int64     `json:"bytesIn"`
	BytesOut  int64     `json:"bytesOut"`
}

type tunnelInfo struct {
	mu   sync.Mutex
	info ConnectionInfo
}

func (t *tunnelInfo) setState(state string) {
	t.mu.Lock()
	t.info.State = state
	t.mu.Unlock()
}

func (t *tunnelInfo) setPeer(peerID string) {
	t.mu.Lock()
	t.info.PeerID = peerID
	t.mu.Unlock()
}

func (t *tunnelInfo) setSubject(subject string) {
	t.mu.Lock()
	t.info.Subject = subject
	t.mu.Unlock()
}

func (t *tunnelInfo) setRelay(relayKey string) {
	t.mu.Lock()
	t.info.RelayKey = relayKey
	t.mu.Unlock()
}

func (t *tunnelInfo) addBytes(in, out int64) {
	t.mu.Lock()
	t.info.BytesIn += in
	t.info.BytesOut += out
	t.mu.Unlock()
}

func (t *tunnelInfo) snapshot() ConnectionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// connTracker indexes the live tunnels for /debug/connections.
type connTracker struct {
	mu    sync.Mutex
	conns map[string]*tunnelInfo
}

func newConnTracker() *connTracker {
	return &connTracker{conns: make(map[string]*tunnelInfo)}
}

func (c *connTracker) Add(info ConnectionInfo) *tunnelInfo {
	t := &tunnelInfo{info: info}
	c.mu.Lock()
	c.conns[info.ID] = t
	c.mu.Unlock()
	return t
}

func (c *connTracker) Remove(id string) {
	c.mu.Lock()
	delete(c.conns, id)
	c.mu.Unlock()
}

func (c *connTracker) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

func (c *connTracker) List() []ConnectionInfo {
	c.mu.Lock()
	out := make([]ConnectionInfo, 0, len(c.conns))
	for _, t := range c.conns {
		out = append(out, t.snapshot())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// handleTunnel upgrades /relay to a websocket and pumps Nostr frames between
// the client and the worker peer chosen by the scheduler.
func (s *Server) handleTunnel(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}

	metrics := observability.EdgeMetrics()
	metrics.ActiveConnections.Inc()
	defer metrics.ActiveConnections.Dec()

	outcome := "error"
	defer func() { metrics.ConnectionsTotal.WithLabelValues(outcome).Inc() }()

	track := s.tunnels.Add(ConnectionInfo{
		ID:        uuid.NewString(),
		State:     stateHandshaking,
		StartedAt: s.nowFn(),
	})
	id := track.snapshot().ID
	defer s.tunnels.Remove(id)

	tok := bearerToken(r)
	if tok == "" {
		metrics.AuthFailures.WithLabelValues("missing").Inc()
		s.rejectTunnel(r.Context(), conn, "unauthorized", closeUnauthorized)
		outcome = "unauthorized"
		return
	}
	verdict := s.opts.Tokens.Verify(tok)
	if !verdict.Valid {
		metrics.AuthFailures.WithLabelValues(verdict.Reason).Inc()
		s.rejectTunnel(r.Context(), conn, "unauthorized: "+verdict.Reason, closeUnauthorized)
		outcome = "unauthorized"
		return
	}
	track.setState(stateAuthenticated)
	track.setSubject(verdict.SubjectID)

	identifier := chi.URLParam(r, "relay")
	if identifier == "" {
		identifier = verdict.Scope
	}
	res, err := s.opts.Registry.Resolve(identifier)
	switch {
	case errors.Is(err, registry.ErrRelayNotFound):
		s.rejectTunnel(r.Context(), conn, "unknown-relay", closeNoPeers)
		outcome = "unknown-relay"
		return
	case errors.Is(err, registry.ErrNoLivePeer):
		s.rejectTunnel(r.Context(), conn, dispatch.ReasonNoPeers, closeNoPeers)
		outcome = dispatch.ReasonNoPeers
		return
	case err != nil:
		s.rejectTunnel(r.Context(), conn, "internal", closeTryAgainLater)
		return
	}
	track.setRelay(res.Relay.RelayKey)

	peerIDs := make([]string, 0, len(res.Peers))
	addrs := make(map[string]string, len(res.Peers))
	for _, p := range res.Peers {
		peerIDs = append(peerIDs, p.PeerID)
		addrs[p.PeerID] = p.Addr
	}
	result := s.opts.Scheduler.Schedule(dispatch.Job{RelayKey: res.Relay.RelayKey, Peers: peerIDs})
	if result.Status != dispatch.StatusAssigned {
		code := closeNoPeers
		if result.Reason == dispatch.ReasonPeersSaturated {
			code = closeTryAgainLater
		}
		s.rejectTunnel(r.Context(), conn, result.Reason, code)
		outcome = result.Reason
		return
	}
	track.setPeer(result.AssignedPeer)

	stream, err := s.opts.Dial(r.Context(), addrs[result.AssignedPeer], res.Relay.RelayKey)
	if err != nil {
		s.opts.Scheduler.Fail(result.JobID, "connect-failed")
		s.logger.Warn("tunnel dial failed",
			slog.String("connection", id),
			slog.String("peer_id", result.AssignedPeer),
			slog.String("error", err.Error()))
		s.rejectTunnel(r.Context(), conn, "upstream-unavailable", closeTryAgainLater)
		outcome = "connect-failed"
		return
	}
	track.setState(stateTunneling)

	pumpErr := s.pump(r.Context(), conn, stream, track, metrics)
	track.setState(stateClosing)

	switch {
	case pumpErr == nil:
		s.opts.Scheduler.Acknowledge(result.JobID, "completed")
		_ = conn.Close(websocket.StatusNormalClosure, "")
		outcome = "completed"
	case errors.Is(pumpErr, errClientClosed):
		s.opts.Scheduler.Fail(result.JobID, "client-cancelled")
		outcome = "client-cancelled"
	default:
		s.opts.Scheduler.Fail(result.JobID, "peer-error")
		_ = conn.Close(closeTryAgainLater, "upstream error")
		outcome = "peer-error"
	}

	final := track.snapshot()
	s.logger.Info("tunnel closed",
		slog.String("event", "tunnel_closed"),
		slog.String("connection", id),
		slog.String("relay_key", final.RelayKey),
		slog.String("peer_id", final.PeerID),
		slog.String("state", outcome),
		slog.Int64("bytes_in", final.BytesIn),
		slog.Int64("bytes_out", final.BytesOut),
		slog.Duration("elapsed", s.nowFn().Sub(final.StartedAt)))
}

// pump moves frames both ways until either side closes. A nil return means
// the peer finished cleanly; errClientClosed means the client hung up.
func (s *Server) pump(ctx context.Context, conn *websocket.Conn, stream TunnelStream, track *tunnelInfo, metrics *observability.EdgeMetricsSet) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	// Either pump failing cancels the group context; closing the stream
	// unblocks the blocking ReadFrame on the other side.
	go func() {
		<-ctx.Done()
		_ = stream.Close()
	}()

	g.Go(func() error {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return errClientClosed
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errClientClosed
			}
			if err := stream.WriteFrame(data); err != nil {
				return err
			}
			track.addBytes(int64(len(data)), 0)
			metrics.TunnelBytes.WithLabelValues("client_to_peer").Add(float64(len(data)))
		}
	})

	g.Go(func() error {
		for {
			frame, err := stream.ReadFrame()
			if errors.Is(err, io.EOF) {
				// Clean upstream close. Cancel so the client pump
				// stops waiting for the next frame.
				cancel()
				return nil
			}
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
			if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
				return err
			}
			track.addBytes(0, int64(len(frame)))
			metrics.TunnelBytes.WithLabelValues("peer_to_client").Add(float64(len(frame)))
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		// The winning pump already returned its verdict; a cancel here is
		// just the losing half observing the teardown.
		return nil
	}
	return err
}

// rejectTunnel sends one NOTICE frame and closes the socket.
func (s *Server) rejectTunnel(ctx context.Context, conn *websocket.Conn, reason string, code websocket.StatusCode) {
	frame, err := nostr.NoticeEnvelope(reason).MarshalJSON()
	if err == nil {
		writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_ = conn.Write(writeCtx, websocket.MessageText, frame)
		cancel()
	}
	_ = conn.Close(code, reason)
}

func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	header := r.Header.Get("Authorization")
	if raw, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(raw)
	}
	return ""
}
