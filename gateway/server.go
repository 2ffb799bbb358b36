// Package gateway is the public HTTPS/WS edge: token endpoints, relay
// control plane, blind-peer status, and the websocket tunnel into the
// worker fleet.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hypertuna/crypto"
	"hypertuna/dispatch"
	"hypertuna/gateway/auth"
	"hypertuna/gateway/middleware"
	"hypertuna/mirror"
	"hypertuna/observability"
	"hypertuna/peerlink"
	"hypertuna/registry"
	"hypertuna/token"
)

const maxControlBody = 1 << 20

// TunnelStream is the upstream half of a websocket tunnel. peerlink streams
// satisfy it; tests substitute in-memory pipes.
type TunnelStream interface {
	WriteFrame(p []byte) error
	ReadFrame() ([]byte, error)
	CloseWrite() error
	Close() error
}

// DialFunc opens a stream to a worker peer for the given relay.
type DialFunc func(ctx context.Context, addr, relayKey string) (TunnelStream, error)

// Options wires the edge to the rest of the gateway.
type Options struct {
	Logger        *slog.Logger
	Tokens        *token.Service
	Registry      *registry.Registry
	Scheduler     *dispatch.Scheduler
	Mirror        *mirror.Mirror
	Authenticator *auth.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig

	GatewayID           string
	SharedSecret        string
	SharedSecretVersion int
	SignatureTolerance  time.Duration
	DefaultTokenTTL     time.Duration
	BlindPeerStatusURL  string

	Dial DialFunc
}

// Server carries the handler state for the public edge.
type Server struct {
	logger    *slog.Logger
	opts      Options
	tunnels   *connTracker
	client    *http.Client
	nowFn     func() time.Time
	startedAt time.Time
}

// NewServer builds the edge server. Tokens, Registry and Scheduler are
// required; everything else degrades gracefully when absent.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SignatureTolerance <= 0 {
		opts.SignatureTolerance = crypto.DefaultSignatureTolerance
	}
	if opts.Dial == nil {
		opts.Dial = func(ctx context.Context, addr, relayKey string) (TunnelStream, error) {
			return peerlink.Dial(ctx, addr, relayKey)
		}
	}
	return &Server{
		logger:    logger.With(slog.String("component", "edge")),
		opts:      opts,
		tunnels:   newConnTracker(),
		client:    &http.Client{Timeout: 5 * time.Second},
		nowFn:     time.Now,
		startedAt: time.Now(),
	}
}

// Router assembles the chi routing tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS(s.opts.CORS))

	obs := s.opts.Observability
	instrument := func(route string, h http.HandlerFunc) http.Handler {
		if obs == nil {
			return h
		}
		return obs.Middleware(route)(h)
	}

	r.Method(http.MethodGet, "/health", instrument("health", s.handleHealth))
	r.Handle("/metrics", promhttp.Handler())
	r.Method(http.MethodGet, "/.well-known/hypertuna-gateway-secret", instrument("well_known_secret", s.handleSecretFingerprint))

	r.Route("/api/relay-tokens", func(sr chi.Router) {
		if s.opts.RateLimiter != nil {
			sr.Use(s.opts.RateLimiter.Middleware("token"))
		}
		if obs != nil {
			sr.Use(obs.Middleware("relay_tokens"))
		}
		sr.Post("/issue", s.handleTokenIssue)
		sr.Post("/refresh", s.handleTokenRefresh)
	})

	r.Route("/api/relays", func(sr chi.Router) {
		if s.opts.RateLimiter != nil {
			sr.Use(s.opts.RateLimiter.Middleware("control"))
		}
		if obs != nil {
			sr.Use(obs.Middleware("relays"))
		}
		sr.Post("/register", s.handleRelayRegister)
		sr.Post("/deregister", s.handleRelayDeregister)
		sr.Post("/heartbeat", s.handleRelayHeartbeat)
	})

	r.Method(http.MethodGet, "/api/blind-peer", instrument("blind_peer", s.handleBlindPeerStatus))
	r.Method(http.MethodGet, "/debug/connections", instrument("debug_connections", s.handleDebugConnections))

	r.Get("/relay", s.handleTunnel)
	r.Get("/relay/{relay}", s.handleTunnel)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	blindPeer := mirror.StatusInactive
	if s.opts.Mirror != nil {
		blindPeer = s.opts.Mirror.GetStatus().Status
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"gatewayId":     s.opts.GatewayID,
		"uptimeSeconds": int64(s.nowFn().Sub(s.startedAt).Seconds()),
		"tunnels":       s.tunnels.Count(),
		"peers":         len(s.opts.Scheduler.Snapshot()),
		"blindPeer":     blindPeer,
	})
}

// handleSecretFingerprint serves the shared-secret hash for client
// bootstrapping. The secret itself never leaves the process.
func (s *Server) handleSecretFingerprint(w http.ResponseWriter, _ *http.Request) {
	if s.opts.SharedSecret == "" {
		writeError(w, http.StatusNotFound, "not-found")
		return
	}
	sum := sha256.Sum256([]byte(s.opts.SharedSecret))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"secretHash": hex.EncodeToString(sum[:]),
		"version":    s.opts.SharedSecretVersion,
	})
}

// signedEnvelope is the body shape of the signed control endpoints. The
// signature covers the canonical payload with the relay key as client id.
type signedEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Signature string          `json:"signature"`
}

func (s *Server) verifyEnvelope(clientID string, env signedEnvelope) error {
	if s.opts.SharedSecret == "" {
		return nil
	}
	var payload interface{}
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return err
	}
	return crypto.VerifyAt(
		[]byte(s.opts.SharedSecret), clientID, payload,
		time.UnixMilli(env.Timestamp), env.Signature,
		s.opts.SignatureTolerance, s.nowFn(),
	)
}

type issuePayload struct {
	RelayKey       string `json:"relayKey"`
	RelayAuthToken string `json:"relayAuthToken,omitempty"`
	Pubkey         string `json:"pubkey,omitempty"`
	Scope          string `json:"scope,omitempty"`
	TTLSeconds     int64  `json:"ttlSeconds,omitempty"`
}

func (s *Server) handleTokenIssue(w http.ResponseWriter, r *http.Request) {
	var env signedEnvelope
	if !decodeBody(w, r, &env) {
		return
	}
	var payload issuePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.RelayKey == "" {
		writeError(w, http.StatusBadRequest, "bad-request")
		return
	}
	if err := s.verifyEnvelope(payload.RelayKey, env); err != nil {
		observability.EdgeMetrics().AuthFailures.WithLabelValues("signature").Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	scope := payload.Scope
	if scope == "" {
		scope = payload.RelayKey
	}
	ttl := s.opts.DefaultTokenTTL
	if payload.TTLSeconds > 0 {
		ttl = time.Duration(payload.TTLSeconds) * time.Second
	}
	issued, err := s.opts.Tokens.Issue(payload.RelayKey, token.IssueOptions{
		Scope:          scope,
		TTL:            ttl,
		PubKey:         payload.Pubkey,
		RelayAuthToken: payload.RelayAuthToken,
		IssuedBy:       s.opts.GatewayID,
	})
	if err != nil {
		s.logger.Error("token issue failed", slog.String("relay_key", payload.RelayKey), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	observability.TokenMetrics().Issued.Inc()
	writeJSON(w, http.StatusOK, issued)
}

type refreshPayload struct {
	RelayKey   string `json:"relayKey"`
	Token      string `json:"token"`
	Sequence   uint64 `json:"sequence"`
	TTLSeconds int64  `json:"ttlSeconds,omitempty"`
}

func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request) {
	var env signedEnvelope
	if !decodeBody(w, r, &env) {
		return
	}
	var payload refreshPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil || payload.RelayKey == "" || payload.Token == "" {
		writeError(w, http.StatusBadRequest, "bad-request")
		return
	}
	if err := s.verifyEnvelope(payload.RelayKey, env); err != nil {
		observability.EdgeMetrics().AuthFailures.WithLabelValues("signature").Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	ttl := time.Duration(payload.TTLSeconds) * time.Second
	issued, err := s.opts.Tokens.Refresh(payload.RelayKey, token.RefreshOptions{
		Token:        payload.Token,
		Sequence:     payload.Sequence,
		RequestedTTL: ttl,
	})
	switch {
	case errors.Is(err, token.ErrUnknownSubject), errors.Is(err, token.ErrUnauthorized):
		observability.EdgeMetrics().AuthFailures.WithLabelValues("token").Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	case err != nil:
		s.logger.Error("token refresh failed", slog.String("relay_key", payload.RelayKey), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal")
		return
	}
	observability.TokenMetrics().Refreshed.Inc()
	writeJSON(w, http.StatusOK, issued)
}

func (s *Server) handleRelayRegister(w http.ResponseWriter, r *http.Request) {
	var req registry.RegisterRequest
	if !decodeBody(w, r, &req) {
		return
	}
	resp, err := s.opts.Registry.Register(req)
	switch {
	case errors.Is(err, registry.ErrUnauthorized):
		observability.EdgeMetrics().AuthFailures.WithLabelValues("register").Inc()
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case err != nil:
		writeError(w, http.StatusBadRequest, "bad-request")
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

type deregisterPayload struct {
	RelayKey string `json:"relayKey"`
	PeerID   string `json:"peerId"`
}

func (s *Server) handleRelayDeregister(w http.ResponseWriter, r *http.Request) {
	payload, ok := readAuthedBody[deregisterPayload](s, w, r)
	if !ok {
		return
	}
	if err := s.opts.Registry.Deregister(payload.RelayKey, payload.PeerID); err != nil {
		writeError(w, http.StatusNotFound, "not-found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type heartbeatPayload struct {
	PeerID  string               `json:"peerId"`
	Metrics dispatch.PeerMetrics `json:"metrics"`
}

func (s *Server) handleRelayHeartbeat(w http.ResponseWriter, r *http.Request) {
	payload, ok := readAuthedBody[heartbeatPayload](s, w, r)
	if !ok {
		return
	}
	if err := s.opts.Registry.Heartbeat(payload.PeerID, payload.Metrics); err != nil {
		writeError(w, http.StatusNotFound, "not-found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleBlindPeerStatus reports mirror status. With a remote status URL
// configured the request proxies through; otherwise the local mirror answers.
func (s *Server) handleBlindPeerStatus(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	detail := query.Get("detail") == "true" || envBool("BLIND_PEER_STATUS_DETAIL")
	owners := queryIntDefault(query.Get("owners"), envInt("BLIND_PEER_STATUS_OWNERS", 10))
	coresPerOwner := queryIntDefault(query.Get("coresPerOwner"), envInt("BLIND_PEER_STATUS_CORES_PER_OWNER", 5))

	if s.opts.BlindPeerStatusURL != "" {
		s.proxyBlindPeerStatus(w, r)
		return
	}
	if s.opts.Mirror == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "inactive"})
		return
	}
	status := s.opts.Mirror.GetStatus()
	if !detail {
		writeJSON(w, http.StatusOK, status)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		mirror.Status
		Owners []mirror.OwnerDetail `json:"owners"`
	}{status, s.opts.Mirror.OwnerDetails(owners, coresPerOwner)})
}

func (s *Server) proxyBlindPeerStatus(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, s.opts.BlindPeerStatusURL, nil)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream-unavailable")
		return
	}
	req.URL.RawQuery = r.URL.RawQuery
	resp, err := s.client.Do(req)
	if err != nil {
		writeError(w, http.StatusBadGateway, "upstream-unavailable")
		return
	}
	defer resp.Body.Close()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleDebugConnections lists the active tunnels. Gated behind the signed
// control-plane headers.
func (s *Server) handleDebugConnections(w http.ResponseWriter, r *http.Request) {
	if s.opts.Authenticator == nil {
		writeError(w, http.StatusNotFound, "not-found")
		return
	}
	if _, err := s.opts.Authenticator.Authenticate(r, nil); err != nil {
		observability.EdgeMetrics().AuthFailures.WithLabelValues("debug").Inc()
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": s.tunnels.List(),
		"peers":       s.opts.Scheduler.Snapshot(),
	})
}

// readAuthedBody decodes a signed control body and checks the request
// headers against the shared-secret authenticator.
func readAuthedBody[T any](s *Server, w http.ResponseWriter, r *http.Request) (T, bool) {
	var payload T
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad-request")
		return payload, false
	}
	if s.opts.Authenticator != nil {
		if _, err := s.opts.Authenticator.Authenticate(r, body); err != nil {
			observability.EdgeMetrics().AuthFailures.WithLabelValues("control").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return payload, false
		}
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "bad-request")
		return payload, false
	}
	return payload, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxControlBody))
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "bad-request")
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		writeError(w, http.StatusBadRequest, "bad-request")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, slug string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + slug + `"}`))
}

func queryIntDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envBool(name string) bool {
	return os.Getenv(name) == "true"
}

func envInt(name string, def int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
