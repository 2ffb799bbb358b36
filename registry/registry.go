// Package registry tracks relays and the worker peers serving them. Bindings
// persist to LevelDB so a gateway restart does not orphan live relays.
package registry

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"hypertuna/crypto"
	"hypertuna/dispatch"
	"hypertuna/observability"
)

const (
	relayKeyPrefix = "relay:"
	peerKeyPrefix  = "regpeer:"

	defaultStaleness = 90 * time.Second
	// Peers this far past the staleness window are dropped entirely.
	evictionMultiplier = 10
)

var (
	// ErrRelayNotFound indicates the identifier matched no registered relay.
	ErrRelayNotFound = errors.New("registry: relay not found")
	// ErrNoLivePeer indicates the relay exists but no bound peer has a fresh heartbeat.
	ErrNoLivePeer = errors.New("registry: no live peer")
	// ErrUnauthorized indicates a failed proof of possession.
	ErrUnauthorized = errors.New("registry: unauthorized")
	// ErrPeerNotFound indicates an unknown peer identifier.
	ErrPeerNotFound = errors.New("registry: peer not found")
)

// Relay is a registered relay record.
type Relay struct {
	RelayKey     string                 `json:"relayKey"`
	OwnerPubkey  string                 `json:"ownerPubkey"`
	Name         string                 `json:"name,omitempty"`
	Policy       map[string]interface{} `json:"policy,omitempty"`
	RegisteredAt time.Time              `json:"registeredAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// Peer is a worker peer. A peer may host many relays at once; RelayKeys is
// the sorted set of relays it currently serves.
type Peer struct {
	PeerID        string               `json:"peerId"`
	RelayKeys     []string             `json:"relayKeys"`
	Addr          string               `json:"addr,omitempty"`
	LastHeartbeat time.Time            `json:"lastHeartbeat"`
	Metrics       dispatch.PeerMetrics `json:"metrics"`
}

func (p *Peer) hasRelay(relayKey string) bool {
	i := sort.SearchStrings(p.RelayKeys, relayKey)
	return i < len(p.RelayKeys) && p.RelayKeys[i] == relayKey
}

func (p *Peer) addRelay(relayKey string) {
	i := sort.SearchStrings(p.RelayKeys, relayKey)
	if i < len(p.RelayKeys) && p.RelayKeys[i] == relayKey {
		return
	}
	p.RelayKeys = append(p.RelayKeys, "")
	copy(p.RelayKeys[i+1:], p.RelayKeys[i:])
	p.RelayKeys[i] = relayKey
}

func (p *Peer) removeRelay(relayKey string) {
	i := sort.SearchStrings(p.RelayKeys, relayKey)
	if i >= len(p.RelayKeys) || p.RelayKeys[i] != relayKey {
		return
	}
	p.RelayKeys = append(p.RelayKeys[:i], p.RelayKeys[i+1:]...)
}

// AuthProof is the peer's HMAC proof of possession for a register call. The
// signature covers {relayKey, peerId} with the peer id as the client id.
type AuthProof struct {
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature"`
}

// RegisterRequest binds a peer to a relay.
type RegisterRequest struct {
	RelayKey    string    `json:"relayKey"`
	OwnerPubkey string    `json:"ownerPubkey"`
	Name        string    `json:"name,omitempty"`
	PeerID      string    `json:"peerId"`
	PeerAddr    string    `json:"peerAddr,omitempty"`
	AuthProof   AuthProof `json:"authProof"`
}

// RegistrationResponse tells the worker where replication lives.
type RegistrationResponse struct {
	RelayKey         string    `json:"relayKey"`
	PeerID           string    `json:"peerId"`
	MirrorPublicKey  string    `json:"mirrorPublicKey,omitempty"`
	ReplicationTopic string    `json:"replicationTopic,omitempty"`
	RegisteredAt     time.Time `json:"registeredAt"`
}

// Resolution is the result of resolving a relay identifier.
type Resolution struct {
	Relay Relay  `json:"relay"`
	Peers []Peer `json:"peers"`
}

// MetricsSink receives heartbeat metrics and eviction notices. The dispatch
// scheduler satisfies it.
type MetricsSink interface {
	ReportPeerMetrics(peerID string, metrics dispatch.PeerMetrics)
	RemovePeer(peerID string)
}

// ReplicationInfo supplies the mirror coordinates included in registration
// responses.
type ReplicationInfo interface {
	PublicKey() string
	ReplicationTopic() string
}

// Options configures a Registry.
type Options struct {
	AuthSecret  []byte
	Staleness   time.Duration
	Sink        MetricsSink
	Replication ReplicationInfo
	Logger      *slog.Logger
}

// Registry is the concurrency-safe relay and peer directory.
type Registry struct {
	mu sync.RWMutex

	db *leveldb.DB

	relays  map[string]*Relay
	peers   map[string]*Peer
	byRelay map[string]map[string]struct{}
	byName  map[string]string // "{npub}:{name}" -> relayKey

	authSecret  []byte
	staleness   time.Duration
	sink        MetricsSink
	replication ReplicationInfo
	logger      *slog.Logger
	nowFn       func() time.Time
}

// New opens a registry over the supplied LevelDB handle. A nil db keeps all
// state in memory.
func New(db *leveldb.DB, opts Options) (*Registry, error) {
	if len(opts.AuthSecret) == 0 {
		return nil, errors.New("registry: auth secret required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	staleness := opts.Staleness
	if staleness <= 0 {
		staleness = defaultStaleness
	}
	r := &Registry{
		db:          db,
		relays:      make(map[string]*Relay),
		peers:       make(map[string]*Peer),
		byRelay:     make(map[string]map[string]struct{}),
		byName:      make(map[string]string),
		authSecret:  opts.AuthSecret,
		staleness:   staleness,
		sink:        opts.Sink,
		replication: opts.Replication,
		logger:      logger.With(slog.String("component", "registry")),
		nowFn:       time.Now,
	}
	if db != nil {
		if err := r.load(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) load() error {
	iter := r.db.NewIterator(util.BytesPrefix([]byte(relayKeyPrefix)), nil)
	for iter.Next() {
		var relay Relay
		if err := json.Unmarshal(iter.Value(), &relay); err != nil {
			iter.Release()
			return fmt.Errorf("registry: decode relay %s: %w", iter.Key(), err)
		}
		stored := relay
		r.relays[relay.RelayKey] = &stored
		r.indexNameLocked(&stored)
	}
	if err := iter.Error(); err != nil {
		iter.Release()
		return err
	}
	iter.Release()

	iter = r.db.NewIterator(util.BytesPrefix([]byte(peerKeyPrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var peer Peer
		if err := json.Unmarshal(iter.Value(), &peer); err != nil {
			return fmt.Errorf("registry: decode peer %s: %w", iter.Key(), err)
		}
		stored := peer
		r.peers[peer.PeerID] = &stored
		for _, relayKey := range stored.RelayKeys {
			r.bindLocked(relayKey, peer.PeerID)
		}
	}
	observability.RegistryMetrics().RegisteredRelays.Set(float64(len(r.relays)))
	return iter.Error()
}

// Register validates the peer's proof of possession and binds it to the
// relay, creating the relay record on first registration.
func (r *Registry) Register(req RegisterRequest) (RegistrationResponse, error) {
	relayKey := strings.ToLower(strings.TrimSpace(req.RelayKey))
	if !validRelayKey(relayKey) {
		return RegistrationResponse{}, fmt.Errorf("registry: invalid relay key %q", req.RelayKey)
	}
	if strings.TrimSpace(req.PeerID) == "" {
		return RegistrationResponse{}, errors.New("registry: peer id required")
	}
	proofBody := map[string]interface{}{"relayKey": relayKey, "peerId": req.PeerID}
	if err := crypto.VerifyAt(r.authSecret, req.PeerID, proofBody, req.AuthProof.Timestamp,
		req.AuthProof.Signature, 0, r.nowFn()); err != nil {
		return RegistrationResponse{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	relay, ok := r.relays[relayKey]
	if !ok {
		relay = &Relay{
			RelayKey:     relayKey,
			OwnerPubkey:  req.OwnerPubkey,
			Name:         req.Name,
			RegisteredAt: now,
		}
		r.relays[relayKey] = relay
		r.indexNameLocked(relay)
	}
	relay.UpdatedAt = now
	if req.OwnerPubkey != "" {
		relay.OwnerPubkey = req.OwnerPubkey
	}
	if req.Name != "" && relay.Name != req.Name {
		delete(r.byName, nameKey(relay.OwnerPubkey, relay.Name))
		relay.Name = req.Name
		r.indexNameLocked(relay)
	}

	// Bindings accumulate: registering for another relay never detaches the
	// peer from the relays it already serves.
	peer, ok := r.peers[req.PeerID]
	if !ok {
		peer = &Peer{PeerID: req.PeerID}
		r.peers[req.PeerID] = peer
	}
	if req.PeerAddr != "" {
		peer.Addr = req.PeerAddr
	}
	peer.LastHeartbeat = now
	peer.addRelay(relayKey)
	r.bindLocked(relayKey, req.PeerID)

	if err := r.persistRelayLocked(relay); err != nil {
		return RegistrationResponse{}, err
	}
	if err := r.persistPeerLocked(peer); err != nil {
		return RegistrationResponse{}, err
	}
	observability.RegistryMetrics().RegisteredRelays.Set(float64(len(r.relays)))
	r.logger.Info("relay peer registered",
		slog.String("relay_key", relayKey),
		slog.String("peer_id", req.PeerID))

	resp := RegistrationResponse{RelayKey: relayKey, PeerID: req.PeerID, RegisteredAt: now}
	if r.replication != nil {
		resp.MirrorPublicKey = r.replication.PublicKey()
		resp.ReplicationTopic = r.replication.ReplicationTopic()
	}
	// A freshly registered peer is schedulable immediately; its first
	// heartbeat overwrites the zero metrics.
	if r.sink != nil {
		r.sink.ReportPeerMetrics(req.PeerID, peer.Metrics)
	}
	return resp, nil
}

// Deregister removes one peer-to-relay binding. Unknown bindings are a
// no-op; the peer record itself goes away with its last binding.
func (r *Registry) Deregister(relayKey, peerID string) error {
	relayKey = strings.ToLower(strings.TrimSpace(relayKey))

	r.mu.Lock()
	defer r.mu.Unlock()

	peer, ok := r.peers[peerID]
	if !ok || !peer.hasRelay(relayKey) {
		return nil
	}
	peer.removeRelay(relayKey)
	r.unbindLocked(relayKey, peerID)
	if len(peer.RelayKeys) > 0 {
		if err := r.persistPeerLocked(peer); err != nil {
			return err
		}
	} else {
		delete(r.peers, peerID)
		if r.db != nil {
			if err := r.db.Delete([]byte(peerKeyPrefix+peerID), nil); err != nil {
				return fmt.Errorf("registry: delete peer: %w", err)
			}
		}
		if r.sink != nil {
			r.sink.RemovePeer(peerID)
		}
	}
	r.logger.Info("relay peer deregistered",
		slog.String("relay_key", relayKey),
		slog.String("peer_id", peerID),
		slog.Int("remaining_relays", len(peer.RelayKeys)))
	return nil
}

// Heartbeat refreshes a peer's liveness and forwards its metrics to the
// dispatcher.
func (r *Registry) Heartbeat(peerID string, metrics dispatch.PeerMetrics) error {
	r.mu.Lock()
	peer, ok := r.peers[peerID]
	if !ok {
		r.mu.Unlock()
		return ErrPeerNotFound
	}
	peer.LastHeartbeat = r.nowFn()
	peer.Metrics = metrics
	err := r.persistPeerLocked(peer)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	if r.sink != nil {
		r.sink.ReportPeerMetrics(peerID, metrics)
	}
	return nil
}

// Resolve maps a relay identifier to its record and live peers. Identifiers
// are either the 64-hex relay key or "{npub}:{name}".
func (r *Registry) Resolve(identifier string) (Resolution, error) {
	m := observability.RegistryMetrics()
	identifier = strings.TrimSpace(identifier)

	r.mu.RLock()
	defer r.mu.RUnlock()

	relayKey := strings.ToLower(identifier)
	if !validRelayKey(relayKey) {
		mapped, ok := r.byName[identifier]
		if !ok {
			m.ResolveTotal.WithLabelValues("not-found").Inc()
			return Resolution{}, ErrRelayNotFound
		}
		relayKey = mapped
	}
	relay, ok := r.relays[relayKey]
	if !ok {
		m.ResolveTotal.WithLabelValues("not-found").Inc()
		return Resolution{}, ErrRelayNotFound
	}

	now := r.nowFn()
	var live []Peer
	for peerID := range r.byRelay[relayKey] {
		peer := r.peers[peerID]
		if peer == nil {
			continue
		}
		if now.Sub(peer.LastHeartbeat) < r.staleness {
			live = append(live, *peer)
		}
	}
	if len(live) == 0 {
		m.ResolveTotal.WithLabelValues("no-live-peer").Inc()
		return Resolution{}, ErrNoLivePeer
	}
	m.ResolveTotal.WithLabelValues("ok").Inc()
	return Resolution{Relay: *relay, Peers: live}, nil
}

// UpdatePolicy merges the patch into the relay's policy document.
func (r *Registry) UpdatePolicy(relayKey string, patch map[string]interface{}) error {
	relayKey = strings.ToLower(strings.TrimSpace(relayKey))

	r.mu.Lock()
	defer r.mu.Unlock()

	relay, ok := r.relays[relayKey]
	if !ok {
		return ErrRelayNotFound
	}
	if relay.Policy == nil {
		relay.Policy = make(map[string]interface{})
	}
	for k, v := range patch {
		if v == nil {
			delete(relay.Policy, k)
			continue
		}
		relay.Policy[k] = v
	}
	relay.UpdatedAt = r.nowFn()
	return r.persistRelayLocked(relay)
}

// SweepStale drops peers that have missed heartbeats far beyond the
// staleness window and reports current liveness gauges.
func (r *Registry) SweepStale() int {
	m := observability.RegistryMetrics()
	cutoff := r.staleness * evictionMultiplier

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.nowFn()
	var evicted []string
	live := 0
	for peerID, peer := range r.peers {
		age := now.Sub(peer.LastHeartbeat)
		if age >= cutoff {
			evicted = append(evicted, peerID)
			continue
		}
		if age < r.staleness {
			live++
		}
	}
	for _, peerID := range evicted {
		peer := r.peers[peerID]
		for _, relayKey := range peer.RelayKeys {
			r.unbindLocked(relayKey, peerID)
		}
		delete(r.peers, peerID)
		if r.db != nil {
			_ = r.db.Delete([]byte(peerKeyPrefix+peerID), nil)
		}
		if r.sink != nil {
			r.sink.RemovePeer(peerID)
		}
		m.StaleEvictions.Inc()
		r.logger.Warn("stale peer evicted",
			slog.String("peer_id", peerID),
			slog.Int("relays", len(peer.RelayKeys)))
	}
	m.LivePeers.Set(float64(live))
	return len(evicted)
}

// Run sweeps stale peers on the given interval until the context ends.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.staleness
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepStale()
		}
	}
}

// Relays returns a snapshot of all registered relays.
func (r *Registry) Relays() []Relay {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Relay, 0, len(r.relays))
	for _, relay := range r.relays {
		out = append(out, *relay)
	}
	return out
}

func (r *Registry) indexNameLocked(relay *Relay) {
	if relay.Name == "" || relay.OwnerPubkey == "" {
		return
	}
	r.byName[nameKey(relay.OwnerPubkey, relay.Name)] = relay.RelayKey
}

func (r *Registry) bindLocked(relayKey, peerID string) {
	set, ok := r.byRelay[relayKey]
	if !ok {
		set = make(map[string]struct{})
		r.byRelay[relayKey] = set
	}
	set[peerID] = struct{}{}
}

func (r *Registry) unbindLocked(relayKey, peerID string) {
	if set, ok := r.byRelay[relayKey]; ok {
		delete(set, peerID)
		if len(set) == 0 {
			delete(r.byRelay, relayKey)
		}
	}
}

func (r *Registry) persistRelayLocked(relay *Relay) error {
	if r.db == nil {
		return nil
	}
	blob, err := json.Marshal(relay)
	if err != nil {
		return fmt.Errorf("registry: encode relay: %w", err)
	}
	if err := r.db.Put([]byte(relayKeyPrefix+relay.RelayKey), blob, nil); err != nil {
		return fmt.Errorf("registry: persist relay: %w", err)
	}
	return nil
}

func (r *Registry) persistPeerLocked(peer *Peer) error {
	if r.db == nil {
		return nil
	}
	blob, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("registry: encode peer: %w", err)
	}
	if err := r.db.Put([]byte(peerKeyPrefix+peer.PeerID), blob, nil); err != nil {
		return fmt.Errorf("registry: persist peer: %w", err)
	}
	return nil
}

func nameKey(ownerPubkey, name string) string {
	return ownerPubkey + ":" + name
}

func validRelayKey(key string) bool {
	if len(key) != 64 {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil
}
