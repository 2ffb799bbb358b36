// Package mirror runs the gateway's blind-peer replication node: an embedded
// append-only block store that follows remote cores for a set of trusted
// peers without ever seeing plaintext relay data.
package mirror

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"hypertuna/observability"
)

// Status strings surfaced by GetStatus.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// ErrNotRunning indicates a block read or write against a stopped node.
var ErrNotRunning = errors.New("mirror: not running")

// TrustedPeer is one allowlist entry.
type TrustedPeer struct {
	Key          string    `json:"key"`
	TrustedSince time.Time `json:"trustedSince"`
}

// Config carries the mirror subsystem settings.
type Config struct {
	Enabled          bool
	StorageDir       string
	TrustedPeersPath string
	// KeySeed derives a stable identity keypair; empty means random.
	KeySeed string
}

// CoreOptions tunes a MirrorCore request.
type CoreOptions struct {
	Announce bool   `json:"announce"`
	Priority int    `json:"priority"`
	Referrer string `json:"referrer,omitempty"`
}

// AutobaseOptions tunes a MirrorAutobase request.
type AutobaseOptions struct {
	Target string `json:"target,omitempty"`
}

// Status is the externally visible mirror state.
type Status struct {
	Status           string        `json:"status"`
	Enabled          bool          `json:"enabled"`
	Running          bool          `json:"running"`
	TrustedPeerCount int           `json:"trustedPeerCount"`
	StorageDir       string        `json:"storageDir,omitempty"`
	Digest           string        `json:"digest,omitempty"`
	PublicKey        string        `json:"publicKey,omitempty"`
	EncryptionKey    string        `json:"encryptionKey,omitempty"`
	TrustedPeers     []TrustedPeer `json:"trustedPeers,omitempty"`
	MirroredCores    int           `json:"mirroredCores"`
	BytesAllocated   int64         `json:"bytesAllocated"`
}

// Mirror is the blind-peer subsystem. All methods are safe for concurrent
// use and degrade to inactive answers when the subsystem is disabled or
// stopped; nothing here panics on a cold node.
type Mirror struct {
	cfg    Config
	logger *slog.Logger
	nowFn  func() time.Time

	mu          sync.Mutex
	initialized bool
	running     bool
	trusted     map[string]TrustedPeer
	store       *blockStore
	publicKey   string
	secretKey   ed25519.PrivateKey
	encryption  string
}

// New builds a mirror from config. Call Initialize then Start.
func New(cfg Config, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "blind_peer")),
		nowFn:   time.Now,
		trusted: make(map[string]TrustedPeer),
	}
}

// Initialize loads the trusted-peer allowlist and prepares the storage
// directory. A missing allowlist file means an empty allowlist.
func (m *Mirror) Initialize() error {
	if !m.cfg.Enabled {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.cfg.StorageDir, 0o755); err != nil {
		return fmt.Errorf("mirror: create storage dir: %w", err)
	}
	if path := strings.TrimSpace(m.cfg.TrustedPeersPath); path != "" {
		blob, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// First boot: start empty, the file appears on first add.
		case err != nil:
			return fmt.Errorf("mirror: read allowlist: %w", err)
		default:
			var peers []TrustedPeer
			if err := json.Unmarshal(blob, &peers); err != nil {
				return fmt.Errorf("mirror: decode allowlist: %w", err)
			}
			for _, p := range peers {
				m.trusted[p.Key] = p
			}
		}
	}
	m.initialized = true
	observability.MirrorMetrics().TrustedPeers.Set(float64(len(m.trusted)))
	m.logger.Info("mirror initialized",
		slog.Int("trusted_peers", len(m.trusted)),
		slog.String("storage_dir", m.cfg.StorageDir))
	return nil
}

// Start boots the embedded block store and derives the announcement keys.
func (m *Mirror) Start() error {
	if !m.cfg.Enabled {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return errors.New("mirror: not initialized")
	}
	if m.running {
		return nil
	}
	store, err := openBlockStore(filepath.Join(m.cfg.StorageDir, "blocks"))
	if err != nil {
		return err
	}
	if err := m.deriveKeysLocked(store); err != nil {
		_ = store.Close()
		return err
	}
	m.store = store
	m.running = true
	met := observability.MirrorMetrics()
	met.Active.Set(1)
	met.BytesAllocated.Set(float64(store.BytesAllocated()))
	m.logger.Info("mirror started", slog.String("public_key", m.publicKey))
	return nil
}

// deriveKeysLocked loads or creates the node identity and encryption key.
// Both persist in the store's metadata keyspace so restarts keep the same
// announcement coordinates.
func (m *Mirror) deriveKeysLocked(store *blockStore) error {
	if seed := strings.TrimSpace(m.cfg.KeySeed); seed != "" {
		sum := sha256.Sum256([]byte(seed))
		m.secretKey = ed25519.NewKeyFromSeed(sum[:])
	} else {
		stored, err := store.Meta("identity_seed")
		if err != nil {
			return err
		}
		if stored == nil {
			stored = make([]byte, ed25519.SeedSize)
			if _, err := rand.Read(stored); err != nil {
				return fmt.Errorf("mirror: identity entropy: %w", err)
			}
			if err := store.PutMeta("identity_seed", stored); err != nil {
				return err
			}
		}
		m.secretKey = ed25519.NewKeyFromSeed(stored)
	}
	m.publicKey = hex.EncodeToString(m.secretKey.Public().(ed25519.PublicKey))

	encKey, err := store.Meta("encryption_key")
	if err != nil {
		return err
	}
	if encKey == nil {
		encKey = make([]byte, 32)
		if _, err := rand.Read(encKey); err != nil {
			return fmt.Errorf("mirror: encryption entropy: %w", err)
		}
		if err := store.PutMeta("encryption_key", encKey); err != nil {
			return err
		}
	}
	m.encryption = hex.EncodeToString(encKey)
	return nil
}

// Stop shuts the block store down. Safe to call on a node that never started.
func (m *Mirror) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	err := m.store.Close()
	m.store = nil
	m.running = false
	observability.MirrorMetrics().Active.Set(0)
	m.logger.Info("mirror stopped")
	return err
}

// MirrorResult is the outcome of a mirroring request. A stopped or disabled
// node answers with an inactive status instead of an error.
type MirrorResult struct {
	Status string `json:"status"`
	Key    string `json:"key"`
	Added  bool   `json:"added"`
}

// MirrorCore asks the node to follow a remote core. Repeat requests for the
// same core are deduplicated.
func (m *Mirror) MirrorCore(coreKey string, opts CoreOptions) (MirrorResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return MirrorResult{Status: StatusInactive, Key: coreKey}, nil
	}
	added, err := m.store.FollowCore("core:"+coreKey, opts)
	if err != nil {
		return MirrorResult{}, err
	}
	if added {
		m.logger.Info("mirroring core",
			slog.String("core", coreKey),
			slog.Bool("announce", opts.Announce),
			slog.Int("priority", opts.Priority))
	}
	return MirrorResult{Status: StatusActive, Key: coreKey, Added: added}, nil
}

// MirrorAutobase asks the node to follow a multi-writer log.
func (m *Mirror) MirrorAutobase(handle string, opts AutobaseOptions) (MirrorResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return MirrorResult{Status: StatusInactive, Key: handle}, nil
	}
	added, err := m.store.FollowCore("autobase:"+handle, CoreOptions{Referrer: opts.Target})
	if err != nil {
		return MirrorResult{}, err
	}
	if added {
		m.logger.Info("mirroring autobase", slog.String("handle", handle))
	}
	return MirrorResult{Status: StatusActive, Key: handle, Added: added}, nil
}

// AddTrustedPeer puts a key on the allowlist and persists it. A running node
// picks the change up immediately.
func (m *Mirror) AddTrustedPeer(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("mirror: peer key required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trusted[key]; ok {
		return nil
	}
	m.trusted[key] = TrustedPeer{Key: key, TrustedSince: m.nowFn()}
	observability.MirrorMetrics().TrustedPeers.Set(float64(len(m.trusted)))
	return m.persistTrustedLocked()
}

// RemoveTrustedPeer drops a key from the allowlist and persists the change.
func (m *Mirror) RemoveTrustedPeer(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trusted[key]; !ok {
		return nil
	}
	delete(m.trusted, key)
	observability.MirrorMetrics().TrustedPeers.Set(float64(len(m.trusted)))
	return m.persistTrustedLocked()
}

func (m *Mirror) persistTrustedLocked() error {
	path := strings.TrimSpace(m.cfg.TrustedPeersPath)
	if path == "" {
		return nil
	}
	peers := m.trustedSliceLocked()
	blob, err := json.MarshalIndent(peers, "", "  ")
	if err != nil {
		return fmt.Errorf("mirror: encode allowlist: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mirror: allowlist dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("mirror: write allowlist: %w", err)
	}
	return os.Rename(tmp, path)
}

func (m *Mirror) trustedSliceLocked() []TrustedPeer {
	peers := make([]TrustedPeer, 0, len(m.trusted))
	for _, p := range m.trusted {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].Key < peers[j].Key })
	return peers
}

// AppendBlock stores a replicated block and returns its content digest.
func (m *Mirror) AppendBlock(data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return "", ErrNotRunning
	}
	digest, err := m.store.Append(data)
	if err != nil {
		return "", err
	}
	met := observability.MirrorMetrics()
	met.BlocksStored.Inc()
	met.BytesAllocated.Set(float64(m.store.BytesAllocated()))
	return digest, nil
}

// ReadBlock fetches a block by content digest.
func (m *Mirror) ReadBlock(digest string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil, ErrNotRunning
	}
	data, err := m.store.Read(digest)
	if err != nil {
		return nil, err
	}
	observability.MirrorMetrics().BlocksServed.Inc()
	return data, nil
}

// PublicKey returns the node identity key, empty until started.
func (m *Mirror) PublicKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.publicKey
}

// ReplicationTopic names the swarm topic workers replicate against.
func (m *Mirror) ReplicationTopic() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publicKey == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("hypertuna/replication/" + m.publicKey))
	return hex.EncodeToString(sum[:])
}

// OwnerDetail groups the followed cores attributed to one owner key.
type OwnerDetail struct {
	Owner     string   `json:"owner"`
	CoreCount int      `json:"coreCount"`
	Cores     []string `json:"cores,omitempty"`
}

// OwnerDetails breaks the followed cores down by the referrer recorded when
// mirroring began. maxOwners and maxCoresPerOwner bound the answer; cores
// without a referrer land under "unattributed".
func (m *Mirror) OwnerDetails(maxOwners, maxCoresPerOwner int) []OwnerDetail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	follows, err := m.store.Follows()
	if err != nil {
		m.logger.Warn("listing followed cores failed", slog.String("error", err.Error()))
		return nil
	}

	byOwner := make(map[string][]string)
	for _, f := range follows {
		owner := f.Opts.Referrer
		if owner == "" {
			owner = "unattributed"
		}
		byOwner[owner] = append(byOwner[owner], f.Key)
	}
	owners := make([]string, 0, len(byOwner))
	for owner := range byOwner {
		owners = append(owners, owner)
	}
	sort.Strings(owners)
	if maxOwners > 0 && len(owners) > maxOwners {
		owners = owners[:maxOwners]
	}

	out := make([]OwnerDetail, 0, len(owners))
	for _, owner := range owners {
		cores := byOwner[owner]
		sort.Strings(cores)
		detail := OwnerDetail{Owner: owner, CoreCount: len(cores)}
		if maxCoresPerOwner > 0 && len(cores) > maxCoresPerOwner {
			cores = cores[:maxCoresPerOwner]
		}
		detail.Cores = cores
		out = append(out, detail)
	}
	return out
}

// GetStatus reports the mirror state. Disabled or stopped nodes answer
// inactive with whatever metadata is known.
func (m *Mirror) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{
		Status:           StatusInactive,
		Enabled:          m.cfg.Enabled,
		Running:          m.running,
		TrustedPeerCount: len(m.trusted),
		StorageDir:       m.cfg.StorageDir,
		PublicKey:        m.publicKey,
		EncryptionKey:    m.encryption,
		TrustedPeers:     m.trustedSliceLocked(),
	}
	if m.running {
		st.Status = StatusActive
		st.Digest = m.store.Digest()
		st.MirroredCores = m.store.FollowedCount()
		st.BytesAllocated = m.store.BytesAllocated()
	}
	return st
}
