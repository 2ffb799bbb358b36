package discovery

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"hypertuna/observability"
)

const (
	defaultRefreshInterval = 30 * time.Second
	defaultTTL             = 60 * time.Second
)

// Swarm joins a rendezvous topic and hands inbound probe streams to the
// handler. Leave by closing the returned membership.
type Swarm interface {
	Join(topic [32]byte, handler func(conn net.Conn)) (Membership, error)
}

// Membership is an active topic subscription.
type Membership interface {
	Addr() string
	Close() error
}

// Config carries the advertiser settings.
type Config struct {
	Enabled             bool
	OpenAccess          bool
	GatewayID           string
	PublicURL           string
	WsURL               string
	SecretURL           string
	SharedSecret        string
	SharedSecretVersion int
	DisplayName         string
	Region              string
	// KeySeed derives a deterministic signing key; empty means random.
	KeySeed         string
	RefreshInterval time.Duration
	TTL             time.Duration
}

// Advertiser maintains a signed announcement and serves it to probes on the
// discovery topic. The cached frame is replaced atomically on refresh.
type Advertiser struct {
	cfg    Config
	swarm  Swarm
	logger *slog.Logger
	nowFn  func() time.Time

	key ed25519.PrivateKey

	mu       sync.Mutex
	frame    []byte
	cachedAt time.Time

	membership Membership
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewAdvertiser builds an advertiser. The signing key comes from the seed
// when one is set, so a restarted gateway keeps its announcement identity.
func NewAdvertiser(cfg Config, swarm Swarm, logger *slog.Logger) (*Advertiser, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}

	var key ed25519.PrivateKey
	if seed := strings.TrimSpace(cfg.KeySeed); seed != "" {
		sum := sha256.Sum256([]byte(seed))
		key = ed25519.NewKeyFromSeed(sum[:])
	} else {
		var err error
		_, key, err = ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("discovery: signing key: %w", err)
		}
	}

	return &Advertiser{
		cfg:    cfg,
		swarm:  swarm,
		logger: logger.With(slog.String("component", "discovery")),
		nowFn:  time.Now,
		key:    key,
	}, nil
}

// Active reports whether the gateway advertises at all.
func (a *Advertiser) Active() bool {
	return a.cfg.Enabled && a.cfg.OpenAccess
}

// SignatureKey returns the hex public signing key.
func (a *Advertiser) SignatureKey() string {
	return hex.EncodeToString(a.key.Public().(ed25519.PublicKey))
}

// Start joins the topic and begins the refresh loop. Gateways that are
// disabled or not open-access never join.
func (a *Advertiser) Start() error {
	if !a.Active() {
		a.logger.Info("discovery advertising disabled",
			slog.Bool("enabled", a.cfg.Enabled),
			slog.Bool("open_access", a.cfg.OpenAccess))
		return nil
	}
	if _, err := a.rebuild(); err != nil {
		return err
	}
	membership, err := a.swarm.Join(Topic, a.serveProbe)
	if err != nil {
		return fmt.Errorf("discovery: join topic: %w", err)
	}
	a.membership = membership

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	go a.refreshLoop(ctx)

	a.logger.Info("discovery advertising started",
		slog.String("addr", membership.Addr()),
		slog.String("gateway_id", a.cfg.GatewayID))
	return nil
}

// Stop leaves the topic and halts the refresh loop.
func (a *Advertiser) Stop() error {
	if a.cancel != nil {
		a.cancel()
		<-a.done
		a.cancel = nil
	}
	if a.membership != nil {
		err := a.membership.Close()
		a.membership = nil
		return err
	}
	return nil
}

func (a *Advertiser) refreshLoop(ctx context.Context) {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.rebuild(); err != nil {
				observability.DiscoveryMetrics().RebuildErrors.Inc()
				a.logger.Error("announcement rebuild failed", slog.String("error", err.Error()))
			}
		}
	}
}

// rebuild signs a fresh announcement and swaps the cached frame.
func (a *Advertiser) rebuild() ([]byte, error) {
	ann := Announcement{
		GatewayID:           a.cfg.GatewayID,
		Timestamp:           a.nowFn().UnixMilli(),
		TTL:                 int64(a.cfg.TTL / time.Second),
		PublicURL:           a.cfg.PublicURL,
		WsURL:               a.cfg.WsURL,
		SecretURL:           a.cfg.SecretURL,
		SecretHash:          SecretHash(a.cfg.SharedSecret),
		OpenAccess:          a.cfg.OpenAccess,
		SharedSecretVersion: a.cfg.SharedSecretVersion,
		DisplayName:         a.cfg.DisplayName,
		Region:              a.cfg.Region,
		ProtocolVersion:     ProtocolVersion,
	}
	if err := ann.Sign(a.key); err != nil {
		return nil, err
	}
	frame, err := EncodeFrame(ann)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.frame = frame
	a.cachedAt = a.nowFn()
	a.mu.Unlock()
	observability.DiscoveryMetrics().Announcements.Inc()
	return frame, nil
}

// currentFrame serves the cache when it is fresher than half the refresh
// interval, rebuilding otherwise.
func (a *Advertiser) currentFrame() ([]byte, bool, error) {
	a.mu.Lock()
	frame := a.frame
	age := a.nowFn().Sub(a.cachedAt)
	a.mu.Unlock()
	if frame != nil && age < a.cfg.RefreshInterval/2 {
		return frame, true, nil
	}
	fresh, err := a.rebuild()
	return fresh, false, err
}

func (a *Advertiser) serveProbe(conn net.Conn) {
	defer conn.Close()
	frame, cached, err := a.currentFrame()
	if err != nil {
		a.logger.Error("probe rebuild failed", slog.String("error", err.Error()))
		return
	}
	source := "fresh"
	if cached {
		source = "cached"
	}
	observability.DiscoveryMetrics().ProbesServed.WithLabelValues(source).Inc()
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write(frame); err != nil {
		a.logger.Debug("probe write failed", slog.String("error", err.Error()))
	}
}

// SecretHash hides the shared secret behind sha256 so clients can confirm
// possession without the gateway ever revealing it.
func SecretHash(sharedSecret string) string {
	if sharedSecret == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sharedSecret))
	return hex.EncodeToString(sum[:])
}
