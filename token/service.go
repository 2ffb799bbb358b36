// Package token issues and verifies the opaque bearer tokens that gate
// relay access through the public edge.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"hypertuna/observability"
	"hypertuna/observability/logging"
)

const (
	tokenBytes           = 16 // 128-bit opaque tokens
	defaultTTL           = time.Hour
	refreshWindowFrac    = 5 // refresh window is TTL/5 (20%)
	minRefreshWindow     = 500 * time.Millisecond
	recordKeyspacePrefix = "token:"
)

// Verification reason slugs. Closed vocabulary so callers can map them to
// HTTP errors directly.
const (
	ReasonUnknown          = "unknown"
	ReasonExpired          = "expired"
	ReasonRevoked          = "revoked"
	ReasonSequenceMismatch = "sequence-mismatch"
)

var (
	// ErrUnauthorized covers wrong tokens and sequence mismatches on refresh.
	ErrUnauthorized = errors.New("token: unauthorized")
	// ErrUnknownSubject indicates no token state exists for the subject.
	ErrUnknownSubject = errors.New("token: unknown subject")
)

// Record is the persisted token state for one subject.
type Record struct {
	Token          string     `json:"token"`
	SubjectID      string     `json:"subjectId"`
	PubKey         string     `json:"pubkey,omitempty"`
	Scope          string     `json:"scope,omitempty"`
	RelayAuthToken string     `json:"relayAuthToken,omitempty"`
	Sequence       uint64     `json:"sequence"`
	IssuedAt       time.Time  `json:"issuedAt"`
	ExpiresAt      time.Time  `json:"expiresAt"`
	RefreshAfter   time.Time  `json:"refreshAfter"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
	IssuedBy       string     `json:"issuedBy,omitempty"`
}

// IssueOptions customises a newly issued token.
type IssueOptions struct {
	Scope          string
	TTL            time.Duration
	IssuedBy       string
	PubKey         string
	RelayAuthToken string
}

// RefreshOptions carries the caller's proof for a refresh.
type RefreshOptions struct {
	Token        string
	Sequence     uint64
	RequestedTTL time.Duration
}

// Issued is the caller-visible result of issue/refresh.
type Issued struct {
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expiresAt"`
	RefreshAfter time.Time `json:"refreshAfter"`
	Sequence     uint64    `json:"sequence"`
}

// Verification is the outcome of a token lookup.
type Verification struct {
	Valid     bool      `json:"valid"`
	SubjectID string    `json:"peerId,omitempty"`
	Scope     string    `json:"scope,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// RevocationBroadcaster propagates revocations to sibling gateway instances.
type RevocationBroadcaster interface {
	TokenRevoked(subjectID, reason string)
}

// Service owns all token state. Verification is an in-memory lookup; state
// changes are written through to LevelDB so restarts keep sequences
// monotonic.
type Service struct {
	logger      *slog.Logger
	db          *leveldb.DB
	broadcaster RevocationBroadcaster
	nowFn       func() time.Time

	mu        sync.Mutex
	bySubject map[string]*Record
	byToken   map[string]string // every issued token -> subject, incl. superseded
}

// NewService opens (or reuses) token state at the supplied LevelDB handle.
// The db may be nil for purely in-memory operation (tests).
func NewService(db *leveldb.DB, broadcaster RevocationBroadcaster, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger:      logger.With(slog.String("component", "token_service")),
		db:          db,
		broadcaster: broadcaster,
		nowFn:       time.Now,
		bySubject:   make(map[string]*Record),
		byToken:     make(map[string]string),
	}
	if db != nil {
		if err := s.hydrate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) hydrate() error {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(recordKeyspacePrefix)), nil)
	defer iter.Release()
	for iter.Next() {
		var rec Record
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return fmt.Errorf("token: decode record %s: %w", iter.Key(), err)
		}
		stored := rec
		s.bySubject[rec.SubjectID] = &stored
		s.byToken[rec.Token] = rec.SubjectID
	}
	return iter.Error()
}

// Issue creates a fresh token for the subject. Issuing again without a
// revoke supersedes the previous token and bumps the sequence.
func (s *Service) Issue(subjectID string, opts IssueOptions) (Issued, error) {
	if strings.TrimSpace(subjectID) == "" {
		return Issued{}, errors.New("token: subject required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	tok, err := generateToken()
	if err != nil {
		return Issued{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFn()
	var sequence uint64 = 1
	if prev, ok := s.bySubject[subjectID]; ok {
		sequence = prev.Sequence + 1
	}
	rec := &Record{
		Token:          tok,
		SubjectID:      subjectID,
		PubKey:         opts.PubKey,
		Scope:          opts.Scope,
		RelayAuthToken: opts.RelayAuthToken,
		Sequence:       sequence,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
		IssuedBy:       opts.IssuedBy,
	}
	rec.RefreshAfter = rec.ExpiresAt.Add(-refreshWindow(ttl))

	if err := s.persistLocked(rec); err != nil {
		return Issued{}, err
	}
	s.bySubject[subjectID] = rec
	s.byToken[tok] = subjectID
	s.logger.Info("token issued",
		slog.String("subject", subjectID),
		slog.String("scope", rec.Scope),
		logging.MaskField("token", rec.Token),
		slog.Uint64("sequence", rec.Sequence))
	return Issued{Token: rec.Token, ExpiresAt: rec.ExpiresAt, RefreshAfter: rec.RefreshAfter, Sequence: rec.Sequence}, nil
}

// Refresh rotates the subject's token. It succeeds only when the presented
// token matches the current record and the sequence is current; failed
// refreshes never mutate state.
func (s *Service) Refresh(subjectID string, opts RefreshOptions) (Issued, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.bySubject[subjectID]
	if !ok {
		return Issued{}, ErrUnknownSubject
	}
	if rec.Token != opts.Token || rec.Sequence != opts.Sequence {
		return Issued{}, ErrUnauthorized
	}
	ttl := opts.RequestedTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	tok, err := generateToken()
	if err != nil {
		return Issued{}, err
	}
	now := s.nowFn()
	next := &Record{
		Token:          tok,
		SubjectID:      subjectID,
		PubKey:         rec.PubKey,
		Scope:          rec.Scope,
		RelayAuthToken: rec.RelayAuthToken,
		Sequence:       rec.Sequence + 1,
		IssuedAt:       now,
		ExpiresAt:      now.Add(ttl),
		IssuedBy:       rec.IssuedBy,
	}
	next.RefreshAfter = next.ExpiresAt.Add(-refreshWindow(ttl))

	if err := s.persistLocked(next); err != nil {
		return Issued{}, err
	}
	s.bySubject[subjectID] = next
	s.byToken[tok] = subjectID
	s.logger.Info("token refreshed",
		slog.String("subject", subjectID),
		logging.MaskField("token", next.Token),
		slog.Uint64("sequence", next.Sequence))
	return Issued{Token: next.Token, ExpiresAt: next.ExpiresAt, RefreshAfter: next.RefreshAfter, Sequence: next.Sequence}, nil
}

// Revoke marks the subject's token revoked. With broadcast set, sibling
// gateways are notified through the configured broadcaster.
func (s *Service) Revoke(subjectID, reason string, broadcast bool) error {
	s.mu.Lock()
	rec, ok := s.bySubject[subjectID]
	if !ok {
		s.mu.Unlock()
		return ErrUnknownSubject
	}
	now := s.nowFn()
	rec.RevokedAt = &now
	err := s.persistLocked(rec)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	observability.TokenMetrics().Revoked.Inc()
	s.logger.Info("token revoked", slog.String("subject", subjectID), slog.String("reason", reason))
	if broadcast && s.broadcaster != nil {
		s.broadcaster.TokenRevoked(subjectID, reason)
	}
	return nil
}

// Verify resolves a bearer token. It is an O(1) in-memory lookup.
func (s *Service) Verify(tok string) Verification {
	v := s.verify(tok)
	outcome := "valid"
	if !v.Valid {
		outcome = v.Reason
	}
	observability.TokenMetrics().VerifyTotal.WithLabelValues(outcome).Inc()
	return v
}

func (s *Service) verify(tok string) Verification {
	s.mu.Lock()
	defer s.mu.Unlock()

	subject, ok := s.byToken[tok]
	if !ok {
		return Verification{Reason: ReasonUnknown}
	}
	rec, ok := s.bySubject[subject]
	if !ok {
		return Verification{Reason: ReasonUnknown}
	}
	if rec.Token != tok {
		return Verification{SubjectID: subject, Reason: ReasonSequenceMismatch}
	}
	if rec.RevokedAt != nil {
		return Verification{SubjectID: subject, Reason: ReasonRevoked}
	}
	if !s.nowFn().Before(rec.ExpiresAt) {
		return Verification{SubjectID: subject, Reason: ReasonExpired}
	}
	return Verification{Valid: true, SubjectID: subject, Scope: rec.Scope, ExpiresAt: rec.ExpiresAt}
}

// Lookup returns the current record for a subject without the secret-ish
// relay auth token.
func (s *Service) Lookup(subjectID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.bySubject[subjectID]
	if !ok {
		return Record{}, false
	}
	clone := *rec
	clone.RelayAuthToken = ""
	return clone, true
}

func (s *Service) persistLocked(rec *Record) error {
	if s.db == nil {
		return nil
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("token: encode record: %w", err)
	}
	if err := s.db.Put([]byte(recordKeyspacePrefix+rec.SubjectID), blob, nil); err != nil {
		return fmt.Errorf("token: persist record: %w", err)
	}
	return nil
}

func refreshWindow(ttl time.Duration) time.Duration {
	window := ttl / refreshWindowFrac
	if window < minRefreshWindow {
		window = minRefreshWindow
	}
	return window
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("token: entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
