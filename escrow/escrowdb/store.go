// Package escrowdb persists escrow deposits and lease history in SQL. The
// default backend is an embedded SQLite file; a postgres:// URL (or the
// POSTGRES_* variables) switches to PostgreSQL.
package escrowdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"hypertuna/escrow"
)

// ErrDepositNotFound indicates an unknown escrow identifier.
var ErrDepositNotFound = errors.New("escrowdb: deposit not found")

// Store wraps the escrow SQL database.
type Store struct {
	db       *sql.DB
	postgres bool
}

// Open connects using the supplied database URL. Empty URLs fall back to the
// environment: ESCROW_DATABASE_URL first, then a URL composed from
// POSTGRES_USER/PASSWORD/DB, then an on-disk SQLite file.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		databaseURL = urlFromEnv()
	}
	driver, dsn, postgres, err := resolveDriver(databaseURL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("escrowdb: open %s: %w", driver, err)
	}
	store := &Store{db: db, postgres: postgres}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func urlFromEnv() string {
	if raw := strings.TrimSpace(os.Getenv("ESCROW_DATABASE_URL")); raw != "" {
		return raw
	}
	user := strings.TrimSpace(os.Getenv("POSTGRES_USER"))
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := strings.TrimSpace(os.Getenv("POSTGRES_DB"))
	if user != "" && name != "" {
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(user, pass),
			Host:   "localhost:5432",
			Path:   "/" + name,
		}
		q := u.Query()
		q.Set("sslmode", "disable")
		u.RawQuery = q.Encode()
		return u.String()
	}
	return "escrow.db"
}

func resolveDriver(databaseURL string) (driver, dsn string, postgres bool, err error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres", databaseURL, true, nil
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(databaseURL, "sqlite://"), false, nil
	case databaseURL == "":
		return "", "", false, errors.New("escrowdb: empty database URL")
	default:
		// Bare paths are treated as SQLite files.
		return "sqlite", databaseURL, false, nil
	}
}

// rebind rewrites ? placeholders to $n for the postgres driver.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Deposit is the persisted record of a sealed writer-key deposit.
type Deposit struct {
	EscrowID           string
	OwnerPeerKey       string
	SealedPayload      string
	RecipientPublicKey string
	Policy             string
	DepositedAt        time.Time
	Status             escrow.DepositStatus
}

// SaveDeposit inserts or replaces a deposit record.
func (s *Store) SaveDeposit(ctx context.Context, dep Deposit) error {
	if dep.Status == "" {
		dep.Status = escrow.DepositStatusDeposited
	}
	if dep.DepositedAt.IsZero() {
		dep.DepositedAt = time.Now().UTC()
	}
	const stmt = `INSERT INTO escrow_deposits(escrow_id, owner_peer_key, sealed_payload, recipient_public_key, policy, deposited_at, status)
        VALUES (?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(escrow_id) DO UPDATE SET
            owner_peer_key = excluded.owner_peer_key,
            sealed_payload = excluded.sealed_payload,
            recipient_public_key = excluded.recipient_public_key,
            policy = excluded.policy,
            status = excluded.status`
	_, err := s.db.ExecContext(ctx, s.rebind(stmt),
		dep.EscrowID, dep.OwnerPeerKey, dep.SealedPayload, dep.RecipientPublicKey, dep.Policy, dep.DepositedAt, string(dep.Status))
	return err
}

// GetDeposit fetches a deposit by escrow id.
func (s *Store) GetDeposit(ctx context.Context, escrowID string) (Deposit, error) {
	const query = `SELECT escrow_id, owner_peer_key, sealed_payload, recipient_public_key, policy, deposited_at, status
        FROM escrow_deposits WHERE escrow_id = ?`
	row := s.db.QueryRowContext(ctx, s.rebind(query), escrowID)
	var dep Deposit
	var status string
	err := row.Scan(&dep.EscrowID, &dep.OwnerPeerKey, &dep.SealedPayload, &dep.RecipientPublicKey, &dep.Policy, &dep.DepositedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return Deposit{}, ErrDepositNotFound
	}
	if err != nil {
		return Deposit{}, err
	}
	dep.Status = escrow.DepositStatus(status)
	return dep, nil
}

// UpdateDepositStatus moves a deposit through its lifecycle. Invalid
// transitions (from a terminal status) are rejected.
func (s *Store) UpdateDepositStatus(ctx context.Context, escrowID string, status escrow.DepositStatus) error {
	dep, err := s.GetDeposit(ctx, escrowID)
	if err != nil {
		return err
	}
	if dep.Status == escrow.DepositStatusRevoked || dep.Status == escrow.DepositStatusExpired {
		return fmt.Errorf("escrowdb: deposit %s already %s", escrowID, dep.Status)
	}
	const stmt = `UPDATE escrow_deposits SET status = ? WHERE escrow_id = ?`
	res, err := s.db.ExecContext(ctx, s.rebind(stmt), string(status), escrowID)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrDepositNotFound
	}
	return nil
}

// ListDepositsByStatus returns deposits in the given lifecycle state.
func (s *Store) ListDepositsByStatus(ctx context.Context, status escrow.DepositStatus) ([]Deposit, error) {
	const query = `SELECT escrow_id, owner_peer_key, sealed_payload, recipient_public_key, policy, deposited_at, status
        FROM escrow_deposits WHERE status = ? ORDER BY deposited_at`
	rows, err := s.db.QueryContext(ctx, s.rebind(query), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Deposit
	for rows.Next() {
		var dep Deposit
		var st string
		if err := rows.Scan(&dep.EscrowID, &dep.OwnerPeerKey, &dep.SealedPayload, &dep.RecipientPublicKey, &dep.Policy, &dep.DepositedAt, &st); err != nil {
			return nil, err
		}
		dep.Status = escrow.DepositStatus(st)
		out = append(out, dep)
	}
	return out, rows.Err()
}

// RecordLease appends a lease to the history table. Writer keys are never
// persisted; only the payload digest is.
func (s *Store) RecordLease(ctx context.Context, lease escrow.Lease) error {
	const stmt = `INSERT INTO escrow_leases(lease_id, escrow_id, relay_key, requester_id, owner_peer_key, issued_at, expires_at, payload_digest)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(lease_id) DO UPDATE SET expires_at = excluded.expires_at`
	_, err := s.db.ExecContext(ctx, s.rebind(stmt),
		lease.LeaseID, lease.EscrowID, lease.RelayKey, lease.RequesterID, lease.OwnerPeerKey,
		lease.IssuedAt.UTC(), lease.ExpiresAt.UTC(), lease.PayloadDigest)
	return err
}

// MarkLeaseReleased stamps the release time and reason on a lease row.
func (s *Store) MarkLeaseReleased(ctx context.Context, leaseID, reason string, releasedAt time.Time) error {
	const stmt = `UPDATE escrow_leases SET released_at = ?, release_reason = ? WHERE lease_id = ?`
	_, err := s.db.ExecContext(ctx, s.rebind(stmt), releasedAt.UTC(), reason, leaseID)
	return err
}

// ActiveLeases returns lease rows without a release stamp.
func (s *Store) ActiveLeases(ctx context.Context) ([]escrow.Lease, error) {
	const query = `SELECT lease_id, escrow_id, relay_key, requester_id, owner_peer_key, issued_at, expires_at, payload_digest
        FROM escrow_leases WHERE released_at IS NULL ORDER BY issued_at`
	rows, err := s.db.QueryContext(ctx, s.rebind(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []escrow.Lease
	for rows.Next() {
		var lease escrow.Lease
		var owner, digest sql.NullString
		if err := rows.Scan(&lease.LeaseID, &lease.EscrowID, &lease.RelayKey, &lease.RequesterID, &owner, &lease.IssuedAt, &lease.ExpiresAt, &digest); err != nil {
			return nil, err
		}
		lease.OwnerPeerKey = owner.String
		lease.PayloadDigest = digest.String
		out = append(out, lease)
	}
	return out, rows.Err()
}
