package escrowdb

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// migration pairs a unique lexicographically-ordered name with its DDL.
// Each migration is applied inside its own transaction and recorded in
// escrow_migrations so reruns are no-ops.
type migration struct {
	name       string
	statements []string
}

var migrations = []migration{
	{
		name: "0001_escrow_deposits",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS escrow_deposits (
                escrow_id TEXT PRIMARY KEY,
                owner_peer_key TEXT NOT NULL,
                sealed_payload TEXT NOT NULL,
                recipient_public_key TEXT NOT NULL,
                policy TEXT,
                deposited_at TIMESTAMP NOT NULL,
                status TEXT NOT NULL
            )`,
		},
	},
	{
		name: "0002_escrow_leases",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS escrow_leases (
                lease_id TEXT PRIMARY KEY,
                escrow_id TEXT NOT NULL,
                relay_key TEXT NOT NULL,
                requester_id TEXT NOT NULL,
                owner_peer_key TEXT,
                issued_at TIMESTAMP NOT NULL,
                expires_at TIMESTAMP NOT NULL,
                payload_digest TEXT,
                released_at TIMESTAMP,
                release_reason TEXT
            )`,
			`CREATE INDEX IF NOT EXISTS idx_escrow_leases_escrow ON escrow_leases(escrow_id)`,
			`CREATE INDEX IF NOT EXISTS idx_escrow_leases_relay ON escrow_leases(relay_key)`,
		},
	},
	{
		name: "0003_deposit_status_index",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_escrow_deposits_status ON escrow_deposits(status)`,
		},
	},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(
		`CREATE TABLE IF NOT EXISTS escrow_migrations (
            name TEXT PRIMARY KEY,
            applied_at TIMESTAMP NOT NULL
        )`)); err != nil {
		return fmt.Errorf("escrowdb: create migrations table: %w", err)
	}

	ordered := make([]migration, len(migrations))
	copy(ordered, migrations)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].name < ordered[j].name })

	for _, m := range ordered {
		applied, err := s.migrationApplied(ctx, m.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return fmt.Errorf("escrowdb: apply migration %s: %w", m.name, err)
		}
	}
	return nil
}

func (s *Store) migrationApplied(ctx context.Context, name string) (bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM escrow_migrations WHERE name = ?`), name)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("escrowdb: check migration %s: %w", name, err)
	}
	return true, nil
}

func (s *Store) applyMigration(ctx context.Context, m migration) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range m.statements {
		if _, err := tx.ExecContext(ctx, s.rebind(stmt)); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, s.rebind(
		`INSERT INTO escrow_migrations(name, applied_at) VALUES (?, ?)`), m.name, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}
