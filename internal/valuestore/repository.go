package valuestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/FdxDelveloper/iot-walkthrough/internal/infrastructure/database"
)

// Repository persists store entries so they survive a restart.
type Repository interface {
	// Load returns every persisted entry.
	Load(ctx context.Context) (map[string]Entry, error)

	// Save upserts the values of one change.
	Save(ctx context.Context, c Change) error
}

// SQLiteRepository implements Repository on the bridge_values table.
type SQLiteRepository struct {
	db *database.DB
}

// NewSQLiteRepository creates a repository over an open, migrated database.
func NewSQLiteRepository(db *database.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Load returns every persisted entry. Rows that no longer decode are skipped.
func (r *SQLiteRepository) Load(ctx context.Context) (map[string]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, kind, value, origin, updated_at FROM bridge_values`)
	if err != nil {
		return nil, fmt.Errorf("querying bridge values: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]Entry)
	for rows.Next() {
		var key, kind, text, origin, updatedAt string
		if err := rows.Scan(&key, &kind, &text, &origin, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning bridge value: %w", err)
		}
		v, err := Decode(Kind(kind), text)
		if err != nil {
			continue
		}
		at, _ := time.Parse(time.RFC3339Nano, updatedAt) //nolint:errcheck // written by Save
		entries[key] = Entry{Value: v, Origin: origin, UpdatedAt: at}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating bridge values: %w", err)
	}
	return entries, nil
}

// Save upserts the values of c in one transaction.
func (r *SQLiteRepository) Save(ctx context.Context, c Change) error {
	at := c.At.UTC().Format(time.RFC3339Nano)

	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO bridge_values (key, kind, value, origin, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				kind = excluded.kind,
				value = excluded.value,
				origin = excluded.origin,
				updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("preparing upsert: %w", err)
		}
		defer stmt.Close()

		for key, v := range c.Values {
			kind, text, err := Encode(v)
			if err != nil {
				return err
			}
			if _, err := stmt.ExecContext(ctx, key, string(kind), text, c.Origin, at); err != nil {
				return fmt.Errorf("saving %q: %w", key, err)
			}
		}
		return nil
	})
}

// Restore loads persisted entries into the store without notifying
// observers. Keys already present in the store are left alone.
func (s *Store) Restore(ctx context.Context, repo Repository) (int, error) {
	entries, err := repo.Load(ctx)
	if err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range entries {
		if _, ok := s.entries[k]; ok {
			continue
		}
		s.entries[k] = e
		n++
	}
	return n, nil
}

// Persist saves every future write to repo, so a rewritten key's origin and
// time survive a restart too. Save failures are logged; the in-memory store
// stays authoritative. Unsubscribe the result to stop.
func (s *Store) Persist(ctx context.Context, repo Repository) *Subscription {
	return s.ObserveWrites(func(c Change) {
		if err := repo.Save(ctx, c); err != nil {
			s.logger.Error("persisting bridge values failed", "keys", len(c.Values), "error", err)
		}
	})
}
