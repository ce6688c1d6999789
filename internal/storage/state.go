// Package storage keeps JSON documents in SQLite, grouped by kind. Group
// definitions and the persisted runtime state of each group live here.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store reads and writes JSON payloads keyed by (kind, id).
// Writes are serialized; the last write for a key wins.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// NewStore creates a store on an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get returns the payload stored for (kind, id). found is false if there is none.
func (s *Store) Get(kind, id string) (payload []byte, found bool, err error) {
	var raw string
	err = s.db.QueryRow(`SELECT payload FROM resource_state WHERE kind = ? AND id = ?`, kind, id).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("failed to read %s/%s: %w", kind, id, err)
	}
	return []byte(raw), true, nil
}

// Set stores payload for (kind, id), replacing any previous payload.
func (s *Store) Set(kind, id string, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO resource_state (kind, id, payload, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at
	`, kind, id, string(payload), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", kind, id, err)
	}

	log.Debug().Str("kind", kind).Str("id", id).Int("bytes", len(payload)).Msg("Stored state")
	return nil
}

// Delete removes (kind, id) and reports whether anything was stored.
func (s *Store) Delete(kind, id string) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`DELETE FROM resource_state WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete %s/%s: %w", kind, id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Clear removes every entry of kind.
func (s *Store) Clear(kind string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.Exec(`DELETE FROM resource_state WHERE kind = ?`, kind)
	if err != nil {
		return fmt.Errorf("failed to clear %s: %w", kind, err)
	}
	n, _ := res.RowsAffected()
	log.Debug().Str("kind", kind).Int64("entries", n).Msg("Cleared state")
	return nil
}

// List returns every payload of kind keyed by id.
func (s *Store) List(kind string) (map[string][]byte, error) {
	rows, err := s.db.Query(`SELECT id, payload FROM resource_state WHERE kind = ?`, kind)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		out[id] = []byte(raw)
	}
	return out, rows.Err()
}
