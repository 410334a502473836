// Package server implements zmesd: the signaling store served over
// WebSocket, plus the user roster the clients resolve display info from.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/DARK-V-98/zmes/internal/directory"
	"github.com/DARK-V-98/zmes/internal/signal"
)

// Store is the server-side signaling channel: a signal.Memory hub for live
// watch semantics with every mutation written through to sqlite. Durability
// only covers a zmesd restart mid-ring — records are still deleted the
// moment a call ends, so no call history accumulates.
type Store struct {
	mem *signal.Memory
	db  *sql.DB
}

var _ signal.Channel = (*Store)(nil)

// Open opens (or creates) the database under dataDir and reloads any call
// records that survived a restart.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, "zmesd.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			id        TEXT PRIMARY KEY,
			caller_id TEXT NOT NULL,
			callee_id TEXT NOT NULL,
			type      TEXT NOT NULL,
			offer     TEXT,
			answer    TEXT
		);
		CREATE TABLE IF NOT EXISTS candidates (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id   TEXT NOT NULL REFERENCES calls(id) ON DELETE CASCADE,
			direction TEXT NOT NULL,
			payload   TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS candidates_call ON candidates (call_id, direction);
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			avatar_url   TEXT NOT NULL DEFAULT ''
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{mem: signal.NewMemory(), db: db}
	if err := s.reload(); err != nil {
		db.Close()
		return nil, fmt.Errorf("reload call records: %w", err)
	}
	return s, nil
}

// Close stops the watch hub and closes the database.
func (s *Store) Close() error {
	s.mem.Close()
	return s.db.Close()
}

func (s *Store) reload() error {
	rows, err := s.db.Query(`SELECT id, caller_id, callee_id, type, offer, answer FROM calls`)
	if err != nil {
		return err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var rec signal.CallRecord
		var offer, answer sql.NullString
		if err := rows.Scan(&rec.ID, &rec.CallerID, &rec.CalleeID, &rec.Type, &offer, &answer); err != nil {
			return err
		}
		if rec.Offer, err = decodeDescription(offer); err != nil {
			return err
		}
		if rec.Answer, err = decodeDescription(answer); err != nil {
			return err
		}

		cands, err := s.loadCandidates(rec.ID)
		if err != nil {
			return err
		}
		s.mem.Restore(rec, cands)
		n++
	}
	if n > 0 {
		log.Info().Int("records", n).Msg("store: reloaded surviving call records")
	}
	return rows.Err()
}

func (s *Store) loadCandidates(callID string) (map[signal.Direction][]json.RawMessage, error) {
	rows, err := s.db.Query(
		`SELECT direction, payload FROM candidates WHERE call_id = ? ORDER BY id`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[signal.Direction][]json.RawMessage)
	for rows.Next() {
		var dir signal.Direction
		var payload string
		if err := rows.Scan(&dir, &payload); err != nil {
			return nil, err
		}
		out[dir] = append(out[dir], json.RawMessage(payload))
	}
	return out, rows.Err()
}

func decodeDescription(v sql.NullString) (*signal.Description, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var d signal.Description
	if err := json.Unmarshal([]byte(v.String), &d); err != nil {
		return nil, fmt.Errorf("decode description: %w", err)
	}
	return &d, nil
}

func encodeDescription(d *signal.Description) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// Create implements signal.Channel.
func (s *Store) Create(ctx context.Context, rec signal.CallRecord) (string, error) {
	id, err := s.mem.Create(ctx, rec)
	if err != nil {
		return "", err
	}
	offer, err := encodeDescription(rec.Offer)
	if err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, caller_id, callee_id, type, offer) VALUES (?, ?, ?, ?, ?)`,
		id, rec.CallerID, rec.CalleeID, string(rec.Type), offer,
	); err != nil {
		// The live hub already accepted the record; losing only durability
		// is preferable to failing the call.
		log.Error().Err(err).Str("call_id", id).Msg("store: persist call record")
	}
	return id, nil
}

// SetAnswer implements signal.Channel.
func (s *Store) SetAnswer(ctx context.Context, id string, answer signal.Description) error {
	if err := s.mem.SetAnswer(ctx, id, answer); err != nil {
		return err
	}
	enc, err := encodeDescription(&answer)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE calls SET answer = ? WHERE id = ?`, enc, id); err != nil {
		log.Error().Err(err).Str("call_id", id).Msg("store: persist answer")
	}
	return nil
}

// AppendCandidate implements signal.Channel.
func (s *Store) AppendCandidate(ctx context.Context, id string, dir signal.Direction, candidate json.RawMessage) error {
	if err := s.mem.AppendCandidate(ctx, id, dir, candidate); err != nil {
		return err
	}
	// Replay order is insertion order; the autoincrement rowid records it
	// without a per-call counter that concurrent appends could collide on.
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates (call_id, direction, payload) VALUES (?, ?, ?)`,
		id, string(dir), string(candidate),
	); err != nil {
		log.Error().Err(err).Str("call_id", id).Msg("store: persist candidate")
	}
	return nil
}

// Delete implements signal.Channel.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.mem.Delete(ctx, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM calls WHERE id = ?`, id); err != nil {
		log.Error().Err(err).Str("call_id", id).Msg("store: delete call record")
	}
	return nil
}

// Watch implements signal.Channel.
func (s *Store) Watch(ctx context.Context, id string, fn func(signal.CallRecord)) (signal.Unsubscribe, error) {
	return s.mem.Watch(ctx, id, fn)
}

// WatchIncoming implements signal.Channel.
func (s *Store) WatchIncoming(ctx context.Context, calleeID string, fn func(signal.CallRecord)) (signal.Unsubscribe, error) {
	return s.mem.WatchIncoming(ctx, calleeID, fn)
}

// WatchCandidates implements signal.Channel.
func (s *Store) WatchCandidates(ctx context.Context, id string, dir signal.Direction, fn func(json.RawMessage)) (signal.Unsubscribe, error) {
	return s.mem.WatchCandidates(ctx, id, dir, fn)
}

// WatchDeleted implements signal.Channel.
func (s *Store) WatchDeleted(ctx context.Context, id string, fn func()) (signal.Unsubscribe, error) {
	return s.mem.WatchDeleted(ctx, id, fn)
}

// UpsertUser records a user in the roster table. Presence is tracked
// separately from live connections.
func (s *Store) UpsertUser(ctx context.Context, u directory.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, avatar_url) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, avatar_url = excluded.avatar_url`,
		u.ID, u.DisplayName, u.AvatarURL,
	)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", u.ID, err)
	}
	return nil
}

// GetUser looks up one roster entry.
func (s *Store) GetUser(ctx context.Context, id string) (directory.User, error) {
	var u directory.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, avatar_url FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.DisplayName, &u.AvatarURL)
	if err == sql.ErrNoRows {
		return directory.User{}, directory.ErrUserNotFound
	}
	if err != nil {
		return directory.User{}, fmt.Errorf("get user %s: %w", id, err)
	}
	return u, nil
}

// ListUsers returns the full roster ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]directory.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, avatar_url FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []directory.User
	for rows.Next() {
		var u directory.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.AvatarURL); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
