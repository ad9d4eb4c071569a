// Package session tracks uploaded images between requests. Each session owns
// a prefix in the output store and expires after a period of inactivity.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stevecastle/anaglyph/storage"
)

// State is the lifecycle position of a session's depth map.
type State string

const (
	StateUploaded     State = "uploaded"
	StateDepthPending State = "depth_pending"
	StateDepthReady   State = "depth_ready"
	StateFailed       State = "failed"
)

func (s State) valid() bool {
	switch s {
	case StateUploaded, StateDepthPending, StateDepthReady, StateFailed:
		return true
	}
	return false
}

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

// Object names inside a session prefix.
const (
	SourceName   = "source.png"
	DepthName    = "depth.png"
	LeftName     = "left.png"
	RightName    = "right.png"
	AnaglyphName = "anaglyph.png"
	SBSName      = "sbs.png"
)

// Session is one uploaded image and its derived state.
type Session struct {
	ID        string    `json:"id"`
	State     State     `json:"state"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Error     string    `json:"error,omitempty"`
	JobID     string    `json:"jobId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	LastSeen  time.Time `json:"lastSeen"`
}

// MarshalJSON adds a ready flag the editor page polls on.
func (s Session) MarshalJSON() ([]byte, error) {
	type plain Session
	return json.Marshal(struct {
		plain
		Ready bool `json:"ready"`
	}{plain(s), s.State == StateDepthReady})
}

// Key returns the storage key of name inside this session.
func (s *Session) Key(name string) string {
	return storage.Key(s.ID, name)
}

// Store is the SQLite backed session index.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewStore creates the sessions table if needed. A ttl of zero disables expiry.
func NewStore(db *sql.DB, ttl time.Duration) (*Store, error) {
	s := &Store{db: db, ttl: ttl, now: time.Now}
	if err := s.createTable(); err != nil {
		return nil, fmt.Errorf("create sessions table: %w", err)
	}
	return s, nil
}

func (s *Store) createTable() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		job_id TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL, -- unix millis
		last_seen INTEGER NOT NULL
	)`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_sessions_last_seen ON sessions(last_seen)`)
	return err
}

// TTL reports the inactivity window after which sessions expire.
func (s *Store) TTL() time.Duration { return s.ttl }

// Create registers a new session for an uploaded image of the given size.
func (s *Store) Create(ctx context.Context, width, height int) (*Session, error) {
	now := s.now()
	sess := &Session{
		ID:        uuid.NewString(),
		State:     StateUploaded,
		Width:     width,
		Height:    height,
		CreatedAt: now,
		LastSeen:  now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, state, width, height, created_at, last_seen) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, string(sess.State), width, height, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// Get loads a session. Sessions idle for longer than the TTL return ErrExpired
// even before the sweeper has removed them.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	var (
		sess              Session
		state             string
		created, lastSeen int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, state, width, height, error, job_id, created_at, last_seen FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &state, &sess.Width, &sess.Height, &sess.Error, &sess.JobID, &created, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, err
	}
	sess.State = State(state)
	sess.CreatedAt = time.UnixMilli(created)
	sess.LastSeen = time.UnixMilli(lastSeen)
	if s.expired(sess.LastSeen, s.now()) {
		return nil, ErrExpired
	}
	return &sess, nil
}

func (s *Store) expired(lastSeen, now time.Time) bool {
	return s.ttl > 0 && now.Sub(lastSeen) > s.ttl
}

// Touch extends a session's lifetime.
func (s *Store) Touch(ctx context.Context, id string) error {
	return s.update(ctx, `UPDATE sessions SET last_seen = ? WHERE id = ?`, s.now().UnixMilli(), id)
}

// SetState records a depth state transition. msg is kept only for StateFailed.
func (s *Store) SetState(ctx context.Context, id string, state State, msg string) error {
	if !state.valid() {
		return fmt.Errorf("invalid session state %q", state)
	}
	if state != StateFailed {
		msg = ""
	}
	return s.update(ctx, `UPDATE sessions SET state = ?, error = ?, last_seen = ? WHERE id = ?`,
		string(state), msg, s.now().UnixMilli(), id)
}

// SetJob links the depth job working on a session.
func (s *Store) SetJob(ctx context.Context, id, jobID string) error {
	return s.update(ctx, `UPDATE sessions SET job_id = ? WHERE id = ?`, jobID, id)
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Expired lists the sessions idle for longer than the TTL at now.
func (s *Store) Expired(ctx context.Context, now time.Time) ([]string, error) {
	if s.ttl <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE last_seen < ? ORDER BY last_seen`, now.Add(-s.ttl).UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes the session row. Stored objects are left to the caller.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// Count returns the number of session rows, expired or not.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}
