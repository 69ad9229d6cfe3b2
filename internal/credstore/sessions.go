package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hivequery/internal/logging"
)

// SessionRecord is a persisted conversation session row.
type SessionRecord struct {
	SessionID  string
	Payload    string // serialized ConversationContext
	ExpiresAt  time.Time
	LastActive time.Time
}

// PutSession upserts a session row with the given TTL.
func (s *Store) PutSession(ctx context.Context, sessionID, payload string, ttl time.Duration) error {
	if sessionID == "" {
		return errors.New("credstore: empty session id")
	}
	expires := time.Now().Add(ttl).UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (session_id, payload, expires_at, last_active)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)`,
		sessionID, payload, expires)
	if err != nil {
		return fmt.Errorf("credstore: put session %q: %w", sessionID, err)
	}
	return nil
}

// GetSession loads a session row; expired rows are treated as absent.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	var expires, lastActive string
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, payload, expires_at, last_active FROM sessions WHERE session_id = ?`,
		sessionID).Scan(&rec.SessionID, &rec.Payload, &expires, &lastActive)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: get session %q: %w", sessionID, err)
	}

	rec.ExpiresAt = parseSQLiteTime(expires)
	rec.LastActive = parseSQLiteTime(lastActive)
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

// TouchSession bumps last_active for a session.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active = CURRENT_TIMESTAMP WHERE session_id = ?`, sessionID)
	return err
}

// EvictExpired deletes all sessions past their TTL and returns the count.
func (s *Store) EvictExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("credstore: evict sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.Store("evicted %d expired sessions", n)
	}
	return n, nil
}

// parseSQLiteTime accepts the formats sqlite hands back for DATETIME columns.
func parseSQLiteTime(v string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
