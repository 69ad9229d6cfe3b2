// Package credstore owns per-service secrets, cookies, and session metadata,
// encrypted at rest in sqlite. The master key comes from an external KeySource
// collaborator; the store derives its working key with a password-based KDF and
// a persisted random salt.
package credstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"hivequery/internal/logging"
	"hivequery/internal/types"

	_ "modernc.org/sqlite"
)

// KeySource supplies the master key. Implemented outside this package
// (env var, OS keychain, prompt).
type KeySource interface {
	MasterKey() (string, error)
}

// ErrNoMasterKey is returned when the key source yields an empty key.
var ErrNoMasterKey = errors.New("credstore: no master key available")

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	service_id TEXT PRIMARY KEY,
	blob TEXT NOT NULL,
	profile_handle TEXT NOT NULL DEFAULT '',
	expires_at DATETIME,
	rate_window INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	expires_at DATETIME NOT NULL,
	last_active DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS store_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Store is the sqlite-backed credential and session store.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	key     []byte
	limiter *rateLimiter
}

// Open opens (creating if needed) the store at path and derives the working
// encryption key from the key source.
func Open(path string, keys KeySource) (*Store, error) {
	master, err := keys.MasterKey()
	if err != nil {
		return nil, fmt.Errorf("credstore: master key: %w", err)
	}
	if master == "" {
		return nil, ErrNoMasterKey
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("credstore: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("credstore: init schema: %w", err)
	}

	salt, err := loadOrCreateSalt(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:      db,
		key:     deriveKey(master, salt),
		limiter: newRateLimiter(),
	}
	logging.Store("credential store opened at %s", path)
	return s, nil
}

func loadOrCreateSalt(db *sql.DB) ([]byte, error) {
	var encoded string
	err := db.QueryRow(`SELECT value FROM store_meta WHERE key = 'kdf_salt'`).Scan(&encoded)
	if err == nil {
		return base64.StdEncoding.DecodeString(encoded)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credstore: load salt: %w", err)
	}
	salt, err := newSalt()
	if err != nil {
		return nil, fmt.Errorf("credstore: generate salt: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO store_meta (key, value) VALUES ('kdf_salt', ?)`,
		base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("credstore: persist salt: %w", err)
	}
	return salt, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store encrypts and persists the credential. One record per service; a
// second Store for the same service replaces the first (re-authentication).
func (s *Store) Store(ctx context.Context, cred types.ServiceCredential) error {
	if cred.ServiceID == "" {
		return errors.New("credstore: empty service id")
	}

	plain, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("credstore: marshal credential: %w", err)
	}
	blob, err := encrypt(s.key, plain)
	if err != nil {
		return fmt.Errorf("credstore: encrypt credential %q: %w", cred.ServiceID, err)
	}

	var expires interface{}
	if !cred.ExpiresAt.IsZero() {
		expires = cred.ExpiresAt.UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO credentials (service_id, blob, profile_handle, expires_at, rate_window, updated_at)
		 VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		cred.ServiceID, blob, cred.ProfileHandle, expires, cred.RateWindow)
	if err != nil {
		return fmt.Errorf("credstore: store credential %q: %w", cred.ServiceID, err)
	}
	logging.StoreDebug("credential stored: service=%s profile=%s", cred.ServiceID, cred.ProfileHandle)
	return nil
}

// Get decrypts and returns the credential for a service, or nil when none is
// stored. A blob that no longer decrypts returns ErrDecrypt: fatal for that
// service only, surfaced upstream as auth_required.
func (s *Store) Get(ctx context.Context, serviceID string) (*types.ServiceCredential, error) {
	var blob string
	err := s.db.QueryRowContext(ctx,
		`SELECT blob FROM credentials WHERE service_id = ?`, serviceID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: get credential %q: %w", serviceID, err)
	}

	plain, err := decrypt(s.key, blob)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("credential for %s failed to decrypt", serviceID)
		return nil, err
	}
	var cred types.ServiceCredential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return nil, fmt.Errorf("credstore: decode credential %q: %w", serviceID, err)
	}
	return &cred, nil
}

// Delete removes the credential for a service. Used on explicit reset.
func (s *Store) Delete(ctx context.Context, serviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE service_id = ?`, serviceID)
	if err != nil {
		return fmt.Errorf("credstore: delete credential %q: %w", serviceID, err)
	}
	logging.Store("credential deleted: service=%s", serviceID)
	return nil
}

// IsWithinRateLimit reports whether another call to the service is allowed
// under a sliding one-minute window. Single-process scope only.
func (s *Store) IsWithinRateLimit(serviceID string, limitPerMinute int) bool {
	return s.limiter.allow(serviceID, limitPerMinute, time.Now())
}

// RecordCall records a call timestamp for the rate window.
func (s *Store) RecordCall(serviceID string) {
	s.limiter.record(serviceID, time.Now())
}
