package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
)

// Setting keys.
const settingSessionSecret = "session_secret"

// GetSetting returns a stored setting, or "" if it is unset.
func GetSetting(ctx context.Context, db *sql.DB, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting setting %s: %w", key, err)
	}
	return value, nil
}

// InitSetting stores value under key unless the key is already set, and
// returns the value that ends up stored. Concurrent callers agree on the
// first value written.
func InitSetting(ctx context.Context, db *sql.DB, key, value string) (string, error) {
	if _, err := db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`, key, value,
	); err != nil {
		return "", fmt.Errorf("initializing setting %s: %w", key, err)
	}
	return GetSetting(ctx, db, key)
}

// SessionSecret returns the key that signs session tokens, generating it on
// first use.
func SessionSecret(ctx context.Context, db *sql.DB) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session secret: %w", err)
	}
	return InitSetting(ctx, db, settingSessionSecret, base64.RawURLEncoding.EncodeToString(buf))
}
