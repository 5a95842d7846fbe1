package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// RevokeSession ends a session before its token expires. The entry is
// needed only until expiresAt, after which the token fails verification
// on its own.
func RevokeSession(ctx context.Context, db *sql.DB, sessionID string, expiresAt time.Time) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO revoked_sessions (session_id, expires_at) VALUES (?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET expires_at = MAX(expires_at, excluded.expires_at)`,
		sessionID, expiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	return nil
}

// SessionRevoked reports whether a session was ended.
func SessionRevoked(ctx context.Context, db *sql.DB, sessionID string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM revoked_sessions WHERE session_id = ?)`, sessionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking session revocation: %w", err)
	}
	return exists, nil
}

// PurgeRevokedSessions drops revocations whose tokens have expired.
func PurgeRevokedSessions(ctx context.Context, db *sql.DB) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM revoked_sessions WHERE expires_at < ?`, now())
	if err != nil {
		return 0, fmt.Errorf("purging revoked sessions: %w", err)
	}
	return res.RowsAffected()
}
