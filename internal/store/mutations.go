package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ClaimResult is the outcome of ClaimMutation.
type ClaimResult int

const (
	// MutationClaimed means the caller holds the claim and should apply the write.
	MutationClaimed ClaimResult = iota
	// MutationDone means the mutation was applied before.
	MutationDone
	// MutationInFlight means another request is applying the mutation.
	MutationInFlight
)

// StaleClaim is how long a pending claim blocks retries. A request that died
// without completing or releasing its claim stops blocking after this.
const StaleClaim = time.Minute

// ClaimMutation reserves a client mutation id before its write runs, so that
// concurrent replays cannot both apply it.
func ClaimMutation(ctx context.Context, db *sql.DB, id, userID string) (ClaimResult, error) {
	ts := now()
	res, err := db.ExecContext(ctx,
		`INSERT INTO mutations (id, user_id, state, applied_at) VALUES (?, ?, 'pending', ?)
		 ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, applied_at = excluded.applied_at
		 WHERE mutations.state = 'pending' AND mutations.applied_at < ?`,
		id, userID, ts, ts.Add(-StaleClaim),
	)
	if err != nil {
		return 0, fmt.Errorf("claiming mutation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("claiming mutation: %w", err)
	} else if n == 1 {
		return MutationClaimed, nil
	}

	var state string
	err = db.QueryRowContext(ctx, `SELECT state FROM mutations WHERE id = ?`, id).Scan(&state)
	if err != nil {
		return 0, fmt.Errorf("reading mutation state: %w", err)
	}
	if state == "applied" {
		return MutationDone, nil
	}
	return MutationInFlight, nil
}

// CompleteMutation marks a claimed mutation as applied.
func CompleteMutation(ctx context.Context, db *sql.DB, id string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE mutations SET state = 'applied', applied_at = ? WHERE id = ?`, now(), id,
	)
	if err != nil {
		return fmt.Errorf("completing mutation: %w", err)
	}
	return nil
}

// ReleaseMutation drops a claim whose write failed so the client may retry.
func ReleaseMutation(ctx context.Context, db *sql.DB, id string) error {
	_, err := db.ExecContext(ctx,
		`DELETE FROM mutations WHERE id = ? AND state = 'pending'`, id,
	)
	if err != nil {
		return fmt.Errorf("releasing mutation: %w", err)
	}
	return nil
}

// PruneMutations forgets mutation ids applied before cutoff.
func PruneMutations(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx,
		`DELETE FROM mutations WHERE applied_at < ?`, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning mutations: %w", err)
	}
	return res.RowsAffected()
}
