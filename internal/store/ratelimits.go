package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RateBucket is the per-session send-pacing state.
type RateBucket struct {
	SessionID     string
	HourCount     int
	DayCount      int
	LastSentAt    *time.Time
	CooldownUntil *time.Time
}

// WithRateBucket runs fn against the session's rate bucket inside one
// transaction, creating the bucket on first use and writing back fn's
// mutations on success. The transaction serializes concurrent senders
// on the same session.
func (s *Store) WithRateBucket(ctx context.Context, sessionID string, fn func(b *RateBucket) error) (*RateBucket, error) {
	var out *RateBucket
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		b := &RateBucket{SessionID: sessionID}
		var lastSent, cooldown sql.NullString
		err := tx.QueryRowContext(ctx, `
			SELECT hour_count, day_count, last_sent_at, cooldown_until
			FROM whatsapp_rate_limits WHERE session_id = ?`, sessionID).
			Scan(&b.HourCount, &b.DayCount, &lastSent, &cooldown)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO whatsapp_rate_limits (session_id, updated_at)
				VALUES (?, ?)`, sessionID, now()); err != nil {
				return fmt.Errorf("create rate bucket: %w", err)
			}
		case err != nil:
			return fmt.Errorf("load rate bucket: %w", err)
		default:
			b.LastSentAt = parseTime(lastSent)
			b.CooldownUntil = parseTime(cooldown)
		}

		if err := fn(b); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE whatsapp_rate_limits
			SET hour_count = ?, day_count = ?, last_sent_at = ?, cooldown_until = ?, updated_at = ?
			WHERE session_id = ?`,
			b.HourCount, b.DayCount, nullTime(b.LastSentAt),
			nullTime(b.CooldownUntil), now(), sessionID)
		if err != nil {
			return fmt.Errorf("update rate bucket: %w", err)
		}
		out = b
		return nil
	})
	return out, err
}

// PruneRateBuckets deletes buckets untouched since before. Idle
// sessions recreate theirs on the next send, so pruning only sheds
// rows; it never changes pacing decisions.
func (s *Store) PruneRateBuckets(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM whatsapp_rate_limits WHERE updated_at < ?`,
		fmtTime(before))
	if err != nil {
		return 0, fmt.Errorf("prune rate buckets: %w", err)
	}
	return res.RowsAffected()
}

// RateBucketFor reads the current bucket without mutating it.
func (s *Store) RateBucketFor(ctx context.Context, sessionID string) (*RateBucket, error) {
	b := &RateBucket{SessionID: sessionID}
	var lastSent, cooldown sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT hour_count, day_count, last_sent_at, cooldown_until
		FROM whatsapp_rate_limits WHERE session_id = ?`, sessionID).
		Scan(&b.HourCount, &b.DayCount, &lastSent, &cooldown)
	if errors.Is(err, sql.ErrNoRows) {
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load rate bucket: %w", err)
	}
	b.LastSentAt = parseTime(lastSent)
	b.CooldownUntil = parseTime(cooldown)
	return b, nil
}
