package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ScrapeStatus is the state of one scraping attempt.
type ScrapeStatus string

const (
	ScrapeInProgress ScrapeStatus = "in_progress"
	ScrapeCompleted  ScrapeStatus = "completed"
	ScrapeFailed     ScrapeStatus = "failed"
)

// ScrapeKind distinguishes contact scrapes from group scrapes.
type ScrapeKind string

const (
	ScrapeContacts ScrapeKind = "contacts"
	ScrapeGroups   ScrapeKind = "groups"
	ScrapeMembers  ScrapeKind = "members"
)

// ScrapingLog is one audit row per scraping attempt, used both for
// quota enforcement and operator diagnostics.
type ScrapingLog struct {
	ID         int64
	UserID     int64
	SessionID  string
	Kind       ScrapeKind
	Status     ScrapeStatus
	Total      int
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}

// StartScrapingLog appends an in_progress row and returns its id.
func (s *Store) StartScrapingLog(ctx context.Context, userID int64, sessionID string, kind ScrapeKind) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO scraping_logs (user_id, session_id, kind, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		userID, sessionID, kind, ScrapeInProgress, now())
	if err != nil {
		return 0, fmt.Errorf("start scraping log: %w", err)
	}
	return res.LastInsertId()
}

// FinishScrapingLog closes a scraping attempt with its outcome. The
// caller supplies the finish instant so quota arithmetic stays on one
// clock.
func (s *Store) FinishScrapingLog(ctx context.Context, id int64, status ScrapeStatus, total int, errText string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scraping_logs SET status = ?, total = ?, error = ?, finished_at = ?
		WHERE id = ?`, status, total, errText, fmtTime(at), id)
	if err != nil {
		return fmt.Errorf("finish scraping log: %w", err)
	}
	return nil
}

// CompletedScrapesSince counts completed scrapes for a (user, session)
// pair since the given instant. The scraper passes the start of the
// calendar day to enforce the daily quota.
func (s *Store) CompletedScrapesSince(ctx context.Context, userID int64, sessionID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scraping_logs
		WHERE user_id = ? AND session_id = ? AND status = ? AND finished_at >= ?`,
		userID, sessionID, ScrapeCompleted, fmtTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count completed scrapes: %w", err)
	}
	return n, nil
}

// LastCompletedScrape returns when the most recent completed scrape
// finished, or nil if none has.
func (s *Store) LastCompletedScrape(ctx context.Context, userID int64, sessionID string) (*time.Time, error) {
	var finished sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT finished_at FROM scraping_logs
		WHERE user_id = ? AND session_id = ? AND status = ?
		ORDER BY finished_at DESC LIMIT 1`,
		userID, sessionID, ScrapeCompleted).Scan(&finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last completed scrape: %w", err)
	}
	return parseTime(finished), nil
}
