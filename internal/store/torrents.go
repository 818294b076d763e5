package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mescon/rdsentinel/internal/db"
)

// UpsertTorrent inserts a new torrent or updates the mutable fields of
// an existing one (keyed by id). first_seen is never updated on a
// second write; attempts_count/last_attempt/last_success are owned by
// RecordAttempt, not by this operation.
func (s *Store) UpsertTorrent(t *Torrent) error {
	now := time.Now().UTC()
	if t.FirstSeen.IsZero() {
		t.FirstSeen = now
	}
	if t.LastSeen.IsZero() {
		t.LastSeen = now
	}

	var metaJSON []byte
	if t.Metadata != nil {
		var err error
		metaJSON, err = json.Marshal(t.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal torrent metadata: %w", err)
		}
	}

	_, err := db.ExecWithRetry(s.DB, `
		INSERT INTO torrents (id, hash, filename, status, size, added_date, first_seen, last_seen, priority, needs_symlink_cleanup, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hash = excluded.hash,
			filename = excluded.filename,
			status = excluded.status,
			size = excluded.size,
			added_date = excluded.added_date,
			last_seen = excluded.last_seen,
			priority = excluded.priority,
			needs_symlink_cleanup = excluded.needs_symlink_cleanup,
			metadata = excluded.metadata
	`, t.ID, t.Hash, t.Filename, t.Status, t.Size, t.AddedDate, t.FirstSeen, t.LastSeen, t.Priority, boolToInt(t.NeedsSymlinkCleanup), string(metaJSON))
	return err
}

// GetTorrent fetches a single torrent by id.
func (s *Store) GetTorrent(id string) (*Torrent, error) {
	row := s.DB.QueryRow(`
		SELECT id, hash, filename, status, size, added_date, first_seen, last_seen,
		       attempts_count, last_attempt, last_success, priority, needs_symlink_cleanup, metadata
		FROM torrents WHERE id = ?
	`, id)
	return scanTorrent(row)
}

func scanTorrent(row *sql.Row) (*Torrent, error) {
	var t Torrent
	var addedDate sql.NullTime
	var lastAttempt, lastSuccess sql.NullTime
	var needsCleanup int
	var metaJSON sql.NullString

	err := row.Scan(&t.ID, &t.Hash, &t.Filename, &t.Status, &t.Size, &addedDate,
		&t.FirstSeen, &t.LastSeen, &t.AttemptsCount, &lastAttempt, &lastSuccess,
		&t.Priority, &needsCleanup, &metaJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if addedDate.Valid {
		t.AddedDate = addedDate.Time
	}
	if lastAttempt.Valid {
		la := lastAttempt.Time
		t.LastAttempt = &la
	}
	if lastSuccess.Valid {
		ls := lastSuccess.Time
		t.LastSuccess = &ls
	}
	t.NeedsSymlinkCleanup = needsCleanup != 0
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &t.Metadata)
	}
	return &t, nil
}

// GetFailedTorrents returns torrents in FAILED_SET ordered by priority
// desc, last_seen desc, excluding torrents that have exhausted
// MaxAttempts or were attempted within the retry-hold window when
// excludeRecent is true.
func (s *Store) GetFailedTorrents(excludeRecent bool) ([]*Torrent, error) {
	statuses := make([]string, 0, len(FailedSet))
	for st := range FailedSet {
		statuses = append(statuses, st)
	}

	query := `
		SELECT id, hash, filename, status, size, added_date, first_seen, last_seen,
		       attempts_count, last_attempt, last_success, priority, needs_symlink_cleanup, metadata
		FROM torrents
		WHERE status IN (` + placeholders(len(statuses)) + `)
		  AND attempts_count < ?
	`
	args := make([]interface{}, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, MaxAttempts)

	if excludeRecent {
		query += " AND (last_attempt IS NULL OR last_attempt < ?)"
		args = append(args, time.Now().UTC().Add(-RetryHoldWindow))
	}
	query += " ORDER BY priority DESC, last_seen DESC"

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Torrent
	for rows.Next() {
		var t Torrent
		var addedDate sql.NullTime
		var lastAttempt, lastSuccess sql.NullTime
		var needsCleanup int
		var metaJSON sql.NullString

		if err := rows.Scan(&t.ID, &t.Hash, &t.Filename, &t.Status, &t.Size, &addedDate,
			&t.FirstSeen, &t.LastSeen, &t.AttemptsCount, &lastAttempt, &lastSuccess,
			&t.Priority, &needsCleanup, &metaJSON); err != nil {
			return nil, err
		}
		if addedDate.Valid {
			t.AddedDate = addedDate.Time
		}
		if lastAttempt.Valid {
			la := lastAttempt.Time
			t.LastAttempt = &la
		}
		if lastSuccess.Valid {
			ls := lastSuccess.Time
			t.LastSuccess = &ls
		}
		t.NeedsSymlinkCleanup = needsCleanup != 0
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &t.Metadata)
		}
		result = append(result, &t)
	}
	return result, rows.Err()
}

// ListTorrents returns torrents filtered by an exact status, or all
// torrents if status is empty. Used by GET /torrents.
func (s *Store) ListTorrents(status string, limit, offset int) ([]*Torrent, error) {
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.DB.Query(`
			SELECT id, hash, filename, status, size, added_date, first_seen, last_seen,
			       attempts_count, last_attempt, last_success, priority, needs_symlink_cleanup, metadata
			FROM torrents ORDER BY last_seen DESC LIMIT ? OFFSET ?
		`, limit, offset)
	} else {
		rows, err = s.DB.Query(`
			SELECT id, hash, filename, status, size, added_date, first_seen, last_seen,
			       attempts_count, last_attempt, last_success, priority, needs_symlink_cleanup, metadata
			FROM torrents WHERE status = ? ORDER BY last_seen DESC LIMIT ? OFFSET ?
		`, status, limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Torrent
	for rows.Next() {
		var t Torrent
		var addedDate sql.NullTime
		var lastAttempt, lastSuccess sql.NullTime
		var needsCleanup int
		var metaJSON sql.NullString

		if err := rows.Scan(&t.ID, &t.Hash, &t.Filename, &t.Status, &t.Size, &addedDate,
			&t.FirstSeen, &t.LastSeen, &t.AttemptsCount, &lastAttempt, &lastSuccess,
			&t.Priority, &needsCleanup, &metaJSON); err != nil {
			return nil, err
		}
		if addedDate.Valid {
			t.AddedDate = addedDate.Time
		}
		if lastAttempt.Valid {
			la := lastAttempt.Time
			t.LastAttempt = &la
		}
		if lastSuccess.Valid {
			ls := lastSuccess.Time
			t.LastSuccess = &ls
		}
		t.NeedsSymlinkCleanup = needsCleanup != 0
		if metaJSON.Valid && metaJSON.String != "" {
			_ = json.Unmarshal([]byte(metaJSON.String), &t.Metadata)
		}
		result = append(result, &t)
	}
	return result, rows.Err()
}

// DeleteTorrent removes a torrent row (used only by the control plane's
// manual delete endpoint — the core never deletes a torrent itself,
// only retention pruning and operator action do).
func (s *Store) DeleteTorrent(id string) error {
	_, err := s.DB.Exec("DELETE FROM torrents WHERE id = ?", id)
	return err
}

// RecordAttempt appends an Attempt row and bumps the owning torrent's
// attempts_count and last_attempt/last_success.
func (s *Store) RecordAttempt(a *Attempt) error {
	if a.AttemptDate.IsZero() {
		a.AttemptDate = time.Now().UTC()
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO attempts (torrent_id, attempt_date, success, error_message, response_time_ms, api_response)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.TorrentID, a.AttemptDate, boolToInt(a.Success), a.ErrorMessage, a.ResponseTimeMs, a.APIResponse); err != nil {
		return fmt.Errorf("failed to insert attempt: %w", err)
	}

	if a.Success {
		if _, err := tx.Exec(`
			UPDATE torrents SET attempts_count = attempts_count + 1, last_attempt = ?, last_success = ?
			WHERE id = ?
		`, a.AttemptDate, a.AttemptDate, a.TorrentID); err != nil {
			return fmt.Errorf("failed to update torrent on success: %w", err)
		}
	} else {
		if _, err := tx.Exec(`
			UPDATE torrents SET attempts_count = attempts_count + 1, last_attempt = ?
			WHERE id = ?
		`, a.AttemptDate, a.TorrentID); err != nil {
			return fmt.Errorf("failed to update torrent on failure: %w", err)
		}
	}

	return tx.Commit()
}

// CountAttempts returns the number of Attempt rows for a torrent — used
// by tests to verify the attempts_count invariant.
func (s *Store) CountAttempts(torrentID string) (int, error) {
	var n int
	err := s.DB.QueryRow("SELECT COUNT(*) FROM attempts WHERE torrent_id = ?", torrentID).Scan(&n)
	return n, err
}

// CatalogStats is the aggregate snapshot backing GET /stats: catalog
// composition plus a trailing-24h view of re-submission outcomes.
type CatalogStats struct {
	TorrentsByStatus map[string]int
	AttemptsLast24h  int
	SuccessesLast24h int
	SuccessRate      float64
}

// Stats aggregates torrent counts by status and the last 24h of
// re-submission attempts. Used only by the control plane's GET /stats
// handler — nothing in the core pipeline reads it.
func (s *Store) Stats() (*CatalogStats, error) {
	stats := &CatalogStats{TorrentsByStatus: make(map[string]int)}

	rows, err := s.DB.Query("SELECT status, COUNT(*) FROM torrents GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.TorrentsByStatus[status] = count
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	since := time.Now().UTC().Add(-24 * time.Hour)
	if err := s.DB.QueryRow(
		"SELECT COUNT(*), COALESCE(SUM(success), 0) FROM attempts WHERE attempt_date >= ?", since,
	).Scan(&stats.AttemptsLast24h, &stats.SuccessesLast24h); err != nil {
		return nil, fmt.Errorf("query 24h attempts: %w", err)
	}
	if stats.AttemptsLast24h > 0 {
		stats.SuccessRate = float64(stats.SuccessesLast24h) / float64(stats.AttemptsLast24h)
	}

	return stats, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n == 0 {
		return ""
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ",?"
	}
	return out
}
