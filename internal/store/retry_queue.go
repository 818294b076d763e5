package store

import (
	"database/sql"
	"time"
)

// RecordPermanentFailure records a terminal classification for a
// torrent/error_type pair, upserting on the (torrent_id, error_type)
// unique constraint so repeated detections of the same infringing file
// don't pile up duplicate rows.
func (s *Store) RecordPermanentFailure(torrentID, filename, errorType, errorMessage string) (int64, error) {
	now := time.Now().UTC()
	res, err := s.DB.Exec(`
		INSERT INTO permanent_failures (torrent_id, filename, error_type, error_message, failure_date, processed)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(torrent_id, error_type) DO UPDATE SET
			filename = excluded.filename,
			error_message = excluded.error_message,
			failure_date = excluded.failure_date
	`, torrentID, filename, errorType, errorMessage, now)
	if err != nil {
		return 0, err
	}

	var id int64
	if n, lerr := res.LastInsertId(); lerr == nil && n != 0 {
		id = n
	} else {
		if err := s.DB.QueryRow(
			"SELECT id FROM permanent_failures WHERE torrent_id = ? AND error_type = ?",
			torrentID, errorType,
		).Scan(&id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// MarkPermanentFailureProcessed flips processed to true once the
// failure handler has finished acting on it (symlink cleanup attempted
// and any media-manager rescan triggered).
func (s *Store) MarkPermanentFailureProcessed(id int64) error {
	_, err := s.DB.Exec("UPDATE permanent_failures SET processed = 1 WHERE id = ?", id)
	return err
}

// ListUnprocessedFailures returns permanent failures not yet acted on.
func (s *Store) ListUnprocessedFailures() ([]*PermanentFailure, error) {
	rows, err := s.DB.Query(`
		SELECT id, torrent_id, filename, error_type, error_message, failure_date, processed
		FROM permanent_failures WHERE processed = 0 ORDER BY failure_date ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*PermanentFailure
	for rows.Next() {
		var f PermanentFailure
		var processed int
		if err := rows.Scan(&f.ID, &f.TorrentID, &f.Filename, &f.ErrorType, &f.ErrorMessage, &f.FailureDate, &processed); err != nil {
			return nil, err
		}
		f.Processed = processed != 0
		result = append(result, &f)
	}
	return result, rows.Err()
}

// defaultRetryHold is the fixed delay before a rate-limited
// re-submission is retried, grounded in the original failure handler's
// three-hour cooldown.
const defaultRetryHold = 3 * time.Hour

// ScheduleRetry enqueues (or refreshes) a deferred retry for a
// rate-limited failure, three hours out, starting at retry_count 0.
func (s *Store) ScheduleRetry(torrentID, filename, errorType, errorMessage string) error {
	now := time.Now().UTC()
	_, err := s.DB.Exec(`
		INSERT INTO retry_queue (torrent_id, filename, error_type, error_message, original_failure, scheduled_retry, retry_count, last_retry_attempt)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL)
		ON CONFLICT(torrent_id, error_type) DO UPDATE SET
			filename = excluded.filename,
			error_message = excluded.error_message,
			scheduled_retry = excluded.scheduled_retry,
			retry_count = 0
	`, torrentID, filename, errorType, errorMessage, now, now.Add(defaultRetryHold))
	return err
}

// GetPendingRetries returns retry-queue entries that are due
// (scheduled_retry has passed) and have not exhausted MaxRetryCount,
// ordered oldest-due first.
func (s *Store) GetPendingRetries() ([]*RetryQueueEntry, error) {
	rows, err := s.DB.Query(`
		SELECT id, torrent_id, filename, error_type, error_message, original_failure, scheduled_retry, retry_count, last_retry_attempt
		FROM retry_queue
		WHERE scheduled_retry <= ? AND retry_count < ?
		ORDER BY scheduled_retry ASC
	`, time.Now().UTC(), MaxRetryCount)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*RetryQueueEntry
	for rows.Next() {
		var e RetryQueueEntry
		var lastAttempt sql.NullTime
		if err := rows.Scan(&e.ID, &e.TorrentID, &e.Filename, &e.ErrorType, &e.ErrorMessage,
			&e.OriginalFailure, &e.ScheduledRetry, &e.RetryCount, &lastAttempt); err != nil {
			return nil, err
		}
		if lastAttempt.Valid {
			t := lastAttempt.Time
			e.LastRetryAttempt = &t
		}
		result = append(result, &e)
	}
	return result, rows.Err()
}

// RemoveFromRetryQueue deletes an entry once its retry has succeeded.
func (s *Store) RemoveFromRetryQueue(id int64) error {
	_, err := s.DB.Exec("DELETE FROM retry_queue WHERE id = ?", id)
	return err
}

// UpdateRetryAttempt records the outcome of a deferred retry attempt.
// On success the entry is removed. On failure retry_count is
// incremented and last_retry_attempt stamped; scheduled_retry is only
// pushed forward another defaultRetryHold when the entry still has at
// least one attempt left afterward (retry_count < MaxRetryCount-1) —
// once it would reach the last allowed attempt, the row is left
// un-rescheduled so GetPendingRetries stops returning it once
// retry_count reaches MaxRetryCount.
func (s *Store) UpdateRetryAttempt(id int64, success bool) error {
	if success {
		return s.RemoveFromRetryQueue(id)
	}

	var retryCount int
	if err := s.DB.QueryRow("SELECT retry_count FROM retry_queue WHERE id = ?", id).Scan(&retryCount); err != nil {
		return err
	}

	newCount := retryCount + 1
	now := time.Now().UTC()

	if newCount < MaxRetryCount-1 {
		_, err := s.DB.Exec(`
			UPDATE retry_queue SET retry_count = ?, last_retry_attempt = ?, scheduled_retry = ?
			WHERE id = ?
		`, newCount, now, now.Add(defaultRetryHold), id)
		return err
	}

	_, err := s.DB.Exec(`
		UPDATE retry_queue SET retry_count = ?, last_retry_attempt = ?
		WHERE id = ?
	`, newCount, now, id)
	return err
}
