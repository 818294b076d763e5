package store

import "database/sql"

// RecordSymlinkHistory persists one inspected symlink's outcome.
func (s *Store) RecordSymlinkHistory(e *SymlinkHistoryEntry) (int64, error) {
	res, err := s.DB.Exec(`
		INSERT INTO symlink_processing_history (source_path, target_path, torrent_name, status, size, error_message, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.SourcePath, e.TargetPath, e.TorrentName, e.Status, e.Size, e.ErrorMessage, e.ProcessedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListBrokenSymlinks returns the most recently processed broken/missing
// symlink history rows, used by the control plane's /symlinks/broken
// endpoint.
func (s *Store) ListBrokenSymlinks(limit int) ([]*SymlinkHistoryEntry, error) {
	rows, err := s.DB.Query(`
		SELECT id, source_path, target_path, torrent_name, status, size, error_message, processed_at
		FROM symlink_processing_history
		WHERE status != 'ok'
		ORDER BY processed_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*SymlinkHistoryEntry
	for rows.Next() {
		var e SymlinkHistoryEntry
		var target, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.SourcePath, &target, &e.TorrentName, &e.Status, &e.Size, &errMsg, &e.ProcessedAt); err != nil {
			return nil, err
		}
		e.TargetPath = target.String
		e.ErrorMessage = errMsg.String
		result = append(result, &e)
	}
	return result, rows.Err()
}
