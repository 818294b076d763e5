package store

import (
	"database/sql"
	"time"
)

// GetSymlinkWalkState returns the persisted media-root walk cursor, or
// a fresh idle cursor if none has been saved yet.
func (s *Store) GetSymlinkWalkState() (*SymlinkWalkState, error) {
	row := s.DB.QueryRow(`
		SELECT current_directory, current_index, total_directories,
		       total_symlinks_found, total_processed, last_scan_date, scan_in_progress
		FROM symlink_walk_state WHERE id = 1
	`)

	var st SymlinkWalkState
	var lastScan sql.NullTime
	var inProgress int
	err := row.Scan(&st.CurrentDirectory, &st.CurrentIndex, &st.TotalDirectories,
		&st.TotalSymlinksFound, &st.TotalProcessed, &lastScan, &inProgress)
	if err == sql.ErrNoRows {
		return &SymlinkWalkState{}, nil
	}
	if err != nil {
		return nil, err
	}
	if lastScan.Valid {
		t := lastScan.Time
		st.LastScanDate = &t
	}
	st.ScanInProgress = inProgress != 0
	return &st, nil
}

// UpdateSymlinkWalkState persists the walk cursor, upserting the
// single row keyed by id = 1.
func (s *Store) UpdateSymlinkWalkState(st *SymlinkWalkState) error {
	_, err := s.DB.Exec(`
		INSERT INTO symlink_walk_state
			(id, current_directory, current_index, total_directories,
			 total_symlinks_found, total_processed, last_scan_date, scan_in_progress)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			current_directory = excluded.current_directory,
			current_index = excluded.current_index,
			total_directories = excluded.total_directories,
			total_symlinks_found = excluded.total_symlinks_found,
			total_processed = excluded.total_processed,
			last_scan_date = excluded.last_scan_date,
			scan_in_progress = excluded.scan_in_progress
	`, st.CurrentDirectory, st.CurrentIndex, st.TotalDirectories,
		st.TotalSymlinksFound, st.TotalProcessed, st.LastScanDate, st.ScanInProgress)
	return err
}

// CheckpointSymlinkWalk records that dir (the index-th of total
// top-level directories) has just finished scanning, marking the walk
// in progress — called after every directory so a crash mid-walk
// resumes at this directory (which is scanned again) rather than from
// the start.
func (s *Store) CheckpointSymlinkWalk(dir string, index, total, symlinksFoundSoFar int) error {
	return s.UpdateSymlinkWalkState(&SymlinkWalkState{
		CurrentDirectory:   dir,
		CurrentIndex:       index,
		TotalDirectories:   total,
		TotalSymlinksFound: symlinksFoundSoFar,
		ScanInProgress:     true,
	})
}

// CompleteSymlinkWalk clears the resume cursor after a full walk
// finishes cleanly, rolling totalSymlinksFound into the cumulative
// total_processed counter and stamping last_scan_date.
func (s *Store) CompleteSymlinkWalk(totalSymlinksFound int) error {
	prev, err := s.GetSymlinkWalkState()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	return s.UpdateSymlinkWalkState(&SymlinkWalkState{
		CurrentDirectory:   "",
		CurrentIndex:       0,
		TotalDirectories:   prev.TotalDirectories,
		TotalSymlinksFound: totalSymlinksFound,
		TotalProcessed:     prev.TotalProcessed + totalSymlinksFound,
		LastScanDate:       &now,
		ScanInProgress:     false,
	})
}
