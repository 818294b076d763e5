package store

import (
	"database/sql"
	"time"
)

// GetScanProgress returns the resumable cursor for a scan kind, or a
// fresh idle cursor if none has been persisted yet.
func (s *Store) GetScanProgress(kind ScanKind) (*ScanProgress, error) {
	row := s.DB.QueryRow(`
		SELECT scan_type, current_offset, total_expected, last_scan_start, last_scan_complete, status
		FROM scan_progress WHERE scan_type = ?
	`, string(kind))

	var p ScanProgress
	var scanType string
	var start, complete sql.NullTime
	err := row.Scan(&scanType, &p.CurrentOffset, &p.TotalExpected, &start, &complete, &p.Status)
	if err == sql.ErrNoRows {
		return &ScanProgress{ScanType: kind, Status: ScanStatusIdle}, nil
	}
	if err != nil {
		return nil, err
	}
	p.ScanType = ScanKind(scanType)
	if start.Valid {
		t := start.Time
		p.LastScanStart = &t
	}
	if complete.Valid {
		t := complete.Time
		p.LastScanComplete = &t
	}
	return &p, nil
}

// UpdateScanProgress persists the cursor for a scan kind, upserting the
// single row keyed by scan_type.
func (s *Store) UpdateScanProgress(p *ScanProgress) error {
	_, err := s.DB.Exec(`
		INSERT INTO scan_progress (scan_type, current_offset, total_expected, last_scan_start, last_scan_complete, status)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(scan_type) DO UPDATE SET
			current_offset = excluded.current_offset,
			total_expected = excluded.total_expected,
			last_scan_start = excluded.last_scan_start,
			last_scan_complete = excluded.last_scan_complete,
			status = excluded.status
	`, string(p.ScanType), p.CurrentOffset, p.TotalExpected, p.LastScanStart, p.LastScanComplete, p.Status)
	return err
}

// StartScan marks a scan kind as running and stamps last_scan_start,
// resetting current_offset to 0 for a fresh pass (callers that intend
// to resume from a prior offset should call UpdateScanProgress
// directly instead).
func (s *Store) StartScan(kind ScanKind, totalExpected int) error {
	now := time.Now().UTC()
	return s.UpdateScanProgress(&ScanProgress{
		ScanType:      kind,
		CurrentOffset: 0,
		TotalExpected: totalExpected,
		LastScanStart: &now,
		Status:        ScanStatusRunning,
	})
}

// CompleteScan marks a scan kind as completed and stamps
// last_scan_complete, preserving the existing offset.
func (s *Store) CompleteScan(kind ScanKind) error {
	p, err := s.GetScanProgress(kind)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	p.LastScanComplete = &now
	p.Status = ScanStatusCompleted
	return s.UpdateScanProgress(p)
}
