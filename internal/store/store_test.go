package store

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

var testDBCounter atomic.Int64

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbName := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", testDBCounter.Add(1))
	s, err := Open(dbName)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenRunsMigrations(t *testing.T) {
	s := newTestStore(t)
	var version int
	if err := s.DB.QueryRow("SELECT MAX(version) FROM schema_migrations").Scan(&version); err != nil {
		t.Fatalf("failed to read schema_migrations: %v", err)
	}
	if version < 4 {
		t.Fatalf("expected at least migration version 4 applied, got %d", version)
	}
}

func TestMigrationTwoIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	tx, err := s.DB.Begin()
	if err != nil {
		t.Fatalf("failed to begin tx: %v", err)
	}
	defer tx.Rollback()

	if err := applySymlinkCleanupColumn(tx); err != nil {
		t.Fatalf("re-applying migration 2 should be a no-op, got: %v", err)
	}
}

func TestUpsertAndGetTorrent(t *testing.T) {
	s := newTestStore(t)
	tr := &Torrent{ID: "abc", Hash: "deadbeef", Filename: "Show.S01E01.mkv", Status: StatusDownloaded, Size: 1024, Priority: 1}
	if err := s.UpsertTorrent(tr); err != nil {
		t.Fatalf("UpsertTorrent failed: %v", err)
	}

	got, err := s.GetTorrent("abc")
	if err != nil {
		t.Fatalf("GetTorrent failed: %v", err)
	}
	if got == nil || got.Filename != tr.Filename {
		t.Fatalf("expected filename %q, got %+v", tr.Filename, got)
	}

	tr.Status = StatusError
	if err := s.UpsertTorrent(tr); err != nil {
		t.Fatalf("UpsertTorrent (update) failed: %v", err)
	}
	got, _ = s.GetTorrent("abc")
	if got.Status != StatusError {
		t.Fatalf("expected updated status %q, got %q", StatusError, got.Status)
	}
}

func TestGetFailedTorrentsOrderingAndExclusion(t *testing.T) {
	s := newTestStore(t)

	mustUpsert(t, s, &Torrent{ID: "low", Hash: "h1", Status: StatusError, Priority: 1, LastSeen: time.Now().UTC()})
	mustUpsert(t, s, &Torrent{ID: "high", Hash: "h2", Status: StatusDead, Priority: 5, LastSeen: time.Now().UTC()})
	mustUpsert(t, s, &Torrent{ID: "exhausted", Hash: "h3", Status: StatusError, Priority: 9, LastSeen: time.Now().UTC()})
	mustUpsert(t, s, &Torrent{ID: "ok", Hash: "h4", Status: StatusDownloaded, Priority: 9, LastSeen: time.Now().UTC()})

	for i := 0; i < MaxAttempts; i++ {
		if err := s.RecordAttempt(&Attempt{TorrentID: "exhausted", Success: false}); err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
	}

	failed, err := s.GetFailedTorrents(false)
	if err != nil {
		t.Fatalf("GetFailedTorrents failed: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 eligible failed torrents (exhausted and the ok one excluded), got %d: %+v", len(failed), failed)
	}
	if failed[0].ID != "high" {
		t.Fatalf("expected highest-priority torrent first, got %s", failed[0].ID)
	}
}

func TestGetFailedTorrentsExcludesRecentAttempt(t *testing.T) {
	s := newTestStore(t)
	mustUpsert(t, s, &Torrent{ID: "recent", Hash: "hx", Status: StatusError, Priority: 1, LastSeen: time.Now().UTC()})
	if err := s.RecordAttempt(&Attempt{TorrentID: "recent", Success: false}); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	failed, err := s.GetFailedTorrents(true)
	if err != nil {
		t.Fatalf("GetFailedTorrents failed: %v", err)
	}
	if len(failed) != 0 {
		t.Fatalf("expected recently attempted torrent to be excluded within the retry-hold window, got %d", len(failed))
	}
}

func mustUpsert(t *testing.T, s *Store, tr *Torrent) {
	t.Helper()
	if err := s.UpsertTorrent(tr); err != nil {
		t.Fatalf("UpsertTorrent(%s) failed: %v", tr.ID, err)
	}
}

func TestRetryQueueLifecycle(t *testing.T) {
	s := newTestStore(t)

	if err := s.ScheduleRetry("t1", "file.mkv", "too_many_requests", "rate limited"); err != nil {
		t.Fatalf("ScheduleRetry failed: %v", err)
	}

	pending, err := s.GetPendingRetries()
	if err != nil {
		t.Fatalf("GetPendingRetries failed: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no due retries immediately after scheduling 3h out, got %d", len(pending))
	}

	// Force the row due by rewriting scheduled_retry directly.
	if _, err := s.DB.Exec("UPDATE retry_queue SET scheduled_retry = ? WHERE torrent_id = ?", time.Now().UTC().Add(-time.Minute), "t1"); err != nil {
		t.Fatalf("failed to force due retry: %v", err)
	}

	pending, err = s.GetPendingRetries()
	if err != nil {
		t.Fatalf("GetPendingRetries failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 due retry, got %d", len(pending))
	}

	entry := pending[0]
	if err := s.UpdateRetryAttempt(entry.ID, false); err != nil {
		t.Fatalf("UpdateRetryAttempt failed: %v", err)
	}

	var retryCount int
	if err := s.DB.QueryRow("SELECT retry_count FROM retry_queue WHERE id = ?", entry.ID).Scan(&retryCount); err != nil {
		t.Fatalf("failed to read retry_count: %v", err)
	}
	if retryCount != 1 {
		t.Fatalf("expected retry_count 1 after first failed retry, got %d", retryCount)
	}

	if err := s.UpdateRetryAttempt(entry.ID, true); err != nil {
		t.Fatalf("UpdateRetryAttempt(success) failed: %v", err)
	}
	var count int
	if err := s.DB.QueryRow("SELECT COUNT(*) FROM retry_queue WHERE id = ?", entry.ID).Scan(&count); err != nil {
		t.Fatalf("failed to count retry_queue rows: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected retry entry removed after success, still found %d", count)
	}
}

func TestPermanentFailureLifecycle(t *testing.T) {
	s := newTestStore(t)
	id, err := s.RecordPermanentFailure("t1", "file.mkv", "infringing_file", "DMCA notice")
	if err != nil {
		t.Fatalf("RecordPermanentFailure failed: %v", err)
	}

	unprocessed, err := s.ListUnprocessedFailures()
	if err != nil {
		t.Fatalf("ListUnprocessedFailures failed: %v", err)
	}
	if len(unprocessed) != 1 {
		t.Fatalf("expected 1 unprocessed failure, got %d", len(unprocessed))
	}

	if err := s.MarkPermanentFailureProcessed(id); err != nil {
		t.Fatalf("MarkPermanentFailureProcessed failed: %v", err)
	}
	unprocessed, _ = s.ListUnprocessedFailures()
	if len(unprocessed) != 0 {
		t.Fatalf("expected 0 unprocessed failures after marking processed, got %d", len(unprocessed))
	}
}

func TestSettingsRoundTripEncrypted(t *testing.T) {
	s := newTestStore(t)
	if err := s.SetSetting("provider_token", "super-secret-token-value", true); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	var raw string
	if err := s.DB.QueryRow("SELECT value FROM settings WHERE key = 'provider_token'").Scan(&raw); err != nil {
		t.Fatalf("failed to read raw setting: %v", err)
	}

	got, found, err := s.GetSetting("provider_token")
	if err != nil {
		t.Fatalf("GetSetting failed: %v", err)
	}
	if !found {
		t.Fatal("expected setting to be found")
	}
	if got != "super-secret-token-value" {
		t.Fatalf("expected round-tripped plaintext, got %q", got)
	}
}

func TestScanProgressRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if err := s.StartScan(ScanQuick, 100); err != nil {
		t.Fatalf("StartScan failed: %v", err)
	}
	p, err := s.GetScanProgress(ScanQuick)
	if err != nil {
		t.Fatalf("GetScanProgress failed: %v", err)
	}
	if p.Status != ScanStatusRunning || p.TotalExpected != 100 {
		t.Fatalf("unexpected scan progress after start: %+v", p)
	}

	if err := s.CompleteScan(ScanQuick); err != nil {
		t.Fatalf("CompleteScan failed: %v", err)
	}
	p, _ = s.GetScanProgress(ScanQuick)
	if p.Status != ScanStatusCompleted {
		t.Fatalf("expected completed status, got %q", p.Status)
	}
}

func TestSymlinkWalkStateDefaultsToIdle(t *testing.T) {
	s := newTestStore(t)
	st, err := s.GetSymlinkWalkState()
	if err != nil {
		t.Fatalf("GetSymlinkWalkState failed: %v", err)
	}
	if st.ScanInProgress || st.CurrentDirectory != "" {
		t.Fatalf("expected idle default state, got %+v", st)
	}
}

func TestSymlinkWalkStateCheckpointAndResume(t *testing.T) {
	s := newTestStore(t)

	if err := s.CheckpointSymlinkWalk("Movies", 0, 3, 2); err != nil {
		t.Fatalf("CheckpointSymlinkWalk failed: %v", err)
	}
	st, err := s.GetSymlinkWalkState()
	if err != nil {
		t.Fatalf("GetSymlinkWalkState failed: %v", err)
	}
	if !st.ScanInProgress || st.CurrentDirectory != "Movies" || st.TotalDirectories != 3 {
		t.Fatalf("unexpected checkpoint state: %+v", st)
	}

	if err := s.CheckpointSymlinkWalk("TV", 1, 3, 5); err != nil {
		t.Fatalf("CheckpointSymlinkWalk failed: %v", err)
	}
	st, _ = s.GetSymlinkWalkState()
	if st.CurrentDirectory != "TV" || st.CurrentIndex != 1 || st.TotalSymlinksFound != 5 {
		t.Fatalf("expected checkpoint to advance to TV, got %+v", st)
	}

	if err := s.CompleteSymlinkWalk(5); err != nil {
		t.Fatalf("CompleteSymlinkWalk failed: %v", err)
	}
	st, _ = s.GetSymlinkWalkState()
	if st.ScanInProgress || st.CurrentDirectory != "" {
		t.Fatalf("expected walk state cleared after completion, got %+v", st)
	}
	if st.TotalProcessed != 5 {
		t.Fatalf("expected total_processed to roll up to 5, got %d", st.TotalProcessed)
	}
	if st.LastScanDate == nil {
		t.Fatal("expected last_scan_date to be stamped on completion")
	}
}

func TestSymlinkHistoryRoundTrip(t *testing.T) {
	s := newTestStore(t)
	id, err := s.RecordSymlinkHistory(&SymlinkHistoryEntry{
		SourcePath: "/media/Show/ep1.mkv", Status: "broken", ProcessedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("RecordSymlinkHistory failed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected nonzero id")
	}

	broken, err := s.ListBrokenSymlinks(10)
	if err != nil {
		t.Fatalf("ListBrokenSymlinks failed: %v", err)
	}
	if len(broken) != 1 {
		t.Fatalf("expected 1 broken symlink entry, got %d", len(broken))
	}
}
