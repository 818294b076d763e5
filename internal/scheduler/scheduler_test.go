package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mescon/rdsentinel/internal/cleanup"
	"github.com/mescon/rdsentinel/internal/config"
	"github.com/mescon/rdsentinel/internal/domain"
	"github.com/mescon/rdsentinel/internal/eventbus"
	"github.com/mescon/rdsentinel/internal/failure"
	"github.com/mescon/rdsentinel/internal/pipeline"
	"github.com/mescon/rdsentinel/internal/provider"
	"github.com/mescon/rdsentinel/internal/rategate"
	"github.com/mescon/rdsentinel/internal/reinject"
	"github.com/mescon/rdsentinel/internal/store"
	"github.com/mescon/rdsentinel/internal/symlink"
	"github.com/mescon/rdsentinel/internal/validator"
)

func buildScheduler(t *testing.T, serverURL string) (*Scheduler, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := config.NewTestConfig()
	cfg.MediaRoot = t.TempDir()

	gate := rategate.New(rategate.Config{MaxPerMinute: 250, Window: time.Minute})
	pc := provider.New(serverURL, "token", gate)
	v := validator.New()
	fh := failure.New(st, cfg, gate, true)
	rw := reinject.New(st, pc, v, fh, cfg, true)
	w := symlink.New(2)
	tester := pipeline.New(cfg, st, pc, w, rw)
	cw := cleanup.New(st, rw)

	return New(cfg, st, pc, v, tester, cw), st
}

func TestRunQuickScanFetchesEachFailedStatusAndUpserts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("filter")
		json.NewEncoder(w).Encode([]provider.Torrent{
			{ID: "q-" + status, Hash: "3333333333333333333333333333333333333333", Filename: "quick.mkv", Status: status, Bytes: 1 << 20},
		})
	}))
	defer server.Close()

	s, st := buildScheduler(t, server.URL)
	result, err := s.runQuickScan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalTorrents == 0 {
		t.Fatalf("expected quick scan to find torrents across failed statuses, got %+v", result)
	}

	progress, err := st.GetScanProgress(store.ScanQuick)
	if err != nil {
		t.Fatal(err)
	}
	if progress.Status != store.ScanStatusCompleted {
		t.Fatalf("expected quick scan marked completed, got %s", progress.Status)
	}
}

func TestRunFullScanPaginatesAndPersistsCursor(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls > 2 {
			json.NewEncoder(w).Encode([]provider.Torrent{})
			return
		}
		json.NewEncoder(w).Encode([]provider.Torrent{
			{ID: "f1", Hash: "4444444444444444444444444444444444444444", Filename: "full.mkv", Status: "downloaded", Bytes: 1 << 20},
		})
	}))
	defer server.Close()

	s, st := buildScheduler(t, server.URL)
	result, err := s.runFullScan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.ChunksProcessed == 0 {
		t.Fatalf("expected at least one chunk processed, got %+v", result)
	}

	record, err := st.GetTorrent("f1")
	if err != nil {
		t.Fatal(err)
	}
	if record == nil {
		t.Fatal("expected torrent f1 to be persisted by full scan")
	}

	progress, err := st.GetScanProgress(store.ScanFull)
	if err != nil {
		t.Fatal(err)
	}
	if progress.Status != store.ScanStatusCompleted || progress.CurrentOffset != 0 {
		t.Fatalf("expected full scan cursor persisted as completed at offset 0, got %+v", progress)
	}
}

func TestRunFullScanStopsAtMaxChunksPerInvocation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		offset := r.URL.Query().Get("offset")
		json.NewEncoder(w).Encode([]provider.Torrent{
			{ID: "chunk-" + offset, Hash: "5555555555555555555555555555555555555555", Filename: "x.mkv", Status: "downloaded", Bytes: 1024},
		})
	}))
	defer server.Close()

	s, _ := buildScheduler(t, server.URL)
	result, err := s.runFullScan(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.ChunksProcessed != fullScanMaxChunksPerRun {
		t.Fatalf("expected exactly %d chunks per invocation, got %d", fullScanMaxChunksPerRun, result.ChunksProcessed)
	}
	if result.Completed {
		t.Fatalf("expected scan not marked completed when the catalog isn't exhausted")
	}
}

func TestStartAndStopRunsContinuousTesterAndShutsDownCleanly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]provider.Torrent{})
	}))
	defer server.Close()

	s, _ := buildScheduler(t, server.URL)
	ctx := context.Background()

	s.Start(ctx)
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected Stop to return promptly")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]provider.Torrent{})
	}))
	defer server.Close()

	s, _ := buildScheduler(t, server.URL)
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
}

func TestRunQuickScanPublishesScanEvents(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("filter")
		json.NewEncoder(w).Encode([]provider.Torrent{
			{ID: "q-" + status, Hash: "6666666666666666666666666666666666666666", Filename: "quick.mkv", Status: status, Bytes: 1 << 20},
		})
	}))
	defer server.Close()

	s, st := buildScheduler(t, server.URL)
	eb := eventbus.NewEventBus(st.DB)
	s.SetEventBus(eb)

	received := make(chan domain.EventType, 8)
	for _, et := range []domain.EventType{domain.ScanStart, domain.ScanProgressEvent, domain.ScanComplete} {
		et := et
		eb.Subscribe(et, func(e domain.Event) { received <- e.EventType })
	}

	if _, err := s.runQuickScan(context.Background()); err != nil {
		t.Fatal(err)
	}

	seen := map[domain.EventType]bool{}
	for {
		select {
		case et := <-received:
			seen[et] = true
		case <-time.After(200 * time.Millisecond):
			if !seen[domain.ScanStart] || !seen[domain.ScanProgressEvent] || !seen[domain.ScanComplete] {
				t.Fatalf("expected scan_start, scan_progress and scan_complete published, got %v", seen)
			}
			return
		}
	}
}
