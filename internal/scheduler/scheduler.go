// Package scheduler owns the periodic-scan cadence and the
// long-running tasks that make up the dual-thread pipeline — mirrors
// TorrentManager.scan_torrents (quick/full cadences) and
// DualThreadRDManager (starting/stopping the continuous tasks),
// using robfig/cron/v3 for the fixed cadences the way the teacher's
// own SchedulerService drives its scan schedules.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mescon/rdsentinel/internal/cleanup"
	"github.com/mescon/rdsentinel/internal/config"
	"github.com/mescon/rdsentinel/internal/domain"
	"github.com/mescon/rdsentinel/internal/eventbus"
	"github.com/mescon/rdsentinel/internal/logger"
	"github.com/mescon/rdsentinel/internal/pipeline"
	"github.com/mescon/rdsentinel/internal/priority"
	"github.com/mescon/rdsentinel/internal/provider"
	"github.com/mescon/rdsentinel/internal/store"
	"github.com/mescon/rdsentinel/internal/validator"
)

// chunkSize/maxChunksPerSession bound one invocation of the full scan,
// mirroring _scan_torrents_full's chunk_size=1000, max_chunks_per_session=5.
const (
	fullScanChunkSize       = 1000
	fullScanMaxChunksPerRun = 5
	fullScanInterChunkPause = time.Second
	quickScanCronEvery      = "@every 10m"
	fullScanCronEvery       = "@every 6h"
)

// ScanResult summarizes one quick or full catalog scan.
type ScanResult struct {
	Mode             string
	TotalTorrents    int
	FailedTorrents   int
	ValidationErrors int
	ChunksProcessed  int
	CurrentOffset    int
	Completed        bool
	Duration         time.Duration
}

// Scheduler owns the ContinuousTester producer/consumer pipeline, the
// CleanupWorker's periodic drain, a monitoring task, and the fixed
// quick/full/symlinks catalog-scan cadences — mirrors the component
// table's "starts/stops C10+C9; persists cursors; coordinates graceful
// shutdown".
type Scheduler struct {
	cfg      *config.Config
	store    *store.Store
	provider *provider.Client
	validate *validator.Validator
	tester   *pipeline.ContinuousTester
	cleanup  *cleanup.Worker
	cron     *cron.Cron
	eventBus *eventbus.EventBus

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds a Scheduler wired to its already-constructed dependencies.
func New(cfg *config.Config, st *store.Store, pc *provider.Client, v *validator.Validator, tester *pipeline.ContinuousTester, cw *cleanup.Worker) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		provider: pc,
		validate: v,
		tester:   tester,
		cleanup:  cw,
		cron:     cron.New(),
	}
}

// SetEventBus wires eb as the destination for scan_start/progress/
// complete/error events, returning s for chaining at the composition
// root. A Scheduler with no EventBus set publishes nothing.
func (s *Scheduler) SetEventBus(eb *eventbus.EventBus) *Scheduler {
	s.eventBus = eb
	return s
}

func (s *Scheduler) publish(eventType domain.EventType, mode string, data map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	if err := s.eventBus.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   mode,
		EventType:     eventType,
		EventData:     data,
	}); err != nil {
		logger.Errorf("scheduler: publish %s failed: %v", eventType, err)
	}
}

// Start launches the ContinuousTester pipeline, the CleanupWorker drain
// loop, the monitoring task, and registers the quick/full catalog-scan
// cron jobs; no separate symlinks cron job is registered. Safe to call
// once; a second call is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tester.Run(runCtx)
	}()

	s.registerCronJob("cleanup", s.cfg.CleanupLoopInterval, func() {
		if _, err := s.cleanup.Run(runCtx); err != nil {
			logger.Errorf("scheduler: cleanup cycle failed: %v", err)
		}
	})
	s.registerCronJob("monitoring", s.cfg.MonitoringLoopInterval, func() {
		s.logStats()
	})

	if _, err := s.cron.AddFunc(quickScanCronEvery, func() { s.runQuickScan(runCtx) }); err != nil {
		logger.Errorf("scheduler: failed to register quick-scan cadence: %v", err)
	}
	if _, err := s.cron.AddFunc(fullScanCronEvery, func() { s.runFullScan(runCtx) }); err != nil {
		logger.Errorf("scheduler: failed to register full-scan cadence: %v", err)
	}
	// The 6h symlinks-correlation cadence names in the component table is
	// already subsumed by ContinuousTester's own produce loop, which walks
	// and correlates continuously on TestLoopInterval/RefreshWindow — see
	// DESIGN.md. No separate cron job is registered for it.

	s.cron.Start()
	logger.Infof("scheduler: started (quick every 10m, full every 6h, symlinks continuous)")
}

// registerCronJob converts an arbitrary interval into an "@every"
// cron spec — cron.ParseStandard doesn't accept sub-minute granularity
// the way @every does, and these cadences are operator-configured
// durations, not cron expressions.
func (s *Scheduler) registerCronJob(name string, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Minute
	}
	spec := fmt.Sprintf("@every %s", interval.String())
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		logger.Errorf("scheduler: failed to register %s cadence (%s): %v", name, spec, err)
	}
}

// Stop cancels the ContinuousTester context, stops the cron engine,
// and waits for every task to exit — a single, sequential, logged
// shutdown, matching §5's graceful-shutdown requirement.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	logger.Infof("scheduler: shutting down")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	logger.Infof("scheduler: shutdown complete")
}

func (s *Scheduler) logStats() {
	stats := s.tester.Stats()
	providerStats := s.provider.Stats()
	logger.Infof("scheduler: %d walks, %d symlinks found, %d matched, %d reinjected, %d failed — provider delay %s, circuit %s",
		stats.Walks, stats.SymlinksFound, stats.TorrentsMatched, stats.Reinjected, stats.Failed,
		providerStats.CurrentDelay, providerStats.CircuitState)
}

// RunQuickScan triggers a quick scan on demand — the control plane's
// POST /torrents/scan{mode:quick} handler calls this directly instead
// of waiting for the 10m cron cadence.
func (s *Scheduler) RunQuickScan(ctx context.Context) (ScanResult, error) {
	return s.runQuickScan(ctx)
}

// RunFullScan triggers a full scan session on demand — the control
// plane's POST /torrents/scan{mode:full} handler calls this directly
// instead of waiting for the 6h cron cadence. Subject to the same
// fullScanMaxChunksPerRun cap as the scheduled cadence.
func (s *Scheduler) RunFullScan(ctx context.Context) (ScanResult, error) {
	return s.runFullScan(ctx)
}

// runQuickScan re-fetches the provider's catalog one failed status at a
// time and persists each entry — mirrors _scan_torrents_quick, which
// scans FAILED_STATUSES individually rather than paginating the whole
// catalog.
func (s *Scheduler) runQuickScan(ctx context.Context) (ScanResult, error) {
	start := time.Now()
	s.publish(domain.ScanStart, "quick", map[string]interface{}{"mode": "quick"})

	if err := s.store.StartScan(store.ScanQuick, 0); err != nil {
		s.publish(domain.ScanError, "quick", map[string]interface{}{"mode": "quick", "error": err.Error()})
		return ScanResult{}, fmt.Errorf("start quick scan: %w", err)
	}

	var result ScanResult
	result.Mode = "quick"

	for status := range store.FailedSet {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		torrents, res := s.provider.GetTorrents(ctx, status, fullScanChunkSize, 0)
		if res.Outcome != provider.OutcomeSuccess {
			logger.Warnf("scheduler: quick scan failed for status %s: %s", status, res.Error)
			continue
		}
		logger.Infof("scheduler: quick scan status %s: %d torrents", status, len(torrents))

		updated, validationErrors := s.processTorrentBatch(torrents)
		result.TotalTorrents += len(torrents)
		result.FailedTorrents += updated
		result.ValidationErrors += validationErrors

		s.publish(domain.ScanProgressEvent, "quick", map[string]interface{}{
			"mode":   "quick",
			"status": status,
			"count":  len(torrents),
		})
	}

	if err := s.store.CompleteScan(store.ScanQuick); err != nil {
		logger.Errorf("scheduler: failed to mark quick scan complete: %v", err)
	}

	result.Duration = time.Since(start)
	logger.Infof("scheduler: quick scan complete — %d failed torrents checked (%s)", result.FailedTorrents, result.Duration)
	s.publish(domain.ScanComplete, "quick", map[string]interface{}{
		"mode":              "quick",
		"total_torrents":    result.TotalTorrents,
		"failed_torrents":   result.FailedTorrents,
		"validation_errors": result.ValidationErrors,
	})
	return result, nil
}

// processTorrentBatch validates, prioritizes, and upserts each catalog
// entry — mirrors _process_torrents_batch's validate/prioritize/upsert
// sequence, shared by both the quick and full scan cadences.
func (s *Scheduler) processTorrentBatch(torrents []provider.Torrent) (updated, validationErrors int) {
	for _, pt := range torrents {
		if valid, reason := s.validate.ValidateMetadata(pt.ID, pt.Hash, pt.Filename, pt.Status, pt.Bytes); !valid {
			logger.Warnf("scheduler: skipping invalid torrent %s: %s", pt.ID, reason)
			validationErrors++
			continue
		}

		added, err := time.Parse(time.RFC3339, pt.Added)
		if err != nil {
			added = time.Now().UTC()
		}
		prio := priority.Calculate(priority.Input{Status: pt.Status, Bytes: pt.Bytes, Added: added}, s.cfg)

		record, err := s.store.GetTorrent(pt.ID)
		if err != nil {
			logger.Errorf("scheduler: lookup failed for %s: %v", pt.ID, err)
			continue
		}
		if record == nil {
			record = &store.Torrent{ID: pt.ID, Hash: pt.Hash, FirstSeen: time.Now().UTC()}
		}
		record.Filename = pt.Filename
		record.Status = pt.Status
		record.Size = pt.Bytes
		record.Priority = prio
		record.LastSeen = time.Now().UTC()
		if err := s.store.UpsertTorrent(record); err != nil {
			logger.Errorf("scheduler: failed to persist %s: %v", pt.ID, err)
			continue
		}
		updated++
	}
	return updated, validationErrors
}

// runFullScan paginates the entire provider catalog in bounded chunks,
// persisting a resumable cursor — mirrors _scan_torrents_full exactly,
// including the 1000-row chunk size and 5-chunks-per-invocation cap.
func (s *Scheduler) runFullScan(ctx context.Context) (ScanResult, error) {
	start := time.Now()
	s.publish(domain.ScanStart, "full", map[string]interface{}{"mode": "full"})

	progress, err := s.store.GetScanProgress(store.ScanFull)
	if err != nil {
		s.publish(domain.ScanError, "full", map[string]interface{}{"mode": "full", "error": err.Error()})
		return ScanResult{}, fmt.Errorf("get scan progress: %w", err)
	}

	offset := progress.CurrentOffset
	if progress.Status != store.ScanStatusRunning {
		offset = 0
		if err := s.store.StartScan(store.ScanFull, 0); err != nil {
			return ScanResult{}, fmt.Errorf("start full scan: %w", err)
		}
	}

	logger.Infof("scheduler: resuming full scan at offset %d", offset)

	var result ScanResult
	result.Mode = "full"

	for result.ChunksProcessed < fullScanMaxChunksPerRun {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		chunk, res := s.provider.GetTorrents(ctx, "", fullScanChunkSize, offset)
		if res.Outcome != provider.OutcomeSuccess {
			logger.Errorf("scheduler: full scan chunk fetch failed at offset %d: %s", offset, res.Error)
			s.publish(domain.ScanError, "full", map[string]interface{}{"mode": "full", "offset": offset, "error": res.Error})
			break
		}

		if len(chunk) == 0 {
			result.Completed = true
			if err := s.store.UpdateScanProgress(&store.ScanProgress{
				ScanType:      store.ScanFull,
				CurrentOffset: 0,
				TotalExpected: result.TotalTorrents,
				Status:        store.ScanStatusCompleted,
			}); err != nil {
				logger.Errorf("scheduler: failed to persist completed full scan progress: %v", err)
			}
			logger.Infof("scheduler: full scan reached end of catalog, marking completed")
			break
		}

		chunkFailed := 0
		for _, pt := range chunk {
			if store.FailedSet[pt.Status] {
				chunkFailed++
			}
		}
		_, validationErrors := s.processTorrentBatch(chunk)

		result.TotalTorrents += len(chunk)
		result.FailedTorrents += chunkFailed
		result.ValidationErrors += validationErrors
		result.ChunksProcessed++
		offset += fullScanChunkSize
		result.CurrentOffset = offset

		if err := s.store.UpdateScanProgress(&store.ScanProgress{
			ScanType:      store.ScanFull,
			CurrentOffset: offset,
			TotalExpected: result.TotalTorrents,
			Status:        store.ScanStatusRunning,
		}); err != nil {
			logger.Errorf("scheduler: failed to persist full scan progress: %v", err)
		}

		logger.Infof("scheduler: full scan chunk %d/%d — %d torrents, %d failed",
			result.ChunksProcessed, fullScanMaxChunksPerRun, len(chunk), chunkFailed)
		s.publish(domain.ScanProgressEvent, "full", map[string]interface{}{
			"mode":   "full",
			"offset": offset,
			"count":  len(chunk),
		})

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(fullScanInterChunkPause):
		}
	}

	result.Duration = time.Since(start)
	logger.Infof("scheduler: full scan session complete — %d torrents, %d failed, %d chunks (%s)",
		result.TotalTorrents, result.FailedTorrents, result.ChunksProcessed, result.Duration)
	s.publish(domain.ScanComplete, "full", map[string]interface{}{
		"mode":             "full",
		"total_torrents":   result.TotalTorrents,
		"failed_torrents":  result.FailedTorrents,
		"chunks_processed": result.ChunksProcessed,
		"completed":        result.Completed,
	})
	return result, nil
}
