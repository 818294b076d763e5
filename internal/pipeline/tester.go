// Package pipeline implements the dual-thread core described in the
// system overview: a symlink-walking producer that correlates broken
// links against the provider's catalog, and a re-submission consumer
// that drains the resulting candidates — mirrors main_dual_thread.py's
// testing thread (run_continuous_testing), built from the lower-level
// operations retrieved from torrent_manager.py/symlink_checker.py since
// the dedicated test-processor module itself was not part of the
// retrieved pack.
package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/mescon/rdsentinel/internal/config"
	"github.com/mescon/rdsentinel/internal/correlate"
	"github.com/mescon/rdsentinel/internal/domain"
	"github.com/mescon/rdsentinel/internal/eventbus"
	"github.com/mescon/rdsentinel/internal/logger"
	"github.com/mescon/rdsentinel/internal/provider"
	"github.com/mescon/rdsentinel/internal/reinject"
	"github.com/mescon/rdsentinel/internal/store"
	"github.com/mescon/rdsentinel/internal/symlink"
)

// candidate is one broken-link-derived torrent promoted by the
// Correlator, queued for the consumer side of the pipeline.
type candidate struct {
	source  symlink.Result
	torrent *store.Torrent
}

// ContinuousTester runs the producer (symlink walk + correlate) and
// consumer (reinject) halves of the pipeline concurrently, connected
// by a channel — mirrors the dual-thread architecture's testing thread.
type ContinuousTester struct {
	cfg      *config.Config
	store    *store.Store
	provider *provider.Client
	walker   *symlink.Walker
	reinject *reinject.Worker
	eventBus *eventbus.EventBus

	mu    sync.Mutex
	stats Stats
}

// Stats reports cumulative counters for the monitoring task.
type Stats struct {
	Walks           int
	SymlinksFound   int
	TorrentsMatched int
	Reinjected      int
	Failed          int
}

// New builds a ContinuousTester wired to its already-constructed
// dependencies.
func New(cfg *config.Config, st *store.Store, pc *provider.Client, w *symlink.Walker, rw *reinject.Worker) *ContinuousTester {
	return &ContinuousTester{cfg: cfg, store: st, provider: pc, walker: w, reinject: rw}
}

// SetEventBus wires eb as the destination for symlink_scan_start/complete
// and symlink_match_start/complete events, returning t for chaining at
// the composition root. A ContinuousTester with no EventBus set
// publishes nothing.
func (t *ContinuousTester) SetEventBus(eb *eventbus.EventBus) *ContinuousTester {
	t.eventBus = eb
	return t
}

func (t *ContinuousTester) publish(eventType domain.EventType, data map[string]interface{}) {
	if t.eventBus == nil {
		return
	}
	if err := t.eventBus.Publish(domain.Event{
		AggregateType: "symlink_scan",
		AggregateID:   t.cfg.MediaRoot,
		EventType:     eventType,
		EventData:     data,
	}); err != nil {
		logger.Errorf("continuous tester: publish %s failed: %v", eventType, err)
	}
}

// Stats returns a snapshot of the cumulative run counters.
func (t *ContinuousTester) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// TriggerScan runs one symlink walk/correlate pass and reinjects every
// matched candidate synchronously, then returns how many were matched
// and how many were successfully reinjected — the control plane's
// POST /symlinks/scan handler calls this directly rather than waiting
// for the continuous producer/consumer loop's next cycle.
func (t *ContinuousTester) TriggerScan(ctx context.Context) (matched, reinjected int) {
	queue := make(chan candidate, t.cfg.WalkerBatchSize)
	before := t.Stats().Reinjected
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.consume(ctx, queue)
	}()
	matched = t.walkAndCorrelate(ctx, queue)
	close(queue)
	<-done

	t.mu.Lock()
	t.stats.Walks++
	t.mu.Unlock()

	return matched, t.Stats().Reinjected - before
}

// Run starts the producer and consumer goroutines, connected by a
// buffered channel sized to the configured batch, and blocks until ctx
// is cancelled and both have exited.
func (t *ContinuousTester) Run(ctx context.Context) {
	logger.Infof("continuous tester: starting producer/consumer pipeline")

	batchSize := t.cfg.WalkerBatchSize
	if batchSize <= 0 {
		batchSize = 10
	}
	queue := make(chan candidate, batchSize)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer close(queue)
		t.produce(ctx, queue)
	}()
	go func() {
		defer wg.Done()
		t.consume(ctx, queue)
	}()

	wg.Wait()
	logger.Infof("continuous tester: pipeline stopped")
}

// produce repeatedly walks the media root, correlates the broken links
// it finds against the provider's catalog, and pushes every match onto
// queue in lexicographic filename order. When a walk turns up nothing
// new, it sleeps for RefreshWindow before trying again — mirrors "when
// the walker is exhausted, sleep until the next refresh interval and
// begin a new walk".
func (t *ContinuousTester) produce(ctx context.Context, queue chan<- candidate) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		matched := t.walkAndCorrelate(ctx, queue)

		t.mu.Lock()
		t.stats.Walks++
		t.mu.Unlock()

		wait := t.cfg.TestLoopInterval
		if matched == 0 {
			wait = t.cfg.RefreshWindow
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (t *ContinuousTester) walkAndCorrelate(ctx context.Context, queue chan<- candidate) int {
	scanStart := time.Now()
	t.publish(domain.SymlinkScanStart, map[string]interface{}{
		"scan_path": t.cfg.MediaRoot,
	})

	resumeFrom := ""
	if prior, err := t.store.GetSymlinkWalkState(); err != nil {
		logger.Errorf("continuous tester: failed to load symlink walk state: %v", err)
	} else if prior.ScanInProgress {
		resumeFrom = prior.CurrentDirectory
		logger.Infof("continuous tester: resuming symlink walk from %q (directory %d/%d)",
			resumeFrom, prior.CurrentIndex, prior.TotalDirectories)
	}

	var runningFound int
	brokenByDir, err := t.walker.ScanMediaRootResumable(ctx, t.cfg.MediaRoot, resumeFrom, func(dir string, index, total, foundInDir int) {
		runningFound += foundInDir
		if ckErr := t.store.CheckpointSymlinkWalk(dir, index, total, runningFound); ckErr != nil {
			logger.Errorf("continuous tester: failed to checkpoint symlink walk at %q: %v", dir, ckErr)
		}
	})
	cancelled := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	if err != nil && !cancelled {
		logger.Errorf("continuous tester: symlink scan failed: %v", err)
		return 0
	}

	var broken []symlink.Result
	for _, results := range brokenByDir {
		broken = append(broken, results...)
	}
	found := len(broken)

	if !cancelled {
		// The walk ran to completion instead of being cut short by ctx
		// cancellation; clear the resume cursor so the next cycle starts
		// a fresh pass rather than resuming from the last directory.
		if compErr := t.store.CompleteSymlinkWalk(found); compErr != nil {
			logger.Errorf("continuous tester: failed to clear symlink walk state: %v", compErr)
		}
	}

	t.publish(domain.SymlinkScanComplete, map[string]interface{}{
		"scan_path":     t.cfg.MediaRoot,
		"total_broken":  len(broken),
		"scan_duration": time.Since(scanStart).Seconds(),
	})

	if len(broken) == 0 {
		return 0
	}

	sort.Slice(broken, func(i, j int) bool { return broken[i].SourcePath < broken[j].SourcePath })

	for _, r := range broken {
		entry := &store.SymlinkHistoryEntry{
			SourcePath:   r.SourcePath,
			TargetPath:   r.TargetPath,
			TorrentName:  r.TorrentName,
			Status:       r.Status,
			Size:         r.Size,
			ErrorMessage: r.ErrorMessage,
			ProcessedAt:  time.Now().UTC(),
		}
		if _, err := t.store.RecordSymlinkHistory(entry); err != nil {
			logger.Errorf("continuous tester: failed to record symlink history for %s: %v", r.SourcePath, err)
		}
	}

	names := symlink.UniqueTorrentNames(broken)
	logger.Infof("continuous tester: %d broken symlinks found across %d distinct torrent names", len(broken), len(names))

	t.publish(domain.SymlinkMatchStart, map[string]interface{}{
		"total_symlinks": len(names),
	})

	catalog, res := t.provider.GetTorrents(ctx, "", 1000, 0)
	if res.Outcome != provider.OutcomeSuccess {
		logger.Errorf("continuous tester: failed to fetch provider catalog for correlation: %s", res.Error)
		return 0
	}

	byName := make(map[string]symlink.Result, len(broken))
	for _, r := range broken {
		byName[r.TorrentName] = r
	}

	matched := 0
	for _, name := range names {
		match, ok := correlate.Match(name, catalog, t.cfg.CorrelatorMatchThreshold)
		if !ok {
			continue
		}

		record, err := t.store.GetTorrent(match.ID)
		if err != nil {
			logger.Errorf("continuous tester: lookup failed for matched torrent %s: %v", match.ID, err)
			continue
		}
		if record == nil {
			record = &store.Torrent{ID: match.ID, Hash: match.Hash, Filename: match.Filename, FirstSeen: time.Now().UTC()}
		}
		record.Status = store.StatusSymlinkBroken
		record.Priority = 3
		record.LastSeen = time.Now().UTC()
		if err := t.store.UpsertTorrent(record); err != nil {
			logger.Errorf("continuous tester: failed to persist symlink_broken status for %s: %v", match.ID, err)
			continue
		}

		matched++
		select {
		case <-ctx.Done():
			return matched
		case queue <- candidate{source: byName[name], torrent: record}:
		}
	}

	t.mu.Lock()
	t.stats.SymlinksFound += len(broken)
	t.stats.TorrentsMatched += matched
	t.mu.Unlock()

	matchRate := 0.0
	if len(names) > 0 {
		matchRate = float64(matched) / float64(len(names))
	}
	t.publish(domain.SymlinkMatchComplete, map[string]interface{}{
		"total_symlinks": len(names),
		"matched_count":  matched,
		"match_rate":     matchRate,
	})

	return matched
}

// consume drains queue, driving ReinjectionWorker against each
// candidate in the order the producer emitted it.
func (t *ContinuousTester) consume(ctx context.Context, queue <-chan candidate) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-queue:
			if !ok {
				return
			}
			t.processOne(ctx, c)
		}
	}
}

func (t *ContinuousTester) processOne(ctx context.Context, c candidate) {
	ok, msg := t.reinject.Reinject(ctx, c.torrent)

	t.mu.Lock()
	if ok {
		t.stats.Reinjected++
	} else {
		t.stats.Failed++
	}
	t.mu.Unlock()

	if ok {
		logger.Infof("continuous tester: re-submitted %s (%s)", c.torrent.ID, msg)
	} else {
		logger.Warnf("continuous tester: re-submission failed for %s: %s", c.torrent.ID, msg)
	}
}
