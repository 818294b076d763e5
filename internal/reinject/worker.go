// Package reinject drives re-submission of failed catalog entries back
// to the provider, in priority order and bounded by the provider's
// current rate-limit recommendation.
package reinject

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mescon/rdsentinel/internal/config"
	"github.com/mescon/rdsentinel/internal/domain"
	"github.com/mescon/rdsentinel/internal/eventbus"
	"github.com/mescon/rdsentinel/internal/failure"
	"github.com/mescon/rdsentinel/internal/logger"
	"github.com/mescon/rdsentinel/internal/provider"
	"github.com/mescon/rdsentinel/internal/store"
	"github.com/mescon/rdsentinel/internal/validator"
)

// Worker re-submits failed torrents to the provider.
type Worker struct {
	store    *store.Store
	provider *provider.Client
	validate *validator.Validator
	failure  *failure.Handler
	cfg      *config.Config
	dryRun   bool
	eventBus *eventbus.EventBus
}

// New builds a Worker.
func New(st *store.Store, pc *provider.Client, v *validator.Validator, fh *failure.Handler, cfg *config.Config, dryRun bool) *Worker {
	return &Worker{store: st, provider: pc, validate: v, failure: fh, cfg: cfg, dryRun: dryRun}
}

// SetEventBus wires eb as the destination for reinject_start/complete
// events, returning w for chaining at the composition root. A Worker
// with no EventBus set publishes nothing.
func (w *Worker) SetEventBus(eb *eventbus.EventBus) *Worker {
	w.eventBus = eb
	return w
}

func (w *Worker) publish(eventType domain.EventType, torrentID string, data map[string]interface{}) {
	if w.eventBus == nil {
		return
	}
	if err := w.eventBus.Publish(domain.Event{
		AggregateType: "torrent",
		AggregateID:   torrentID,
		EventType:     eventType,
		EventData:     data,
	}); err != nil {
		logger.Errorf("reinject worker: publish %s failed: %v", eventType, err)
	}
}

// Summary reports the outcome of a reinjection batch.
type Summary struct {
	Processed int
	Succeeded int
	Failed    int
	Errors    []string
}

// Candidates returns failed torrents eligible for re-submission, sorted
// by priority descending then last-seen descending, capped at
// Config.MaxConcurrentTests per cycle — mirrors
// get_reinjection_candidates's priority sort and rate-limit-aware cap.
func (w *Worker) Candidates(ctx context.Context) ([]*store.Torrent, error) {
	candidates, err := w.store.GetFailedTorrents(true)
	if err != nil {
		return nil, fmt.Errorf("get failed torrents: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].LastSeen.After(candidates[j].LastSeen)
	})

	cap := w.cfg.MaxConcurrentTests
	if cap > 0 && len(candidates) > cap {
		candidates = candidates[:cap]
	}

	logger.Infof("reinject worker: %d candidates selected for re-submission", len(candidates))
	return candidates, nil
}

// SymlinkCandidates returns torrents discovered as symlink_broken,
// used when a caller wants to re-submit only those — mirrors
// reinject_failed_torrents(scan_type='symlinks').
func (w *Worker) SymlinkCandidates(ctx context.Context) ([]*store.Torrent, error) {
	return w.store.ListTorrents(store.StatusSymlinkBroken, 1000, 0)
}

// Reinject re-submits one torrent to the provider, recording the
// attempt and dispatching any terminal failure to the FailureHandler.
// Mirrors reinject_torrent in full, including the dry-run short-circuit.
func (w *Worker) Reinject(ctx context.Context, t *store.Torrent) (ok bool, msg string) {
	start := time.Now()
	attempt := &store.Attempt{TorrentID: t.ID, AttemptDate: start}

	w.publish(domain.ReinjectStart, t.ID, map[string]interface{}{
		"torrent_id": t.ID,
		"filename":   t.Filename,
	})
	defer func() {
		w.publish(domain.ReinjectComplete, t.ID, map[string]interface{}{
			"torrent_id":    t.ID,
			"filename":      t.Filename,
			"success":       ok,
			"response_time": attempt.ResponseTimeMs,
			"error":         attempt.ErrorMessage,
		})
	}()

	if valid, msg := w.validate.ValidateHash(t.Hash); !valid {
		attempt.Success = false
		attempt.ErrorMessage = "invalid hash: " + msg
		w.recordAttempt(attempt)
		return false, attempt.ErrorMessage
	}

	ok, magnet, magnetErr := w.validate.BuildMagnet(t.Hash, t.Filename)
	if !ok {
		attempt.Success = false
		attempt.ErrorMessage = "invalid magnet: " + magnetErr
		w.recordAttempt(attempt)
		return false, attempt.ErrorMessage
	}

	if w.dryRun {
		attempt.Success = true
		attempt.APIResponse = "dry-run simulation"
		attempt.ResponseTimeMs = time.Since(start).Milliseconds()
		w.recordAttempt(attempt)
		logger.Infof("reinject worker: [dry-run] simulated re-submission of %s", t.ID)
		return true, "dry-run simulation"
	}

	newID, res := w.provider.AddMagnet(ctx, magnet)
	attempt.ResponseTimeMs = time.Since(start).Milliseconds()

	if res.Outcome == provider.OutcomeSuccess {
		attempt.Success = true
		attempt.APIResponse = newID
		w.recordAttempt(attempt)
		logger.Infof("reinject worker: re-submission succeeded for %s -> %s", t.ID, newID)
		return true, "re-submission succeeded: " + newID
	}

	attempt.Success = false
	attempt.ErrorMessage = res.Error
	attempt.APIResponse = res.Error
	w.recordAttempt(attempt)

	if res.Outcome == provider.OutcomeAuthFailure {
		w.publish(domain.AuthFailure, t.ID, map[string]interface{}{
			"torrent_id": t.ID,
			"error":      res.Error,
		})
		logger.Errorf("reinject worker: provider auth failure for %s: %s", t.ID, res.Error)
		return false, "provider auth failure: " + res.Error
	}

	w.dispatchFailure(ctx, t, res.Error)

	return false, "provider rejected re-submission: " + res.Error
}

func (w *Worker) recordAttempt(a *store.Attempt) {
	if err := w.store.RecordAttempt(a); err != nil {
		logger.Errorf("reinject worker: failed to record attempt for %s: %v", a.TorrentID, err)
	}
}

// dispatchFailure classifies a provider rejection and, for the two
// terminal error types the FailureHandler understands, hands it off —
// mirrors _handle_post_failure/_classify_api_error.
func (w *Worker) dispatchFailure(ctx context.Context, t *store.Torrent, apiError string) {
	errorType := failure.Classify(apiError)
	if errorType != failure.ErrorInfringingFile && errorType != failure.ErrorTooManyRequests {
		logger.Debugf("reinject worker: unhandled error type for post-failure processing: %s", apiError)
		return
	}

	ok, err := w.failure.Handle(ctx, t.ID, t.Filename, errorType, apiError)
	if err != nil {
		logger.Errorf("reinject worker: post-failure handling error for %s: %v", t.ID, err)
		return
	}
	if !ok {
		logger.Warnf("reinject worker: post-failure handling for %s (%s) did not fully resolve", t.ID, errorType)
	}
}

// ReinjectBatch re-submits every candidate in turn, sequentially —
// mirroring process_reinjections's sequential loop, which respects the
// provider rate limiting rather than fanning calls out concurrently.
func (w *Worker) ReinjectBatch(ctx context.Context, candidates []*store.Torrent) Summary {
	var summary Summary
	for _, t := range candidates {
		ok, msg := w.Reinject(ctx, t)
		summary.Processed++
		if ok {
			summary.Succeeded++
		} else {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %s", t.ID, msg))
		}
	}
	return summary
}

// Run selects candidates for scanType ("symlinks" or anything else for
// the general failed-torrent pool) and re-submits up to limit of them,
// mirroring reinject_failed_torrents.
func (w *Worker) Run(ctx context.Context, scanType string, limit int) (Summary, error) {
	var candidates []*store.Torrent
	var err error

	if scanType == "symlinks" {
		candidates, err = w.SymlinkCandidates(ctx)
	} else {
		candidates, err = w.Candidates(ctx)
	}
	if err != nil {
		return Summary{}, err
	}

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	return w.ReinjectBatch(ctx, candidates), nil
}
