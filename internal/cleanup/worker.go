// Package cleanup drains the deferred-retry queue FailureHandler feeds,
// re-attempting each due entry's re-submission and rescheduling or
// retiring it depending on the outcome.
package cleanup

import (
	"context"
	"fmt"

	"github.com/mescon/rdsentinel/internal/domain"
	"github.com/mescon/rdsentinel/internal/eventbus"
	"github.com/mescon/rdsentinel/internal/logger"
	"github.com/mescon/rdsentinel/internal/reinject"
	"github.com/mescon/rdsentinel/internal/store"
)

// Worker processes due retry-queue entries.
type Worker struct {
	store    *store.Store
	reinject *reinject.Worker
	eventBus *eventbus.EventBus
}

// New builds a Worker.
func New(st *store.Store, rw *reinject.Worker) *Worker {
	return &Worker{store: st, reinject: rw}
}

// SetEventBus wires eb as the destination for cleanup_completed and
// retry_exhausted events, returning w for chaining at the composition
// root. A Worker with no EventBus set publishes nothing.
func (w *Worker) SetEventBus(eb *eventbus.EventBus) *Worker {
	w.eventBus = eb
	return w
}

func (w *Worker) publish(eventType domain.EventType, aggregateID string, data map[string]interface{}) {
	if w.eventBus == nil {
		return
	}
	if err := w.eventBus.Publish(domain.Event{
		AggregateType: "retry_queue",
		AggregateID:   aggregateID,
		EventType:     eventType,
		EventData:     data,
	}); err != nil {
		logger.Errorf("cleanup worker: publish %s failed: %v", eventType, err)
	}
}

// Summary reports the outcome of one drain pass.
type Summary struct {
	Processed int
	Succeeded int
	Failed    int
	Errors    []string
}

// Run drains every due retry-queue entry, re-attempting re-submission
// for each — mirrors process_pending_retries in full, including
// reconstructing the torrent record from the live torrents table
// rather than trusting anything cached in the retry-queue row itself.
func (w *Worker) Run(ctx context.Context) (Summary, error) {
	pending, err := w.store.GetPendingRetries()
	if err != nil {
		return Summary{}, fmt.Errorf("get pending retries: %w", err)
	}
	if len(pending) == 0 {
		logger.Debugf("cleanup worker: no retries due")
		return Summary{}, nil
	}

	logger.Infof("cleanup worker: %d retries due for processing", len(pending))

	var summary Summary
	for _, entry := range pending {
		torrent, err := w.store.GetTorrent(entry.TorrentID)
		if err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: lookup failed: %v", entry.TorrentID, err))
			continue
		}
		if torrent == nil {
			logger.Warnf("cleanup worker: torrent %s no longer exists, dropping retry entry", entry.TorrentID)
			if remErr := w.store.RemoveFromRetryQueue(entry.ID); remErr != nil {
				summary.Errors = append(summary.Errors, fmt.Sprintf("%s: remove stale retry: %v", entry.TorrentID, remErr))
			}
			continue
		}

		ok, msg := w.reinject.Reinject(ctx, torrent)
		summary.Processed++

		if err := w.store.UpdateRetryAttempt(entry.ID, ok); err != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: update retry attempt: %v", entry.TorrentID, err))
		}

		if ok {
			summary.Succeeded++
			logger.Infof("cleanup worker: retry succeeded for %s", truncate(entry.Filename, 50))
		} else {
			summary.Failed++
			logger.Warnf("cleanup worker: retry failed for %s: %s", truncate(entry.Filename, 50), msg)

			if entry.RetryCount+1 >= store.MaxRetryCount {
				w.publish(domain.RetryExhausted, entry.TorrentID, map[string]interface{}{
					"torrent_id": entry.TorrentID,
					"filename":   entry.Filename,
					"error_type": entry.ErrorType,
				})
				logger.Warnf("cleanup worker: retry queue exhausted for %s after %d attempts", truncate(entry.Filename, 50), entry.RetryCount+1)
			}
		}
	}

	w.publish(domain.CleanupCompleted, "", map[string]interface{}{
		"success":   len(summary.Errors) == 0,
		"processed": summary.Processed,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
	})

	return summary, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
