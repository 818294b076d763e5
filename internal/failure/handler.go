// Package failure classifies and acts on terminal re-submission
// failures: deleting broken symlinks and triggering a media-manager
// rescan for infringing_file, deferring a retry for too_many_requests.
package failure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mescon/rdsentinel/internal/config"
	"github.com/mescon/rdsentinel/internal/domain"
	"github.com/mescon/rdsentinel/internal/eventbus"
	"github.com/mescon/rdsentinel/internal/logger"
	"github.com/mescon/rdsentinel/internal/rategate"
	"github.com/mescon/rdsentinel/internal/store"
)

// interCommandDelay is the pause between an indexer's rescan and
// search commands, mirroring _trigger_media_rescan's time.sleep(2)
// between posting each of a service's commands.
const interCommandDelay = 2 * time.Second

// ErrorType enumerates the only two outcomes the Handler acts on.
const (
	ErrorInfringingFile  = "infringing_file"
	ErrorTooManyRequests = "too_many_requests"
)

// Classify maps a raw provider error string to one of the handled
// error types (or "unknown"), mirroring
// torrent_manager.py's _classify_api_error: substring match on the
// lowercased text, checking the exact token first, then the looser
// "rate" + "limit" combination.
func Classify(apiError string) string {
	lower := strings.ToLower(apiError)
	switch {
	case strings.Contains(lower, ErrorInfringingFile):
		return ErrorInfringingFile
	case strings.Contains(lower, ErrorTooManyRequests):
		return ErrorTooManyRequests
	case strings.Contains(lower, "rate") && strings.Contains(lower, "limit"):
		return ErrorTooManyRequests
	default:
		return "unknown"
	}
}

// Handler dispatches terminal failures to their remediation path.
type Handler struct {
	store    *store.Store
	cfg      *config.Config
	dryRun   bool
	client   *http.Client
	gate     *rategate.Gate
	eventBus *eventbus.EventBus
}

// New builds a Handler. dryRun, when true, logs symlink deletions and
// rescan triggers instead of performing them. gate may be nil, in
// which case indexer notification calls go out unthrottled — tests
// that don't exercise the rescan path commonly pass nil.
func New(st *store.Store, cfg *config.Config, gate *rategate.Gate, dryRun bool) *Handler {
	return &Handler{
		store:  st,
		cfg:    cfg,
		dryRun: dryRun,
		client: &http.Client{Timeout: 30 * time.Second},
		gate:   gate,
	}
}

// SetEventBus wires eb as the destination for infringing_detected,
// retry_scheduled and auth_failure events, returning h for chaining at
// the composition root. A Handler with no EventBus set publishes
// nothing.
func (h *Handler) SetEventBus(eb *eventbus.EventBus) *Handler {
	h.eventBus = eb
	return h
}

func (h *Handler) publish(eventType domain.EventType, torrentID string, data map[string]interface{}) {
	if h.eventBus == nil {
		return
	}
	if err := h.eventBus.Publish(domain.Event{
		AggregateType: "torrent",
		AggregateID:   torrentID,
		EventType:     eventType,
		EventData:     data,
	}); err != nil {
		logger.Errorf("failure handler: publish %s failed: %v", eventType, err)
	}
}

// Handle dispatches one failure to its handler, per error_type. Only
// infringing_file and too_many_requests are handled here — anything
// else is the caller's responsibility (it doesn't reach the Handler in
// practice, since FailureHandler dispatch upstream already filters to
// these two types).
func (h *Handler) Handle(ctx context.Context, torrentID, filename, errorType, errorMessage string) (bool, error) {
	switch errorType {
	case ErrorInfringingFile:
		return h.handleInfringingFile(ctx, torrentID, filename, errorMessage)
	case ErrorTooManyRequests:
		return h.handleRateLimit(torrentID, filename, errorMessage)
	default:
		logger.Warnf("failure handler: unhandled error type %q for %s", errorType, torrentID)
		return false, nil
	}
}

func (h *Handler) handleInfringingFile(ctx context.Context, torrentID, filename, errorMessage string) (bool, error) {
	id, err := h.store.RecordPermanentFailure(torrentID, filename, ErrorInfringingFile, errorMessage)
	if err != nil {
		return false, fmt.Errorf("record permanent failure: %w", err)
	}

	deleted := h.findAndDeleteBrokenSymlinks(filename)
	if len(deleted) == 0 {
		logger.Warnf("failure handler: no broken symlinks found for %s", truncate(filename, 50))
		return false, nil
	}

	h.triggerMediaRescan(ctx)

	if err := h.store.MarkPermanentFailureProcessed(id); err != nil {
		return false, fmt.Errorf("mark permanent failure processed: %w", err)
	}

	h.publish(domain.InfringingDetected, torrentID, map[string]interface{}{
		"torrent_id":       torrentID,
		"filename":         filename,
		"symlinks_removed": len(deleted),
	})

	logger.Infof("failure handler: infringing_file resolved for %s, %d symlinks removed", truncate(filename, 50), len(deleted))
	return true, nil
}

func (h *Handler) handleRateLimit(torrentID, filename, errorMessage string) (bool, error) {
	if err := h.store.ScheduleRetry(torrentID, filename, ErrorTooManyRequests, errorMessage); err != nil {
		return false, fmt.Errorf("schedule retry: %w", err)
	}
	h.publish(domain.RetryScheduled, torrentID, map[string]interface{}{
		"torrent_id": torrentID,
		"filename":   filename,
		"error_type": ErrorTooManyRequests,
	})
	logger.Infof("failure handler: retry scheduled for %s in %s", truncate(filename, 50), store.RetryHoldWindow)
	return true, nil
}

// technicalTagPattern strips encode/release-group tags before the
// similarity comparison, mirroring _clean_filename_for_search.
var technicalTagPattern = regexp.MustCompile(`(?i)\b(x264|x265|AC3|EAC3|DTS|AAC|BluRay|WEBRip|WEBDL|1080p|720p|Multi|VFQ|VFF)\b`)

var (
	parenPattern      = regexp.MustCompile(`\([^)]*\)`)
	bracketCharsClean = regexp.MustCompile(`[{}\[\]<>]`)
	separatorClean    = regexp.MustCompile(`[._-]`)
	whitespaceClean   = regexp.MustCompile(`\s+`)
)

// cleanFilenameForSearch normalizes a filename for the broken-symlink
// matcher, stripping the extension, technical/release tags, and
// parenthesized/bracketed noise.
func cleanFilenameForSearch(filename string) string {
	clean := strings.TrimSuffix(filename, filepath.Ext(filename))
	clean = technicalTagPattern.ReplaceAllString(clean, "")
	clean = strings.ToLower(clean)
	clean = separatorClean.ReplaceAllString(clean, " ")
	clean = parenPattern.ReplaceAllString(clean, "")
	clean = bracketCharsClean.ReplaceAllString(clean, "")
	clean = whitespaceClean.ReplaceAllString(clean, " ")
	return strings.TrimSpace(clean)
}

// filenameMatches reports whether a symlink's base name plausibly
// refers to the same release as targetClean (already cleaned),
// mirroring _filename_matches: a 70% word-overlap threshold, falling
// back to a looser 0.6 whole-string similarity ratio.
func filenameMatches(linkName, targetClean string) bool {
	linkClean := cleanFilenameForSearch(linkName)

	targetWords := wordSet(targetClean)
	linkWords := wordSet(linkClean)

	if len(targetWords) > 0 {
		common := 0
		for w := range targetWords {
			if linkWords[w] {
				common++
			}
		}
		if float64(common)/float64(len(targetWords)) >= 0.7 {
			return true
		}
	}

	return wordOverlapRatio(linkClean, targetClean) > 0.6
}

func wordSet(s string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.Fields(s) {
		words[w] = true
	}
	return words
}

// wordOverlapRatio is a Dice-coefficient stand-in for
// difflib.SequenceMatcher's ratio on the whole cleaned strings, used
// only as this function's fallback path.
func wordOverlapRatio(a, b string) float64 {
	if a == "" && b == "" {
		return 1.0
	}
	aWords, bWords := wordSet(a), wordSet(b)
	common := 0
	for w := range aWords {
		if bWords[w] {
			common++
		}
	}
	total := len(aWords) + len(bWords)
	if total == 0 {
		return 0
	}
	return 2.0 * float64(common) / float64(total)
}

// findAndDeleteBrokenSymlinks walks the configured media root looking
// for symlinks whose name matches filename and which are themselves
// broken (dangling target), deleting each match — or, in dry-run mode,
// only logging the would-be deletion.
func (h *Handler) findAndDeleteBrokenSymlinks(filename string) []string {
	var deleted []string

	if _, err := os.Stat(h.cfg.MediaRoot); err != nil {
		logger.Warnf("failure handler: media root %s not accessible: %v", h.cfg.MediaRoot, err)
		return deleted
	}

	targetClean := cleanFilenameForSearch(filename)

	filepath.WalkDir(h.cfg.MediaRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			return nil
		}
		if !filenameMatches(d.Name(), targetClean) {
			return nil
		}
		if _, statErr := os.Stat(path); statErr == nil {
			return nil // target resolves fine, not broken
		}

		if h.deleteSymlink(path) {
			deleted = append(deleted, path)
		}
		return nil
	})

	return deleted
}

func (h *Handler) deleteSymlink(path string) bool {
	if h.dryRun {
		logger.Infof("failure handler: [dry-run] would delete broken symlink %s", path)
		return true
	}
	if err := os.Remove(path); err != nil {
		logger.Errorf("failure handler: failed to delete %s: %v", path, err)
		return false
	}
	logger.Infof("failure handler: deleted broken symlink %s", path)
	return true
}

// triggerMediaRescan fires each configured indexer's rescan command —
// best-effort, one indexer's failure does not block another's.
func (h *Handler) triggerMediaRescan(ctx context.Context) {
	for _, idx := range h.cfg.Indexers {
		if err := h.triggerIndexerRescan(ctx, idx); err != nil {
			logger.Errorf("failure handler: %s rescan failed: %v", idx.Name, err)
		}
	}
}

// triggerIndexerRescan posts both of idx's commands in turn — the
// library rescan followed by the missing-item search — pausing
// interCommandDelay between them, mirroring
// _trigger_media_rescan's commands-dict loop and its time.sleep(2)
// between every posted command for a service.
func (h *Handler) triggerIndexerRescan(ctx context.Context, idx config.IndexerConfig) error {
	apiKey, err := readIndexerAPIKey(idx.APIKeyPath)
	if err != nil || apiKey == "" {
		return fmt.Errorf("no api key available: %w", err)
	}

	commands := []string{idx.RescanCommand, idx.SearchCommand}
	url := strings.TrimRight(idx.BaseURL, "/") + "/api/v3/command"

	for i, command := range commands {
		if command == "" {
			continue
		}
		if err := h.postIndexerCommand(ctx, idx.Name, url, apiKey, command); err != nil {
			return err
		}

		if i < len(commands)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(interCommandDelay):
			}
		}
	}
	return nil
}

func (h *Handler) postIndexerCommand(ctx context.Context, indexerName, url, apiKey, command string) error {
	if h.dryRun {
		logger.Infof("failure handler: [dry-run] %s: %s simulated", indexerName, command)
		return nil
	}

	if h.gate != nil {
		if err := h.gate.Acquire(ctx, rategate.TagNotify); err != nil {
			return fmt.Errorf("rate gate: %w", err)
		}
	}

	body, _ := json.Marshal(map[string]string{"name": command})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", apiKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	logger.Infof("failure handler: %s: %s triggered", indexerName, command)
	return nil
}

var apiKeyPattern = regexp.MustCompile(`<ApiKey>([^<]+)</ApiKey>`)

// readIndexerAPIKey extracts the <ApiKey> element from a Sonarr/Radarr
// config.xml file, the same field the original shelled out to sed for.
func readIndexerAPIKey(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("no config path configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	match := apiKeyPattern.FindSubmatch(data)
	if match == nil {
		return "", fmt.Errorf("no ApiKey element found in %s", path)
	}
	return string(match[1]), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
