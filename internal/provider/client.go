// Package provider implements the HTTP client for the remote debrid
// provider: listing the catalog, adding magnets, deleting torrents,
// and classifying failures, with an adaptive per-client backoff layered
// under the process-wide rategate.Gate and a circuit breaker guarding
// against a provider outage.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mescon/rdsentinel/internal/logger"
	"github.com/mescon/rdsentinel/internal/rategate"
)

// Outcome classifies the result of a provider call, driving both the
// adaptive backoff and the FailureHandler's dispatch.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAuthFailure
	OutcomeRateLimited
	OutcomeTransportTimeout
	OutcomeTransportError
	OutcomeServerError
	OutcomeInfringing
)

// adaptive backoff bounds, grounded in original_source/config.py's
// RATE_LIMIT_CONFIG.
const (
	initialDelay      = time.Second
	minDelay          = 500 * time.Millisecond
	maxDelay          = 30 * time.Second
	backoffMultiplier = 1.5
	recoveryDivisor   = 1.1
	successStreakTrip = 5
)

// adaptiveState tracks the client's self-tuned pacing between its own
// successive calls — independent of, and layered under, the global
// rategate.Gate ceiling.
type adaptiveState struct {
	mu             sync.Mutex
	currentDelay   time.Duration
	lastRequest    time.Time
	successStreak  int
	errorStreak    int
	requestsCount  int64
	errorsCount    int64
}

// Torrent is the provider's wire representation of a catalog entry.
type Torrent struct {
	ID       string `json:"id"`
	Hash     string `json:"hash"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Bytes    int64  `json:"bytes"`
	Added    string `json:"added"`
	Host     string `json:"host"`
	Progress float64 `json:"progress"`
}

// Client talks to the debrid provider's REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	gate       *rategate.Gate
	breaker    *CircuitBreaker
	adaptive   adaptiveState
}

// New builds a Client against baseURL, authenticating with token and
// sharing gate as its process-wide rate ceiling.
func New(baseURL, token string, gate *rategate.Gate) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		gate:    gate,
		breaker: NewCircuitBreaker(DefaultCircuitBreakerConfig()),
		adaptive: adaptiveState{
			currentDelay: initialDelay,
		},
	}
}

// Result wraps a provider call's outcome classification alongside any
// raw response body and error detail, for the caller to log/persist.
type Result struct {
	Outcome      Outcome
	StatusCode   int
	Body         []byte
	Error        string
	ResponseTime time.Duration
}

// waitForPacing blocks until the adaptive per-client delay since the
// last request has elapsed.
func (c *Client) waitForPacing(ctx context.Context) error {
	c.adaptive.mu.Lock()
	elapsed := time.Since(c.adaptive.lastRequest)
	wait := c.adaptive.currentDelay - elapsed
	c.adaptive.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}

// recordOutcome updates the adaptive pacing state after a call
// completes, mirroring rd_client.py's _update_rate_limit: successes
// accelerate the client after a streak, rate-limit responses slow it
// drastically, other errors slow it moderately.
func (c *Client) recordOutcome(outcome Outcome) {
	c.adaptive.mu.Lock()
	defer c.adaptive.mu.Unlock()

	c.adaptive.lastRequest = time.Now()
	c.adaptive.requestsCount++

	if outcome == OutcomeSuccess {
		c.adaptive.successStreak++
		if c.adaptive.errorsCount > 0 {
			c.adaptive.errorsCount--
		}
		if c.adaptive.successStreak >= successStreakTrip {
			c.adaptive.currentDelay = time.Duration(float64(c.adaptive.currentDelay) / recoveryDivisor)
			if c.adaptive.currentDelay < minDelay {
				c.adaptive.currentDelay = minDelay
			}
			c.adaptive.successStreak = 0
		}
		return
	}

	c.adaptive.errorsCount++
	c.adaptive.successStreak = 0

	multiplier := backoffMultiplier
	if outcome == OutcomeRateLimited {
		multiplier *= 2
	}
	c.adaptive.currentDelay = time.Duration(float64(c.adaptive.currentDelay) * multiplier)
	if c.adaptive.currentDelay > maxDelay {
		c.adaptive.currentDelay = maxDelay
	}
}

// CurrentDelay reports the client's current adaptive pacing delay, for
// the /stats endpoint.
func (c *Client) CurrentDelay() time.Duration {
	c.adaptive.mu.Lock()
	defer c.adaptive.mu.Unlock()
	return c.adaptive.currentDelay
}

// do performs one HTTP call through the circuit breaker, the adaptive
// pacing delay, and the shared rategate.Gate, classifying the result.
func (c *Client) do(ctx context.Context, tag rategate.Tag, method, path string, body []byte) Result {
	if !c.breaker.Allow() {
		return Result{Outcome: OutcomeTransportError, Error: ErrCircuitOpen.Error()}
	}

	if err := c.gate.Acquire(ctx, tag); err != nil {
		return Result{Outcome: OutcomeTransportError, Error: fmt.Sprintf("rate gate: %v", err)}
	}

	if err := c.waitForPacing(ctx); err != nil {
		return Result{Outcome: OutcomeTransportError, Error: fmt.Sprintf("adaptive pacing: %v", err)}
	}

	url := c.baseURL + path
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return Result{Outcome: OutcomeTransportError, Error: err.Error()}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "rdsentinel/1.0")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)

	if err != nil {
		outcome := OutcomeTransportError
		if ctx.Err() != nil {
			outcome = OutcomeTransportTimeout
		}
		c.breaker.RecordFailure()
		c.recordOutcome(outcome)
		logger.Debugf("provider call %s %s failed: %v", method, path, err)
		return Result{Outcome: outcome, Error: err.Error(), ResponseTime: elapsed}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		c.breaker.RecordSuccess()
		c.recordOutcome(OutcomeSuccess)
		c.gate.RecordCompletion(tag, elapsed)
		return Result{Outcome: OutcomeSuccess, StatusCode: resp.StatusCode, Body: respBody, ResponseTime: elapsed}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.breaker.RecordFailure()
		c.recordOutcome(OutcomeAuthFailure)
		return Result{Outcome: OutcomeAuthFailure, StatusCode: resp.StatusCode, Error: "provider token invalid or expired", Body: respBody, ResponseTime: elapsed}

	case resp.StatusCode == http.StatusTooManyRequests:
		c.breaker.RecordFailure()
		c.recordOutcome(OutcomeRateLimited)
		logger.Warnf("provider rate limited on %s %s, backing off to %s", method, path, c.CurrentDelay())
		return Result{Outcome: OutcomeRateLimited, StatusCode: resp.StatusCode, Error: "too_many_requests", Body: respBody, ResponseTime: elapsed}

	case resp.StatusCode >= 500:
		c.breaker.RecordFailure()
		c.recordOutcome(OutcomeServerError)
		return Result{Outcome: OutcomeServerError, StatusCode: resp.StatusCode, Error: fmt.Sprintf("server error %d", resp.StatusCode), Body: respBody, ResponseTime: elapsed}

	default:
		outcome := classifyBodyError(respBody)
		c.breaker.RecordFailure()
		c.recordOutcome(outcome)
		return Result{Outcome: outcome, StatusCode: resp.StatusCode, Error: extractError(respBody, resp.StatusCode), Body: respBody, ResponseTime: elapsed}
	}
}

// classifyBodyError inspects a non-2xx JSON error body for the
// provider's own error token, recognizing "infringing_file" the way
// the original error-message classifier does.
func classifyBodyError(body []byte) Outcome {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch payload.Error {
		case "infringing_file":
			return OutcomeInfringing
		case "too_many_requests":
			return OutcomeRateLimited
		}
	}
	return OutcomeServerError
}

func extractError(body []byte, status int) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return fmt.Sprintf("HTTP %d", status)
}

// GetTorrents fetches one page of the catalog, optionally filtered by
// status.
func (c *Client) GetTorrents(ctx context.Context, status string, limit, offset int) ([]Torrent, Result) {
	path := fmt.Sprintf("/torrents?limit=%d&offset=%d", limit, offset)
	if status != "" {
		path += "&filter=" + status
	}

	res := c.do(ctx, rategate.TagCleanup, http.MethodGet, path, nil)
	if res.Outcome != OutcomeSuccess {
		return nil, res
	}

	var torrents []Torrent
	if err := json.Unmarshal(res.Body, &torrents); err != nil {
		res.Outcome = OutcomeServerError
		res.Error = "unexpected response format"
		return nil, res
	}
	return torrents, res
}

// AddMagnet re-submits a magnet link to the provider.
func (c *Client) AddMagnet(ctx context.Context, magnet string) (string, Result) {
	body, _ := json.Marshal(map[string]string{"magnet": magnet})
	res := c.do(ctx, rategate.TagReinject, http.MethodPost, "/torrents/addMagnet", body)
	if res.Outcome != OutcomeSuccess {
		return "", res
	}

	var payload struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(res.Body, &payload)
	return payload.ID, res
}

// DeleteTorrent removes a torrent from the provider's catalog.
func (c *Client) DeleteTorrent(ctx context.Context, id string) Result {
	return c.do(ctx, rategate.TagCleanup, http.MethodDelete, "/torrents/delete/"+id, nil)
}

// GetUserInfo is used as a connectivity probe.
func (c *Client) GetUserInfo(ctx context.Context) (map[string]interface{}, Result) {
	res := c.do(ctx, rategate.TagCleanup, http.MethodGet, "/user", nil)
	if res.Outcome != OutcomeSuccess {
		return nil, res
	}
	var payload map[string]interface{}
	_ = json.Unmarshal(res.Body, &payload)
	return payload, res
}

// Stats reports the client's adaptive pacing and circuit breaker state
// for the control plane's /stats endpoint.
type Stats struct {
	CurrentDelay   time.Duration
	RequestsCount  int64
	ErrorsCount    int64
	CircuitState   string
	CircuitFailures int
}

func (c *Client) Stats() Stats {
	c.adaptive.mu.Lock()
	delay := c.adaptive.currentDelay
	requests := c.adaptive.requestsCount
	errors := c.adaptive.errorsCount
	c.adaptive.mu.Unlock()

	cbStats := c.breaker.Stats()
	return Stats{
		CurrentDelay:    delay,
		RequestsCount:   requests,
		ErrorsCount:     errors,
		CircuitState:    cbStats.State.String(),
		CircuitFailures: cbStats.ConsecutiveFailures,
	}
}
