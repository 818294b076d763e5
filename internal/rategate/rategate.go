// Package rategate implements the unified sliding-window rate limiter
// shared by every component that calls the debrid provider or a media
// manager: a single global ceiling on calls per minute, with a
// secondary per-tag "optimal slot" mode that smooths bursts of one
// operation type from starving the others.
package rategate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mescon/rdsentinel/internal/clock"
)

// Tag identifies the category of call sharing the global ceiling, used
// only for the adaptive weighting and usage reporting — every tag
// still draws from the same sliding window.
type Tag string

const (
	TagReinject Tag = "reinject"
	TagCleanup  Tag = "cleanup"
	TagNotify   Tag = "notify"
)

// tagConfig mirrors the adaptive_config weighting of the original
// rate limiter: reinjection calls get the largest share, cleanup and
// notification split the rest.
type tagConfig struct {
	weight   float64
	minCalls int
}

var defaultTagConfig = map[Tag]tagConfig{
	TagReinject: {weight: 50, minCalls: 10},
	TagCleanup:  {weight: 30, minCalls: 5},
	TagNotify:   {weight: 20, minCalls: 5},
}

// call is one accepted slot in the sliding window.
type call struct {
	at  time.Time
	tag Tag
}

// ticket is one blocked Acquire call's place in the FIFO wait queue.
// Only the ticket at queue[0] is eligible to claim a freed slot — this
// is what makes admission order match wait-start order instead of
// whichever goroutine happens to win the mutex race.
type ticket struct {
	ch chan struct{}
}

type tagStats struct {
	count         int64
	avgResponseMs float64
}

// ErrTimeout is returned by Acquire when no slot becomes free before
// the caller-supplied timeout elapses.
var ErrTimeout = fmt.Errorf("rategate: timed out waiting for a slot")

// Gate is the process-wide rate limiter. A Gate is safe for concurrent
// use by any number of goroutines.
type Gate struct {
	mu           sync.Mutex
	maxPerMinute int
	window       time.Duration
	defaultWait  time.Duration
	calls        []call
	queue        []*ticket
	stats        map[Tag]*tagStats
	clock        clock.Clock
}

// Config configures a Gate. Window defaults to one minute and
// DefaultTimeout to 60s, matching the original limiter's constants.
type Config struct {
	MaxPerMinute   int
	Window         time.Duration
	DefaultTimeout time.Duration
	Clock          clock.Clock
}

// New builds a Gate from cfg, applying the documented defaults for any
// zero-valued field.
func New(cfg Config) *Gate {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.MaxPerMinute <= 0 {
		cfg.MaxPerMinute = 250
	}

	stats := make(map[Tag]*tagStats, len(defaultTagConfig))
	for tag := range defaultTagConfig {
		stats[tag] = &tagStats{}
	}

	return &Gate{
		maxPerMinute: cfg.MaxPerMinute,
		window:       cfg.Window,
		defaultWait:  cfg.DefaultTimeout,
		stats:        stats,
		clock:        cfg.Clock,
	}
}

// Acquire blocks until a slot in the sliding window is free, the
// context is cancelled, or the gate's default timeout elapses,
// whichever comes first. It drops expired entries from the window
// before each check so the window only ever reports true last-minute
// occupancy.
func (g *Gate) Acquire(ctx context.Context, tag Tag) error {
	return g.AcquireTimeout(ctx, tag, g.defaultWait)
}

// AcquireTimeout is Acquire with an explicit timeout, overriding the
// gate's default. Admission is strict FIFO: callers are queued in
// wait-start order and only the queue head is ever allowed to claim a
// freed slot, so a caller that started waiting earlier always acquires
// before one that started later, regardless of which goroutine the
// scheduler happens to wake first.
func (g *Gate) AcquireTimeout(ctx context.Context, tag Tag, timeout time.Duration) error {
	deadline := g.clock.Now().Add(timeout)

	g.mu.Lock()
	t := &ticket{ch: make(chan struct{}, 1)}
	g.queue = append(g.queue, t)
	g.mu.Unlock()

	defer g.leaveQueue(t)

	for {
		g.mu.Lock()
		now := g.clock.Now()
		g.evictExpiredLocked(now)

		if g.queue[0] == t && len(g.calls) < g.maxPerMinute {
			g.calls = append(g.calls, call{at: now, tag: tag})
			g.mu.Unlock()
			return nil
		}

		if now.After(deadline) {
			g.mu.Unlock()
			return ErrTimeout
		}

		wait := g.nextWakeLocked(now)
		if left := deadline.Sub(now); left < wait {
			wait = left
		}
		g.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.ch:
		case <-afterChan(g.clock, wait):
		}
	}
}

// nextWakeLocked computes how long the caller should sleep before
// re-checking admission: either until the oldest call ages out of the
// window, or a short poll interval if the queue is currently empty of
// calls but the caller still isn't at the front.
func (g *Gate) nextWakeLocked(now time.Time) time.Duration {
	if len(g.calls) == 0 {
		return 100 * time.Millisecond
	}
	wait := g.calls[0].at.Add(g.window).Sub(now)
	if wait < 100*time.Millisecond {
		wait = 100 * time.Millisecond
	}
	if wait > time.Second {
		wait = time.Second
	}
	return wait
}

// leaveQueue removes t from the wait queue, whether it won a slot,
// timed out, or its context was cancelled, and wakes the new head so
// the next-in-line waiter re-checks promptly instead of waiting out
// its own poll interval.
func (g *Gate) leaveQueue(t *ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, q := range g.queue {
		if q == t {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			break
		}
	}
	if len(g.queue) > 0 {
		select {
		case g.queue[0].ch <- struct{}{}:
		default:
		}
	}
}

// afterChan adapts clock.Clock.AfterFunc into a channel-based wait so
// Acquire can select on it alongside ctx.Done().
func afterChan(c clock.Clock, d time.Duration) <-chan struct{} {
	ch := make(chan struct{})
	c.AfterFunc(d, func() { close(ch) })
	return ch
}

func (g *Gate) evictExpiredLocked(now time.Time) {
	cutoff := now.Add(-g.window)
	i := 0
	for i < len(g.calls) && g.calls[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		g.calls = g.calls[i:]
	}
}

// RecordCompletion feeds back the observed latency of a completed call
// for the per-tag exponential moving average reported by Usage.
func (g *Gate) RecordCompletion(tag Tag, responseTime time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.stats[tag]
	if !ok {
		st = &tagStats{}
		g.stats[tag] = st
	}
	st.count++
	ms := float64(responseTime.Milliseconds())
	if st.avgResponseMs == 0 {
		st.avgResponseMs = ms
	} else {
		st.avgResponseMs = st.avgResponseMs*0.9 + ms*0.1
	}
}

// Usage reports the current occupancy of the sliding window, broken
// down by tag, plus the overall utilization as a percentage (0-100) of
// the window's capacity.
type Usage struct {
	Total       int
	ByTag       map[Tag]int
	Utilization float64
}

func (g *Gate) Usage() Usage {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock.Now()
	g.evictExpiredLocked(now)

	u := Usage{ByTag: map[Tag]int{}}
	for _, c := range g.calls {
		u.Total++
		u.ByTag[c.tag]++
	}
	if g.maxPerMinute > 0 {
		u.Utilization = float64(u.Total) / float64(g.maxPerMinute) * 100
	}
	return u
}

// Recommendations returns, for each known tag, the target share of
// traffic it should carry right now — widened when a tag is
// under-represented relative to its configured weight, narrowed when
// it is over-represented, unchanged otherwise.
func (g *Gate) Recommendations() map[Tag]float64 {
	usage := g.Usage()
	out := make(map[Tag]float64, len(defaultTagConfig))

	if usage.Total == 0 {
		for tag, cfg := range defaultTagConfig {
			out[tag] = cfg.weight
		}
		return out
	}

	for tag, cfg := range defaultTagConfig {
		currentRatio := float64(usage.ByTag[tag]) / float64(usage.Total) * 100
		switch {
		case currentRatio < cfg.weight*0.8:
			out[tag] = min(100, cfg.weight*1.2)
		case currentRatio > cfg.weight*1.2:
			out[tag] = max(10, cfg.weight*0.8)
		default:
			out[tag] = cfg.weight
		}
	}
	return out
}

// WaitForOptimalSlot blocks until tag's current share of traffic is at
// or below its recommended share, then acquires a slot with a short
// timeout. If maxWait elapses first, it forces acquisition rather than
// stalling the caller indefinitely.
func (g *Gate) WaitForOptimalSlot(ctx context.Context, tag Tag, maxWait time.Duration) error {
	deadline := g.clock.Now().Add(maxWait)

	for g.clock.Now().Before(deadline) {
		recommendations := g.Recommendations()
		usage := g.Usage()

		total := usage.Total
		if total == 0 {
			total = 1
		}
		currentRatio := float64(usage.ByTag[tag]) / float64(total) * 100

		if currentRatio <= recommendations[tag] {
			return g.AcquireTimeout(ctx, tag, 5*time.Second)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-afterChan(g.clock, time.Second):
		}
	}

	return g.AcquireTimeout(ctx, tag, 5*time.Second)
}
