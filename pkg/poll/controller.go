// Package poll implements the lifecycle poll controller: one recurring
// check against one resource id, gated by surface visibility and stopped
// permanently once the resource reaches a terminal state.
package poll

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paywatch/statesync/api"
	"github.com/paywatch/statesync/internal/logging"
)

// SessionState is the lifecycle state of one poll session.
type SessionState uint8

const (
	SessionIdle SessionState = iota
	SessionActive
	SessionSuspended
	SessionStopped
)

var sessionStateNames = [...]string{"idle", "active", "suspended", "stopped"}

func (s SessionState) String() string {
	if int(s) < len(sessionStateNames) {
		return sessionStateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// Session is a copy of a controller's session for outside observers.
type Session struct {
	ResourceID          string
	State               SessionState
	Interval            time.Duration
	LastSnapshot        api.Snapshot
	StartedAt           time.Time
	ConsecutiveFailures int
	Epoch               uint64
}

// Controller owns exactly one poll session. All timer, visibility, and
// fetch-completion callbacks serialize on the controller's mutex; fetches
// themselves run on their own goroutine with at most one in flight.
type Controller struct {
	mu      sync.Mutex
	cfg     Config
	id      string
	fetcher api.Fetcher
	logger  *logging.Logger

	state     SessionState
	epoch     uint64
	inFlight  bool
	visible   bool
	failures  int
	last      api.Snapshot
	timer     *time.Timer
	startedAt time.Time
}

// NewController builds a controller for one resource id. It fails fast on a
// missing id or fetcher: the session must never reach active without them.
func NewController(id string, fetcher api.Fetcher, cfg *Config) (*Controller, error) {
	if id == "" {
		return nil, errors.New("poll: resource id is required")
	}
	if fetcher == nil {
		return nil, errors.New("poll: fetcher is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	return &Controller{
		cfg:     *cfg,
		id:      id,
		fetcher: fetcher,
		logger:  logging.New("poll", cfg.LogOutput),
		state:   SessionIdle,
		visible: cfg.StartVisible,
	}, nil
}

// Start begins an immediate fetch and schedules subsequent fetches every
// Interval while the surface is visible and the resource is non-terminal.
// Start is idempotent: calling it on a session that already left idle is a
// no-op.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != SessionIdle {
		c.logger.Debugf("start on %s session %s ignored", c.state, c.id)
		return
	}
	c.startedAt = time.Now()
	c.cfg.Metrics.SessionStarted()
	if !c.visible {
		c.state = SessionSuspended
		return
	}
	c.state = SessionActive
	c.fetchLocked()
}

// Stop cancels any pending timer and marks the session stopped. Safe to
// call multiple times; the timer handle is released on every exit path.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// SetVisible suspends the session when the surface is hidden and resumes
// it, with one immediate fetch, when the surface becomes visible again.
func (c *Controller) SetVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if visible == c.visible {
		return
	}
	c.visible = visible
	switch {
	case !visible:
		if c.state == SessionActive {
			c.state = SessionSuspended
			c.clearTimerLocked()
		}
	default:
		if c.state == SessionSuspended {
			c.state = SessionActive
			c.fetchLocked()
		}
	}
}

// Session returns a copy of the session for outside observers.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Session{
		ResourceID:          c.id,
		State:               c.state,
		Interval:            c.cfg.Interval,
		LastSnapshot:        c.last,
		StartedAt:           c.startedAt,
		ConsecutiveFailures: c.failures,
		Epoch:               c.epoch,
	}
}

// fetchLocked issues a fetch if none is outstanding. Callers hold c.mu.
func (c *Controller) fetchLocked() {
	if c.inFlight || c.state != SessionActive {
		return
	}
	c.inFlight = true
	c.epoch++
	go c.doFetch(c.epoch)
}

func (c *Controller) doFetch(epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
	defer cancel()
	start := time.Now()
	res, err := c.fetcher.Fetch(ctx, c.id)
	c.complete(epoch, res, err, time.Since(start))
}

// complete applies one fetch outcome. A completion whose epoch no longer
// matches the controller's current epoch is discarded without mutating
// shared state.
func (c *Controller) complete(epoch uint64, res api.Result, err error, elapsed time.Duration) {
	c.mu.Lock()
	c.inFlight = false
	if epoch != c.epoch {
		c.logger.Tracef("discarding stale response for %s (epoch %d != %d)", c.id, epoch, c.epoch)
		c.mu.Unlock()
		return
	}
	if c.state == SessionStopped {
		c.mu.Unlock()
		return
	}

	var notify *api.Snapshot
	switch {
	case err == nil:
		c.failures = 0
		c.last = api.Snapshot{Result: res, FetchedAt: time.Now()}
		snap := c.last
		notify = &snap
		resource := res.Kind()
		c.cfg.Metrics.ObserveFetch(resource, "ok", elapsed)
		if res.Terminal() {
			c.logger.Infof("resource %s reached terminal state, stopping poll", c.id)
			c.stopLocked()
		} else {
			c.scheduleLocked()
		}
	default:
		if terminal, ok := api.AsTerminal(err); ok {
			c.failures = 0
			c.last = api.Snapshot{Result: terminal, FetchedAt: time.Now()}
			snap := c.last
			notify = &snap
			c.cfg.Metrics.ObserveFetch(terminal.Kind(), "blocked", elapsed)
			c.logger.Infof("resource %s blocked server-side, stopping poll: %v", c.id, err)
			c.stopLocked()
			break
		}
		c.failures++
		c.cfg.Metrics.ObserveFetch(c.kindLocked(), "transient", elapsed)
		c.logger.Warnf("fetch for %s failed (%d consecutive): %v", c.id, c.failures, err)
		if c.cfg.MaxConsecutiveFailures > 0 && c.failures >= c.cfg.MaxConsecutiveFailures {
			c.last = api.Snapshot{
				Result:    c.last.Result,
				FetchedAt: c.last.FetchedAt,
				Stale:     true,
				Err:       fmt.Errorf("giving up after %d consecutive failures: %w", c.failures, err),
			}
			snap := c.last
			notify = &snap
			c.logger.Errorf("resource %s exceeded failure ceiling, stopping poll", c.id)
			c.stopLocked()
			break
		}
		c.scheduleLocked()
	}
	listener := c.cfg.OnSnapshot
	c.mu.Unlock()

	if notify != nil && listener != nil {
		listener(*notify)
	}
}

// kindLocked resolves the resource kind for metric labels. Callers hold c.mu.
func (c *Controller) kindLocked() string {
	if c.cfg.ResourceKind != "" {
		return c.cfg.ResourceKind
	}
	if c.last.Result != nil {
		return c.last.Result.Kind()
	}
	return "unknown"
}

// scheduleLocked arms the interval timer. Callers hold c.mu.
func (c *Controller) scheduleLocked() {
	if c.state != SessionActive {
		return
	}
	c.clearTimerLocked()
	c.timer = time.AfterFunc(c.cfg.Interval, c.tick)
}

func (c *Controller) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timer = nil
	if c.state != SessionActive {
		return
	}
	// If a fetch is still outstanding the in-flight flag suppresses this
	// tick; the outstanding completion reschedules.
	c.fetchLocked()
}

func (c *Controller) clearTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// stopLocked releases the timer and bumps the epoch so any outstanding
// fetch's eventual response is ignored. Callers hold c.mu.
func (c *Controller) stopLocked() {
	if c.state == SessionStopped {
		return
	}
	if c.state != SessionIdle {
		c.cfg.Metrics.SessionStopped()
	}
	c.state = SessionStopped
	c.epoch++
	c.clearTimerLocked()
}
