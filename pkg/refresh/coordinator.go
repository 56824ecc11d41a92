// Package refresh implements the debounced refresh coordinator: it
// collapses concurrent refresh intents into a minimal set of fetches, runs
// independent sources in parallel, and applies their results as one
// composite snapshot.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"

	"github.com/paywatch/statesync/api"
	"github.com/paywatch/statesync/internal/logging"
	"github.com/paywatch/statesync/pkg/metrics"
)

// Trigger identifies what asked for a refresh.
type Trigger uint8

const (
	TriggerInterval Trigger = iota
	TriggerVisibility
	TriggerManual
	TriggerPeer
)

var triggerNames = [...]string{"interval", "visibility", "manual", "peer"}

func (t Trigger) String() string {
	if int(t) < len(triggerNames) {
		return triggerNames[t]
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// Request is one unit of refresh intent. Requests are ephemeral: they exist
// only inside the debounce window.
type Request struct {
	Trigger Trigger
	Force   bool
	At      time.Time
}

// Source is one independent fetcher participating in a coordinated
// refresh, e.g. "overview" or "distribution" for a dashboard.
type Source struct {
	Name  string
	Fetch func(ctx context.Context, force bool) (api.Result, error)
}

// Part is one source's slice of a composite snapshot. After a source
// failure the part keeps its last good value and is marked stale; partial
// staleness is allowed, partial inconsistency within one source is not.
type Part struct {
	Result    api.Result
	FetchedAt time.Time
	Stale     bool
	Err       error
}

// Composite is the merged snapshot of one completed coordination cycle.
// It is applied atomically: either every source settled, or no snapshot is
// published. Treat it as read-only.
type Composite struct {
	Parts       map[string]Part
	CompletedAt time.Time
	Cycle       uint64
	Forced      bool
}

// Config holds coordinator parameters.
type Config struct {
	// DebounceWindow collapses requests arriving within it into one cycle.
	DebounceWindow time.Duration
	// FetchTimeout bounds each source fetch within a cycle.
	FetchTimeout time.Duration
	// PoolSize caps parallel source fetches.
	PoolSize int
	// Metrics is optional.
	Metrics *metrics.Metrics
	// LogOutput overrides the logger destination. Optional.
	LogOutput io.Writer
}

// DefaultConfig returns coordinator defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceWindow: 300 * time.Millisecond,
		FetchTimeout:   10 * time.Second,
		PoolSize:       4,
	}
}

// Coordinator debounces refresh intents and fans them out to its sources.
type Coordinator struct {
	mu      sync.Mutex
	runMu   sync.Mutex // serializes cycles
	cfg     Config
	sources []Source
	pending *queue.Queue
	timer   *time.Timer
	pool    *ants.Pool
	logger  *logging.Logger

	lastParts map[string]Part
	cycles    uint64
	subs      map[int]func(Composite)
	nextSub   int
	closed    bool
}

// NewCoordinator builds a coordinator over the given sources.
func NewCoordinator(sources []Source, cfg *Config) (*Coordinator, error) {
	if len(sources) == 0 {
		return nil, errors.New("refresh: at least one source is required")
	}
	seen := make(map[string]struct{}, len(sources))
	for _, src := range sources {
		if src.Name == "" || src.Fetch == nil {
			return nil, errors.New("refresh: source needs a name and a fetch func")
		}
		if _, dup := seen[src.Name]; dup {
			return nil, fmt.Errorf("refresh: duplicate source %q", src.Name)
		}
		seen[src.Name] = struct{}{}
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	def := DefaultConfig()
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = def.DebounceWindow
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = def.PoolSize
	}
	pool, err := ants.NewPool(cfg.PoolSize)
	if err != nil {
		return nil, err
	}
	return &Coordinator{
		cfg:       *cfg,
		sources:   sources,
		pending:   queue.New(int64(len(sources) * 4)),
		pool:      pool,
		logger:    logging.New("refresh", cfg.LogOutput),
		lastParts: make(map[string]Part),
		subs:      make(map[int]func(Composite)),
	}, nil
}

// Request enqueues a refresh intent. Intents arriving within the debounce
// window collapse into one cycle whose force flag is the OR of all
// collapsed intents.
func (c *Coordinator) Request(trigger Trigger, force bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err := c.pending.Put(Request{Trigger: trigger, Force: force, At: time.Now()}); err != nil {
		c.logger.Warnf("enqueue refresh intent: %v", err)
		return
	}
	if c.timer == nil {
		c.timer = time.AfterFunc(c.cfg.DebounceWindow, c.flush)
	}
}

// Subscribe registers a peer listener notified with the composite snapshot
// at most once per completed cycle. The returned id unsubscribes.
func (c *Coordinator) Subscribe(fn func(Composite)) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return id
}

// Unsubscribe removes a peer listener.
func (c *Coordinator) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, id)
}

// Last returns the most recent composite snapshot parts.
func (c *Coordinator) Last() map[string]Part {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Part, len(c.lastParts))
	for k, v := range c.lastParts {
		out[k] = v
	}
	return out
}

// Cycles returns the number of completed coordination cycles.
func (c *Coordinator) Cycles() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cycles
}

// Close stops the debounce timer and releases the fetch pool. Intents
// arriving after Close are dropped.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()

	// Let an in-progress cycle drain before tearing the pool down.
	c.runMu.Lock()
	c.runMu.Unlock() //nolint:staticcheck // barrier, not a critical section
	c.pool.Release()
	c.pending.Dispose()
}

// flush drains the debounce window and runs one coordinated cycle.
func (c *Coordinator) flush() {
	c.mu.Lock()
	c.timer = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	force := false
	merged := 0
	if n := c.pending.Len(); n > 0 {
		items, err := c.pending.Get(n)
		if err != nil {
			c.mu.Unlock()
			return
		}
		merged = len(items)
		for _, it := range items {
			if req, ok := it.(Request); ok && req.Force {
				force = true
			}
		}
	}
	sources := c.sources
	c.mu.Unlock()

	if merged == 0 {
		return
	}
	c.logger.Debugf("running refresh cycle: %d intents merged, force=%v", merged, force)

	c.runMu.Lock()
	defer c.runMu.Unlock()

	// An earlier cycle may have committed while this one waited on runMu;
	// the last good parts are only current once the cycle owns the run.
	c.mu.Lock()
	prev := c.lastParts
	c.mu.Unlock()

	type fetched struct {
		res api.Result
		err error
	}
	results := make([]fetched, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		i, src := i, src
		wg.Add(1)
		task := func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.FetchTimeout)
			defer cancel()
			res, err := src.Fetch(ctx, force)
			results[i] = fetched{res: res, err: err}
		}
		if err := c.pool.Submit(task); err != nil {
			// Pool unavailable (e.g. closing); run inline so the cycle
			// still settles completely.
			task()
		}
	}
	wg.Wait()

	now := time.Now()
	parts := make(map[string]Part, len(sources))
	staleCount := 0
	for i, src := range sources {
		if results[i].err != nil {
			p := Part{Stale: true, Err: results[i].err}
			if old, ok := prev[src.Name]; ok {
				p.Result = old.Result
				p.FetchedAt = old.FetchedAt
			}
			parts[src.Name] = p
			staleCount++
			c.logger.Warnf("source %s failed, serving stale part: %v", src.Name, results[i].err)
			continue
		}
		parts[src.Name] = Part{Result: results[i].res, FetchedAt: now}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.cycles++
	comp := Composite{
		Parts:       parts,
		CompletedAt: now,
		Cycle:       c.cycles,
		Forced:      force,
	}
	c.lastParts = parts
	listeners := make([]func(Composite), 0, len(c.subs))
	for _, fn := range c.subs {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	c.cfg.Metrics.CycleCompleted(staleCount)
	for _, fn := range listeners {
		fn(comp)
	}
}
