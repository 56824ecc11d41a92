// Package guard implements the stuck-session circuit breaker: a single
// long-horizon timer that forces a full view reload when a payment stays
// non-terminal past a ceiling. It recovers from failure modes outside the
// engine's model and is not part of the primary polling protocol.
package guard

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/paywatch/statesync/internal/logging"
)

// DefaultCeiling is how long a payment may stay pending before the guard
// fires.
const DefaultCeiling = 5 * time.Minute

// Config holds guard parameters.
type Config struct {
	// Ceiling is the non-terminal duration after which the guard fires.
	Ceiling time.Duration
	// StillPending reports whether the watched resource is still
	// non-terminal.
	StillPending func() bool
	// Visible reports whether the owning surface is in the foreground.
	// The guard never reloads a hidden surface.
	Visible func() bool
	// Reload performs the full view reload.
	Reload func()
	// LogOutput overrides the logger destination. Optional.
	LogOutput io.Writer
}

// Guard is the reload circuit breaker. It must be cancelled on the same
// exit paths as the poll controller it shadows.
type Guard struct {
	mu     sync.Mutex
	cfg    Config
	logger *logging.Logger
	timer  *time.Timer
	armed  bool
	fired  bool
}

// New builds a guard. StillPending, Visible, and Reload are required.
func New(cfg *Config) (*Guard, error) {
	if cfg == nil || cfg.StillPending == nil || cfg.Visible == nil || cfg.Reload == nil {
		return nil, errors.New("guard: StillPending, Visible, and Reload are required")
	}
	c := *cfg
	if c.Ceiling <= 0 {
		c.Ceiling = DefaultCeiling
	}
	return &Guard{
		cfg:    c,
		logger: logging.New("guard", c.LogOutput),
	}, nil
}

// Start arms the ceiling timer. Idempotent while armed; a stopped guard can
// be re-armed for a fresh session.
func (g *Guard) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.armed {
		return
	}
	g.armed = true
	g.fired = false
	g.timer = time.AfterFunc(g.cfg.Ceiling, g.fire)
}

// Stop cancels the timer. Safe to call multiple times.
func (g *Guard) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = false
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// Fired reports whether the guard has forced a reload.
func (g *Guard) Fired() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.fired
}

func (g *Guard) fire() {
	g.mu.Lock()
	if !g.armed {
		g.mu.Unlock()
		return
	}
	g.armed = false
	g.timer = nil
	if !g.cfg.StillPending() || !g.cfg.Visible() {
		g.mu.Unlock()
		return
	}
	g.fired = true
	reload := g.cfg.Reload
	g.mu.Unlock()

	g.logger.Warnf("payment still pending after %s, forcing reload", g.cfg.Ceiling)
	reload()
}
