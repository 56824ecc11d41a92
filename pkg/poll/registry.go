package poll

import (
	"io"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/paywatch/statesync/api"
	"github.com/paywatch/statesync/internal/logging"
)

// Registry tracks one controller per resource id so independent owners
// (e.g. two widgets on one surface) share a single poll stream.
type Registry struct {
	controllers cmap.ConcurrentMap[string, *Controller]
	logger      *logging.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logOutput io.Writer) *Registry {
	return &Registry{
		controllers: cmap.New[*Controller](),
		logger:      logging.New("registry", logOutput),
	}
}

// Start returns the running controller for id, creating and starting one if
// none exists. A stopped controller is replaced: stopped sessions are
// irreversible and a fresh session takes over the id. Create-and-register is
// atomic per id, so racing owners always share one controller.
func (r *Registry) Start(id string, fetcher api.Fetcher, cfg *Config) (*Controller, error) {
	fresh, err := NewController(id, fetcher, cfg)
	if err != nil {
		return nil, err
	}
	c := r.controllers.Upsert(id, fresh, func(exists bool, current, fresh *Controller) *Controller {
		if exists && current.Session().State != SessionStopped {
			return current
		}
		if exists {
			r.logger.Debugf("replacing stopped session for %s", id)
		}
		return fresh
	})
	c.Start()
	return c, nil
}

// Get returns the controller for id, if any.
func (r *Registry) Get(id string) (*Controller, bool) {
	return r.controllers.Get(id)
}

// Stop stops and removes the controller for id.
func (r *Registry) Stop(id string) {
	if c, ok := r.controllers.Get(id); ok {
		c.Stop()
		r.controllers.Remove(id)
	}
}

// StopAll stops every controller and empties the registry.
func (r *Registry) StopAll() {
	for entry := range r.controllers.IterBuffered() {
		entry.Val.Stop()
		r.controllers.Remove(entry.Key)
	}
}

// SetVisible broadcasts a visibility change to every controller.
func (r *Registry) SetVisible(visible bool) {
	for entry := range r.controllers.IterBuffered() {
		entry.Val.SetVisible(visible)
	}
}

// Sessions returns a copy of every tracked session.
func (r *Registry) Sessions() []Session {
	sessions := make([]Session, 0, r.controllers.Count())
	for entry := range r.controllers.IterBuffered() {
		sessions = append(sessions, entry.Val.Session())
	}
	return sessions
}
