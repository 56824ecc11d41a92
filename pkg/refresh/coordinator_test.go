package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paywatch/statesync/api"
)

type fakeResult struct {
	name  string
	value int
}

func (r fakeResult) Kind() string   { return r.name }
func (r fakeResult) Terminal() bool { return false }

// countingSource returns an always-fresh result and counts fetches plus the
// force flags it saw.
type countingSource struct {
	name   string
	calls  atomic.Int32
	forced atomic.Int32
	fail   atomic.Bool
}

func (s *countingSource) source() Source {
	return Source{
		Name: s.name,
		Fetch: func(ctx context.Context, force bool) (api.Result, error) {
			n := s.calls.Add(1)
			if force {
				s.forced.Add(1)
			}
			if s.fail.Load() {
				return nil, errors.New(s.name + " unavailable")
			}
			return fakeResult{name: s.name, value: int(n)}, nil
		},
	}
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.DebounceWindow = 30 * time.Millisecond
	cfg.FetchTimeout = time.Second
	return cfg
}

func waitCycles(t *testing.T, c *Coordinator, want uint64) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Cycles() >= want }, 2*time.Second, 5*time.Millisecond)
}

func TestDebounceCollapsesIntents(t *testing.T) {
	overview := &countingSource{name: "overview"}
	distribution := &countingSource{name: "distribution"}
	c, err := NewCoordinator([]Source{overview.source(), distribution.source()}, testConfig())
	require.NoError(t, err)
	defer c.Close()

	// Manual refresh and interval tick within the debounce window must
	// execute exactly one composite fetch.
	c.Request(TriggerManual, false)
	c.Request(TriggerInterval, false)
	waitCycles(t, c, 1)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, uint64(1), c.Cycles())
	assert.Equal(t, int32(1), overview.calls.Load())
	assert.Equal(t, int32(1), distribution.calls.Load())
}

func TestForceFlagIsORed(t *testing.T) {
	src := &countingSource{name: "overview"}
	c, err := NewCoordinator([]Source{src.source()}, testConfig())
	require.NoError(t, err)
	defer c.Close()

	c.Request(TriggerInterval, false)
	c.Request(TriggerManual, true)
	c.Request(TriggerPeer, false)
	waitCycles(t, c, 1)

	assert.Equal(t, int32(1), src.calls.Load())
	assert.Equal(t, int32(1), src.forced.Load())
}

func TestSeparateWindowsRunSeparateCycles(t *testing.T) {
	src := &countingSource{name: "overview"}
	c, err := NewCoordinator([]Source{src.source()}, testConfig())
	require.NoError(t, err)
	defer c.Close()

	c.Request(TriggerManual, false)
	waitCycles(t, c, 1)
	c.Request(TriggerManual, false)
	waitCycles(t, c, 2)
	assert.Equal(t, int32(2), src.calls.Load())
}

func TestPartialStaleness(t *testing.T) {
	overview := &countingSource{name: "overview"}
	distribution := &countingSource{name: "distribution"}
	c, err := NewCoordinator([]Source{overview.source(), distribution.source()}, testConfig())
	require.NoError(t, err)
	defer c.Close()

	// Prime both parts.
	c.Request(TriggerInterval, false)
	waitCycles(t, c, 1)
	primed := c.Last()
	require.False(t, primed["distribution"].Stale)

	// Distribution fails while overview succeeds: fresh overview data,
	// stale distribution preserving the last good value.
	distribution.fail.Store(true)
	c.Request(TriggerInterval, false)
	waitCycles(t, c, 2)

	parts := c.Last()
	require.Contains(t, parts, "overview")
	require.Contains(t, parts, "distribution")

	assert.False(t, parts["overview"].Stale)
	assert.Equal(t, 2, parts["overview"].Result.(fakeResult).value)

	dist := parts["distribution"]
	assert.True(t, dist.Stale)
	require.Error(t, dist.Err)
	require.NotNil(t, dist.Result, "last good value preserved")
	assert.Equal(t, 1, dist.Result.(fakeResult).value)
	assert.Equal(t, primed["distribution"].FetchedAt, dist.FetchedAt)
}

func TestOverlappingCyclePreservesLastGoodValue(t *testing.T) {
	// Cycle 1 succeeds slowly; cycle 2 is requested while cycle 1 is still
	// fetching and then fails. The stale part must carry cycle 1's value,
	// not the state from before cycle 1 committed.
	var calls atomic.Int32
	release := make(chan struct{})
	src := Source{
		Name: "overview",
		Fetch: func(ctx context.Context, force bool) (api.Result, error) {
			if calls.Add(1) == 1 {
				<-release
				return fakeResult{name: "overview", value: 1}, nil
			}
			return nil, errors.New("overview unavailable")
		},
	}
	c, err := NewCoordinator([]Source{src}, testConfig())
	require.NoError(t, err)
	defer c.Close()

	c.Request(TriggerManual, false)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Second window opens and flushes while cycle 1 holds the run.
	c.Request(TriggerInterval, false)
	time.Sleep(60 * time.Millisecond)
	close(release)
	waitCycles(t, c, 2)

	part := c.Last()["overview"]
	require.True(t, part.Stale)
	require.NotNil(t, part.Result, "cycle 1 value must survive cycle 2's failure")
	assert.Equal(t, 1, part.Result.(fakeResult).value)
}

func TestPeerNotifiedOncePerCycle(t *testing.T) {
	src := &countingSource{name: "activity"}
	c, err := NewCoordinator([]Source{src.source()}, testConfig())
	require.NoError(t, err)
	defer c.Close()

	var mu sync.Mutex
	var got []Composite
	id := c.Subscribe(func(comp Composite) {
		mu.Lock()
		got = append(got, comp)
		mu.Unlock()
	})

	c.Request(TriggerManual, true)
	c.Request(TriggerInterval, false)
	waitCycles(t, c, 1)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	require.Len(t, got, 1, "at most one notification per completed cycle")
	comp := got[0]
	mu.Unlock()
	assert.True(t, comp.Forced)
	assert.Equal(t, uint64(1), comp.Cycle)
	assert.Contains(t, comp.Parts, "activity")

	c.Unsubscribe(id)
	c.Request(TriggerManual, false)
	waitCycles(t, c, 2)
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Len(t, got, 1, "unsubscribed peers stay silent")
	mu.Unlock()
}

func TestRequestAfterCloseIsDropped(t *testing.T) {
	src := &countingSource{name: "overview"}
	c, err := NewCoordinator([]Source{src.source()}, testConfig())
	require.NoError(t, err)

	c.Close()
	c.Request(TriggerManual, false)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), src.calls.Load())
	assert.Equal(t, uint64(0), c.Cycles())
}

func TestNewCoordinatorValidation(t *testing.T) {
	_, err := NewCoordinator(nil, nil)
	assert.Error(t, err)

	src := &countingSource{name: "overview"}
	_, err = NewCoordinator([]Source{src.source(), src.source()}, nil)
	assert.Error(t, err, "duplicate source names rejected")

	_, err = NewCoordinator([]Source{{Name: "x"}}, nil)
	assert.Error(t, err, "source without fetch func rejected")
}
