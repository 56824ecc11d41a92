package poll

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/suite"

	"github.com/paywatch/statesync/api"
	"github.com/paywatch/statesync/pkg/metrics"
	"github.com/paywatch/statesync/pkg/payment"
)

type testStatus struct {
	state payment.State
}

func (t testStatus) Kind() string   { return "payment_status" }
func (t testStatus) Terminal() bool { return t.state.Terminal() }

type pausedError struct{}

func (pausedError) Error() string { return "payment blocked: API_PAUSED" }
func (pausedError) TerminalResult() api.Result {
	return testStatus{state: payment.StatePaused}
}

type outcome struct {
	res api.Result
	err error
}

// scriptedFetcher replays a fixed sequence of outcomes, repeating the last
// one, and optionally blocks each fetch on a gate channel.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []outcome
	calls  int
	gate   chan struct{}
}

func (f *scriptedFetcher) Fetch(ctx context.Context, id string) (api.Result, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.script) == 0 {
		return testStatus{state: payment.StatePending}, nil
	}
	if i >= len(f.script) {
		i = len(f.script) - 1
	}
	return f.script[i].res, f.script[i].err
}

func (f *scriptedFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type ControllerTestSuite struct {
	suite.Suite
}

func (s *ControllerTestSuite) testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Interval = 20 * time.Millisecond
	cfg.FetchTimeout = time.Second
	return cfg
}

func (s *ControllerTestSuite) TestFailFastOnMissingInput() {
	_, err := NewController("", &scriptedFetcher{}, s.testConfig())
	s.Require().Error(err)
	_, err = NewController("PAY_1", nil, s.testConfig())
	s.Require().Error(err)
}

func (s *ControllerTestSuite) TestIdempotentStart() {
	f := &scriptedFetcher{gate: make(chan struct{})}
	c, err := NewController("PAY_1", f, s.testConfig())
	s.Require().NoError(err)
	defer c.Stop()

	c.Start()
	c.Start()
	time.Sleep(60 * time.Millisecond)
	// one active timer, one fetch stream
	s.Equal(1, f.count())
	close(f.gate)
}

func (s *ControllerTestSuite) TestPendingPendingCompletedStopsAfterThree() {
	f := &scriptedFetcher{script: []outcome{
		{res: testStatus{state: payment.StatePending}},
		{res: testStatus{state: payment.StatePending}},
		{res: testStatus{state: payment.StateCompleted}},
	}}
	c, err := NewController("PAY_1", f, s.testConfig())
	s.Require().NoError(err)
	c.Start()

	s.Require().Eventually(func() bool {
		return c.Session().State == SessionStopped
	}, 2*time.Second, 5*time.Millisecond)

	s.Equal(3, f.count())
	last := c.Session().LastSnapshot
	s.Require().NotNil(last.Result)
	s.Equal(payment.StateCompleted, last.Result.(testStatus).state)

	// Terminal absorption: nothing runs after the stop.
	time.Sleep(80 * time.Millisecond)
	s.Equal(3, f.count())
	s.Equal(payment.StateCompleted, c.Session().LastSnapshot.Result.(testStatus).state)
}

func (s *ControllerTestSuite) TestBlockingErrorStopsImmediately() {
	f := &scriptedFetcher{script: []outcome{{err: pausedError{}}}}
	var snaps []api.Snapshot
	var mu sync.Mutex
	cfg := s.testConfig()
	cfg.OnSnapshot = func(snap api.Snapshot) {
		mu.Lock()
		snaps = append(snaps, snap)
		mu.Unlock()
	}
	c, err := NewController("PAY_1", f, cfg)
	s.Require().NoError(err)
	c.Start()

	s.Require().Eventually(func() bool {
		return c.Session().State == SessionStopped
	}, 2*time.Second, 5*time.Millisecond)

	s.Equal(1, f.count())
	s.Equal(payment.StatePaused, c.Session().LastSnapshot.Result.(testStatus).state)

	// Zero further fetches after the blocking state.
	time.Sleep(80 * time.Millisecond)
	s.Equal(1, f.count())

	mu.Lock()
	defer mu.Unlock()
	s.Require().Len(snaps, 1)
	s.Equal(payment.StatePaused, snaps[0].Result.(testStatus).state)
}

func (s *ControllerTestSuite) TestAtMostOneInFlight() {
	f := &scriptedFetcher{gate: make(chan struct{})}
	c, err := NewController("PAY_1", f, s.testConfig())
	s.Require().NoError(err)
	defer c.Stop()

	c.Start()
	time.Sleep(10 * time.Millisecond)
	s.Equal(1, f.count())

	// A visibility-triggered refresh while fetch A is outstanding must not
	// start fetch B.
	c.SetVisible(false)
	c.SetVisible(true)
	time.Sleep(60 * time.Millisecond)
	s.Equal(1, f.count())
	close(f.gate)
}

func (s *ControllerTestSuite) TestStaleResponseDiscardedAfterStop() {
	f := &scriptedFetcher{
		script: []outcome{{res: testStatus{state: payment.StateCompleted}}},
		gate:   make(chan struct{}),
	}
	c, err := NewController("PAY_1", f, s.testConfig())
	s.Require().NoError(err)

	c.Start()
	time.Sleep(10 * time.Millisecond)
	s.Equal(1, f.count())

	c.Stop() // bumps the epoch
	close(f.gate)
	time.Sleep(40 * time.Millisecond)

	// The late resolution must not mutate the snapshot.
	s.Nil(c.Session().LastSnapshot.Result)
	s.Equal(1, f.count())
}

func (s *ControllerTestSuite) TestVisibilitySuspension() {
	f := &scriptedFetcher{}
	c, err := NewController("PAY_1", f, s.testConfig())
	s.Require().NoError(err)
	defer c.Stop()

	c.Start()
	s.Require().Eventually(func() bool { return f.count() >= 1 }, time.Second, 5*time.Millisecond)

	c.SetVisible(false)
	s.Equal(SessionSuspended, c.Session().State)
	n := f.count()
	time.Sleep(100 * time.Millisecond)
	s.Equal(n, f.count(), "no fetch may occur while hidden")

	c.SetVisible(true)
	s.Require().Eventually(func() bool { return f.count() == n+1 }, time.Second, 5*time.Millisecond)
	s.Equal(SessionActive, c.Session().State)
}

func (s *ControllerTestSuite) TestTransientFailureKeepsSnapshotAndRetries() {
	transient := errors.New("connection refused")
	f := &scriptedFetcher{script: []outcome{
		{res: testStatus{state: payment.StatePending}},
		{err: transient},
		{res: testStatus{state: payment.StatePending}},
	}}
	c, err := NewController("PAY_1", f, s.testConfig())
	s.Require().NoError(err)
	defer c.Stop()

	c.Start()
	s.Require().Eventually(func() bool {
		sess := c.Session()
		return f.count() >= 3 && sess.ConsecutiveFailures == 0 && sess.LastSnapshot.Result != nil
	}, 2*time.Second, 5*time.Millisecond)

	sess := c.Session()
	s.Equal(SessionActive, sess.State)
	s.Require().NotNil(sess.LastSnapshot.Result)
	s.Equal(payment.StatePending, sess.LastSnapshot.Result.(testStatus).state)
	s.Nil(sess.LastSnapshot.Err)
	s.Equal(0, sess.ConsecutiveFailures, "failure streak resets after a success")
}

func (s *ControllerTestSuite) TestTransientMetricCarriesResourceKind() {
	m := metrics.New(prometheus.NewRegistry())
	f := &scriptedFetcher{script: []outcome{{err: errors.New("connection refused")}}}
	cfg := s.testConfig()
	cfg.Metrics = m
	cfg.ResourceKind = "payment_status"
	cfg.MaxConsecutiveFailures = 1
	c, err := NewController("PAY_1", f, cfg)
	s.Require().NoError(err)
	c.Start()

	s.Require().Eventually(func() bool {
		return c.Session().State == SessionStopped
	}, 2*time.Second, 5*time.Millisecond)

	var dm dto.Metric
	s.Require().NoError(m.Fetches.WithLabelValues("payment_status", "transient").Write(&dm))
	s.Equal(float64(1), dm.GetCounter().GetValue())
}

func (s *ControllerTestSuite) TestFailureCeilingStopsSession() {
	f := &scriptedFetcher{script: []outcome{{err: errors.New("dns failure")}}}
	cfg := s.testConfig()
	cfg.MaxConsecutiveFailures = 3
	c, err := NewController("PAY_1", f, cfg)
	s.Require().NoError(err)
	c.Start()

	s.Require().Eventually(func() bool {
		return c.Session().State == SessionStopped
	}, 2*time.Second, 5*time.Millisecond)

	sess := c.Session()
	s.Equal(3, f.count())
	s.Equal(3, sess.ConsecutiveFailures)
	s.Require().Error(sess.LastSnapshot.Err)
	s.True(sess.LastSnapshot.Stale)
}

func (s *ControllerTestSuite) TestStopIsIdempotentAndStartAfterStopIgnored() {
	f := &scriptedFetcher{gate: make(chan struct{})}
	c, err := NewController("PAY_1", f, s.testConfig())
	s.Require().NoError(err)

	c.Start()
	// The initial fetch is already outstanding when Stop lands; only its
	// effect is suppressed, so wait for it before freezing the count.
	s.Require().Eventually(func() bool { return f.count() >= 1 }, time.Second, 5*time.Millisecond)
	c.Stop()
	c.Stop()
	s.Equal(SessionStopped, c.Session().State)
	close(f.gate)

	n := f.count()
	c.Start()
	time.Sleep(50 * time.Millisecond)
	s.Equal(SessionStopped, c.Session().State)
	s.Equal(n, f.count())
}

func (s *ControllerTestSuite) TestStartHiddenDefersFirstFetch() {
	f := &scriptedFetcher{}
	cfg := s.testConfig()
	cfg.StartVisible = false
	c, err := NewController("PAY_1", f, cfg)
	s.Require().NoError(err)
	defer c.Stop()

	c.Start()
	time.Sleep(50 * time.Millisecond)
	s.Equal(0, f.count())
	s.Equal(SessionSuspended, c.Session().State)

	c.SetVisible(true)
	s.Require().Eventually(func() bool { return f.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestControllerTestSuite(t *testing.T) {
	suite.Run(t, new(ControllerTestSuite))
}
