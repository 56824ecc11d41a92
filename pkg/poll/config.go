package poll

import (
	"io"
	"time"

	"github.com/paywatch/statesync/api"
	"github.com/paywatch/statesync/pkg/metrics"
)

// Default timing constants. All of them are overridable through Config.
const (
	// DefaultPaymentInterval is the payment status poll interval.
	DefaultPaymentInterval = 30 * time.Second
	// DefaultOverviewInterval is the dashboard auto-refresh interval.
	DefaultOverviewInterval = 60 * time.Second
	// DefaultActivityInterval is the recent-activity auto-refresh interval.
	DefaultActivityInterval = 20 * time.Second
	// DefaultFetchTimeout bounds one fetch attempt.
	DefaultFetchTimeout = 10 * time.Second
)

// Config holds poll controller parameters.
type Config struct {
	// Interval between scheduled fetches while visible and non-terminal.
	Interval time.Duration
	// FetchTimeout bounds each fetch attempt. A timeout is a transient
	// failure, never a terminal state.
	FetchTimeout time.Duration
	// MaxConsecutiveFailures stops the session once that many transient
	// failures occur in a row. Zero keeps the historical behavior of
	// retrying forever at the fixed interval.
	MaxConsecutiveFailures int
	// StartVisible is the initial visibility of the owning surface.
	StartVisible bool
	// ResourceKind labels metrics for fetches that fail before any result
	// exists. Optional; a fetched result's own kind takes precedence.
	ResourceKind string
	// OnSnapshot, if set, receives every applied snapshot.
	OnSnapshot api.SnapshotListener
	// Metrics is optional.
	Metrics *metrics.Metrics
	// LogOutput overrides the logger destination. Optional.
	LogOutput io.Writer
}

// DefaultConfig returns controller defaults suitable for payment polling.
func DefaultConfig() *Config {
	return &Config{
		Interval:     DefaultPaymentInterval,
		FetchTimeout: DefaultFetchTimeout,
		StartVisible: true,
	}
}
