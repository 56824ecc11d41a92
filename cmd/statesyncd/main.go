// Command statesyncd keeps client-side views of a payment gateway in sync
// by polling: payment lifecycle sessions, the dashboard overview, crypto
// distribution, and the recent-activity feed.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/paywatch/statesync/api"
	"github.com/paywatch/statesync/internal/diag"
	"github.com/paywatch/statesync/internal/logging"
	"github.com/paywatch/statesync/pkg/fetch"
	"github.com/paywatch/statesync/pkg/guard"
	"github.com/paywatch/statesync/pkg/metrics"
	"github.com/paywatch/statesync/pkg/poll"
	"github.com/paywatch/statesync/pkg/refresh"
	"github.com/paywatch/statesync/pkg/visibility"
)

// Build variables - set by ldflags during build.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var configPath string
	var paymentList string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (yaml)")
	flag.StringVar(&paymentList, "payments", "", "comma-separated payment ids to watch")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("statesyncd %s (%s)\n", version, commit)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if paymentList != "" {
		cfg.PaymentIDs = strings.Split(paymentList, ",")
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg appConfig) error {
	logger := logging.New("daemon", nil)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	client, err := fetch.NewClient(&fetch.Config{
		BaseURL:      cfg.GatewayURL,
		FetchTimeout: cfg.FetchTimeout,
	})
	if err != nil {
		return err
	}

	hub := visibility.NewHub()
	registry := poll.NewRegistry(nil)
	hub.Subscribe(registry.SetVisible)

	coord, err := refresh.NewCoordinator([]refresh.Source{
		{Name: "overview", Fetch: func(ctx context.Context, force bool) (api.Result, error) {
			return client.Overview(ctx, cfg.OverviewDays, force)
		}},
		{Name: "distribution", Fetch: func(ctx context.Context, force bool) (api.Result, error) {
			return client.Distribution(ctx, cfg.DistributionPeriod)
		}},
		{Name: "activity", Fetch: func(ctx context.Context, force bool) (api.Result, error) {
			return client.RecentActivity(ctx, cfg.ActivityLimit)
		}},
	}, &refresh.Config{
		DebounceWindow: cfg.DebounceWindow,
		FetchTimeout:   cfg.FetchTimeout,
		Metrics:        m,
	})
	if err != nil {
		return err
	}
	defer coord.Close()

	coord.Subscribe(func(comp refresh.Composite) {
		stale := 0
		for _, p := range comp.Parts {
			if p.Stale {
				stale++
			}
		}
		logger.Infof("refresh cycle %d applied (%d parts, %d stale)", comp.Cycle, len(comp.Parts), stale)
	})

	pollCfg := &poll.Config{
		Interval:               cfg.PaymentInterval,
		FetchTimeout:           cfg.FetchTimeout,
		MaxConsecutiveFailures: cfg.MaxConsecutiveFailures,
		StartVisible:           true,
		ResourceKind:           "payment_status",
		Metrics:                m,
	}
	guards := make([]*guard.Guard, 0, len(cfg.PaymentIDs))
	for _, id := range cfg.PaymentIDs {
		id := strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, err := registry.Start(id, client.PaymentFetcher(), pollCfg); err != nil {
			return err
		}
		var g *guard.Guard
		g, err := guard.New(&guard.Config{
			Ceiling:      cfg.ReloadCeiling,
			StillPending: func() bool { return paymentStillPending(registry, id) },
			Visible:      hub.Visible,
			Reload: func() {
				reloadPayment(registry, client, pollCfg, id, logger)
				// The fresh session can stall too; keep the ceiling armed.
				g.Start()
			},
		})
		if err != nil {
			return err
		}
		g.Start()
		guards = append(guards, g)
	}
	defer func() {
		for _, g := range guards {
			g.Stop()
		}
		registry.StopAll()
	}()

	var lastBeat atomic.Int64
	lastBeat.Store(time.Now().UnixNano())

	health := healthcheck.NewHandler()
	health.AddLivenessCheck("engine-heartbeat", func() error {
		if time.Since(time.Unix(0, lastBeat.Load())) > 3*cfg.ActivityInterval {
			return errors.New("engine heartbeat stalled")
		}
		return nil
	})
	if u, err := url.Parse(cfg.GatewayURL); err == nil && u.Host != "" {
		health.AddReadinessCheck("gateway-tcp", healthcheck.TCPDialCheck(hostPort(u), 2*time.Second))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	mux.HandleFunc("/status", statusHandler(registry, coord))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		overview := time.NewTicker(cfg.OverviewInterval)
		activity := time.NewTicker(cfg.ActivityInterval)
		defer overview.Stop()
		defer activity.Stop()

		// Prime the dashboard immediately.
		coord.Request(refresh.TriggerManual, true)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-overview.C:
				lastBeat.Store(time.Now().UnixNano())
				coord.Request(refresh.TriggerInterval, false)
			case <-activity.C:
				lastBeat.Store(time.Now().UnixNano())
				coord.Request(refresh.TriggerInterval, false)
			}
		}
	})

	logger.Infof("statesyncd %s listening on %s, gateway %s, %d payment(s) watched",
		version, cfg.ListenAddr, cfg.GatewayURL, len(cfg.PaymentIDs))
	return g.Wait()
}

// paymentStillPending reports whether id has not reached a terminal state.
func paymentStillPending(registry *poll.Registry, id string) bool {
	c, ok := registry.Get(id)
	if !ok {
		return false
	}
	sess := c.Session()
	if sess.State == poll.SessionStopped {
		return false
	}
	if sess.LastSnapshot.Result == nil {
		return true
	}
	return !sess.LastSnapshot.Result.Terminal()
}

// reloadPayment is the guard's blunt recovery path: tear the session down
// and build a fresh one.
func reloadPayment(registry *poll.Registry, client *fetch.Client, cfg *poll.Config, id string, logger *logging.Logger) {
	logger.Warnf("reloading stalled payment session %s", id)
	registry.Stop(id)
	if _, err := registry.Start(id, client.PaymentFetcher(), cfg); err != nil {
		logger.Errorf("reload of %s failed: %v", id, err)
	}
}

func statusHandler(registry *poll.Registry, coord *refresh.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, _ := diag.Collect()
		type sessionView struct {
			ResourceID string `json:"resourceId"`
			State      string `json:"state"`
			Failures   int    `json:"consecutiveFailures"`
		}
		sessions := make([]sessionView, 0)
		for _, s := range registry.Sessions() {
			sessions = append(sessions, sessionView{
				ResourceID: s.ResourceID,
				State:      s.State.String(),
				Failures:   s.ConsecutiveFailures,
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"process":       snap,
			"sessions":      sessions,
			"refreshCycles": coord.Cycles(),
		})
	}
}

func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	if u.Scheme == "https" {
		return u.Host + ":443"
	}
	return u.Host + ":80"
}
