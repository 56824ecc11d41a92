// Package fetch implements the gateway fetchers consumed by the engine.
//
// Each fetcher performs one bounded HTTP GET against the payment gateway,
// validates the response shape at the boundary, and classifies failures as
// transient (retry next tick) or terminal (stop polling).
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/paywatch/statesync/api"
	"github.com/paywatch/statesync/internal/logging"
	"github.com/paywatch/statesync/pkg/payment"
)

// Config holds gateway client parameters.
type Config struct {
	// BaseURL is the gateway root, e.g. "https://gateway.example.com".
	BaseURL string
	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
	// FetchTimeout bounds one fetch attempt end to end.
	FetchTimeout time.Duration
	// MaxRetries bounds in-attempt retries of connection-level failures.
	MaxRetries uint64
	// RetryInterval is the constant delay between in-attempt retries.
	RetryInterval time.Duration
	// Meter and Tracer are optional OpenTelemetry hooks.
	Meter  metric.Meter
	Tracer trace.Tracer
	// LogOutput overrides the logger destination. Optional.
	LogOutput io.Writer
}

// DefaultConfig returns the gateway client defaults.
func DefaultConfig() *Config {
	return &Config{
		FetchTimeout:  10 * time.Second,
		MaxRetries:    2,
		RetryInterval: 250 * time.Millisecond,
	}
}

// Client fetches resource views from the payment gateway.
type Client struct {
	cfg     Config
	hc      *http.Client
	logger  *logging.Logger
	tracer  trace.Tracer
	fetches metric.Int64Counter
}

// NewClient builds a Client from cfg. BaseURL is required; every other
// field falls back to DefaultConfig.
func NewClient(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("fetch: BaseURL is required")
	}
	def := DefaultConfig()
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer("statesync/fetch")
	}
	meter := cfg.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter("statesync/fetch")
	}
	fetches, err := meter.Int64Counter("statesync.fetch.requests",
		metric.WithDescription("Gateway fetches by resource and outcome."))
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:     *cfg,
		hc:      hc,
		logger:  logging.New("fetch", cfg.LogOutput),
		tracer:  tracer,
		fetches: fetches,
	}, nil
}

// PaymentStatus fetches the current state of one payment.
func (c *Client) PaymentStatus(ctx context.Context, id string) (*PaymentStatus, error) {
	ctx, span := c.tracer.Start(ctx, "fetch.payment_status")
	defer span.End()

	httpStatus, body, err := c.getJSON(ctx, "/api/v1/payments/"+url.PathEscape(id)+"/status", nil)
	if err != nil {
		c.observe(ctx, "payment_status", "transient")
		return nil, err
	}
	var raw paymentStatusResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		c.observe(ctx, "payment_status", "transient")
		return nil, &TransientError{Op: "payment_status", Err: fmt.Errorf("malformed response: %w", err)}
	}
	if !raw.Success {
		if blocked, ok := payment.Code(raw.ErrorCode).State(); ok {
			msg := raw.Message
			if msg == "" {
				msg = blocked.Message()
			}
			c.observe(ctx, "payment_status", "blocked")
			return nil, &BlockedError{
				PaymentID: id,
				Code:      payment.Code(raw.ErrorCode),
				State:     blocked,
				Message:   msg,
			}
		}
		c.observe(ctx, "payment_status", "transient")
		return nil, &TransientError{
			Op:  "payment_status",
			Err: fmt.Errorf("gateway reported failure (http %d): %s", httpStatus, raw.Message),
		}
	}
	if raw.Status == "" {
		c.observe(ctx, "payment_status", "transient")
		return nil, &TransientError{Op: "payment_status", Err: errors.New("malformed response: missing status")}
	}
	state, err := payment.ParseState(raw.Status)
	if err != nil {
		c.observe(ctx, "payment_status", "transient")
		return nil, &TransientError{Op: "payment_status", Err: fmt.Errorf("malformed response: %w", err)}
	}
	// A response may carry both a state change and a blocking code; the
	// natural terminal state wins.
	state = payment.Resolve(state, payment.Code(raw.ErrorCode))
	c.observe(ctx, "payment_status", "ok")
	return &PaymentStatus{
		ID:      id,
		State:   state,
		Address: raw.Address,
		Amount:  raw.Amount,
		Type:    raw.Type,
		Network: raw.Network,
		Message: raw.Message,
	}, nil
}

// PaymentFetcher adapts PaymentStatus to the api.Fetcher contract.
func (c *Client) PaymentFetcher() api.Fetcher {
	return api.FetcherFunc(func(ctx context.Context, id string) (api.Result, error) {
		res, err := c.PaymentStatus(ctx, id)
		if err != nil {
			return nil, err
		}
		return res, nil
	})
}

// Overview fetches the dashboard overview for a period in days.
func (c *Client) Overview(ctx context.Context, days int, force bool) (*Overview, error) {
	ctx, span := c.tracer.Start(ctx, "fetch.dashboard_overview")
	defer span.End()

	q := url.Values{}
	q.Set("days", strconv.Itoa(days))
	if force {
		q.Set("force", "true")
	}
	_, body, err := c.getJSON(ctx, "/api/v1/dashboard/overview", q)
	if err != nil {
		c.observe(ctx, "dashboard_overview", "transient")
		return nil, err
	}
	var raw overviewResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		c.observe(ctx, "dashboard_overview", "transient")
		return nil, &TransientError{Op: "dashboard_overview", Err: fmt.Errorf("malformed response: %w", err)}
	}
	if !raw.Success {
		c.observe(ctx, "dashboard_overview", "transient")
		return nil, &TransientError{Op: "dashboard_overview", Err: fmt.Errorf("gateway reported failure: %s", raw.Message)}
	}
	if raw.TodayMetrics == nil {
		c.observe(ctx, "dashboard_overview", "transient")
		return nil, &TransientError{Op: "dashboard_overview", Err: errors.New("malformed response: missing todayMetrics")}
	}
	c.observe(ctx, "dashboard_overview", "ok")
	return &Overview{
		PeriodDays: days,
		Today:      *raw.TodayMetrics,
		Daily:      raw.DailyBreakdown,
	}, nil
}

// Distribution fetches the crypto distribution for a period string.
func (c *Client) Distribution(ctx context.Context, period string) (*Distribution, error) {
	ctx, span := c.tracer.Start(ctx, "fetch.crypto_distribution")
	defer span.End()

	q := url.Values{}
	q.Set("period", period)
	_, body, err := c.getJSON(ctx, "/api/v1/dashboard/distribution", q)
	if err != nil {
		c.observe(ctx, "crypto_distribution", "transient")
		return nil, err
	}
	var raw distributionResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		c.observe(ctx, "crypto_distribution", "transient")
		return nil, &TransientError{Op: "crypto_distribution", Err: fmt.Errorf("malformed response: %w", err)}
	}
	if !raw.Success {
		c.observe(ctx, "crypto_distribution", "transient")
		return nil, &TransientError{Op: "crypto_distribution", Err: fmt.Errorf("gateway reported failure: %s", raw.Message)}
	}
	if raw.Distribution == nil {
		c.observe(ctx, "crypto_distribution", "transient")
		return nil, &TransientError{Op: "crypto_distribution", Err: errors.New("malformed response: missing distribution")}
	}
	c.observe(ctx, "crypto_distribution", "ok")
	return &Distribution{Period: period, Assets: raw.Distribution}, nil
}

// RecentActivity fetches the latest activity feed entries.
func (c *Client) RecentActivity(ctx context.Context, limit int) (*Activity, error) {
	ctx, span := c.tracer.Start(ctx, "fetch.recent_activity")
	defer span.End()

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	_, body, err := c.getJSON(ctx, "/api/v1/dashboard/activity", q)
	if err != nil {
		c.observe(ctx, "recent_activity", "transient")
		return nil, err
	}
	var raw activityResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		c.observe(ctx, "recent_activity", "transient")
		return nil, &TransientError{Op: "recent_activity", Err: fmt.Errorf("malformed response: %w", err)}
	}
	if !raw.Success {
		c.observe(ctx, "recent_activity", "transient")
		return nil, &TransientError{Op: "recent_activity", Err: fmt.Errorf("gateway reported failure: %s", raw.Message)}
	}
	if raw.RecentActivity == nil {
		c.observe(ctx, "recent_activity", "transient")
		return nil, &TransientError{Op: "recent_activity", Err: errors.New("malformed response: missing recentActivity")}
	}
	c.observe(ctx, "recent_activity", "ok")
	return &Activity{Limit: limit, Entries: raw.RecentActivity}, nil
}

// getJSON performs one bounded GET. Connection-level failures and 5xx
// responses retry with constant backoff up to MaxRetries before being
// reported as transient. Timeouts count as transient, never as blocking.
func (c *Client) getJSON(ctx context.Context, path string, q url.Values) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()

	u := c.cfg.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var httpStatus int
	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := c.hc.Do(req)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := resp.Body.Close(); cerr != nil {
				c.logger.Warnf("body close error: %v", cerr)
			}
		}()
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return err
		}
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("gateway returned %d", resp.StatusCode)
		}
		httpStatus = resp.StatusCode
		body = append([]byte(nil), buf.Bytes()...)
		return nil
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.RetryInterval), c.cfg.MaxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		c.logger.Debugf("GET %s failed: %v", path, err)
		return 0, nil, &TransientError{Op: "GET " + path, Err: err}
	}
	return httpStatus, body, nil
}

func (c *Client) observe(ctx context.Context, resource, outcome string) {
	c.fetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource),
		attribute.String("outcome", outcome),
	))
}
