// Command mockgateway serves the payment-gateway API surface that
// statesyncd polls. Payments walk a scripted lifecycle so the engine's
// behavior can be exercised end to end without a real gateway.
//
// The script is chosen by payment id prefix:
//
//	fail-*    pending for -pending-polls requests, then failed
//	cancel-*  ORDER_CANCELLED on the first request
//	deact-*   ORDER_DEACTIVATED on the first request
//	paused-*  API_PAUSED on the first request
//	flaky-*   alternates HTTP 500 and pending responses
//	anything else: pending for -pending-polls requests, then completed
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/paywatch/statesync/internal/logging"
	"github.com/paywatch/statesync/pkg/fetch"
)

func main() {
	var listenAddr string
	var pendingPolls int

	flag.StringVar(&listenAddr, "listen", "127.0.0.1:8480", "address to listen on")
	flag.IntVar(&pendingPolls, "pending-polls", 3, "polls a payment stays pending before settling")
	flag.Parse()

	g := newGateway(pendingPolls)
	if err := g.run(listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type gateway struct {
	mu           sync.Mutex
	polls        map[string]int
	pendingPolls int
	startTime    time.Time
	logger       *logging.Logger
}

func newGateway(pendingPolls int) *gateway {
	return &gateway{
		polls:        make(map[string]int),
		pendingPolls: pendingPolls,
		logger:       logging.New("mockgateway", nil),
	}
}

func (g *gateway) run(addr string) error {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/api/health", g.handleHealth)
	r.GET("/api/v1/payments/:id/status", g.handlePaymentStatus)
	r.GET("/api/v1/dashboard/overview", g.handleOverview)
	r.GET("/api/v1/dashboard/distribution", g.handleDistribution)
	r.GET("/api/v1/dashboard/activity", g.handleActivity)

	server := &http.Server{
		Handler:           r,
		BaseContext:       func(_ net.Listener) context.Context { return context.Background() },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	g.startTime = time.Now()
	g.logger.Infof("mock gateway listening on %s (pending polls: %d)", addr, g.pendingPolls)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(listener) }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func (g *gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(g.startTime).String(),
	})
}

func (g *gateway) handlePaymentStatus(c *gin.Context) {
	id := c.Param("id")

	g.mu.Lock()
	g.polls[id]++
	poll := g.polls[id]
	g.mu.Unlock()

	blocked := func(code, message string) {
		c.JSON(http.StatusOK, gin.H{
			"success":   false,
			"errorCode": code,
			"message":   message,
		})
	}

	switch {
	case strings.HasPrefix(id, "cancel-"):
		blocked("ORDER_CANCELLED", "This payment was cancelled. Please contact the merchant.")
		return
	case strings.HasPrefix(id, "deact-"):
		blocked("ORDER_DEACTIVATED", "This payment is no longer active. Please contact the merchant.")
		return
	case strings.HasPrefix(id, "paused-"):
		blocked("API_PAUSED", "Payment processing is temporarily paused. Please contact the merchant.")
		return
	case strings.HasPrefix(id, "flaky-") && poll%2 == 1:
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": "internal error"})
		return
	}

	status := "pending"
	if poll > g.pendingPolls {
		if strings.HasPrefix(id, "fail-") {
			status = "failed"
		} else {
			status = "completed"
		}
	}
	g.logger.Debugf("payment %s poll %d -> %s", id, poll, status)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  status,
		"address": "bc1q" + id,
		"amount":  "0.0042",
		"type":    "fixed",
		"network": "mainnet",
	})
}

func (g *gateway) handleOverview(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid days parameter"})
		return
	}

	breakdown := make([]fetch.DailyMetric, 0, days)
	now := time.Now()
	for i := days - 1; i >= 0; i-- {
		day := now.AddDate(0, 0, -i)
		breakdown = append(breakdown, fetch.DailyMetric{
			Date:     day.Format("2006-01-02"),
			Revenue:  120.5 + float64(i)*7.25,
			Payments: 4 + i,
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"todayMetrics": fetch.TodayMetrics{
			Revenue:   breakdown[len(breakdown)-1].Revenue,
			Payments:  breakdown[len(breakdown)-1].Payments,
			Completed: 3,
			Failed:    1,
		},
		"dailyBreakdown": breakdown,
	})
}

func (g *gateway) handleDistribution(c *gin.Context) {
	period := c.DefaultQuery("period", "30d")
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"distribution": []fetch.AssetShare{
			{Asset: "BTC", Share: 0.62, Amount: 1.84},
			{Asset: "ETH", Share: 0.27, Amount: 11.2},
			{Asset: "LTC", Share: 0.11, Amount: 43.9},
		},
		"period": period,
	})
}

func (g *gateway) handleActivity(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid limit parameter"})
		return
	}

	entries := make([]fetch.ActivityEntry, 0, limit)
	for i := 0; i < limit; i++ {
		status := "completed"
		if i%4 == 3 {
			status = "failed"
		}
		entries = append(entries, fetch.ActivityEntry{
			PaymentID: fmt.Sprintf("pay-%04d", 1000-i),
			Status:    status,
			Amount:    fmt.Sprintf("%.4f", 0.001*float64(i+1)),
			Asset:     "BTC",
			CreatedAt: time.Now().Add(-time.Duration(i) * 11 * time.Minute),
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"success":        true,
		"recentActivity": entries,
	})
}
