package fetch

import (
	"time"

	"github.com/paywatch/statesync/pkg/payment"
)

// Wire shapes, decoded and validated at the fetch boundary before anything
// enters the engine. Optional fields are explicit.

type paymentStatusResponse struct {
	Success   bool   `json:"success"`
	Status    string `json:"status"`
	Address   string `json:"address"`
	Amount    string `json:"amount"`
	Type      string `json:"type"`
	Network   string `json:"network"`
	ErrorCode string `json:"errorCode,omitempty"`
	Message   string `json:"message,omitempty"`
}

type overviewResponse struct {
	Success        bool          `json:"success"`
	TodayMetrics   *TodayMetrics `json:"todayMetrics"`
	DailyBreakdown []DailyMetric `json:"dailyBreakdown"`
	Message        string        `json:"message,omitempty"`
}

type distributionResponse struct {
	Success      bool         `json:"success"`
	Distribution []AssetShare `json:"distribution"`
	Message      string       `json:"message,omitempty"`
}

type activityResponse struct {
	Success        bool            `json:"success"`
	RecentActivity []ActivityEntry `json:"recentActivity"`
	Message        string          `json:"message,omitempty"`
}

// PaymentStatus is the fetched view of one payment.
type PaymentStatus struct {
	ID      string
	State   payment.State
	Address string
	Amount  string
	Type    string
	Network string
	Message string
}

func (p *PaymentStatus) Kind() string { return "payment_status" }

// Terminal reports whether the payment reached a state that stops polling.
func (p *PaymentStatus) Terminal() bool { return p.State.Terminal() }

// TodayMetrics aggregates the current day of a merchant dashboard.
type TodayMetrics struct {
	Revenue   float64 `json:"revenue"`
	Payments  int     `json:"payments"`
	Completed int     `json:"completed"`
	Failed    int     `json:"failed"`
}

// DailyMetric is one day of the dashboard breakdown.
type DailyMetric struct {
	Date     string  `json:"date"`
	Revenue  float64 `json:"revenue"`
	Payments int     `json:"payments"`
}

// Overview is the fetched dashboard overview for one period.
type Overview struct {
	PeriodDays int
	Today      TodayMetrics
	Daily      []DailyMetric
}

func (o *Overview) Kind() string   { return "dashboard_overview" }
func (o *Overview) Terminal() bool { return false }

// AssetShare is one asset's slice of the crypto distribution.
type AssetShare struct {
	Asset  string  `json:"asset"`
	Share  float64 `json:"share"`
	Amount float64 `json:"amount"`
}

// Distribution is the fetched crypto distribution for one period.
type Distribution struct {
	Period string
	Assets []AssetShare
}

func (d *Distribution) Kind() string   { return "crypto_distribution" }
func (d *Distribution) Terminal() bool { return false }

// ActivityEntry is one row of the recent-activity feed.
type ActivityEntry struct {
	PaymentID string    `json:"paymentId"`
	Status    string    `json:"status"`
	Amount    string    `json:"amount"`
	Asset     string    `json:"asset"`
	CreatedAt time.Time `json:"createdAt"`
}

// Activity is the fetched recent-activity feed.
type Activity struct {
	Limit   int
	Entries []ActivityEntry
}

func (a *Activity) Kind() string   { return "recent_activity" }
func (a *Activity) Terminal() bool { return false }
