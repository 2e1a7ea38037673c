package store

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Resource is an upstream API registered with the gateway.
type Resource struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description *string   `json:"description,omitempty"`
	TargetURL   string    `json:"target_url"`
	OwnerWallet string    `json:"owner_wallet"`

	// Price is the per-request cost in credits, a base-10 integer
	// string so arbitrary precision survives storage round-trips.
	Price string `json:"price"`

	// RateLimit caps requests per window for this resource. Nil means
	// the caller's tier limit applies alone.
	RateLimit *int `json:"rate_limit,omitempty"`

	// RateLimitWindow is the window span in seconds for RateLimit. Nil
	// falls back to the gateway default.
	RateLimitWindow *int `json:"rate_limit_window,omitempty"`

	// RequestTimeout bounds each upstream attempt, in seconds. Nil
	// falls back to the gateway default.
	RequestTimeout *int `json:"request_timeout,omitempty"`

	// RetryAttempts is the total number of upstream attempts for this
	// resource. Nil falls back to the gateway default.
	RetryAttempts *int `json:"retry_attempts,omitempty"`

	// Methods lists the allowed HTTP methods. Empty allows all.
	Methods []string `json:"methods,omitempty"`

	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllowsMethod reports whether the resource accepts the given HTTP
// method. An empty method list allows everything.
func (r *Resource) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// SettlementStatus tracks a usage record through billing.
type SettlementStatus string

const (
	StatusPending    SettlementStatus = "pending"
	StatusProcessing SettlementStatus = "processing"
	StatusSettled    SettlementStatus = "settled"
	StatusFailed     SettlementStatus = "failed"
	StatusRefunded   SettlementStatus = "refunded"
)

// UsageRecord is the aggregated usage for one caller and resource in
// one billing period.
type UsageRecord struct {
	ID           uuid.UUID        `json:"id"`
	CallerID     uuid.UUID        `json:"caller_id"`
	ResourceID   uuid.UUID        `json:"resource_id"`
	Period       string           `json:"period"`
	RequestCount int64            `json:"request_count"`
	TotalCost    string           `json:"total_cost"`
	Status       SettlementStatus `json:"status"`
	TxRef        *string          `json:"tx_ref,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// RequestLog is the per-request audit entry.
type RequestLog struct {
	ID             uuid.UUID `json:"id"`
	RequestID      string    `json:"request_id"`
	CallerID       uuid.UUID `json:"caller_id"`
	ResourceID     uuid.UUID `json:"resource_id"`
	Method         string    `json:"method"`
	Path           string    `json:"path"`
	StatusCode     int       `json:"status_code"`
	Cost           string    `json:"cost"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	RequestBytes   int64     `json:"request_bytes"`
	ResponseBytes  int64     `json:"response_bytes"`
	CreatedAt      time.Time `json:"created_at"`
}

// BillingPeriod formats t as the billing period it falls in, "YYYY-MM"
// in UTC.
func BillingPeriod(t time.Time) string {
	return t.UTC().Format("2006-01")
}
