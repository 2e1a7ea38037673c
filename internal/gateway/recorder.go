package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/augustcredits/gateway/internal/metrics"
	"github.com/augustcredits/gateway/internal/store"
)

// Outcome describes how a proxied request ended, for metering.
type Outcome struct {
	StatusCode    int
	Duration      time.Duration
	Path          string
	Method        string
	RequestBytes  int64
	ResponseBytes int64
	// Forwarded is true when the upstream produced a response. Only
	// forwarded requests are charged.
	Forwarded bool
}

// UsageRecorder meters requests off the hot path. Recording failures
// are logged and counted but never surface to the caller; a metering
// outage must not take the proxy down with it.
type UsageRecorder struct {
	ledger  store.Ledger
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewUsageRecorder creates a recorder. timeout bounds each background
// write.
func NewUsageRecorder(ledger store.Ledger, timeout time.Duration, logger *slog.Logger) *UsageRecorder {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &UsageRecorder{
		ledger:  ledger,
		logger:  logger,
		timeout: timeout,
		now:     time.Now,
	}
}

// Record meters one request asynchronously and returns immediately.
func (r *UsageRecorder) Record(call *AuthorizedCall, outcome Outcome) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		r.record(ctx, call, outcome)
	}()
}

// record writes the audit entry and bumps the period aggregate. The
// aggregate update is a commutative increment, so concurrent writers
// for the same caller and resource cannot lose counts.
func (r *UsageRecorder) record(ctx context.Context, call *AuthorizedCall, outcome Outcome) {
	cost := "0"
	if outcome.Forwarded {
		cost = call.Resource.Price
	}

	log := &store.RequestLog{
		RequestID:      call.RequestID,
		CallerID:       call.Caller.ID,
		ResourceID:     call.Resource.ID,
		Method:         outcome.Method,
		Path:           outcome.Path,
		StatusCode:     outcome.StatusCode,
		Cost:           cost,
		ResponseTimeMs: outcome.Duration.Milliseconds(),
		RequestBytes:   outcome.RequestBytes,
		ResponseBytes:  outcome.ResponseBytes,
		CreatedAt:      r.now(),
	}
	if err := r.ledger.WriteRequestLog(ctx, log); err != nil {
		metrics.UsageRecordFailures.Inc()
		r.logger.Error("request log write failed",
			slog.String("request_id", call.RequestID),
			slog.String("caller_id", call.Caller.ID.String()),
			slog.String("error", err.Error()))
	}

	period := store.BillingPeriod(r.now())
	if err := r.ledger.UpsertUsage(ctx, call.Caller.ID, call.Resource.ID, period, 1, cost); err != nil {
		metrics.UsageRecordFailures.Inc()
		r.logger.Error("usage aggregate update failed",
			slog.String("request_id", call.RequestID),
			slog.String("caller_id", call.Caller.ID.String()),
			slog.String("period", period),
			slog.String("error", err.Error()))
	}
}

// Close waits for in-flight recordings to finish.
func (r *UsageRecorder) Close() {
	r.wg.Wait()
}
