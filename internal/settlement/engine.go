package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/augustcredits/gateway/internal/auth"
	"github.com/augustcredits/gateway/internal/metrics"
	"github.com/augustcredits/gateway/internal/store"
)

// EngineConfig tunes the settlement cycle.
type EngineConfig struct {
	// BatchSize caps how many pending records one cycle picks up.
	BatchSize int
	// Interval is the wait between cycles when running in the
	// background.
	Interval time.Duration
}

// Summary reports what one settlement cycle did.
type Summary struct {
	Fetched int `json:"fetched"`
	Claimed int `json:"claimed"`
	Settled int `json:"settled"`
	Failed  int `json:"failed"`
}

// settlementPayload is the on-chain settlement body for one caller.
type settlementPayload struct {
	CallerID      uuid.UUID        `json:"caller_id"`
	WalletAddress string           `json:"wallet_address"`
	TotalCost     string           `json:"total_cost"`
	Items         []settlementItem `json:"items"`
}

type settlementItem struct {
	RecordID     uuid.UUID `json:"record_id"`
	ResourceID   uuid.UUID `json:"resource_id"`
	Period       string    `json:"period"`
	RequestCount int64     `json:"request_count"`
	Cost         string    `json:"cost"`
}

// Engine drives billing settlement. Each cycle fetches pending usage,
// claims it, groups it per caller, and submits one transaction per
// caller. Claiming is a compare-and-swap on the record status, so two
// engines running the same cycle cannot settle the same record twice.
type Engine struct {
	ledger   store.Ledger
	callers  auth.CallerStore
	executor *TransactionExecutor
	cfg      EngineConfig
	logger   *slog.Logger
}

// NewEngine wires a settlement engine.
func NewEngine(ledger store.Ledger, callers auth.CallerStore, executor *TransactionExecutor, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Engine{
		ledger:   ledger,
		callers:  callers,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
	}
}

// RunCycle executes one settlement pass.
func (e *Engine) RunCycle(ctx context.Context) (*Summary, error) {
	records, err := e.ledger.FetchPendingUsage(ctx, e.cfg.BatchSize)
	if err != nil {
		metrics.SettlementCycles.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetch pending usage: %w", err)
	}

	summary := &Summary{Fetched: len(records)}
	if len(records) == 0 {
		metrics.SettlementCycles.WithLabelValues("empty").Inc()
		return summary, nil
	}

	byCaller := make(map[uuid.UUID][]*store.UsageRecord)
	for _, rec := range records {
		claimed, err := e.ledger.ClaimUsage(ctx, rec.ID)
		if err != nil {
			e.logger.Error("claim failed",
				slog.String("record_id", rec.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		if !claimed {
			continue
		}
		summary.Claimed++
		byCaller[rec.CallerID] = append(byCaller[rec.CallerID], rec)
	}

	// Deterministic order keeps logs and tests stable.
	callerIDs := make([]uuid.UUID, 0, len(byCaller))
	for id := range byCaller {
		callerIDs = append(callerIDs, id)
	}
	sort.Slice(callerIDs, func(i, j int) bool {
		return callerIDs[i].String() < callerIDs[j].String()
	})

	for _, callerID := range callerIDs {
		group := byCaller[callerID]
		settled, err := e.settleCaller(ctx, callerID, group)
		if err != nil {
			e.logger.Error("settlement failed",
				slog.String("caller_id", callerID.String()),
				slog.Int("records", len(group)),
				slog.String("error", err.Error()))
		}
		if settled {
			summary.Settled += len(group)
		} else {
			summary.Failed += len(group)
		}
		if ctx.Err() != nil {
			break
		}
	}

	metrics.SettlementCycles.WithLabelValues("ok").Inc()
	e.logger.Info("settlement cycle complete",
		slog.Int("fetched", summary.Fetched),
		slog.Int("claimed", summary.Claimed),
		slog.Int("settled", summary.Settled),
		slog.Int("failed", summary.Failed))
	return summary, nil
}

func (e *Engine) settleCaller(ctx context.Context, callerID uuid.UUID, group []*store.UsageRecord) (bool, error) {
	payload, err := e.buildPayload(ctx, callerID, group)
	if err != nil {
		e.finalize(ctx, group, store.StatusFailed, nil)
		return false, err
	}

	tx, err := e.executor.SubmitAndConfirm(ctx, payload)
	if err != nil {
		var txRef *string
		if tx != nil && tx.TxRef != "" {
			txRef = &tx.TxRef
		}
		e.finalize(ctx, group, store.StatusFailed, txRef)
		return false, err
	}

	e.finalize(ctx, group, store.StatusSettled, &tx.TxRef)
	return true, nil
}

func (e *Engine) buildPayload(ctx context.Context, callerID uuid.UUID, group []*store.UsageRecord) ([]byte, error) {
	caller, err := e.callers.GetCallerByID(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("lookup caller: %w", err)
	}
	if caller == nil {
		return nil, fmt.Errorf("caller %s not found", callerID)
	}

	total := "0"
	items := make([]settlementItem, 0, len(group))
	for _, rec := range group {
		total, err = store.AddCost(total, rec.TotalCost)
		if err != nil {
			return nil, fmt.Errorf("sum cost for record %s: %w", rec.ID, err)
		}
		items = append(items, settlementItem{
			RecordID:     rec.ID,
			ResourceID:   rec.ResourceID,
			Period:       rec.Period,
			RequestCount: rec.RequestCount,
			Cost:         rec.TotalCost,
		})
	}

	return json.Marshal(settlementPayload{
		CallerID:      callerID,
		WalletAddress: caller.WalletAddress,
		TotalCost:     total,
		Items:         items,
	})
}

func (e *Engine) finalize(ctx context.Context, group []*store.UsageRecord, status store.SettlementStatus, txRef *string) {
	label := string(status)
	for _, rec := range group {
		if err := e.ledger.UpdateSettlementStatus(ctx, rec.ID, status, txRef); err != nil {
			e.logger.Error("settlement status update failed",
				slog.String("record_id", rec.ID.String()),
				slog.String("status", label),
				slog.String("error", err.Error()))
			continue
		}
		metrics.SettlementRecords.WithLabelValues(label).Inc()
	}
}

// Start runs settlement cycles on a ticker until ctx is cancelled.
// Cycles run serially; a slow confirmation simply delays the next
// cycle.
func (e *Engine) Start(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.logger.Info("settlement engine started",
		slog.Duration("interval", e.cfg.Interval),
		slog.Int("batch_size", e.cfg.BatchSize))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("settlement engine stopped")
			return
		case <-ticker.C:
			if _, err := e.RunCycle(ctx); err != nil {
				e.logger.Error("settlement cycle failed", slog.String("error", err.Error()))
			}
		}
	}
}
