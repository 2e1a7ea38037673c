package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/augustcredits/gateway/internal/auth"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = errors.New("not found")

// ResourceDirectory resolves registered upstream resources.
type ResourceDirectory interface {
	// GetResourceByName returns (nil, nil) when no resource has the
	// given name.
	GetResourceByName(ctx context.Context, name string) (*Resource, error)
}

// Ledger records per-request usage and exposes it to settlement.
type Ledger interface {
	// WriteRequestLog appends one audit entry.
	WriteRequestLog(ctx context.Context, log *RequestLog) error

	// UpsertUsage adds deltaCount requests and deltaCost credits to
	// the usage record for (callerID, resourceID, period), creating a
	// pending record if none exists. deltaCost is a base-10 integer
	// string.
	UpsertUsage(ctx context.Context, callerID, resourceID uuid.UUID, period string, deltaCount int64, deltaCost string) error

	// GetPeriodUsage sums the caller's request counts across all
	// resources for the period.
	GetPeriodUsage(ctx context.Context, callerID uuid.UUID, period string) (int64, error)

	// GetCallerUsage lists the caller's usage records for a period.
	GetCallerUsage(ctx context.Context, callerID uuid.UUID, period string) ([]*UsageRecord, error)

	// FetchPendingUsage returns up to limit records awaiting
	// settlement, oldest first.
	FetchPendingUsage(ctx context.Context, limit int) ([]*UsageRecord, error)

	// ClaimUsage atomically moves a pending record to processing.
	// It reports false when the record was not pending, so concurrent
	// settlement runs cannot double-bill.
	ClaimUsage(ctx context.Context, id uuid.UUID) (bool, error)

	// UpdateSettlementStatus finalizes a claimed record. txRef is nil
	// unless the settlement produced a transaction reference.
	UpdateSettlementStatus(ctx context.Context, id uuid.UUID, status SettlementStatus, txRef *string) error
}

// Store is the full persistence surface of the gateway.
type Store interface {
	auth.CallerStore
	ResourceDirectory
	Ledger

	Close() error
}
