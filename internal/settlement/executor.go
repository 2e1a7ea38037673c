package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// TxStatus is the lifecycle state of a settlement transaction.
type TxStatus string

const (
	TxSubmitted  TxStatus = "submitted"
	TxConfirming TxStatus = "confirming"
	TxConfirmed  TxStatus = "confirmed"
	TxFailed     TxStatus = "failed"
)

// Transaction tracks one settlement payload from submission to
// finality.
type Transaction struct {
	TxRef       string
	Status      TxStatus
	BlockNumber uint64
	GasUsed     uint64
	SubmittedAt time.Time
	ConfirmedAt time.Time
}

// ExecutorConfig tunes submission retries and confirmation polling.
type ExecutorConfig struct {
	// RetryAttempts is the total number of submission attempts.
	RetryAttempts int
	// RetryDelay is the fixed wait between submission attempts.
	RetryDelay time.Duration
	// PollInterval is the wait between receipt polls.
	PollInterval time.Duration
	// Confirmations is the block depth required for finality.
	Confirmations uint64
	// ConfirmTimeout bounds the confirmation wait. Zero waits
	// indefinitely; the chain decides when a transaction is final.
	ConfirmTimeout time.Duration
}

// TransactionExecutor submits settlement transactions and waits for
// them to reach the required confirmation depth.
type TransactionExecutor struct {
	chain  ChainClient
	cfg    ExecutorConfig
	logger *slog.Logger
}

// NewTransactionExecutor creates an executor over the given chain.
func NewTransactionExecutor(chain ChainClient, cfg ExecutorConfig, logger *slog.Logger) *TransactionExecutor {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Confirmations < 1 {
		cfg.Confirmations = 1
	}
	return &TransactionExecutor{chain: chain, cfg: cfg, logger: logger}
}

// SubmitAndConfirm broadcasts a payload and blocks until the
// transaction is confirmed or fails. A mined transaction whose receipt
// reports failure is terminal immediately; there is no point waiting
// out the confirmation depth on a reverted transaction.
func (e *TransactionExecutor) SubmitAndConfirm(ctx context.Context, payload []byte) (*Transaction, error) {
	txRef, err := e.submit(ctx, payload)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		TxRef:       txRef,
		Status:      TxSubmitted,
		SubmittedAt: time.Now(),
	}
	if err := e.confirm(ctx, tx); err != nil {
		return tx, err
	}
	return tx, nil
}

func (e *TransactionExecutor) submit(ctx context.Context, payload []byte) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.RetryAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(e.cfg.RetryDelay):
			}
		}

		txRef, err := e.chain.Submit(ctx, payload)
		if err == nil {
			return txRef, nil
		}
		lastErr = err
		e.logger.Warn("transaction submission failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
	}
	return "", fmt.Errorf("submit transaction after %d attempts: %w", e.cfg.RetryAttempts, lastErr)
}

func (e *TransactionExecutor) confirm(ctx context.Context, tx *Transaction) error {
	if e.cfg.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
		defer cancel()
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.chain.GetReceipt(ctx, tx.TxRef)
		if err != nil {
			e.logger.Warn("receipt poll failed",
				slog.String("tx_ref", tx.TxRef),
				slog.String("error", err.Error()))
		} else if receipt != nil {
			if !receipt.Success {
				tx.Status = TxFailed
				tx.BlockNumber = receipt.BlockNumber
				tx.GasUsed = receipt.GasUsed
				return fmt.Errorf("transaction %s reverted in block %d", tx.TxRef, receipt.BlockNumber)
			}

			tx.Status = TxConfirming
			tx.BlockNumber = receipt.BlockNumber
			tx.GasUsed = receipt.GasUsed

			latest, err := e.chain.BlockNumber(ctx)
			if err != nil {
				e.logger.Warn("block height poll failed",
					slog.String("tx_ref", tx.TxRef),
					slog.String("error", err.Error()))
			} else if latest >= receipt.BlockNumber && latest-receipt.BlockNumber >= e.cfg.Confirmations {
				tx.Status = TxConfirmed
				tx.ConfirmedAt = time.Now()
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("confirm transaction %s: %w", tx.TxRef, ctx.Err())
		case <-ticker.C:
		}
	}
}
