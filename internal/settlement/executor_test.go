package settlement

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeChain scripts chain behavior for tests.
type fakeChain struct {
	mu sync.Mutex

	submitFailures int
	submitCalls    int
	txRef          string

	receiptAfter int // polls before a receipt appears
	receiptPolls int
	receipt      *Receipt

	latestBlock uint64
}

func (c *fakeChain) Submit(ctx context.Context, payload []byte) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitCalls++
	if c.submitCalls <= c.submitFailures {
		return "", errors.New("node unavailable")
	}
	if c.txRef == "" {
		c.txRef = "0xfeed"
	}
	return c.txRef, nil
}

func (c *fakeChain) GetReceipt(ctx context.Context, txRef string) (*Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.receiptPolls++
	if c.receiptPolls <= c.receiptAfter {
		return nil, nil
	}
	return c.receipt, nil
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	block := c.latestBlock
	c.latestBlock++ // the chain advances between polls
	return block, nil
}

func fastExecutor(chain ChainClient, attempts int) *TransactionExecutor {
	return NewTransactionExecutor(chain, ExecutorConfig{
		RetryAttempts: attempts,
		RetryDelay:    time.Millisecond,
		PollInterval:  time.Millisecond,
		Confirmations: 3,
	}, testLogger())
}

func TestSubmitRetriesUntilSuccess(t *testing.T) {
	chain := &fakeChain{
		submitFailures: 3,
		receipt:        &Receipt{TxRef: "0xfeed", BlockNumber: 100, Success: true},
		latestBlock:    103, // depth 3 on the first confirmation check
	}
	exec := fastExecutor(chain, 5)

	tx, err := exec.SubmitAndConfirm(context.Background(), []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 4, chain.submitCalls, "three failures then one success")
	assert.Equal(t, TxConfirmed, tx.Status)
	assert.Equal(t, "0xfeed", tx.TxRef)
	assert.Equal(t, uint64(100), tx.BlockNumber)
	assert.False(t, tx.ConfirmedAt.IsZero())
}

func TestSubmitGivesUpAfterAttempts(t *testing.T) {
	chain := &fakeChain{submitFailures: 100}
	exec := fastExecutor(chain, 3)

	tx, err := exec.SubmitAndConfirm(context.Background(), []byte("payload"))
	require.Error(t, err)
	assert.Nil(t, tx)
	assert.Equal(t, 3, chain.submitCalls)
}

func TestRevertedTransactionFailsImmediately(t *testing.T) {
	chain := &fakeChain{
		receipt:     &Receipt{TxRef: "0xdead", BlockNumber: 50, Success: false},
		latestBlock: 50,
	}
	exec := fastExecutor(chain, 1)

	start := time.Now()
	tx, err := exec.SubmitAndConfirm(context.Background(), []byte("payload"))
	require.Error(t, err)
	require.NotNil(t, tx)
	assert.Equal(t, TxFailed, tx.Status)
	// No confirmation wait on a reverted transaction.
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestConfirmationWaitsForDepth(t *testing.T) {
	chain := &fakeChain{
		receipt:     &Receipt{TxRef: "0xfeed", BlockNumber: 100, Success: true},
		latestBlock: 100, // depth 0; three more blocks needed
	}
	exec := fastExecutor(chain, 1)

	tx, err := exec.SubmitAndConfirm(context.Background(), []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, tx.Status)
	// latestBlock started at 100 and advances one per poll; reaching
	// depth 3 needs the check at height 103, the fourth poll.
	assert.GreaterOrEqual(t, chain.receiptPolls, 4)
}

func TestNoConfirmationAtInclusionHeight(t *testing.T) {
	// A transaction sitting in the latest block has zero confirmations;
	// the first check must not confirm it even with depth 1 required.
	chain := &fakeChain{
		receipt:     &Receipt{TxRef: "0xfeed", BlockNumber: 100, Success: true},
		latestBlock: 100,
	}
	exec := NewTransactionExecutor(chain, ExecutorConfig{
		RetryAttempts: 1,
		RetryDelay:    time.Millisecond,
		PollInterval:  time.Millisecond,
		Confirmations: 1,
	}, testLogger())

	tx, err := exec.SubmitAndConfirm(context.Background(), []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, tx.Status)
	assert.GreaterOrEqual(t, chain.receiptPolls, 2, "confirmation requires a block past inclusion")
}

func TestPendingReceiptKeepsPolling(t *testing.T) {
	chain := &fakeChain{
		receiptAfter: 4,
		receipt:      &Receipt{TxRef: "0xfeed", BlockNumber: 10, Success: true},
		latestBlock:  13,
	}
	exec := fastExecutor(chain, 1)

	tx, err := exec.SubmitAndConfirm(context.Background(), []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, TxConfirmed, tx.Status)
	assert.Equal(t, 5, chain.receiptPolls)
}

func TestConfirmTimeout(t *testing.T) {
	chain := &fakeChain{receiptAfter: 1 << 30} // receipt never appears
	exec := NewTransactionExecutor(chain, ExecutorConfig{
		RetryAttempts:  1,
		RetryDelay:     time.Millisecond,
		PollInterval:   time.Millisecond,
		Confirmations:  1,
		ConfirmTimeout: 25 * time.Millisecond,
	}, testLogger())

	tx, err := exec.SubmitAndConfirm(context.Background(), []byte("payload"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, tx)
	assert.NotEqual(t, TxConfirmed, tx.Status)
}

func TestSubmitHonorsContextCancellation(t *testing.T) {
	chain := &fakeChain{submitFailures: 100}
	exec := NewTransactionExecutor(chain, ExecutorConfig{
		RetryAttempts: 50,
		RetryDelay:    10 * time.Millisecond,
		PollInterval:  time.Millisecond,
		Confirmations: 1,
	}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(15 * time.Millisecond)
		cancel()
	}()

	_, err := exec.SubmitAndConfirm(ctx, []byte("payload"))
	require.Error(t, err)
	assert.Less(t, chain.submitCalls, 50)
}
