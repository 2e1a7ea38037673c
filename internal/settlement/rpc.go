package settlement

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"github.com/augustcredits/gateway/internal/httputil"
)

// RPCClient is a JSON-RPC 2.0 chain client for Ethereum-compatible
// nodes.
type RPCClient struct {
	endpoint string
	client   *http.Client
	nextID   atomic.Int64
}

// NewRPCClient creates a chain client for the given JSON-RPC endpoint.
func NewRPCClient(endpoint string, timeout time.Duration) *RPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	})
	if err != nil {
		return fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	raw, err := httputil.ReadLimitedBody(resp.Body, 1<<20)
	if err != nil {
		return fmt.Errorf("rpc %s: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s: unexpected status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("rpc %s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc %s: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *RPCClient) Submit(ctx context.Context, payload []byte) (string, error) {
	var txRef string
	raw := "0x" + hex.EncodeToString(payload)
	if err := c.call(ctx, "eth_sendRawTransaction", []any{raw}, &txRef); err != nil {
		return "", err
	}
	if txRef == "" {
		return "", fmt.Errorf("node returned empty transaction hash")
	}
	return txRef, nil
}

type rpcReceipt struct {
	TransactionHash string `json:"transactionHash"`
	BlockNumber     string `json:"blockNumber"`
	GasUsed         string `json:"gasUsed"`
	Status          string `json:"status"`
}

func (c *RPCClient) GetReceipt(ctx context.Context, txRef string) (*Receipt, error) {
	var raw *rpcReceipt
	if err := c.call(ctx, "eth_getTransactionReceipt", []any{txRef}, &raw); err != nil {
		return nil, err
	}
	// A null result means the transaction is not mined yet.
	if raw == nil {
		return nil, nil
	}

	block, err := parseHexUint(raw.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("parse block number: %w", err)
	}
	gas, err := parseHexUint(raw.GasUsed)
	if err != nil {
		return nil, fmt.Errorf("parse gas used: %w", err)
	}
	return &Receipt{
		TxRef:       raw.TransactionHash,
		BlockNumber: block,
		GasUsed:     gas,
		Success:     raw.Status == "0x1",
	}, nil
}

func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	var raw string
	if err := c.call(ctx, "eth_blockNumber", nil, &raw); err != nil {
		return 0, err
	}
	return parseHexUint(raw)
}

func parseHexUint(s string) (uint64, error) {
	if len(s) < 3 || s[:2] != "0x" {
		return 0, fmt.Errorf("not a hex quantity: %q", s)
	}
	return strconv.ParseUint(s[2:], 16, 64)
}
