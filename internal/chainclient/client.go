// Package chainclient is the generic JSON-RPC-over-HTTP client for the
// target chain: submit a signed transaction, await confirmation, and poll
// status. It has no knowledge of vault semantics.
package chainclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/collateralvault/vaultd/internal/apperr"
)

// Config configures the RPC client. RPCRateLimit/RPCBurst throttle
// outbound calls to this process's own share of the RPC endpoint's
// capacity — a separate concern from the per-client-key token bucket
// the store enforces at the ingress layer.
type Config struct {
	RPCURL       string
	Timeout      time.Duration
	RPCRateLimit float64 // requests per second; 0 disables local throttling
	RPCBurst     int
}

// Client is a minimal JSON-RPC 2.0 client against the chain's RPC surface.
type Client struct {
	rpcURL     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("chain RPC URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RPCRateLimit > 0 {
		burst := cfg.RPCBurst
		if burst <= 0 {
			burst = int(cfg.RPCRateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPCRateLimit), burst)
	}
	return &Client{
		rpcURL:     cfg.RPCURL,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    limiter,
	}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error,omitempty"`
}

// Call issues one JSON-RPC request. Network-level failures (dial, timeout,
// body read failure, 5xx status) are wrapped as TransientNetwork; any other
// status has its body decoded as a JSON-RPC response. An RPC-level error object is
// surfaced as-is since the caller classifies deterministic vs transient
// program errors itself.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rpc request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientNetwork, "rpc call failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransientNetwork, "read rpc response", err)
	}

	if resp.StatusCode >= 500 {
		return nil, apperr.New(apperr.KindTransientNetwork, fmt.Sprintf("rpc returned status %d", resp.StatusCode))
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, fmt.Errorf("unmarshal rpc response: %w", err)
	}
	if rr.Error != nil {
		return nil, rr.Error
	}
	return rr.Result, nil
}

// Commitment names a confirmation level. Submit accepts one but does not
// send it to the RPC endpoint.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// Status is the on-chain status of a submitted signature.
type Status string

const (
	StatusPending  Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusFailed   Status = "failed"
)

// SubmitResult is returned by Submit.
type SubmitResult struct {
	Signature string
	Status    Status
	Reason    string
}

// Submit sends a signed transaction payload, then polls getSignatureStatus
// at pollInterval and returns the first non-pending status, or an error
// once ctx is done. The commitment argument is not passed to the RPC
// endpoint.
func (c *Client) Submit(ctx context.Context, signedPayload []byte, commitment Commitment, pollInterval time.Duration) (*SubmitResult, error) {
	sigRaw, err := c.Call(ctx, "sendTransaction", []any{base64.StdEncoding.EncodeToString(signedPayload)})
	if err != nil {
		return nil, err
	}
	var sig string
	if err := json.Unmarshal(sigRaw, &sig); err != nil {
		return nil, fmt.Errorf("unmarshal signature: %w", err)
	}

	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			st, err := c.CheckStatus(ctx, sig)
			if err != nil {
				return nil, err
			}
			if st.Status == StatusPending {
				continue
			}
			return st, nil
		}
	}
}

// CheckStatus queries the on-chain status of a previously submitted
// signature, used by the monitor to repair orphaned records.
func (c *Client) CheckStatus(ctx context.Context, signature string) (*SubmitResult, error) {
	raw, err := c.Call(ctx, "getSignatureStatus", []any{signature})
	if err != nil {
		return nil, err
	}
	var status struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("unmarshal status: %w", err)
	}
	return &SubmitResult{Signature: signature, Status: Status(status.Status), Reason: status.Reason}, nil
}

// GetBlockHeight returns the current chain block height, used by the
// monitor's snapshot loop once per pass.
func (c *Client) GetBlockHeight(ctx context.Context) (int64, error) {
	raw, err := c.Call(ctx, "getBlockHeight", nil)
	if err != nil {
		return 0, err
	}
	var height int64
	if err := json.Unmarshal(raw, &height); err != nil {
		return 0, err
	}
	return height, nil
}

