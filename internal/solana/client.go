package solana

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrTransactionNotFound indicates the node has no record of the signature.
var ErrTransactionNotFound = errors.New("solana: transaction not found")

// Options parameterise the RPC client.
type Options struct {
	RPCURL     string
	Commitment string
	Timeout    time.Duration
}

// Client is a minimal Solana JSON-RPC client covering the calls the
// relay needs: signature listing and transaction log retrieval.
type Client struct {
	opts   Options
	logger zerolog.Logger
	client *http.Client
}

// NewClient constructs a Client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Commitment == "" {
		opts.Commitment = "confirmed"
	}

	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "solana_client").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

// SignatureInfo is one entry of a getSignaturesForAddress response.
type SignatureInfo struct {
	Signature string          `json:"signature"`
	Slot      uint64          `json:"slot"`
	Err       json.RawMessage `json:"err"`
	BlockTime *int64          `json:"blockTime"`
}

// Failed reports whether the transaction errored on chain.
func (s SignatureInfo) Failed() bool {
	return len(s.Err) > 0 && string(s.Err) != "null"
}

// SignaturesForAddress lists signatures referencing the address, newest
// first. until stops the scan at a known signature; before continues a
// paged scan below a previous response's oldest entry.
func (c *Client) SignaturesForAddress(ctx context.Context, address, until, before string, limit int) ([]SignatureInfo, error) {
	opts := map[string]interface{}{
		"limit":      limit,
		"commitment": c.opts.Commitment,
	}
	if until != "" {
		opts["until"] = until
	}
	if before != "" {
		opts["before"] = before
	}

	var out []SignatureInfo
	if err := c.call(ctx, "getSignaturesForAddress", []interface{}{address, opts}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TransactionLogs fetches the log messages of a confirmed transaction.
func (c *Client) TransactionLogs(ctx context.Context, signature string) ([]string, error) {
	params := []interface{}{
		signature,
		map[string]interface{}{
			"encoding":                       "json",
			"commitment":                     c.opts.Commitment,
			"maxSupportedTransactionVersion": 0,
		},
	}

	var out *struct {
		Meta *struct {
			LogMessages []string `json:"logMessages"`
		} `json:"meta"`
	}
	if err := c.call(ctx, "getTransaction", params, &out); err != nil {
		return nil, err
	}
	if out == nil || out.Meta == nil {
		return nil, ErrTransactionNotFound
	}
	return out.Meta.LogMessages, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if c.opts.RPCURL == "" {
		return errors.New("solana rpc url not configured")
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.RPCURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("solana rpc %s: HTTP %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("solana rpc %s: decode response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("solana rpc %s: %s (code %d)", method, envelope.Error.Message, envelope.Error.Code)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("solana rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}
