package zcash

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
	"github.com/shopspring/decimal"

	"zec-relay/internal/relay"
)

// Options parameterise the zcashd RPC client.
type Options struct {
	RPCURL      string
	RPCUser     string
	RPCPassword string
	FromAddress string
	Timeout     time.Duration
}

// Client drives shielded payouts through zcashd: z_sendmany returns an
// asynchronous operation id, z_getoperationstatus reports its progress.
type Client struct {
	opts   Options
	logger zerolog.Logger
	client *http.Client
}

// NewClient constructs a Client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 8 * time.Second
	}

	return &Client{
		opts:   opts,
		logger: logger.With().Str("component", "zcash_client").Logger(),
		client: &http.Client{Timeout: timeout},
	}
}

type sendRecipient struct {
	Address string      `json:"address"`
	Amount  json.Number `json:"amount"`
}

// Initiate starts a shielded send from the pool address and returns the
// operation id to poll.
func (c *Client) Initiate(ctx context.Context, destination string, amount decimal.Decimal) (string, error) {
	if c.opts.FromAddress == "" {
		return "", errors.New("zcash from_address not configured")
	}

	recipients := []sendRecipient{{
		Address: destination,
		Amount:  json.Number(amount.String()),
	}}

	var operationID string
	if err := c.call(ctx, "z_sendmany", []interface{}{c.opts.FromAddress, recipients, 1}, &operationID); err != nil {
		return "", err
	}
	if operationID == "" {
		return "", errors.New("z_sendmany returned empty operation id")
	}
	return operationID, nil
}

// Poll fetches the current state of an async payout operation.
func (c *Client) Poll(ctx context.Context, operationID string) (relay.PayoutStatus, error) {
	var statuses []struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Result *struct {
			TxID string `json:"txid"`
		} `json:"result"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	if err := c.call(ctx, "z_getoperationstatus", []interface{}{[]string{operationID}}, &statuses); err != nil {
		return relay.PayoutStatus{}, err
	}
	if len(statuses) == 0 {
		return relay.PayoutStatus{}, fmt.Errorf("operation %s not found", operationID)
	}

	op := statuses[0]
	switch op.Status {
	case "success":
		if op.Result == nil || op.Result.TxID == "" {
			return relay.PayoutStatus{}, fmt.Errorf("operation %s succeeded without txid", operationID)
		}
		return relay.PayoutStatus{State: relay.PayoutSuccess, PayoutTx: op.Result.TxID}, nil
	case "failed", "cancelled":
		reason := op.Status
		if op.Error != nil && op.Error.Message != "" {
			reason = op.Error.Message
		}
		return relay.PayoutStatus{State: relay.PayoutFailed, Reason: reason}, nil
	default:
		// queued / executing
		return relay.PayoutStatus{State: relay.PayoutPending}, nil
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if c.opts.RPCURL == "" {
		return errors.New("zcash rpc url not configured")
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
	if c.opts.RPCUser != "" || c.opts.RPCPassword != "" {
		req.SetBasicAuth(c.opts.RPCUser, c.opts.RPCPassword)
	}

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
		return fmt.Errorf("zcashd rpc %s: HTTP %d", method, resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("zcashd rpc %s: decode response: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("zcashd rpc %s: %s (code %d)", method, envelope.Error.Message, envelope.Error.Code)
	}
	if result != nil && len(envelope.Result) > 0 {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("zcashd rpc %s: decode result: %w", method, err)
		}
	}
	return nil
}

var _ relay.PayoutClient = (*Client)(nil)
