package settlement

import (
	"context"
	"errors"
	"math/big"
	"time"

	"clearhub/core/types"
)

const defaultSubmitTimeout = 15 * time.Second

// Client is the thin adapter between the coordinator and the external vault
// contract. It holds no business state; it only bounds each call with a
// timeout.
type Client struct {
	contract Contract
	timeout  time.Duration
}

// NewClient wraps the contract with the supplied per-call timeout.
func NewClient(contract Contract, timeout time.Duration) (*Client, error) {
	if contract == nil {
		return nil, errors.New("settlement: contract required")
	}
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	return &Client{contract: contract, timeout: timeout}, nil
}

// Submit commits the settlement to the vault and returns the external
// transaction reference. ErrAlreadyProcessed passes through untouched so the
// coordinator can treat it as an idempotent success.
func (c *Client) Submit(ctx context.Context, s *types.Settlement) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.contract.SubmitSettlement(callCtx, s.ID, s.Merchant, s.Amount)
}

// BalanceOf reports the merchant's external vault balance.
func (c *Client) BalanceOf(ctx context.Context, merchant string) (*big.Int, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.contract.BalanceOf(callCtx, merchant)
}

// IsProcessed queries the vault's processed-set.
func (c *Client) IsProcessed(ctx context.Context, settlementID string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.contract.IsSettlementProcessed(callCtx, settlementID)
}
