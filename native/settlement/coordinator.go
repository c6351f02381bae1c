package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	clearerrors "clearhub/core/errors"
	"clearhub/core/types"
	"clearhub/native/channels"
	"clearhub/observability"
)

// CoordinatorConfig carries the coordinator's collaborators.
type CoordinatorConfig struct {
	Ledger   *channels.Ledger
	Registry *channels.Registry
	Vault    *Client
	Journal  *Journal
	Policy   Policy
	Logger   *slog.Logger
}

// Coordinator batches cleared merchant balances and commits them to the vault
// exactly once. It runs as an independent background task and never holds a
// channel's lock across the external submission: it snapshots, releases, then
// submits.
type Coordinator struct {
	ledger   *channels.Ledger
	registry *channels.Registry
	vault    *Client
	journal  *Journal
	policy   Policy
	metrics  *observability.SettlementMetrics
	log      *slog.Logger
	nowFn    func() int64

	pendingMu sync.Mutex
	pending   map[string]struct{}
}

// NewCoordinator wires a settlement coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Ledger == nil || cfg.Registry == nil {
		return nil, errors.New("settlement: ledger and registry required")
	}
	if cfg.Vault == nil {
		return nil, errors.New("settlement: vault client required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy := cfg.Policy
	if policy.Interval <= 0 {
		policy = DefaultPolicy()
	}
	journal := cfg.Journal
	if journal == nil {
		journal = NewJournal(nil)
	}
	return &Coordinator{
		ledger:   cfg.Ledger,
		registry: cfg.Registry,
		vault:    cfg.Vault,
		journal:  journal,
		policy:   policy,
		metrics:  observability.Settlement(),
		log:      logger.With(slog.String("component", "settlement")),
		nowFn:    func() int64 { return time.Now().Unix() },
		pending:  make(map[string]struct{}),
	}, nil
}

// SetNowFunc overrides the time source. Intended for tests.
func (c *Coordinator) SetNowFunc(now func() int64) {
	if now == nil {
		c.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	c.nowFn = now
}

// Run triggers a settlement round every policy interval until the context
// ends. Exhausted-retry failures are logged and surfaced through metrics
// without halting the hub.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.policy.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Trigger(ctx); err != nil {
				c.log.Error("settlement round failed", slog.Any("error", err))
			}
		}
	}
}

// Trigger runs one settlement round over every known merchant. Per-merchant
// failures are collected rather than aborting the round.
func (c *Coordinator) Trigger(ctx context.Context) error {
	var roundErr error
	for _, merchant := range c.registry.Counterparties() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.settleMerchant(ctx, merchant); err != nil {
			c.log.Warn("merchant settlement failed",
				slog.String("merchant", merchant),
				slog.Any("error", err),
			)
			if roundErr == nil {
				roundErr = err
			}
		}
	}
	return roundErr
}

// settleMerchant retries any unconfirmed settlement for the merchant first
// (same identifier, new attempt), then aggregates newly cleared payments.
func (c *Coordinator) settleMerchant(ctx context.Context, merchant string) error {
	boundary, err := c.journal.GetBoundary(merchant)
	if err != nil {
		return fmt.Errorf("load boundary: %w", err)
	}

	if boundary.PendingID != "" {
		pending, err := c.journal.GetSettlement(boundary.PendingID)
		if err != nil {
			return fmt.Errorf("load pending settlement: %w", err)
		}
		c.markPending(merchant)
		return c.submit(ctx, pending, boundary)
	}

	pending, err := c.aggregate(merchant, boundary)
	if err != nil {
		return err
	}
	if pending == nil {
		return nil
	}
	boundary.PendingID = pending.ID
	if err := c.journal.PutSettlement(pending); err != nil {
		return err
	}
	if err := c.journal.PutBoundary(merchant, boundary); err != nil {
		return err
	}
	c.markPending(merchant)
	return c.submit(ctx, pending, boundary)
}

// aggregate fixes the accounting boundary before submission: it snapshots the
// per-channel nonces now, and any payment applied afterwards belongs to the
// next settlement.
func (c *Coordinator) aggregate(merchant string, boundary *Boundary) (*types.Settlement, error) {
	total := big.NewInt(0)
	cursors := boundary.clone().Cursors

	for _, channelID := range c.registry.ChannelsFor(merchant) {
		// Payments and the cursor come from one ledger critical section, so a
		// transfer racing the aggregation is counted exactly once.
		payments, nonce, err := c.ledger.PaymentsCursor(channelID, cursors[channelID])
		if err != nil {
			return nil, err
		}
		for _, payment := range payments {
			if payment.To == merchant {
				total.Add(total, payment.Amount)
			}
		}
		cursors[channelID] = nonce
	}

	if total.Sign() == 0 {
		return nil, nil
	}
	if c.policy.MinAmount != nil && total.Cmp(c.policy.MinAmount) < 0 {
		return nil, nil
	}

	now := c.nowFn()
	settlement := &types.Settlement{
		ID:        types.SettlementID(merchant, total, boundary.Epoch),
		Merchant:  merchant,
		Amount:    total,
		Epoch:     boundary.Epoch,
		Cursors:   cursors,
		Status:    types.SettlementPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return settlement, nil
}

// submit drives the bounded retry loop against the vault. Confirmed and
// AlreadyProcessed both advance the merchant's boundary; exhausting the
// attempt budget marks the settlement Failed and leaves it queued for the
// next round.
func (c *Coordinator) submit(ctx context.Context, s *types.Settlement, boundary *Boundary) error {
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			c.metrics.RecordRetry()
			timer := time.NewTimer(c.policy.backoffDuration(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		s.Status = types.SettlementSubmitted
		s.Attempts++
		s.UpdatedAt = c.nowFn()
		if err := c.journal.PutSettlement(s); err != nil {
			return err
		}

		txRef, err := c.vault.Submit(ctx, s)
		switch {
		case err == nil:
			c.metrics.RecordSubmission("confirmed")
			return c.confirm(s, boundary, txRef)
		case errors.Is(err, clearerrors.ErrAlreadyProcessed):
			// The vault saw this identifier on an earlier attempt that we
			// never observed completing; the balance mutated exactly once.
			c.metrics.RecordSubmission("already_processed")
			return c.confirm(s, boundary, s.TxRef)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("vault submission timed out",
				slog.String("settlementId", s.ID),
				slog.Int("attempt", attempt),
			)
		default:
			c.log.Warn("vault submission failed",
				slog.String("settlementId", s.ID),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
		}
	}

	s.Status = types.SettlementFailed
	s.UpdatedAt = c.nowFn()
	if err := c.journal.PutSettlement(s); err != nil {
		return err
	}
	c.metrics.RecordSubmission("failed")
	return fmt.Errorf("%w: settlement %s after %d attempts", clearerrors.ErrSubmissionFailed, s.ID, s.Attempts)
}

func (c *Coordinator) confirm(s *types.Settlement, boundary *Boundary, txRef string) error {
	s.Status = types.SettlementConfirmed
	s.TxRef = txRef
	s.UpdatedAt = c.nowFn()
	if err := c.journal.PutSettlement(s); err != nil {
		return err
	}

	boundary.Epoch++
	boundary.Cursors = s.Cursors
	boundary.PendingID = ""
	if err := c.journal.PutBoundary(s.Merchant, boundary); err != nil {
		return err
	}
	c.clearPending(s.Merchant)

	if balance, err := c.vault.BalanceOf(context.Background(), s.Merchant); err == nil {
		f, _ := new(big.Float).SetInt(balance).Float64()
		c.metrics.SetVaultBalance(s.Merchant, f)
	}

	c.log.Info("settlement confirmed",
		slog.String("settlementId", s.ID),
		slog.String("merchant", s.Merchant),
		slog.String("amount", s.Amount.String()),
		slog.String("txRef", s.TxRef),
	)
	return nil
}

// markPending records that the merchant has an unconfirmed settlement in
// flight and publishes the count of such merchants.
func (c *Coordinator) markPending(merchant string) {
	c.pendingMu.Lock()
	c.pending[merchant] = struct{}{}
	c.metrics.SetPending(len(c.pending))
	c.pendingMu.Unlock()
}

func (c *Coordinator) clearPending(merchant string) {
	c.pendingMu.Lock()
	delete(c.pending, merchant)
	c.metrics.SetPending(len(c.pending))
	c.pendingMu.Unlock()
}

// MerchantStatus reports the merchant's boundary and, when present, its
// pending or last-known settlement record.
func (c *Coordinator) MerchantStatus(merchant string) (*Boundary, *types.Settlement, error) {
	boundary, err := c.journal.GetBoundary(merchant)
	if err != nil {
		return nil, nil, err
	}
	if boundary.PendingID == "" {
		return boundary, nil, nil
	}
	pending, err := c.journal.GetSettlement(boundary.PendingID)
	if err != nil {
		return boundary, nil, nil
	}
	return boundary, pending, nil
}
