package clearing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	clearerrors "clearhub/core/errors"
	"clearhub/core/events"
	"clearhub/core/types"
	"clearhub/native/channels"
	"clearhub/observability"
)

// Notifier delivers an event to the subscribers of a participant. Delivery is
// best-effort; the clearing result does not depend on it.
type Notifier interface {
	Publish(participant string, evt *types.Event)
}

// Request is a validated transfer submission. AuthProof is a 65-byte
// recoverable signature over the canonical transfer digest.
type Request struct {
	PaymentID string
	ChannelID string
	From      string
	To        string
	Amount    *big.Int
	AuthProof []byte
}

// Result is returned to the caller after a successful clear.
type Result struct {
	PaymentID string
	Nonce     uint64
	Balances  map[string]*big.Int
}

// Service validates and applies individual transfer requests. The entire path
// is in-memory; signature verification is the only non-trivial work before
// the ledger critical section.
type Service struct {
	ledger   *channels.Ledger
	notifier Notifier
	metrics  *observability.ClearingMetrics
	log      *slog.Logger
}

// NewService constructs the clearing hot path over the supplied ledger.
func NewService(ledger *channels.Ledger, notifier Notifier, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:   ledger,
		notifier: notifier,
		metrics:  observability.Clearing(),
		log:      logger.With(slog.String("component", "clearing")),
	}
}

// Clear authenticates the request, applies it to the ledger and notifies the
// recipient. Every failure maps to a ledger or registry error; none are
// silently swallowed.
func (s *Service) Clear(ctx context.Context, req Request) (*Result, error) {
	started := time.Now()
	outcome := "ok"
	defer func() {
		s.metrics.Observe(outcome, time.Since(started))
	}()

	req.ChannelID = strings.TrimSpace(req.ChannelID)
	req.From = strings.TrimSpace(req.From)
	req.To = strings.TrimSpace(req.To)
	if req.ChannelID == "" || req.From == "" || req.To == "" {
		outcome = "invalid"
		return nil, fmt.Errorf("clearing: channelId, from and to required")
	}
	if req.PaymentID = strings.TrimSpace(req.PaymentID); req.PaymentID == "" {
		req.PaymentID = uuid.NewString()
	}

	msg := &types.TransferMsg{
		PaymentID: req.PaymentID,
		ChannelID: req.ChannelID,
		From:      req.From,
		To:        req.To,
		Amount:    req.Amount,
	}
	signer, err := msg.Signer(req.AuthProof)
	if err != nil || signer != req.From {
		outcome = "auth_failed"
		return nil, clearerrors.ErrAuthFailed
	}

	if err := ctx.Err(); err != nil {
		outcome = "canceled"
		return nil, err
	}

	applied, err := s.ledger.Apply(req.ChannelID, req.PaymentID, req.From, req.To, req.Amount)
	if err != nil {
		outcome = outcomeFor(err)
		return nil, err
	}

	if s.notifier != nil {
		evt := events.PaymentReceived{
			PaymentID: req.PaymentID,
			ChannelID: req.ChannelID,
			From:      req.From,
			To:        req.To,
			Amount:    applied.Payment.Amount,
			Nonce:     applied.Nonce,
			Balances:  applied.Balances,
		}
		s.notifier.Publish(req.To, evt.Event())
	}

	s.log.Debug("transfer cleared",
		slog.String("channelId", req.ChannelID),
		slog.String("paymentId", req.PaymentID),
		slog.Uint64("nonce", applied.Nonce),
	)
	return &Result{
		PaymentID: req.PaymentID,
		Nonce:     applied.Nonce,
		Balances:  applied.Balances,
	}, nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, clearerrors.ErrChannelNotFound):
		return "not_found"
	case errors.Is(err, clearerrors.ErrChannelInactive):
		return "inactive"
	case errors.Is(err, clearerrors.ErrChannelFrozen):
		return "frozen"
	case errors.Is(err, clearerrors.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, clearerrors.ErrInvalidAmount):
		return "invalid"
	case errors.Is(err, clearerrors.ErrLedgerCorrupted):
		return "corrupted"
	default:
		return "error"
	}
}
