package channels

import (
	"math/big"
	"strings"
	"sync/atomic"
	"time"

	clearerrors "clearhub/core/errors"
	"clearhub/core/types"
)

// ApplyResult carries the post-transfer view returned to the caller.
type ApplyResult struct {
	Payment  *types.Payment
	Nonce    uint64
	Balances map[string]*big.Int
}

func (res *ApplyResult) clone() *ApplyResult {
	if res == nil {
		return nil
	}
	out := &ApplyResult{
		Payment:  res.Payment.Clone(),
		Nonce:    res.Nonce,
		Balances: make(map[string]*big.Int, len(res.Balances)),
	}
	for participant, balance := range res.Balances {
		out.Balances[participant] = new(big.Int).Set(balance)
	}
	return out
}

// Ledger owns per-channel balances and the monotonic nonce. Every apply is a
// single exclusive critical section per channel, so concurrent transfers on
// one channel serialize while transfers on distinct channels run in parallel.
type Ledger struct {
	reg   *Registry
	seq   atomic.Uint64
	nowFn func() int64
}

// NewLedger constructs a ledger over the registry's channel state.
func NewLedger(reg *Registry) *Ledger {
	return &Ledger{
		reg:   reg,
		nowFn: func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source used for payment timestamps.
func (l *Ledger) SetNowFunc(now func() int64) {
	if now == nil {
		l.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	l.nowFn = now
}

// Apply debits from, credits to, and increments the channel nonce by exactly
// one, atomically. A payment ID that was already applied returns the recorded
// result instead of double-applying, so callers can safely retry after a
// timeout. A failed apply leaves balances and nonce untouched.
func (l *Ledger) Apply(channelID, paymentID, from, to string, amount *big.Int) (*ApplyResult, error) {
	st, ok := l.reg.state(channelID)
	if !ok {
		return nil, clearerrors.ErrChannelNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if paymentID = strings.TrimSpace(paymentID); paymentID != "" {
		if prior, ok := st.applied[paymentID]; ok {
			return prior.clone(), nil
		}
	}
	if st.ch.Frozen {
		return nil, clearerrors.ErrChannelFrozen
	}
	if st.ch.Status != types.ChannelActive {
		return nil, clearerrors.ErrChannelInactive
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, clearerrors.ErrInvalidAmount
	}
	fromBalance, ok := st.ch.Balances[from]
	if !ok {
		return nil, clearerrors.ErrUnknownParticipant
	}
	if _, ok := st.ch.Balances[to]; !ok {
		return nil, clearerrors.ErrUnknownParticipant
	}
	if fromBalance.Cmp(amount) < 0 {
		return nil, clearerrors.ErrInsufficientBalance
	}

	next := st.ch.Clone()
	next.Balances[from] = new(big.Int).Sub(next.Balances[from], amount)
	next.Balances[to] = new(big.Int).Add(next.Balances[to], amount)
	next.Nonce++

	if next.Total().Cmp(st.total) != 0 {
		// Conservation broke: freeze the channel and surface for manual
		// reconciliation instead of continuing on corrupted state.
		_ = l.reg.freezeLocked(st)
		return nil, clearerrors.ErrLedgerCorrupted
	}
	if err := l.reg.persist(next); err != nil {
		return nil, err
	}
	st.ch = next

	payment := &types.Payment{
		ID:        paymentID,
		ChannelID: channelID,
		Sequence:  l.seq.Add(1),
		From:      from,
		To:        to,
		Amount:    new(big.Int).Set(amount),
		Nonce:     next.Nonce,
		Status:    types.PaymentCleared,
		CreatedAt: l.nowFn(),
	}
	st.payments = append(st.payments, payment)

	result := &ApplyResult{
		Payment:  payment,
		Nonce:    next.Nonce,
		Balances: next.Clone().Balances,
	}
	if paymentID != "" {
		st.applied[paymentID] = result
	}
	return result.clone(), nil
}

// Snapshot returns a point-in-time view of the channel, serialized with Apply
// on the same channel so it never observes a half-applied transfer.
func (l *Ledger) Snapshot(channelID string) (*types.Channel, error) {
	st, ok := l.reg.state(channelID)
	if !ok {
		return nil, clearerrors.ErrChannelNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ch.Clone(), nil
}

// PaymentsSince returns the cleared payments on the channel with a nonce
// strictly greater than the supplied value, in application order.
func (l *Ledger) PaymentsSince(channelID string, nonce uint64) ([]*types.Payment, error) {
	payments, _, err := l.PaymentsCursor(channelID, nonce)
	return payments, err
}

// PaymentsCursor returns the payments with a nonce strictly greater than
// since together with the channel's current nonce, captured in one critical
// section. A transfer racing this call is either included in the returned
// slice or left beyond the returned cursor for the next caller, never both.
func (l *Ledger) PaymentsCursor(channelID string, since uint64) ([]*types.Payment, uint64, error) {
	st, ok := l.reg.state(channelID)
	if !ok {
		return nil, 0, clearerrors.ErrChannelNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]*types.Payment, 0)
	for _, payment := range st.payments {
		if payment.Nonce > since {
			out = append(out, payment.Clone())
		}
	}
	return out, st.ch.Nonce, nil
}
