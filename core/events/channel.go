package events

import (
	"math/big"
	"strconv"
	"strings"

	"clearhub/core/types"
)

const (
	// TypeChannelOpened is pushed once the hub has confirmed the opening event.
	TypeChannelOpened = "channel_opened"
	// TypePaymentReceived is pushed to the recipient of a cleared transfer.
	TypePaymentReceived = "payment_received"
	// TypeChannelClosed is pushed once a closing channel reaches its terminal state.
	TypeChannelClosed = "channel_closed"
)

// ChannelOpened announces that a channel has moved from Opening to Active.
type ChannelOpened struct {
	ChannelID string
	Payer     string
	Balances  map[string]*big.Int
}

// Event converts the structured payload into a wire-friendly representation
// for connected subscribers.
func (e ChannelOpened) Event() *types.Event {
	attrs := map[string]string{
		"channelId": e.ChannelID,
		"status":    types.ChannelActive.String(),
	}
	if payer := strings.TrimSpace(e.Payer); payer != "" {
		attrs["payer"] = payer
	}
	mergeBalances(attrs, e.Balances)
	return &types.Event{Type: TypeChannelOpened, Attributes: attrs}
}

// PaymentReceived notifies a recipient that a transfer cleared in its favour.
type PaymentReceived struct {
	PaymentID string
	ChannelID string
	From      string
	To        string
	Amount    *big.Int
	Nonce     uint64
	Balances  map[string]*big.Int
}

// Event converts the structured payload into a wire-friendly representation.
func (e PaymentReceived) Event() *types.Event {
	attrs := map[string]string{
		"paymentId": e.PaymentID,
		"channelId": e.ChannelID,
		"from":      e.From,
		"to":        e.To,
		"nonce":     strconv.FormatUint(e.Nonce, 10),
	}
	if e.Amount != nil {
		attrs["amount"] = e.Amount.String()
	}
	mergeBalances(attrs, e.Balances)
	return &types.Event{Type: TypePaymentReceived, Attributes: attrs}
}

// ChannelClosed announces that a channel reached its terminal state with its
// final frozen balances.
type ChannelClosed struct {
	ChannelID string
	Balances  map[string]*big.Int
	ClosedAt  int64
}

// Event converts the structured payload into a wire-friendly representation.
func (e ChannelClosed) Event() *types.Event {
	attrs := map[string]string{
		"channelId": e.ChannelID,
		"status":    types.ChannelClosed.String(),
	}
	if e.ClosedAt > 0 {
		attrs["closedAt"] = strconv.FormatInt(e.ClosedAt, 10)
	}
	mergeBalances(attrs, e.Balances)
	return &types.Event{Type: TypeChannelClosed, Attributes: attrs}
}

func mergeBalances(attrs map[string]string, balances map[string]*big.Int) {
	for participant, balance := range balances {
		if balance == nil {
			continue
		}
		attrs["balance:"+participant] = balance.String()
	}
}
