package types

import "math/big"

// PaymentStatus reflects the state of an applied transfer. Application is
// synchronous and atomic, so a payment only ever exists as Cleared.
type PaymentStatus uint8

const (
	PaymentCleared PaymentStatus = iota + 1
)

func (s PaymentStatus) String() string {
	if s == PaymentCleared {
		return "cleared"
	}
	return "unknown"
}

// Payment records a single cleared transfer inside a channel. Sequence is a
// hub-wide monotonic counter used by settlement to fix accounting boundaries;
// Nonce is the channel-local version assigned by the ledger.
type Payment struct {
	ID        string        `json:"id"`
	ChannelID string        `json:"channelId"`
	Sequence  uint64        `json:"sequence"`
	From      string        `json:"from"`
	To        string        `json:"to"`
	Amount    *big.Int      `json:"amount"`
	Nonce     uint64        `json:"nonce"`
	Status    PaymentStatus `json:"status"`
	CreatedAt int64         `json:"createdAt"`
}

// Clone returns a deep copy of the payment record.
func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	clone := *p
	if p.Amount != nil {
		clone.Amount = new(big.Int).Set(p.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	return &clone
}
