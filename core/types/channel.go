package types

import (
	"math/big"
)

// ChannelStatus tracks the lifecycle of an off-chain channel.
type ChannelStatus uint8

const (
	ChannelOpening ChannelStatus = iota
	ChannelActive
	ChannelClosing
	ChannelClosed
)

// String returns the lowercase wire label for the status.
func (s ChannelStatus) String() string {
	switch s {
	case ChannelOpening:
		return "opening"
	case ChannelActive:
		return "active"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Valid reports whether the status value is within the supported range.
func (s ChannelStatus) Valid() bool {
	switch s {
	case ChannelOpening, ChannelActive, ChannelClosing, ChannelClosed:
		return true
	default:
		return false
	}
}

// Channel is a bilateral off-chain ledger between a payer and the hub or a
// merchant. Balances are held in the settlement asset's minor unit. The nonce
// strictly increases by one per applied transfer and is never reused.
type Channel struct {
	ID           string              `json:"id"`
	Payer        string              `json:"payer"`
	Counterparty string              `json:"counterparty"`
	Balances     map[string]*big.Int `json:"balances"`
	Nonce        uint64              `json:"nonce"`
	Status       ChannelStatus       `json:"status"`
	Frozen       bool                `json:"frozen,omitempty"`
	CreatedAt    int64               `json:"createdAt"`
	ClosedAt     int64               `json:"closedAt,omitempty"`
}

// Clone returns a deep copy so callers can safely mutate the copy without
// affecting the stored instance.
func (c *Channel) Clone() *Channel {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Balances = make(map[string]*big.Int, len(c.Balances))
	for participant, balance := range c.Balances {
		if balance == nil {
			balance = big.NewInt(0)
		}
		clone.Balances[participant] = new(big.Int).Set(balance)
	}
	return &clone
}

// Total returns the sum of all participant balances. The total is conserved
// across transfers; it changes only at open (deposit) and close (payout).
func (c *Channel) Total() *big.Int {
	total := big.NewInt(0)
	if c == nil {
		return total
	}
	for _, balance := range c.Balances {
		if balance != nil {
			total.Add(total, balance)
		}
	}
	return total
}

// Balance returns the balance recorded for the participant, or nil when the
// participant is not part of the channel.
func (c *Channel) Balance(participant string) *big.Int {
	if c == nil {
		return nil
	}
	balance, ok := c.Balances[participant]
	if !ok {
		return nil
	}
	if balance == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(balance)
}
