package types

import (
	"encoding/binary"
	"encoding/hex"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// SettlementStatus tracks an aggregated merchant commitment against the
// external vault contract.
type SettlementStatus uint8

const (
	SettlementPending SettlementStatus = iota + 1
	SettlementSubmitted
	SettlementConfirmed
	SettlementFailed
)

func (s SettlementStatus) String() string {
	switch s {
	case SettlementPending:
		return "pending"
	case SettlementSubmitted:
		return "submitted"
	case SettlementConfirmed:
		return "confirmed"
	case SettlementFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Settlement batches the merchant's cleared balance for one accounting epoch.
// The identifier is deterministic over (merchant, amount, epoch) so a retried
// submission is recognizably identical to the vault's processed-set.
type Settlement struct {
	ID        string            `json:"id"`
	Merchant  string            `json:"merchant"`
	Amount    *big.Int          `json:"amount"`
	Epoch     uint64            `json:"epoch"`
	Cursors   map[string]uint64 `json:"cursors"`
	Status    SettlementStatus  `json:"status"`
	Attempts  int               `json:"attempts"`
	TxRef     string            `json:"txRef,omitempty"`
	CreatedAt int64             `json:"createdAt"`
	UpdatedAt int64             `json:"updatedAt"`
}

// Clone returns a deep copy of the settlement record.
func (s *Settlement) Clone() *Settlement {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Amount != nil {
		clone.Amount = new(big.Int).Set(s.Amount)
	} else {
		clone.Amount = big.NewInt(0)
	}
	clone.Cursors = make(map[string]uint64, len(s.Cursors))
	for channelID, nonce := range s.Cursors {
		clone.Cursors[channelID] = nonce
	}
	return &clone
}

// SettlementID derives the deterministic identifier for a merchant's
// aggregated settlement in the given accounting epoch.
func SettlementID(merchant string, amount *big.Int, epoch uint64) string {
	var epochBytes [8]byte
	binary.BigEndian.PutUint64(epochBytes[:], epoch)
	amt := amount
	if amt == nil {
		amt = big.NewInt(0)
	}
	hash := ethcrypto.Keccak256(
		[]byte("settlement"),
		[]byte(merchant),
		amt.Bytes(),
		epochBytes[:],
	)
	return hex.EncodeToString(hash)
}
