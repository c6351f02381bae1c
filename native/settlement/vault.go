package settlement

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	clearerrors "clearhub/core/errors"
)

// Contract is the externally observable interface of the settlement vault:
// privileged deposits keyed by settlement id, merchant withdrawals, and the
// processed-set the hub can query to make retries idempotent.
type Contract interface {
	SubmitSettlement(ctx context.Context, settlementID, merchant string, amount *big.Int) (string, error)
	Withdraw(ctx context.Context, merchant string) (*big.Int, error)
	BalanceOf(ctx context.Context, merchant string) (*big.Int, error)
	IsSettlementProcessed(ctx context.Context, settlementID string) (bool, error)
}

var (
	bucketBalances  = []byte("balances")
	bucketProcessed = []byte("processed")
	bucketDeposits  = []byte("deposits")
)

// Vault is an in-process implementation of the settlement contract backed by
// bbolt. It enforces the processed-set invariant: a settlement id mutates the
// merchant balance at most once.
type Vault struct {
	db *bolt.DB
}

type processedRecord struct {
	Merchant    string `json:"merchant"`
	Amount      string `json:"amount"`
	TxRef       string `json:"txRef"`
	ProcessedAt int64  `json:"processedAt"`
}

type depositRecord struct {
	SettlementID string `json:"settlementId"`
	Merchant     string `json:"merchant"`
	Amount       string `json:"amount"`
	DepositedAt  int64  `json:"depositedAt"`
}

// OpenVault creates or opens the vault database at the supplied path.
func OpenVault(path string) (*Vault, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketBalances, bucketProcessed, bucketDeposits} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Vault{db: db}, nil
}

// Close releases the underlying database.
func (v *Vault) Close() error {
	if v == nil || v.db == nil {
		return nil
	}
	return v.db.Close()
}

// SubmitSettlement credits the merchant and records the settlement id in the
// processed set, atomically. A repeated id returns ErrAlreadyProcessed without
// touching the balance.
func (v *Vault) SubmitSettlement(ctx context.Context, settlementID, merchant string, amount *big.Int) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	settlementID = strings.TrimSpace(settlementID)
	merchant = strings.TrimSpace(merchant)
	if settlementID == "" || merchant == "" {
		return "", fmt.Errorf("vault: settlement id and merchant required")
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("vault: deposit amount must be positive")
	}

	txRef := uuid.NewString()
	now := time.Now().Unix()
	err := v.db.Update(func(tx *bolt.Tx) error {
		processed := tx.Bucket(bucketProcessed)
		if processed.Get([]byte(settlementID)) != nil {
			return clearerrors.ErrAlreadyProcessed
		}

		balances := tx.Bucket(bucketBalances)
		balance := decodeBalance(balances.Get([]byte(merchant)))
		balance.Add(balance, amount)
		if err := balances.Put([]byte(merchant), []byte(balance.String())); err != nil {
			return err
		}

		deposits := tx.Bucket(bucketDeposits)
		seq, err := deposits.NextSequence()
		if err != nil {
			return err
		}
		deposit, err := json.Marshal(depositRecord{
			SettlementID: settlementID,
			Merchant:     merchant,
			Amount:       amount.String(),
			DepositedAt:  now,
		})
		if err != nil {
			return err
		}
		if err := deposits.Put(itob(seq), deposit); err != nil {
			return err
		}

		record, err := json.Marshal(processedRecord{
			Merchant:    merchant,
			Amount:      amount.String(),
			TxRef:       txRef,
			ProcessedAt: now,
		})
		if err != nil {
			return err
		}
		return processed.Put([]byte(settlementID), record)
	})
	if err != nil {
		return "", err
	}
	return txRef, nil
}

// Withdraw pays out and zeroes the merchant's full balance.
func (v *Vault) Withdraw(ctx context.Context, merchant string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	merchant = strings.TrimSpace(merchant)
	if merchant == "" {
		return nil, fmt.Errorf("vault: merchant required")
	}
	var paid *big.Int
	err := v.db.Update(func(tx *bolt.Tx) error {
		balances := tx.Bucket(bucketBalances)
		balance := decodeBalance(balances.Get([]byte(merchant)))
		if balance.Sign() == 0 {
			return clearerrors.ErrNoBalance
		}
		paid = balance
		return balances.Put([]byte(merchant), []byte("0"))
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

// BalanceOf reports the merchant's current vault balance.
func (v *Vault) BalanceOf(ctx context.Context, merchant string) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var balance *big.Int
	err := v.db.View(func(tx *bolt.Tx) error {
		balance = decodeBalance(tx.Bucket(bucketBalances).Get([]byte(strings.TrimSpace(merchant))))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return balance, nil
}

// IsSettlementProcessed reports whether the settlement id has been applied.
func (v *Vault) IsSettlementProcessed(ctx context.Context, settlementID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var processed bool
	err := v.db.View(func(tx *bolt.Tx) error {
		processed = tx.Bucket(bucketProcessed).Get([]byte(strings.TrimSpace(settlementID))) != nil
		return nil
	})
	if err != nil {
		return false, err
	}
	return processed, nil
}

func decodeBalance(raw []byte) *big.Int {
	if len(raw) == 0 {
		return big.NewInt(0)
	}
	balance, ok := new(big.Int).SetString(string(raw), 10)
	if !ok {
		return big.NewInt(0)
	}
	return balance
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

var _ Contract = (*Vault)(nil)
