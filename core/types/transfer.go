package types

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"

	clearcrypto "clearhub/crypto"
)

// TransferMsg is the canonical form of a transfer request that the sender
// signs. The signature binds the claimed sender to the exact payment id,
// channel, recipient and amount, so a replayed or tampered request fails
// verification instead of moving funds.
type TransferMsg struct {
	PaymentID string   `json:"paymentId"`
	ChannelID string   `json:"channelId"`
	From      string   `json:"from"`
	To        string   `json:"to"`
	Amount    *big.Int `json:"amount"`
}

// Hash returns the sha256 digest of the canonical JSON encoding.
func (m *TransferMsg) Hash() ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("nil transfer message")
	}
	msg := struct {
		PaymentID string   `json:"paymentId"`
		ChannelID string   `json:"channelId"`
		From      string   `json:"from"`
		To        string   `json:"to"`
		Amount    *big.Int `json:"amount"`
	}{m.PaymentID, m.ChannelID, m.From, m.To, m.Amount}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256(b)
	return hash[:], nil
}

// Sign produces a 65-byte recoverable secp256k1 signature over the digest.
func (m *TransferMsg) Sign(privKey *ecdsa.PrivateKey) ([]byte, error) {
	hash, err := m.Hash()
	if err != nil {
		return nil, err
	}
	return crypto.Sign(hash, privKey)
}

// Signer recovers the bech32 address that produced the signature.
func (m *TransferMsg) Signer(sig []byte) (string, error) {
	hash, err := m.Hash()
	if err != nil {
		return "", err
	}
	return RecoverSigner(hash, sig)
}

// RecoverSigner resolves a 65-byte recoverable signature over the supplied
// digest to the signer's bech32 address.
func RecoverSigner(hash, sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", err
	}
	addrBytes := crypto.PubkeyToAddress(*pubKey).Bytes()
	addr, err := clearcrypto.NewAddress(clearcrypto.ClearingPrefix, addrBytes)
	if err != nil {
		return "", err
	}
	return addr.String(), nil
}
