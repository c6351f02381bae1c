package rpc

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	clearerrors "clearhub/core/errors"
	"clearhub/core/types"
	"clearhub/native/clearing"
)

// bindParams unmarshals the single-object params convention into dst.
func bindParams(req RPCRequest, dst interface{}) error {
	if len(req.Params) != 1 {
		return fmt.Errorf("expected exactly one params object")
	}
	if err := json.Unmarshal(req.Params[0], dst); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

// codeFor maps domain errors onto the wire error taxonomy.
func codeFor(err error) int {
	switch {
	case errors.Is(err, clearerrors.ErrAuthFailed):
		return codeUnauthorized
	case errors.Is(err, clearerrors.ErrDuplicateChannel):
		return codeDuplicateChannel
	case errors.Is(err, clearerrors.ErrInvalidAmount):
		return codeInvalidParams
	default:
		return codeServerError
	}
}

type infoResult struct {
	NodeID    string `json:"nodeId"`
	Version   string `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

func (s *Server) handleGetInfo(req RPCRequest) *RPCResponse {
	return resultResponse(req.ID, infoResult{
		NodeID:    s.node.Address(),
		Version:   Version,
		Timestamp: time.Now().Unix(),
	})
}

type authChallengeResult struct {
	Challenge string `json:"challenge"`
}

func (s *Server) handleAuthRequest(sess *session, req RPCRequest) *RPCResponse {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return errorResponse(req.ID, codeServerError, "failed to generate challenge")
	}
	challenge := hex.EncodeToString(nonce[:])

	sess.mu.Lock()
	sess.challenge = challenge
	sess.mu.Unlock()

	return resultResponse(req.ID, authChallengeResult{Challenge: challenge})
}

type authResponseParams struct {
	Address   string `json:"address"`
	Signature string `json:"signature"`
}

type authResult struct {
	Authenticated bool   `json:"authenticated"`
	Address       string `json:"address"`
	SessionID     string `json:"sessionId"`
}

func (s *Server) handleAuthResponse(ctx context.Context, sess *session, req RPCRequest) *RPCResponse {
	var params authResponseParams
	if err := bindParams(req, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, err.Error())
	}

	sess.mu.Lock()
	challenge := sess.challenge
	sess.mu.Unlock()
	if challenge == "" {
		return errorResponse(req.ID, codeInvalidRequest, "auth_request must precede auth_response")
	}

	sig, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(params.Signature), "0x"))
	if err != nil {
		return errorResponse(req.ID, codeInvalidParams, "signature must be hex encoded")
	}
	digest := sha256.Sum256([]byte(challenge))
	signer, err := types.RecoverSigner(digest[:], sig)
	if err != nil || signer != strings.TrimSpace(params.Address) {
		return errorResponse(req.ID, codeUnauthorized, clearerrors.ErrAuthFailed.Error())
	}

	updates, cancel := s.node.Bus().Subscribe(ctx, signer)
	sessionID := uuid.NewString()

	sess.mu.Lock()
	if sess.cancelSub != nil {
		sess.cancelSub()
	}
	sess.address = signer
	sess.sessionID = sessionID
	sess.challenge = ""
	sess.cancelSub = cancel
	sess.mu.Unlock()

	go sess.forward(ctx, updates)

	s.log.Info("session authenticated", "address", signer)
	return resultResponse(req.ID, authResult{
		Authenticated: true,
		Address:       signer,
		SessionID:     sessionID,
	})
}

type channelCreateParams struct {
	UserID         string `json:"userId"`
	Counterparty   string `json:"counterparty,omitempty"`
	InitialBalance string `json:"initialBalance"`
}

type channelCreateResult struct {
	ChannelID string `json:"channelId"`
	Status    string `json:"status"`
}

func (s *Server) handleChannelCreate(sess *session, req RPCRequest) *RPCResponse {
	caller := sess.authenticatedAddress()
	if caller == "" {
		return errorResponse(req.ID, codeUnauthorized, "authentication required")
	}
	var params channelCreateParams
	if err := bindParams(req, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, err.Error())
	}
	payer := strings.TrimSpace(params.UserID)
	if payer == "" {
		payer = caller
	}
	if payer != caller {
		return errorResponse(req.ID, codeUnauthorized, "userId must match the authenticated address")
	}
	deposit, err := parseAmount(params.InitialBalance)
	if err != nil {
		return errorResponse(req.ID, codeInvalidParams, err.Error())
	}
	if deposit.Sign() < 0 {
		return errorResponse(req.ID, codeInvalidParams, "initialBalance must be non-negative")
	}

	ch, err := s.node.OpenChannel(payer, strings.TrimSpace(params.Counterparty), deposit)
	if err != nil {
		return errorResponse(req.ID, codeFor(err), err.Error())
	}
	return resultResponse(req.ID, channelCreateResult{
		ChannelID: ch.ID,
		Status:    ch.Status.String(),
	})
}

type transferParams struct {
	PaymentID string `json:"paymentId,omitempty"`
	ChannelID string `json:"channelId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	AuthProof string `json:"authProof"`
}

type transferResult struct {
	Success    bool              `json:"success"`
	PaymentID  string            `json:"paymentId"`
	Nonce      uint64            `json:"nonce"`
	NewBalance map[string]string `json:"newBalance"`
}

func (s *Server) handleTransfer(ctx context.Context, sess *session, req RPCRequest) *RPCResponse {
	caller := sess.authenticatedAddress()
	if caller == "" {
		return errorResponse(req.ID, codeUnauthorized, "authentication required")
	}
	var params transferParams
	if err := bindParams(req, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, err.Error())
	}
	if strings.TrimSpace(params.From) != caller {
		return errorResponse(req.ID, codeUnauthorized, "from must match the authenticated address")
	}
	amount, err := parseAmount(params.Amount)
	if err != nil {
		return errorResponse(req.ID, codeInvalidParams, err.Error())
	}
	proof, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(params.AuthProof), "0x"))
	if err != nil {
		return errorResponse(req.ID, codeInvalidParams, "authProof must be hex encoded")
	}

	result, err := s.node.Transfer(ctx, clearing.Request{
		PaymentID: params.PaymentID,
		ChannelID: params.ChannelID,
		From:      params.From,
		To:        params.To,
		Amount:    amount,
		AuthProof: proof,
	})
	if err != nil {
		return errorResponse(req.ID, codeFor(err), err.Error())
	}

	balances := make(map[string]string, len(result.Balances))
	for participant, balance := range result.Balances {
		balances[participant] = balance.String()
	}
	return resultResponse(req.ID, transferResult{
		Success:    true,
		PaymentID:  result.PaymentID,
		Nonce:      result.Nonce,
		NewBalance: balances,
	})
}

type channelCloseParams struct {
	ChannelID string `json:"channelId"`
}

type channelCloseResult struct {
	Status        string            `json:"status"`
	FinalBalances map[string]string `json:"finalBalances"`
}

func (s *Server) handleChannelClose(sess *session, req RPCRequest) *RPCResponse {
	caller := sess.authenticatedAddress()
	if caller == "" {
		return errorResponse(req.ID, codeUnauthorized, "authentication required")
	}
	var params channelCloseParams
	if err := bindParams(req, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, err.Error())
	}

	ch, err := s.node.Registry().Get(strings.TrimSpace(params.ChannelID))
	if err != nil {
		return errorResponse(req.ID, codeFor(err), err.Error())
	}
	if ch.Balance(caller) == nil {
		return errorResponse(req.ID, codeUnauthorized, "caller is not a channel participant")
	}

	closing, err := s.node.CloseChannel(ch.ID)
	if err != nil {
		return errorResponse(req.ID, codeFor(err), err.Error())
	}
	balances := make(map[string]string, len(closing.Balances))
	for participant, balance := range closing.Balances {
		balances[participant] = balance.String()
	}
	return resultResponse(req.ID, channelCloseResult{
		Status:        closing.Status.String(),
		FinalBalances: balances,
	})
}

type channelPaymentsParams struct {
	ChannelID  string `json:"channelId"`
	SinceNonce uint64 `json:"sinceNonce,omitempty"`
}

type paymentResult struct {
	PaymentID string `json:"paymentId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Nonce     uint64 `json:"nonce"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"createdAt"`
}

func (s *Server) handleChannelPayments(sess *session, req RPCRequest) *RPCResponse {
	caller := sess.authenticatedAddress()
	if caller == "" {
		return errorResponse(req.ID, codeUnauthorized, "authentication required")
	}
	var params channelPaymentsParams
	if err := bindParams(req, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, err.Error())
	}

	ch, err := s.node.Registry().Get(strings.TrimSpace(params.ChannelID))
	if err != nil {
		return errorResponse(req.ID, codeFor(err), err.Error())
	}
	if ch.Balance(caller) == nil {
		return errorResponse(req.ID, codeUnauthorized, "caller is not a channel participant")
	}

	payments, err := s.node.Ledger().PaymentsSince(ch.ID, params.SinceNonce)
	if err != nil {
		return errorResponse(req.ID, codeFor(err), err.Error())
	}
	out := make([]paymentResult, 0, len(payments))
	for _, payment := range payments {
		out = append(out, paymentResult{
			PaymentID: payment.ID,
			From:      payment.From,
			To:        payment.To,
			Amount:    payment.Amount.String(),
			Nonce:     payment.Nonce,
			Status:    payment.Status.String(),
			CreatedAt: payment.CreatedAt,
		})
	}
	return resultResponse(req.ID, out)
}

type settlementStatusParams struct {
	Merchant string `json:"merchant"`
}

type settlementStatusResult struct {
	Merchant string            `json:"merchant"`
	Epoch    uint64            `json:"epoch"`
	Pending  *settlementDetail `json:"pending,omitempty"`
}

type settlementDetail struct {
	SettlementID string `json:"settlementId"`
	Amount       string `json:"amount"`
	Status       string `json:"status"`
	Attempts     int    `json:"attempts"`
	TxRef        string `json:"txRef,omitempty"`
}

func (s *Server) handleSettlementStatus(sess *session, req RPCRequest) *RPCResponse {
	caller := sess.authenticatedAddress()
	if caller == "" {
		return errorResponse(req.ID, codeUnauthorized, "authentication required")
	}
	if s.coordinator == nil {
		return errorResponse(req.ID, codeServerError, "settlement is not enabled")
	}
	var params settlementStatusParams
	if err := bindParams(req, &params); err != nil {
		return errorResponse(req.ID, codeInvalidParams, err.Error())
	}
	merchant := strings.TrimSpace(params.Merchant)
	if merchant == "" {
		merchant = caller
	}

	boundary, pending, err := s.coordinator.MerchantStatus(merchant)
	if err != nil {
		return errorResponse(req.ID, codeServerError, err.Error())
	}
	result := settlementStatusResult{Merchant: merchant, Epoch: boundary.Epoch}
	if pending != nil {
		result.Pending = &settlementDetail{
			SettlementID: pending.ID,
			Amount:       pending.Amount.String(),
			Status:       pending.Status.String(),
			Attempts:     pending.Attempts,
			TxRef:        pending.TxRef,
		}
	}
	return resultResponse(req.ID, result)
}
