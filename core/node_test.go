package core

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	clearerrors "clearhub/core/errors"
	"clearhub/core/types"
	"clearhub/crypto"
	"clearhub/native/clearing"
)

func newTestNode(t *testing.T) *Node {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	node, err := NewNode(NodeConfig{
		Key:               key,
		OpenConfirmDelay:  10 * time.Millisecond,
		CloseConfirmDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	t.Cleanup(node.Close)
	return node
}

func newParticipant(t *testing.T) (*crypto.PrivateKey, string) {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, key.PubKey().Address().String()
}

func waitForStatus(t *testing.T, node *Node, channelID string, want types.ChannelStatus) *types.Channel {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ch, err := node.Registry().Get(channelID)
		if err != nil {
			t.Fatalf("get channel: %v", err)
		}
		if ch.Status == want {
			return ch
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel %s never reached %s", channelID, want)
	return nil
}

func signedTransfer(t *testing.T, key *crypto.PrivateKey, req clearing.Request) clearing.Request {
	t.Helper()
	msg := &types.TransferMsg{
		PaymentID: req.PaymentID,
		ChannelID: req.ChannelID,
		From:      req.From,
		To:        req.To,
		Amount:    req.Amount,
	}
	sig, err := msg.Sign(key.PrivateKey)
	if err != nil {
		t.Fatalf("sign transfer: %v", err)
	}
	req.AuthProof = sig
	return req
}

func TestOpenChannelConfirmsAsynchronously(t *testing.T) {
	node := newTestNode(t)
	_, payer := newParticipant(t)

	updates, cancel := node.Bus().Subscribe(context.Background(), payer)
	defer cancel()

	ch, err := node.OpenChannel(payer, "", big.NewInt(100))
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	if ch.Status != types.ChannelOpening {
		t.Fatalf("expected Opening immediately, got %s", ch.Status)
	}
	if ch.Counterparty != node.Address() {
		t.Fatalf("expected hub as default counterparty, got %s", ch.Counterparty)
	}

	waitForStatus(t, node, ch.ID, types.ChannelActive)

	select {
	case evt := <-updates:
		if evt.Type != "channel_opened" {
			t.Fatalf("unexpected event type: %s", evt.Type)
		}
		if evt.Attributes["channelId"] != ch.ID {
			t.Fatalf("unexpected channel id in event: %v", evt.Attributes)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel_opened event not delivered")
	}
}

func TestTransferFlow(t *testing.T) {
	node := newTestNode(t)
	payerKey, payer := newParticipant(t)
	hub := node.Address()

	ch, err := node.OpenChannel(payer, "", big.NewInt(100))
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	waitForStatus(t, node, ch.ID, types.ChannelActive)

	req := signedTransfer(t, payerKey, clearing.Request{
		PaymentID: "pay-1",
		ChannelID: ch.ID,
		From:      payer,
		To:        hub,
		Amount:    big.NewInt(30),
	})
	result, err := node.Transfer(context.Background(), req)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if result.Nonce != 1 {
		t.Fatalf("expected nonce 1, got %d", result.Nonce)
	}
	if result.Balances[payer].Cmp(big.NewInt(70)) != 0 {
		t.Fatalf("unexpected payer balance: %v", result.Balances[payer])
	}
	if result.Balances[hub].Cmp(big.NewInt(30)) != 0 {
		t.Fatalf("unexpected hub balance: %v", result.Balances[hub])
	}
}

func TestTransferBeforeActivationFails(t *testing.T) {
	payerKey, payer := newParticipant(t)

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	slow, err := NewNode(NodeConfig{
		Key:              key,
		OpenConfirmDelay: time.Hour,
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	defer slow.Close()

	ch, err := slow.OpenChannel(payer, "", big.NewInt(100))
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}

	req := signedTransfer(t, payerKey, clearing.Request{
		PaymentID: "pay-1",
		ChannelID: ch.ID,
		From:      payer,
		To:        slow.Address(),
		Amount:    big.NewInt(30),
	})
	if _, err := slow.Transfer(context.Background(), req); !errors.Is(err, clearerrors.ErrChannelInactive) {
		t.Fatalf("expected ErrChannelInactive, got %v", err)
	}
}

func TestCloseChannelLifecycle(t *testing.T) {
	node := newTestNode(t)
	payerKey, payer := newParticipant(t)
	hub := node.Address()

	ch, err := node.OpenChannel(payer, "", big.NewInt(100))
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}
	waitForStatus(t, node, ch.ID, types.ChannelActive)

	req := signedTransfer(t, payerKey, clearing.Request{
		PaymentID: "pay-1",
		ChannelID: ch.ID,
		From:      payer,
		To:        hub,
		Amount:    big.NewInt(25),
	})
	if _, err := node.Transfer(context.Background(), req); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	updates, cancel := node.Bus().Subscribe(context.Background(), payer)
	defer cancel()

	closing, err := node.CloseChannel(ch.ID)
	if err != nil {
		t.Fatalf("close channel: %v", err)
	}
	if closing.Status != types.ChannelClosing {
		t.Fatalf("expected Closing, got %s", closing.Status)
	}
	if closing.Balance(payer).Cmp(big.NewInt(75)) != 0 {
		t.Fatalf("unexpected final payer balance: %v", closing.Balance(payer))
	}

	// Transfers are rejected while Closing.
	retry := signedTransfer(t, payerKey, clearing.Request{
		PaymentID: "pay-2",
		ChannelID: ch.ID,
		From:      payer,
		To:        hub,
		Amount:    big.NewInt(1),
	})
	if _, err := node.Transfer(context.Background(), retry); !errors.Is(err, clearerrors.ErrChannelInactive) {
		t.Fatalf("expected ErrChannelInactive while closing, got %v", err)
	}

	closed := waitForStatus(t, node, ch.ID, types.ChannelClosed)
	if closed.ClosedAt == 0 {
		t.Fatalf("expected ClosedAt to be set")
	}

	select {
	case evt := <-updates:
		if evt.Type != "channel_closed" {
			t.Fatalf("unexpected event type: %s", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("channel_closed event not delivered")
	}
}

func TestFailedCloseLeavesActivationPending(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	node, err := NewNode(NodeConfig{
		Key:               key,
		OpenConfirmDelay:  100 * time.Millisecond,
		CloseConfirmDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}
	defer node.Close()
	_, payer := newParticipant(t)

	ch, err := node.OpenChannel(payer, "", big.NewInt(100))
	if err != nil {
		t.Fatalf("open channel: %v", err)
	}

	// Closing an Opening channel is not a legal edge; the channel must first
	// activate. The rejected close must not cancel the scheduled activation,
	// or the channel would be stranded in Opening with its deposit frozen.
	if _, err := node.CloseChannel(ch.ID); !errors.Is(err, clearerrors.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	waitForStatus(t, node, ch.ID, types.ChannelActive)

	// The channel remains fully usable: it can now close normally.
	if _, err := node.CloseChannel(ch.ID); err != nil {
		t.Fatalf("close after activation: %v", err)
	}
	waitForStatus(t, node, ch.ID, types.ChannelClosed)
}

func TestCloseUnknownChannel(t *testing.T) {
	node := newTestNode(t)
	if _, err := node.CloseChannel("missing"); !errors.Is(err, clearerrors.ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}
