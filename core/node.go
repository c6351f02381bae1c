package core

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"clearhub/core/events"
	"clearhub/core/types"
	"clearhub/crypto"
	"clearhub/native/channels"
	"clearhub/native/clearing"
	"clearhub/storage"
)

const (
	defaultOpenConfirmDelay  = 2 * time.Second
	defaultCloseConfirmDelay = 2 * time.Second
)

// NodeConfig carries the collaborators and tuning for a hub instance.
type NodeConfig struct {
	Key               *crypto.PrivateKey
	DB                storage.Database
	Logger            *slog.Logger
	OpenConfirmDelay  time.Duration
	CloseConfirmDelay time.Duration
}

// Node is the clearing hub: it owns the channel registry, the ledger, the
// clearing service and the notification bus, and schedules the asynchronous
// open/close confirmations.
type Node struct {
	log      *slog.Logger
	key      *crypto.PrivateKey
	registry *channels.Registry
	ledger   *channels.Ledger
	clearing *clearing.Service
	bus      *NotificationBus

	openConfirmDelay  time.Duration
	closeConfirmDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	taskSeq uint64
	tasks   map[string]scheduledTask
}

type scheduledTask struct {
	id     uint64
	cancel context.CancelFunc
}

// NewNode wires a hub instance. All state lives on the instance; nothing is
// held in package-level globals.
func NewNode(cfg NodeConfig) (*Node, error) {
	if cfg.Key == nil {
		return nil, errors.New("core: node key required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	openDelay := cfg.OpenConfirmDelay
	if openDelay <= 0 {
		openDelay = defaultOpenConfirmDelay
	}
	closeDelay := cfg.CloseConfirmDelay
	if closeDelay <= 0 {
		closeDelay = defaultCloseConfirmDelay
	}

	registry := channels.NewRegistry(cfg.DB)
	ledger := channels.NewLedger(registry)
	bus := NewNotificationBus()

	ctx, cancel := context.WithCancel(context.Background())
	node := &Node{
		log:               logger.With(slog.String("component", "node")),
		key:               cfg.Key,
		registry:          registry,
		ledger:            ledger,
		bus:               bus,
		openConfirmDelay:  openDelay,
		closeConfirmDelay: closeDelay,
		ctx:               ctx,
		cancel:            cancel,
		tasks:             make(map[string]scheduledTask),
	}
	node.clearing = clearing.NewService(ledger, bus, logger)
	return node, nil
}

// Address returns the hub's own bech32 address.
func (n *Node) Address() string {
	return n.key.PubKey().Address().String()
}

// Registry exposes the channel registry.
func (n *Node) Registry() *channels.Registry { return n.registry }

// Ledger exposes the balance ledger.
func (n *Node) Ledger() *channels.Ledger { return n.ledger }

// Bus exposes the notification bus.
func (n *Node) Bus() *NotificationBus { return n.bus }

// Clearing exposes the transfer hot path.
func (n *Node) Clearing() *clearing.Service { return n.clearing }

// OpenChannel creates a channel in Opening and schedules the confirmation
// that activates it. An empty counterparty defaults to the hub itself.
func (n *Node) OpenChannel(payer, counterparty string, initialBalance *big.Int) (*types.Channel, error) {
	if counterparty == "" {
		counterparty = n.Address()
	}
	ch, err := n.registry.Create(payer, counterparty, initialBalance)
	if err != nil {
		return nil, err
	}
	n.log.Info("channel opening",
		slog.String("channelId", ch.ID),
		slog.String("payer", payer),
		slog.String("counterparty", counterparty),
	)
	n.schedule(ch.ID, n.openConfirmDelay, func() {
		n.confirmOpen(ch.ID)
	})
	return ch, nil
}

func (n *Node) confirmOpen(channelID string) {
	activated, err := n.registry.Transition(channelID, types.ChannelActive)
	if err != nil {
		// The channel moved on (e.g. closed before confirmation); nothing
		// to activate.
		n.log.Warn("open confirmation skipped", slog.String("channelId", channelID), slog.Any("error", err))
		return
	}
	evt := events.ChannelOpened{
		ChannelID: activated.ID,
		Payer:     activated.Payer,
		Balances:  activated.Balances,
	}
	n.bus.Publish(activated.Payer, evt.Event())
	n.bus.Publish(activated.Counterparty, evt.Event())
	n.log.Info("channel active", slog.String("channelId", channelID))
}

// CloseChannel moves the channel to Closing and schedules the terminal
// transition. Any previously scheduled task is cancelled only once the
// transition is accepted: a rejected close (e.g. while still Opening) must
// leave the pending activation intact. The returned snapshot carries the
// final balances as of the last applied transfer.
func (n *Node) CloseChannel(channelID string) (*types.Channel, error) {
	closing, err := n.registry.Transition(channelID, types.ChannelClosing)
	if err != nil {
		return nil, err
	}
	n.cancelTask(channelID)
	n.log.Info("channel closing", slog.String("channelId", channelID))
	n.schedule(channelID, n.closeConfirmDelay, func() {
		n.confirmClose(channelID)
	})
	return closing, nil
}

func (n *Node) confirmClose(channelID string) {
	closed, err := n.registry.Transition(channelID, types.ChannelClosed)
	if err != nil {
		n.log.Warn("close confirmation skipped", slog.String("channelId", channelID), slog.Any("error", err))
		return
	}
	evt := events.ChannelClosed{
		ChannelID: closed.ID,
		Balances:  closed.Balances,
		ClosedAt:  closed.ClosedAt,
	}
	n.bus.Publish(closed.Payer, evt.Event())
	n.bus.Publish(closed.Counterparty, evt.Event())
	n.log.Info("channel closed", slog.String("channelId", channelID))
}

// Transfer runs the clearing hot path.
func (n *Node) Transfer(ctx context.Context, req clearing.Request) (*clearing.Result, error) {
	return n.clearing.Clear(ctx, req)
}

// schedule runs fn after delay unless the task (or the node) is cancelled
// first. At most one scheduled task exists per channel.
func (n *Node) schedule(channelID string, delay time.Duration, fn func()) {
	taskCtx, taskCancel := context.WithCancel(n.ctx)

	n.mu.Lock()
	if prior, ok := n.tasks[channelID]; ok {
		prior.cancel()
	}
	n.taskSeq++
	taskID := n.taskSeq
	n.tasks[channelID] = scheduledTask{id: taskID, cancel: taskCancel}
	n.mu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			n.mu.Lock()
			if current, ok := n.tasks[channelID]; ok && current.id == taskID {
				delete(n.tasks, channelID)
			}
			n.mu.Unlock()
		}()

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-taskCtx.Done():
		case <-timer.C:
			fn()
		}
	}()
}

func (n *Node) cancelTask(channelID string) {
	n.mu.Lock()
	task, ok := n.tasks[channelID]
	if ok {
		delete(n.tasks, channelID)
	}
	n.mu.Unlock()
	if ok {
		task.cancel()
	}
}

// Close cancels all scheduled confirmations and waits for them to finish.
func (n *Node) Close() {
	n.cancel()
	n.wg.Wait()
}
