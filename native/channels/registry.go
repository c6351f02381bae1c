package channels

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	clearerrors "clearhub/core/errors"
	"clearhub/core/types"
	"clearhub/storage"
)

const channelKeyPrefix = "channel:"

// channelState is the unit of mutual exclusion: every read-modify-write on a
// channel's balances, nonce or status happens under its mutex, so operations
// on distinct channels proceed fully in parallel.
type channelState struct {
	mu       sync.Mutex
	ch       *types.Channel
	total    *big.Int
	payments []*types.Payment
	applied  map[string]*ApplyResult
}

// Registry owns channel identity and lifecycle state. It is an explicitly
// constructed instance passed by reference to collaborators; there are no
// package-level singletons.
type Registry struct {
	db storage.Database

	mu       sync.RWMutex
	channels map[string]*channelState
	byPair   map[string]string
	nowFn    func() int64
}

// NewRegistry constructs a registry backed by the supplied store. A nil store
// keeps the registry purely in memory.
func NewRegistry(db storage.Database) *Registry {
	return &Registry{
		db:       db,
		channels: make(map[string]*channelState),
		byPair:   make(map[string]string),
		nowFn:    func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the time source. Primarily intended for tests to
// provide deterministic timestamps.
func (r *Registry) SetNowFunc(now func() int64) {
	if now == nil {
		r.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	r.nowFn = now
}

func pairKey(payer, counterparty string) string {
	return payer + "|" + counterparty
}

// Create opens a new channel in Opening for the participant pair. The initial
// balance is credited to the payer; it represents the external deposit that
// funded the channel.
func (r *Registry) Create(payer, counterparty string, initialBalance *big.Int) (*types.Channel, error) {
	payer = strings.TrimSpace(payer)
	counterparty = strings.TrimSpace(counterparty)
	if payer == "" || counterparty == "" {
		return nil, fmt.Errorf("channels: payer and counterparty required")
	}
	if payer == counterparty {
		return nil, fmt.Errorf("channels: payer and counterparty must differ")
	}
	deposit := big.NewInt(0)
	if initialBalance != nil {
		if initialBalance.Sign() < 0 {
			return nil, fmt.Errorf("channels: initial balance must be non-negative")
		}
		deposit = new(big.Int).Set(initialBalance)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey(payer, counterparty)
	if existingID, ok := r.byPair[key]; ok {
		if st, ok := r.channels[existingID]; ok {
			st.mu.Lock()
			status := st.ch.Status
			st.mu.Unlock()
			if status == types.ChannelOpening || status == types.ChannelActive {
				return nil, clearerrors.ErrDuplicateChannel
			}
		}
	}

	ch := &types.Channel{
		ID:           uuid.NewString(),
		Payer:        payer,
		Counterparty: counterparty,
		Balances: map[string]*big.Int{
			payer:        new(big.Int).Set(deposit),
			counterparty: big.NewInt(0),
		},
		Status:    types.ChannelOpening,
		CreatedAt: r.nowFn(),
	}
	if err := r.persist(ch); err != nil {
		return nil, err
	}

	r.channels[ch.ID] = &channelState{
		ch:      ch,
		total:   ch.Total(),
		applied: make(map[string]*ApplyResult),
	}
	r.byPair[key] = ch.ID
	return ch.Clone(), nil
}

// Get returns a snapshot of the channel.
func (r *Registry) Get(channelID string) (*types.Channel, error) {
	st, ok := r.state(channelID)
	if !ok {
		return nil, clearerrors.ErrChannelNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.ch.Clone(), nil
}

// legalEdges enumerates the only permitted status transitions. No transition
// re-enters a prior state.
var legalEdges = map[types.ChannelStatus]types.ChannelStatus{
	types.ChannelOpening: types.ChannelActive,
	types.ChannelActive:  types.ChannelClosing,
	types.ChannelClosing: types.ChannelClosed,
}

// Transition moves the channel along a legal lifecycle edge and returns the
// resulting snapshot.
func (r *Registry) Transition(channelID string, next types.ChannelStatus) (*types.Channel, error) {
	if !next.Valid() {
		return nil, clearerrors.ErrInvalidTransition
	}
	st, ok := r.state(channelID)
	if !ok {
		return nil, clearerrors.ErrChannelNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if legalEdges[st.ch.Status] != next {
		return nil, fmt.Errorf("%w: %s -> %s", clearerrors.ErrInvalidTransition, st.ch.Status, next)
	}

	updated := st.ch.Clone()
	updated.Status = next
	if next == types.ChannelClosed {
		updated.ClosedAt = r.nowFn()
	}
	if err := r.persist(updated); err != nil {
		return nil, err
	}
	st.ch = updated
	return updated.Clone(), nil
}

// Freeze marks the channel as corrupted; further transfers are rejected until
// it is manually reconciled.
func (r *Registry) Freeze(channelID string) error {
	st, ok := r.state(channelID)
	if !ok {
		return clearerrors.ErrChannelNotFound
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return r.freezeLocked(st)
}

func (r *Registry) freezeLocked(st *channelState) error {
	if st.ch.Frozen {
		return nil
	}
	updated := st.ch.Clone()
	updated.Frozen = true
	if err := r.persist(updated); err != nil {
		return err
	}
	st.ch = updated
	return nil
}

// Counterparties returns the distinct hub-or-merchant side of all known
// channels, sorted for deterministic iteration.
func (r *Registry) Counterparties() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, st := range r.channels {
		seen[st.ch.Counterparty] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for counterparty := range seen {
		out = append(out, counterparty)
	}
	sort.Strings(out)
	return out
}

// ChannelsFor returns the identifiers of channels whose counterparty matches,
// sorted for deterministic iteration.
func (r *Registry) ChannelsFor(counterparty string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for id, st := range r.channels {
		if st.ch.Counterparty == counterparty {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (r *Registry) state(channelID string) (*channelState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.channels[channelID]
	return st, ok
}

// persist mirrors the channel snapshot into the backing store. The caller
// must hold the channel mutex (or be creating the channel under the registry
// lock) so the snapshot is consistent.
func (r *Registry) persist(ch *types.Channel) error {
	if r.db == nil {
		return nil
	}
	raw, err := json.Marshal(ch)
	if err != nil {
		return err
	}
	return r.db.Put([]byte(channelKeyPrefix+ch.ID), raw)
}
