package settlement

import (
	"encoding/json"
	"errors"

	"clearhub/core/types"
	"clearhub/storage"
)

const (
	settlementKeyPrefix = "settlement:"
	boundaryKeyPrefix   = "boundary:"
)

// Boundary fixes a merchant's accounting position: the next settlement epoch
// and the per-channel nonce up to which payments have been settled. PendingID
// points at an aggregated settlement that has not been confirmed yet.
type Boundary struct {
	Epoch     uint64            `json:"epoch"`
	Cursors   map[string]uint64 `json:"cursors"`
	PendingID string            `json:"pendingId,omitempty"`
}

func (b *Boundary) clone() *Boundary {
	if b == nil {
		return &Boundary{Cursors: make(map[string]uint64)}
	}
	clone := &Boundary{Epoch: b.Epoch, PendingID: b.PendingID, Cursors: make(map[string]uint64, len(b.Cursors))}
	for channelID, nonce := range b.Cursors {
		clone.Cursors[channelID] = nonce
	}
	return clone
}

// Journal persists settlement records and merchant boundaries so a restarted
// coordinator resumes from the last fixed accounting position instead of
// double-counting payments.
type Journal struct {
	db storage.Database
}

// NewJournal constructs a journal over the supplied store. A nil store falls
// back to an in-memory database.
func NewJournal(db storage.Database) *Journal {
	if db == nil {
		db = storage.NewMemDB()
	}
	return &Journal{db: db}
}

// PutSettlement stores or updates a settlement record.
func (j *Journal) PutSettlement(s *types.Settlement) error {
	if s == nil {
		return errors.New("settlement: nil record")
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return j.db.Put([]byte(settlementKeyPrefix+s.ID), raw)
}

// GetSettlement loads a settlement record by id.
func (j *Journal) GetSettlement(id string) (*types.Settlement, error) {
	raw, err := j.db.Get([]byte(settlementKeyPrefix + id))
	if err != nil {
		return nil, err
	}
	s := &types.Settlement{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, err
	}
	return s, nil
}

// PutBoundary stores the merchant's accounting boundary.
func (j *Journal) PutBoundary(merchant string, b *Boundary) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	return j.db.Put([]byte(boundaryKeyPrefix+merchant), raw)
}

// GetBoundary loads the merchant's boundary; a missing record yields the zero
// boundary.
func (j *Journal) GetBoundary(merchant string) (*Boundary, error) {
	raw, err := j.db.Get([]byte(boundaryKeyPrefix + merchant))
	if errors.Is(err, storage.ErrNotFound) {
		return &Boundary{Cursors: make(map[string]uint64)}, nil
	}
	if err != nil {
		return nil, err
	}
	b := &Boundary{}
	if err := json.Unmarshal(raw, b); err != nil {
		return nil, err
	}
	if b.Cursors == nil {
		b.Cursors = make(map[string]uint64)
	}
	return b, nil
}
