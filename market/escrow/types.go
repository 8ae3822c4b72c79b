package escrow

import (
	"encoding/json"
	"fmt"

	"marketd/market"
	"marketd/market/listing"
	"marketd/storage"
)

// Status represents the lifecycle states of a bid's escrow.
type Status uint8

const (
	StatusNone Status = iota
	StatusLocked
	StatusDisputed
	StatusReleased
	StatusRefunded
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusLocked, StatusDisputed, StatusReleased, StatusRefunded:
		return true
	default:
		return false
	}
}

// Terminal reports whether the escrow has settled.
func (s Status) Terminal() bool {
	return s == StatusReleased || s == StatusRefunded
}

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusLocked:
		return "locked"
	case StatusDisputed:
		return "disputed"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Action is one step of the escrow sub-protocol.
type Action string

const (
	ActionLock    Action = "LOCK"
	ActionRelease Action = "RELEASE"
	ActionRefund  Action = "REFUND"
	ActionDispute Action = "DISPUTE"
)

// Valid reports whether the action kind is known.
func (a Action) Valid() bool {
	switch a {
	case ActionLock, ActionRelease, ActionRefund, ActionDispute:
		return true
	default:
		return false
	}
}

// Terminal reports whether the action settles the escrow.
func (a Action) Terminal() bool {
	return a == ActionRelease || a == ActionRefund
}

func (a Action) next() Status {
	switch a {
	case ActionLock:
		return StatusLocked
	case ActionRelease:
		return StatusReleased
	case ActionRefund:
		return StatusRefunded
	case ActionDispute:
		return StatusDisputed
	default:
		return StatusNone
	}
}

// Record is one observed escrow action.
type Record struct {
	Action Action `json:"action"`
	Sender string `json:"sender"`
	Nonce  string `json:"nonce"`
	At     int64  `json:"at"`
}

// Escrow is the fund-holding sub-state of exactly one accepted bid. Type and
// ratio are copied from the listing at creation; they were fixed when the
// listing was posted and are never re-resolved.
type Escrow struct {
	BidID         market.ID          `json:"bidId"`
	Type          listing.EscrowType `json:"type"`
	BuyerRatioBps uint32             `json:"buyerRatioBps"`
	Actions       []Record           `json:"actions"`
	Status        Status             `json:"status"`
	CreatedAt     int64              `json:"createdAt"`
}

// Clone returns a deep copy so callers can mutate the result without
// affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if len(e.Actions) > 0 {
		clone.Actions = append([]Record(nil), e.Actions...)
	}
	return &clone
}

// Settled reports whether a terminal action has been recorded.
func (e *Escrow) Settled() bool {
	return e != nil && e.Status.Terminal()
}

// --- Persistence ---

const storePrefix = "escrow/"

// Store persists escrows keyed by the owning bid's identifier.
type Store struct {
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) Put(e *Escrow) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("escrow store: marshal: %w", err)
	}
	return s.db.Put(storeKey(e.BidID), raw)
}

func (s *Store) Get(bidID market.ID) (*Escrow, error) {
	raw, err := s.db.Get(storeKey(bidID))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, market.NotFoundf("escrow for bid %s", bidID.Hex())
		}
		return nil, err
	}
	e := &Escrow{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, fmt.Errorf("escrow store: unmarshal: %w", err)
	}
	return e, nil
}

func storeKey(bidID market.ID) []byte {
	return []byte(storePrefix + bidID.Hex())
}
