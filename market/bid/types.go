package bid

import (
	"encoding/json"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"marketd/market"
	"marketd/storage"
)

// Status represents the lifecycle states of a bid negotiation.
type Status uint8

const (
	StatusNone Status = iota
	StatusProposed
	StatusAccepted
	StatusRejected
	StatusCancelled
)

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusNone, StatusProposed, StatusAccepted, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends the bid's mutable lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRejected, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusProposed:
		return "proposed"
	case StatusAccepted:
		return "accepted"
	case StatusRejected:
		return "rejected"
	case StatusCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Action is one step of the negotiation protocol.
type Action string

const (
	ActionPropose Action = "PROPOSE"
	ActionAccept  Action = "ACCEPT"
	ActionReject  Action = "REJECT"
	ActionCancel  Action = "CANCEL"
)

// Valid reports whether the action kind is known.
func (a Action) Valid() bool {
	switch a {
	case ActionPropose, ActionAccept, ActionReject, ActionCancel:
		return true
	default:
		return false
	}
}

// Terminal reports whether the action resolves the negotiation.
func (a Action) Terminal() bool {
	switch a {
	case ActionAccept, ActionReject, ActionCancel:
		return true
	default:
		return false
	}
}

// next returns the status a terminal action resolves to.
func (a Action) next() Status {
	switch a {
	case ActionAccept:
		return StatusAccepted
	case ActionReject:
		return StatusRejected
	case ActionCancel:
		return StatusCancelled
	default:
		return StatusNone
	}
}

// Record is one observed action. Bids mutate only by appending records;
// Status is derived from the sequence and never edited in place.
type Record struct {
	Action Action `json:"action"`
	Sender string `json:"sender"`
	Nonce  string `json:"nonce"`
	At     int64  `json:"at"`
}

// Bid is one buyer's offer against one listing. Seller is copied from the
// listing when the bid is created and never re-resolved, so a later listing
// mutation on the seller's node cannot retroactively change who may accept.
type Bid struct {
	ID        market.ID `json:"id"`
	ListingID market.ID `json:"listingId"`
	Bidder    string    `json:"bidder"`
	Seller    string    `json:"seller"`
	Amount    string    `json:"amount"`
	Actions   []Record  `json:"actions"`
	Status    Status    `json:"status"`
	CreatedAt int64     `json:"createdAt"`
}

// DeriveID computes the deterministic bid identifier from the listing
// identity, the bidder address and the proposer's nonce.
func DeriveID(listingID market.ID, bidder, nonce string) market.ID {
	digest := ethcrypto.Keccak256(listingID[:], []byte(strings.TrimSpace(bidder)), []byte(strings.TrimSpace(nonce)))
	var id market.ID
	copy(id[:], digest)
	return id
}

// Clone returns a deep copy so callers can mutate the result without
// affecting the stored instance.
func (b *Bid) Clone() *Bid {
	if b == nil {
		return nil
	}
	clone := *b
	if len(b.Actions) > 0 {
		clone.Actions = append([]Record(nil), b.Actions...)
	}
	return &clone
}

// Resolved reports whether a terminal action has been recorded.
func (b *Bid) Resolved() bool {
	return b != nil && b.Status.Terminal()
}

// --- Persistence ---

const storePrefix = "bid/"

// Store persists bids keyed by their derived identifier.
type Store struct {
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) Put(b *Bid) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("bid store: marshal: %w", err)
	}
	return s.db.Put(storeKey(b.ID), raw)
}

func (s *Store) Get(id market.ID) (*Bid, error) {
	raw, err := s.db.Get(storeKey(id))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, market.NotFoundf("bid %s", id.Hex())
		}
		return nil, err
	}
	b := &Bid{}
	if err := json.Unmarshal(raw, b); err != nil {
		return nil, fmt.Errorf("bid store: unmarshal: %w", err)
	}
	return b, nil
}

// ByListing returns every bid recorded against a listing.
func (s *Store) ByListing(listingID market.ID) ([]*Bid, error) {
	bids := make([]*Bid, 0)
	var scanErr error
	err := s.db.IteratePrefix([]byte(storePrefix), func(key, value []byte) bool {
		b := &Bid{}
		if err := json.Unmarshal(value, b); err != nil {
			scanErr = fmt.Errorf("bid store: unmarshal %s: %w", key, err)
			return false
		}
		if b.ListingID == listingID {
			bids = append(bids, b)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return bids, nil
}

func storeKey(id market.ID) []byte {
	return []byte(storePrefix + id.Hex())
}
