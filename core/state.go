package core

import (
	"errors"

	"marketd/market"
	"marketd/market/bid"
	"marketd/market/escrow"
	"marketd/market/listing"
	"marketd/storage"
)

// State adapts the persistent stores to the narrow lookup surfaces the
// engines consume. Missing entries surface as a false second return; real
// storage failures are indistinguishable from absence here, which is
// acceptable because engines re-check on the write path.
type State struct {
	listings *listing.Store
	bids     *bid.Store
	escrows  *escrow.Store
}

// NewState opens the three stores over a shared database.
func NewState(db storage.Database) *State {
	return &State{
		listings: listing.NewStore(db),
		bids:     bid.NewStore(db),
		escrows:  escrow.NewStore(db),
	}
}

// Listings exposes the listing store for the read paths.
func (s *State) Listings() *listing.Store { return s.listings }

// Bids exposes the bid store for the read paths.
func (s *State) Bids() *bid.Store { return s.bids }

// Escrows exposes the escrow store for the read paths.
func (s *State) Escrows() *escrow.Store { return s.escrows }

func (s *State) ListingGet(id market.ID) (*listing.Listing, bool) {
	l, err := s.listings.Get(id)
	if err != nil {
		return nil, false
	}
	return l, true
}

func (s *State) BidPut(b *bid.Bid) error { return s.bids.Put(b) }

func (s *State) BidGet(id market.ID) (*bid.Bid, bool) {
	b, err := s.bids.Get(id)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (s *State) EscrowPut(e *escrow.Escrow) error { return s.escrows.Put(e) }

func (s *State) EscrowGet(bidID market.ID) (*escrow.Escrow, bool) {
	e, err := s.escrows.Get(bidID)
	if err != nil {
		return nil, false
	}
	return e, true
}

// EscrowMaybe returns the escrow for a bid, treating absence as a nil
// escrow rather than an error. The order projection accepts nil.
func (s *State) EscrowMaybe(bidID market.ID) (*escrow.Escrow, error) {
	e, err := s.escrows.Get(bidID)
	if err != nil {
		if errors.Is(err, market.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}
