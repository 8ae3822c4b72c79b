// Package order derives the user-facing order view from the bid and escrow
// state machines. It owns no state and performs no transitions: the same
// (bid, escrow) snapshot always maps to the same status, which keeps the
// replay-tolerant logic confined to the two machines.
package order

import (
	"marketd/market"
	"marketd/market/bid"
	"marketd/market/escrow"
)

// Status is the projected order state shown on the read path.
type Status string

const (
	StatusPending        Status = "PENDING"
	StatusCancelled      Status = "CANCELLED"
	StatusRejected       Status = "REJECTED"
	StatusAwaitingEscrow Status = "AWAITING_ESCROW"
	StatusEscrowLocked   Status = "ESCROW_LOCKED"
	StatusComplete       Status = "COMPLETE"
	StatusRefunded       Status = "REFUNDED"
	StatusDisputed       Status = "DISPUTED"
)

// DeriveStatus maps a (bid, escrow) snapshot onto the order status. The
// escrow may be nil when no LOCK has been observed. Evaluation order matters:
// a resolved-negative bid wins over any escrow state, and a settled escrow
// wins over the locked/disputed states it passed through.
func DeriveStatus(b *bid.Bid, esc *escrow.Escrow) (Status, error) {
	if b == nil {
		return "", market.Validationf("nil bid")
	}
	switch b.Status {
	case bid.StatusCancelled:
		return StatusCancelled, nil
	case bid.StatusRejected:
		return StatusRejected, nil
	case bid.StatusProposed:
		return StatusPending, nil
	case bid.StatusAccepted:
		// fall through to escrow inspection
	default:
		return "", market.Validationf("bid %s has invalid status %s", b.ID.Hex(), b.Status)
	}
	if esc == nil || esc.Status == escrow.StatusNone {
		return StatusAwaitingEscrow, nil
	}
	switch esc.Status {
	case escrow.StatusLocked:
		return StatusEscrowLocked, nil
	case escrow.StatusReleased:
		return StatusComplete, nil
	case escrow.StatusRefunded:
		return StatusRefunded, nil
	case escrow.StatusDisputed:
		return StatusDisputed, nil
	default:
		return "", market.Validationf("escrow for bid %s has invalid status %s", b.ID.Hex(), esc.Status)
	}
}

// Item is the per-listing line of an order view. A bid covers exactly one
// listing, so an order carries a single item; the shape leaves room for
// multi-item carts without changing the read path.
type Item struct {
	ListingID market.ID `json:"listingId"`
	Amount    string    `json:"amount"`
	Status    Status    `json:"status"`
}

// Order is the assembled read-side view of one bid's lifecycle.
type Order struct {
	BidID     market.ID `json:"bidId"`
	ListingID market.ID `json:"listingId"`
	Buyer     string    `json:"buyer"`
	Seller    string    `json:"seller"`
	Status    Status    `json:"status"`
	Items     []Item    `json:"items"`
}

// View assembles the order projection for a bid and its optional escrow.
func View(b *bid.Bid, esc *escrow.Escrow) (*Order, error) {
	status, err := DeriveStatus(b, esc)
	if err != nil {
		return nil, err
	}
	return &Order{
		BidID:     b.ID,
		ListingID: b.ListingID,
		Buyer:     b.Bidder,
		Seller:    b.Seller,
		Status:    status,
		Items: []Item{{
			ListingID: b.ListingID,
			Amount:    b.Amount,
			Status:    status,
		}},
	}, nil
}
