package events

import (
	"encoding/hex"
	"math/big"
	"strconv"
)

const (
	TypeListingPosted      = "listing.posted"
	TypeBidProposed        = "bid.proposed"
	TypeBidAccepted        = "bid.accepted"
	TypeBidRejected        = "bid.rejected"
	TypeBidCancelled       = "bid.cancelled"
	TypeBidConflictIgnored = "bid.conflict_ignored"
	TypeEscrowLocked       = "escrow.locked"
	TypeEscrowReleased     = "escrow.released"
	TypeEscrowRefunded     = "escrow.refunded"
	TypeEscrowDisputed     = "escrow.disputed"
	TypeEscrowResolved     = "escrow.resolved"
	TypeReconcileTimeout   = "reconcile.timeout"
)

// ListingPosted is emitted when a local draft is posted and assigned its
// content identity.
type ListingPosted struct {
	ID     [32]byte
	Seller string
	Price  *big.Int
}

func (ListingPosted) EventType() string { return TypeListingPosted }

func (e ListingPosted) Record() *Record {
	return &Record{
		Type: TypeListingPosted,
		Attributes: map[string]string{
			"id":     hex.EncodeToString(e.ID[:]),
			"seller": e.Seller,
			"price":  formatAmount(e.Price),
		},
	}
}

// BidTransition carries the common attributes of every bid state change.
type BidTransition struct {
	Kind      string
	BidID     [32]byte
	ListingID [32]byte
	Actor     string
}

func (e BidTransition) EventType() string { return e.Kind }

func (e BidTransition) Record() *Record {
	return &Record{
		Type: e.Kind,
		Attributes: map[string]string{
			"bidId":     hex.EncodeToString(e.BidID[:]),
			"listingId": hex.EncodeToString(e.ListingID[:]),
			"actor":     e.Actor,
		},
	}
}

func NewBidProposed(bidID, listingID [32]byte, actor string) BidTransition {
	return BidTransition{Kind: TypeBidProposed, BidID: bidID, ListingID: listingID, Actor: actor}
}

func NewBidAccepted(bidID, listingID [32]byte, actor string) BidTransition {
	return BidTransition{Kind: TypeBidAccepted, BidID: bidID, ListingID: listingID, Actor: actor}
}

func NewBidRejected(bidID, listingID [32]byte, actor string) BidTransition {
	return BidTransition{Kind: TypeBidRejected, BidID: bidID, ListingID: listingID, Actor: actor}
}

func NewBidCancelled(bidID, listingID [32]byte, actor string) BidTransition {
	return BidTransition{Kind: TypeBidCancelled, BidID: bidID, ListingID: listingID, Actor: actor}
}

// BidConflictIgnored records a terminal action that arrived after the bid had
// already resolved. The node swallows the transition; this event is the only
// trace left for operators.
type BidConflictIgnored struct {
	BidID    [32]byte
	Resolved string
	Ignored  string
	Sender   string
}

func (BidConflictIgnored) EventType() string { return TypeBidConflictIgnored }

func (e BidConflictIgnored) Record() *Record {
	return &Record{
		Type: TypeBidConflictIgnored,
		Attributes: map[string]string{
			"bidId":    hex.EncodeToString(e.BidID[:]),
			"resolved": e.Resolved,
			"ignored":  e.Ignored,
			"sender":   e.Sender,
		},
	}
}

// EscrowTransition carries the common attributes of every escrow state change.
type EscrowTransition struct {
	Kind    string
	BidID   [32]byte
	Actor   string
	Outcome string
}

func (e EscrowTransition) EventType() string { return e.Kind }

func (e EscrowTransition) Record() *Record {
	attrs := map[string]string{
		"bidId": hex.EncodeToString(e.BidID[:]),
		"actor": e.Actor,
	}
	if e.Outcome != "" {
		attrs["outcome"] = e.Outcome
	}
	return &Record{Type: e.Kind, Attributes: attrs}
}

func NewEscrowLocked(bidID [32]byte, actor string) EscrowTransition {
	return EscrowTransition{Kind: TypeEscrowLocked, BidID: bidID, Actor: actor}
}

func NewEscrowReleased(bidID [32]byte, actor string) EscrowTransition {
	return EscrowTransition{Kind: TypeEscrowReleased, BidID: bidID, Actor: actor}
}

func NewEscrowRefunded(bidID [32]byte, actor string) EscrowTransition {
	return EscrowTransition{Kind: TypeEscrowRefunded, BidID: bidID, Actor: actor}
}

func NewEscrowDisputed(bidID [32]byte, actor string) EscrowTransition {
	return EscrowTransition{Kind: TypeEscrowDisputed, BidID: bidID, Actor: actor}
}

func NewEscrowResolved(bidID [32]byte, actor, outcome string) EscrowTransition {
	return EscrowTransition{Kind: TypeEscrowResolved, BidID: bidID, Actor: actor, Outcome: outcome}
}

// ReconcileTimeout reports a buffered envelope whose retry budget ran out
// before its prerequisites appeared.
type ReconcileTimeout struct {
	EnvelopeID string
	ListingID  [32]byte
	BidID      [32]byte
	Attempts   int
}

func (ReconcileTimeout) EventType() string { return TypeReconcileTimeout }

func (e ReconcileTimeout) Record() *Record {
	return &Record{
		Type: TypeReconcileTimeout,
		Attributes: map[string]string{
			"envelopeId": e.EnvelopeID,
			"listingId":  hex.EncodeToString(e.ListingID[:]),
			"bidId":      hex.EncodeToString(e.BidID[:]),
			"attempts":   strconv.Itoa(e.Attempts),
		},
	}
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
