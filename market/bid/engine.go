package bid

import (
	"errors"
	"math/big"
	"strings"
	"time"

	"marketd/events"
	"marketd/market"
	"marketd/market/listing"
)

var errNilState = errors.New("bid engine: state not configured")

// ApplyResult reports how the engine handled an inbound action.
type ApplyResult uint8

const (
	// ApplyApplied means the action transitioned the bid.
	ApplyApplied ApplyResult = iota
	// ApplyIgnored means the action was a duplicate, arrived after the bid
	// resolved, or came from an unauthorized sender. The bid is unchanged
	// and the caller must not treat this as an error.
	ApplyIgnored
)

type engineState interface {
	BidPut(*Bid) error
	BidGet(market.ID) (*Bid, bool)
	ListingGet(market.ID) (*listing.Listing, bool)
}

// Proposal carries the fields of an inbound or local PROPOSE action.
type Proposal struct {
	ListingID market.ID
	Bidder    string
	Amount    string
	Nonce     string
	At        int64
}

// Engine drives the per-bid negotiation state machine. Transitions are
// append-only and monotone: once a terminal action is recorded, every later
// terminal action for the same bid is swallowed, so replay and reordering of
// messages after resolution cannot desynchronize two nodes.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates a bid engine with a no-op emitter. Callers can override
// the emitter via SetEmitter.
func NewEngine() *Engine {
	return &Engine{
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter. Passing nil resets it to a no-op.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

// Get returns a copy of the stored bid.
func (e *Engine) Get(id market.ID) (*Bid, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	b, ok := e.state.BidGet(id)
	if !ok {
		return nil, market.NotFoundf("bid %s", id.Hex())
	}
	return b.Clone(), nil
}

// ApplyProposal records a PROPOSE action. It is idempotent: re-delivery of a
// proposal for an existing bid is ignored. An unknown listing identity is a
// not-found error so the reconciler can buffer the message until the listing
// arrives.
func (e *Engine) ApplyProposal(p Proposal) (*Bid, ApplyResult, error) {
	if e == nil || e.state == nil {
		return nil, ApplyIgnored, errNilState
	}
	bidder := strings.TrimSpace(p.Bidder)
	if bidder == "" {
		return nil, ApplyIgnored, market.Validationf("proposal bidder required")
	}
	if _, err := parseAmount(p.Amount); err != nil {
		return nil, ApplyIgnored, err
	}
	lst, ok := e.state.ListingGet(p.ListingID)
	if !ok {
		return nil, ApplyIgnored, market.NotFoundf("listing %s", p.ListingID.Hex())
	}
	if lst.Payment == nil {
		return nil, ApplyIgnored, market.Validationf("listing %s has no payment block", p.ListingID.Hex())
	}
	seller := lst.Payment.Address
	id := DeriveID(p.ListingID, bidder, p.Nonce)
	if existing, ok := e.state.BidGet(id); ok {
		return existing.Clone(), ApplyIgnored, nil
	}
	if bidder == seller {
		// A seller proposing against their own listing is protocol noise.
		return nil, ApplyIgnored, nil
	}
	at := p.At
	if at == 0 {
		at = e.now()
	}
	b := &Bid{
		ID:        id,
		ListingID: p.ListingID,
		Bidder:    bidder,
		Seller:    seller,
		Amount:    strings.TrimSpace(p.Amount),
		Status:    StatusProposed,
		CreatedAt: at,
		Actions: []Record{{
			Action: ActionPropose,
			Sender: bidder,
			Nonce:  p.Nonce,
			At:     at,
		}},
	}
	if err := e.state.BidPut(b); err != nil {
		return nil, ApplyIgnored, err
	}
	e.emit(events.NewBidProposed(b.ID, b.ListingID, bidder))
	return b.Clone(), ApplyApplied, nil
}

// ApplyTerminal records an inbound terminal action. Only the first terminal
// action observed for a bid is honored; later terminals, duplicates and
// actions from unauthorized senders are swallowed and reported via events
// rather than surfaced as errors. A missing bid is a not-found error so the
// reconciler can buffer the message until the PROPOSE arrives.
func (e *Engine) ApplyTerminal(bidID market.ID, action Action, sender, nonce string, at int64) (ApplyResult, error) {
	if e == nil || e.state == nil {
		return ApplyIgnored, errNilState
	}
	if !action.Terminal() {
		return ApplyIgnored, market.Validationf("action %s is not terminal", action)
	}
	b, ok := e.state.BidGet(bidID)
	if !ok {
		return ApplyIgnored, market.NotFoundf("bid %s", bidID.Hex())
	}
	if b.Resolved() {
		if b.Status != action.next() {
			e.emit(events.BidConflictIgnored{
				BidID:    b.ID,
				Resolved: b.Status.String(),
				Ignored:  string(action),
				Sender:   sender,
			})
		}
		return ApplyIgnored, nil
	}
	if !authorized(b, action, sender) {
		return ApplyIgnored, nil
	}
	if at == 0 {
		at = e.now()
	}
	b = b.Clone()
	b.Actions = append(b.Actions, Record{Action: action, Sender: sender, Nonce: nonce, At: at})
	b.Status = action.next()
	if err := e.state.BidPut(b); err != nil {
		return ApplyIgnored, err
	}
	switch action {
	case ActionAccept:
		e.emit(events.NewBidAccepted(b.ID, b.ListingID, sender))
	case ActionReject:
		e.emit(events.NewBidRejected(b.ID, b.ListingID, sender))
	case ActionCancel:
		e.emit(events.NewBidCancelled(b.ID, b.ListingID, sender))
	}
	return ApplyApplied, nil
}

// Propose validates and records a locally-initiated bid. Unlike the inbound
// path, precondition failures surface as errors the caller controls.
func (e *Engine) Propose(listingID market.ID, bidder, amount, nonce string) (*Bid, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	lst, ok := e.state.ListingGet(listingID)
	if !ok {
		return nil, market.NotFoundf("listing %s", listingID.Hex())
	}
	if lst.Payment != nil && lst.Payment.Address == strings.TrimSpace(bidder) {
		return nil, market.IllegalTransitionf("cannot bid on own listing")
	}
	b, result, err := e.ApplyProposal(Proposal{
		ListingID: listingID,
		Bidder:    bidder,
		Amount:    amount,
		Nonce:     nonce,
	})
	if err != nil {
		return nil, err
	}
	if result == ApplyIgnored && b == nil {
		return nil, market.IllegalTransitionf("proposal not recorded")
	}
	return b, nil
}

// Accept records a locally-initiated ACCEPT by the seller.
func (e *Engine) Accept(bidID market.ID, caller, nonce string) (*Bid, error) {
	return e.resolveLocal(bidID, ActionAccept, caller, nonce)
}

// Reject records a locally-initiated REJECT by the seller.
func (e *Engine) Reject(bidID market.ID, caller, nonce string) (*Bid, error) {
	return e.resolveLocal(bidID, ActionReject, caller, nonce)
}

// Cancel records a locally-initiated CANCEL by the bidder.
func (e *Engine) Cancel(bidID market.ID, caller, nonce string) (*Bid, error) {
	return e.resolveLocal(bidID, ActionCancel, caller, nonce)
}

func (e *Engine) resolveLocal(bidID market.ID, action Action, caller, nonce string) (*Bid, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	b, ok := e.state.BidGet(bidID)
	if !ok {
		return nil, market.NotFoundf("bid %s", bidID.Hex())
	}
	if b.Resolved() {
		return nil, market.IllegalTransitionf("bid %s already %s", b.ID.Hex(), b.Status)
	}
	if !authorized(b, action, caller) {
		return nil, market.IllegalTransitionf("%s requires %s", action, requiredActor(action))
	}
	if _, err := e.ApplyTerminal(bidID, action, caller, nonce, 0); err != nil {
		return nil, err
	}
	return e.Get(bidID)
}

func authorized(b *Bid, action Action, sender string) bool {
	switch action {
	case ActionAccept, ActionReject:
		return sender == b.Seller
	case ActionCancel:
		return sender == b.Bidder
	default:
		return false
	}
}

func requiredActor(action Action) string {
	if action == ActionCancel {
		return "the bidder"
	}
	return "the listing's seller"
}

func parseAmount(value string) (*big.Rat, error) {
	amount, ok := new(big.Rat).SetString(strings.TrimSpace(value))
	if !ok {
		return nil, market.Validationf("invalid bid amount %q", value)
	}
	if amount.Sign() <= 0 {
		return nil, market.Validationf("bid amount must be positive")
	}
	return amount, nil
}
