package escrow

import (
	"errors"
	"strings"
	"time"

	"marketd/events"
	"marketd/market"
	"marketd/market/bid"
	"marketd/market/listing"
)

var errNilState = errors.New("escrow engine: state not configured")

// ApplyResult reports how the engine handled an inbound action.
type ApplyResult uint8

const (
	ApplyApplied ApplyResult = iota
	ApplyIgnored
)

type engineState interface {
	EscrowPut(*Escrow) error
	EscrowGet(market.ID) (*Escrow, bool)
	BidGet(market.ID) (*bid.Bid, bool)
	ListingGet(market.ID) (*listing.Listing, bool)
}

// Engine drives the per-bid escrow sub-state machine. It is entered only
// once the owning bid reaches ACCEPTED; an action arriving earlier resolves
// to a prerequisite error so the reconciler can buffer it. Like the bid
// machine it is append-only with first-terminal-wins semantics.
type Engine struct {
	state   engineState
	emitter events.Emitter
	nowFn   func() int64
}

// NewEngine creates an escrow engine with a no-op emitter.
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

// Get returns a copy of the stored escrow.
func (e *Engine) Get(bidID market.ID) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	esc, ok := e.state.EscrowGet(bidID)
	if !ok {
		return nil, market.NotFoundf("escrow for bid %s", bidID.Hex())
	}
	return esc.Clone(), nil
}

// Apply records an inbound escrow action. A LOCK for a bid that is not yet
// ACCEPTED - or not yet known at all - is a prerequisite error the
// reconciler buffers. Duplicates, actions after settlement and actions from
// unauthorized senders are swallowed.
func (e *Engine) Apply(bidID market.ID, action Action, sender, nonce string, at int64) (ApplyResult, error) {
	if e == nil || e.state == nil {
		return ApplyIgnored, errNilState
	}
	if !action.Valid() {
		return ApplyIgnored, market.Validationf("unknown escrow action %q", action)
	}
	b, ok := e.state.BidGet(bidID)
	if !ok {
		return ApplyIgnored, market.NotFoundf("bid %s", bidID.Hex())
	}
	esc, ok := e.state.EscrowGet(bidID)
	if !ok {
		if action != ActionLock {
			// RELEASE/REFUND/DISPUTE before the LOCK was observed.
			return ApplyIgnored, market.Prerequisitef("escrow for bid %s not locked", bidID.Hex())
		}
		return e.applyLock(b, sender, nonce, at)
	}
	if esc.Settled() {
		return ApplyIgnored, nil
	}
	if action == ActionLock {
		// Escrow exists, so the LOCK is a re-delivery.
		return ApplyIgnored, nil
	}
	if !authorized(b, action, sender) {
		return ApplyIgnored, nil
	}
	if action == ActionDispute && esc.Status != StatusLocked {
		return ApplyIgnored, nil
	}
	if at == 0 {
		at = e.now()
	}
	esc = esc.Clone()
	esc.Actions = append(esc.Actions, Record{Action: action, Sender: sender, Nonce: nonce, At: at})
	esc.Status = action.next()
	if err := e.state.EscrowPut(esc); err != nil {
		return ApplyIgnored, err
	}
	switch action {
	case ActionRelease:
		e.emit(events.NewEscrowReleased(bidID, sender))
	case ActionRefund:
		e.emit(events.NewEscrowRefunded(bidID, sender))
	case ActionDispute:
		e.emit(events.NewEscrowDisputed(bidID, sender))
	}
	return ApplyApplied, nil
}

func (e *Engine) applyLock(b *bid.Bid, sender, nonce string, at int64) (ApplyResult, error) {
	if b.Status != bid.StatusAccepted {
		if b.Resolved() {
			// Bid ended in REJECTED/CANCELLED; the LOCK can never apply.
			return ApplyIgnored, nil
		}
		return ApplyIgnored, market.Prerequisitef("bid %s not accepted", b.ID.Hex())
	}
	if sender != b.Bidder {
		return ApplyIgnored, nil
	}
	lst, ok := e.state.ListingGet(b.ListingID)
	if !ok {
		return ApplyIgnored, market.NotFoundf("listing %s", b.ListingID.Hex())
	}
	if at == 0 {
		at = e.now()
	}
	esc := &Escrow{
		BidID:         b.ID,
		Type:          lst.Escrow.Type,
		BuyerRatioBps: lst.Escrow.BuyerRatioBps,
		Status:        StatusLocked,
		CreatedAt:     at,
		Actions: []Record{{
			Action: ActionLock,
			Sender: sender,
			Nonce:  nonce,
			At:     at,
		}},
	}
	if err := e.state.EscrowPut(esc); err != nil {
		return ApplyIgnored, err
	}
	e.emit(events.NewEscrowLocked(b.ID, sender))
	return ApplyApplied, nil
}

// Lock records a locally-initiated LOCK by the buyer. Precondition failures
// surface as errors because the caller controls them.
func (e *Engine) Lock(bidID market.ID, caller, nonce string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	b, ok := e.state.BidGet(bidID)
	if !ok {
		return nil, market.NotFoundf("bid %s", bidID.Hex())
	}
	if b.Status != bid.StatusAccepted {
		return nil, market.IllegalTransitionf("cannot lock escrow while bid is %s", b.Status)
	}
	if caller != b.Bidder {
		return nil, market.IllegalTransitionf("only the bidder locks escrow")
	}
	if _, ok := e.state.EscrowGet(bidID); ok {
		return nil, market.IllegalTransitionf("escrow for bid %s already locked", bidID.Hex())
	}
	if _, err := e.applyLock(b, caller, nonce, 0); err != nil {
		return nil, err
	}
	return e.Get(bidID)
}

// Release records a locally-initiated RELEASE by the buyer, settling funds
// to the seller. Valid from LOCKED and DISPUTED.
func (e *Engine) Release(bidID market.ID, caller, nonce string) (*Escrow, error) {
	return e.settleLocal(bidID, ActionRelease, caller, nonce)
}

// Refund records a locally-initiated REFUND by the seller, returning funds
// to the buyer. Valid from LOCKED and DISPUTED.
func (e *Engine) Refund(bidID market.ID, caller, nonce string) (*Escrow, error) {
	return e.settleLocal(bidID, ActionRefund, caller, nonce)
}

// Dispute flags the escrow as disputed. Either party may invoke it while the
// escrow is LOCKED.
func (e *Engine) Dispute(bidID market.ID, caller, nonce string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	b, esc, err := e.loadPair(bidID)
	if err != nil {
		return nil, err
	}
	if esc.Settled() {
		return nil, market.IllegalTransitionf("escrow for bid %s already %s", bidID.Hex(), esc.Status)
	}
	if esc.Status != StatusLocked {
		return nil, market.IllegalTransitionf("cannot dispute escrow in status %s", esc.Status)
	}
	if caller != b.Bidder && caller != b.Seller {
		return nil, market.IllegalTransitionf("only the buyer or seller may dispute")
	}
	if _, err := e.Apply(bidID, ActionDispute, caller, nonce, 0); err != nil {
		return nil, err
	}
	return e.Get(bidID)
}

// Resolve settles a disputed escrow according to the caller-determined
// outcome. Valid outcomes are "release" and "refund"; authorization follows
// the underlying action.
func (e *Engine) Resolve(bidID market.ID, caller, nonce, outcome string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	_, esc, err := e.loadPair(bidID)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusDisputed {
		return nil, market.IllegalTransitionf("cannot resolve escrow in status %s", esc.Status)
	}
	switch strings.ToLower(strings.TrimSpace(outcome)) {
	case "release":
		esc, err = e.settleLocal(bidID, ActionRelease, caller, nonce)
	case "refund":
		esc, err = e.settleLocal(bidID, ActionRefund, caller, nonce)
	default:
		return nil, market.Validationf("invalid resolution outcome %q", outcome)
	}
	if err != nil {
		return nil, err
	}
	e.emit(events.NewEscrowResolved(bidID, caller, strings.ToLower(strings.TrimSpace(outcome))))
	return esc, nil
}

func (e *Engine) settleLocal(bidID market.ID, action Action, caller, nonce string) (*Escrow, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	b, esc, err := e.loadPair(bidID)
	if err != nil {
		return nil, err
	}
	if esc.Settled() {
		return nil, market.IllegalTransitionf("escrow for bid %s already %s", bidID.Hex(), esc.Status)
	}
	if !authorized(b, action, caller) {
		return nil, market.IllegalTransitionf("%s requires %s", action, requiredActor(action))
	}
	if _, err := e.Apply(bidID, action, caller, nonce, 0); err != nil {
		return nil, err
	}
	return e.Get(bidID)
}

func (e *Engine) loadPair(bidID market.ID) (*bid.Bid, *Escrow, error) {
	b, ok := e.state.BidGet(bidID)
	if !ok {
		return nil, nil, market.NotFoundf("bid %s", bidID.Hex())
	}
	esc, ok := e.state.EscrowGet(bidID)
	if !ok {
		return nil, nil, market.NotFoundf("escrow for bid %s", bidID.Hex())
	}
	return b, esc, nil
}

func authorized(b *bid.Bid, action Action, sender string) bool {
	switch action {
	case ActionLock, ActionRelease:
		return sender == b.Bidder
	case ActionRefund:
		return sender == b.Seller
	case ActionDispute:
		return sender == b.Bidder || sender == b.Seller
	default:
		return false
	}
}

func requiredActor(action Action) string {
	switch action {
	case ActionRefund:
		return "the seller"
	case ActionDispute:
		return "the buyer or seller"
	default:
		return "the buyer"
	}
}
