// Package core wires the marketplace state machines, the reconciler, and
// the outbound transport into one node facade consumed by the RPC and
// gateway layers.
package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"marketd/crypto"
	"marketd/events"
	"marketd/market"
	"marketd/market/bid"
	"marketd/market/escrow"
	"marketd/market/listing"
	"marketd/market/order"
	"marketd/market/reconcile"
	"marketd/p2p"
	"marketd/storage"
)

// NodeOptions configure the facade. Zero values fall back to defaults.
type NodeOptions struct {
	Emitter events.Emitter
	Logger  *slog.Logger
	// Broadcaster carries outbound envelopes to the messaging layer. When
	// nil the node operates ingest-only, which is how most tests run it.
	Broadcaster p2p.Broadcaster
	// QueueDepth bounds the outbound queue.
	QueueDepth int
	Reconcile  reconcile.Options
}

// Node is the central controller. All state-changing local operations are
// serialized with inbound reconciliation for the same listing, and outbound
// broadcast happens strictly after the listing lock is released.
type Node struct {
	db      storage.Database
	state   *State
	key     *crypto.PrivateKey
	address string

	bids    *bid.Engine
	escrows *escrow.Engine
	rec     *reconcile.Reconciler

	outbound *p2p.OutboundQueue
	emitter  events.Emitter
	logger   *slog.Logger
	nowFn    func() int64

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewNode assembles the engines, reconciler, and outbound queue over a
// shared database. The private key identifies this node as a market
// participant; its address is the sender of every local action.
func NewNode(db storage.Database, key *crypto.PrivateKey, opts NodeOptions) (*Node, error) {
	if key == nil {
		return nil, market.Validationf("node key required")
	}
	if opts.Emitter == nil {
		opts.Emitter = events.NoopEmitter{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	state := NewState(db)

	bidEngine := bid.NewEngine()
	bidEngine.SetState(state)
	bidEngine.SetEmitter(opts.Emitter)

	escrowEngine := escrow.NewEngine()
	escrowEngine.SetState(state)
	escrowEngine.SetEmitter(opts.Emitter)

	recOpts := opts.Reconcile
	if recOpts.Emitter == nil {
		recOpts.Emitter = opts.Emitter
	}
	if recOpts.Logger == nil {
		recOpts.Logger = opts.Logger
	}
	rec := reconcile.New(db, bidEngine, escrowEngine, state.Listings(), recOpts)

	var outbound *p2p.OutboundQueue
	if opts.Broadcaster != nil {
		outbound = p2p.NewOutboundQueue(opts.Broadcaster, opts.Logger, opts.QueueDepth)
	}

	return &Node{
		db:       db,
		state:    state,
		key:      key,
		address:  key.PubKey().Address().String(),
		bids:     bidEngine,
		escrows:  escrowEngine,
		rec:      rec,
		outbound: outbound,
		emitter:  opts.Emitter,
		logger:   opts.Logger,
		nowFn:    func() int64 { return time.Now().Unix() },
	}, nil
}

// Address returns the node's bech32 market address.
func (n *Node) Address() string { return n.address }

// State exposes the store adapter for read-model construction.
func (n *Node) State() *State { return n.state }

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (n *Node) SetNowFunc(now func() int64) {
	if now == nil {
		return
	}
	n.nowFn = now
	n.bids.SetNowFunc(now)
	n.escrows.SetNowFunc(now)
	n.rec.SetNowFunc(now)
}

// Start launches the outbound drain and the reconciler janitor.
func (n *Node) Start(ctx context.Context) {
	n.startOnce.Do(func() {
		if n.outbound != nil {
			n.outbound.Start(ctx)
		}
		n.rec.StartJanitor(ctx)
	})
}

// Stop halts the background loops, draining queued outbound envelopes.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		if n.outbound != nil {
			n.outbound.Stop()
		}
		n.rec.StopJanitor()
	})
}

// HandleEnvelope is the inbound entry point wired to the messaging client.
func (n *Node) HandleEnvelope(ctx context.Context, env *p2p.Envelope) error {
	outcome, err := n.rec.Ingest(ctx, env)
	if err != nil {
		n.logger.Warn("inbound envelope not applied",
			slog.String("kind", env.Kind),
			slog.String("outcome", outcome.String()),
			slog.Any("error", err))
	}
	// Ingestion errors are per-envelope; the transport keeps reading.
	return nil
}

// --- Listing operations ---

// PostListing assigns the content identity, persists the listing, and
// publishes it. The returned listing carries the derived identity.
func (n *Node) PostListing(l *listing.Listing) (*listing.Listing, error) {
	if l == nil {
		return nil, market.Validationf("nil listing")
	}
	posted := l.Clone()
	if err := listing.Post(posted, n.nowFn()); err != nil {
		return nil, err
	}
	err := n.rec.WithListingLock(posted.ID, func() error {
		return n.state.Listings().Put(posted)
	})
	if err != nil {
		return nil, err
	}
	n.broadcast(&p2p.Envelope{
		Kind:      p2p.KindListingPublish,
		ListingID: posted.ID,
		Sender:    n.address,
		Nonce:     uuid.NewString(),
		SentAt:    n.nowFn(),
		Payload:   p2p.MustPayload(p2p.ListingPublishPayload{Listing: *posted}),
	})
	return posted, nil
}

// GetListing returns the stored listing by content identity.
func (n *Node) GetListing(id market.ID) (*listing.Listing, error) {
	return n.state.Listings().Get(id)
}

// --- Bid operations ---

// PlaceBid opens a negotiation against a known listing with this node as
// the buyer.
func (n *Node) PlaceBid(listingID market.ID, amount string) (*bid.Bid, error) {
	nonce := uuid.NewString()
	var placed *bid.Bid
	err := n.rec.WithListingLock(listingID, func() error {
		b, err := n.bids.Propose(listingID, n.address, amount, nonce)
		if err != nil {
			return err
		}
		placed = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.broadcast(&p2p.Envelope{
		Kind:      p2p.KindBidPropose,
		ListingID: listingID,
		Sender:    n.address,
		Nonce:     nonce,
		SentAt:    n.nowFn(),
		Payload:   p2p.MustPayload(p2p.BidProposePayload{Amount: placed.Amount}),
	})
	return placed, nil
}

// AcceptBid resolves a bid on this node's listing in the buyer's favor.
func (n *Node) AcceptBid(bidID market.ID) (*bid.Bid, error) {
	return n.resolveBid(bidID, p2p.KindBidAccept, n.bids.Accept)
}

// RejectBid resolves a bid on this node's listing against the buyer.
func (n *Node) RejectBid(bidID market.ID) (*bid.Bid, error) {
	return n.resolveBid(bidID, p2p.KindBidReject, n.bids.Reject)
}

// CancelBid withdraws a bid this node placed.
func (n *Node) CancelBid(bidID market.ID) (*bid.Bid, error) {
	return n.resolveBid(bidID, p2p.KindBidCancel, n.bids.Cancel)
}

func (n *Node) resolveBid(bidID market.ID, kind string, op func(market.ID, string, string) (*bid.Bid, error)) (*bid.Bid, error) {
	existing, err := n.state.Bids().Get(bidID)
	if err != nil {
		return nil, err
	}
	nonce := uuid.NewString()
	var resolved *bid.Bid
	err = n.rec.WithListingLock(existing.ListingID, func() error {
		b, err := op(bidID, n.address, nonce)
		if err != nil {
			return err
		}
		resolved = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.broadcast(&p2p.Envelope{
		Kind:      kind,
		ListingID: existing.ListingID,
		Sender:    n.address,
		Nonce:     nonce,
		SentAt:    n.nowFn(),
		Payload:   p2p.MustPayload(p2p.BidActionPayload{BidID: bidID}),
	})
	return resolved, nil
}

// GetBid returns a bid with its full action history.
func (n *Node) GetBid(bidID market.ID) (*bid.Bid, error) {
	return n.state.Bids().Get(bidID)
}

// --- Escrow operations ---

// LockEscrow funds the escrow for an accepted bid this node placed.
func (n *Node) LockEscrow(bidID market.ID) (*escrow.Escrow, error) {
	return n.settleEscrow(bidID, p2p.KindEscrowLock, n.escrows.Lock)
}

// ReleaseEscrow releases the held funds to the seller.
func (n *Node) ReleaseEscrow(bidID market.ID) (*escrow.Escrow, error) {
	return n.settleEscrow(bidID, p2p.KindEscrowRelease, n.escrows.Release)
}

// RefundEscrow returns the held funds to the buyer.
func (n *Node) RefundEscrow(bidID market.ID) (*escrow.Escrow, error) {
	return n.settleEscrow(bidID, p2p.KindEscrowRefund, n.escrows.Refund)
}

// DisputeEscrow flags a locked escrow for dispute.
func (n *Node) DisputeEscrow(bidID market.ID) (*escrow.Escrow, error) {
	return n.settleEscrow(bidID, p2p.KindEscrowDispute, n.escrows.Dispute)
}

// ResolveEscrow settles a disputed escrow with the given outcome, either
// "release" or "refund". The settlement is broadcast under the outcome's
// envelope kind so remote machines converge through the ordinary path.
func (n *Node) ResolveEscrow(bidID market.ID, outcome string) (*escrow.Escrow, error) {
	kind := p2p.KindEscrowRelease
	if outcome == "refund" {
		kind = p2p.KindEscrowRefund
	}
	return n.settleEscrow(bidID, kind, func(id market.ID, caller, nonce string) (*escrow.Escrow, error) {
		return n.escrows.Resolve(id, caller, nonce, outcome)
	})
}

func (n *Node) settleEscrow(bidID market.ID, kind string, op func(market.ID, string, string) (*escrow.Escrow, error)) (*escrow.Escrow, error) {
	b, err := n.state.Bids().Get(bidID)
	if err != nil {
		return nil, err
	}
	nonce := uuid.NewString()
	var settled *escrow.Escrow
	err = n.rec.WithListingLock(b.ListingID, func() error {
		esc, err := op(bidID, n.address, nonce)
		if err != nil {
			return err
		}
		settled = esc
		return nil
	})
	if err != nil {
		return nil, err
	}
	n.broadcast(&p2p.Envelope{
		Kind:      kind,
		ListingID: b.ListingID,
		Sender:    n.address,
		Nonce:     nonce,
		SentAt:    n.nowFn(),
		Payload:   p2p.MustPayload(p2p.EscrowActionPayload{BidID: bidID}),
	})
	return settled, nil
}

// --- Order projection ---

// GetOrder assembles the read-side order view for a bid.
func (n *Node) GetOrder(bidID market.ID) (*order.Order, error) {
	b, err := n.state.Bids().Get(bidID)
	if err != nil {
		return nil, err
	}
	esc, err := n.state.EscrowMaybe(bidID)
	if err != nil {
		return nil, err
	}
	return order.View(b, esc)
}

// broadcast enqueues an envelope for delivery. It must only be called after
// the listing lock has been released; Enqueue never blocks.
func (n *Node) broadcast(env *p2p.Envelope) {
	if n.outbound == nil {
		return
	}
	if err := n.outbound.Enqueue(env); err != nil {
		n.logger.Warn("outbound envelope dropped",
			slog.String("kind", env.Kind),
			slog.Any("error", err))
	}
}
