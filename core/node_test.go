package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketd/crypto"
	"marketd/market"
	"marketd/market/bid"
	"marketd/market/escrow"
	"marketd/market/listing"
	"marketd/market/order"
	"marketd/p2p"
	"marketd/storage"
)

type nodeFixture struct {
	node   *Node
	key    *crypto.PrivateKey
	sent   chan *p2p.Envelope
	cancel context.CancelFunc
}

func newNodeFixture(t *testing.T) *nodeFixture {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	sent := make(chan *p2p.Envelope, 32)
	broadcaster := p2p.BroadcasterFunc(func(ctx context.Context, env *p2p.Envelope) error {
		sent <- env
		return nil
	})

	node, err := NewNode(storage.NewMemDB(), key, NodeOptions{Broadcaster: broadcaster})
	require.NoError(t, err)
	node.SetNowFunc(func() int64 { return 1_000 })

	ctx, cancel := context.WithCancel(context.Background())
	node.Start(ctx)
	t.Cleanup(func() {
		node.Stop()
		cancel()
	})
	return &nodeFixture{node: node, key: key, sent: sent, cancel: cancel}
}

func (f *nodeFixture) awaitBroadcast(t *testing.T, kind string) *p2p.Envelope {
	t.Helper()
	select {
	case env := <-f.sent:
		require.Equal(t, kind, env.Kind)
		return env
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s envelope broadcast", kind)
		return nil
	}
}

func (f *nodeFixture) draftListing(t *testing.T) *listing.Listing {
	t.Helper()
	return &listing.Listing{
		Title:            "Road bike",
		ShortDescription: "Carbon frame",
		Pricing:          &listing.Pricing{Currency: "BTC", BasePrice: "0.8"},
		Payment: &listing.Payment{
			Address:      f.node.Address(),
			MessagingKey: f.key.PubKey().Hex(),
		},
		Escrow:    listing.EscrowTerms{Type: listing.EscrowTypeRatio, BuyerRatioBps: 5000},
		CreatedAt: 900,
	}
}

// ingest feeds a hand-built envelope into the node, simulating a remote
// peer's action arriving over the messaging layer.
func (f *nodeFixture) ingest(t *testing.T, env *p2p.Envelope) {
	t.Helper()
	require.NoError(t, f.node.HandleEnvelope(context.Background(), env))
}

func TestPostListingAssignsIdentityAndPublishes(t *testing.T) {
	f := newNodeFixture(t)

	posted, err := f.node.PostListing(f.draftListing(t))
	require.NoError(t, err)
	require.False(t, posted.ID.IsZero())
	require.True(t, posted.Posted())

	stored, err := f.node.GetListing(posted.ID)
	require.NoError(t, err)
	require.Equal(t, posted.ID, stored.ID)

	env := f.awaitBroadcast(t, p2p.KindListingPublish)
	require.Equal(t, posted.ID, env.ListingID)
	require.Equal(t, f.node.Address(), env.Sender)
}

func TestPlaceBidOnOwnListingRejected(t *testing.T) {
	f := newNodeFixture(t)

	posted, err := f.node.PostListing(f.draftListing(t))
	require.NoError(t, err)
	f.awaitBroadcast(t, p2p.KindListingPublish)

	_, err = f.node.PlaceBid(posted.ID, "0.5")
	require.ErrorIs(t, err, market.ErrIllegalTransition)
}

func TestPlaceBidUnknownListing(t *testing.T) {
	f := newNodeFixture(t)

	_, err := f.node.PlaceBid(market.ID{9}, "0.5")
	require.ErrorIs(t, err, market.ErrNotFound)
}

// Full seller-side lifecycle: a remote buyer proposes and funds escrow over
// the wire, the local node accepts and the order projection follows along.
func TestSellerLifecycleWithRemoteBuyer(t *testing.T) {
	f := newNodeFixture(t)

	posted, err := f.node.PostListing(f.draftListing(t))
	require.NoError(t, err)
	f.awaitBroadcast(t, p2p.KindListingPublish)

	buyer := "mkt1remotebuyerremotebuyerremotebuyer"
	proposeNonce := "buyer-propose-1"
	f.ingest(t, &p2p.Envelope{
		Kind:      p2p.KindBidPropose,
		ListingID: posted.ID,
		Sender:    buyer,
		Nonce:     proposeNonce,
		SentAt:    1_001,
		Payload:   p2p.MustPayload(p2p.BidProposePayload{Amount: "0.7"}),
	})

	bidID := bid.DeriveID(posted.ID, buyer, proposeNonce)
	placed, err := f.node.GetBid(bidID)
	require.NoError(t, err)
	require.Equal(t, bid.StatusProposed, placed.Status)

	o, err := f.node.GetOrder(bidID)
	require.NoError(t, err)
	require.Equal(t, order.StatusPending, o.Status)

	accepted, err := f.node.AcceptBid(bidID)
	require.NoError(t, err)
	require.Equal(t, bid.StatusAccepted, accepted.Status)
	f.awaitBroadcast(t, p2p.KindBidAccept)

	o, err = f.node.GetOrder(bidID)
	require.NoError(t, err)
	require.Equal(t, order.StatusAwaitingEscrow, o.Status)

	f.ingest(t, &p2p.Envelope{
		Kind:      p2p.KindEscrowLock,
		ListingID: posted.ID,
		Sender:    buyer,
		Nonce:     "buyer-lock-1",
		SentAt:    1_002,
		Payload:   p2p.MustPayload(p2p.EscrowActionPayload{BidID: bidID}),
	})

	o, err = f.node.GetOrder(bidID)
	require.NoError(t, err)
	require.Equal(t, order.StatusEscrowLocked, o.Status)

	f.ingest(t, &p2p.Envelope{
		Kind:      p2p.KindEscrowRelease,
		ListingID: posted.ID,
		Sender:    buyer,
		Nonce:     "buyer-release-1",
		SentAt:    1_003,
		Payload:   p2p.MustPayload(p2p.EscrowActionPayload{BidID: bidID}),
	})

	o, err = f.node.GetOrder(bidID)
	require.NoError(t, err)
	require.Equal(t, order.StatusComplete, o.Status)
}

func TestSellerRefundsLockedEscrow(t *testing.T) {
	f := newNodeFixture(t)

	posted, err := f.node.PostListing(f.draftListing(t))
	require.NoError(t, err)
	f.awaitBroadcast(t, p2p.KindListingPublish)

	buyer := "mkt1remotebuyerremotebuyerremotebuyer"
	f.ingest(t, &p2p.Envelope{
		Kind:      p2p.KindBidPropose,
		ListingID: posted.ID,
		Sender:    buyer,
		Nonce:     "propose-1",
		SentAt:    1_001,
		Payload:   p2p.MustPayload(p2p.BidProposePayload{Amount: "0.7"}),
	})
	bidID := bid.DeriveID(posted.ID, buyer, "propose-1")

	_, err = f.node.AcceptBid(bidID)
	require.NoError(t, err)
	f.awaitBroadcast(t, p2p.KindBidAccept)

	f.ingest(t, &p2p.Envelope{
		Kind:      p2p.KindEscrowLock,
		ListingID: posted.ID,
		Sender:    buyer,
		Nonce:     "lock-1",
		SentAt:    1_002,
		Payload:   p2p.MustPayload(p2p.EscrowActionPayload{BidID: bidID}),
	})

	refunded, err := f.node.RefundEscrow(bidID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, refunded.Status)
	f.awaitBroadcast(t, p2p.KindEscrowRefund)

	o, err := f.node.GetOrder(bidID)
	require.NoError(t, err)
	require.Equal(t, order.StatusRefunded, o.Status)
}

func TestResolveDisputedEscrow(t *testing.T) {
	f := newNodeFixture(t)

	posted, err := f.node.PostListing(f.draftListing(t))
	require.NoError(t, err)
	f.awaitBroadcast(t, p2p.KindListingPublish)

	buyer := "mkt1remotebuyerremotebuyerremotebuyer"
	f.ingest(t, &p2p.Envelope{
		Kind:      p2p.KindBidPropose,
		ListingID: posted.ID,
		Sender:    buyer,
		Nonce:     "propose-1",
		SentAt:    1_001,
		Payload:   p2p.MustPayload(p2p.BidProposePayload{Amount: "0.7"}),
	})
	bidID := bid.DeriveID(posted.ID, buyer, "propose-1")

	_, err = f.node.AcceptBid(bidID)
	require.NoError(t, err)
	f.awaitBroadcast(t, p2p.KindBidAccept)

	f.ingest(t, &p2p.Envelope{
		Kind:      p2p.KindEscrowLock,
		ListingID: posted.ID,
		Sender:    buyer,
		Nonce:     "lock-1",
		SentAt:    1_002,
		Payload:   p2p.MustPayload(p2p.EscrowActionPayload{BidID: bidID}),
	})

	disputed, err := f.node.DisputeEscrow(bidID)
	require.NoError(t, err)
	require.Equal(t, escrow.StatusDisputed, disputed.Status)
	f.awaitBroadcast(t, p2p.KindEscrowDispute)

	resolved, err := f.node.ResolveEscrow(bidID, "refund")
	require.NoError(t, err)
	require.Equal(t, escrow.StatusRefunded, resolved.Status)
	f.awaitBroadcast(t, p2p.KindEscrowRefund)
}

func TestGetOrderUnknownBid(t *testing.T) {
	f := newNodeFixture(t)

	_, err := f.node.GetOrder(market.ID{7})
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestNodeRequiresKey(t *testing.T) {
	_, err := NewNode(storage.NewMemDB(), nil, NodeOptions{})
	require.ErrorIs(t, err, market.ErrValidation)
}

func TestNodeStopWithoutStart(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	node, err := NewNode(storage.NewMemDB(), key, NodeOptions{
		Broadcaster: p2p.BroadcasterFunc(func(context.Context, *p2p.Envelope) error { return nil }),
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		node.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a node that never started")
	}
}
