package graphgen

import (
	"testing"

	"github.com/stretchr/testify/require"

	"marketd/crypto"
	"marketd/market"
	"marketd/market/bid"
	"marketd/market/escrow"
	"marketd/market/listing"
	"marketd/market/order"
)

type mockState struct {
	listings map[market.ID]*listing.Listing
	bids     map[market.ID]*bid.Bid
	escrows  map[market.ID]*escrow.Escrow
}

func newMockState() *mockState {
	return &mockState{
		listings: make(map[market.ID]*listing.Listing),
		bids:     make(map[market.ID]*bid.Bid),
		escrows:  make(map[market.ID]*escrow.Escrow),
	}
}

func (m *mockState) ListingGet(id market.ID) (*listing.Listing, bool) {
	l, ok := m.listings[id]
	return l, ok
}

func (m *mockState) BidGet(id market.ID) (*bid.Bid, bool) {
	b, ok := m.bids[id]
	return b, ok
}

func (m *mockState) EscrowGet(id market.ID) (*escrow.Escrow, bool) {
	e, ok := m.escrows[id]
	return e, ok
}

func seedListing(t *testing.T, state *mockState) *listing.Listing {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	l := &listing.Listing{
		Title:            "Seeded listing",
		ShortDescription: "pre-existing",
		Pricing:          &listing.Pricing{Currency: "BTC", BasePrice: "2"},
		Payment: &listing.Payment{
			Address:      key.PubKey().Address().String(),
			MessagingKey: key.PubKey().Hex(),
		},
		Escrow:    listing.EscrowTerms{Type: listing.EscrowTypeNone},
		CreatedAt: 10,
	}
	require.NoError(t, listing.Post(l, 10))
	state.listings[l.ID] = l
	return l
}

func seedBid(t *testing.T, state *mockState, l *listing.Listing, status bid.Status) *bid.Bid {
	t.Helper()
	b := &bid.Bid{
		ID:        bid.DeriveID(l.ID, "mkt1seededbidder", "seed-nonce"),
		ListingID: l.ID,
		Bidder:    "mkt1seededbidder",
		Seller:    l.Payment.Address,
		Amount:    "1.5",
		Status:    status,
		CreatedAt: 20,
	}
	state.bids[b.ID] = b
	return b
}

func TestDefaultsGenerateFullGraph(t *testing.T) {
	gen, err := New(Params{}, nil)
	require.NoError(t, err)

	plan := gen.Plan()
	require.True(t, plan.GenerateListing)
	require.True(t, plan.GenerateBid)
	require.True(t, plan.GenerateOrder)

	graph, err := gen.Build()
	require.NoError(t, err)
	require.NotNil(t, graph.Listing)
	require.NotNil(t, graph.Bid)
	require.NotNil(t, graph.Order)

	require.True(t, graph.Listing.Posted())
	require.Equal(t, graph.Listing.ID, graph.Bid.ListingID)
	require.Equal(t, graph.Listing.Payment.Address, graph.Bid.Seller)
	require.Equal(t, bid.StatusProposed, graph.Bid.Status)
	require.Equal(t, graph.Bid.ID, graph.Order.BidID)
	require.Equal(t, order.StatusPending, graph.Order.Status)
}

func TestExistingListingForcesListingFlagOff(t *testing.T) {
	state := newMockState()
	l := seedListing(t, state)

	// The caller asked for listing generation; the concrete identity wins.
	gen, err := New(Params{Listing: FlagOn, ListingID: l.ID}, state)
	require.NoError(t, err)

	plan := gen.Plan()
	require.False(t, plan.GenerateListing)
	require.True(t, plan.GenerateBid)

	graph, err := gen.Build()
	require.NoError(t, err)
	require.Equal(t, l.ID, graph.Listing.ID)
	require.Equal(t, "Seeded listing", graph.Listing.Title)
	require.Equal(t, l.ID, graph.Bid.ListingID)
}

func TestExistingBidCascadesToAncestors(t *testing.T) {
	state := newMockState()
	l := seedListing(t, state)
	b := seedBid(t, state, l, bid.StatusAccepted)

	// Both generate flags explicitly on; the bid anchor overrides both.
	gen, err := New(Params{Listing: FlagOn, Bid: FlagOn, BidID: b.ID}, state)
	require.NoError(t, err)

	plan := gen.Plan()
	require.False(t, plan.GenerateListing)
	require.False(t, plan.GenerateBid)
	require.True(t, plan.GenerateOrder)

	graph, err := gen.Build()
	require.NoError(t, err)
	require.Equal(t, l.ID, graph.Listing.ID)
	require.Equal(t, b.ID, graph.Bid.ID)
	require.Equal(t, order.StatusAwaitingEscrow, graph.Order.Status)
}

func TestExistingBidPicksUpEscrow(t *testing.T) {
	state := newMockState()
	l := seedListing(t, state)
	b := seedBid(t, state, l, bid.StatusAccepted)
	state.escrows[b.ID] = &escrow.Escrow{
		BidID:  b.ID,
		Type:   listing.EscrowTypeRatio,
		Status: escrow.StatusLocked,
	}

	gen, err := New(Params{BidID: b.ID}, state)
	require.NoError(t, err)

	graph, err := gen.Build()
	require.NoError(t, err)
	require.Equal(t, order.StatusEscrowLocked, graph.Order.Status)
}

func TestPlanResolvedOnceAtConstruction(t *testing.T) {
	state := newMockState()
	l := seedListing(t, state)
	b := seedBid(t, state, l, bid.StatusProposed)

	gen, err := New(Params{BidID: b.ID}, state)
	require.NoError(t, err)
	first := gen.Plan()

	// Later state mutations must not change the resolved vector.
	delete(state.bids, b.ID)
	require.Equal(t, first, gen.Plan())
}

func TestBidListingMismatchRejected(t *testing.T) {
	state := newMockState()
	l := seedListing(t, state)
	other := seedListing(t, state)
	b := seedBid(t, state, l, bid.StatusProposed)

	gen, err := New(Params{ListingID: other.ID, BidID: b.ID}, state)
	require.NoError(t, err)

	_, err = gen.Build()
	require.ErrorIs(t, err, market.ErrValidation)
}

func TestUnknownAnchorsNotFound(t *testing.T) {
	state := newMockState()

	gen, err := New(Params{ListingID: market.ID{1}}, state)
	require.NoError(t, err)
	_, err = gen.Build()
	require.ErrorIs(t, err, market.ErrNotFound)

	gen, err = New(Params{BidID: market.ID{2}}, state)
	require.NoError(t, err)
	_, err = gen.Build()
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestMalformedValueRejectedAtConstruction(t *testing.T) {
	_, err := New(Params{Amount: "not-a-number"}, nil)
	require.ErrorIs(t, err, market.ErrValidation)

	_, err = New(Params{Price: "-3"}, nil)
	require.ErrorIs(t, err, market.ErrValidation)
}

func TestInconsistentFlagsRejected(t *testing.T) {
	// A bid cannot be generated against nothing.
	_, err := New(Params{Listing: FlagOff}, nil)
	require.ErrorIs(t, err, market.ErrValidation)

	// An order cannot be derived without a bid.
	_, err = New(Params{Listing: FlagOff, Bid: FlagOff}, nil)
	require.ErrorIs(t, err, market.ErrValidation)
}

func TestSuppressedNodesAreNil(t *testing.T) {
	gen, err := New(Params{Bid: FlagOff, Order: FlagOff}, nil)
	require.NoError(t, err)

	graph, err := gen.Build()
	require.NoError(t, err)
	require.NotNil(t, graph.Listing)
	require.Nil(t, graph.Bid)
	require.Nil(t, graph.Order)
}

func TestValueOverridesFlow(t *testing.T) {
	gen, err := New(Params{
		Title:    "Custom goods",
		Currency: "eth",
		Price:    "3.5",
		Amount:   "3.25",
		Bidder:   "mkt1custombidder",
	}, nil)
	require.NoError(t, err)
	gen.SetNowFunc(func() int64 { return 777 })
	gen.SetNonceFunc(func() string { return "fixed-nonce" })

	graph, err := gen.Build()
	require.NoError(t, err)
	require.Equal(t, "Custom goods", graph.Listing.Title)
	require.Equal(t, "3.25", graph.Bid.Amount)
	require.Equal(t, "mkt1custombidder", graph.Bid.Bidder)
	require.EqualValues(t, 777, graph.Bid.CreatedAt)
	require.Equal(t, bid.DeriveID(graph.Listing.ID, "mkt1custombidder", "fixed-nonce"), graph.Bid.ID)
}
