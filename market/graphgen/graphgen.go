// Package graphgen materializes consistent listing/bid/order object graphs
// from a compact parameter vector. Callers toggle which entities to generate
// and which to attach to by identity; attaching to an existing entity forces
// the generate flags of the entity and all of its ancestors off, resolved
// once at construction so the decision is stable for the request's lifetime.
package graphgen

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"marketd/crypto"
	"marketd/market"
	"marketd/market/bid"
	"marketd/market/escrow"
	"marketd/market/listing"
	"marketd/market/order"
)

// Flag is a tri-state generation toggle. The zero value means "not supplied"
// and resolves to the documented default, which is to generate.
type Flag uint8

const (
	FlagUnset Flag = iota
	FlagOn
	FlagOff
)

func (f Flag) enabled() bool { return f != FlagOff }

// node identifies one entity kind in the generated graph.
type node uint8

const (
	nodeListing node = iota
	nodeBid
	nodeOrder
)

// parentOf declares the dependency chain: an order hangs off a bid, a bid
// hangs off a listing. Attaching by identity at any node suppresses
// generation of that node and everything above it.
var parentOf = map[node]node{
	nodeBid:   nodeListing,
	nodeOrder: nodeBid,
}

// Params is the input vector. Empty Params generate the full graph.
type Params struct {
	Listing Flag
	Bid     Flag
	Order   Flag

	// ListingID attaches the generated bid to an existing listing instead
	// of generating one. BidID likewise attaches the order to an existing
	// bid, which transitively pins the listing as well.
	ListingID market.ID
	BidID     market.ID

	// Value fields for generated entities. Zero values fall back to
	// generator defaults.
	Bidder   string
	Amount   string
	Currency string
	Price    string
	Title    string
}

// Plan is the resolved flag vector. It is computed exactly once by New and
// never changes afterwards.
type Plan struct {
	GenerateListing bool
	GenerateBid     bool
	GenerateOrder   bool
	ListingID       market.ID
	BidID           market.ID
}

// resolve applies the cascading override pass over the dependency table.
func resolve(p Params) Plan {
	generate := map[node]bool{
		nodeListing: p.Listing.enabled(),
		nodeBid:     p.Bid.enabled(),
		nodeOrder:   p.Order.enabled(),
	}
	anchored := map[node]bool{
		nodeListing: !p.ListingID.IsZero(),
		nodeBid:     !p.BidID.IsZero(),
	}
	for n, present := range anchored {
		if !present {
			continue
		}
		generate[n] = false
		for parent, ok := parentOf[n]; ok; parent, ok = parentOf[parent] {
			generate[parent] = false
		}
	}
	return Plan{
		GenerateListing: generate[nodeListing],
		GenerateBid:     generate[nodeBid],
		GenerateOrder:   generate[nodeOrder],
		ListingID:       p.ListingID,
		BidID:           p.BidID,
	}
}

// graphState is the lookup surface for attach-to-existing resolution.
type graphState interface {
	ListingGet(market.ID) (*listing.Listing, bool)
	BidGet(market.ID) (*bid.Bid, bool)
	EscrowGet(market.ID) (*escrow.Escrow, bool)
}

// Graph is the materialized result. Fields for suppressed nodes are nil.
type Graph struct {
	Listing *listing.Listing
	Bid     *bid.Bid
	Order   *order.Order
}

// Generator builds object graphs from one resolved plan. Construction
// validates the vector and freezes the plan; Build may be called repeatedly
// and produces an independent graph each time.
type Generator struct {
	params  Params
	plan    Plan
	state   graphState
	nowFn   func() int64
	nonceFn func() string
}

const (
	defaultAmount   = "0.1"
	defaultPrice    = "1"
	defaultCurrency = "BTC"
	defaultTitle    = "Generated listing"
)

// New validates the parameter vector and resolves the plan.
func New(params Params, state graphState) (*Generator, error) {
	if params.Amount != "" {
		if err := checkDecimal(params.Amount); err != nil {
			return nil, market.Validationf("amount: %v", err)
		}
	}
	if params.Price != "" {
		if err := checkDecimal(params.Price); err != nil {
			return nil, market.Validationf("price: %v", err)
		}
	}
	plan := resolve(params)
	if plan.GenerateBid && !plan.GenerateListing && plan.ListingID.IsZero() {
		return nil, market.Validationf("bid generation requires a listing: supply ListingID or enable listing generation")
	}
	if plan.GenerateOrder && !plan.GenerateBid && plan.BidID.IsZero() {
		return nil, market.Validationf("order generation requires a bid: supply BidID or enable bid generation")
	}
	return &Generator{
		params:  params,
		plan:    plan,
		state:   state,
		nowFn:   func() int64 { return time.Now().Unix() },
		nonceFn: uuid.NewString,
	}, nil
}

// Plan exposes the resolved flag vector.
func (g *Generator) Plan() Plan { return g.plan }

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (g *Generator) SetNowFunc(now func() int64) {
	if now != nil {
		g.nowFn = now
	}
}

// SetNonceFunc overrides the nonce source for reproducible identities.
func (g *Generator) SetNonceFunc(nonce func() string) {
	if nonce != nil {
		g.nonceFn = nonce
	}
}

// Build materializes the graph described by the plan. Attach-to-existing
// identities that cannot be resolved surface as NotFound; inconsistent
// anchors (a bid that does not belong to the supplied listing) surface as
// validation errors.
func (g *Generator) Build() (*Graph, error) {
	graph := &Graph{}

	var existingBid *bid.Bid
	if !g.plan.BidID.IsZero() {
		if g.state == nil {
			return nil, market.Validationf("attaching to bid %s requires a state backend", g.plan.BidID.Hex())
		}
		b, ok := g.state.BidGet(g.plan.BidID)
		if !ok {
			return nil, market.NotFoundf("bid %s", g.plan.BidID.Hex())
		}
		if !g.plan.ListingID.IsZero() && b.ListingID != g.plan.ListingID {
			return nil, market.Validationf("bid %s does not belong to listing %s", g.plan.BidID.Hex(), g.plan.ListingID.Hex())
		}
		existingBid = b.Clone()
	}

	lst, err := g.buildListing(existingBid)
	if err != nil {
		return nil, err
	}
	graph.Listing = lst

	b, err := g.buildBid(lst, existingBid)
	if err != nil {
		return nil, err
	}
	graph.Bid = b

	if g.plan.GenerateOrder && b != nil {
		var esc *escrow.Escrow
		if existingBid != nil && g.state != nil {
			if found, ok := g.state.EscrowGet(b.ID); ok {
				esc = found
			}
		}
		o, err := order.View(b, esc)
		if err != nil {
			return nil, err
		}
		graph.Order = o
	}
	return graph, nil
}

func (g *Generator) buildListing(existingBid *bid.Bid) (*listing.Listing, error) {
	if g.plan.GenerateListing {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		l := &listing.Listing{
			Title:            valueOr(g.params.Title, defaultTitle),
			ShortDescription: "generated",
			Pricing: &listing.Pricing{
				Currency:  valueOr(g.params.Currency, defaultCurrency),
				BasePrice: valueOr(g.params.Price, defaultPrice),
			},
			Payment: &listing.Payment{
				Address:      key.PubKey().Address().String(),
				MessagingKey: key.PubKey().Hex(),
			},
			Escrow:    listing.EscrowTerms{Type: listing.EscrowTypeRatio, BuyerRatioBps: 5000},
			CreatedAt: g.nowFn(),
		}
		if err := listing.Post(l, g.nowFn()); err != nil {
			return nil, err
		}
		return l, nil
	}
	listingID := g.plan.ListingID
	if listingID.IsZero() && existingBid != nil {
		listingID = existingBid.ListingID
	}
	if listingID.IsZero() {
		return nil, nil
	}
	if g.state == nil {
		return nil, market.Validationf("attaching to listing %s requires a state backend", listingID.Hex())
	}
	l, ok := g.state.ListingGet(listingID)
	if !ok {
		return nil, market.NotFoundf("listing %s", listingID.Hex())
	}
	return l.Clone(), nil
}

func (g *Generator) buildBid(lst *listing.Listing, existingBid *bid.Bid) (*bid.Bid, error) {
	if existingBid != nil {
		return existingBid, nil
	}
	if !g.plan.GenerateBid {
		return nil, nil
	}
	if lst == nil {
		return nil, market.Validationf("bid generation requires a listing")
	}
	bidder := strings.TrimSpace(g.params.Bidder)
	if bidder == "" {
		key, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		bidder = key.PubKey().Address().String()
	}
	nonce := g.nonceFn()
	at := g.nowFn()
	return &bid.Bid{
		ID:        bid.DeriveID(lst.ID, bidder, nonce),
		ListingID: lst.ID,
		Bidder:    bidder,
		Seller:    lst.Payment.Address,
		Amount:    valueOr(g.params.Amount, defaultAmount),
		Actions: []bid.Record{{
			Action: bid.ActionPropose,
			Sender: bidder,
			Nonce:  nonce,
			At:     at,
		}},
		Status:    bid.StatusProposed,
		CreatedAt: at,
	}, nil
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func checkDecimal(v string) error {
	r, ok := new(big.Rat).SetString(strings.TrimSpace(v))
	if !ok {
		return fmt.Errorf("malformed decimal %q", v)
	}
	if r.Sign() <= 0 {
		return fmt.Errorf("decimal %q must be positive", v)
	}
	return nil
}
