package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"marketd/core"
	"marketd/crypto"
	"marketd/events"
	"marketd/market/bid"
	"marketd/market/listing"
	"marketd/market/order"
	"marketd/p2p"
	"marketd/storage"
)

const testSecret = "gateway-test-secret"

type gwFixture struct {
	node   *core.Node
	orders *OrderIndex
	server *httptest.Server
}

func newGatewayFixture(t *testing.T) *gwFixture {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	var orders *OrderIndex
	// The index subscribes to node events; the emitter indirection lets the
	// node be built first.
	emitter := events.EmitterFunc(func(e events.Event) {
		if orders != nil {
			orders.Emit(e)
		}
	})
	node, err := core.NewNode(storage.NewMemDB(), key, core.NodeOptions{Emitter: emitter})
	require.NoError(t, err)
	node.SetNowFunc(func() int64 { return 1_000 })

	orders, err = NewOrderIndex(":memory:", node, nil)
	require.NoError(t, err)

	handler, err := New(Config{
		Node:   node,
		Orders: orders,
		Authenticator: NewAuthenticator(AuthConfig{
			Enabled:    true,
			HMACSecret: testSecret,
			Issuer:     "marketd-test",
		}, nil),
		RateLimiter: NewRateLimiter(RateLimit{RequestsPerMinute: 600, Burst: 100}, nil),
	})
	require.NoError(t, err)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &gwFixture{node: node, orders: orders, server: server}
}

func (f *gwFixture) token(t *testing.T, scopes string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   "marketd-test",
		"scope": scopes,
		"exp":   time.Now().Add(time.Hour).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func (f *gwFixture) get(t *testing.T, path, token string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (f *gwFixture) seedListing(t *testing.T) *listing.Listing {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	l := &listing.Listing{
		Title:            "Telescope",
		ShortDescription: "8 inch dobsonian",
		Pricing:          &listing.Pricing{Currency: "BTC", BasePrice: "0.02"},
		Payment: &listing.Payment{
			Address:      f.node.Address(),
			MessagingKey: key.PubKey().Hex(),
		},
		Escrow:    listing.EscrowTerms{Type: listing.EscrowTypeRatio, BuyerRatioBps: 5000},
		CreatedAt: 900,
	}
	posted, err := f.node.PostListing(l)
	require.NoError(t, err)
	return posted
}

func (f *gwFixture) seedAcceptedBid(t *testing.T, l *listing.Listing) *bid.Bid {
	t.Helper()
	env := &p2p.Envelope{
		Kind:      p2p.KindBidPropose,
		ListingID: l.ID,
		Sender:    "mkt1gatewaybuyer",
		Nonce:     "gw-propose-1",
		SentAt:    1_001,
		Payload:   p2p.MustPayload(p2p.BidProposePayload{Amount: "0.015"}),
	}
	require.NoError(t, f.node.HandleEnvelope(context.Background(), env))
	bidID := bid.DeriveID(l.ID, "mkt1gatewaybuyer", "gw-propose-1")
	accepted, err := f.node.AcceptBid(bidID)
	require.NoError(t, err)
	return accepted
}

func TestHealthzOpen(t *testing.T) {
	f := newGatewayFixture(t)

	resp, _ := f.get(t, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestV1RequiresToken(t *testing.T) {
	f := newGatewayFixture(t)
	l := f.seedListing(t)

	resp, _ := f.get(t, "/v1/listings/"+l.ID.Hex(), "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.get(t, "/v1/listings/"+l.ID.Hex(), f.token(t, "other:scope"))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestGetListing(t *testing.T) {
	f := newGatewayFixture(t)
	l := f.seedListing(t)

	resp, body := f.get(t, "/v1/listings/"+l.ID.Hex(), f.token(t, "market:read"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var fetched listing.Listing
	require.NoError(t, json.Unmarshal(body, &fetched))
	require.Equal(t, l.ID, fetched.ID)
	require.Equal(t, "Telescope", fetched.Title)
}

func TestGetListingBadID(t *testing.T) {
	f := newGatewayFixture(t)

	resp, _ := f.get(t, "/v1/listings/zzzz", f.token(t, "market:read"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetBidAndOrder(t *testing.T) {
	f := newGatewayFixture(t)
	l := f.seedListing(t)
	accepted := f.seedAcceptedBid(t, l)
	token := f.token(t, "market:read")

	resp, body := f.get(t, "/v1/bids/"+accepted.ID.Hex(), token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fetched bid.Bid
	require.NoError(t, json.Unmarshal(body, &fetched))
	require.Equal(t, bid.StatusAccepted, fetched.Status)

	resp, body = f.get(t, "/v1/orders/"+accepted.ID.Hex(), token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var row OrderRow
	require.NoError(t, json.Unmarshal(body, &row))
	require.Equal(t, string(order.StatusAwaitingEscrow), row.Status)
	require.Equal(t, "mkt1gatewaybuyer", row.Buyer)
}

func TestListOrdersFilter(t *testing.T) {
	f := newGatewayFixture(t)
	l := f.seedListing(t)
	f.seedAcceptedBid(t, l)
	token := f.token(t, "market:read")

	resp, body := f.get(t, "/v1/orders?buyer=mkt1gatewaybuyer", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var result struct {
		Orders []OrderRow `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(body, &result))
	require.Len(t, result.Orders, 1)

	resp, body = f.get(t, "/v1/orders?buyer=mkt1nobody", token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &result))
	require.Empty(t, result.Orders)
}

func TestOrderNotFound(t *testing.T) {
	f := newGatewayFixture(t)

	resp, _ := f.get(t, "/v1/orders/"+make32Hex(), f.token(t, "market:read"))
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func make32Hex() string {
	const hexDigit = "0123456789abcdef"
	out := make([]byte, 64)
	for i := range out {
		out[i] = hexDigit[i%16]
	}
	return string(out)
}
