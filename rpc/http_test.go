package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"marketd/core"
	"marketd/crypto"
	"marketd/market"
	"marketd/market/bid"
	"marketd/market/listing"
	"marketd/market/order"
	"marketd/p2p"
	"marketd/storage"
)

const testToken = "test-rpc-token"

type rpcFixture struct {
	node   *core.Node
	key    *crypto.PrivateKey
	server *httptest.Server
}

func newRPCFixture(t *testing.T) *rpcFixture {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)

	node, err := core.NewNode(storage.NewMemDB(), key, core.NodeOptions{})
	require.NoError(t, err)
	node.SetNowFunc(func() int64 { return 1_000 })

	srv := httptest.NewServer(NewServer(node, testToken).Handler())
	t.Cleanup(srv.Close)
	return &rpcFixture{node: node, key: key, server: srv}
}

// call posts one JSON-RPC request and decodes the envelope.
func (f *rpcFixture) call(t *testing.T, token, method string, params ...any) (*RPCResponse, int) {
	t.Helper()
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		encoded, err := json.Marshal(p)
		require.NoError(t, err)
		raw = append(raw, encoded)
	}
	body, err := json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"id":      1,
		"method":  method,
		"params":  raw,
	})
	require.NoError(t, err)

	httpReq, err := newRPCRequest(f.server.URL, body, token)
	require.NoError(t, err)
	resp, err := f.server.Client().Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()

	decoded := &RPCResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(decoded))
	return decoded, resp.StatusCode
}

func (f *rpcFixture) result(t *testing.T, resp *RPCResponse, v any) {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected rpc error: %+v", resp.Error)
	encoded, err := json.Marshal(resp.Result)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(encoded, v))
}

func (f *rpcFixture) createListing(t *testing.T) CreateListingResult {
	t.Helper()
	resp, status := f.call(t, testToken, "market_createListing", CreateListingParams{
		Title:            "Espresso machine",
		ShortDescription: "Dual boiler",
		Pricing:          &listing.Pricing{Currency: "BTC", BasePrice: "0.05"},
		Payment: &listing.Payment{
			Address:      f.node.Address(),
			MessagingKey: f.key.PubKey().Hex(),
		},
	})
	require.Equal(t, 200, status)
	var result CreateListingResult
	f.result(t, resp, &result)
	return result
}

// ingestRemoteBid simulates a buyer proposing over the messaging layer.
func (f *rpcFixture) ingestRemoteBid(t *testing.T, listingID market.ID, buyer, nonce, amount string) market.ID {
	t.Helper()
	env := &p2p.Envelope{
		Kind:      p2p.KindBidPropose,
		ListingID: listingID,
		Sender:    buyer,
		Nonce:     nonce,
		SentAt:    1_001,
		Payload:   p2p.MustPayload(p2p.BidProposePayload{Amount: amount}),
	}
	require.NoError(t, f.node.HandleEnvelope(context.Background(), env))
	return bid.DeriveID(listingID, buyer, nonce)
}

func TestCreateAndGetListing(t *testing.T) {
	f := newRPCFixture(t)
	created := f.createListing(t)
	require.False(t, created.ID.IsZero())

	resp, status := f.call(t, "", "market_getListing", listingIDParam{ID: created.ID})
	require.Equal(t, 200, status)
	var fetched listing.Listing
	f.result(t, resp, &fetched)
	require.Equal(t, created.ID, fetched.ID)
	require.Equal(t, "Espresso machine", fetched.Title)
}

func TestGetListingNotFound(t *testing.T) {
	f := newRPCFixture(t)

	resp, status := f.call(t, "", "market_getListing", listingIDParam{ID: market.ID{1}})
	require.Equal(t, 404, status)
	require.NotNil(t, resp.Error)
	require.Equal(t, codeNotFound, resp.Error.Code)
}

func TestWriteMethodRequiresAuth(t *testing.T) {
	f := newRPCFixture(t)

	resp, status := f.call(t, "", "market_createListing", CreateListingParams{Title: "x"})
	require.Equal(t, 401, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)

	resp, status = f.call(t, "wrong-token", "market_createListing", CreateListingParams{Title: "x"})
	require.Equal(t, 401, status)
	require.Equal(t, codeUnauthorized, resp.Error.Code)
}

func TestCreateListingValidation(t *testing.T) {
	f := newRPCFixture(t)

	resp, status := f.call(t, testToken, "market_createListing", CreateListingParams{Title: "No pricing"})
	require.Equal(t, 400, status)
	require.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestAcceptBidFlow(t *testing.T) {
	f := newRPCFixture(t)
	created := f.createListing(t)
	bidID := f.ingestRemoteBid(t, created.ID, "mkt1remotebuyer", "nonce-1", "0.04")

	resp, status := f.call(t, testToken, "market_acceptBid", bidIDParam{BidID: bidID})
	require.Equal(t, 200, status)
	var accepted bid.Bid
	f.result(t, resp, &accepted)
	require.Equal(t, bid.StatusAccepted, accepted.Status)

	resp, status = f.call(t, "", "market_getOrder", bidIDParam{BidID: bidID})
	require.Equal(t, 200, status)
	var o order.Order
	f.result(t, resp, &o)
	require.Equal(t, order.StatusAwaitingEscrow, o.Status)
}

func TestAcceptResolvedBidConflict(t *testing.T) {
	f := newRPCFixture(t)
	created := f.createListing(t)
	bidID := f.ingestRemoteBid(t, created.ID, "mkt1remotebuyer", "nonce-1", "0.04")

	_, status := f.call(t, testToken, "market_rejectBid", bidIDParam{BidID: bidID})
	require.Equal(t, 200, status)

	resp, status := f.call(t, testToken, "market_acceptBid", bidIDParam{BidID: bidID})
	require.Equal(t, 409, status)
	require.Equal(t, codeIllegalTransition, resp.Error.Code)
}

func TestMethodNotFound(t *testing.T) {
	f := newRPCFixture(t)

	resp, status := f.call(t, "", "market_unknownMethod")
	require.Equal(t, 404, status)
	require.Equal(t, codeMethodNotFound, resp.Error.Code)
}

func TestMissingParams(t *testing.T) {
	f := newRPCFixture(t)

	resp, status := f.call(t, "", "market_getBid")
	require.Equal(t, 400, status)
	require.Equal(t, codeInvalidParams, resp.Error.Code)
}

func TestMalformedBody(t *testing.T) {
	f := newRPCFixture(t)

	httpReq, err := newRPCRequest(f.server.URL, []byte("{not json"), "")
	require.NoError(t, err)
	resp, err := f.server.Client().Do(httpReq)
	require.NoError(t, err)
	defer resp.Body.Close()

	decoded := &RPCResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(decoded))
	require.Equal(t, 400, resp.StatusCode)
	require.Equal(t, codeParseError, decoded.Error.Code)
}

func TestWriteRateLimit(t *testing.T) {
	f := newRPCFixture(t)
	created := f.createListing(t)

	var limited bool
	for i := 0; i < maxWritesPerWin+2; i++ {
		resp, status := f.call(t, testToken, "market_acceptBid", bidIDParam{BidID: market.ID{9}})
		if status == 429 {
			require.Equal(t, codeRateLimited, resp.Error.Code)
			limited = true
			break
		}
		// Unknown bid, but still a counted write attempt.
		require.Equal(t, 404, status)
	}
	require.True(t, limited, "rate limit never engaged")
	_ = created

	// Read methods stay unaffected.
	_, status := f.call(t, "", "market_getListing", listingIDParam{ID: created.ID})
	require.Equal(t, 200, status)
}

func newRPCRequest(url string, body []byte, token string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}
