package p2p

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"marketd/market"
)

func testID(fill byte) market.ID {
	var id market.ID
	for i := range id {
		id[i] = fill
	}
	return id
}

func TestEnvelopeIdentityStable(t *testing.T) {
	a := &Envelope{Kind: KindBidPropose, Sender: "mkt1abc", Nonce: "n1"}
	b := &Envelope{Kind: KindBidPropose, Sender: "mkt1abc", Nonce: "n1"}
	require.Equal(t, a.Identity(), b.Identity())

	c := &Envelope{Kind: KindBidAccept, Sender: "mkt1abc", Nonce: "n1"}
	require.NotEqual(t, a.Identity(), c.Identity())
}

func TestValidateBidPropose(t *testing.T) {
	env := &Envelope{
		Kind:      KindBidPropose,
		ListingID: testID(0x01),
		Sender:    "mkt1abc",
		Nonce:     "n1",
		Payload:   MustPayload(BidProposePayload{Amount: "0.4"}),
	}
	require.NoError(t, env.Validate())

	missingAmount := *env
	missingAmount.Payload = MustPayload(BidProposePayload{})
	require.ErrorIs(t, missingAmount.Validate(), market.ErrValidation)

	noListing := *env
	noListing.ListingID = market.ID{}
	require.ErrorIs(t, noListing.Validate(), market.ErrValidation)
}

func TestValidateRejectsUnknownKind(t *testing.T) {
	env := &Envelope{Kind: "bid.bump", Sender: "mkt1abc", Nonce: "n1"}
	require.ErrorIs(t, env.Validate(), market.ErrValidation)
}

func TestValidateRejectsSchemaMismatch(t *testing.T) {
	env := &Envelope{
		Kind:      KindBidAccept,
		ListingID: testID(0x01),
		Sender:    "mkt1abc",
		Nonce:     "n1",
		Payload:   json.RawMessage(`{"bidId":"` + testID(0x02).Hex() + `","extra":true}`),
	}
	require.ErrorIs(t, env.Validate(), market.ErrValidation)

	env.Payload = json.RawMessage(`{invalid`)
	require.ErrorIs(t, env.Validate(), market.ErrValidation)

	env.Payload = nil
	require.ErrorIs(t, env.Validate(), market.ErrValidation)
}

func TestValidateRequiresSenderAndNonce(t *testing.T) {
	env := &Envelope{
		Kind:      KindEscrowLock,
		ListingID: testID(0x01),
		Payload:   MustPayload(EscrowActionPayload{BidID: testID(0x02)}),
	} // sender and nonce intentionally absent
	require.ErrorIs(t, env.Validate(), market.ErrValidation)

	env.Sender = "mkt1abc"
	require.ErrorIs(t, env.Validate(), market.ErrValidation)

	env.Nonce = "n1"
	require.NoError(t, env.Validate())
}

func TestBidIDExtraction(t *testing.T) {
	bidID := testID(0x03)
	env := &Envelope{
		Kind:    KindEscrowRelease,
		Sender:  "mkt1abc",
		Nonce:   "n1",
		Payload: MustPayload(EscrowActionPayload{BidID: bidID}),
	}
	got, ok := env.BidID()
	require.True(t, ok)
	require.Equal(t, bidID, got)

	proposal := &Envelope{Kind: KindBidPropose, Sender: "s", Nonce: "n"}
	_, ok = proposal.BidID()
	require.False(t, ok)
}
