// Package p2p defines the wire envelopes of the marketplace protocol and the
// transport plumbing that moves them over the external messaging network.
package p2p

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"marketd/market"
	"marketd/market/listing"
)

// Envelope kinds. Each kind maps onto exactly one payload schema.
const (
	KindListingPublish = "listing.publish"
	KindBidPropose     = "bid.propose"
	KindBidAccept      = "bid.accept"
	KindBidReject      = "bid.reject"
	KindBidCancel      = "bid.cancel"
	KindEscrowLock     = "escrow.lock"
	KindEscrowRelease  = "escrow.release"
	KindEscrowRefund   = "escrow.refund"
	KindEscrowDispute  = "escrow.dispute"
)

// Envelope is the immutable unit of protocol delivery. Re-delivery produces
// byte-identical envelopes, so (sender, nonce, kind) is a safe dedup key.
type Envelope struct {
	Kind      string          `json:"kind"`
	ListingID market.ID       `json:"listingId"`
	Sender    string          `json:"sender"`
	Nonce     string          `json:"nonce"`
	SentAt    int64           `json:"sentAt,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// ListingPublishPayload carries a posted listing to interested peers. The
// receiver re-derives the content identity and correlates by it.
type ListingPublishPayload struct {
	Listing listing.Listing `json:"listing"`
}

// BidProposePayload opens a negotiation. The bid identifier is derived from
// (listing identity, sender, envelope nonce) on both sides.
type BidProposePayload struct {
	Amount string `json:"amount"`
}

// BidActionPayload carries a terminal bid action.
type BidActionPayload struct {
	BidID market.ID `json:"bidId"`
}

// EscrowActionPayload carries an escrow action for an accepted bid.
type EscrowActionPayload struct {
	BidID market.ID `json:"bidId"`
}

// KnownKind reports whether the envelope kind belongs to the protocol.
func KnownKind(kind string) bool {
	switch kind {
	case KindListingPublish, KindBidPropose,
		KindBidAccept, KindBidReject, KindBidCancel,
		KindEscrowLock, KindEscrowRelease, KindEscrowRefund, KindEscrowDispute:
		return true
	default:
		return false
	}
}

// Identity returns the deduplication key of the envelope.
func (e *Envelope) Identity() string {
	digest := sha256.Sum256([]byte(e.Sender + "|" + e.Nonce + "|" + e.Kind))
	return hex.EncodeToString(digest[:])
}

// Validate performs the structural check: known kind, sender and nonce
// present, and a payload that decodes under the kind's schema. A failure
// here means the envelope is malformed and must be rejected outright, never
// buffered.
func (e *Envelope) Validate() error {
	if e == nil {
		return market.Validationf("nil envelope")
	}
	if !KnownKind(e.Kind) {
		return market.Validationf("unknown envelope kind %q", e.Kind)
	}
	if strings.TrimSpace(e.Sender) == "" {
		return market.Validationf("envelope sender required")
	}
	if strings.TrimSpace(e.Nonce) == "" {
		return market.Validationf("envelope nonce required")
	}
	if e.ListingID.IsZero() {
		return market.Validationf("envelope listing identity required")
	}
	switch e.Kind {
	case KindListingPublish:
		var payload ListingPublishPayload
		if err := strictUnmarshal(e.Payload, &payload); err != nil {
			return err
		}
		if payload.Listing.ID.IsZero() {
			return market.Validationf("published listing has no identity")
		}
	case KindBidPropose:
		var payload BidProposePayload
		if err := strictUnmarshal(e.Payload, &payload); err != nil {
			return err
		}
		if strings.TrimSpace(payload.Amount) == "" {
			return market.Validationf("bid proposal amount required")
		}
	case KindBidAccept, KindBidReject, KindBidCancel:
		var payload BidActionPayload
		if err := strictUnmarshal(e.Payload, &payload); err != nil {
			return err
		}
		if payload.BidID.IsZero() {
			return market.Validationf("bid action requires bid identity")
		}
	default:
		var payload EscrowActionPayload
		if err := strictUnmarshal(e.Payload, &payload); err != nil {
			return err
		}
		if payload.BidID.IsZero() {
			return market.Validationf("escrow action requires bid identity")
		}
	}
	return nil
}

// DecodePayload decodes the payload into v under the strict schema rules.
func (e *Envelope) DecodePayload(v any) error {
	return strictUnmarshal(e.Payload, v)
}

// BidID extracts the referenced bid identity, when the kind carries one.
func (e *Envelope) BidID() (market.ID, bool) {
	switch e.Kind {
	case KindBidAccept, KindBidReject, KindBidCancel:
		var payload BidActionPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return market.ID{}, false
		}
		return payload.BidID, true
	case KindEscrowLock, KindEscrowRelease, KindEscrowRefund, KindEscrowDispute:
		var payload EscrowActionPayload
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return market.ID{}, false
		}
		return payload.BidID, true
	default:
		return market.ID{}, false
	}
}

func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return market.Validationf("envelope payload required")
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return market.Validationf("envelope payload schema: %v", err)
	}
	return nil
}

// MustPayload marshals a payload struct, panicking on programmer error.
func MustPayload(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
