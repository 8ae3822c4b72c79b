package listing

import (
	"bytes"
	"encoding/binary"
	"math/big"
	"strings"

	"lukechampine.com/blake3"

	"marketd/market"
)

// Projection is the canonical view of a listing's identity-relevant fields.
// Two nodes that each build a projection from their own copy of a listing
// must end up with byte-identical canonical encodings, which is what makes
// the content identity a usable correlation key. Images, metadata and
// timestamps deliberately do not appear here.
type Projection struct {
	Title            string
	ShortDescription string
	LongDescription  string
	Pricing          PricingView
	Payment          PaymentView
}

// PricingView is the normalized pricing block. A listing without a pricing
// block projects the zero value, standing in for the empty object.
type PricingView struct {
	Currency  string
	BasePrice string
}

// PaymentView is the normalized settlement block. A listing without a
// payment block projects the zero value.
type PaymentView struct {
	Address      string
	MessagingKey string
}

// Empty reports whether every leaf field of the projection is empty. An
// all-empty projection must never be hashed: unrelated empty drafts would
// collide on the same identity.
func (p Projection) Empty() bool {
	return p.Title == "" &&
		p.ShortDescription == "" &&
		p.LongDescription == "" &&
		p.Pricing == PricingView{} &&
		p.Payment == PaymentView{}
}

// Source is implemented by every input shape that can be content-addressed.
// Each variant maps itself explicitly onto the canonical projection; there
// is no runtime shape sniffing.
type Source interface {
	Projection() (Projection, error)
}

// Projection maps the persisted model onto the canonical view.
func (l *Listing) Projection() (Projection, error) {
	if l == nil {
		return Projection{}, market.Validationf("nil listing")
	}
	proj := Projection{
		Title:            strings.TrimSpace(l.Title),
		ShortDescription: strings.TrimSpace(l.ShortDescription),
		LongDescription:  strings.TrimSpace(l.LongDescription),
	}
	if l.Pricing != nil {
		view, err := normalizePricing(l.Pricing.Currency, l.Pricing.BasePrice)
		if err != nil {
			return Projection{}, err
		}
		proj.Pricing = view
	}
	if l.Payment != nil {
		proj.Payment = PaymentView{
			Address:      strings.TrimSpace(l.Payment.Address),
			MessagingKey: strings.ToLower(strings.TrimSpace(l.Payment.MessagingKey)),
		}
	}
	return proj, nil
}

// PostRequest is the wire shape a caller submits to post a listing. It is a
// flat object; its projection must match the one the persisted model
// produces after the post round-trips through storage.
type PostRequest struct {
	Title            string `json:"title"`
	ShortDescription string `json:"shortDescription"`
	LongDescription  string `json:"longDescription"`
	Currency         string `json:"currency,omitempty"`
	BasePrice        string `json:"basePrice,omitempty"`
	PaymentAddress   string `json:"paymentAddress,omitempty"`
	MessagingKey     string `json:"messagingKey,omitempty"`
	EscrowType       string `json:"escrowType,omitempty"`
	BuyerRatioBps    uint32 `json:"buyerRatioBps,omitempty"`
	Images           []string
}

// Projection maps the request shape onto the canonical view.
func (r *PostRequest) Projection() (Projection, error) {
	if r == nil {
		return Projection{}, market.Validationf("nil post request")
	}
	proj := Projection{
		Title:            strings.TrimSpace(r.Title),
		ShortDescription: strings.TrimSpace(r.ShortDescription),
		LongDescription:  strings.TrimSpace(r.LongDescription),
	}
	if strings.TrimSpace(r.Currency) != "" || strings.TrimSpace(r.BasePrice) != "" {
		view, err := normalizePricing(r.Currency, r.BasePrice)
		if err != nil {
			return Projection{}, err
		}
		proj.Pricing = view
	}
	if strings.TrimSpace(r.PaymentAddress) != "" || strings.TrimSpace(r.MessagingKey) != "" {
		proj.Payment = PaymentView{
			Address:      strings.TrimSpace(r.PaymentAddress),
			MessagingKey: strings.ToLower(strings.TrimSpace(r.MessagingKey)),
		}
	}
	return proj, nil
}

// Listing materializes the request into a draft model.
func (r *PostRequest) Listing() *Listing {
	l := &Listing{
		Title:            r.Title,
		ShortDescription: r.ShortDescription,
		LongDescription:  r.LongDescription,
		Images:           append([]string(nil), r.Images...),
		Escrow: EscrowTerms{
			Type:          EscrowType(r.EscrowType),
			BuyerRatioBps: r.BuyerRatioBps,
		},
	}
	if l.Escrow.Type == "" {
		l.Escrow.Type = EscrowTypeRatio
	}
	if strings.TrimSpace(r.Currency) != "" || strings.TrimSpace(r.BasePrice) != "" {
		l.Pricing = &Pricing{Currency: r.Currency, BasePrice: r.BasePrice}
	}
	if strings.TrimSpace(r.PaymentAddress) != "" || strings.TrimSpace(r.MessagingKey) != "" {
		l.Payment = &Payment{Address: r.PaymentAddress, MessagingKey: r.MessagingKey}
	}
	return l
}

// Identity computes the content identity of a listing view. The encoding is
// a fixed-order, length-delimited byte stream, so the result does not depend
// on the field order or number formatting of whatever serialization the view
// arrived in.
func Identity(src Source) (market.ID, error) {
	var id market.ID
	if src == nil {
		return id, market.Validationf("nil identity source")
	}
	proj, err := src.Projection()
	if err != nil {
		return id, err
	}
	if proj.Empty() {
		return id, market.Validationf("refusing to hash all-empty listing projection")
	}
	buf := bytes.NewBuffer(nil)
	writeDelimited(buf, []byte(proj.Title))
	writeDelimited(buf, []byte(proj.ShortDescription))
	writeDelimited(buf, []byte(proj.LongDescription))
	writeDelimited(buf, []byte(proj.Pricing.Currency))
	writeDelimited(buf, []byte(proj.Pricing.BasePrice))
	writeDelimited(buf, []byte(proj.Payment.Address))
	writeDelimited(buf, []byte(proj.Payment.MessagingKey))
	sum := blake3.Sum256(buf.Bytes())
	copy(id[:], sum[:])
	return id, nil
}

func normalizePricing(currency, basePrice string) (PricingView, error) {
	view := PricingView{Currency: strings.ToUpper(strings.TrimSpace(currency))}
	trimmed := strings.TrimSpace(basePrice)
	if trimmed == "" {
		return view, nil
	}
	price, err := parseDecimal(trimmed)
	if err != nil {
		return PricingView{}, err
	}
	// RatString is the canonical exact form: "0.0001" and "0.00010" both
	// normalize to "1/10000".
	view.BasePrice = price.RatString()
	return view, nil
}

func parseDecimal(value string) (*big.Rat, error) {
	trimmed := strings.TrimSpace(value)
	price, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, market.Validationf("invalid decimal amount %q", value)
	}
	return price, nil
}

func writeDelimited(buf *bytes.Buffer, data []byte) {
	length := uint32(len(data))
	_ = binary.Write(buf, binary.BigEndian, length)
	if length > 0 {
		buf.Write(data)
	}
}
