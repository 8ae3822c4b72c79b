package listing

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"marketd/crypto"
	"marketd/market"
	"marketd/storage"
)

// EscrowType selects the escrow sub-protocol a posted listing commits to.
// It is fixed at post time; bids inherit it.
type EscrowType string

const (
	// EscrowTypeNone settles directly with no fund holding.
	EscrowTypeNone EscrowType = "none"
	// EscrowTypeRatio holds funds and splits them between buyer and seller
	// on dispute according to the listing's ratio.
	EscrowTypeRatio EscrowType = "ratio"
)

// Valid reports whether the escrow type is supported.
func (t EscrowType) Valid() bool {
	switch t {
	case EscrowTypeNone, EscrowTypeRatio:
		return true
	default:
		return false
	}
}

// EscrowTerms captures the escrow type and the buyer's share, in basis
// points, of held funds on a disputed refund split.
type EscrowTerms struct {
	Type          EscrowType `json:"type"`
	BuyerRatioBps uint32     `json:"buyerRatioBps"`
}

// Pricing is the optional pricing block of a listing. BasePrice is a decimal
// string; formatting differences ("0.0001" vs "0.00010") are normalized away
// before the value participates in the content identity.
type Pricing struct {
	Currency  string `json:"currency"`
	BasePrice string `json:"basePrice"`
}

// Payment is the optional settlement block of a listing: the seller's
// bech32 payment address and the compressed messaging public key peers use
// to reach the seller over the messaging network.
type Payment struct {
	Address      string `json:"address"`
	MessagingKey string `json:"messagingKey"`
}

// Listing is the local representation of a sellable item. Before posting it
// is a mutable draft with a zero ID; Post assigns the content identity and
// freezes the identity-relevant fields.
type Listing struct {
	ID               market.ID         `json:"id"`
	Title            string            `json:"title"`
	ShortDescription string            `json:"shortDescription"`
	LongDescription  string            `json:"longDescription"`
	Pricing          *Pricing          `json:"pricing,omitempty"`
	Payment          *Payment          `json:"payment,omitempty"`
	Escrow           EscrowTerms       `json:"escrow"`
	Images           []string          `json:"images,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        int64             `json:"createdAt"`
	PostedAt         int64             `json:"postedAt,omitempty"`
}

// Posted reports whether the listing has been assigned its content identity.
func (l *Listing) Posted() bool {
	return l != nil && !l.ID.IsZero()
}

// Clone returns a deep copy so callers can mutate the result without
// affecting the stored instance.
func (l *Listing) Clone() *Listing {
	if l == nil {
		return nil
	}
	clone := *l
	if l.Pricing != nil {
		pricing := *l.Pricing
		clone.Pricing = &pricing
	}
	if l.Payment != nil {
		payment := *l.Payment
		clone.Payment = &payment
	}
	if len(l.Images) > 0 {
		clone.Images = append([]string(nil), l.Images...)
	}
	if len(l.Metadata) > 0 {
		clone.Metadata = make(map[string]string, len(l.Metadata))
		for k, v := range l.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}

// SellerAddress decodes the payment address of a posted listing.
func (l *Listing) SellerAddress() (crypto.Address, error) {
	if l == nil || l.Payment == nil {
		return crypto.Address{}, market.Validationf("listing has no payment block")
	}
	return crypto.DecodeAddress(l.Payment.Address)
}

// BasePriceAmount parses the base price into a rational amount.
func (l *Listing) BasePriceAmount() (*big.Rat, error) {
	if l == nil || l.Pricing == nil {
		return nil, market.Validationf("listing has no pricing block")
	}
	return parseDecimal(l.Pricing.BasePrice)
}

// Post validates the draft, computes its content identity and freezes the
// posted representation. Posting is idempotent only in the sense that a
// second call fails rather than re-deriving a new identity.
func Post(l *Listing, now int64) error {
	if l == nil {
		return market.Validationf("nil listing")
	}
	if l.Posted() {
		return market.IllegalTransitionf("listing %s already posted", l.ID.Hex())
	}
	if err := validateForPost(l); err != nil {
		return err
	}
	id, err := Identity(l)
	if err != nil {
		return err
	}
	l.ID = id
	l.PostedAt = now
	return nil
}

func validateForPost(l *Listing) error {
	if strings.TrimSpace(l.Title) == "" {
		return market.Validationf("listing title required")
	}
	if l.Pricing == nil {
		return market.Validationf("listing pricing block required")
	}
	price, err := parseDecimal(l.Pricing.BasePrice)
	if err != nil {
		return err
	}
	if price.Sign() <= 0 {
		return market.Validationf("base price must be positive")
	}
	if l.Payment == nil {
		return market.Validationf("listing payment block required")
	}
	if _, err := crypto.DecodeAddress(l.Payment.Address); err != nil {
		return market.Validationf("payment address: %v", err)
	}
	if strings.TrimSpace(l.Payment.MessagingKey) == "" {
		return market.Validationf("messaging key required")
	}
	if !l.Escrow.Type.Valid() {
		return market.Validationf("unsupported escrow type %q", l.Escrow.Type)
	}
	if l.Escrow.BuyerRatioBps > 10_000 {
		return market.Validationf("escrow ratio bps out of range")
	}
	return nil
}

// --- Persistence ---

const storePrefix = "listing/"

// Store persists listings keyed by their content identity. Drafts (zero ID)
// are not persisted here; only posted listings participate in the protocol.
type Store struct {
	db storage.Database
}

func NewStore(db storage.Database) *Store {
	return &Store{db: db}
}

func (s *Store) Put(l *Listing) error {
	if !l.Posted() {
		return market.Validationf("cannot store unposted listing")
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("listing store: marshal: %w", err)
	}
	return s.db.Put(storeKey(l.ID), raw)
}

func (s *Store) Get(id market.ID) (*Listing, error) {
	raw, err := s.db.Get(storeKey(id))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, market.NotFoundf("listing %s", id.Hex())
		}
		return nil, err
	}
	l := &Listing{}
	if err := json.Unmarshal(raw, l); err != nil {
		return nil, fmt.Errorf("listing store: unmarshal: %w", err)
	}
	return l, nil
}

func storeKey(id market.ID) []byte {
	return []byte(storePrefix + id.Hex())
}
