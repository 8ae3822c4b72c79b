package listing

import (
	"testing"

	"github.com/stretchr/testify/require"

	"marketd/market"
	"marketd/storage"
)

func TestPostAssignsIdentityOnce(t *testing.T) {
	l := testListing(t)
	require.False(t, l.Posted())

	require.NoError(t, Post(l, 500))
	require.True(t, l.Posted())
	require.EqualValues(t, 500, l.PostedAt)

	err := Post(l, 600)
	require.ErrorIs(t, err, market.ErrIllegalTransition)
}

func TestPostValidation(t *testing.T) {
	cases := map[string]func(l *Listing){
		"missing title":    func(l *Listing) { l.Title = "  " },
		"missing pricing":  func(l *Listing) { l.Pricing = nil },
		"zero price":       func(l *Listing) { l.Pricing.BasePrice = "0" },
		"missing payment":  func(l *Listing) { l.Payment = nil },
		"bad address":      func(l *Listing) { l.Payment.Address = "nonsense" },
		"missing key":      func(l *Listing) { l.Payment.MessagingKey = "" },
		"bad escrow type":  func(l *Listing) { l.Escrow.Type = "weird" },
		"ratio over 10000": func(l *Listing) { l.Escrow.BuyerRatioBps = 10_001 },
	}
	for name, mutate := range cases {
		l := testListing(t)
		mutate(l)
		err := Post(l, 1)
		require.ErrorIs(t, err, market.ErrValidation, name)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	db := storage.NewMemDB()
	store := NewStore(db)

	l := testListing(t)
	require.NoError(t, Post(l, 42))
	require.NoError(t, store.Put(l))

	loaded, err := store.Get(l.ID)
	require.NoError(t, err)
	require.Equal(t, l.ID, loaded.ID)
	require.Equal(t, l.Title, loaded.Title)
	require.Equal(t, l.Payment.Address, loaded.Payment.Address)

	// A round-tripped model must re-derive the same identity.
	rederived, err := Identity(loaded)
	require.NoError(t, err)
	require.Equal(t, l.ID, rederived)
}

func TestStoreRejectsDrafts(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	err := store.Put(testListing(t))
	require.ErrorIs(t, err, market.ErrValidation)
}

func TestStoreGetMissing(t *testing.T) {
	store := NewStore(storage.NewMemDB())
	var id market.ID
	id[0] = 0xFF
	_, err := store.Get(id)
	require.ErrorIs(t, err, market.ErrNotFound)
}
