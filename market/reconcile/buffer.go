package reconcile

import (
	"encoding/json"
	"fmt"

	"marketd/market"
	"marketd/p2p"
	"marketd/storage"
)

const pendingPrefix = "pending/"

// pendingEntry is one buffered envelope awaiting its causal prerequisite.
type pendingEntry struct {
	Envelope  *p2p.Envelope `json:"envelope"`
	Attempts  int           `json:"attempts"`
	FirstSeen int64         `json:"firstSeen"`
}

// pendingBuffer persists envelopes whose prerequisites have not been
// observed yet, keyed by the listing identity they reference. Everything
// pending for a listing is retried whenever another envelope for that
// listing applies, so a late PROPOSE unblocks a buffered ACCEPT which in
// turn unblocks a buffered LOCK.
type pendingBuffer struct {
	db storage.Database
}

func newPendingBuffer(db storage.Database) *pendingBuffer {
	return &pendingBuffer{db: db}
}

func (b *pendingBuffer) put(entry *pendingEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("pending buffer: marshal: %w", err)
	}
	return b.db.Put(pendingKey(entry.Envelope), raw)
}

func (b *pendingBuffer) remove(env *p2p.Envelope) error {
	return b.db.Delete(pendingKey(env))
}

func (b *pendingBuffer) has(env *p2p.Envelope) (bool, error) {
	_, err := b.db.Get(pendingKey(env))
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// forListing returns every pending entry referencing the listing.
func (b *pendingBuffer) forListing(listingID market.ID) ([]*pendingEntry, error) {
	entries := make([]*pendingEntry, 0)
	var scanErr error
	err := b.db.IteratePrefix(listingPrefix(listingID), func(key, value []byte) bool {
		entry := &pendingEntry{}
		if err := json.Unmarshal(value, entry); err != nil {
			scanErr = fmt.Errorf("pending buffer: unmarshal %s: %w", key, err)
			return false
		}
		entries = append(entries, entry)
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return entries, nil
}

// all returns every pending entry. Used by the janitor's expiry sweep.
func (b *pendingBuffer) all() ([]*pendingEntry, error) {
	entries := make([]*pendingEntry, 0)
	var scanErr error
	err := b.db.IteratePrefix([]byte(pendingPrefix), func(key, value []byte) bool {
		entry := &pendingEntry{}
		if err := json.Unmarshal(value, entry); err != nil {
			scanErr = fmt.Errorf("pending buffer: unmarshal %s: %w", key, err)
			return false
		}
		entries = append(entries, entry)
		return true
	})
	if err != nil {
		return nil, err
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return entries, nil
}

func (b *pendingBuffer) size() (int, error) {
	count := 0
	err := b.db.IteratePrefix([]byte(pendingPrefix), func(key, value []byte) bool {
		count++
		return true
	})
	return count, err
}

func pendingKey(env *p2p.Envelope) []byte {
	return append(listingPrefix(env.ListingID), []byte(env.Identity())...)
}

func listingPrefix(listingID market.ID) []byte {
	return []byte(pendingPrefix + listingID.Hex() + "/")
}
