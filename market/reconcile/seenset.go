package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"

	"marketd/storage"
)

const seenPrefix = "seen/"

type seenRecord struct {
	At int64 `json:"at"`
}

// seenSet is the persisted envelope dedup set. Entries outlive restarts so a
// node that crashes between applying an envelope and its re-delivery still
// treats the re-delivery as a duplicate. Expired entries are pruned by the
// reconciler's janitor; the TTL only needs to exceed the transport's
// re-delivery horizon.
type seenSet struct {
	db  storage.Database
	ttl int64
}

func newSeenSet(db storage.Database, ttlSeconds int64) *seenSet {
	return &seenSet{db: db, ttl: ttlSeconds}
}

func (s *seenSet) contains(identity string) (bool, error) {
	_, err := s.db.Get(seenKey(identity))
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *seenSet) remember(identity string, now int64) error {
	raw, err := json.Marshal(seenRecord{At: now})
	if err != nil {
		return fmt.Errorf("seen set: marshal: %w", err)
	}
	return s.db.Put(seenKey(identity), raw)
}

// prune removes entries older than the TTL and returns the live count.
func (s *seenSet) prune(now int64) (int, error) {
	live := 0
	expired := make([][]byte, 0)
	err := s.db.IteratePrefix([]byte(seenPrefix), func(key, value []byte) bool {
		var rec seenRecord
		if err := json.Unmarshal(value, &rec); err != nil || now-rec.At > s.ttl {
			expired = append(expired, append([]byte(nil), key...))
			return true
		}
		live++
		return true
	})
	if err != nil {
		return 0, err
	}
	for _, key := range expired {
		if err := s.db.Delete(key); err != nil {
			return live, err
		}
	}
	return live, nil
}

func seenKey(identity string) []byte {
	return []byte(seenPrefix + strings.TrimSpace(identity))
}
