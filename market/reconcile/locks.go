package reconcile

import (
	"hash/fnv"
	"sync"

	"marketd/market"
)

const lockShards = 64

// keyedMutex serializes work per listing identity. All transitions for bids
// against the same listing share a shard, which preserves the
// first-terminal-wins guarantee for any single bid while letting unrelated
// listings proceed concurrently.
type keyedMutex struct {
	shards [lockShards]sync.Mutex
}

func (k *keyedMutex) lock(id market.ID) *sync.Mutex {
	mu := &k.shards[shardFor(id)]
	mu.Lock()
	return mu
}

func shardFor(id market.ID) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return h.Sum32() % lockShards
}
