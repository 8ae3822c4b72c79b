package p2p

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu   sync.Mutex
	sent []*Envelope
}

func (r *recordingBroadcaster) Send(ctx context.Context, env *Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *recordingBroadcaster) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func TestOutboundQueueDrainsOnStop(t *testing.T) {
	sink := &recordingBroadcaster{}
	q := NewOutboundQueue(sink, nil, 8)

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(&Envelope{Kind: KindListingPublish, Nonce: fmt.Sprintf("n-%d", i)}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	q.Stop()

	require.Equal(t, 3, sink.count())
}

func TestOutboundQueueStopWithoutStart(t *testing.T) {
	q := NewOutboundQueue(&recordingBroadcaster{}, nil, 4)

	done := make(chan struct{})
	go func() {
		q.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked without a started worker")
	}

	require.ErrorIs(t, q.Enqueue(&Envelope{Kind: KindListingPublish, Nonce: "n"}), errQueueClosed)
}
