package p2p

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// Broadcaster hands an envelope to the messaging network. Delivery
// guarantees belong to the transport; the core treats Send as
// fire-and-forget.
type Broadcaster interface {
	Send(ctx context.Context, env *Envelope) error
}

// BroadcasterFunc adapts a function to the Broadcaster interface.
type BroadcasterFunc func(ctx context.Context, env *Envelope) error

func (f BroadcasterFunc) Send(ctx context.Context, env *Envelope) error { return f(ctx, env) }

var (
	errQueueClosed  = errors.New("p2p: outbound queue closed")
	errNotConnected = errors.New("p2p: messaging daemon not connected")
)

// OutboundQueue decouples state machine transitions from the blocking
// broadcast call: callers enqueue while holding a per-bid lock and a single
// background worker drains to the Broadcaster. Failed sends are logged and
// dropped; retransmission is the transport's concern.
type OutboundQueue struct {
	broadcaster Broadcaster
	logger      *slog.Logger

	mu      sync.Mutex
	queue   chan *Envelope
	stop    chan struct{}
	done    chan struct{}
	started bool
	closed  bool
}

func NewOutboundQueue(broadcaster Broadcaster, logger *slog.Logger, depth int) *OutboundQueue {
	if depth <= 0 {
		depth = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboundQueue{
		broadcaster: broadcaster,
		logger:      logger,
		queue:       make(chan *Envelope, depth),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start launches the drain worker.
func (q *OutboundQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()
	go func() {
		defer close(q.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-q.stop:
				q.flush(ctx)
				return
			case env := <-q.queue:
				q.send(ctx, env)
			}
		}
	}()
}

// flush sends everything queued at stop time before the worker exits.
func (q *OutboundQueue) flush(ctx context.Context) {
	for {
		select {
		case env := <-q.queue:
			q.send(ctx, env)
		default:
			return
		}
	}
}

func (q *OutboundQueue) send(ctx context.Context, env *Envelope) {
	if err := q.broadcaster.Send(ctx, env); err != nil {
		q.logger.Warn("broadcast failed",
			slog.String("kind", env.Kind),
			slog.String("nonce", env.Nonce),
			slog.Any("error", err))
	}
}

// Stop shuts the worker down after it finishes draining envelopes queued so
// far, and waits for it to exit. Safe to call when Start never ran.
func (q *OutboundQueue) Stop() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.stop)
	}
	started := q.started
	q.mu.Unlock()
	if started {
		<-q.done
	}
}

// Enqueue hands an envelope to the drain worker without blocking on the
// network. A full queue drops the envelope with a log line rather than
// stalling the caller, who may be holding a per-bid lock.
func (q *OutboundQueue) Enqueue(env *Envelope) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return errQueueClosed
	}
	select {
	case q.queue <- env:
		return nil
	default:
		q.logger.Warn("outbound queue full, dropping envelope",
			slog.String("kind", env.Kind),
			slog.String("nonce", env.Nonce))
		return nil
	}
}
