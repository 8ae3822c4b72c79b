// Package reconcile is the single ingestion point for inbound protocol
// messages. It deduplicates envelopes, buffers the causally-early ones, and
// dispatches the rest onto the bid and escrow state machines.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"marketd/events"
	"marketd/market"
	"marketd/market/bid"
	"marketd/market/escrow"
	"marketd/market/listing"
	"marketd/p2p"
	"marketd/storage"
)

// Outcome reports how an envelope was handled.
type Outcome uint8

const (
	// OutcomeApplied means the envelope was dispatched to its state
	// machine. It covers both state-changing applications and converged
	// no-ops (late terminals, re-broadcasts of resolved bids).
	OutcomeApplied Outcome = iota
	// OutcomeDuplicate means the envelope identity was already in the
	// seen-set; nothing was done.
	OutcomeDuplicate
	// OutcomeBuffered means a causal prerequisite is missing; the envelope
	// waits in the pending buffer and is retried automatically.
	OutcomeBuffered
	// OutcomeRejected means the envelope is structurally invalid and was
	// discarded without buffering.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeBuffered:
		return "buffered"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Options tune the reconciler's buffering and janitor behaviour.
type Options struct {
	Emitter events.Emitter
	Logger  *slog.Logger
	// MaxAttempts bounds the retries of a buffered envelope before it is
	// reported and dropped.
	MaxAttempts int
	// PendingTTL bounds how long a buffered envelope may wait overall.
	PendingTTL time.Duration
	// SeenTTL bounds dedup entry lifetime; it must exceed the transport's
	// re-delivery horizon.
	SeenTTL time.Duration
	// JanitorInterval is the sweep cadence for expiry checks.
	JanitorInterval time.Duration
}

const (
	defaultMaxAttempts     = 10
	defaultPendingTTL      = 24 * time.Hour
	defaultSeenTTL         = 7 * 24 * time.Hour
	defaultJanitorInterval = time.Minute
)

// Reconciler applies the inbound half of the protocol. Each envelope is
// processed independently: an error on one never aborts another, and all
// transitions for bids of a single listing are serialized behind a shard
// lock so two racing terminal actions cannot both win.
type Reconciler struct {
	bids     *bid.Engine
	escrows  *escrow.Engine
	listings *listing.Store

	seen    *seenSet
	pending *pendingBuffer
	locks   keyedMutex

	emitter events.Emitter
	logger  *slog.Logger
	metrics *reconcilerMetrics
	nowFn   func() int64

	maxAttempts int
	pendingTTL  int64

	janitorInterval time.Duration
	janitorStarted  atomic.Bool
	janitorStop     chan struct{}
	janitorDone     chan struct{}
	stopOnce        sync.Once
}

// New wires a reconciler over the shared database and engines.
func New(db storage.Database, bids *bid.Engine, escrows *escrow.Engine, listings *listing.Store, opts Options) *Reconciler {
	if opts.Emitter == nil {
		opts.Emitter = events.NoopEmitter{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = defaultPendingTTL
	}
	if opts.SeenTTL <= 0 {
		opts.SeenTTL = defaultSeenTTL
	}
	if opts.JanitorInterval <= 0 {
		opts.JanitorInterval = defaultJanitorInterval
	}
	return &Reconciler{
		bids:            bids,
		escrows:         escrows,
		listings:        listings,
		seen:            newSeenSet(db, int64(opts.SeenTTL/time.Second)),
		pending:         newPendingBuffer(db),
		emitter:         opts.Emitter,
		logger:          opts.Logger,
		metrics:         newReconcilerMetrics(),
		nowFn:           func() int64 { return time.Now().Unix() },
		maxAttempts:     opts.MaxAttempts,
		pendingTTL:      int64(opts.PendingTTL / time.Second),
		janitorInterval: opts.JanitorInterval,
		janitorStop:     make(chan struct{}),
		janitorDone:     make(chan struct{}),
	}
}

// SetNowFunc overrides the time source, primarily for deterministic tests.
func (r *Reconciler) SetNowFunc(now func() int64) {
	if now != nil {
		r.nowFn = now
	}
}

// Ingest processes one inbound envelope. It is safe for concurrent use and
// is reentrant with respect to the transport's delivery model.
func (r *Reconciler) Ingest(ctx context.Context, env *p2p.Envelope) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OutcomeRejected, err
	}
	if err := env.Validate(); err != nil {
		r.metrics.observeIngest(kindLabel(env), OutcomeRejected)
		return OutcomeRejected, err
	}
	mu := r.locks.lock(env.ListingID)
	defer mu.Unlock()

	identity := env.Identity()
	dup, err := r.seen.contains(identity)
	if err != nil {
		return OutcomeRejected, err
	}
	if dup {
		r.metrics.observeIngest(env.Kind, OutcomeDuplicate)
		return OutcomeDuplicate, nil
	}

	changed, err := r.apply(env)
	switch {
	case err == nil:
		if rememberErr := r.seen.remember(identity, r.now()); rememberErr != nil {
			return OutcomeRejected, rememberErr
		}
		r.metrics.observeIngest(env.Kind, OutcomeApplied)
		if changed {
			r.drainLocked(env.ListingID)
		}
		return OutcomeApplied, nil
	case errors.Is(err, market.ErrNotFound) || errors.Is(err, market.ErrPrerequisite):
		if bufErr := r.buffer(env); bufErr != nil {
			return OutcomeRejected, bufErr
		}
		if rememberErr := r.seen.remember(identity, r.now()); rememberErr != nil {
			return OutcomeRejected, rememberErr
		}
		r.metrics.observeIngest(env.Kind, OutcomeBuffered)
		r.logger.Debug("envelope buffered awaiting prerequisite",
			slog.String("kind", env.Kind),
			slog.String("listing", env.ListingID.Hex()),
			slog.Any("cause", err))
		return OutcomeBuffered, nil
	default:
		r.metrics.observeIngest(env.Kind, OutcomeRejected)
		return OutcomeRejected, err
	}
}

// apply dispatches a validated envelope to its state machine. The returned
// bool reports whether local state changed, which is what triggers a drain
// of the listing's pending buffer.
func (r *Reconciler) apply(env *p2p.Envelope) (bool, error) {
	switch env.Kind {
	case p2p.KindListingPublish:
		return r.applyListing(env)
	case p2p.KindBidPropose:
		var payload p2p.BidProposePayload
		if err := env.DecodePayload(&payload); err != nil {
			return false, err
		}
		_, result, err := r.bids.ApplyProposal(bid.Proposal{
			ListingID: env.ListingID,
			Bidder:    env.Sender,
			Amount:    payload.Amount,
			Nonce:     env.Nonce,
			At:        env.SentAt,
		})
		return result == bid.ApplyApplied, err
	case p2p.KindBidAccept, p2p.KindBidReject, p2p.KindBidCancel:
		bidID, ok := env.BidID()
		if !ok {
			return false, market.Validationf("bid action without bid identity")
		}
		result, err := r.bids.ApplyTerminal(bidID, bidActionFor(env.Kind), env.Sender, env.Nonce, env.SentAt)
		return result == bid.ApplyApplied, err
	default:
		bidID, ok := env.BidID()
		if !ok {
			return false, market.Validationf("escrow action without bid identity")
		}
		result, err := r.escrows.Apply(bidID, escrowActionFor(env.Kind), env.Sender, env.Nonce, env.SentAt)
		return result == escrow.ApplyApplied, err
	}
}

func (r *Reconciler) applyListing(env *p2p.Envelope) (bool, error) {
	var payload p2p.ListingPublishPayload
	if err := env.DecodePayload(&payload); err != nil {
		return false, err
	}
	published := payload.Listing.Clone()
	if published.ID != env.ListingID {
		return false, market.Validationf("envelope listing identity does not match payload")
	}
	// Never trust the sender's claimed identity: re-derive it.
	derived, err := listing.Identity(published)
	if err != nil {
		return false, err
	}
	if derived != published.ID {
		return false, market.Validationf("published listing identity does not match its content")
	}
	if _, err := r.listings.Get(published.ID); err == nil {
		// Already known; independent receipt of the same listing.
		return false, nil
	} else if !errors.Is(err, market.ErrNotFound) {
		return false, err
	}
	if err := r.listings.Put(published); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Reconciler) buffer(env *p2p.Envelope) error {
	known, err := r.pending.has(env)
	if err != nil {
		return err
	}
	if err := r.pending.put(&pendingEntry{Envelope: env, FirstSeen: r.now()}); err != nil {
		return err
	}
	if !known {
		r.metrics.observePending(1)
	}
	return nil
}

// drainLocked retries every buffered envelope for the listing. It loops
// until a pass makes no progress, so one arrival can cascade: a PROPOSE
// unblocks a buffered ACCEPT, which unblocks a buffered LOCK. Callers must
// hold the listing's shard lock.
func (r *Reconciler) drainLocked(listingID market.ID) {
	for {
		entries, err := r.pending.forListing(listingID)
		if err != nil {
			r.logger.Error("pending buffer scan failed", slog.Any("error", err))
			return
		}
		if len(entries) == 0 {
			return
		}
		progress := false
		for _, entry := range entries {
			changed, err := r.apply(entry.Envelope)
			switch {
			case err == nil:
				r.removePending(entry.Envelope)
				if changed {
					progress = true
				}
			case errors.Is(err, market.ErrNotFound) || errors.Is(err, market.ErrPrerequisite):
				entry.Attempts++
				if entry.Attempts >= r.maxAttempts {
					r.reportExhausted(entry, err)
					continue
				}
				if putErr := r.pending.put(entry); putErr != nil {
					r.logger.Error("pending buffer update failed", slog.Any("error", putErr))
				}
			default:
				r.logger.Warn("dropping unprocessable buffered envelope",
					slog.String("kind", entry.Envelope.Kind),
					slog.Any("error", err))
				r.removePending(entry.Envelope)
			}
		}
		if !progress {
			return
		}
	}
}

func (r *Reconciler) removePending(env *p2p.Envelope) {
	if err := r.pending.remove(env); err != nil {
		r.logger.Error("pending buffer remove failed", slog.Any("error", err))
		return
	}
	r.metrics.observePending(-1)
}

// reportExhausted surfaces a buffered envelope that ran out of retry budget.
// The effect of the envelope is simply "not visible"; the report is for
// operators diagnosing split-brain or missing-prerequisite scenarios.
func (r *Reconciler) reportExhausted(entry *pendingEntry, cause error) {
	env := entry.Envelope
	bidID, _ := env.BidID()
	r.logger.Error("buffered envelope exceeded retry budget",
		slog.String("kind", env.Kind),
		slog.String("listing", env.ListingID.Hex()),
		slog.Int("attempts", entry.Attempts),
		slog.Any("cause", cause))
	r.emitter.Emit(events.ReconcileTimeout{
		EnvelopeID: env.Identity(),
		ListingID:  env.ListingID,
		BidID:      bidID,
		Attempts:   entry.Attempts,
	})
	r.metrics.observeRetryDrop()
	r.removePending(env)
}

// WithListingLock serializes a locally-initiated action with inbound
// processing for the same listing. The node layer runs every state-changing
// local operation through it and must not perform blocking sends inside fn.
func (r *Reconciler) WithListingLock(listingID market.ID, fn func() error) error {
	mu := r.locks.lock(listingID)
	defer mu.Unlock()
	return fn()
}

// StartJanitor launches the expiry sweep: pruning the dedup set and
// reporting buffered envelopes older than the pending TTL. Stop it with
// StopJanitor.
func (r *Reconciler) StartJanitor(ctx context.Context) {
	if !r.janitorStarted.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(r.janitorDone)
		ticker := time.NewTicker(r.janitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.janitorStop:
				return
			case <-ticker.C:
				r.sweep()
			}
		}
	}()
}

// StopJanitor halts the sweep loop and waits for it to exit. Safe to call
// when the janitor was never started.
func (r *Reconciler) StopJanitor() {
	r.stopOnce.Do(func() { close(r.janitorStop) })
	if r.janitorStarted.Load() {
		<-r.janitorDone
	}
}

func (r *Reconciler) sweep() {
	now := r.now()
	live, err := r.seen.prune(now)
	if err != nil {
		r.logger.Error("seen set prune failed", slog.Any("error", err))
	} else {
		r.metrics.observeSeen(live)
	}
	entries, err := r.pending.all()
	if err != nil {
		r.logger.Error("pending buffer scan failed", slog.Any("error", err))
		return
	}
	for _, entry := range entries {
		if now-entry.FirstSeen <= r.pendingTTL {
			continue
		}
		mu := r.locks.lock(entry.Envelope.ListingID)
		// The entry may have drained between the scan and taking the lock.
		still, hasErr := r.pending.has(entry.Envelope)
		if hasErr != nil {
			r.logger.Error("pending buffer check failed", slog.Any("error", hasErr))
		} else if still {
			r.reportExhausted(entry, market.Prerequisitef("pending envelope expired"))
		}
		mu.Unlock()
	}
}

func (r *Reconciler) now() int64 {
	if r.nowFn == nil {
		return time.Now().Unix()
	}
	return r.nowFn()
}

func kindLabel(env *p2p.Envelope) string {
	if env == nil || env.Kind == "" {
		return "unknown"
	}
	return env.Kind
}

func bidActionFor(kind string) bid.Action {
	switch kind {
	case p2p.KindBidAccept:
		return bid.ActionAccept
	case p2p.KindBidReject:
		return bid.ActionReject
	default:
		return bid.ActionCancel
	}
}

func escrowActionFor(kind string) escrow.Action {
	switch kind {
	case p2p.KindEscrowLock:
		return escrow.ActionLock
	case p2p.KindEscrowRelease:
		return escrow.ActionRelease
	case p2p.KindEscrowRefund:
		return escrow.ActionRefund
	default:
		return escrow.ActionDispute
	}
}
