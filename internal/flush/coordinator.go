// Package flush ships drained conversation batches to the memory service.
// A ticker sweeps registered buffers; an atomic per-buffer flag guarantees
// at most one in-flight flush per buffer, with concurrent triggers
// coalesced rather than queued. Shipping is at-most-once: a batch drained
// before a failed send is dropped, never re-queued.
package flush

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/memrelay/memrelay/internal/conversation"
	"github.com/memrelay/memrelay/internal/credstore"
	"github.com/memrelay/memrelay/internal/memapi"
	"github.com/memrelay/memrelay/internal/observability"
)

// DefaultInterval is the sweep period for timer-driven flushes.
const DefaultInterval = 30 * time.Second

// Sender is the slice of the service client the coordinator depends on.
type Sender interface {
	FlushConversation(ctx context.Context, batch *conversation.Batch) (memapi.FlushResponse, error)
}

type entry struct {
	buf      *conversation.Buffer
	inFlight atomic.Bool
}

type Coordinator struct {
	sender   Sender
	creds    *credstore.Holder
	metrics  *observability.Metrics
	logger   zerolog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries map[*conversation.Buffer]*entry
	runCtx  context.Context

	tasks conc.WaitGroup
}

func New(sender Sender, creds *credstore.Holder, metrics *observability.Metrics, logger zerolog.Logger, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Coordinator{
		sender:   sender,
		creds:    creds,
		metrics:  metrics,
		logger:   logger.With().Str("component", "flush").Logger(),
		interval: interval,
		entries:  make(map[*conversation.Buffer]*entry),
	}
}

// Register adds a buffer to the sweep set. Registering the same buffer
// twice is a no-op.
func (c *Coordinator) Register(buf *conversation.Buffer) {
	c.ensure(buf)
}

// Start launches the sweep loop. It exits when ctx is cancelled; pending
// flush tasks are awaited by Stop.
func (c *Coordinator) Start(ctx context.Context) {
	c.mu.Lock()
	c.runCtx = ctx
	c.mu.Unlock()

	ticker := time.NewTicker(c.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep(ctx)
			}
		}
	}()
}

// Stop waits for in-flight flush tasks to finish.
func (c *Coordinator) Stop() {
	c.tasks.Wait()
}

// FlushNow triggers an asynchronous flush of one buffer, used when the
// round threshold fires so the batch ships without waiting for the next
// sweep. Coalesces with any flush already in flight.
func (c *Coordinator) FlushNow(buf *conversation.Buffer) {
	e := c.ensure(buf)
	ctx := c.runContext()
	c.tasks.Go(func() { c.flush(ctx, e) })
}

// ForceFlush synchronously ships whatever the buffer holds, ignoring the
// round threshold. An empty buffer is a no-op. Used on conversation end
// and during shutdown with a bounded context.
func (c *Coordinator) ForceFlush(ctx context.Context, buf *conversation.Buffer) {
	c.flush(ctx, c.ensure(buf))
}

func (c *Coordinator) sweep(ctx context.Context) {
	c.mu.Lock()
	eligible := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		eligible = append(eligible, e)
	}
	c.mu.Unlock()

	for _, e := range eligible {
		if !e.buf.ShouldFlush() {
			continue
		}
		e := e
		c.tasks.Go(func() { c.flush(ctx, e) })
	}
}

// flush performs one shipping attempt. The in-flight flag is released on
// every exit path; a lost CAS means another flush owns this buffer and the
// trigger is dropped.
func (c *Coordinator) flush(ctx context.Context, e *entry) {
	if !e.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer e.inFlight.Store(false)

	if !c.creds.Present() {
		c.logger.Debug().Msg("flush skipped: no credential, buffer retained")
		return
	}

	batch := e.buf.Drain()
	if batch == nil {
		return
	}

	start := time.Now()
	resp, err := c.sender.FlushConversation(ctx, batch)
	if err != nil {
		var se *memapi.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusPaymentRequired {
			c.metrics.ObserveFlush(observability.FlushQuota, 0, time.Since(start))
			c.logger.Warn().
				Str("conversation_id", batch.ConversationID).
				Int("turns", len(batch.Turns)).
				Str("detail", se.Detail).
				Msg("extraction quota exhausted, batch dropped")
			return
		}
		c.metrics.ObserveFlush(observability.FlushError, 0, time.Since(start))
		c.logger.Error().Err(err).
			Str("conversation_id", batch.ConversationID).
			Int("turns", len(batch.Turns)).
			Msg("flush failed, batch dropped")
		return
	}

	c.metrics.ObserveFlush(observability.FlushOK, len(batch.Turns), time.Since(start))
	c.metrics.SetPendingTurns(e.buf.Status().Pending)
	c.logger.Info().
		Str("conversation_id", batch.ConversationID).
		Int("turns", len(batch.Turns)).
		Int("tokens", batch.TokenEstimate).
		Int("extracted", resp.ExtractedCount).
		Msg("batch flushed")
}

func (c *Coordinator) ensure(buf *conversation.Buffer) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[buf]
	if !ok {
		e = &entry{buf: buf}
		c.entries[buf] = e
	}
	return e
}

func (c *Coordinator) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runCtx != nil {
		return c.runCtx
	}
	return context.Background()
}
