// Package orchestrator wires the capture pipeline together and owns its
// lifecycle: credential loading, lazy registration, intake filtering,
// flush triggering and bounded shutdown. Hook-facing methods never return
// errors; degradation is logged and shaped.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/memrelay/memrelay/internal/conversation"
	"github.com/memrelay/memrelay/internal/credstore"
	"github.com/memrelay/memrelay/internal/flush"
	"github.com/memrelay/memrelay/internal/memapi"
	"github.com/memrelay/memrelay/internal/observability"
	"github.com/memrelay/memrelay/internal/policy"
	"github.com/memrelay/memrelay/internal/recall"
	"github.com/memrelay/memrelay/internal/registration"
)

// MemoryAdmin is the operator passthrough slice of the service client.
type MemoryAdmin interface {
	ListMemories(ctx context.Context, limit, offset int) (memapi.ListResponse, error)
	DeleteMemory(ctx context.Context, id string) error
}

type Options struct {
	// ExplicitBaseURL is a base URL the operator set in config. It wins
	// over the persisted record; empty means "not explicitly set".
	ExplicitBaseURL string
	// DefaultBaseURL applies when neither config nor the persisted record
	// name a base URL.
	DefaultBaseURL string
	// MaskSecrets enables outbound secret masking of turn content.
	MaskSecrets bool
}

type Deps struct {
	Buffer    *conversation.Buffer
	Flush     *flush.Coordinator
	Recall    *recall.Client
	Registrar *registration.Client
	Store     *credstore.Store
	Creds     *credstore.Holder
	Admin     MemoryAdmin
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
}

// Injection is what the host receives at conversation start: the shaped
// recall result plus a ready-to-inject context block.
type Injection struct {
	Context string        `json:"context,omitempty"`
	Result  recall.Result `json:"result"`
}

type Status struct {
	Initialized   bool                          `json:"initialized"`
	HasCredential bool                          `json:"has_credential"`
	ProjectID     string                        `json:"project_id,omitempty"`
	AgentID       string                        `json:"agent_id,omitempty"`
	APIBaseURL    string                        `json:"api_base_url"`
	Conversation  conversation.Snapshot         `json:"conversation"`
	Latency       observability.LatencySnapshot `json:"latency"`
}

type Orchestrator struct {
	opts    Options
	buf     *conversation.Buffer
	coord   *flush.Coordinator
	rec     *recall.Client
	reg     *registration.Client
	store   *credstore.Store
	creds   *credstore.Holder
	admin   MemoryAdmin
	metrics *observability.Metrics
	logger  zerolog.Logger

	mu          sync.Mutex
	initialized bool
	runCtx      context.Context

	registering atomic.Bool
	regTasks    conc.WaitGroup
}

func New(opts Options, deps Deps) *Orchestrator {
	return &Orchestrator{
		opts:    opts,
		buf:     deps.Buffer,
		coord:   deps.Flush,
		rec:     deps.Recall,
		reg:     deps.Registrar,
		store:   deps.Store,
		creds:   deps.Creds,
		admin:   deps.Admin,
		metrics: deps.Metrics,
		logger:  deps.Logger.With().Str("component", "orchestrator").Logger(),
	}
}

// Init loads the persisted credential, resolves the base URL (explicit
// config beats the persisted record beats the built-in default), starts
// the flush loop and kicks off registration when no credential exists.
// Idempotent: repeat calls are no-ops. ctx should live for the process.
func (o *Orchestrator) Init(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.initialized {
		return nil
	}

	rec, err := o.store.Load()
	switch {
	case err == nil:
	case errors.Is(err, credstore.ErrNotFound):
		rec = credstore.Record{}
	default:
		// A corrupt record heals itself on the next successful
		// registration; do not take the host down over it.
		o.logger.Warn().Err(err).Msg("unreadable credential record, starting unregistered")
		rec = credstore.Record{}
	}

	base := o.opts.DefaultBaseURL
	if rec.APIBaseURL != "" {
		base = rec.APIBaseURL
	}
	if o.opts.ExplicitBaseURL != "" {
		base = o.opts.ExplicitBaseURL
	}
	rec.APIBaseURL = strings.TrimRight(strings.TrimSpace(base), "/")
	o.creds.Set(rec)

	o.runCtx = ctx
	o.coord.Register(o.buf)
	o.coord.Start(ctx)

	if !rec.HasKey() {
		o.kickRegistration()
	}

	o.initialized = true
	o.logger.Info().
		Bool("has_credential", rec.HasKey()).
		Str("api_base_url", rec.APIBaseURL).
		Msg("memory pipeline initialized")
	return nil
}

// OnMessage ingests one host turn. Filler and acknowledgement messages are
// dropped here, before the buffer; the buffer itself applies no
// vocabulary. Returns whether the turn was buffered.
func (o *Orchestrator) OnMessage(ctx context.Context, role conversation.Role, content string) bool {
	if isFiller(content) {
		o.metrics.TurnFiltered("filler")
		return false
	}
	trimmed := strings.TrimSpace(content)
	if utf8.RuneCountInString(trimmed) < 2 {
		o.metrics.TurnFiltered("too_short")
		return false
	}
	if o.opts.MaskSecrets {
		if masked, changed := policy.MaskSecrets(trimmed); changed {
			trimmed = masked
			o.logger.Debug().Str("role", string(role)).Msg("masked secrets in turn content")
		}
	}

	ready := o.buf.Add(role, trimmed)
	o.metrics.TurnBuffered(string(role))
	o.metrics.SetPendingTurns(o.buf.Status().Pending)

	if ready {
		if o.creds.Present() {
			o.coord.FlushNow(o.buf)
		} else {
			// Nothing can ship yet; the retained buffer flushes on a
			// later sweep once registration lands.
			o.kickRegistration()
		}
	}
	return true
}

// AgentStart serves recall for a new conversation. Never fails: with no
// credential (registration is nudged for next time) or a degraded recall
// the host just gets an empty injection.
func (o *Orchestrator) AgentStart(ctx context.Context, query string, limit int) Injection {
	if !o.creds.Present() {
		o.kickRegistration()
	}
	res := o.rec.Recall(ctx, query, limit)
	return Injection{Context: recall.FormatContext(res), Result: res}
}

// EndConversation force-flushes whatever the buffer holds, synchronously
// and regardless of the round threshold.
func (o *Orchestrator) EndConversation(ctx context.Context) {
	o.coord.ForceFlush(ctx, o.buf)
	o.metrics.SetPendingTurns(o.buf.Status().Pending)
}

// ListMemories is the operator passthrough to the service list endpoint.
func (o *Orchestrator) ListMemories(ctx context.Context, limit, offset int) (memapi.ListResponse, error) {
	if !o.creds.Present() {
		o.kickRegistration()
		return memapi.ListResponse{}, memapi.ErrNoCredential
	}
	return o.admin.ListMemories(ctx, limit, offset)
}

// DeleteMemory is the operator passthrough to the service delete endpoint.
func (o *Orchestrator) DeleteMemory(ctx context.Context, id string) error {
	if !o.creds.Present() {
		o.kickRegistration()
		return memapi.ErrNoCredential
	}
	return o.admin.DeleteMemory(ctx, id)
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	initialized := o.initialized
	o.mu.Unlock()

	rec := o.creds.Current()
	return Status{
		Initialized:   initialized,
		HasCredential: rec.HasKey(),
		ProjectID:     rec.ProjectID,
		AgentID:       rec.UserID,
		APIBaseURL:    rec.APIBaseURL,
		Conversation:  o.buf.Status(),
		Latency:       o.metrics.LatencySnapshot(),
	}
}

// Shutdown drains the pipeline: awaits any in-flight registration, ships
// remaining turns and stops the flush loop, all bounded by ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if err := o.await(ctx, o.regTasks.Wait); err != nil {
		o.logger.Warn().Msg("shutdown: abandoning in-flight registration")
	}

	o.coord.ForceFlush(ctx, o.buf)

	if err := o.await(ctx, o.coord.Stop); err != nil {
		o.logger.Warn().Msg("shutdown: abandoning in-flight flush tasks")
		return fmt.Errorf("shutdown incomplete: %w", err)
	}
	return nil
}

// kickRegistration starts one background registration attempt. Concurrent
// kicks collapse into the in-flight attempt; a failed attempt re-arms so
// the next credential-requiring operation tries again.
func (o *Orchestrator) kickRegistration() {
	if o.reg == nil {
		return
	}
	if !o.registering.CompareAndSwap(false, true) {
		return
	}
	ctx := o.runContext()
	o.regTasks.Go(func() {
		defer o.registering.Store(false)
		if err := o.reg.Register(ctx); err != nil {
			o.logger.Warn().Err(err).Msg("registration failed, will retry on next use")
		}
	})
}

func (o *Orchestrator) runContext() context.Context {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runCtx != nil {
		return o.runCtx
	}
	return context.Background()
}

func (o *Orchestrator) await(ctx context.Context, wait func()) error {
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
