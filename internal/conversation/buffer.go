// Package conversation buffers dialogue turns into logical conversation
// units. A unit accumulates until enough user/assistant rounds complete or
// the dialogue goes idle, at which point the coordinator drains it as a
// batch and the buffer starts a fresh conversation id.
package conversation

import (
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// DefaultRoundThreshold is the number of completed user->assistant rounds
// after which a buffer reports itself flush-ready.
const DefaultRoundThreshold = 2

// DefaultIdleTimeout is the inactivity window after which pending turns are
// flushed even below the round threshold.
const DefaultIdleTimeout = 30 * time.Minute

const minContentRunes = 2

type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Batch is one drained conversation unit. Turns keep arrival order.
type Batch struct {
	ConversationID string `json:"conversation_id"`
	Turns          []Turn `json:"turns"`
	TokenEstimate  int    `json:"token_estimate"`
}

type Options struct {
	RoundThreshold int
	IdleTimeout    time.Duration
}

type Snapshot struct {
	Pending        int       `json:"pending_turns"`
	Rounds         int       `json:"rounds"`
	ConversationID string    `json:"conversation_id"`
	LastActivity   time.Time `json:"last_activity,omitempty"`
}

// Buffer is a mutex-guarded turn accumulator for a single logical
// conversation stream. All methods are safe for concurrent use.
type Buffer struct {
	mu             sync.Mutex
	roundThreshold int
	idleTimeout    time.Duration
	turns          []Turn
	roundCount     int
	lastRole       Role
	conversationID string
	lastActivity   time.Time
}

func NewBuffer(opts Options) *Buffer {
	if opts.RoundThreshold <= 0 {
		opts.RoundThreshold = DefaultRoundThreshold
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Buffer{
		roundThreshold: opts.RoundThreshold,
		idleTimeout:    opts.IdleTimeout,
		conversationID: newConversationID(),
	}
}

// Add appends a turn and reports whether the buffer has reached its round
// threshold. Content shorter than two runes after trimming is rejected and
// leaves the buffer untouched; rejected calls always return false. A round
// completes when an assistant turn directly follows a user turn.
func (b *Buffer) Add(role Role, content string) bool {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) < minContentRunes {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.turns = append(b.turns, Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
	if role == RoleAssistant && b.lastRole == RoleUser {
		b.roundCount++
	}
	b.lastRole = role
	b.lastActivity = time.Now().UTC()
	return b.roundCount >= b.roundThreshold
}

// ShouldFlush reports whether pending turns are ready to ship: the round
// threshold is met, or the conversation has been idle for longer than the
// idle timeout. An empty buffer is never flush-ready.
func (b *Buffer) ShouldFlush() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.turns) == 0 {
		return false
	}
	if b.roundCount >= b.roundThreshold {
		return true
	}
	return time.Now().UTC().Sub(b.lastActivity) > b.idleTimeout
}

// Drain returns every pending turn under the current conversation id and
// resets the buffer, rotating to a fresh id so the next conversation unit
// never shares an id with a drained batch. Returns nil when empty.
func (b *Buffer) Drain() *Batch {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.turns) == 0 {
		return nil
	}
	batch := &Batch{
		ConversationID: b.conversationID,
		Turns:          b.turns,
	}
	for _, t := range batch.Turns {
		batch.TokenEstimate += EstimateTokens(t.Content)
	}
	b.turns = nil
	b.roundCount = 0
	b.lastRole = ""
	b.conversationID = newConversationID()
	return batch
}

func (b *Buffer) Status() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Pending:        len(b.turns),
		Rounds:         b.roundCount,
		ConversationID: b.conversationID,
		LastActivity:   b.lastActivity,
	}
}

// EstimateTokens approximates the token cost of content as one token per
// four runes, with a floor of one for non-empty content. The service only
// uses the figure for quota accounting, so a rough heuristic is enough.
func EstimateTokens(content string) int {
	n := utf8.RuneCountInString(content)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// Conversation ids lead with a time-ordered UUIDv7 so batches sort by
// creation while staying unpredictable.
func newConversationID() string {
	return "conv-" + uuid.Must(uuid.NewV7()).String()
}
