// Package recall fetches stored memories relevant to a new conversation.
// Recall sits on the host's critical path, so it never returns an error:
// missing credentials, quota exhaustion and transport failures all degrade
// to a well-formed empty result.
package recall

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"

	"github.com/memrelay/memrelay/internal/credstore"
	"github.com/memrelay/memrelay/internal/memapi"
	"github.com/memrelay/memrelay/internal/observability"
)

// CategoryOther is assigned when the service omits a memory's category.
// Known service tags (episodic, semantic, procedural, emotional,
// reflective) pass through untouched; so does anything unrecognized.
const CategoryOther = "other"

// DefaultUpgradeHint is shown when the service signals quota exhaustion
// without its own detail message.
const DefaultUpgradeHint = "Memory quota exhausted. Upgrade your plan to continue recalling memories."

const (
	defaultLimit    = 5
	defaultScore    = 0.5
	minQueryRunes   = 2
	contextHeader   = "=== RECALLED MEMORIES ==="
	limitedAdvisory = "[memory recall limited] "
)

type Memory struct {
	ID       string  `json:"id"`
	Content  string  `json:"content"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// Result is always well-formed. RemainingQuota is 0 when recall was
// skipped or limited, -1 when the service did not report a figure.
type Result struct {
	Memories       []Memory `json:"memories"`
	IsLimited      bool     `json:"is_limited"`
	RemainingQuota int      `json:"remaining_quota"`
	UpgradeHint    string   `json:"upgrade_hint,omitempty"`
}

// Searcher is the slice of the service client recall depends on.
type Searcher interface {
	SearchMemories(ctx context.Context, query string, limit int) (memapi.SearchResponse, error)
}

type Options struct {
	DefaultLimit int
	// CacheTTL bounds how long a successful result serves repeat queries
	// without spending quota. Zero disables caching.
	CacheTTL time.Duration
}

type Client struct {
	searcher     Searcher
	creds        *credstore.Holder
	metrics      *observability.Metrics
	logger       zerolog.Logger
	cache        *ristretto.Cache
	cacheTTL     time.Duration
	defaultLimit int
}

func NewClient(searcher Searcher, creds *credstore.Holder, metrics *observability.Metrics, logger zerolog.Logger, opts Options) (*Client, error) {
	c := &Client{
		searcher:     searcher,
		creds:        creds,
		metrics:      metrics,
		logger:       logger.With().Str("component", "recall").Logger(),
		cacheTTL:     opts.CacheTTL,
		defaultLimit: opts.DefaultLimit,
	}
	if c.defaultLimit <= 0 {
		c.defaultLimit = defaultLimit
	}
	if opts.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1 << 12,
			MaxCost:     1 << 20,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("init recall cache: %w", err)
		}
		c.cache = cache
	}
	return c, nil
}

// Close releases the result cache.
func (c *Client) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}

// Recall searches stored memories for the query. Queries shorter than two
// runes and calls without a credential short-circuit locally.
func (c *Client) Recall(ctx context.Context, query string, limit int) Result {
	start := time.Now()
	query = strings.TrimSpace(query)
	if limit <= 0 {
		limit = c.defaultLimit
	}

	if utf8.RuneCountInString(query) < minQueryRunes || !c.creds.Present() {
		c.metrics.ObserveRecall(observability.RecallSkipped, time.Since(start))
		return Result{RemainingQuota: 0}
	}

	key := cacheKey(query, limit)
	if c.cache != nil {
		if v, ok := c.cache.Get(key); ok {
			if res, ok := v.(Result); ok {
				c.metrics.ObserveRecall(observability.RecallCacheHit, time.Since(start))
				return res
			}
		}
	}

	resp, err := c.searcher.SearchMemories(ctx, query, limit)
	if err != nil {
		var se *memapi.StatusError
		if errors.As(err, &se) && (se.StatusCode == http.StatusPaymentRequired || se.StatusCode == http.StatusTooManyRequests) {
			hint := se.Detail
			if hint == "" {
				hint = DefaultUpgradeHint
			}
			c.logger.Warn().Int("status", se.StatusCode).Msg("recall limited by quota")
			c.metrics.ObserveRecall(observability.RecallLimited, time.Since(start))
			return Result{IsLimited: true, RemainingQuota: 0, UpgradeHint: hint}
		}
		c.logger.Warn().Err(err).Msg("recall failed, returning empty result")
		c.metrics.ObserveRecall(observability.RecallError, time.Since(start))
		return Result{RemainingQuota: 0}
	}

	res := Result{
		Memories:       make([]Memory, 0, len(resp.Data)),
		RemainingQuota: -1,
	}
	if resp.RemainingQuota != nil {
		res.RemainingQuota = *resp.RemainingQuota
	}
	for _, item := range resp.Data {
		category := item.Category
		if category == "" {
			category = CategoryOther
		}
		score := defaultScore
		if item.Score != nil {
			score = *item.Score
		}
		res.Memories = append(res.Memories, Memory{
			ID:       item.ID,
			Content:  item.Content,
			Category: category,
			Score:    score,
		})
	}

	if c.cache != nil {
		c.cache.SetWithTTL(key, res, 1, c.cacheTTL)
	}
	c.metrics.ObserveRecall(observability.RecallOK, time.Since(start))
	return res
}

func cacheKey(query string, limit int) string {
	return fmt.Sprintf("%d|%s", limit, strings.ToLower(query))
}

// FormatContext renders the prompt block a host injects before its first
// model call. Empty results render as an empty string; a limited result
// surfaces the upgrade hint as a single advisory line.
func FormatContext(res Result) string {
	if len(res.Memories) == 0 {
		if res.IsLimited {
			hint := res.UpgradeHint
			if hint == "" {
				hint = DefaultUpgradeHint
			}
			return limitedAdvisory + hint
		}
		return ""
	}

	var b strings.Builder
	b.WriteString(contextHeader)
	b.WriteString("\n")
	for i, m := range res.Memories {
		fmt.Fprintf(&b, "%d. [%s] %s (relevance %.2f)\n", i+1, m.Category, m.Content, m.Score)
	}
	return strings.TrimRight(b.String(), "\n")
}
