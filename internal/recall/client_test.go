package recall

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/memrelay/memrelay/internal/credstore"
	"github.com/memrelay/memrelay/internal/memapi"
)

type fakeSearcher struct {
	calls int
	resp  memapi.SearchResponse
	err   error
}

func (f *fakeSearcher) SearchMemories(ctx context.Context, query string, limit int) (memapi.SearchResponse, error) {
	f.calls++
	if f.err != nil {
		return memapi.SearchResponse{}, f.err
	}
	return f.resp, nil
}

func holderWithKey(t *testing.T) *credstore.Holder {
	t.Helper()
	h := credstore.NewHolder()
	h.Set(credstore.Record{APIKey: "mk-key", ProjectID: "default", APIBaseURL: "https://svc.example"})
	return h
}

func newTestRecall(t *testing.T, s Searcher, h *credstore.Holder, opts Options) *Client {
	t.Helper()
	c, err := NewClient(s, h, nil, zerolog.Nop(), opts)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestRecallShortCircuitsWithoutCredential(t *testing.T) {
	s := &fakeSearcher{}
	c := newTestRecall(t, s, credstore.NewHolder(), Options{})

	res := c.Recall(context.Background(), "what did we discuss", 5)
	if s.calls != 0 {
		t.Fatalf("searcher calls = %d, want 0", s.calls)
	}
	if len(res.Memories) != 0 || res.IsLimited || res.RemainingQuota != 0 {
		t.Fatalf("Recall() = %+v, want empty unlimited zero-quota", res)
	}
}

func TestRecallShortCircuitsShortQuery(t *testing.T) {
	s := &fakeSearcher{}
	c := newTestRecall(t, s, holderWithKey(t), Options{})

	for _, q := range []string{"", "  ", "a", "好"} {
		res := c.Recall(context.Background(), q, 5)
		if s.calls != 0 {
			t.Fatalf("searcher calls = %d for query %q, want 0", s.calls, q)
		}
		if len(res.Memories) != 0 || res.IsLimited || res.RemainingQuota != 0 {
			t.Fatalf("Recall(%q) = %+v", q, res)
		}
	}
}

func TestRecallMapsDefaults(t *testing.T) {
	s := &fakeSearcher{resp: memapi.SearchResponse{
		Data: []memapi.MemoryItem{
			{ID: "m1", Content: "prefers short answers", Category: "semantic", Score: floatPtr(0.92)},
			{ID: "m2", Content: "uncategorized note"},
		},
		RemainingQuota: intPtr(7),
	}}
	c := newTestRecall(t, s, holderWithKey(t), Options{})

	res := c.Recall(context.Background(), "user preferences", 5)
	if len(res.Memories) != 2 {
		t.Fatalf("len(Memories) = %d, want 2", len(res.Memories))
	}
	if res.Memories[0].Category != "semantic" || res.Memories[0].Score != 0.92 {
		t.Fatalf("first memory = %+v", res.Memories[0])
	}
	if res.Memories[1].Category != CategoryOther {
		t.Fatalf("missing category mapped to %q, want %q", res.Memories[1].Category, CategoryOther)
	}
	if res.Memories[1].Score != 0.5 {
		t.Fatalf("missing score mapped to %v, want 0.5", res.Memories[1].Score)
	}
	if res.RemainingQuota != 7 {
		t.Fatalf("RemainingQuota = %d, want 7", res.RemainingQuota)
	}
}

func TestRecallAbsentQuotaBecomesUnknown(t *testing.T) {
	s := &fakeSearcher{resp: memapi.SearchResponse{}}
	c := newTestRecall(t, s, holderWithKey(t), Options{})

	res := c.Recall(context.Background(), "anything relevant", 5)
	if res.RemainingQuota != -1 {
		t.Fatalf("RemainingQuota = %d, want -1 for absent field", res.RemainingQuota)
	}
}

func TestRecallQuotaExhaustedShapes(t *testing.T) {
	for _, status := range []int{http.StatusPaymentRequired, http.StatusTooManyRequests} {
		s := &fakeSearcher{err: &memapi.StatusError{StatusCode: status, Detail: "upgrade at example.com/billing"}}
		c := newTestRecall(t, s, holderWithKey(t), Options{})

		res := c.Recall(context.Background(), "project history", 5)
		if !res.IsLimited {
			t.Fatalf("status %d: IsLimited = false", status)
		}
		if res.RemainingQuota != 0 {
			t.Fatalf("status %d: RemainingQuota = %d, want 0", status, res.RemainingQuota)
		}
		if res.UpgradeHint != "upgrade at example.com/billing" {
			t.Fatalf("status %d: UpgradeHint = %q", status, res.UpgradeHint)
		}
	}
}

func TestRecallQuotaExhaustedDefaultHint(t *testing.T) {
	s := &fakeSearcher{err: &memapi.StatusError{StatusCode: http.StatusPaymentRequired}}
	c := newTestRecall(t, s, holderWithKey(t), Options{})

	res := c.Recall(context.Background(), "project history", 5)
	if res.UpgradeHint != DefaultUpgradeHint {
		t.Fatalf("UpgradeHint = %q, want default", res.UpgradeHint)
	}
}

func TestRecallTransportErrorDegradesEmpty(t *testing.T) {
	s := &fakeSearcher{err: &memapi.StatusError{StatusCode: http.StatusBadGateway, Detail: "boom"}}
	c := newTestRecall(t, s, holderWithKey(t), Options{})

	res := c.Recall(context.Background(), "project history", 5)
	if res.IsLimited || len(res.Memories) != 0 || res.RemainingQuota != 0 {
		t.Fatalf("Recall() = %+v, want empty degradation", res)
	}
}

func TestRecallCacheServesRepeatQueries(t *testing.T) {
	s := &fakeSearcher{resp: memapi.SearchResponse{
		Data:           []memapi.MemoryItem{{ID: "m1", Content: "cached memory", Category: "episodic", Score: floatPtr(0.8)}},
		RemainingQuota: intPtr(3),
	}}
	c := newTestRecall(t, s, holderWithKey(t), Options{CacheTTL: time.Minute})

	first := c.Recall(context.Background(), "Cached Topic", 5)
	if s.calls != 1 {
		t.Fatalf("searcher calls = %d after first recall, want 1", s.calls)
	}
	c.cache.Wait()

	second := c.Recall(context.Background(), "cached topic", 5)
	if s.calls != 1 {
		t.Fatalf("searcher calls = %d after cached recall, want still 1", s.calls)
	}
	if len(second.Memories) != 1 || second.Memories[0].ID != first.Memories[0].ID {
		t.Fatalf("cached result = %+v, want %+v", second, first)
	}

	// Different limit is a different cache entry.
	c.Recall(context.Background(), "cached topic", 3)
	if s.calls != 2 {
		t.Fatalf("searcher calls = %d after limit change, want 2", s.calls)
	}
}

func TestFormatContext(t *testing.T) {
	if got := FormatContext(Result{}); got != "" {
		t.Fatalf("FormatContext(empty) = %q, want empty", got)
	}

	limited := FormatContext(Result{IsLimited: true, UpgradeHint: "upgrade for more"})
	if !strings.Contains(limited, "upgrade for more") {
		t.Fatalf("limited context = %q, missing hint", limited)
	}

	full := FormatContext(Result{Memories: []Memory{
		{ID: "m1", Content: "ships on fridays", Category: "procedural", Score: 0.9},
		{ID: "m2", Content: "dislikes long meetings", Category: "semantic", Score: 0.75},
	}})
	lines := strings.Split(full, "\n")
	if len(lines) != 3 {
		t.Fatalf("context lines = %d, want header plus two entries: %q", len(lines), full)
	}
	if lines[0] != "=== RECALLED MEMORIES ===" {
		t.Fatalf("header = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "1. [procedural] ships on fridays") {
		t.Fatalf("first entry = %q", lines[1])
	}
	if !strings.Contains(lines[2], "(relevance 0.75)") {
		t.Fatalf("second entry = %q", lines[2])
	}
}
