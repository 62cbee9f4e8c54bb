// memrelayctl is an operator tool for a running memrelayd: it inspects
// status, probes recall, lists and deletes stored memories and forces a
// session flush, all over the daemon's local HTTP API.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/memrelay/memrelay/internal/memapi"
	"github.com/memrelay/memrelay/internal/orchestrator"
	"github.com/memrelay/memrelay/internal/version"
)

type options struct {
	baseURL string
	timeout time.Duration
	limit   int
	offset  int
	rawJSON bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "memrelayctl: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var cfg options
	flagSet := pflag.NewFlagSet("memrelayctl", pflag.ContinueOnError)
	flagSet.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:7483", "memrelayd base URL")
	flagSet.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "request timeout")
	flagSet.IntVar(&cfg.limit, "limit", 0, "result limit for recall and memories list (0 = server default)")
	flagSet.IntVar(&cfg.offset, "offset", 0, "listing offset for memories list")
	flagSet.BoolVar(&cfg.rawJSON, "json", false, "print raw JSON responses")
	flagSet.Usage = func() { printUsage(flagSet) }
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	if cfg.limit < 0 || cfg.offset < 0 {
		return fmt.Errorf("limit and offset must not be negative")
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printUsage(flagSet)
		return fmt.Errorf("command required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()
	c := &client{base: cfg.baseURL, http: &http.Client{Timeout: cfg.timeout}}

	switch rest[0] {
	case "status":
		return cmdStatus(ctx, c, cfg)
	case "recall":
		if len(rest) < 2 {
			return fmt.Errorf("usage: memrelayctl recall <query>")
		}
		return cmdRecall(ctx, c, cfg, strings.Join(rest[1:], " "))
	case "memories":
		if len(rest) < 2 {
			return fmt.Errorf("usage: memrelayctl memories <list|delete>")
		}
		switch rest[1] {
		case "list":
			return cmdMemoriesList(ctx, c, cfg)
		case "delete":
			if len(rest) < 3 {
				return fmt.Errorf("usage: memrelayctl memories delete <id>")
			}
			return cmdMemoriesDelete(ctx, c, cfg, rest[2])
		default:
			return fmt.Errorf("unknown memories subcommand %q", rest[1])
		}
	case "session-end":
		return cmdSessionEnd(ctx, c, cfg)
	case "version":
		fmt.Printf("%s %s\n", version.ClientName, version.Version)
		return nil
	default:
		printUsage(flagSet)
		return fmt.Errorf("unknown command %q", rest[0])
	}
}

func printUsage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `usage: memrelayctl [flags] <command>

commands:
  status                  show daemon and pipeline state
  recall <query>          probe memory recall with a query
  memories list           list stored memories
  memories delete <id>    delete one stored memory
  session-end             flush the active conversation buffer
  version                 print version

flags:
%s`, flagSet.FlagUsages())
}

func cmdStatus(ctx context.Context, c *client, cfg options) error {
	var st orchestrator.Status
	raw, err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st)
	if err != nil {
		return err
	}
	if cfg.rawJSON {
		fmt.Println(string(raw))
		return nil
	}

	fmt.Printf("initialized:  %v\n", st.Initialized)
	fmt.Printf("registered:   %v\n", st.HasCredential)
	if st.ProjectID != "" {
		fmt.Printf("project:      %s\n", st.ProjectID)
	}
	if st.AgentID != "" {
		fmt.Printf("agent:        %s\n", st.AgentID)
	}
	fmt.Printf("service:      %s\n", st.APIBaseURL)
	fmt.Printf("conversation: %s\n", st.Conversation.ConversationID)
	fmt.Printf("pending:      %d turns, %d completed rounds\n", st.Conversation.Pending, st.Conversation.Rounds)
	for _, op := range st.Latency.Ops {
		fmt.Printf("latency %-14s n=%-4d p50=%.0fms p95=%.0fms p99=%.0fms\n",
			op.Op, op.Samples, op.P50MS, op.P95MS, op.P99MS)
	}
	return nil
}

func cmdRecall(ctx context.Context, c *client, cfg options, query string) error {
	req := map[string]any{"query": query}
	if cfg.limit > 0 {
		req["limit"] = cfg.limit
	}
	var inj orchestrator.Injection
	raw, err := c.do(ctx, http.MethodPost, "/v1/hooks/agent-start", req, &inj)
	if err != nil {
		return err
	}
	if cfg.rawJSON {
		fmt.Println(string(raw))
		return nil
	}

	if inj.Result.IsLimited {
		fmt.Printf("recall limited: %s\n", inj.Result.UpgradeHint)
		return nil
	}
	if len(inj.Result.Memories) == 0 {
		fmt.Println("no memories recalled")
		return nil
	}
	for i, m := range inj.Result.Memories {
		fmt.Printf("%2d. [%s] %s (relevance %.2f)\n", i+1, m.Category, m.Content, m.Score)
	}
	if inj.Result.RemainingQuota >= 0 {
		fmt.Printf("remaining quota: %d\n", inj.Result.RemainingQuota)
	}
	return nil
}

func cmdMemoriesList(ctx context.Context, c *client, cfg options) error {
	path := "/v1/memories"
	sep := "?"
	if cfg.limit > 0 {
		path += fmt.Sprintf("%slimit=%d", sep, cfg.limit)
		sep = "&"
	}
	if cfg.offset > 0 {
		path += fmt.Sprintf("%soffset=%d", sep, cfg.offset)
	}

	var list memapi.ListResponse
	raw, err := c.do(ctx, http.MethodGet, path, nil, &list)
	if err != nil {
		return err
	}
	if cfg.rawJSON {
		fmt.Println(string(raw))
		return nil
	}

	if len(list.Data) == 0 {
		fmt.Println("no memories stored")
		return nil
	}
	for _, m := range list.Data {
		fmt.Printf("%-26s [%s] %s\n", m.ID, m.Category, truncate(m.Content, 80))
	}
	fmt.Printf("%d of %d total\n", len(list.Data), list.Total)
	return nil
}

func cmdMemoriesDelete(ctx context.Context, c *client, cfg options, id string) error {
	raw, err := c.do(ctx, http.MethodDelete, "/v1/memories/"+id, nil, nil)
	if err != nil {
		return err
	}
	if cfg.rawJSON {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Printf("deleted %s\n", id)
	return nil
}

func cmdSessionEnd(ctx context.Context, c *client, cfg options) error {
	raw, err := c.do(ctx, http.MethodPost, "/v1/hooks/session-end", nil, nil)
	if err != nil {
		return err
	}
	if cfg.rawJSON {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println("conversation buffer flushed")
	return nil
}

type client struct {
	base string
	http *http.Client
}

// do sends one request and returns the raw body alongside the decoded
// form, so --json can echo exactly what the daemon said.
func (c *client) do(ctx context.Context, method, path string, in, out any) ([]byte, error) {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return raw, nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
