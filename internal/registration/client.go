// Package registration bootstraps credentials: the first run on a machine
// auto-registers its fingerprint with the memory service and persists the
// issued key. Failures leave the process unregistered; callers retry
// lazily on the next operation that needs a credential.
package registration

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/memrelay/memrelay/internal/credstore"
	"github.com/memrelay/memrelay/internal/fingerprint"
	"github.com/memrelay/memrelay/internal/memapi"
	"github.com/memrelay/memrelay/internal/observability"
	"github.com/memrelay/memrelay/internal/version"
)

// API is the slice of the service client registration depends on.
type API interface {
	Register(ctx context.Context, req memapi.RegisterRequest) (memapi.RegisterResponse, error)
}

type Client struct {
	api     API
	store   *credstore.Store
	creds   *credstore.Holder
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func New(api API, store *credstore.Store, creds *credstore.Holder, metrics *observability.Metrics, logger zerolog.Logger) *Client {
	return &Client{
		api:     api,
		store:   store,
		creds:   creds,
		metrics: metrics,
		logger:  logger.With().Str("component", "registration").Logger(),
	}
}

// Register performs one bootstrap attempt. On success the holder carries
// the issued credential immediately; persistence failures are logged but
// do not fail the attempt, since the in-memory key works for this run and
// the stable fingerprint lets the service dedupe a re-registration later.
func (c *Client) Register(ctx context.Context) error {
	start := time.Now()

	host, err := os.Hostname()
	if err != nil {
		host = "unknown-host"
	}
	req := memapi.RegisterRequest{
		Fingerprint: fingerprint.Generate(),
		Hostname:    host,
		Platform:    runtime.GOOS,
		Arch:        runtime.GOARCH,
		Client:      version.ClientName,
		Version:     version.Version,
	}

	resp, err := c.api.Register(ctx, req)
	if err != nil {
		c.metrics.RegistrationResult("error", time.Since(start))
		return fmt.Errorf("auto-register: %w", err)
	}
	if resp.APIKey == "" {
		c.metrics.RegistrationResult("error", time.Since(start))
		return fmt.Errorf("auto-register: service returned empty api key")
	}

	rec := c.creds.Current()
	rec.APIKey = resp.APIKey
	rec.ProjectID = resp.ProjectID
	if rec.ProjectID == "" {
		rec.ProjectID = credstore.DefaultProjectID
	}
	rec.UserID = resp.AgentID
	rec.Initialized = true
	c.creds.Set(rec)

	if err := c.store.Save(rec); err != nil {
		c.logger.Warn().Err(err).Msg("credential issued but not persisted; will re-register next start")
	}

	c.metrics.RegistrationResult("ok", time.Since(start))
	c.logger.Info().
		Str("project_id", rec.ProjectID).
		Str("agent_id", rec.UserID).
		Msg("registered with memory service")
	return nil
}
