package registration

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/memrelay/memrelay/internal/credstore"
	"github.com/memrelay/memrelay/internal/memapi"
)

type fakeAPI struct {
	calls int
	req   memapi.RegisterRequest
	resp  memapi.RegisterResponse
	err   error
}

func (f *fakeAPI) Register(ctx context.Context, req memapi.RegisterRequest) (memapi.RegisterResponse, error) {
	f.calls++
	f.req = req
	return f.resp, f.err
}

func TestRegisterPopulatesHolderAndPersists(t *testing.T) {
	api := &fakeAPI{resp: memapi.RegisterResponse{APIKey: "mk-issued", ProjectID: "", AgentID: "agent-9"}}
	store := credstore.NewStore(filepath.Join(t.TempDir(), "credentials.json"))
	holder := credstore.NewHolder()
	holder.Set(credstore.Record{APIBaseURL: "https://svc.example"})

	c := New(api, store, holder, nil, zerolog.Nop())
	if err := c.Register(context.Background()); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	if api.req.Fingerprint == "" || api.req.Platform == "" || api.req.Client == "" {
		t.Fatalf("register request missing descriptors: %+v", api.req)
	}

	rec := holder.Current()
	if rec.APIKey != "mk-issued" || rec.UserID != "agent-9" || !rec.Initialized {
		t.Fatalf("holder record = %+v", rec)
	}
	if rec.ProjectID != credstore.DefaultProjectID {
		t.Fatalf("ProjectID = %q, want default fill-in", rec.ProjectID)
	}
	if rec.APIBaseURL != "https://svc.example" {
		t.Fatalf("APIBaseURL = %q, base url must survive registration", rec.APIBaseURL)
	}

	persisted, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if persisted != rec {
		t.Fatalf("persisted = %+v, want %+v", persisted, rec)
	}
}

func TestRegisterFailureLeavesHolderEmpty(t *testing.T) {
	api := &fakeAPI{err: errors.New("connection refused")}
	store := credstore.NewStore(filepath.Join(t.TempDir(), "credentials.json"))
	holder := credstore.NewHolder()
	holder.Set(credstore.Record{APIBaseURL: "https://svc.example"})

	c := New(api, store, holder, nil, zerolog.Nop())
	if err := c.Register(context.Background()); err == nil {
		t.Fatalf("Register() error = nil, want failure")
	}

	if holder.Present() {
		t.Fatalf("holder has a key after failed registration")
	}
	if _, err := store.Load(); !errors.Is(err, credstore.ErrNotFound) {
		t.Fatalf("Load() error = %v, want ErrNotFound", err)
	}
}

func TestRegisterRejectsEmptyKey(t *testing.T) {
	api := &fakeAPI{resp: memapi.RegisterResponse{APIKey: ""}}
	store := credstore.NewStore(filepath.Join(t.TempDir(), "credentials.json"))
	holder := credstore.NewHolder()
	holder.Set(credstore.Record{APIBaseURL: "https://svc.example"})

	c := New(api, store, holder, nil, zerolog.Nop())
	if err := c.Register(context.Background()); err == nil {
		t.Fatalf("Register() error = nil, want empty-key rejection")
	}
	if holder.Present() {
		t.Fatalf("holder has a key after empty-key response")
	}
}
