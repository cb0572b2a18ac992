package submit

import (
	"context"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/coord"
	"github.com/pithecene-io/prospect/guard"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/ssrf"
	"github.com/pithecene-io/prospect/store"
	"github.com/pithecene-io/prospect/types"
)

type publicResolver struct{}

func (publicResolver) LookupNetIP(_ context.Context, _, _ string) ([]netip.Addr, error) {
	return []netip.Addr{netip.MustParseAddr("93.184.216.34")}, nil
}

type fixture struct {
	service  *Service
	store    *store.Store
	coord    *coord.Store
	settings *config.Settings
}

func newFixture(t *testing.T, mutate func(*config.Settings)) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	c := coord.NewFromClient(client)

	settings := config.Default()
	if mutate != nil {
		mutate(settings)
	}

	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := log.NewLogger("submit-test").WithOutput(io.Discard)
	checker := ssrf.NewWithResolver(settings.SSRF, publicResolver{})
	g := guard.New(c, settings, logger)
	return &fixture{
		service:  New(s, c, checker, g, settings, logger),
		store:    s,
		coord:    c,
		settings: settings,
	}
}

func seedSchema(t *testing.T, f *fixture) {
	t.Helper()
	if err := f.store.UpsertSchema(context.Background(), &types.Schema{ID: "product", Name: "Product"}); err != nil {
		t.Fatalf("upsert schema: %v", err)
	}
}

func TestSubmitPersistsAndEnqueues(t *testing.T) {
	f := newFixture(t, nil)
	seedSchema(t, f)
	ctx := context.Background()

	receipt, err := f.service.Submit(ctx, Request{
		URL:      "https://shop.example/p/1",
		SchemaID: "product",
		Priority: types.PriorityHigh,
		Tenant:   "acme",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if receipt.State != types.JobStateQueued {
		t.Fatalf("state = %q", receipt.State)
	}

	job, err := f.store.GetJob(ctx, receipt.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.URL != "https://shop.example/p/1" || job.Tenant != "acme" || job.Priority != types.PriorityHigh {
		t.Fatalf("job = %+v", job)
	}

	popped, err := f.coord.PopPriority(ctx)
	if err != nil || popped != receipt.JobID.String() {
		t.Fatalf("popped = %q err = %v", popped, err)
	}
}

func TestSubmitDefaultsPriorityToStandard(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	receipt, err := f.service.Submit(ctx, Request{URL: "https://shop.example/p"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, _ := f.store.GetJob(ctx, receipt.JobID)
	if job.Priority != types.PriorityStandard {
		t.Fatalf("priority = %q", job.Priority)
	}
}

func TestSubmitRejectsBlockedURL(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.service.Submit(context.Background(), Request{URL: "http://169.254.169.254/latest/meta-data"})
	if err == nil {
		t.Fatal("metadata endpoint was accepted")
	}
	if code := types.ErrorCode(err); code != types.CodeSSRFBlocked {
		t.Fatalf("code = %q", code)
	}
}

func TestSubmitRejectsBadScheme(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.service.Submit(context.Background(), Request{URL: "ftp://shop.example/p"})
	if code := types.ErrorCode(err); code != types.CodeInvalidScheme {
		t.Fatalf("code = %q err = %v", code, err)
	}
}

func TestSubmitRejectsUnknownSchema(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.service.Submit(context.Background(), Request{
		URL:      "https://shop.example/p",
		SchemaID: "missing",
	})
	if code := types.ErrorCode(err); code != types.CodeSchemaMissing {
		t.Fatalf("code = %q err = %v", code, err)
	}
}

func TestSubmitRejectsUnknownEngine(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.service.Submit(context.Background(), Request{
		URL:    "https://shop.example/p",
		Engine: "warp",
	})
	if err == nil {
		t.Fatal("unknown engine was accepted")
	}
}

func TestSubmitActorRateLimit(t *testing.T) {
	f := newFixture(t, func(s *config.Settings) {
		s.UIRate.SubmitMaxPerWindow = 2
		s.UIRate.SubmitWindowSec = 60
	})
	ctx := context.Background()

	for i := range 2 {
		if _, err := f.service.Submit(ctx, Request{URL: "https://shop.example/p", Actor: "ops"}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	_, err := f.service.Submit(ctx, Request{URL: "https://shop.example/p", Actor: "ops"})
	if code := types.ErrorCode(err); code != types.CodeRateLimited {
		t.Fatalf("code = %q err = %v", code, err)
	}

	// A different actor has its own window.
	if _, err := f.service.Submit(ctx, Request{URL: "https://shop.example/p", Actor: "qa"}); err != nil {
		t.Fatalf("other actor: %v", err)
	}
}

func TestStatusAndResults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	receipt, err := f.service.Submit(ctx, Request{URL: "https://shop.example/p", Tenant: "acme"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	status, err := f.service.Status(ctx, receipt.JobID, "ops")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != types.JobStateQueued || status.Tenant != "acme" {
		t.Fatalf("status = %+v", status)
	}

	data := map[string]any{"title": "Widget"}
	if err := f.store.FinalizeJobSuccess(ctx, receipt.JobID, data); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if err := f.store.UpsertArtifact(ctx, &types.Artifact{
		JobID: receipt.JobID, Type: types.ArtifactHTML,
		Location: "jobs/x/page.html", Checksum: "abc", CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("artifact: %v", err)
	}

	results, err := f.service.Results(ctx, receipt.JobID, "ops")
	if err != nil {
		t.Fatalf("results: %v", err)
	}
	if results.State != types.JobStateSucceeded || results.Data["title"] != "Widget" {
		t.Fatalf("results = %+v", results)
	}
	if len(results.Artifacts) != 1 || results.Artifacts[0].Type != types.ArtifactHTML {
		t.Fatalf("artifacts = %+v", results.Artifacts)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	f := newFixture(t, nil)

	_, err := f.service.Status(context.Background(), uuid.New(), "")
	if err == nil {
		t.Fatal("missing job returned no error")
	}
}
