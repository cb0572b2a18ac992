package registry

import (
	"context"
	"io"
	"testing"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/log"
	"github.com/pithecene-io/prospect/store"
	"github.com/pithecene-io/prospect/types"
)

func newTestRegistry(t *testing.T, threshold int) (*Registry, *store.Store) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := log.NewLogger("registry-test").WithOutput(io.Discard)
	return New(db, config.RegistrySettings{PromotionThreshold: threshold}, logger), db
}

func seedSchema(t *testing.T, db *store.Store, id string, specs []types.SelectorSpec) []types.SelectorSpec {
	t.Helper()
	ctx := context.Background()
	if err := db.UpsertSchema(ctx, &types.Schema{ID: id, Name: id}); err != nil {
		t.Fatalf("upsert schema: %v", err)
	}
	for i := range specs {
		specs[i].SchemaID = id
		specs[i].Active = true
		if err := db.CreateSelector(ctx, &specs[i]); err != nil {
			t.Fatalf("create selector: %v", err)
		}
	}
	return specs
}

func TestRecordCandidatesAccumulatesAndPromotes(t *testing.T) {
	r, db := newTestRegistry(t, 3)
	ctx := context.Background()

	specs := seedSchema(t, db, "products", []types.SelectorSpec{
		{Field: "title", Selector: "h1.old", DataType: types.DataTypeString, Required: true},
	})

	rescued := map[string]string{"title": "h1.product-name"}
	for i := 0; i < 2; i++ {
		if err := r.RecordCandidates(ctx, "products", specs, rescued); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	found, err := db.FindCandidate(ctx, &types.SelectorCandidate{
		SchemaID: "products", Field: "title", Selector: "h1.product-name",
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.SuccessCount != 2 {
		t.Fatalf("candidate = %+v", found)
	}

	// Third confirmation reaches the threshold. The (schema, field) pair is
	// already covered by an active selector, so no new selector appears,
	// but the candidate is stamped promoted.
	if err := r.RecordCandidates(ctx, "products", specs, rescued); err != nil {
		t.Fatalf("record: %v", err)
	}
	promoted, err := db.FindCandidate(ctx, &types.SelectorCandidate{
		SchemaID: "products", Field: "title", Selector: "h1.product-name",
	})
	if err != nil {
		t.Fatalf("find after promote: %v", err)
	}
	if promoted != nil {
		t.Fatal("promoted candidate should leave the un-promoted pool")
	}

	active, err := db.ActiveSelectors(ctx, "products")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("covered field should not grow a second selector: %v", active)
	}
}

func TestPromotionMaterializesUncoveredField(t *testing.T) {
	r, db := newTestRegistry(t, 2)
	ctx := context.Background()

	// The spec list includes a grouped field whose active selector was
	// deactivated out-of-band, leaving the key uncovered.
	specs := []types.SelectorSpec{
		{SchemaID: "products", GroupName: "items", ItemSelector: "li.item",
			Field: "price", Selector: "span.price", DataType: types.DataTypeFloat, Required: true},
	}
	if err := db.UpsertSchema(ctx, &types.Schema{ID: "products", Name: "products"}); err != nil {
		t.Fatalf("upsert schema: %v", err)
	}

	rescued := map[string]string{"items.price": "span[data-price]"}
	for i := 0; i < 2; i++ {
		if err := r.RecordCandidates(ctx, "products", specs, rescued); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	active, err := db.ActiveSelectors(ctx, "products")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("active = %v", active)
	}
	got := active[0]
	if got.Selector != "span[data-price]" || got.GroupName != "items" ||
		got.ItemSelector != "li.item" || got.DataType != types.DataTypeFloat || !got.Required {
		t.Fatalf("promoted selector = %+v", got)
	}
}

func TestRecordCandidatesIgnoresUnknownKeys(t *testing.T) {
	r, db := newTestRegistry(t, 1)
	ctx := context.Background()

	specs := seedSchema(t, db, "products", []types.SelectorSpec{
		{Field: "title", Selector: "h1", DataType: types.DataTypeString, Required: true},
	})

	rescued := map[string]string{
		"made_up_field": "div.x",
		"":              "div.y",
		"title":         "  ",
	}
	if err := r.RecordCandidates(ctx, "products", specs, rescued); err != nil {
		t.Fatalf("record: %v", err)
	}

	active, err := db.ActiveSelectors(ctx, "products")
	if err != nil {
		t.Fatalf("active: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("no candidate should have been recorded: %v", active)
	}
}

func TestDistinctSelectorsTrackSeparately(t *testing.T) {
	r, db := newTestRegistry(t, 5)
	ctx := context.Background()

	specs := seedSchema(t, db, "products", []types.SelectorSpec{
		{Field: "title", Selector: "h1", DataType: types.DataTypeString, Required: true},
	})

	if err := r.RecordCandidates(ctx, "products", specs, map[string]string{"title": "h1.a"}); err != nil {
		t.Fatalf("record a: %v", err)
	}
	if err := r.RecordCandidates(ctx, "products", specs, map[string]string{"title": "h1.b"}); err != nil {
		t.Fatalf("record b: %v", err)
	}

	a, err := db.FindCandidate(ctx, &types.SelectorCandidate{SchemaID: "products", Field: "title", Selector: "h1.a"})
	if err != nil || a == nil || a.SuccessCount != 1 {
		t.Fatalf("candidate a = %+v, %v", a, err)
	}
	b, err := db.FindCandidate(ctx, &types.SelectorCandidate{SchemaID: "products", Field: "title", Selector: "h1.b"})
	if err != nil || b == nil || b.SuccessCount != 1 {
		t.Fatalf("candidate b = %+v, %v", b, err)
	}
}
