package extract

import (
	"reflect"
	"testing"

	"github.com/pithecene-io/prospect/types"
)

const listPage = `
<html>
  <body>
    <h1>Example Title</h1>
    <p class="summary">Short summary</p>
    <section>
      <article class="item">
        <a class="title" href="/item-1">Item One</a>
        <span class="price">1,234</span>
      </article>
      <article class="item">
        <a class="title" href="https://example.com/item-2">Item Two</a>
        <span class="price">2,345</span>
      </article>
    </section>
  </body>
</html>`

func TestParseCSSFlatAndGrouped(t *testing.T) {
	selectors := []types.SelectorSpec{
		{Field: "title", Selector: "h1", DataType: types.DataTypeString, Required: true},
		{Field: "summary", Selector: "p.summary", DataType: types.DataTypeString},
		{GroupName: "items", ItemSelector: "article.item", Field: "name",
			Selector: "a.title", DataType: types.DataTypeString, Required: true},
		{GroupName: "items", ItemSelector: "article.item", Field: "url",
			Selector: "a.title", Attribute: "href", DataType: types.DataTypeString, Required: true},
		{GroupName: "items", ItemSelector: "article.item", Field: "price",
			Selector: "span.price", DataType: types.DataTypeInt},
	}

	data, errs := Parse(listPage, selectors, "https://example.com/list")
	if len(errs) != 0 {
		t.Fatalf("errors = %v", errs)
	}
	if data["title"] != "Example Title" || data["summary"] != "Short summary" {
		t.Fatalf("flat data = %v", data)
	}

	want := []any{
		map[string]any{"name": "Item One", "url": "https://example.com/item-1", "price": 1234},
		map[string]any{"name": "Item Two", "url": "https://example.com/item-2", "price": 2345},
	}
	if !reflect.DeepEqual(data["items"], want) {
		t.Fatalf("items = %#v", data["items"])
	}
}

const xpathPage = `
<html>
  <body>
    <div id="main">
      <h1>XPath Title</h1>
      <ul id="items">
        <li><a href="/x1">X One</a><span class="price">10</span></li>
        <li><a href="/x2">X Two</a><span class="price">20</span></li>
      </ul>
    </div>
  </body>
</html>`

func TestParseMixedDialects(t *testing.T) {
	selectors := []types.SelectorSpec{
		{Field: "title", Selector: "css:div#main h1", DataType: types.DataTypeString, Required: true},
		{GroupName: "items", ItemSelector: "xpath://ul[@id='items']/li", Field: "name",
			Selector: "xpath:.//a", DataType: types.DataTypeString, Required: true},
		{GroupName: "items", ItemSelector: "xpath://ul[@id='items']/li", Field: "url",
			Selector: "xpath:.//a", Attribute: "href", DataType: types.DataTypeString, Required: true},
		{GroupName: "items", ItemSelector: "xpath://ul[@id='items']/li", Field: "price",
			Selector: "xpath:.//span[@class='price']", DataType: types.DataTypeInt},
	}

	data, errs := Parse(xpathPage, selectors, "https://example.com/list")
	if len(errs) != 0 {
		t.Fatalf("errors = %v", errs)
	}
	if data["title"] != "XPath Title" {
		t.Fatalf("title = %v", data["title"])
	}
	want := []any{
		map[string]any{"name": "X One", "url": "https://example.com/x1", "price": 10},
		map[string]any{"name": "X Two", "url": "https://example.com/x2", "price": 20},
	}
	if !reflect.DeepEqual(data["items"], want) {
		t.Fatalf("items = %#v", data["items"])
	}
}

func TestParseMissingAndTypeErrors(t *testing.T) {
	html := `<html><body><h1>Title</h1><span class="price">not a number</span></body></html>`
	selectors := []types.SelectorSpec{
		{Field: "title", Selector: "h1", DataType: types.DataTypeString, Required: true},
		{Field: "subtitle", Selector: "h2", DataType: types.DataTypeString, Required: true},
		{Field: "caption", Selector: "h3", DataType: types.DataTypeString},
		{Field: "price", Selector: "span.price", DataType: types.DataTypeInt, Required: true},
	}

	data, errs := Parse(html, selectors, "")
	if data["title"] != "Title" {
		t.Fatalf("data = %v", data)
	}
	if _, ok := data["caption"]; ok {
		t.Fatal("absent optional field should be omitted")
	}
	want := []string{"missing:subtitle", "type:price"}
	if !reflect.DeepEqual(errs, want) {
		t.Fatalf("errors = %v, want %v", errs, want)
	}
}

func TestParseGroupItemSelectorDisagreement(t *testing.T) {
	selectors := []types.SelectorSpec{
		{GroupName: "items", ItemSelector: "li.a", Field: "name",
			Selector: "a", DataType: types.DataTypeString, Required: true},
		{GroupName: "items", ItemSelector: "li.b", Field: "url",
			Selector: "a", Attribute: "href", DataType: types.DataTypeString, Required: true},
		{GroupName: "items", ItemSelector: "li.a", Field: "note",
			Selector: "span", DataType: types.DataTypeString},
	}

	data, errs := Parse("<html><body><ul><li class=\"a\"><a>x</a></li></ul></body></html>", selectors, "")
	if _, ok := data["items"]; ok {
		t.Fatal("disagreeing group should be skipped")
	}
	want := []string{"missing_group_selector:items", "missing_group_selector:items"}
	if !reflect.DeepEqual(errs, want) {
		t.Fatalf("errors = %v, want %v", errs, want)
	}
}

func TestParseGroupItemErrorsAreIndexed(t *testing.T) {
	html := `
<ul>
  <li class="item"><a href="/1">One</a><span>5</span></li>
  <li class="item"><span>oops</span></li>
</ul>`
	selectors := []types.SelectorSpec{
		{GroupName: "items", ItemSelector: "li.item", Field: "name",
			Selector: "a", DataType: types.DataTypeString, Required: true},
		{GroupName: "items", ItemSelector: "li.item", Field: "price",
			Selector: "span", DataType: types.DataTypeInt, Required: true},
	}

	data, errs := Parse(html, selectors, "https://example.com/")
	items := data["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("items = %v", items)
	}
	want := []string{"missing:items.name:1", "type:items.price:1"}
	if !reflect.DeepEqual(errs, want) {
		t.Fatalf("errors = %v, want %v", errs, want)
	}
}

func TestURLNormalizationPreservesSpecialValues(t *testing.T) {
	cases := []struct {
		value, attribute, want string
	}{
		{"/path", "href", "https://example.com/path"},
		{"//cdn.example.net/a.js", "src", "https://cdn.example.net/a.js"},
		{"https://other.example.org/x", "href", "https://other.example.org/x"},
		{"#section", "href", "#section"},
		{"javascript:void(0)", "href", "javascript:void(0)"},
		{"mailto:team@example.com", "href", "mailto:team@example.com"},
		{"tel:+15555550100", "href", "tel:+15555550100"},
		{"item-42", "data-url", "https://example.com/list/item-42"},
		{"plain text", "", "plain text"},
	}
	for _, tc := range cases {
		got := resolveURLValue(tc.value, "https://example.com/list/", tc.attribute)
		if got != tc.want {
			t.Errorf("resolveURLValue(%q, attr=%q) = %q, want %q", tc.value, tc.attribute, got, tc.want)
		}
	}
}

func TestCoerce(t *testing.T) {
	if v, err := Coerce("1,234", types.DataTypeInt); err != nil || v != 1234 {
		t.Fatalf("int = %v, %v", v, err)
	}
	if v, err := Coerce("1,234.50", types.DataTypeFloat); err != nil || v != 1234.5 {
		t.Fatalf("float = %v, %v", v, err)
	}
	for _, s := range []string{"1", "TRUE", "Yes", "y"} {
		if v, _ := Coerce(s, types.DataTypeBool); v != true {
			t.Fatalf("bool(%q) = %v", s, v)
		}
	}
	if v, _ := Coerce("no", types.DataTypeBool); v != false {
		t.Fatalf("bool(no) = %v", v)
	}
	if _, err := Coerce("abc", types.DataTypeInt); err == nil {
		t.Fatal("int coercion of text should fail")
	}
}

func TestNormalizeDataMatchesParseTaxonomy(t *testing.T) {
	selectors := []types.SelectorSpec{
		{Field: "title", Selector: "h1", DataType: types.DataTypeString, Required: true},
		{Field: "price", Selector: ".p", DataType: types.DataTypeFloat, Required: true},
		{GroupName: "items", ItemSelector: "li", Field: "count",
			Selector: "span", DataType: types.DataTypeInt, Required: true},
	}

	data := map[string]any{
		"title": "Widget",
		"price": "19.99",
		"items": []any{
			map[string]any{"count": float64(3)},
			map[string]any{"count": "not a number"},
			map[string]any{},
		},
	}

	out, errs := NormalizeData(data, selectors)
	if out["title"] != "Widget" || out["price"] != 19.99 {
		t.Fatalf("out = %v", out)
	}
	items := out["items"].([]any)
	if items[0].(map[string]any)["count"] != 3 {
		t.Fatalf("items = %v", items)
	}
	want := []string{"type:items.count:1", "missing:items.count:2"}
	if !reflect.DeepEqual(errs, want) {
		t.Fatalf("errors = %v, want %v", errs, want)
	}

	// Re-normalizing the clean subset is a fixed point.
	clean := map[string]any{
		"title": "Widget",
		"price": 19.99,
		"items": []any{map[string]any{"count": 3}},
	}
	again, errs2 := NormalizeData(clean, selectors)
	if len(errs2) != 0 {
		t.Fatalf("errors on clean data = %v", errs2)
	}
	if !reflect.DeepEqual(again, clean) {
		t.Fatalf("normalize not idempotent: %v vs %v", again, clean)
	}
}

func TestNormalizeDataMissingRequiredGroup(t *testing.T) {
	selectors := []types.SelectorSpec{
		{GroupName: "items", ItemSelector: "li", Field: "name",
			Selector: "a", DataType: types.DataTypeString, Required: true},
	}
	_, errs := NormalizeData(map[string]any{}, selectors)
	if !reflect.DeepEqual(errs, []string{"missing:items"}) {
		t.Fatalf("errors = %v", errs)
	}
}
