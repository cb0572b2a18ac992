package oracle

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/pithecene-io/prospect/types"
)

// InferSelectors derives a selector map from rescued data when the model
// returned none: walk the document and match each value against node text
// or the spec's attribute. The inferred selector is the matching node's
// tag name, which is coarse but enough for the candidate registry to start
// confirming against future pages.
func InferSelectors(html string, data map[string]any, selectors []types.SelectorSpec) map[string]string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return map[string]string{}
	}

	inferred := map[string]string{}
	flat, groups, order := types.SplitSelectors(selectors)

	nodes := doc.Find("body *")
	for _, spec := range flat {
		target := stringValue(data[spec.Field])
		if target == "" {
			continue
		}
		nodes.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if nodeMatches(sel, spec, target) {
				inferred[spec.Field] = goquery.NodeName(sel)
				return false
			}
			return true
		})
	}

	for _, group := range order {
		specs := groups[group]
		itemSelector := types.GroupItemSelector(specs)
		// Inference only walks CSS item selectors.
		if itemSelector == "" || strings.HasPrefix(itemSelector, types.DialectXPathPrefix) {
			continue
		}
		items, ok := data[group].([]any)
		if !ok {
			continue
		}

		itemNodes := doc.Find(strings.TrimPrefix(itemSelector, types.DialectCSSPrefix))
		for idx, rawItem := range items {
			if idx >= itemNodes.Length() {
				break
			}
			item, ok := rawItem.(map[string]any)
			if !ok {
				break
			}
			itemNode := itemNodes.Eq(idx)
			pool := itemNode.AddSelection(itemNode.Find("*"))

			for _, spec := range specs {
				key := group + "." + spec.Field
				if _, done := inferred[key]; done {
					continue
				}
				target := stringValue(item[spec.Field])
				if target == "" {
					continue
				}
				pool.EachWithBreak(func(_ int, sel *goquery.Selection) bool {
					if nodeMatches(sel, spec, target) {
						inferred[key] = goquery.NodeName(sel)
						return false
					}
					return true
				})
			}
		}
	}
	return inferred
}

func nodeMatches(sel *goquery.Selection, spec types.SelectorSpec, target string) bool {
	if spec.Attribute != "" {
		value, ok := sel.Attr(spec.Attribute)
		return ok && strings.TrimSpace(value) == target
	}
	return strings.TrimSpace(sel.Text()) == target
}

// stringValue renders a rescued value the way extraction would have seen
// it in the DOM.
func stringValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
