// Package extract runs selector-driven extraction over fetched HTML.
// Selectors carry an optional dialect prefix (css: or xpath:); both
// dialects resolve against one parsed document, so mixed schemas work.
package extract

import (
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"

	"github.com/pithecene-io/prospect/types"
)

// CodeParserUnavailable is emitted when the document cannot be loaded into
// the dual-dialect parser. Its presence suppresses empty-parse detection.
const CodeParserUnavailable = "parsel_unavailable"

// Parse extracts data from an HTML document per the selector specs.
// Returned errors use the missing:/type:/missing_group_selector: taxonomy;
// data holds every field that extracted cleanly.
func Parse(htmlText string, selectors []types.SelectorSpec, baseURL string) (map[string]any, []string) {
	doc, err := html.Parse(strings.NewReader(htmlText))
	if err != nil {
		return map[string]any{}, []string{CodeParserUnavailable}
	}

	data := map[string]any{}
	var errs []string

	flat, groups, order := types.SplitSelectors(selectors)

	for _, spec := range flat {
		node := findFirst(doc, spec.Selector)
		raw := nodeValue(node, spec)
		if raw == "" {
			if spec.Required {
				errs = append(errs, types.CodeMissing(spec.Field))
			}
			continue
		}
		raw = resolveURLValue(raw, baseURL, spec.Attribute)
		value, err := Coerce(raw, spec.DataType)
		if err != nil {
			errs = append(errs, types.CodeType(spec.Field))
			continue
		}
		data[spec.Field] = value
	}

	for _, group := range order {
		specs := groups[group]
		itemSelector := types.GroupItemSelector(specs)
		if itemSelector == "" {
			for _, spec := range specs {
				if spec.Required {
					errs = append(errs, types.CodeMissingGroupSelector(group))
				}
			}
			continue
		}

		items, groupErrs := parseGroup(doc, group, itemSelector, specs, baseURL)
		data[group] = items
		errs = append(errs, groupErrs...)
	}

	return data, errs
}

func parseGroup(doc *html.Node, group, itemSelector string, specs []types.SelectorSpec, baseURL string) ([]any, []string) {
	itemNodes := findAll(doc, itemSelector)
	items := make([]any, 0, len(itemNodes))
	var errs []string

	for idx, itemNode := range itemNodes {
		item := map[string]any{}
		for _, spec := range specs {
			node := findFirst(itemNode, spec.Selector)
			raw := nodeValue(node, spec)
			if raw == "" {
				if spec.Required {
					errs = append(errs, indexed(types.CodeMissing(group+"."+spec.Field), idx))
				}
				continue
			}
			raw = resolveURLValue(raw, baseURL, spec.Attribute)
			value, err := Coerce(raw, spec.DataType)
			if err != nil {
				errs = append(errs, indexed(types.CodeType(group+"."+spec.Field), idx))
				continue
			}
			item[spec.Field] = value
		}
		items = append(items, item)
	}
	return items, errs
}

func indexed(code string, idx int) string {
	return code + ":" + strconv.Itoa(idx)
}

// findFirst resolves a selector (with optional dialect prefix) to the
// first matching node under root, in document order. A malformed
// expression matches nothing.
func findFirst(root *html.Node, selector string) *html.Node {
	if root == nil || selector == "" {
		return nil
	}
	if expr, ok := strings.CutPrefix(selector, types.DialectXPathPrefix); ok {
		node, err := htmlquery.Query(root, expr)
		if err != nil {
			return nil
		}
		return node
	}
	expr := strings.TrimPrefix(selector, types.DialectCSSPrefix)
	sel, err := cascadia.Parse(expr)
	if err != nil {
		return nil
	}
	return cascadia.Query(root, sel)
}

// findAll resolves a selector to every matching node in document order.
func findAll(root *html.Node, selector string) []*html.Node {
	if root == nil || selector == "" {
		return nil
	}
	if expr, ok := strings.CutPrefix(selector, types.DialectXPathPrefix); ok {
		nodes, err := htmlquery.QueryAll(root, expr)
		if err != nil {
			return nil
		}
		return nodes
	}
	expr := strings.TrimPrefix(selector, types.DialectCSSPrefix)
	sel, err := cascadia.Parse(expr)
	if err != nil {
		return nil
	}
	return cascadia.QueryAll(root, sel)
}

// nodeValue pulls the spec's attribute, or the stripped text content.
func nodeValue(node *html.Node, spec types.SelectorSpec) string {
	if node == nil {
		return ""
	}
	if spec.Attribute != "" {
		return strings.TrimSpace(htmlquery.SelectAttr(node, spec.Attribute))
	}
	return strings.TrimSpace(htmlquery.InnerText(node))
}
