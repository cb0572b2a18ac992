package browser

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pithecene-io/prospect/config"
	"github.com/pithecene-io/prospect/extract"
	"github.com/pithecene-io/prospect/types"
)

// Snapshot is one DOM capture taken during a rendering session.
type Snapshot struct {
	HTML    string
	URL     string
	Status  int
	Headers map[string]string
}

// ShouldCollectItems reports whether the session will produce multiple
// snapshots worth aggregating. Single-page, no-scroll sessions parse the
// final DOM directly.
func ShouldCollectItems(settings config.BrowserSettings) bool {
	p := settings.Pagination
	return settings.ScrollSteps > 0 ||
		p.MaxPages > 1 ||
		p.NextSelector != "" ||
		p.Param != "" ||
		p.Template != ""
}

// CollectFromSnapshots parses every snapshot and merges the results:
// flat fields keep their first non-nil value, grouped items are unioned
// with per-group dedupe. Group errors from the last parse are dropped
// for any group that collected at least one item, since later snapshots
// routinely re-render earlier items out of the DOM.
func CollectFromSnapshots(snapshots []Snapshot, selectors []types.SelectorSpec, maxItems int) (map[string]any, []string) {
	if len(snapshots) == 0 {
		return map[string]any{}, []string{types.CodeNoHTML}
	}
	_, groups, order := types.SplitSelectors(selectors)
	if len(order) == 0 {
		last := snapshots[len(snapshots)-1]
		return extract.Parse(last.HTML, selectors, last.URL)
	}

	aggregated := make(map[string][]any, len(order))
	seen := make(map[string]map[string]struct{}, len(order))
	for _, group := range order {
		aggregated[group] = []any{}
		seen[group] = map[string]struct{}{}
	}
	flatData := map[string]any{}
	var lastErrors []string

	for _, snapshot := range snapshots {
		data, errs := extract.Parse(snapshot.HTML, selectors, snapshot.URL)
		lastErrors = errs
		for key, value := range data {
			if _, isGroup := groups[key]; isGroup {
				continue
			}
			if value != nil {
				if _, have := flatData[key]; !have {
					flatData[key] = value
				}
			}
		}

		for _, group := range order {
			items, _ := data[group].([]any)
			required := requiredFields(groups[group])
			for _, raw := range items {
				item, ok := raw.(map[string]any)
				if !ok {
					continue
				}
				if !hasRequiredFields(item, required) {
					continue
				}
				key := dedupeKey(item, groups[group])
				if _, dup := seen[group][key]; dup {
					continue
				}
				seen[group][key] = struct{}{}
				aggregated[group] = append(aggregated[group], item)
				if maxItems > 0 && len(aggregated[group]) >= maxItems {
					break
				}
			}
		}
	}

	withItems := map[string]struct{}{}
	for _, group := range order {
		flatData[group] = aggregated[group]
		if len(aggregated[group]) > 0 {
			withItems[group] = struct{}{}
		}
	}
	return flatData, filterGroupErrors(lastErrors, withItems)
}

func requiredFields(specs []types.SelectorSpec) map[string]struct{} {
	required := map[string]struct{}{}
	for _, spec := range specs {
		if spec.Required {
			required[spec.Field] = struct{}{}
		}
	}
	return required
}

func hasRequiredFields(item map[string]any, required map[string]struct{}) bool {
	for field := range required {
		value, ok := item[field]
		if !ok || value == nil || value == "" {
			return false
		}
	}
	return true
}

// dedupeKey identifies an item across snapshots: a URL-ish field when one
// exists, otherwise the full sorted field tuple.
func dedupeKey(item map[string]any, specs []types.SelectorSpec) string {
	for _, key := range []string{"url", "link", "href"} {
		if value, ok := item[key]; ok && value != nil && value != "" {
			return key + ":" + stringify(value)
		}
	}
	fields := make([]string, 0, len(specs))
	have := map[string]struct{}{}
	for _, spec := range specs {
		if _, dup := have[spec.Field]; dup {
			continue
		}
		have[spec.Field] = struct{}{}
		fields = append(fields, spec.Field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, field+"="+stringify(item[field]))
	}
	return strings.Join(parts, "|")
}

func stringify(value any) string {
	if value == nil {
		return "<nil>"
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

// filterGroupErrors drops errors that name a group which did collect
// items; only the last snapshot's errors are considered in the first
// place.
func filterGroupErrors(errs []string, groupsWithItems map[string]struct{}) []string {
	if len(groupsWithItems) == 0 {
		return errs
	}
	var filtered []string
	for _, err := range errs {
		group := errorGroupName(err)
		if group != "" {
			if _, ok := groupsWithItems[group]; ok {
				continue
			}
		}
		filtered = append(filtered, err)
	}
	return filtered
}

// errorGroupName extracts the group a parse error refers to, or "" for
// flat-field and non-group errors.
func errorGroupName(err string) string {
	code, rest, ok := strings.Cut(err, ":")
	if !ok {
		return ""
	}
	switch code {
	case "missing_group_selector":
		return rest
	case "missing", "type":
		group, _, _ := strings.Cut(rest, ".")
		group, _, _ = strings.Cut(group, ":")
		return group
	}
	return ""
}
