package extract

import (
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/pithecene-io/prospect/types"
)

var errCoerce = errors.New("extract: value does not coerce")

// Attributes whose values are link-like and resolve against the base URL.
var urlAttributes = map[string]struct{}{
	"href":      {},
	"src":       {},
	"data-href": {},
	"data-url":  {},
	"data-src":  {},
}

// Schemes and forms left untouched by URL resolution.
var preservedPrefixes = []string{"#", "javascript:", "mailto:", "tel:"}

// Coerce converts a raw string to the selector's data type. int and float
// tolerate thousands separators; bool is the affirmative set
// {1, true, yes, y}, case-insensitive, and never errors.
func Coerce(value string, dataType types.DataType) (any, error) {
	switch dataType {
	case "", types.DataTypeString:
		return value, nil
	case types.DataTypeInt:
		n, err := strconv.Atoi(strings.ReplaceAll(value, ",", ""))
		if err != nil {
			return nil, errCoerce
		}
		return n, nil
	case types.DataTypeFloat:
		f, err := strconv.ParseFloat(strings.ReplaceAll(value, ",", ""), 64)
		if err != nil {
			return nil, errCoerce
		}
		return f, nil
	case types.DataTypeBool:
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "1", "true", "yes", "y":
			return true, nil
		}
		return false, nil
	}
	return value, nil
}

// resolveURLValue makes link-like values absolute against the base URL.
// Fragments and non-navigational schemes pass through unchanged.
func resolveURLValue(value, baseURL, attribute string) string {
	if baseURL == "" || value == "" {
		return value
	}
	for _, prefix := range preservedPrefixes {
		if strings.HasPrefix(value, prefix) {
			return value
		}
	}

	_, linkAttr := urlAttributes[attribute]
	linkShaped := strings.HasPrefix(value, "/") ||
		strings.HasPrefix(value, "http://") ||
		strings.HasPrefix(value, "https://") ||
		strings.HasPrefix(value, "//")
	if !linkAttr && !linkShaped {
		return value
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return value
	}
	ref, err := url.Parse(value)
	if err != nil {
		return value
	}
	return base.ResolveReference(ref).String()
}

// NormalizeData applies the extractor's coercion rules to data that was
// produced elsewhere, shaped like the selector schema. It returns the
// coerced copy and the same missing:/type: codes Parse would emit, and is
// idempotent over its own output.
func NormalizeData(data map[string]any, selectors []types.SelectorSpec) (map[string]any, []string) {
	out := map[string]any{}
	var errs []string

	flat, groups, order := types.SplitSelectors(selectors)

	for _, spec := range flat {
		value, ok := data[spec.Field]
		if !ok || value == nil || isBlank(value) {
			if spec.Required {
				errs = append(errs, types.CodeMissing(spec.Field))
			}
			continue
		}
		coerced, err := coerceAny(value, spec.DataType)
		if err != nil {
			errs = append(errs, types.CodeType(spec.Field))
			continue
		}
		out[spec.Field] = coerced
	}

	for _, group := range order {
		specs := groups[group]
		raw, ok := data[group]
		if !ok || raw == nil {
			if groupHasRequired(specs) {
				errs = append(errs, types.CodeMissing(group))
			}
			continue
		}
		items, ok := raw.([]any)
		if !ok {
			errs = append(errs, types.CodeType(group))
			continue
		}

		normalized := make([]any, 0, len(items))
		for idx, rawItem := range items {
			item, ok := rawItem.(map[string]any)
			if !ok {
				errs = append(errs, indexed(types.CodeType(group), idx))
				continue
			}
			outItem := map[string]any{}
			for _, spec := range specs {
				value, ok := item[spec.Field]
				if !ok || value == nil || isBlank(value) {
					if spec.Required {
						errs = append(errs, indexed(types.CodeMissing(group+"."+spec.Field), idx))
					}
					continue
				}
				coerced, err := coerceAny(value, spec.DataType)
				if err != nil {
					errs = append(errs, indexed(types.CodeType(group+"."+spec.Field), idx))
					continue
				}
				outItem[spec.Field] = coerced
			}
			normalized = append(normalized, outItem)
		}
		out[group] = normalized
	}

	return out, errs
}

func groupHasRequired(specs []types.SelectorSpec) bool {
	for _, spec := range specs {
		if spec.Required {
			return true
		}
	}
	return false
}

func isBlank(value any) bool {
	s, ok := value.(string)
	return ok && strings.TrimSpace(s) == ""
}

// coerceAny extends Coerce to values already decoded from JSON, where
// numbers arrive as float64.
func coerceAny(value any, dataType types.DataType) (any, error) {
	switch dataType {
	case "", types.DataTypeString:
		switch v := value.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64), nil
		case int:
			return strconv.Itoa(v), nil
		case bool:
			return strconv.FormatBool(v), nil
		}
		return nil, errCoerce
	case types.DataTypeInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case float64:
			if v != math.Trunc(v) {
				return nil, errCoerce
			}
			return int(v), nil
		case string:
			return Coerce(v, types.DataTypeInt)
		}
		return nil, errCoerce
	case types.DataTypeFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		case string:
			return Coerce(v, types.DataTypeFloat)
		}
		return nil, errCoerce
	case types.DataTypeBool:
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			return Coerce(v, types.DataTypeBool)
		}
		return nil, errCoerce
	}
	return value, nil
}
