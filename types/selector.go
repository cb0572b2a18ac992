package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DataType is the coercion target for an extracted value.
type DataType string

const (
	DataTypeString DataType = "string"
	DataTypeInt    DataType = "int"
	DataTypeFloat  DataType = "float"
	DataTypeBool   DataType = "bool"
)

// Validate checks that t is a known data type.
func (t DataType) Validate() error {
	switch t {
	case DataTypeString, DataTypeInt, DataTypeFloat, DataTypeBool:
		return nil
	}
	return fmt.Errorf("invalid data type %q", t)
}

// Selector dialect prefixes. A bare selector is CSS.
const (
	DialectCSSPrefix   = "css:"
	DialectXPathPrefix = "xpath:"
)

// SelectorSpec is an active extraction directive. A non-empty GroupName
// means the selector belongs to a list of items and ItemSelector identifies
// the item nodes; all selectors sharing a group must agree on ItemSelector.
type SelectorSpec struct {
	ID           uuid.UUID
	SchemaID     string
	GroupName    string
	Field        string
	Selector     string
	ItemSelector string
	Attribute    string
	DataType     DataType
	Required     bool
	Active       bool
	CreatedAt    time.Time
}

// Key is the selector map key the oracle uses: "<field>" for flat selectors
// and "<group>.<field>" for grouped ones.
func (s SelectorSpec) Key() string {
	if s.GroupName == "" {
		return s.Field
	}
	return s.GroupName + "." + s.Field
}

// IsXPath reports whether the selector uses the xpath dialect.
func (s SelectorSpec) IsXPath() bool {
	return strings.HasPrefix(s.Selector, DialectXPathPrefix)
}

// Expression strips the dialect prefix from the selector expression.
func (s SelectorSpec) Expression() string {
	if rest, ok := strings.CutPrefix(s.Selector, DialectXPathPrefix); ok {
		return rest
	}
	if rest, ok := strings.CutPrefix(s.Selector, DialectCSSPrefix); ok {
		return rest
	}
	return s.Selector
}

// SplitSelectors partitions specs into flat selectors and per-group lists,
// preserving input order within each bucket.
func SplitSelectors(specs []SelectorSpec) (flat []SelectorSpec, groups map[string][]SelectorSpec, order []string) {
	groups = make(map[string][]SelectorSpec)
	for _, spec := range specs {
		if spec.GroupName == "" {
			flat = append(flat, spec)
			continue
		}
		if _, seen := groups[spec.GroupName]; !seen {
			order = append(order, spec.GroupName)
		}
		groups[spec.GroupName] = append(groups[spec.GroupName], spec)
	}
	return flat, groups, order
}

// GroupItemSelector returns the single item selector shared by a group, or
// "" when the group's selectors disagree.
func GroupItemSelector(specs []SelectorSpec) string {
	var item string
	for _, spec := range specs {
		if spec.ItemSelector == "" {
			continue
		}
		if item == "" {
			item = spec.ItemSelector
			continue
		}
		if item != spec.ItemSelector {
			return ""
		}
	}
	return item
}

// SelectorCandidate is a proposed selector awaiting promotion. It mirrors
// SelectorSpec plus the confirmation count and promotion stamp.
type SelectorCandidate struct {
	ID           uuid.UUID
	SchemaID     string
	GroupName    string
	Field        string
	Selector     string
	ItemSelector string
	Attribute    string
	DataType     DataType
	Required     bool
	SuccessCount int
	PromotedAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key mirrors SelectorSpec.Key for candidates.
func (c SelectorCandidate) Key() string {
	if c.GroupName == "" {
		return c.Field
	}
	return c.GroupName + "." + c.Field
}
