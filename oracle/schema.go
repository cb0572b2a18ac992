package oracle

import (
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/pithecene-io/prospect/types"
)

// TruncateHTML bounds the prompt payload by keeping the head and tail
// halves of oversized documents with a marker at the cut. Page headers
// carry most selectors and footers often hold the pagination, so the
// middle is the cheapest part to drop.
func TruncateHTML(html string, maxChars int) string {
	if maxChars <= 0 || len(html) <= maxChars {
		return html
	}
	head := html[:maxChars/2]
	tail := html[len(html)-maxChars/2:]
	return head + "\n<!-- truncated -->\n" + tail
}

// buildPrompt renders the schema description and the HTML snippet.
func buildPrompt(selectors []types.SelectorSpec, html string) string {
	flat, groups, order := types.SplitSelectors(selectors)

	var lines []string
	for _, spec := range flat {
		lines = append(lines, schemaLine(spec, ""))
	}
	for _, group := range order {
		specs := groups[group]
		item := types.GroupItemSelector(specs)
		if item == "" {
			item = "MISSING_ITEM_SELECTOR"
		}
		lines = append(lines, fmt.Sprintf("- %s: list (item selector: %s)", group, item))
		for _, spec := range specs {
			lines = append(lines, schemaLine(spec, "  "))
		}
	}

	return "Extract the fields below from the HTML. Provide CSS selectors for each extracted field " +
		"in `selectors`, as {key, selector} entries. For list fields, use keys like `<group>.<field>`.\n\n" +
		"Schema:\n" + strings.Join(lines, "\n") + "\n\n" +
		"HTML:\n" + html
}

func schemaLine(spec types.SelectorSpec, indent string) string {
	requirement := "optional"
	if spec.Required {
		requirement = "required"
	}
	suffix := ""
	if spec.Attribute != "" {
		suffix = ", attr=" + spec.Attribute
	}
	dataType := string(spec.DataType)
	if dataType == "" {
		dataType = string(types.DataTypeString)
	}
	return fmt.Sprintf("%s- %s: %s (%s%s)", indent, spec.Field, dataType, requirement, suffix)
}

// responseSchema lowers the selector schema into the structured-output
// description: flat fields typed directly, groups as arrays of objects.
func responseSchema(selectors []types.SelectorSpec) *genai.Schema {
	flat, groups, order := types.SplitSelectors(selectors)

	properties := map[string]*genai.Schema{}
	var required []string

	for _, spec := range flat {
		properties[spec.Field] = fieldSchema(spec.DataType)
		if spec.Required {
			required = append(required, spec.Field)
		}
	}
	for _, group := range order {
		specs := groups[group]
		itemProperties := map[string]*genai.Schema{}
		var itemRequired []string
		groupRequired := false
		for _, spec := range specs {
			itemProperties[spec.Field] = fieldSchema(spec.DataType)
			if spec.Required {
				itemRequired = append(itemRequired, spec.Field)
				groupRequired = true
			}
		}
		properties[group] = &genai.Schema{
			Type: genai.TypeArray,
			Items: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: itemProperties,
				Required:   itemRequired,
			},
		}
		if groupRequired {
			required = append(required, group)
		}
	}

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"data": {
				Type:       genai.TypeObject,
				Properties: properties,
				Required:   required,
			},
			"selectors": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"key":      {Type: genai.TypeString},
						"selector": {Type: genai.TypeString},
					},
					Required: []string{"key", "selector"},
				},
			},
		},
		Required: []string{"data"},
	}
}

func fieldSchema(dataType types.DataType) *genai.Schema {
	switch dataType {
	case types.DataTypeInt:
		return &genai.Schema{Type: genai.TypeInteger}
	case types.DataTypeFloat:
		return &genai.Schema{Type: genai.TypeNumber}
	case types.DataTypeBool:
		return &genai.Schema{Type: genai.TypeBoolean}
	}
	return &genai.Schema{Type: genai.TypeString}
}
