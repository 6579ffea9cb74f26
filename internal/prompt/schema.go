package prompt

import (
	"fmt"
	"strings"

	"github.com/abhisek/threadlab/internal/llm"
	"github.com/abhisek/threadlab/internal/model"
)

// ResponseFormat builds the JSON schema the LLM response must satisfy:
//
//	{"labels": {"<label>": {"value": ..., "<field>": ...}, ...}}
//
// Every label and every per-label field is required, which keeps the
// schema usable as a strict structured-output format.
func ResponseFormat(tmpl *model.LabelTemplate) *llm.Schema {
	labelProps := make(map[string]any, len(tmpl.Labels))
	required := make([]any, 0, len(tmpl.Labels))

	for _, def := range tmpl.Labels {
		props := map[string]any{"value": valueSchema(def)}
		req := []any{"value"}
		for _, f := range tmpl.PerLabelFields {
			props[f.Name] = fieldSchema(f)
			req = append(req, f.Name)
		}
		labelProps[def.Name] = map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             req,
			"additionalProperties": false,
		}
		required = append(required, def.Name)
	}

	return &llm.Schema{
		Name:        "labels-" + tmpl.ID,
		Description: "Predicted value for every label in the template",
		Definition: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"labels": map[string]any{
					"type":                 "object",
					"properties":           labelProps,
					"required":             required,
					"additionalProperties": false,
				},
			},
			"required":             []any{"labels"},
			"additionalProperties": false,
		},
	}
}

func valueSchema(def model.LabelDefinition) map[string]any {
	s := map[string]any{}
	if def.Explanation != "" {
		s["description"] = def.Explanation
	}

	switch def.Type {
	case model.LabelBool:
		s["type"] = "boolean"
	case model.LabelCategory:
		s["enum"] = append([]any(nil), def.PossibleValues...)
	case model.LabelInteger, model.LabelFloat:
		s["type"] = "number"
		if def.Type == model.LabelInteger {
			s["type"] = "integer"
		}
		if def.Min != nil {
			s["minimum"] = *def.Min
		}
		if def.Max != nil {
			s["maximum"] = *def.Max
		}
		if len(def.PossibleValues) > 0 {
			s["enum"] = append([]any(nil), def.PossibleValues...)
		}
	case model.LabelString:
		s["type"] = "string"
		if len(def.PossibleValues) > 0 {
			s["enum"] = append([]any(nil), def.PossibleValues...)
		}
	}
	return s
}

func fieldSchema(f model.PerLabelField) map[string]any {
	s := map[string]any{"type": f.SchemaType()}
	if f.Description != "" {
		s["description"] = f.Description
	}
	return s
}

// ResponseFormatBlock renders the response format as instructions for the
// system prompt. Returns "" for a template without labels.
func ResponseFormatBlock(tmpl *model.LabelTemplate) string {
	if tmpl == nil || len(tmpl.Labels) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Respond with a single JSON object and nothing else, in this shape:\n")
	b.WriteString(exampleShape(tmpl))
	b.WriteString("\n\nLabels:\n")
	for _, def := range tmpl.Labels {
		fmt.Fprintf(&b, "- %s (%s)", def.Name, def.Type)
		if allowed := allowedValues(def); allowed != "" {
			fmt.Fprintf(&b, ", allowed values: %s", allowed)
		}
		if def.Explanation != "" {
			fmt.Fprintf(&b, ": %s", def.Explanation)
		}
		b.WriteByte('\n')
	}

	if len(tmpl.PerLabelFields) > 0 {
		b.WriteString("\nFor every label also include:\n")
		for _, f := range tmpl.PerLabelFields {
			typ := f.Type
			if typ == "" {
				typ = "string"
			}
			fmt.Fprintf(&b, "- %s (%s)", f.Name, typ)
			if f.Description != "" {
				fmt.Fprintf(&b, ": %s", f.Description)
			}
			b.WriteByte('\n')
		}
	}

	if tmpl.MultiLabel {
		b.WriteString("\nMore than one label may apply to the same message.\n")
	} else {
		b.WriteString("\nJudge every label independently.\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func exampleShape(tmpl *model.LabelTemplate) string {
	var fields strings.Builder
	for _, f := range tmpl.PerLabelFields {
		fmt.Fprintf(&fields, ", %q: <%s>", f.Name, f.Name)
	}

	parts := make([]string, 0, len(tmpl.Labels))
	for _, def := range tmpl.Labels {
		parts = append(parts, fmt.Sprintf("%q: {\"value\": <%s>%s}", def.Name, def.Type, fields.String()))
	}
	return `{"labels": {` + strings.Join(parts, ", ") + `}}`
}

func allowedValues(def model.LabelDefinition) string {
	var vals []string
	switch {
	case len(def.PossibleValues) > 0:
		for _, v := range def.PossibleValues {
			if s, ok := v.(string); ok {
				vals = append(vals, fmt.Sprintf("%q", s))
			} else {
				vals = append(vals, fmt.Sprint(v))
			}
		}
	case def.Min != nil && def.Max != nil:
		return fmt.Sprintf("%g to %g", *def.Min, *def.Max)
	case def.Min != nil:
		return fmt.Sprintf(">= %g", *def.Min)
	case def.Max != nil:
		return fmt.Sprintf("<= %g", *def.Max)
	}
	return strings.Join(vals, ", ")
}
