package model

import (
	"fmt"
	"time"
)

// LabelType is the value type a label takes.
type LabelType string

const (
	LabelBool     LabelType = "bool"
	LabelCategory LabelType = "category"
	LabelInteger  LabelType = "integer"
	LabelFloat    LabelType = "float"
	LabelString   LabelType = "string"
)

// Valid reports whether t is a known label type.
func (t LabelType) Valid() bool {
	switch t {
	case LabelBool, LabelCategory, LabelInteger, LabelFloat, LabelString:
		return true
	}
	return false
}

// LabelDefinition describes a single label the LLM must emit.
type LabelDefinition struct {
	Name           string    `json:"name"`
	Type           LabelType `json:"type"`
	PossibleValues []any     `json:"possible_values,omitempty"`
	Explanation    string    `json:"explanation,omitempty"`

	// Min and Max bound integer and float labels when set.
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
}

// PerLabelField is an auxiliary field the LLM emits alongside every label
// value, e.g. "reason". Its content is stored but never aggregated.
type PerLabelField struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"` // JSON schema type; default "string"
	Description string `json:"description,omitempty"`
}

// SchemaType returns the JSON schema type of the field.
func (f PerLabelField) SchemaType() string {
	if f.Type == "" {
		return "string"
	}
	return f.Type
}

func validFieldType(t string) bool {
	switch t {
	case "string", "number", "integer", "boolean":
		return true
	}
	return false
}

// LabelTemplate is the runtime schema of labels for an experiment.
type LabelTemplate struct {
	ID             string            `json:"id"`
	Name           string            `json:"name,omitempty"`
	Labels         []LabelDefinition `json:"labels"`
	PerLabelFields []PerLabelField   `json:"per_label_fields,omitempty"`
	MultiLabel     bool              `json:"multi_label"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	DeletedAt      *time.Time        `json:"deleted_at,omitempty"`
}

// LabelNames returns the label names in template order.
func (t *LabelTemplate) LabelNames() []string {
	names := make([]string, len(t.Labels))
	for i, l := range t.Labels {
		names[i] = l.Name
	}
	return names
}

// Normalize fills in implied possible values for bool labels.
func (t *LabelTemplate) Normalize() {
	for i := range t.Labels {
		if t.Labels[i].Type == LabelBool && len(t.Labels[i].PossibleValues) == 0 {
			t.Labels[i].PossibleValues = []any{true, false}
		}
	}
}

// Validate checks the structural invariants of the template.
func (t *LabelTemplate) Validate() error {
	if len(t.Labels) == 0 {
		return fmt.Errorf("label template %s: no labels defined", t.ID)
	}

	seen := make(map[string]bool, len(t.Labels))
	for _, l := range t.Labels {
		if l.Name == "" {
			return fmt.Errorf("label template %s: label with empty name", t.ID)
		}
		if seen[l.Name] {
			return fmt.Errorf("label template %s: duplicate label %q", t.ID, l.Name)
		}
		seen[l.Name] = true

		if !l.Type.Valid() {
			return fmt.Errorf("label %q: unknown type %q", l.Name, l.Type)
		}

		switch l.Type {
		case LabelCategory:
			if len(l.PossibleValues) < 2 {
				return fmt.Errorf("label %q: category labels need at least two possible values", l.Name)
			}
		case LabelBool:
			if len(l.PossibleValues) > 0 && !isBoolPair(l.PossibleValues) {
				return fmt.Errorf("label %q: bool labels take possible values {true,false}", l.Name)
			}
		}

		if l.Min != nil && l.Max != nil && *l.Min > *l.Max {
			return fmt.Errorf("label %q: min %v exceeds max %v", l.Name, *l.Min, *l.Max)
		}
	}

	fields := make(map[string]bool, len(t.PerLabelFields))
	for _, f := range t.PerLabelFields {
		if f.Name == "" {
			return fmt.Errorf("label template %s: per-label field with empty name", t.ID)
		}
		if f.Name == "value" {
			return fmt.Errorf("label template %s: per-label field may not be named \"value\"", t.ID)
		}
		if fields[f.Name] {
			return fmt.Errorf("label template %s: duplicate per-label field %q", t.ID, f.Name)
		}
		fields[f.Name] = true
		if !validFieldType(f.SchemaType()) {
			return fmt.Errorf("per-label field %q: unknown type %q", f.Name, f.Type)
		}
	}
	return nil
}

func isBoolPair(vals []any) bool {
	if len(vals) != 2 {
		return false
	}
	var sawTrue, sawFalse bool
	for _, v := range vals {
		b, ok := v.(bool)
		if !ok {
			return false
		}
		if b {
			sawTrue = true
		} else {
			sawFalse = true
		}
	}
	return sawTrue && sawFalse
}
