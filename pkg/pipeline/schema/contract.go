package schema

import (
	"fmt"
	"strings"
)

// FieldType captures how a column value is formatted and parsed.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeInteger FieldType = "integer"
	FieldTypeNumber  FieldType = "number"
)

// Field captures the minimal behavior-relevant schema fields.
type Field struct {
	Name     string
	Type     FieldType
	Nullable bool
}

// Contract is an ordered column contract for delimited exports and imports.
type Contract struct {
	Fields []Field
}

func NormalizeType(raw string) FieldType {
	s := strings.TrimSpace(strings.ToLower(raw))
	switch s {
	case "int", "integer", "long":
		return FieldTypeInteger
	case "number", "float", "double", "decimal":
		return FieldTypeNumber
	default:
		return FieldTypeString
	}
}

// Header returns the column names in contract order.
func (c Contract) Header() []string {
	out := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		out[i] = f.Name
	}
	return out
}

// Index maps contract column names to their position in header. Matching ignores case
// and surrounding whitespace. Non-nullable columns must be present; nullable columns
// missing from header map to -1.
func (c Contract) Index(header []string) (map[string]int, error) {
	pos := make(map[string]int, len(header))
	for i, name := range header {
		key := strings.ToLower(strings.TrimSpace(name))
		if _, dup := pos[key]; !dup {
			pos[key] = i
		}
	}
	out := make(map[string]int, len(c.Fields))
	for _, f := range c.Fields {
		i, ok := pos[strings.ToLower(f.Name)]
		if !ok {
			if !f.Nullable {
				return nil, fmt.Errorf("missing required column %q", f.Name)
			}
			i = -1
		}
		out[f.Name] = i
	}
	return out, nil
}
