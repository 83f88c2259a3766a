// Package schema holds versioned tool-parameter schemas: typed field
// descriptions, JSON-schema emission for LLM providers, and argument
// validation.
package schema

// FieldType enumerates the JSON-schema primitive and composite types a
// field may declare.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Field describes one parameter: its type, bounds, enumeration and, for
// composite types, its nested shape.
type Field struct {
	Type        FieldType
	Description string

	// Enum restricts the value to the listed members.
	Enum []interface{}

	// Minimum/Maximum bound numeric fields.
	Minimum *float64
	Maximum *float64

	// MinLength/MaxLength bound string fields.
	MinLength *int
	MaxLength *int

	// Items describes array elements.
	Items *Field

	// Properties describes object fields.
	Properties *Object
}

// Object is a record of named fields with a required set.
type Object struct {
	Description string
	Fields      map[string]Field
	Required    []string
}

// JSONSchema renders the object as a JSON-schema-shaped map consumable
// by LLM providers and by the validator.
func (o Object) JSONSchema() map[string]interface{} {
	out := map[string]interface{}{
		"type": "object",
	}
	if o.Description != "" {
		out["description"] = o.Description
	}

	props := make(map[string]interface{}, len(o.Fields))
	for name, f := range o.Fields {
		props[name] = f.jsonSchema()
	}
	out["properties"] = props

	if len(o.Required) > 0 {
		required := make([]interface{}, len(o.Required))
		for i, r := range o.Required {
			required[i] = r
		}
		out["required"] = required
	}
	// Undeclared keys are permitted: upstream step outputs accumulate in
	// the session context and flow into every later call's arguments.
	return out
}

func (f Field) jsonSchema() map[string]interface{} {
	out := map[string]interface{}{
		"type": string(f.Type),
	}
	if f.Description != "" {
		out["description"] = f.Description
	}
	if len(f.Enum) > 0 {
		out["enum"] = append([]interface{}{}, f.Enum...)
	}
	if f.Minimum != nil {
		out["minimum"] = *f.Minimum
	}
	if f.Maximum != nil {
		out["maximum"] = *f.Maximum
	}
	if f.MinLength != nil {
		out["minLength"] = *f.MinLength
	}
	if f.MaxLength != nil {
		out["maxLength"] = *f.MaxLength
	}
	if f.Type == TypeArray && f.Items != nil {
		out["items"] = f.Items.jsonSchema()
	}
	if f.Type == TypeObject && f.Properties != nil {
		nested := f.Properties.JSONSchema()
		for k, v := range nested {
			if k == "type" {
				continue
			}
			out[k] = v
		}
	}
	return out
}

// helpers for literal schema construction

// FloatPtr returns a pointer to v.
func FloatPtr(v float64) *float64 { return &v }

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }
