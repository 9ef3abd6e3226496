// Package controlapi exposes the control plane's transport-neutral Control
// API over HTTP/JSON, wiring the queue, registry, conductor, plan engine,
// lifecycle manager, and performance optimizer behind one ServeMux.
package controlapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"regexp"
	"strings"
)

// ErrValidationFailed is the sentinel wrapped by every validation failure.
var ErrValidationFailed = errors.New("validation failed")

var (
	uuidRegex = regexp.MustCompile(`^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`)

	maxStringLen = 10000
	maxArrayLen  = 1000
	maxDepth     = 10
)

// ValidationError reports which field failed and why, ported verbatim in
// shape from services/api-gateway/request_validator.go.
type ValidationError struct {
	Field   string
	Message string
	Value   any
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("field '%s': %s", e.Field, e.Message)
}

func (e ValidationError) Unwrap() error { return ErrValidationFailed }

// Schema defines validation rules for one request payload shape.
type Schema struct {
	Required   []string
	Properties map[string]PropertySchema
	MaxSize    int
}

// PropertySchema defines validation for a single property.
type PropertySchema struct {
	Type      string
	MinLength int
	MaxLength int
	Min       float64
	Max       float64
	Pattern   *regexp.Regexp
	Enum      []string
	Format    string
	Items     *PropertySchema
}

// RequestValidator validates incoming Control API request bodies against
// named schemas, grounded directly on
// services/api-gateway/request_validator.go's Schema/PropertySchema
// validator — retargeted here from security-event ingestion schemas
// (ingest_event, threat_report) to the control plane's own request bodies
// (agent_spec, task_spec, workflow, execution_plan).
type RequestValidator struct {
	schemas map[string]*Schema
}

// NewRequestValidator builds a validator preloaded with the control plane's
// request schemas.
func NewRequestValidator() *RequestValidator {
	rv := &RequestValidator{schemas: make(map[string]*Schema)}

	rv.RegisterSchema("agent_spec", &Schema{
		Required: []string{"name", "type", "capabilities", "endpoints"},
		MaxSize:  64 * 1024,
		Properties: map[string]PropertySchema{
			"name":         {Type: "string", MinLength: 1, MaxLength: 256},
			"type":         {Type: "string", MinLength: 1, MaxLength: 64},
			"capabilities": {Type: "array", Items: &PropertySchema{Type: "object"}},
			"endpoints":    {Type: "array", Items: &PropertySchema{Type: "object"}},
			"tags":         {Type: "array", Items: &PropertySchema{Type: "string", MaxLength: 64}},
			"region":       {Type: "string", MaxLength: 64},
		},
	})

	rv.RegisterSchema("task_spec", &Schema{
		Required: []string{"type", "priority"},
		MaxSize:  1 << 20,
		Properties: map[string]PropertySchema{
			"type":                 {Type: "string", MinLength: 1, MaxLength: 128},
			"priority":             {Type: "string", Enum: []string{"low", "medium", "high", "critical"}},
			"dependencies":         {Type: "array", Items: &PropertySchema{Type: "string"}},
			"requiredCapabilities": {Type: "array", Items: &PropertySchema{Type: "string"}},
			"constraints":          {Type: "object"},
			"batchId":              {Type: "string", Format: "uuid"},
		},
	})

	rv.RegisterSchema("workflow", &Schema{
		Required: []string{"name", "tasks"},
		MaxSize:  4 << 20,
		Properties: map[string]PropertySchema{
			"name":         {Type: "string", MinLength: 1, MaxLength: 256},
			"tasks":        {Type: "array", Items: &PropertySchema{Type: "object"}},
			"dependencies": {Type: "object"},
			"groups":       {Type: "array", Items: &PropertySchema{Type: "object"}},
			"constraints":  {Type: "object"},
		},
	})

	rv.RegisterSchema("execution_plan", &Schema{
		Required: []string{"name", "taskIds"},
		MaxSize:  4 << 20,
		Properties: map[string]PropertySchema{
			"name":         {Type: "string", MinLength: 1, MaxLength: 256},
			"taskIds":      {Type: "array", Items: &PropertySchema{Type: "string"}},
			"dependencies": {Type: "object"},
			"groups":       {Type: "array", Items: &PropertySchema{Type: "object"}},
			"constraints":  {Type: "object"},
		},
	})

	return rv
}

// RegisterSchema adds or replaces a named schema.
func (rv *RequestValidator) RegisterSchema(name string, schema *Schema) {
	rv.schemas[name] = schema
}

// ValidateJSON parses jsonData and validates it against the named schema.
func (rv *RequestValidator) ValidateJSON(schemaName string, jsonData []byte) error {
	schema, ok := rv.schemas[schemaName]
	if !ok {
		return fmt.Errorf("schema '%s' not found", schemaName)
	}
	if schema.MaxSize > 0 && len(jsonData) > schema.MaxSize {
		return ValidationError{Field: "payload", Message: fmt.Sprintf("exceeds max size %d bytes", schema.MaxSize)}
	}
	var data map[string]any
	if err := json.Unmarshal(jsonData, &data); err != nil {
		return ValidationError{Field: "payload", Message: "invalid JSON: " + err.Error()}
	}
	return rv.validate(schema, data)
}

func (rv *RequestValidator) validate(schema *Schema, data map[string]any) error {
	for _, field := range schema.Required {
		if _, ok := data[field]; !ok {
			return ValidationError{Field: field, Message: "required field missing"}
		}
	}
	for key, value := range data {
		propSchema, ok := schema.Properties[key]
		if !ok {
			continue
		}
		if err := validateProperty(key, value, propSchema, 0); err != nil {
			return err
		}
	}
	return nil
}

func validateProperty(field string, value any, schema PropertySchema, depth int) error {
	if depth > maxDepth {
		return ValidationError{Field: field, Message: "max nesting depth exceeded"}
	}

	switch schema.Type {
	case "string":
		str, ok := value.(string)
		if !ok {
			return ValidationError{Field: field, Message: "must be string", Value: value}
		}
		if schema.MinLength > 0 && len(str) < schema.MinLength {
			return ValidationError{Field: field, Message: fmt.Sprintf("min length %d", schema.MinLength)}
		}
		if schema.MaxLength > 0 && len(str) > schema.MaxLength {
			return ValidationError{Field: field, Message: fmt.Sprintf("max length %d", schema.MaxLength)}
		}
		if schema.Pattern != nil && !schema.Pattern.MatchString(str) {
			return ValidationError{Field: field, Message: "pattern mismatch"}
		}
		if len(schema.Enum) > 0 {
			found := false
			for _, allowed := range schema.Enum {
				if str == allowed {
					found = true
					break
				}
			}
			if !found {
				return ValidationError{Field: field, Message: fmt.Sprintf("must be one of: %v", schema.Enum)}
			}
		}
		if schema.Format != "" {
			if err := validateFormat(str, schema.Format); err != nil {
				return ValidationError{Field: field, Message: err.Error()}
			}
		}

	case "number", "integer":
		var num float64
		switch v := value.(type) {
		case float64:
			num = v
		default:
			return ValidationError{Field: field, Message: "must be number", Value: value}
		}
		if schema.Type == "integer" && num != float64(int64(num)) {
			return ValidationError{Field: field, Message: "must be integer"}
		}
		if schema.Min != 0 && num < schema.Min {
			return ValidationError{Field: field, Message: fmt.Sprintf("min value %v", schema.Min)}
		}
		if schema.Max != 0 && num > schema.Max {
			return ValidationError{Field: field, Message: fmt.Sprintf("max value %v", schema.Max)}
		}

	case "boolean":
		if _, ok := value.(bool); !ok {
			return ValidationError{Field: field, Message: "must be boolean", Value: value}
		}

	case "array":
		arr, ok := value.([]any)
		if !ok {
			return ValidationError{Field: field, Message: "must be array", Value: value}
		}
		if len(arr) > maxArrayLen {
			return ValidationError{Field: field, Message: fmt.Sprintf("max array length %d", maxArrayLen)}
		}
		if schema.Items != nil {
			for i, item := range arr {
				itemField := fmt.Sprintf("%s[%d]", field, i)
				if err := validateProperty(itemField, item, *schema.Items, depth+1); err != nil {
					return err
				}
			}
		}

	case "object":
		if _, ok := value.(map[string]any); !ok {
			return ValidationError{Field: field, Message: "must be object", Value: value}
		}
	}

	return nil
}

func validateFormat(value, format string) error {
	switch format {
	case "uuid":
		if !uuidRegex.MatchString(value) {
			return errors.New("invalid UUID format")
		}
	case "email":
		if _, err := mail.ParseAddress(value); err != nil {
			return errors.New("invalid email format")
		}
	case "url":
		if _, err := url.ParseRequestURI(value); err != nil {
			return errors.New("invalid URL format")
		}
	}
	return nil
}

// sanitizeString strips control characters and caps length, used when
// echoing caller-supplied strings back into log fields.
func sanitizeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r != 127 {
			b.WriteRune(r)
			if b.Len() >= maxStringLen {
				break
			}
		}
	}
	return b.String()
}
