// Package validation checks credential values against per-type JSON Schemas
// before they are sealed. Validation runs at the admin boundary only; the
// store itself accepts any JSON-serializable value.
package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/credvault/pkg/schema"
)

// Per-type value schemas. Structured types require their well-known fields;
// api_key, oauth_token, ssh_key, and custom accept any shape; for those the
// vault has no opinion beyond JSON-serializability.
var typeSchemas = map[schema.CredentialType]string{
	schema.CredentialTypeBasicAuth: `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "required": ["username", "password"],
	  "properties": {
	    "username": { "type": "string", "minLength": 1 },
	    "password": { "type": "string", "minLength": 1 }
	  }
	}`,
	schema.CredentialTypeDBConnection: `{
	  "$schema": "https://json-schema.org/draft/2020-12/schema",
	  "type": "object",
	  "required": ["host"],
	  "properties": {
	    "host": { "type": "string", "minLength": 1 },
	    "port": { "type": "integer", "minimum": 1, "maximum": 65535 },
	    "database": { "type": "string" },
	    "username": { "type": "string" },
	    "password": { "type": "string" },
	    "options": { "type": "object" }
	  }
	}`,
}

// ValueValidator validates credential values against the per-type schemas.
// It is safe for concurrent use.
type ValueValidator struct {
	mu       sync.RWMutex
	compiled map[schema.CredentialType]*jsonschema.Schema
}

// NewValueValidator pre-compiles the per-type schemas.
func NewValueValidator() (*ValueValidator, error) {
	v := &ValueValidator{compiled: make(map[schema.CredentialType]*jsonschema.Schema, len(typeSchemas))}
	for typ, raw := range typeSchemas {
		c := jsonschema.NewCompiler()
		c.AssertFormat()

		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", typ, err)
		}
		url := fmt.Sprintf("credvault://value-schema/%s", typ)
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", typ, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", typ, err)
		}
		v.compiled[typ] = compiled
	}
	return v, nil
}

// ValidateValue checks a credential value against the schema for its type.
// Types without a schema pass as long as the value is JSON-serializable.
func (v *ValueValidator) ValidateValue(typ schema.CredentialType, value any) error {
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation,
			"credential value is not JSON-serializable").WithCause(err)
	}

	v.mu.RLock()
	compiled, ok := v.compiled[typ]
	v.mu.RUnlock()
	if !ok {
		return nil
	}

	if err := compiled.Validate(doc); err != nil {
		return toVaultError(typ, err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toVaultError converts a jsonschema.ValidationError into a VaultError with
// one message per leaf violation. Violation messages describe value shape,
// never value content.
func toVaultError(typ schema.CredentialType, err error) *schema.VaultError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s value", typ)
	}

	violations := collectViolations(verr)
	msg := fmt.Sprintf("invalid %s value", typ)
	if len(violations) == 1 {
		msg = fmt.Sprintf("invalid %s value: %s", typ, violations[0])
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
