// Package schema validates flow definitions fetched from the backend before
// the engine interprets them. A rejected body is reported to the caller as
// "no flow"; the widget must never crash on a malformed graph export.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// flowSchema constrains the structural envelope of a flow definition: node
// ids and edge endpoints must be present and typed. Node payloads stay
// loose; the graph walker tolerates unknown node types and both choice
// encodings.
const flowSchema = `{
	"type": "object",
	"required": ["nodes", "edges"],
	"properties": {
		"name": {"type": "string"},
		"nodes": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id"],
				"properties": {
					"id": {"type": "string", "minLength": 1},
					"type": {"type": "string"},
					"data": {"type": "object"}
				}
			}
		},
		"edges": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["source", "target"],
				"properties": {
					"source": {"type": "string", "minLength": 1},
					"target": {"type": "string", "minLength": 1},
					"sourceHandle": {"type": ["string", "null"]}
				}
			}
		}
	}
}`

// Validator compiles and caches JSON schemas used by the engine.
type Validator struct {
	compiler *js.Compiler
	cache    *expirable.LRU[string, *js.Schema]
}

// NewValidator creates a validator with a compiled-schema cache.
func NewValidator(maxSize int) *Validator {
	return &Validator{
		compiler: js.NewCompiler(),
		cache:    expirable.NewLRU[string, *js.Schema](maxSize, nil, time.Hour),
	}
}

// ValidateFlow checks raw against the flow definition schema.
func (v *Validator) ValidateFlow(raw json.RawMessage) error {
	sch, err := v.compiled("flow.json", flowSchema)
	if err != nil {
		return err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("flow definition is not valid JSON: %w", err)
	}
	if err := sch.Validate(value); err != nil {
		return fmt.Errorf("flow definition rejected: %w", err)
	}
	return nil
}

func (v *Validator) compiled(name, source string) (*js.Schema, error) {
	if sch, ok := v.cache.Get(name); ok {
		return sch, nil
	}
	if err := v.compiler.AddResource(name, strings.NewReader(source)); err != nil {
		return nil, fmt.Errorf("failed to add schema %s: %w", name, err)
	}
	sch, err := v.compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	v.cache.Add(name, sch)
	return sch, nil
}
