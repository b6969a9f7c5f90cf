package dsl

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/gyre-io/gyre/internal/domain"
)

//go:embed schema.json
var schemaJSON []byte

var (
	workflowSchemaOnce sync.Once
	workflowSchema     *jsonschema.Schema
	workflowSchemaErr  error
)

func compiledWorkflowSchema() (*jsonschema.Schema, error) {
	workflowSchemaOnce.Do(func() {
		workflowSchema, workflowSchemaErr = compileSchema("workflow.json", schemaJSON)
	})
	return workflowSchema, workflowSchemaErr
}

func compileSchema(name string, raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	s, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", name, err)
	}
	return s, nil
}

// validateWorkflowShape checks a decoded definition against the embedded
// workflow schema.
func validateWorkflowShape(v any) error {
	s, err := compiledWorkflowSchema()
	if err != nil {
		return fmt.Errorf("workflow schema unavailable: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return domain.WrapError(domain.ErrorKindValidation, "", err, "definition does not match the workflow schema")
	}
	return nil
}

// ValidateValue checks task data against an inline schema reference, as used
// by input.schema and output.schema. The value is normalized through JSON
// first so YAML-typed data validates the same as wire data.
func ValidateValue(ref *SchemaRef, v any, instance string) error {
	if ref == nil || ref.Document == nil {
		return nil
	}
	raw, err := json.Marshal(ref.Document)
	if err != nil {
		return domain.WrapError(domain.ErrorKindConfiguration, instance, err, "encode inline schema")
	}
	s, err := compileSchema("inline.json", raw)
	if err != nil {
		return domain.WrapError(domain.ErrorKindConfiguration, instance, err, "compile inline schema")
	}

	norm, err := normalizeJSON(v)
	if err != nil {
		return domain.WrapError(domain.ErrorKindValidation, instance, err, "normalize value")
	}
	if err := s.Validate(norm); err != nil {
		return domain.WrapError(domain.ErrorKindValidation, instance, err, "value does not match schema")
	}
	return nil
}

// normalizeJSON round-trips v through JSON so it only contains the shapes a
// schema validator understands.
func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}
