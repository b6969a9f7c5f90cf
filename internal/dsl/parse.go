package dsl

import (
	"bytes"

	"gopkg.in/yaml.v3"

	"github.com/gyre-io/gyre/internal/domain"
)

// DetectFormat guesses the source encoding. JSON definitions start with an
// object brace; everything else is treated as YAML, of which JSON is a
// subset anyway.
func DetectFormat(source []byte) domain.DefinitionFormat {
	trimmed := bytes.TrimLeft(source, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return domain.FormatJSON
	}
	return domain.FormatYAML
}

// Parse decodes a YAML or JSON definition, validates it against the workflow
// schema and returns the typed document. Schema violations surface as
// validation errors, decode faults as configuration errors.
func Parse(source []byte) (*Document, error) {
	var generic any
	if err := yaml.Unmarshal(source, &generic); err != nil {
		return nil, domain.WrapError(domain.ErrorKindConfiguration, "", err, "parse definition")
	}

	// normalize through JSON so the schema validator sees wire shapes
	norm, err := normalizeJSON(generic)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorKindConfiguration, "", err, "normalize definition")
	}
	if err := validateWorkflowShape(norm); err != nil {
		return nil, err
	}

	var doc Document
	if err := yaml.Unmarshal(source, &doc); err != nil {
		return nil, domain.WrapError(domain.ErrorKindConfiguration, "", err, "decode definition")
	}
	return &doc, nil
}

// Load parses a definition and builds its task tree in one step.
func Load(source []byte) (*Document, *Tree, error) {
	doc, err := Parse(source)
	if err != nil {
		return nil, nil, err
	}
	tree, err := BuildTree(doc)
	if err != nil {
		return nil, nil, err
	}
	return doc, tree, nil
}
