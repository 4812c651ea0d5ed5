package patch

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/entitysync/errors"
)

// Validator checks documents against a compiled JSON Schema.
// A nil *Validator accepts every document.
type Validator struct {
	schema *gojsonschema.Schema
}

// NewValidator compiles a JSON Schema document.
func NewValidator(schemaJSON string) (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
	if err != nil {
		return nil, errors.WrapFatal(err, "patch", "NewValidator", "compile JSON schema")
	}
	return &Validator{schema: schema}, nil
}

// MustValidator is NewValidator for schemas compiled into the binary.
func MustValidator(schemaJSON string) *Validator {
	v, err := NewValidator(schemaJSON)
	if err != nil {
		panic(err)
	}
	return v
}

// Validate returns an invalid-class error listing every schema violation.
func (v *Validator) Validate(doc []byte) error {
	if v == nil || v.schema == nil {
		return nil
	}

	result, err := v.schema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.WrapInvalid(err, "patch", "Validate", "load document")
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidData, strings.Join(msgs, "; ")),
		"patch", "Validate", "schema validation")
}
