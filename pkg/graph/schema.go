package graph

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/careflow/pkg/models"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed definition.schema.json
var definitionSchema string

var schemaLoader = gojsonschema.NewStringLoader(definitionSchema)

// ParseDefinition checks a raw definition document against the definition schema and decodes it.
// Schema violations are reported as InvalidConfig graph errors.
func ParseDefinition(raw []byte) (*models.WorkflowDefinition, error) {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, &GraphError{Kind: KindInvalidConfig, Message: fmt.Sprintf("malformed definition: %v", err)}
	}

	if !result.Valid() {
		errs := make([]error, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			errs = append(errs, &GraphError{Kind: KindInvalidConfig, Message: desc.String()})
		}

		return nil, errors.Join(errs...)
	}

	var def models.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, &GraphError{Kind: KindInvalidConfig, Message: fmt.Sprintf("decode definition: %v", err)}
	}

	return &def, nil
}
