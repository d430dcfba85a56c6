package cache

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// fileSchema describes the persisted layer: an object of entry arrays.
const fileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": {
    "type": "array",
    "items": {
      "type": "object",
      "required": ["value", "creationTime"],
      "properties": {
        "value": {},
        "fingerprint": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        },
        "uiHierarchyHash": {"type": "string"},
        "creationTime": {"type": "number"}
      }
    }
  }
}`

var fileSchemaLoader = gojsonschema.NewStringLoader(fileSchema)

// validateFile checks raw file content against the cache file schema.
func validateFile(data []byte) error {
	result, err := gojsonschema.Validate(fileSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(problems, "; "))
	}
	return nil
}
