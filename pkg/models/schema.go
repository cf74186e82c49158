package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// definitionSchema is the JSON Schema every workflow definition document must
// satisfy before struct-level validation runs. It catches shape errors early
// with positional messages instead of zero-valued structs.
const definitionSchema = `{
  "type": "object",
  "required": ["id", "name", "steps"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 3},
    "version": {"type": "string"},
    "vars": {"type": "object", "additionalProperties": {"type": "string"}},
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "name", "executor"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "name": {"type": "string", "minLength": 3},
          "executor": {"type": "string", "minLength": 1},
          "depends_on": {"type": "array", "items": {"type": "string"}},
          "requires": {"type": "array", "items": {"type": "string"}},
          "produces": {"type": "array", "items": {"type": "string"}},
          "parallel_group": {"type": "string"},
          "gate": {
            "type": "object",
            "required": ["metric"],
            "properties": {
              "metric": {"type": "string", "minLength": 1},
              "threshold": {"type": "number"},
              "on_pass": {"type": "string"},
              "on_fail": {"type": "string"}
            }
          },
          "retry": {
            "type": "object",
            "required": ["max_attempts"],
            "properties": {
              "max_attempts": {"type": "integer", "minimum": 1},
              "backoff_base": {"type": ["string", "integer"]},
              "backoff_max": {"type": ["string", "integer"]}
            }
          },
          "on_exhausted": {"enum": ["abort", "skip", "route"]},
          "advisory": {"type": "array", "items": {"type": "string"}},
          "timeout": {"type": ["string", "integer"]},
          "vars": {"type": "object", "additionalProperties": {"type": "string"}}
        }
      }
    }
  }
}`

// ValidateDefinitionDocument checks a definition document against the
// definition schema. YAML input is normalized to JSON first.
func ValidateDefinitionDocument(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("unable to parse workflow definition document: %w", err)
	}

	jsonDoc, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("unable to normalize workflow definition document: %w", err)
	}

	schemaLoader := gojsonschema.NewStringLoader(definitionSchema)
	documentLoader := gojsonschema.NewBytesLoader(jsonDoc)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("unable to validate workflow definition document: %w", err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			messages = append(messages, desc.String())
		}

		return fmt.Errorf("invalid workflow definition document: %s", strings.Join(messages, "; "))
	}

	return nil
}
