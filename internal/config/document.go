package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/wesleyorama2/surge/internal/failure"
)

// runFileSchema describes the shape of a run file. Semantic checks that
// need more than one field live in Validate.
const runFileSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "required": ["stages", "request"],
  "definitions": {
    "duration": {
      "oneOf": [
        {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$|^[0-9]+$"},
        {"type": "integer", "minimum": 0}
      ]
    }
  },
  "properties": {
    "name": {"type": "string"},
    "description": {"type": "string"},
    "startRate": {"type": "number", "minimum": 0},
    "stages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["duration", "target"],
        "properties": {
          "duration": {"$ref": "#/definitions/duration"},
          "target": {"type": "number"},
          "name": {"type": "string"}
        }
      }
    },
    "maxWorkers": {"type": "integer"},
    "preAllocatedVUs": {"type": "integer"},
    "timeout": {"$ref": "#/definitions/duration"},
    "tick": {"$ref": "#/definitions/duration"},
    "acquireGrace": {"$ref": "#/definitions/duration"},
    "gracefulStop": {"$ref": "#/definitions/duration"},
    "variables": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "request": {
      "type": "object",
      "additionalProperties": false,
      "required": ["url"],
      "properties": {
        "preset": {"type": "string", "enum": ["user-register"]},
        "name": {"type": "string"},
        "method": {"type": "string"},
        "url": {"type": "string", "minLength": 1},
        "headers": {
          "type": "object",
          "additionalProperties": {"type": "string"}
        },
        "body": {"type": "string"}
      }
    },
    "http": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "maxIdleConnsPerHost": {"type": "integer", "minimum": 0},
        "maxConnsPerHost": {"type": "integer", "minimum": 0},
        "disableKeepAlives": {"type": "boolean"},
        "insecureSkipVerify": {"type": "boolean"},
        "userAgent": {"type": "string"}
      }
    },
    "expect": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "status": {
          "type": "array",
          "items": {"type": "integer", "minimum": 100, "maximum": 599}
        },
        "json": {"type": "string"}
      }
    }
  }
}`

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func runFileValidator() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("runfile.json", strings.NewReader(runFileSchema)); err != nil {
			compileErr = fmt.Errorf("invalid schema: %w", err)
			return
		}
		compiledSchema, compileErr = compiler.Compile("runfile.json")
		if compileErr != nil {
			compileErr = fmt.Errorf("invalid schema: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// ValidateDocument checks a decoded run file document (from JSON or YAML)
// against the run file schema. Violations are returned as
// *failure.ConfigErrors, one per offending location.
func ValidateDocument(doc interface{}) error {
	schema, err := runFileValidator()
	if err != nil {
		return err
	}

	// Normalise YAML values to their JSON equivalents.
	raw, err := json.Marshal(doc)
	if err != nil {
		return &failure.ConfigError{Message: fmt.Sprintf("document is not representable as JSON: %v", err)}
	}
	var normalized interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return &failure.ConfigError{Message: fmt.Sprintf("document is not representable as JSON: %v", err)}
	}

	if err := schema.Validate(normalized); err != nil {
		errs := &failure.ConfigErrors{}
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			collectSchemaErrors(validationErr, errs)
		}
		if !errs.HasErrors() {
			errs.Add("", err.Error())
		}
		return errs
	}

	return nil
}

// collectSchemaErrors flattens the leaves of a validation error tree.
func collectSchemaErrors(err *jsonschema.ValidationError, errs *failure.ConfigErrors) {
	if len(err.Causes) == 0 {
		errs.Add(fieldFromPointer(err.InstanceLocation), err.Message)
		return
	}
	for _, cause := range err.Causes {
		collectSchemaErrors(cause, errs)
	}
}

// fieldFromPointer turns a JSON pointer such as /stages/0/target into the
// field notation used by Validate, stages[0].target.
func fieldFromPointer(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}

	var sb strings.Builder
	for i, part := range strings.Split(ptr, "/") {
		if isDigits(part) {
			sb.WriteString("[" + part + "]")
			continue
		}
		if i > 0 {
			sb.WriteString(".")
		}
		sb.WriteString(part)
	}
	return sb.String()
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
