package profileblock

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const exportBundleSchemaURL = "https://schemas.profileguard.dev/export-bundle.json"

const exportBundleSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["version", "data"],
  "properties": {
    "version": {"type": "string", "minLength": 1},
    "exportDate": {"type": "integer", "minimum": 0},
    "data": {
      "type": "object",
      "properties": {
        "blockedUsers": {
          "type": "object",
          "propertyNames": {"pattern": "^@?[a-zA-Z0-9._]+$"},
          "additionalProperties": {
            "type": "object",
            "properties": {
              "addedDate": {"type": "integer", "minimum": 0},
              "addedFrom": {"type": ["string", "null"]},
              "customDelay": {"type": ["integer", "null"], "minimum": 1}
            }
          }
        },
        "settings": {
          "type": "object",
          "properties": {
            "redirectDelay": {"type": "integer", "minimum": 1},
            "blockerPageUrl": {"type": "string"},
            "redirectTarget": {"type": "string"},
            "enableIncognito": {"type": "boolean"},
            "blockedMessage": {"type": "string"}
          }
        }
      }
    }
  }
}`

var (
	exportSchemaOnce sync.Once
	exportSchema     *jsonschema.Schema
	exportSchemaErr  error
)

func compiledExportSchema() (*jsonschema.Schema, error) {
	exportSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(exportBundleSchema))
		if err != nil {
			exportSchemaErr = err
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(exportBundleSchemaURL, doc); err != nil {
			exportSchemaErr = err
			return
		}
		exportSchema, exportSchemaErr = c.Compile(exportBundleSchemaURL)
	})
	return exportSchema, exportSchemaErr
}

// ParseExportBundle validates raw against the export schema and decodes
// it. Settings fields missing from the payload take their default values.
func ParseExportBundle(raw []byte) (ExportBundle, error) {
	sch, err := compiledExportSchema()
	if err != nil {
		return ExportBundle{}, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return ExportBundle{}, fmt.Errorf("%w: %w", ErrInvalidImportFormat, err)
	}
	if err := sch.Validate(inst); err != nil {
		return ExportBundle{}, fmt.Errorf("%w: %w", ErrInvalidImportFormat, err)
	}

	var wire struct {
		Version    string `json:"version"`
		ExportDate int64  `json:"exportDate"`
		Data       *struct {
			BlockedUsers map[string]BlockRecord `json:"blockedUsers"`
			Settings     json.RawMessage        `json:"settings"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ExportBundle{}, fmt.Errorf("%w: %w", ErrInvalidImportFormat, err)
	}
	if wire.Data == nil {
		return ExportBundle{}, fmt.Errorf("%w: missing data", ErrInvalidImportFormat)
	}
	bundle := ExportBundle{
		Version:    wire.Version,
		ExportDate: wire.ExportDate,
		Data:       &ExportData{BlockedUsers: wire.Data.BlockedUsers},
	}
	if len(wire.Data.Settings) > 0 && string(wire.Data.Settings) != "null" {
		settings := DefaultSettings()
		if err := json.Unmarshal(wire.Data.Settings, &settings); err != nil {
			return ExportBundle{}, fmt.Errorf("%w: %w", ErrInvalidImportFormat, err)
		}
		bundle.Data.Settings = &settings
	}
	return bundle, nil
}
