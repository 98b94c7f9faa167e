package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// configSchema is the JSON schema the config file must satisfy before
// it is unmarshalled. Field-level types are enforced here; cross-field
// rules live in Config.Validate.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "data_dir": {"type": "string"},
    "tool": {
      "type": "object",
      "properties": {
        "command": {"type": "string"},
        "system_prompt": {"type": "string"},
        "base_capabilities": {"type": "array", "items": {"type": "string"}},
        "capabilities_path": {"type": "string"},
        "progress_interval_sec": {"type": "integer", "minimum": 1},
        "timeout_sec": {"type": "integer", "minimum": 1},
        "kill_grace_sec": {"type": "integer", "minimum": 1}
      }
    },
    "queue": {
      "type": "object",
      "properties": {
        "warn_after_ms": {"type": "integer", "minimum": 0}
      }
    },
    "telegram": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "bot_token": {"type": "string"},
        "allowed_users": {"type": "array", "items": {"type": "integer"}}
      }
    },
    "mail": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "schedule": {"type": "string"}
      }
    },
    "gateway": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "port": {"type": "integer"},
        "shared_secret": {"type": "string"}
      }
    },
    "metrics": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "port": {"type": "integer"}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["trace", "debug", "info", "warn", "error"]},
        "file": {"type": "string"},
        "console": {"type": "boolean"},
        "pretty": {"type": "boolean"},
        "redaction": {"type": "boolean"}
      }
    },
    "tracing": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(configSchema)

// validateSchema validates raw config bytes against the JSON schema
func validateSchema(data []byte) error {
	documentLoader := gojsonschema.NewBytesLoader(data)
	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		messages := make([]string, 0, len(result.Errors()))
		for _, resultErr := range result.Errors() {
			messages = append(messages, resultErr.String())
		}
		return fmt.Errorf("schema validation errors: %s", strings.Join(messages, "; "))
	}

	return nil
}

// capabilitiesFile is the on-disk shape of the hot-reloadable allowlist
type capabilitiesFile struct {
	Capabilities []string `json:"capabilities"`
}

// LoadCapabilities reads the capability allowlist file. A missing file
// returns (nil, false, nil) so the caller keeps its configured baseline.
func LoadCapabilities(path string) ([]string, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read capabilities file: %w", err)
	}

	var file capabilitiesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, false, fmt.Errorf("failed to parse capabilities file: %w", err)
	}

	return file.Capabilities, true, nil
}
