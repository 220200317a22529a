package api

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Request body schemas, keyed by the name handlers pass to decode.
// Kept as source constants rather than files so the binary is
// self-contained.
var schemaSources = map[string]string{
	"set_level": `{
		"type": "object",
		"required": ["level"],
		"additionalProperties": false,
		"properties": {
			"level": {"type": "string", "enum": ["SIMULATE", "LIVE_APPLY", "FLASH"]}
		}
	}`,
	"arm": `{
		"type": "object",
		"required": ["code"],
		"additionalProperties": false,
		"properties": {
			"code": {"type": "string", "minLength": 1}
		}
	}`,
	"update_map": `{
		"type": "object",
		"required": ["values"],
		"additionalProperties": false,
		"properties": {
			"values": {"type": "array", "minItems": 1, "items": {"type": "number"}}
		}
	}`,
	"execute_action": `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"args": {"type": "object", "additionalProperties": {"type": "string"}}
		}
	}`,
	"create_changeset": `{
		"type": "object",
		"required": ["profile_id", "author", "changes"],
		"additionalProperties": false,
		"properties": {
			"profile_id": {"type": "string", "minLength": 1},
			"author": {"type": "string", "minLength": 1},
			"notes": {"type": "string"},
			"changes": {
				"type": "array",
				"minItems": 1,
				"items": {
					"type": "object",
					"required": ["map_id", "row", "col", "new_value"],
					"additionalProperties": false,
					"properties": {
						"map_id": {"type": "string", "minLength": 1},
						"row": {"type": "integer", "minimum": 0},
						"col": {"type": "integer", "minimum": 0},
						"old_value": {"type": "number"},
						"new_value": {"type": "number"}
					}
				}
			}
		}
	}`,
	"create_session": `{
		"type": "object",
		"required": ["engine_id", "changeset_id", "vehicle_session_id"],
		"additionalProperties": false,
		"properties": {
			"engine_id": {"type": "string", "minLength": 1},
			"changeset_id": {"type": "string", "minLength": 1},
			"vehicle_session_id": {"type": "string", "minLength": 1}
		}
	}`,
	"arm_session": `{
		"type": "object",
		"required": ["token"],
		"additionalProperties": false,
		"properties": {
			"token": {"type": "string", "minLength": 1}
		}
	}`,
	"apply_session": `{
		"type": "object",
		"required": ["technician_id", "job_ref"],
		"additionalProperties": false,
		"properties": {
			"technician_id": {"type": "string", "minLength": 1},
			"job_ref": {"type": "string", "minLength": 1}
		}
	}`,
	"prepare_flash": `{
		"type": "object",
		"required": ["engine_id", "changeset_id"],
		"additionalProperties": false,
		"properties": {
			"engine_id": {"type": "string", "minLength": 1},
			"changeset_id": {"type": "string", "minLength": 1}
		}
	}`,
	"execute_flash": `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"technician_id": {"type": "string"},
			"job_ref": {"type": "string"}
		}
	}`,
}

func compileSchemas() (map[string]*gojsonschema.Schema, error) {
	out := make(map[string]*gojsonschema.Schema, len(schemaSources))
	for name, src := range schemaSources {
		sch, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		out[name] = sch
	}
	return out, nil
}
