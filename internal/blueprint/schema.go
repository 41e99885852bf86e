package blueprint

import (
	"encoding/json"

	jsonschema "github.com/google/jsonschema-go/jsonschema"

	"github.com/agentmesh/coordinator/internal/common/apierr"
	"github.com/agentmesh/coordinator/internal/domain"
)

// implicitAutonomousSchema is merged into every autonomous blueprint's
// parameters_schema per spec.md §4.4 step 2: adds a required string
// "prompt" property if the blueprint schema doesn't already define one.
func implicitAutonomousSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"prompt": {Type: "string"},
		},
		Required: []string{"prompt"},
	}
}

// MergeParametersSchema implements the schema-merge rule of spec.md §4.4
// step 2: for autonomous blueprints, the implicit {prompt: string,
// required} schema is merged into any custom schema by adding "prompt" to
// properties and to required if not already present. Procedural blueprint
// schemas are used as-is.
func MergeParametersSchema(bp *domain.Blueprint) (*jsonschema.Schema, error) {
	custom, err := decodeSchema(bp.ParametersSchema)
	if err != nil {
		return nil, apierr.Validation("blueprint parameters_schema is not a valid JSON schema: " + err.Error())
	}
	if bp.Type != domain.BlueprintAutonomous {
		if custom == nil {
			custom = &jsonschema.Schema{Type: "object"}
		}
		return custom, nil
	}

	implicit := implicitAutonomousSchema()
	if custom == nil {
		return implicit, nil
	}
	if custom.Properties == nil {
		custom.Properties = map[string]*jsonschema.Schema{}
	}
	if _, ok := custom.Properties["prompt"]; !ok {
		custom.Properties["prompt"] = implicit.Properties["prompt"]
	}
	hasPromptRequired := false
	for _, r := range custom.Required {
		if r == "prompt" {
			hasPromptRequired = true
			break
		}
	}
	if !hasPromptRequired {
		custom.Required = append(custom.Required, "prompt")
	}
	return custom, nil
}

func decodeSchema(v domain.JSONValue) (*jsonschema.Schema, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var s jsonschema.Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ValidateParameters validates params against the merged schema, returning
// a structured apierr.Error (Kind=validation) on mismatch, matching the
// wire shape spec.md §6 requires for parameter_validation_failed.
func ValidateParameters(schema *jsonschema.Schema, params domain.JSONValue) error {
	if schema == nil {
		return nil
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return apierr.Internal(err)
	}
	if err := resolved.Validate(params); err != nil {
		return apierr.Validation("parameter_validation_failed", apierr.ValidationDetail{
			Path:       "",
			Message:    err.Error(),
			SchemaPath: "",
		}).WithParametersSchema(schemaToJSONValue(schema))
	}
	return nil
}

// schemaToJSONValue round-trips a compiled schema back to a plain JSON
// value for embedding in an error response.
func schemaToJSONValue(schema *jsonschema.Schema) domain.JSONValue {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var v domain.JSONValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}
