package domain

import "encoding/json"

// JSONValue is a heterogeneous JSON tree (scalar, array, or object) carried
// opaquely by the coordinator — run parameters, scope, blueprint fields,
// resolved blueprints. It round-trips through database/sql and
// encoding/json as a plain Go value (string, float64, bool, nil,
// []interface{}, map[string]interface{}), matching how encoding/json
// decodes arbitrary JSON, so no custom variant type is needed to satisfy
// the "Scalar | Array | Object" shape spec.md §9 asks for.
type JSONValue = interface{}

// Value returns v as a database/sql driver-compatible value by marshaling
// it to its JSON text form.
func MarshalJSONValue(v JSONValue) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v)
}

// UnmarshalJSONValue parses stored JSON text back into a JSONValue tree.
func UnmarshalJSONValue(data []byte) (JSONValue, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v JSONValue
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
