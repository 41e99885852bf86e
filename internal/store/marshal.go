package store

import (
	"encoding/json"

	"github.com/agentmesh/coordinator/internal/domain"
)

func marshalJSON(v domain.JSONValue) string {
	if v == nil {
		return "{}"
	}
	b, err := domain.MarshalJSONValue(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalJSON(s string) domain.JSONValue {
	if s == "" {
		return nil
	}
	v, err := domain.UnmarshalJSONValue([]byte(s))
	if err != nil {
		return nil
	}
	return v
}

func marshalDemands(d domain.Demands) string {
	b, err := json.Marshal(d)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalDemands(s string) domain.Demands {
	var d domain.Demands
	if s == "" {
		return d
	}
	_ = json.Unmarshal([]byte(s), &d)
	return d
}

func marshalCapabilities(c domain.Capabilities) string {
	b, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func unmarshalCapabilities(s string) domain.Capabilities {
	var c domain.Capabilities
	if s == "" {
		return c
	}
	_ = json.Unmarshal([]byte(s), &c)
	return c
}

func marshalStrings(ss []string) string {
	if ss == nil {
		return "[]"
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	var ss []string
	if s == "" {
		return ss
	}
	_ = json.Unmarshal([]byte(s), &ss)
	return ss
}
