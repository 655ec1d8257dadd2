package tools

import (
	"encoding/json"
	"sort"
)

// Descriptor describes one callable tool exposed by the provider
type Descriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Parameter is a flattened view of one property in a tool's input schema
type Parameter struct {
	Name        string      `json:"name"`
	Type        string      `json:"type,omitempty"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// SchemaMap decodes the input schema into a generic map.
// A missing schema yields an empty object schema.
func (d Descriptor) SchemaMap() map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
	if len(d.InputSchema) == 0 {
		return schema
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal(d.InputSchema, &decoded); err != nil || decoded == nil {
		return schema
	}
	if _, ok := decoded["type"]; !ok {
		decoded["type"] = "object"
	}
	return decoded
}

// Parameters flattens the top-level properties of the input schema, sorted by name
func (d Descriptor) Parameters() []Parameter {
	schema := d.SchemaMap()

	properties, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}

	required := make(map[string]bool)
	if reqList, ok := schema["required"].([]interface{}); ok {
		for _, r := range reqList {
			if name, ok := r.(string); ok {
				required[name] = true
			}
		}
	}

	params := make([]Parameter, 0, len(properties))
	for name, propData := range properties {
		prop, ok := propData.(map[string]interface{})
		if !ok {
			continue
		}
		param := Parameter{
			Name:     name,
			Required: required[name],
		}
		if typeVal, ok := prop["type"].(string); ok {
			param.Type = typeVal
		}
		if desc, ok := prop["description"].(string); ok {
			param.Description = desc
		}
		if defVal, ok := prop["default"]; ok {
			param.Default = defVal
		}
		params = append(params, param)
	}

	sort.Slice(params, func(i, j int) bool { return params[i].Name < params[j].Name })
	return params
}
