package providers

// schemaStripKeys lists JSON Schema keywords some providers reject in
// tool input schemas. MCP servers in particular emit draft-2020 schemas
// with metadata the chat APIs choke on.
var schemaStripKeys = map[string]bool{
	"$schema":     true,
	"$id":         true,
	"$defs":       true,
	"definitions": true,
}

// CleanSchemaForProvider returns a deep copy of params with keywords the
// named provider rejects removed. The input map is never mutated.
func CleanSchemaForProvider(provider string, params map[string]interface{}) map[string]interface{} {
	if params == nil {
		return map[string]interface{}{"type": "object"}
	}
	cleaned, _ := cleanValue(provider, params).(map[string]interface{})
	if cleaned == nil {
		return map[string]interface{}{"type": "object"}
	}
	return cleaned
}

func cleanValue(provider string, v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, inner := range val {
			if schemaStripKeys[k] {
				continue
			}
			out[k] = cleanValue(provider, inner)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, inner := range val {
			out[i] = cleanValue(provider, inner)
		}
		return out
	default:
		return v
	}
}
