package transform

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// 会被上游拒绝的 schema 关键字
var droppedSchemaKeys = []string{"additionalProperties", "$schema"}

// cleanToolSchemas rewrites every tool parameter schema into the subset the upstream accepts
func cleanToolSchemas(body []byte) ([]byte, error) {
	tools := gjson.GetBytes(body, "tools")
	if !tools.IsArray() {
		return body, nil
	}
	var err error
	for i, tool := range tools.Array() {
		for _, path := range []string{"parameters", "function.parameters"} {
			params := tool.Get(path)
			if !params.IsObject() {
				continue
			}
			var schema map[string]interface{}
			if err := json.Unmarshal([]byte(params.Raw), &schema); err != nil {
				continue
			}
			cleaned := CleanSchema(schema)
			ensurePlaceholder(cleaned)
			raw, merr := json.Marshal(cleaned)
			if merr != nil {
				return body, merr
			}
			body, err = sjson.SetRawBytes(body, "tools."+strconv.Itoa(i)+"."+path, raw)
			if err != nil {
				return body, err
			}
		}
	}
	return body, nil
}

// CleanSchema normalizes a JSON schema recursively
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return nil
	}
	for _, k := range droppedSchemaKeys {
		delete(schema, k)
	}

	flattenConstAnyOf(schema)
	normalizeNullableType(schema)

	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for name, v := range props {
			prop, ok := v.(map[string]interface{})
			if !ok {
				continue
			}
			delete(prop, "const")
			props[name] = CleanSchema(prop)
		}
		pruneRequired(schema, props)
	} else {
		pruneRequired(schema, nil)
	}

	if items, ok := schema["items"].(map[string]interface{}); ok {
		schema["items"] = CleanSchema(items)
	}
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if list, ok := schema[key].([]interface{}); ok {
			for i, v := range list {
				if sub, ok := v.(map[string]interface{}); ok {
					list[i] = CleanSchema(sub)
				}
			}
		}
	}
	return schema
}

// pruneRequired drops required entries without a matching property
func pruneRequired(schema, props map[string]interface{}) {
	req, ok := schema["required"].([]interface{})
	if !ok {
		return
	}
	kept := make([]interface{}, 0, len(req))
	for _, r := range req {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, exists := props[name]; exists {
			kept = append(kept, name)
		}
	}
	if len(kept) == 0 {
		delete(schema, "required")
		return
	}
	schema["required"] = kept
}

// flattenConstAnyOf turns anyOf:[{const:a},{const:b}] into a string enum
func flattenConstAnyOf(schema map[string]interface{}) {
	list, ok := schema["anyOf"].([]interface{})
	if !ok || len(list) == 0 {
		return
	}
	values := make([]interface{}, 0, len(list))
	for _, v := range list {
		sub, ok := v.(map[string]interface{})
		if !ok {
			return
		}
		c, ok := sub["const"]
		if !ok {
			return
		}
		values = append(values, c)
	}
	delete(schema, "anyOf")
	schema["type"] = "string"
	schema["enum"] = values
}

// normalizeNullableType turns type:[X,"null"] into type:X with a description note
func normalizeNullableType(schema map[string]interface{}) {
	types, ok := schema["type"].([]interface{})
	if !ok {
		return
	}
	var kept []string
	nullable := false
	for _, t := range types {
		s, _ := t.(string)
		if s == "null" {
			nullable = true
			continue
		}
		if s != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) != 1 {
		return
	}
	schema["type"] = kept[0]
	if nullable {
		desc, _ := schema["description"].(string)
		schema["description"] = strings.TrimSpace(desc + " (nullable)")
	}
}

// ensurePlaceholder gives parameterless object schemas one optional property
func ensurePlaceholder(schema map[string]interface{}) {
	if t, _ := schema["type"].(string); t != "" && t != "object" {
		return
	}
	props, _ := schema["properties"].(map[string]interface{})
	if len(props) > 0 {
		return
	}
	schema["type"] = "object"
	schema["properties"] = map[string]interface{}{
		"_placeholder": map[string]interface{}{
			"type":        "boolean",
			"description": "This tool takes no arguments. Omit this field.",
		},
	}
}
