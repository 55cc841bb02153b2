package tools

import (
	"fmt"
)

// ValidateInput checks input against the tool's JSON-Schema-like
// declaration: required fields, property types, and enum membership.
// Unknown properties are allowed; models frequently add extras.
func ValidateInput(schema, input map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if required, ok := schema["required"].([]interface{}); ok {
		for _, rf := range required {
			name, _ := rf.(string)
			if _, present := input[name]; !present {
				return fmt.Errorf("missing required field %q", name)
			}
		}
	}
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		return nil
	}
	for name, raw := range props {
		val, present := input[name]
		if !present {
			continue
		}
		prop, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if typ, ok := prop["type"].(string); ok {
			if err := checkType(name, typ, val); err != nil {
				return err
			}
		}
		if enum, ok := prop["enum"].([]interface{}); ok {
			if !inEnum(val, enum) {
				return fmt.Errorf("field %q value %v not in enum", name, val)
			}
		}
	}
	return nil
}

func checkType(name, typ string, val interface{}) error {
	ok := true
	switch typ {
	case "string":
		_, ok = val.(string)
	case "number":
		switch val.(type) {
		case float64, int:
		default:
			ok = false
		}
	case "integer":
		switch n := val.(type) {
		case int:
		case float64:
			ok = n == float64(int64(n))
		default:
			ok = false
		}
	case "boolean":
		_, ok = val.(bool)
	case "array":
		_, ok = val.([]interface{})
	case "object":
		_, ok = val.(map[string]interface{})
	}
	if !ok {
		return fmt.Errorf("field %q must be %s", name, typ)
	}
	return nil
}

func inEnum(val interface{}, enum []interface{}) bool {
	for _, e := range enum {
		if e == val {
			return true
		}
	}
	return false
}
