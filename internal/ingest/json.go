package ingest

import (
	"encoding/json"
	"fmt"
	"strings"

	"threatwatch/internal/normalize"
)

func ParseJSONBytes(data []byte) (*normalize.EventFields, error) {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return ParseJSONMap(obj), nil
}

func ParseJSONMap(obj map[string]interface{}) *normalize.EventFields {
	flat := make(map[string]string, len(obj))
	for key, val := range obj {
		if val == nil {
			continue
		}
		switch v := val.(type) {
		case string:
			flat[strings.ToLower(key)] = v
		case float64:
			flat[strings.ToLower(key)] = fmt.Sprintf("%.0f", v)
		default:
			flat[strings.ToLower(key)] = fmt.Sprint(v)
		}
	}
	return fieldsFromMap(flat)
}
