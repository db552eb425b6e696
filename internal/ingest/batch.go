package ingest

import (
	"bytes"
	"encoding/json"
	"time"

	"threatwatch/internal/model"
	"threatwatch/internal/normalize"
)

type BatchError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

// Batch is the outcome of decoding a pushed request body. Valid entries are
// kept even when others fail.
type Batch struct {
	Events []model.LogEvent
	Errors []BatchError
}

// DecodeBatch accepts one JSON log object or an array of them. A body that
// is not JSON at all is a validation error.
func DecodeBatch(body []byte, loc *time.Location, now time.Time) (Batch, error) {
	trim := bytes.TrimSpace(body)
	if len(trim) == 0 {
		return Batch{}, model.NewValidationError("body", "request body is empty")
	}
	var list []map[string]interface{}
	if trim[0] == '[' {
		if err := json.Unmarshal(trim, &list); err != nil {
			return Batch{}, model.NewValidationError("body", "invalid JSON array: "+err.Error())
		}
	} else {
		var obj map[string]interface{}
		if err := json.Unmarshal(trim, &obj); err != nil {
			return Batch{}, model.NewValidationError("body", "invalid JSON object: "+err.Error())
		}
		list = append(list, obj)
	}
	var out Batch
	for i, obj := range list {
		fields := ParseJSONMap(obj)
		ev, err := normalize.Normalize(*fields, loc, now)
		if err != nil {
			out.Errors = append(out.Errors, BatchError{Index: i, Error: err.Error()})
			continue
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}
