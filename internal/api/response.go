package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"threatwatch/internal/auth"
	"threatwatch/internal/engine"
	"threatwatch/internal/model"
	"threatwatch/internal/storage"
)

// Response is the envelope every /api route answers with.
type Response struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *APIError `json:"error,omitempty"`
	Meta    *Meta     `json:"meta,omitempty"`
}

type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type Meta struct {
	Page      int   `json:"page,omitempty"`
	Limit     int   `json:"limit,omitempty"`
	Total     int   `json:"total,omitempty"`
	Count     int   `json:"count,omitempty"`
	Timestamp int64 `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeSuccess(w http.ResponseWriter, status int, data any, meta *Meta) {
	if meta == nil {
		meta = &Meta{}
	}
	meta.Timestamp = time.Now().Unix()
	writeJSON(w, status, Response{Success: true, Data: data, Meta: meta})
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, Response{
		Success: false,
		Error:   &APIError{Code: status, Message: message, Details: details},
		Meta:    &Meta{Timestamp: time.Now().Unix()},
	})
}

// writeErr maps the error taxonomy onto status codes.
func writeErr(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	message := http.StatusText(status)
	switch status {
	case http.StatusBadRequest:
		message = "Validation failed"
	case http.StatusConflict:
		message = "Analysis already running"
	case http.StatusServiceUnavailable:
		message = "Store unavailable"
	case http.StatusNotFound:
		message = "Not found"
	case http.StatusUnauthorized:
		message = "Unauthorized"
	}
	writeError(w, status, message, err.Error())
}

func errorStatus(err error) int {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrConcurrentRun):
		return http.StatusConflict
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// orEmpty keeps list payloads serialised as [] rather than null.
func orEmpty[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}
