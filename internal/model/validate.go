package model

import (
	"net/netip"
	"strings"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// Validate enforces the per-action shape of an event: each action carries
// only the optional fields that belong to it.
func (e LogEvent) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return NewValidationError("userId", "is required")
	}
	if strings.TrimSpace(e.IPAddress) == "" {
		return NewValidationError("ipAddress", "is required")
	}
	if _, err := netip.ParseAddr(e.IPAddress); err != nil {
		return NewValidationError("ipAddress", "invalid IP address format")
	}
	if e.Action == "" {
		return NewValidationError("action", "is required")
	}
	if e.Timestamp.IsZero() {
		return NewValidationError("timestamp", "is required")
	}
	hasFile := e.FileName != nil && strings.TrimSpace(*e.FileName) != ""
	hasQuery := e.DatabaseQuery != nil && strings.TrimSpace(*e.DatabaseQuery) != ""
	switch e.Action {
	case ActionFileAccess:
		if !hasFile {
			return NewValidationError("fileName", "is required for fileAccess")
		}
		if hasQuery {
			return NewValidationError("databaseQuery", "not allowed for fileAccess")
		}
	case ActionDatabaseQuery:
		if !hasQuery {
			return NewValidationError("databaseQuery", "is required for databaseQuery")
		}
		if hasFile {
			return NewValidationError("fileName", "not allowed for databaseQuery")
		}
	default:
		if hasFile {
			return NewValidationError("fileName", "not allowed for "+string(e.Action))
		}
		if hasQuery {
			return NewValidationError("databaseQuery", "not allowed for "+string(e.Action))
		}
	}
	return nil
}
