package middleware

import (
	"errors"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	maxQueryBytes     = 100000 // ~100KB
	maxScriptBytes    = 1 << 20
	maxRequestIDBytes = 128
)

// ValidateQuery validates the text of a user query.
func ValidateQuery(query string) error {
	if strings.TrimSpace(query) == "" {
		return errors.New("query cannot be empty")
	}
	if len(query) > maxQueryBytes {
		return errors.New("query exceeds maximum length")
	}
	if !utf8.ValidString(query) {
		return errors.New("query must be valid UTF-8")
	}
	return nil
}

// ValidateRequestID validates a request correlation id.
func ValidateRequestID(id string) error {
	if id == "" {
		return errors.New("request_id is required")
	}
	if len(id) > maxRequestIDBytes {
		return errors.New("request_id exceeds maximum length")
	}
	if strings.ContainsAny(id, " \t\r\n") {
		return errors.New("request_id must not contain whitespace")
	}
	return nil
}

// ParseMessageID parses a backend message id from a path segment.
func ParseMessageID(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid message ID format")
	}
	return id, nil
}

// ValidateScript validates command text submitted for execution.
func ValidateScript(script string) error {
	if len(script) > maxScriptBytes {
		return errors.New("script exceeds maximum length")
	}
	if !utf8.ValidString(script) {
		return errors.New("script must be valid UTF-8")
	}
	return nil
}
