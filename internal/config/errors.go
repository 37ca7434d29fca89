package config

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Errors returned by configuration operations.
var (
	// ErrMissingSetting indicates a required setting is absent.
	ErrMissingSetting = errors.New("required setting missing")

	// ErrInvalidSetting indicates a setting has the wrong type or value.
	ErrInvalidSetting = errors.New("invalid setting value")

	// ErrFileNotFound indicates the settings file doesn't exist.
	ErrFileNotFound = errors.New("settings file not found")
)

// ParseError represents an error while parsing a settings file.
type ParseError struct {
	// Path is the file path that failed to parse.
	Path string
	// Message describes the parse error.
	Message string
	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %s", e.Path, e.Message)
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}
