package ycmd

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Default startup parameters. The idle-suicide timeout makes an orphaned
// server shut itself down; the manager detects that and starts a new one
// on the next request.
const (
	DefaultIdleSuicideSeconds       = 5 * 60
	DefaultMaxServerWaitTimeSeconds = 5
	DefaultStartupTimeout           = 30 * time.Second
	DefaultRequestTimeout           = 10 * time.Second
)

// StartupConfig defines how to launch a ycmd server for one project root.
// It is immutable once handed to the manager; a settings change builds a
// fresh StartupConfig and restarts the server.
type StartupConfig struct {
	// RootDirectory is the path to the ycmd checkout (required).
	RootDirectory string

	// DefaultSettingsPath is the server settings template. Defaults to
	// <RootDirectory>/ycmd/default_settings.json.
	DefaultSettingsPath string

	// PythonBinaryPath runs the server module. Defaults to "python3".
	PythonBinaryPath string

	// WorkingDirectory for the subprocess. Defaults to the project root.
	WorkingDirectory string

	// IdleSuicideSeconds makes the server exit after this much idle time.
	// Zero selects the default; use a negative value to disable.
	IdleSuicideSeconds int

	// MaxServerWaitTimeSeconds bounds how long the server waits on its
	// semantic subservers before falling back to identifier completion.
	MaxServerWaitTimeSeconds int

	// LogLevel enables server-side logging when set. One of debug, info,
	// warning, error, critical.
	LogLevel string

	// StdoutLogPath and StderrLogPath redirect server logs to files.
	// Both must be set for either to take effect.
	StdoutLogPath string
	StderrLogPath string

	// KeepLogs prevents the server from deleting its log files on exit.
	KeepLogs bool

	// SemanticTriggers overrides the trigger sequences per language,
	// e.g. {"css": [": "]}.
	SemanticTriggers map[string][]string

	// StartupTimeout bounds the readiness probe.
	StartupTimeout time.Duration

	// RequestTimeout is the default per-request deadline.
	RequestTimeout time.Duration
}

// withDefaults fills in unset fields. The receiver is not modified.
func (c StartupConfig) withDefaults() StartupConfig {
	if c.DefaultSettingsPath == "" && c.RootDirectory != "" {
		c.DefaultSettingsPath = filepath.Join(c.RootDirectory, "ycmd", "default_settings.json")
	}
	if c.PythonBinaryPath == "" {
		c.PythonBinaryPath = "python3"
	}
	if c.IdleSuicideSeconds == 0 {
		c.IdleSuicideSeconds = DefaultIdleSuicideSeconds
	} else if c.IdleSuicideSeconds < 0 {
		c.IdleSuicideSeconds = 0
	}
	if c.MaxServerWaitTimeSeconds <= 0 {
		c.MaxServerWaitTimeSeconds = DefaultMaxServerWaitTimeSeconds
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// ModuleDirectory is the server entry point passed to the python binary.
func (c StartupConfig) ModuleDirectory() string {
	return filepath.Join(c.RootDirectory, "ycmd")
}

// Validate checks the configuration before any subprocess is spawned.
// All failures wrap ErrConfig.
func (c StartupConfig) Validate() error {
	if c.RootDirectory == "" {
		return errors.Wrap(ErrConfig, "ycmd root directory not set")
	}
	info, err := os.Stat(c.RootDirectory)
	if err != nil || !info.IsDir() {
		return errors.Wrapf(ErrConfig, "ycmd root directory not usable: %s", c.RootDirectory)
	}
	c = c.withDefaults()
	if _, err := os.Stat(c.DefaultSettingsPath); err != nil {
		return errors.Wrapf(ErrConfig, "ycmd default settings not readable: %s", c.DefaultSettingsPath)
	}
	if c.LogLevel != "" && !isValidLogLevel(c.LogLevel) {
		return errors.Wrapf(ErrConfig, "unrecognized log level: %s", c.LogLevel)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warning", "error", "critical":
		return true
	}
	return false
}

// renderOptions loads the default-settings template and injects the
// per-instance fields: the base64 HMAC secret, a wildcard filetype
// whitelist (this client decides what to send, not the server), zeroed
// completion thresholds, and any semantic trigger overrides.
func renderOptions(templatePath string, secret []byte, triggers map[string][]string) ([]byte, error) {
	data, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, errors.Wrapf(ErrConfig, "read settings template %s: %v", templatePath, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, errors.Wrapf(ErrConfig, "settings template is not valid json: %s", templatePath)
	}

	set := func(doc []byte, key string, value any) []byte {
		if err != nil {
			return doc
		}
		doc, err = sjson.SetBytes(doc, key, value)
		return doc
	}
	setRaw := func(doc []byte, key, value string) []byte {
		if err != nil {
			return doc
		}
		doc, err = sjson.SetRawBytes(doc, key, []byte(value))
		return doc
	}

	data = set(data, "hmac_secret", base64.StdEncoding.EncodeToString(secret))
	data = setRaw(data, "filetype_whitelist", `{"*":1}`)
	data = setRaw(data, "filetype_blacklist", `{}`)
	data = set(data, "min_num_of_chars_for_completion", 0)
	data = set(data, "min_num_identifier_candidate_chars", 0)
	data = set(data, "collect_identifiers_from_comments_and_strings", 1)
	data = set(data, "complete_in_comments", 1)
	data = set(data, "complete_in_strings", 1)
	for language, sequences := range triggers {
		data = set(data, "semantic_triggers."+escapeKey(language), sequences)
	}
	if err != nil {
		return nil, errors.Wrap(err, "render server options")
	}
	return data, nil
}

// escapeKey protects literal dots in a language id from being treated as
// path separators.
func escapeKey(key string) string {
	out := make([]byte, 0, len(key))
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			out = append(out, '\\')
		}
		out = append(out, key[i])
	}
	return string(out)
}

// writeOptionsFile writes the rendered options to a private temp file.
// The server reads the file on startup and deletes it; the caller removes
// any leftover if startup fails before that point.
func writeOptionsFile(data []byte) (string, error) {
	f, err := os.CreateTemp("", "ycmd_settings_*.json")
	if err != nil {
		return "", errors.Wrap(err, "create options file")
	}
	path := f.Name()
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(path)
		return "", errors.Wrap(err, "restrict options file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return "", errors.Wrap(err, "write options file")
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", errors.Wrap(err, "close options file")
	}
	return path, nil
}
