package config

import (
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"

	"github.com/dshills/sycmd/internal/ycmd"
)

// Settings is the typed, immutable result of resolving setting layers.
// Field names mirror the keys recognized in settings files.
type Settings struct {
	// YcmdRootDirectory is the path to the ycmd checkout (required).
	YcmdRootDirectory string `json:"ycmd_root_directory"`

	// YcmdDefaultSettingsPath overrides the server settings template.
	YcmdDefaultSettingsPath string `json:"ycmd_default_settings_path,omitempty"`

	// YcmdPythonBinaryPath overrides the python used to run the server.
	YcmdPythonBinaryPath string `json:"ycmd_python_binary_path,omitempty"`

	// ServerIdleSuicideSeconds is forwarded to the server so an orphaned
	// process shuts itself down.
	ServerIdleSuicideSeconds int `json:"server_idle_suicide_seconds,omitempty"`

	// MaxServerWaitTimeSeconds bounds how long the server waits on its
	// semantic subservers.
	MaxServerWaitTimeSeconds int `json:"max_server_wait_time_seconds,omitempty"`

	// LogLevel enables server-side logging when set.
	LogLevel string `json:"log_level,omitempty"`

	// StdoutLogPath and StderrLogPath redirect server logs.
	StdoutLogPath string `json:"stdout_log_path,omitempty"`
	StderrLogPath string `json:"stderr_log_path,omitempty"`

	// KeepLogs prevents log file deletion on server exit.
	KeepLogs bool `json:"keep_logs,omitempty"`

	// SemanticTriggers overrides trigger sequences per language.
	SemanticTriggers map[string][]string `json:"semantic_triggers,omitempty"`

	// LanguageWhitelist and LanguageBlacklist decide which file types
	// get requests at all. An empty whitelist allows everything not
	// blacklisted.
	LanguageWhitelist []string `json:"ycmd_language_whitelist,omitempty"`
	LanguageBlacklist []string `json:"ycmd_language_blacklist,omitempty"`
}

// LoadFile reads one settings layer from a JSON file.
func LoadFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrFileNotFound, "%s", path)
		}
		return nil, errors.Wrapf(err, "read settings %s", path)
	}
	if !gjson.ValidBytes(data) {
		return nil, &ParseError{Path: path, Message: "not valid json"}
	}

	var layer map[string]any
	if err := json.Unmarshal(data, &layer); err != nil {
		return nil, &ParseError{Path: path, Message: "settings document must be an object", Err: err}
	}
	return layer, nil
}

// Resolve deep-merges setting layers (later layers win) and decodes the
// result. It is pure and deterministic: identical inputs yield equal
// Settings, and the input maps are never modified.
func Resolve(layers ...map[string]any) (*Settings, error) {
	merged := make(map[string]any)
	for _, layer := range layers {
		merged = DeepMerge(merged, layer)
	}

	// Round-trip through json to get typed fields with key validation.
	data, err := json.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, "encode merged settings")
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, errors.Wrapf(ErrInvalidSetting, "decode merged settings: %v", err)
	}

	if settings.YcmdRootDirectory == "" {
		return nil, errors.Wrap(ErrMissingSetting, "ycmd_root_directory")
	}
	return &settings, nil
}

// Validate checks that configured paths exist on this machine. Split
// from Resolve so resolution stays a pure function.
func (s *Settings) Validate() error {
	info, err := os.Stat(s.YcmdRootDirectory)
	if err != nil || !info.IsDir() {
		return errors.Wrapf(ErrInvalidSetting, "ycmd_root_directory does not exist: %s", s.YcmdRootDirectory)
	}
	if s.YcmdDefaultSettingsPath != "" {
		if _, err := os.Stat(s.YcmdDefaultSettingsPath); err != nil {
			return errors.Wrapf(ErrInvalidSetting, "ycmd_default_settings_path does not exist: %s", s.YcmdDefaultSettingsPath)
		}
	}
	return nil
}

// StartupConfig converts the settings into server startup parameters.
func (s *Settings) StartupConfig() ycmd.StartupConfig {
	return ycmd.StartupConfig{
		RootDirectory:            s.YcmdRootDirectory,
		DefaultSettingsPath:      s.YcmdDefaultSettingsPath,
		PythonBinaryPath:         s.YcmdPythonBinaryPath,
		IdleSuicideSeconds:       s.ServerIdleSuicideSeconds,
		MaxServerWaitTimeSeconds: s.MaxServerWaitTimeSeconds,
		LogLevel:                 s.LogLevel,
		StdoutLogPath:            s.StdoutLogPath,
		StderrLogPath:            s.StderrLogPath,
		KeepLogs:                 s.KeepLogs,
		SemanticTriggers:         s.SemanticTriggers,
	}
}

// EnabledForFileTypes reports whether requests should fire for a buffer
// with the given language ids. The whitelist, when non-empty, must match
// at least one id; the blacklist rejects on any match.
func (s *Settings) EnabledForFileTypes(fileTypes []string) bool {
	for _, ft := range fileTypes {
		for _, blocked := range s.LanguageBlacklist {
			if ft == blocked {
				return false
			}
		}
	}
	if len(s.LanguageWhitelist) == 0 {
		return true
	}
	for _, ft := range fileTypes {
		for _, allowed := range s.LanguageWhitelist {
			if ft == allowed {
				return true
			}
		}
	}
	return false
}
