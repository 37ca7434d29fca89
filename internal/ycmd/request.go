package ycmd

import (
	"github.com/cockroachdb/errors"
)

// Server handlers. These are the top-level routes of the ycmd HTTP API.
const (
	HandlerCompletions         = "/completions"
	HandlerRunCompleterCommand = "/run_completer_command"
	HandlerEventNotification   = "/event_notification"
	HandlerDefinedSubcommands  = "/defined_subcommands"
	HandlerDetailedDiagnostic  = "/detailed_diagnostic"
	HandlerLoadExtraConf       = "/load_extra_conf_file"
	HandlerIgnoreExtraConf     = "/ignore_extra_conf_file"
	HandlerDebugInfo           = "/debug_info"
	HandlerReady               = "/ready"
	HandlerHealthy             = "/healthy"
	HandlerShutdown            = "/shutdown"
)

// EventName identifies a buffer lifecycle event sent to the server.
// FileReadyToParse is the one the server requires; the others help it
// cache identifiers efficiently.
type EventName string

const (
	EventFileReadyToParse          EventName = "FileReadyToParse"
	EventBufferUnload              EventName = "BufferUnload"
	EventBufferVisit               EventName = "BufferVisit"
	EventInsertLeave               EventName = "InsertLeave"
	EventCurrentIdentifierFinished EventName = "CurrentIdentifierFinished"
)

// Completer commands accepted by the run-completer-command handler.
// Availability depends on the file type; query defined subcommands to
// find out what a completer supports.
const (
	CommandGoTo                      = "GoTo"
	CommandGoToDefinition            = "GoToDefinition"
	CommandGoToDeclaration           = "GoToDeclaration"
	CommandGoToImprecise             = "GoToImprecise"
	CommandGetType                   = "GetType"
	CommandGetParent                 = "GetParent"
	CommandClearCompilationFlagCache = "ClearCompilationFlagCache"
)

// RequestParameters carries the buffer state most handlers require.
// The server rejects requests missing them during validation, even for
// handlers that end up ignoring some fields.
type RequestParameters struct {
	// FilePath is the buffer's path on disk (required).
	FilePath string

	// FileContents is the full buffer content, which may be newer than
	// what is on disk.
	FileContents string

	// FileTypes lists the buffer's language ids, e.g. ["cpp"].
	FileTypes []string

	// LineNum and ColumnNum are 1-based. Zero values default to 1.
	LineNum   int
	ColumnNum int

	// ForceSemantic requests semantic completion even without a trigger.
	ForceSemantic bool

	// Extra holds handler-specific fields, e.g. event_name or
	// command_arguments. They are merged into the top-level body.
	Extra map[string]any
}

// fileData is the per-path entry in the request body.
type fileData struct {
	FileTypes []string `json:"filetypes"`
	Contents  string   `json:"contents"`
}

// Body builds the JSON-serializable request body, validating fields and
// filling defaults the way the server expects.
func (p RequestParameters) Body() (map[string]any, error) {
	if p.FilePath == "" {
		return nil, errors.Wrap(ErrConfig, "request has no file path")
	}
	if p.LineNum < 0 || p.ColumnNum < 0 {
		return nil, errors.Wrap(ErrConfig, "line and column numbers are 1-based")
	}

	line := p.LineNum
	if line == 0 {
		line = 1
	}
	col := p.ColumnNum
	if col == 0 {
		col = 1
	}
	fileTypes := p.FileTypes
	if fileTypes == nil {
		fileTypes = []string{}
	}

	body := map[string]any{
		"filepath": p.FilePath,
		"file_data": map[string]fileData{
			p.FilePath: {FileTypes: fileTypes, Contents: p.FileContents},
		},
		"line_num":   line,
		"column_num": col,
	}
	if p.ForceSemantic {
		body["force_semantic"] = true
	}
	for key, value := range p.Extra {
		body[key] = value
	}
	return body, nil
}

// withExtra returns a copy with one extra field added.
func (p RequestParameters) withExtra(key string, value any) RequestParameters {
	extra := make(map[string]any, len(p.Extra)+1)
	for k, v := range p.Extra {
		extra[k] = v
	}
	extra[key] = value
	p.Extra = extra
	return p
}
