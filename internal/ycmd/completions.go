package ycmd

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

// CompletionOption is one candidate produced by a completer. The
// insertion text is the part that completes the current identifier;
// the remaining fields are display metadata.
type CompletionOption struct {
	InsertionText string          `json:"insertion_text"`
	MenuText      string          `json:"menu_text,omitempty"`
	ExtraMenuInfo string          `json:"extra_menu_info,omitempty"`
	DetailedInfo  string          `json:"detailed_info,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	ExtraData     json.RawMessage `json:"extra_data,omitempty"`
}

// CompletionResponse is the parsed result of a completion request.
// Candidates keep the server's ordering. Errors are reported alongside
// partial results and do not invalidate the candidates.
type CompletionResponse struct {
	Completions []CompletionOption `json:"completions"`
	StartColumn int                `json:"completion_start_column"`
	Errors      []ResponseError    `json:"errors"`
}

// ParseCompletionResponse decodes a completion response body. The body
// must be an object carrying a completions list and the start column;
// anything else is a protocol failure.
func ParseCompletionResponse(data []byte) (*CompletionResponse, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.Wrap(ErrProtocol, "completion response is not valid json")
	}
	probe := gjson.ParseBytes(data)
	if !probe.Get("completions").IsArray() {
		return nil, errors.Wrap(ErrProtocol, "completion response missing completions list")
	}
	if !probe.Get("completion_start_column").Exists() {
		return nil, errors.Wrap(ErrProtocol, "completion response missing start column")
	}

	var resp CompletionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrapf(ErrProtocol, "decode completion response: %v", err)
	}
	return &resp, nil
}

// Location is a file position reported by navigation commands.
type Location struct {
	FilePath    string `json:"filepath"`
	LineNum     int    `json:"line_num"`
	ColumnNum   int    `json:"column_num"`
	Description string `json:"description,omitempty"`
}

// ParseGoToResponse decodes a run-completer-command navigation result.
// The server returns a single location object, or a list when the target
// is ambiguous.
func ParseGoToResponse(data []byte) ([]Location, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.Wrap(ErrProtocol, "goto response is not valid json")
	}
	probe := gjson.ParseBytes(data)
	switch {
	case probe.IsArray():
		var locs []Location
		if err := json.Unmarshal(data, &locs); err != nil {
			return nil, errors.Wrapf(ErrProtocol, "decode goto list: %v", err)
		}
		return locs, nil
	case probe.IsObject():
		var loc Location
		if err := json.Unmarshal(data, &loc); err != nil {
			return nil, errors.Wrapf(ErrProtocol, "decode goto location: %v", err)
		}
		return []Location{loc}, nil
	default:
		return nil, errors.Wrap(ErrProtocol, "unexpected goto response shape")
	}
}

// DetailedDiagnosticResponse carries the long-form diagnostic text for
// the position named in the request.
type DetailedDiagnosticResponse struct {
	Message string `json:"message"`
}
