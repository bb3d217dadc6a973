// Package sandboxapi defines the request/response types for the browser
// sandbox data-plane HTTP API.
//
// API Endpoints:
//
//	POST /contexts/execute  - Run javascript/python code in an execution context
//	POST /processes/cmd     - Run a shell command
//	GET  /files?path=...    - Read a file from the sandbox filesystem
//
// The same API is served by remote sandboxes under
// https://{host}/sandboxes/{id} and by local sandboxes on port 5000.
package sandboxapi

// DefaultExecuteTimeoutMillis is the per-call execution ceiling sent to the
// sandbox.
const DefaultExecuteTimeoutMillis = 300000

// HomeDir is where relative file paths are resolved.
const HomeDir = "/home/user/"

// ============================================================================
// Request Types
// ============================================================================

// ExecuteRequest is the POST /contexts/execute request body.
// ContextID and Language are mutually exclusive: a call either continues an
// existing context or starts a new one for a language.
type ExecuteRequest struct {
	Code      string `json:"code"`
	Timeout   int    `json:"timeout"`
	ContextID string `json:"contextId,omitempty"`
	Language  string `json:"language,omitempty"`
}

// CommandRequest is the POST /processes/cmd request body.
type CommandRequest struct {
	Command string `json:"command"`
}

// ============================================================================
// Response Types
// ============================================================================

// Result item types in an ExecuteResponse.
const (
	ItemStdout = "stdout"
	ItemStderr = "stderr"
	ItemError  = "error"
	ItemResult = "result"
)

// ExecuteItem is one entry in ExecuteResponse.Results.
// stdout/stderr carry Text; error and result carry Value.
type ExecuteItem struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Value any    `json:"value,omitempty"`
}

// ExecuteResponse is the POST /contexts/execute response.
// When Results is empty, Code/Message may describe a request-level error
// (INVALID_REQUEST, NOT_FOUND).
type ExecuteResponse struct {
	ContextID string        `json:"contextId"`
	Results   []ExecuteItem `json:"results"`
	Code      string        `json:"code,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// Request-level error codes returned with an empty result list.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
)

// CommandResult is the result body of a shell command.
type CommandResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// CommandResponse is the POST /processes/cmd response.
type CommandResponse struct {
	Result *CommandResult `json:"result"`
}

// FileResponse is the GET /files response.
type FileResponse struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding,omitempty"`
}
