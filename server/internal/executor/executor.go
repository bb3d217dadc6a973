// Package executor runs code inside a sandbox through its data-plane HTTP API
// and normalizes the three execution backends (javascript and python
// contexts, shell commands) into one Result shape.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/obot-platform/sandboxrelay/server/internal/httpclient"
	"github.com/obot-platform/sandboxrelay/server/internal/logger"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox/sandboxapi"
)

// Languages accepted by ExecuteStreaming.
const (
	LanguageJavaScript = "javascript"
	LanguagePython     = "python"
	LanguageShell      = "shell"
)

// NormalizeLanguage maps a language tag from a client or a code fence to one
// ExecuteStreaming accepts. Empty means javascript; unrecognized tags run as
// python.
func NormalizeLanguage(tag string) string {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "", "javascript", "js", "node":
		return LanguageJavaScript
	case "shell", "bash", "sh":
		return LanguageShell
	default:
		return LanguagePython
	}
}

// Output stream tags passed to an OutputFunc.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
	StreamInfo   = "info"
	StreamError  = "error"
)

// Result statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrExecution indicates a local or transport failure: the code may not have
// run at all. A remote non-zero exit is reported as a failed Result instead.
var ErrExecution = errors.New("execution error")

// OutputFunc receives output as it arrives, in order.
type OutputFunc func(text, stream string)

// Result is the normalized outcome of one execution.
type Result struct {
	ContextID string        `json:"contextId,omitempty"`
	Status    string        `json:"status"`
	ExitCode  int           `json:"exitCode"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	Duration  time.Duration `json:"-"`
}

// Succeeded reports whether the run completed with exit code 0.
func (r *Result) Succeeded() bool {
	return r.Status == StatusCompleted && r.ExitCode == 0
}

// Executor runs code in one sandbox.
type Executor interface {
	// ExecuteStreaming runs javascript, python or shell code. contextID, if
	// set, continues an existing execution context.
	ExecuteStreaming(ctx context.Context, code, language, contextID string, onOutput OutputFunc) (*Result, error)

	// ExecuteShell runs a shell command.
	ExecuteShell(ctx context.Context, command string) (*Result, error)

	// ReadFile returns a file's content. Relative paths resolve under the
	// sandbox user's home directory.
	ReadFile(ctx context.Context, path string) (string, error)
}

// Factory returns an Executor bound to a sandbox's data-plane base URL.
type Factory interface {
	ForSandbox(baseURL string) Executor
}

// Options configures a Client.
type Options struct {
	Timeout   time.Duration // per-call ceiling
	RateLimit float64       // requests per second across all sandboxes, 0 = unlimited
	Logger    *logger.Logger
}

// Client is the HTTP implementation of Factory.
type Client struct {
	http    *httpclient.Client
	timeout time.Duration
	logger  *logger.Logger
}

// New creates a new data-plane client. Executions are never retried.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = sandboxapi.DefaultExecuteTimeoutMillis * time.Millisecond
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		// The HTTP timeout sits slightly above the execution ceiling so the
		// context deadline fires first and is reported as a timeout.
		http:    httpclient.New(httpclient.Options{Timeout: opts.Timeout + 10*time.Second, RateLimit: opts.RateLimit}),
		timeout: opts.Timeout,
		logger:  log.Named("executor"),
	}
}

// ForSandbox returns an Executor for the sandbox at baseURL.
func (c *Client) ForSandbox(baseURL string) Executor {
	return &sandboxExecutor{client: c, baseURL: strings.TrimRight(baseURL, "/")}
}

type sandboxExecutor struct {
	client  *Client
	baseURL string
}

func (e *sandboxExecutor) ExecuteStreaming(ctx context.Context, code, language, contextID string, onOutput OutputFunc) (*Result, error) {
	if onOutput == nil {
		onOutput = func(string, string) {}
	}

	switch language {
	case LanguageShell:
		onOutput("starting shell command", StreamInfo)
		res, err := e.ExecuteShell(ctx, code)
		if err != nil {
			onOutput(err.Error(), StreamError)
			return nil, err
		}
		if res.Stdout != "" {
			onOutput(res.Stdout, StreamStdout)
		}
		if res.Stderr != "" {
			onOutput(res.Stderr, StreamStderr)
		}
		return res, nil
	case LanguageJavaScript, LanguagePython:
	default:
		return nil, fmt.Errorf("%w: unsupported language %q", ErrExecution, language)
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.client.timeout)
	defer cancel()

	body := sandboxapi.ExecuteRequest{
		Code:    code,
		Timeout: int(e.client.timeout / time.Millisecond),
	}
	if contextID != "" {
		body.ContextID = contextID
	} else {
		body.Language = language
	}

	onOutput("starting "+language+" execution", StreamInfo)

	req, err := e.client.http.Request(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}
	resp, err := req.
		SetBody(body).
		SetDoNotParseResponse(true).
		Post(e.baseURL + "/contexts/execute")
	if err != nil {
		return e.transportFailure(ctx, start, err, onOutput)
	}
	raw := resp.RawBody()
	defer raw.Close()

	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		data, _ := io.ReadAll(io.LimitReader(raw, 64*1024))
		res := httpFailure(resp.StatusCode(), string(data), start)
		onOutput(res.Stderr, StreamError)
		return res, nil
	}

	decoded, err := decodeExecuteStream(raw, func(item sandboxapi.ExecuteItem) {
		switch item.Type {
		case sandboxapi.ItemStdout:
			onOutput(item.Text, StreamStdout)
		case sandboxapi.ItemStderr:
			onOutput(item.Text, StreamStderr)
		case sandboxapi.ItemError:
			onOutput(errorText(item.Value), StreamError)
		}
	})
	if err != nil {
		return e.transportFailure(ctx, start, err, onOutput)
	}

	res := NormalizeExecute(decoded)
	res.Duration = time.Since(start)
	if res.Status == StatusFailed && len(decoded.Results) == 0 {
		onOutput(res.Stderr, StreamError)
	}

	e.client.logger.Debug("execution finished",
		"base_url", e.baseURL,
		"language", language,
		"context_id", res.ContextID,
		"status", res.Status,
		"duration", res.Duration)

	return res, nil
}

func (e *sandboxExecutor) ExecuteShell(ctx context.Context, command string) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.client.timeout)
	defer cancel()

	req, err := e.client.http.Request(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecution, err)
	}

	resp, err := req.
		SetBody(sandboxapi.CommandRequest{Command: command}).
		Post(e.baseURL + "/processes/cmd")
	if err != nil {
		return e.transportFailure(ctx, start, err, nil)
	}
	if !resp.IsSuccess() {
		return httpFailure(resp.StatusCode(), resp.String(), start), nil
	}

	var out sandboxapi.CommandResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, fmt.Errorf("%w: decode command response: %v", ErrExecution, err)
	}

	res := NormalizeCommand(&out)
	res.Duration = time.Since(start)
	return res, nil
}

func (e *sandboxExecutor) ReadFile(ctx context.Context, path string) (string, error) {
	path = ResolvePath(path)

	req, err := e.client.http.Request(ctx)
	if err != nil {
		return "", err
	}

	resp, err := req.
		SetQueryParam("path", path).
		Get(e.baseURL + "/files")
	if err != nil {
		return "", fmt.Errorf("read file %s: %w", path, err)
	}
	if err := httpclient.CheckResponse(resp); err != nil {
		return "", fmt.Errorf("read file %s: %w", path, err)
	}

	var out sandboxapi.FileResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", fmt.Errorf("read file %s: decode response: %w", path, err)
	}
	return out.Content, nil
}

// transportFailure maps a local failure to a timeout Result (ceiling
// exceeded) or an ErrExecution error.
func (e *sandboxExecutor) transportFailure(ctx context.Context, start time.Time, err error, onOutput OutputFunc) (*Result, error) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res := &Result{
			Status:   StatusFailed,
			ExitCode: -1,
			Stderr:   fmt.Sprintf("Error: execution timed out after %s", e.client.timeout),
			Duration: time.Since(start),
		}
		if onOutput != nil {
			onOutput(res.Stderr, StreamError)
		}
		return res, nil
	}
	e.client.logger.Warn("execution request failed", "base_url", e.baseURL, "error", err)
	return nil, fmt.Errorf("%w: %v", ErrExecution, err)
}

func httpFailure(status int, body string, start time.Time) *Result {
	return &Result{
		Status:   StatusFailed,
		ExitCode: -1,
		Stderr:   (&httpclient.StatusError{StatusCode: status, Body: body}).Error(),
		Duration: time.Since(start),
	}
}

// NormalizeExecute converts a /contexts/execute response into a Result. Any
// error item fails the run with exit code 1 and its value appended to stderr.
// An empty result list carrying a request-level error code fails the same way.
func NormalizeExecute(resp *sandboxapi.ExecuteResponse) *Result {
	var stdout, stderr strings.Builder
	var errs []string

	for _, item := range resp.Results {
		switch item.Type {
		case sandboxapi.ItemStdout:
			stdout.WriteString(item.Text)
		case sandboxapi.ItemStderr:
			stderr.WriteString(item.Text)
		case sandboxapi.ItemError:
			errs = append(errs, errorText(item.Value))
		}
	}

	res := &Result{
		ContextID: resp.ContextID,
		Status:    StatusCompleted,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
	}

	switch {
	case len(errs) > 0:
		res.Status = StatusFailed
		res.ExitCode = 1
		if res.Stderr != "" && !strings.HasSuffix(res.Stderr, "\n") {
			res.Stderr += "\n"
		}
		res.Stderr += strings.Join(errs, "\n")
	case len(resp.Results) == 0 && resp.Code != "":
		res.Status = StatusFailed
		res.ExitCode = 1
		res.Stderr = resp.Message
		if res.Stderr == "" {
			res.Stderr = "Unknown error"
		}
	}

	return res
}

// NormalizeCommand converts a /processes/cmd response into a Result.
func NormalizeCommand(resp *sandboxapi.CommandResponse) *Result {
	if resp == nil || resp.Result == nil {
		return &Result{
			Status:   StatusFailed,
			ExitCode: -1,
			Stderr:   "Error: command response has no result",
		}
	}
	status := StatusFailed
	if resp.Result.ExitCode == 0 {
		status = StatusCompleted
	}
	return &Result{
		Status:   status,
		ExitCode: resp.Result.ExitCode,
		Stdout:   resp.Result.Stdout,
		Stderr:   resp.Result.Stderr,
	}
}

// ResolvePath makes relative paths absolute under the sandbox home directory.
func ResolvePath(path string) string {
	if strings.HasPrefix(path, "/") {
		return path
	}
	return sandboxapi.HomeDir + path
}

// decodeExecuteStream decodes an ExecuteResponse, calling onItem for each
// result entry as soon as it has been read from the body.
func decodeExecuteStream(r io.Reader, onItem func(sandboxapi.ExecuteItem)) (*sandboxapi.ExecuteResponse, error) {
	dec := json.NewDecoder(r)

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode execute response: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("decode execute response: expected object, got %v", tok)
	}

	resp := &sandboxapi.ExecuteResponse{}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("decode execute response: %w", err)
		}
		key, _ := tok.(string)

		switch key {
		case "results":
			if err := decodeResults(dec, resp, onItem); err != nil {
				return nil, err
			}
		case "contextId":
			err = dec.Decode(&resp.ContextID)
		case "code":
			err = dec.Decode(&resp.Code)
		case "message":
			err = dec.Decode(&resp.Message)
		default:
			var skip json.RawMessage
			err = dec.Decode(&skip)
		}
		if err != nil {
			return nil, fmt.Errorf("decode execute response field %q: %w", key, err)
		}
	}

	return resp, nil
}

func decodeResults(dec *json.Decoder, resp *sandboxapi.ExecuteResponse, onItem func(sandboxapi.ExecuteItem)) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("decode results: %w", err)
	}
	if tok == nil {
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '[' {
		return fmt.Errorf("decode results: expected array, got %v", tok)
	}

	for dec.More() {
		var item sandboxapi.ExecuteItem
		if err := dec.Decode(&item); err != nil {
			return fmt.Errorf("decode result item: %w", err)
		}
		resp.Results = append(resp.Results, item)
		onItem(item)
	}

	// closing ']'
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("decode results: %w", err)
	}
	return nil
}

func errorText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

var _ Factory = (*Client)(nil)
