// Package codegen turns a natural-language requirement into browser
// automation code through an OpenAI-compatible chat completion endpoint.
package codegen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/obot-platform/sandboxrelay/server/internal/httpclient"
	"github.com/obot-platform/sandboxrelay/server/internal/logger"
)

// DefaultExplanation is used when the response has no text after the code.
const DefaultExplanation = "Code generated; click run to execute."

// Languages produced by ParseResponse.
const (
	LanguageJavaScript = "javascript"
	LanguagePython     = "python"
	LanguageShell      = "shell"
)

// ErrGeneration indicates the LLM call failed.
var ErrGeneration = errors.New("code generation failed")

// GenerationError wraps the underlying LLM failure.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("code generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }

// HistoryMessage is one prior turn of the conversation.
type HistoryMessage struct {
	Role    string // "user" or "assistant"
	Content string
}

// Generation is the parsed LLM output.
type Generation struct {
	Code         string
	Language     string
	Explanation  string
	FullResponse string
}

// Generator produces code for a requirement.
type Generator interface {
	Generate(ctx context.Context, requirement, automationEndpoint string, history []HistoryMessage) (*Generation, error)
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	Timeout     time.Duration
	Logger      *logger.Logger
}

// Client calls an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	http        *httpclient.Client
	model       string
	temperature float64
	logger      *logger.Logger
}

// New creates a new LLM client.
func New(opts Options) *Client {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	return &Client{
		http: httpclient.New(httpclient.Options{
			BaseURL: strings.TrimRight(opts.BaseURL, "/"),
			Timeout: opts.Timeout,
			Retries: 2,
			Token:   opts.APIKey,
		}),
		model:       opts.Model,
		temperature: opts.Temperature,
		logger:      log.Named("codegen"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Generate sends the system prompt, the history and the requirement and
// parses the reply. Only user and assistant history entries are forwarded.
func (c *Client) Generate(ctx context.Context, requirement, automationEndpoint string, history []HistoryMessage) (*Generation, error) {
	messages := make([]chatMessage, 0, len(history)+2)
	messages = append(messages, chatMessage{Role: "system", Content: SystemPrompt(automationEndpoint)})
	for _, m := range history {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: requirement})

	req, err := c.http.Request(ctx)
	if err != nil {
		return nil, &GenerationError{Err: err}
	}

	start := time.Now()
	resp, err := req.
		SetBody(chatRequest{Model: c.model, Messages: messages, Temperature: c.temperature}).
		Post("/chat/completions")
	if err != nil {
		return nil, &GenerationError{Err: err}
	}
	if err := httpclient.CheckResponse(resp); err != nil {
		return nil, &GenerationError{Err: err}
	}

	var out chatResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return nil, &GenerationError{Err: fmt.Errorf("decode completion: %w", err)}
	}
	if out.Error != nil {
		return nil, &GenerationError{Err: fmt.Errorf("%s: %s", out.Error.Code, out.Error.Message)}
	}
	if len(out.Choices) == 0 {
		return nil, &GenerationError{Err: errors.New("completion has no choices")}
	}

	c.logger.Debug("completion received",
		"model", c.model,
		"history", len(history),
		"duration", time.Since(start))

	return ParseResponse(out.Choices[0].Message.Content), nil
}

var codeBlockRe = regexp.MustCompile("(?s)```(javascript|python|shell|bash)\n(.*?)\n```")

// ParseResponse extracts the first tagged code block. bash and shell both
// map to "shell". Without a tagged block the whole reply is treated as
// javascript. The full text is always kept in FullResponse.
func ParseResponse(text string) *Generation {
	gen := &Generation{FullResponse: text}

	m := codeBlockRe.FindStringSubmatchIndex(text)
	if m == nil {
		gen.Code = strings.TrimSpace(text)
		gen.Language = LanguageJavaScript
		gen.Explanation = DefaultExplanation
		return gen
	}

	tag := text[m[2]:m[3]]
	gen.Code = strings.TrimSpace(text[m[4]:m[5]])
	switch tag {
	case "bash", "shell":
		gen.Language = LanguageShell
	case "javascript":
		gen.Language = LanguageJavaScript
	default:
		gen.Language = LanguagePython
	}

	gen.Explanation = strings.TrimSpace(text[m[1]:])
	if gen.Explanation == "" {
		gen.Explanation = DefaultExplanation
	}
	return gen
}
