package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/obot-platform/sandboxrelay/server/internal/codegen"
	"github.com/obot-platform/sandboxrelay/server/internal/events"
	"github.com/obot-platform/sandboxrelay/server/internal/executor"
	"github.com/obot-platform/sandboxrelay/server/internal/logger"
	"github.com/obot-platform/sandboxrelay/server/internal/metrics"
	"github.com/obot-platform/sandboxrelay/server/internal/model"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox"
	"github.com/obot-platform/sandboxrelay/server/internal/store"
)

// Chat sessions own one sandbox each, keyed as chat/{session}/main.
const (
	chatUser   = "chat"
	chatThread = "main"
)

// Terminal execution statuses broadcast in execution_complete.
const (
	ExecutionSuccess = "success"
	ExecutionFailed  = "failed"
	ExecutionError   = "error"
)

// SessionKey returns the registry key of a chat session's sandbox. An empty
// session id yields sandbox.ErrInvalidKey.
func SessionKey(sessionID string) (sandbox.Key, error) {
	return sandbox.NewKey(chatUser, sessionID, chatThread)
}

// ChatOptions configures a ChatService.
type ChatOptions struct {
	Template           string
	IdleTimeoutSeconds int
	Logger             *logger.Logger
	Metrics            *metrics.Metrics
}

// ChatService drives chat turns: it stores messages, keeps a sandbox bound to
// each session, asks the generator for code and runs that code in the
// sandbox while relaying its output as log events.
type ChatService struct {
	store     *store.Store
	registry  *sandbox.Registry
	sandboxes *SandboxService
	generator codegen.Generator
	executors executor.Factory
	hub       *events.ChatHub

	template    string
	idleTimeout int
	logger      *logger.Logger
	metrics     *metrics.Metrics

	// Background work (executions, websocket turns) runs on ctx so Close can
	// stop it.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewChatService creates a new chat service.
func NewChatService(
	s *store.Store,
	registry *sandbox.Registry,
	sandboxes *SandboxService,
	generator codegen.Generator,
	executors executor.Factory,
	hub *events.ChatHub,
	opts ChatOptions,
) *ChatService {
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ChatService{
		store:       s,
		registry:    registry,
		sandboxes:   sandboxes,
		generator:   generator,
		executors:   executors,
		hub:         hub,
		template:    opts.Template,
		idleTimeout: opts.IdleTimeoutSeconds,
		logger:      log.Named("chat"),
		metrics:     opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Close cancels in-flight background work and waits for it to return. No
// new work is accepted once Close has begun.
func (c *ChatService) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
}

// Wait blocks until all background work started so far has finished.
func (c *ChatService) Wait() {
	c.wg.Wait()
}

// track reserves a slot for background work. It reports false after Close.
func (c *ChatService) track() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	return true
}

func (c *ChatService) goBackground(fn func(ctx context.Context)) error {
	if !c.track() {
		return ErrClosed
	}
	go func() {
		defer c.wg.Done()
		fn(c.ctx)
	}()
	return nil
}

// EnsureSandbox returns the sandbox bound to the session, provisioning one if
// the session has none, the bound one is gone or force is set. The session
// is created if it does not exist.
func (c *ChatService) EnsureSandbox(ctx context.Context, sessionID string, force bool) (*sandbox.Handle, error) {
	key, err := SessionKey(sessionID)
	if err != nil {
		return nil, err
	}
	session, err := c.store.GetOrCreateSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	handle, isNew, err := c.registry.GetOrCreate(ctx, key, c.template, c.idleTimeout, force)
	if err != nil {
		return nil, err
	}
	if !isNew && session.SandboxID == handle.ID {
		return handle, nil
	}

	// The registry already destroyed a replaced sandbox; drop what the server
	// still holds for it.
	if session.SandboxID != "" && session.SandboxID != handle.ID {
		c.sandboxes.Delete(ctx, session.SandboxID)
	}

	c.sandboxes.Register(handle)
	if err := c.store.BindSandbox(ctx, sessionID, handle.ID, handle.AutomationURL, handle.LiveViewURL, handle.DataURL); err != nil {
		return nil, fmt.Errorf("bind sandbox: %w", err)
	}
	if isNew {
		c.sandboxes.AppendLog(handle.ID, events.LevelInfo, "Sandbox created", map[string]any{
			"session_id": sessionID,
			"cdp_url":    handle.AutomationURL,
		})
	}
	return handle, nil
}

// SendMessage runs one chat turn and returns the assistant's reply. Sandbox
// and generation failures are returned as an assistant message describing
// the error, not as an error; only storage failures and empty input are
// errors.
func (c *ChatService) SendMessage(ctx context.Context, sessionID, content string) (*model.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if _, err := c.store.GetOrCreateSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	userMsg := &model.ChatMessage{SessionID: sessionID, Role: model.RoleUser, Content: content}
	if err := c.appendAndPublish(ctx, userMsg); err != nil {
		return nil, err
	}

	handle, err := c.EnsureSandbox(ctx, sessionID, false)
	if err != nil {
		c.logger.Error("failed to prepare sandbox", "session_id", sessionID, "error", err)
		return c.replyError(ctx, sessionID, fmt.Sprintf("[ERROR] Failed to create sandbox: %v", err))
	}

	c.sandboxes.AppendLog(handle.ID, events.LevelInfo, "[user] "+content, nil)
	c.sandboxes.AppendLog(handle.ID, events.LevelThinking, "Generating automation code...", nil)

	history, err := c.generationHistory(ctx, sessionID, userMsg.MessageID)
	if err != nil {
		return nil, err
	}

	gen, err := c.generator.Generate(ctx, content, handle.AutomationURL, history)
	c.metrics.GenerationResult(err)
	if err != nil {
		c.logger.Error("code generation failed", "session_id", sessionID, "error", err)
		c.sandboxes.AppendLog(handle.ID, events.LevelError, fmt.Sprintf("Code generation failed: %v", err), nil)
		return c.replyError(ctx, sessionID, fmt.Sprintf("[ERROR] Code generation failed: %v", err))
	}

	reply := &model.ChatMessage{
		SessionID: sessionID,
		Role:      model.RoleAssistant,
		Content:   gen.FullResponse,
		Code:      gen.Code,
		Language:  gen.Language,
	}
	if reply.Content == "" {
		reply.Content = gen.Code + "\n\n" + gen.Explanation
	}
	if err := c.store.AppendMessage(ctx, reply); err != nil {
		return nil, fmt.Errorf("store reply: %w", err)
	}

	c.sandboxes.AppendLog(handle.ID, events.LevelInfo, "[AI] Code generated", nil)
	c.sandboxes.AppendLog(handle.ID, events.LevelAction, "[OK] Code generation complete", map[string]any{
		"message_id": reply.MessageID,
		"language":   reply.Language,
	})
	c.hub.Publish(sessionID, events.ChatEvent{Type: events.ChatMessage, Data: reply})

	return reply, nil
}

// SubmitMessage runs SendMessage in the background. Failures are logged.
// It returns ErrClosed once the service is shutting down.
func (c *ChatService) SubmitMessage(sessionID, content string) error {
	return c.goBackground(func(ctx context.Context) {
		if _, err := c.SendMessage(ctx, sessionID, content); err != nil {
			c.logger.Warn("chat turn failed", "session_id", sessionID, "error", err)
		}
	})
}

func (c *ChatService) appendAndPublish(ctx context.Context, msg *model.ChatMessage) error {
	if err := c.store.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	c.hub.Publish(msg.SessionID, events.ChatEvent{Type: events.ChatMessage, Data: msg})
	return nil
}

func (c *ChatService) replyError(ctx context.Context, sessionID, content string) (*model.ChatMessage, error) {
	msg := &model.ChatMessage{SessionID: sessionID, Role: model.RoleAssistant, Content: content}
	if err := c.appendAndPublish(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// generationHistory returns the session's conversation before the message
// currently being answered.
func (c *ChatService) generationHistory(ctx context.Context, sessionID, currentID string) ([]codegen.HistoryMessage, error) {
	messages, err := c.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	history := make([]codegen.HistoryMessage, 0, len(messages))
	for _, m := range messages {
		if m.MessageID == currentID {
			continue
		}
		history = append(history, codegen.HistoryMessage{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

// ExecuteRequest asks for a stored message's code, or ad-hoc code, to be run
// in the session's sandbox.
type ExecuteRequest struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Code      string `json:"code,omitempty"`
	Language  string `json:"language,omitempty"`
	ContextID string `json:"context_id,omitempty"`
}

// Execution is returned as soon as an execution has been dispatched.
type Execution struct {
	SessionID   string `json:"session_id"`
	ExecutionID string `json:"execution_id"`
	ContextID   string `json:"context_id,omitempty"`
	Status      string `json:"status"`
	SandboxID   string `json:"sandbox_id"`
}

// Execute starts running code in the session's sandbox and returns without
// waiting. Output is relayed to the sandbox's log stream as it arrives and
// one execution_complete event is published when the run ends. A failed run
// never tears down the sandbox.
func (c *ChatService) Execute(ctx context.Context, req ExecuteRequest) (*Execution, error) {
	code := req.Code
	language := req.Language
	if code == "" {
		msg, err := c.store.GetMessage(ctx, req.SessionID, req.MessageID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !msg.HasCode()) {
			return nil, ErrMessageNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load message: %w", err)
		}
		code = msg.Code
		if language == "" {
			language = msg.Language
		}
	}
	language = executor.NormalizeLanguage(language)
	if language == executor.LanguageShell {
		code = strings.TrimSpace(code)
	}

	handle, err := c.EnsureSandbox(ctx, req.SessionID, false)
	if err != nil {
		return nil, err
	}
	// Reserve the background slot before execution_start goes out so a
	// started execution always gets its execution_complete.
	if !c.track() {
		return nil, ErrClosed
	}

	exec := &Execution{
		SessionID:   req.SessionID,
		ExecutionID: model.NewExecutionID(),
		ContextID:   req.ContextID,
		Status:      "running",
		SandboxID:   handle.ID,
	}

	c.sandboxes.AppendLog(handle.ID, events.LevelAction, "[exec] Starting code execution", map[string]any{
		"execution_id": exec.ExecutionID,
		"language":     language,
	})
	c.hub.Publish(req.SessionID, events.ChatEvent{
		Type: events.ChatExecutionStart,
		Data: map[string]any{
			"execution_id": exec.ExecutionID,
			"message_id":   req.MessageID,
			"sandbox_id":   handle.ID,
		},
	})

	go func() {
		defer c.wg.Done()
		c.run(c.ctx, req.SessionID, exec.ExecutionID, handle, code, language, req.ContextID)
	}()
	return exec, nil
}

func (c *ChatService) run(ctx context.Context, sessionID, executionID string, handle *sandbox.Handle, code, language, contextID string) {
	sandboxID := handle.ID
	relay := func(text, stream string) {
		switch stream {
		case executor.StreamError:
			c.sandboxes.AppendLog(sandboxID, events.LevelError, trimOr(text), nil)
		case executor.StreamInfo:
			c.sandboxes.AppendLog(sandboxID, events.LevelInfo, trimOr(text), nil)
		default:
			if line := strings.TrimSpace(text); line != "" {
				c.sandboxes.AppendLog(sandboxID, events.LevelStdout, line, nil)
			}
		}
	}

	start := time.Now()
	res, err := c.executors.ForSandbox(handle.DataURL).ExecuteStreaming(ctx, code, language, contextID, relay)
	complete := map[string]any{"execution_id": executionID}

	switch {
	case err != nil:
		c.metrics.ExecutionFinished(language, ExecutionError, time.Since(start))
		c.logger.Warn("execution error", "session_id", sessionID, "execution_id", executionID, "error", err)
		c.sandboxes.AppendLog(sandboxID, events.LevelError, fmt.Sprintf("Execution error: %v", err), nil)
		complete["status"] = ExecutionError
		complete["error"] = err.Error()

	case res.Succeeded():
		c.metrics.ExecutionFinished(language, ExecutionSuccess, res.Duration)
		if res.Stderr != "" {
			c.sandboxes.AppendLog(sandboxID, events.LevelStderr, res.Stderr, nil)
		}
		c.sandboxes.AppendLog(sandboxID, events.LevelResult, "[OK] Execution completed", map[string]any{
			"execution_id": executionID,
			"duration_ms":  res.Duration.Milliseconds(),
		})
		complete["context_id"] = res.ContextID
		complete["status"] = ExecutionSuccess
		complete["stdout"] = res.Stdout
		complete["stderr"] = res.Stderr

	default:
		c.metrics.ExecutionFinished(language, ExecutionFailed, res.Duration)
		c.sandboxes.AppendLog(sandboxID, events.LevelError, fmt.Sprintf("Execution failed (exit code %d): %s", res.ExitCode, res.Stderr), nil)
		complete["context_id"] = res.ContextID
		complete["status"] = ExecutionFailed
		complete["exit_code"] = res.ExitCode
		complete["stdout"] = res.Stdout
		complete["stderr"] = res.Stderr
		complete["error"] = res.Stderr
	}

	c.hub.Publish(sessionID, events.ChatEvent{Type: events.ChatExecutionComplete, Data: complete})
}

func trimOr(s string) string {
	if t := strings.TrimSpace(s); t != "" {
		return t
	}
	return s
}

// History returns a session and its messages in order.
func (c *ChatService) History(ctx context.Context, sessionID string) (*model.ChatSession, []*model.ChatMessage, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	messages, err := c.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	return session, messages, nil
}

// GlobalSession returns the shared session, creating it if needed, and its
// message count.
func (c *ChatService) GlobalSession(ctx context.Context) (*model.ChatSession, int64, error) {
	session, err := c.store.GetOrCreateSession(ctx, model.GlobalSessionID)
	if err != nil {
		return nil, 0, err
	}
	n, err := c.store.CountMessages(ctx, session.ID)
	if err != nil {
		return nil, 0, err
	}
	return session, n, nil
}

// CountSessions returns the number of stored chat sessions.
func (c *ChatService) CountSessions(ctx context.Context) (int64, error) {
	return c.store.CountSessions(ctx)
}

// Rebuild resets a session: its sandbox is deleted, its history cleared and
// a fresh sandbox provisioned. Viewers receive session_rebuilt.
func (c *ChatService) Rebuild(ctx context.Context, sessionID string) (*model.ChatSession, error) {
	if session, err := c.store.GetSession(ctx, sessionID); err == nil && session.HasSandbox() {
		c.sandboxes.Delete(ctx, session.SandboxID)
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	// Any sandbox the registry still holds for the key is replaced below.
	if _, err := c.store.ResetSession(ctx, sessionID); err != nil {
		return nil, fmt.Errorf("reset session: %w", err)
	}

	handle, err := c.EnsureSandbox(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}

	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	c.logger.Info("session rebuilt", "session_id", sessionID, "sandbox_id", handle.ID)
	c.hub.Publish(sessionID, events.ChatEvent{
		Type: events.ChatSessionRebuilt,
		Data: map[string]any{
			"session_id": sessionID,
			"sandbox_id": handle.ID,
			"timestamp":  model.EpochSeconds(time.Now()),
		},
	})
	return session, nil
}
