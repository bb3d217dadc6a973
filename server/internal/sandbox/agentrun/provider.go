// Package agentrun implements sandbox.Provider against the remote browser
// sandbox control plane.
//
// API Endpoints:
//
//	POST   /sandboxes       - Create a sandbox from a template
//	GET    /sandboxes/{id}  - Read sandbox status
//	DELETE /sandboxes/{id}  - Destroy a sandbox
package agentrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/obot-platform/sandboxrelay/server/internal/config"
	"github.com/obot-platform/sandboxrelay/server/internal/httpclient"
	"github.com/obot-platform/sandboxrelay/server/internal/logger"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox"
)

// TemplateTypeBrowser is the only template type this provider creates.
const TemplateTypeBrowser = "BROWSER"

// Options configures a Provider.
type Options struct {
	Endpoint     string
	APIKey       string
	Timeout      time.Duration // per request
	ReadyTimeout time.Duration // how long Create waits for an alive status
	PollInterval time.Duration
	Logger       *logger.Logger
}

// Provider talks to the control plane over REST.
type Provider struct {
	http         *httpclient.Client
	readyTimeout time.Duration
	pollInterval time.Duration
	logger       *logger.Logger
}

// OptionsFromConfig maps server configuration to provider options.
func OptionsFromConfig(cfg config.AgentRunConfig, log *logger.Logger) Options {
	return Options{
		Endpoint: cfg.Endpoint,
		APIKey:   cfg.APIKey,
		Logger:   log,
	}
}

// NewProvider creates a provider. The endpoint is required.
func NewProvider(opts Options) (*Provider, error) {
	if opts.Endpoint == "" {
		return nil, errors.New("agentrun endpoint is required")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.ReadyTimeout == 0 {
		opts.ReadyTimeout = 2 * time.Minute
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logger.Nop()
	}

	return &Provider{
		http: httpclient.New(httpclient.Options{
			BaseURL: strings.TrimRight(opts.Endpoint, "/"),
			Timeout: opts.Timeout,
			Retries: 3,
			Token:   opts.APIKey,
		}),
		readyTimeout: opts.ReadyTimeout,
		pollInterval: opts.PollInterval,
		logger:       log.Named("agentrun"),
	}, nil
}

type createRequest struct {
	TemplateName              string            `json:"templateName"`
	TemplateType              string            `json:"templateType"`
	SandboxIdleTimeoutSeconds int               `json:"sandboxIdleTimeoutSeconds,omitempty"`
	Labels                    map[string]string `json:"labels,omitempty"`
}

// sandboxRecord is the control plane's view of a sandbox.
type sandboxRecord struct {
	SandboxID string    `json:"sandboxId"`
	Status    string    `json:"status"`
	CDPURL    string    `json:"cdpUrl,omitempty"`
	VNCURL    string    `json:"vncUrl,omitempty"`
	DataURL   string    `json:"dataUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitempty"`
}

func (r *sandboxRecord) toSandbox(template string) *sandbox.Sandbox {
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &sandbox.Sandbox{
		ID:            r.SandboxID,
		Status:        r.Status,
		AutomationURL: r.CDPURL,
		LiveViewURL:   r.VNCURL,
		DataURL:       r.DataURL,
		CreatedAt:     createdAt,
		Metadata:      map[string]string{"template": template},
	}
}

// Create provisions a sandbox and waits until it reports an alive status.
// Endpoints missing from the create response are filled from the last poll.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	req, err := p.http.Request(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := req.
		SetBody(createRequest{
			TemplateName:              opts.Template,
			TemplateType:              TemplateTypeBrowser,
			SandboxIdleTimeoutSeconds: opts.IdleTimeoutSeconds,
			Labels:                    opts.Labels,
		}).
		Post("/sandboxes")
	if err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}
	if err := httpclient.CheckResponse(resp); err != nil {
		return nil, fmt.Errorf("create sandbox: %w", err)
	}

	var rec sandboxRecord
	if err := json.Unmarshal(resp.Body(), &rec); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	if rec.SandboxID == "" {
		return nil, errors.New("create response has no sandboxId")
	}

	p.logger.Info("sandbox created", "id", rec.SandboxID, "template", opts.Template, "status", rec.Status)

	if !sandbox.IsAlive(rec.Status) {
		if err := p.waitReady(ctx, &rec); err != nil {
			p.destroyAfterFailedCreate(rec.SandboxID)
			return nil, err
		}
	}
	return rec.toSandbox(opts.Template), nil
}

// waitReady polls until rec reports alive, merging any endpoints the poll
// returns into rec.
func (p *Provider) waitReady(ctx context.Context, rec *sandboxRecord) error {
	ctx, cancel := context.WithTimeout(ctx, p.readyTimeout)
	defer cancel()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("sandbox %s not ready (last status %q): %w", rec.SandboxID, rec.Status, ctx.Err())
		case <-ticker.C:
		}

		cur, err := p.get(ctx, rec.SandboxID)
		if err != nil {
			if errors.Is(err, sandbox.ErrNotFound) {
				return fmt.Errorf("sandbox %s disappeared while starting", rec.SandboxID)
			}
			p.logger.Debug("poll failed", "id", rec.SandboxID, "error", err)
			continue
		}

		rec.Status = cur.Status
		if cur.CDPURL != "" {
			rec.CDPURL = cur.CDPURL
		}
		if cur.VNCURL != "" {
			rec.VNCURL = cur.VNCURL
		}
		if cur.DataURL != "" {
			rec.DataURL = cur.DataURL
		}
		if !cur.CreatedAt.IsZero() {
			rec.CreatedAt = cur.CreatedAt
		}

		switch {
		case sandbox.IsAlive(cur.Status):
			return nil
		case isTerminal(cur.Status):
			return fmt.Errorf("sandbox %s entered status %s while starting", rec.SandboxID, cur.Status)
		}
	}
}

func (p *Provider) destroyAfterFailedCreate(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.Destroy(ctx, id); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		p.logger.Warn("failed to destroy sandbox after failed start", "id", id, "error", err)
	}
}

// Probe returns the raw control-plane status.
func (p *Provider) Probe(ctx context.Context, id string) (string, error) {
	rec, err := p.get(ctx, id)
	if err != nil {
		return "", err
	}
	return rec.Status, nil
}

func (p *Provider) get(ctx context.Context, id string) (*sandboxRecord, error) {
	req, err := p.http.Request(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := req.SetPathParam("id", id).Get("/sandboxes/{id}")
	if err != nil {
		return nil, fmt.Errorf("get sandbox: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, sandbox.ErrNotFound
	}
	if err := httpclient.CheckResponse(resp); err != nil {
		return nil, fmt.Errorf("get sandbox: %w", err)
	}

	var rec sandboxRecord
	if err := json.Unmarshal(resp.Body(), &rec); err != nil {
		return nil, fmt.Errorf("decode sandbox: %w", err)
	}
	return &rec, nil
}

// Destroy deletes a sandbox. A 404 is reported as sandbox.ErrNotFound.
func (p *Provider) Destroy(ctx context.Context, id string) error {
	req, err := p.http.Request(ctx)
	if err != nil {
		return err
	}
	resp, err := req.SetPathParam("id", id).Delete("/sandboxes/{id}")
	if err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return sandbox.ErrNotFound
	}
	if err := httpclient.CheckResponse(resp); err != nil {
		return fmt.Errorf("delete sandbox: %w", err)
	}
	p.logger.Info("sandbox deleted", "id", id)
	return nil
}

func isTerminal(status string) bool {
	switch strings.ToUpper(status) {
	case "FAILED", "DELETED", "DELETING", "TERMINATED", "STOPPED":
		return true
	}
	return false
}
