package sandbox

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// AdapterOptions controls how raw provider records are normalized.
type AdapterOptions struct {
	// SynthesizeURLs builds AgentRun data-plane URLs from the sandbox ID when
	// the control plane does not return them. Requires AccountID and Region.
	SynthesizeURLs bool
	AccountID      string
	Region         string
}

// Normalize converts a raw provider record into a Handle. It is the only
// place that inspects provider endpoint fields.
func Normalize(raw *Sandbox, template string, opts AdapterOptions) (*Handle, error) {
	if raw == nil || raw.ID == "" {
		return nil, fmt.Errorf("%w: provider returned no sandbox id", ErrMissingEndpoint)
	}

	automation := raw.AutomationURL
	liveView := raw.LiveViewURL

	if opts.SynthesizeURLs && opts.AccountID != "" && opts.Region != "" {
		if automation == "" {
			automation = agentRunDataURL(opts, raw.ID, "/ws/automation")
		}
		if liveView == "" {
			liveView = agentRunDataURL(opts, raw.ID, "/ws/livestream")
		}
	}

	if automation == "" {
		return nil, fmt.Errorf("%w: sandbox %s", ErrMissingEndpoint, raw.ID)
	}

	if strings.HasSuffix(liveView, "/vnc") {
		liveView = strings.TrimSuffix(liveView, "/vnc") + "/ws/livestream"
	}

	data := raw.DataURL
	if data == "" {
		var err error
		data, err = DataURLFromAutomation(automation)
		if err != nil {
			return nil, fmt.Errorf("%w: sandbox %s: %v", ErrMissingEndpoint, raw.ID, err)
		}
	}

	created := raw.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	status := StatusRunning
	if raw.Status != "" && !IsAlive(raw.Status) {
		status = StatusPending
	}

	return &Handle{
		ID:            raw.ID,
		AutomationURL: automation,
		LiveViewURL:   liveView,
		DataURL:       strings.TrimRight(data, "/"),
		Status:        status,
		Template:      template,
		CreatedAt:     created,
	}, nil
}

// DataURLFromAutomation derives the execution API base URL from a CDP
// websocket URL: wss://host/sandboxes/{id}/ws/automation becomes
// https://host/sandboxes/{id}.
func DataURLFromAutomation(automation string) (string, error) {
	u, err := url.Parse(automation)
	if err != nil {
		return "", fmt.Errorf("parse automation url: %w", err)
	}

	switch u.Scheme {
	case "wss", "https":
		u.Scheme = "https"
	case "ws", "http":
		u.Scheme = "http"
	default:
		return "", fmt.Errorf("unsupported automation url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("automation url %q has no host", automation)
	}

	path := u.Path
	if i := strings.Index(path, "/ws/"); i >= 0 {
		path = path[:i]
	}
	u.Path = strings.TrimRight(path, "/")
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}

// agentRunDataURL is a compatibility shim for control planes that do not
// return data-plane URLs.
func agentRunDataURL(opts AdapterOptions, id, suffix string) string {
	return fmt.Sprintf("wss://%s.agentrun-data.%s.aliyuncs.com/sandboxes/%s%s",
		opts.AccountID, opts.Region, id, suffix)
}
