// Package docker provides a Docker-based implementation of the sandbox.Provider interface.
// Each sandbox is one container of the browser sandbox image with its
// automation/data port published on a random loopback port.
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	imageTypes "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	dockercontext "github.com/docker/go-sdk/context"
	"github.com/google/uuid"

	"github.com/obot-platform/sandboxrelay/server/internal/config"
	"github.com/obot-platform/sandboxrelay/server/internal/logger"
	"github.com/obot-platform/sandboxrelay/server/internal/sandbox"
)

const (
	// containerPort serves the automation, live-view and execution APIs.
	containerPort = 5000

	// namePrefix is prepended to every container this provider creates.
	namePrefix = "sandboxrelay-"

	labelManaged  = "sandboxrelay.managed"
	labelTemplate = "sandboxrelay.template"
)

// DetectDockerHost resolves the Docker host from the current Docker context.
// Returns empty string if detection fails.
func DetectDockerHost() string {
	host, err := dockercontext.CurrentDockerHost()
	if err != nil {
		return ""
	}
	return host
}

// Provider implements the sandbox.Provider interface using Docker.
type Provider struct {
	client *client.Client
	cfg    config.DockerConfig
	logger *logger.Logger
}

// NewProvider connects to the Docker daemon and verifies it answers.
func NewProvider(cfg config.DockerConfig, log *logger.Logger) (*Provider, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.Named("docker")

	clientOpts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(cfg.Host))
	} else if host := DetectDockerHost(); host != "" {
		log.Info("detected docker host from context", "host", host)
		clientOpts = append(clientOpts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	log.Info("docker provider initialized", "image", cfg.Image)
	return &Provider{client: cli, cfg: cfg, logger: log}, nil
}

// containerName generates a unique container name.
func containerName() string {
	return namePrefix + uuid.NewString()[:8]
}

// Create starts a new sandbox container. The template is recorded as a label;
// the image always comes from configuration.
func (p *Provider) Create(ctx context.Context, opts sandbox.CreateOptions) (*sandbox.Sandbox, error) {
	image := p.cfg.Image
	if err := p.ensureImage(ctx, image); err != nil {
		return nil, err
	}

	labels := map[string]string{
		labelManaged:  "true",
		labelTemplate: opts.Template,
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	var env []string
	if opts.IdleTimeoutSeconds > 0 {
		env = append(env, fmt.Sprintf("SANDBOX_IDLE_TIMEOUT=%d", opts.IdleTimeoutSeconds))
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	containerConfig := &containerTypes.Config{
		Image:        image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostConfig := &containerTypes.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: "", // Docker assigns a random free port
			}},
		},
		ShmSize: 1 << 30, // Chromium needs more than the 64MB default
	}
	if p.cfg.Network != "" {
		hostConfig.NetworkMode = containerTypes.NetworkMode(p.cfg.Network)
	}

	name := containerName()
	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		p.removeQuietly(resp.ID)
		return nil, fmt.Errorf("start container: %w", err)
	}

	info, err := p.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		p.removeQuietly(resp.ID)
		return nil, fmt.Errorf("inspect container: %w", err)
	}

	var hostPort string
	if info.NetworkSettings != nil {
		hostPort = publishedPort(info.NetworkSettings.Ports, port)
	}
	if hostPort == "" {
		p.removeQuietly(resp.ID)
		return nil, fmt.Errorf("container %s has no published port for %s", name, port)
	}

	status := "PENDING"
	if info.State != nil {
		status = containerStatus(info.State.Running, info.State.Status)
	}

	p.logger.Info("sandbox container started", "id", shortID(resp.ID), "name", name, "port", hostPort)

	automation, liveView, data := endpoints(hostPort)
	return &sandbox.Sandbox{
		ID:            resp.ID,
		Status:        status,
		AutomationURL: automation,
		LiveViewURL:   liveView,
		DataURL:       data,
		CreatedAt:     time.Now(),
		Metadata: map[string]string{
			"name":  name,
			"image": image,
		},
	}, nil
}

// Probe reports RUNNING for a running container and the upper-cased docker
// state otherwise.
func (p *Provider) Probe(ctx context.Context, id string) (string, error) {
	info, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", sandbox.ErrNotFound
		}
		return "", fmt.Errorf("inspect container: %w", err)
	}
	if info.State == nil {
		return "", nil
	}
	return containerStatus(info.State.Running, info.State.Status), nil
}

// Destroy force-removes the container and its anonymous volumes.
func (p *Provider) Destroy(ctx context.Context, id string) error {
	err := p.client.ContainerRemove(ctx, id, containerTypes.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return sandbox.ErrNotFound
		}
		return fmt.Errorf("remove container: %w", err)
	}
	p.logger.Info("sandbox container removed", "id", shortID(id))
	return nil
}

// Close closes the Docker client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

func (p *Provider) removeQuietly(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.client.ContainerRemove(ctx, id, containerTypes.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("failed to remove container after failed start", "id", shortID(id), "error", err)
	}
}

func (p *Provider) ensureImage(ctx context.Context, image string) error {
	if _, err := p.client.ImageInspect(ctx, image); err == nil {
		return nil
	}

	// Local images cannot be pulled from a registry.
	if isLocalImage(image) {
		return fmt.Errorf("image %s not found locally and cannot be pulled (local image)", image)
	}

	p.logger.Info("pulling sandbox image", "image", image)
	reader, err := p.client.ImagePull(ctx, image, imageTypes.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	defer func() { _ = reader.Close() }()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("failed to complete image pull for %s: %w", image, err)
	}
	return nil
}

// isLocalImage reports whether an image reference can only exist locally:
// bare digests and untagged registry-less names ending in ":local".
func isLocalImage(image string) bool {
	return strings.HasPrefix(image, "sha256:") || strings.HasSuffix(image, ":local")
}

// publishedPort returns the host port bound to port, or "".
func publishedPort(ports nat.PortMap, port nat.Port) string {
	for _, b := range ports[port] {
		if b.HostPort != "" {
			return b.HostPort
		}
	}
	return ""
}

// endpoints builds the automation, live-view and data URLs for a host port.
func endpoints(hostPort string) (automation, liveView, data string) {
	base := "127.0.0.1:" + hostPort
	return "ws://" + base + "/ws/automation",
		"ws://" + base + "/ws/liveview",
		"http://" + base
}

func containerStatus(running bool, state string) string {
	if running {
		return "RUNNING"
	}
	return strings.ToUpper(state)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
