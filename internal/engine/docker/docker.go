// Package docker implements the engine.Engine interface using the
// Docker daemon: the runner "instance" is a container that decodes and
// runs the base64 user data.  It exists for local smoke tests of the
// start/stop flow without cloud credentials.
package docker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ec2runner/internal/engine"
)

const (
	// DefaultImage ships bash, curl and tar, which the startup script needs.
	DefaultImage = "ghcr.io/actions/actions-runner:latest"

	// DefaultWaitTimeout bounds WaitRunning when Config.WaitTimeout is unset.
	DefaultWaitTimeout = 2 * time.Minute

	// userDataEnv carries the encoded script into the container.
	userDataEnv = "RUNNER_USER_DATA"
)

// Config holds Docker-specific settings.
type Config struct {
	// Image is the container image to use for runners.
	// Default: DefaultImage.
	Image string

	// WaitTimeout bounds WaitRunning.  Default: DefaultWaitTimeout.
	WaitTimeout time.Duration

	// PollInterval is the delay between inspections in WaitRunning.
	// Default: 1s.
	PollInterval time.Duration
}

// dockerAPI is the subset of *dockerclient.Client the engine uses.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Engine manages the runner as a Docker container.
type Engine struct {
	client dockerAPI
	cfg    Config
	logger *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a Docker engine, connects to the daemon, and pulls the
// runner image so it is available for container creation.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}

	client, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	logger.Info("pulling runner image", slog.String("image", cfg.Image))

	pull, err := client.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("image pull %s: %w", cfg.Image, err)
	}
	// Drain and close the pull stream so the image is fully downloaded.
	if _, err := io.Copy(io.Discard, pull); err != nil {
		_ = pull.Close()
		_ = client.Close()
		return nil, fmt.Errorf("reading image pull response: %w", err)
	}
	if err := pull.Close(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("closing image pull stream: %w", err)
	}

	logger.Info("runner image ready", slog.String("image", cfg.Image))

	return newEngine(client, cfg, logger), nil
}

// newEngine applies defaults and wires an Engine around any dockerAPI.
func newEngine(client dockerAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("ec2runner/engine/docker"),
	}
}

// Launch creates and starts the runner container attached to the network
// named by spec.Subnet (the daemon default when empty).  The container ID
// is the returned id.
func (e *Engine) Launch(ctx context.Context, spec engine.LaunchSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.docker.Launch")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.label", spec.Name),
		attribute.String("docker.network", spec.Subnet),
		attribute.String("docker.image", e.cfg.Image),
	)

	var netCfg *network.NetworkingConfig
	if spec.Subnet != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Subnet: {},
			},
		}
	}

	resp, err := e.client.ContainerCreate(
		ctx,
		&container.Config{
			Image: e.cfg.Image,
			// The startup script installs under the user's home and
			// sets RUNNER_ALLOW_RUNASROOT itself.
			User: "root",
			Cmd:  []string{"bash", "-c", `echo "$` + userDataEnv + `" | base64 -d | bash`},
			Env:  []string{userDataEnv + "=" + spec.UserData},
			Labels: map[string]string{
				"ec2runner.label": spec.Name,
			},
		},
		nil, // host config
		netCfg,
		nil, // platform
		spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("container create %s: %w", spec.Name, err)
	}

	if err := e.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best-effort cleanup of the created-but-not-started container.
		_ = e.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("container start %s: %w", spec.Name, err)
	}

	span.SetAttributes(attribute.String("docker.container_id", resp.ID))
	e.logger.Debug("container created",
		slog.String("name", spec.Name),
		slog.String("containerID", resp.ID),
	)

	return resp.ID, nil
}

// WaitRunning inspects the container until it reports running.  A
// container that has already exited is an error.
func (e *Engine) WaitRunning(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.WaitRunning")
	defer span.End()
	span.SetAttributes(attribute.String("docker.container_id", id))

	ctx, cancel := context.WithTimeout(ctx, e.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		info, err := e.client.ContainerInspect(ctx, id)
		if err != nil {
			return fmt.Errorf("container inspect %s: %w", id, err)
		}

		if info.ContainerJSONBase != nil && info.State != nil {
			state := info.State
			switch {
			case state.Running:
				return nil
			case state.Status == "exited" || state.Status == "dead":
				return fmt.Errorf("container %s %s with code %d before running", id, state.Status, state.ExitCode)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for container %s to run: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Terminate force-removes the container identified by id.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.docker.Terminate")
	defer span.End()
	span.SetAttributes(attribute.String("docker.container_id", id))

	if err := e.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("container remove %s: %w", id, err)
	}
	return nil
}

// Close closes the daemon connection.
func (e *Engine) Close() error {
	return e.client.Close()
}
