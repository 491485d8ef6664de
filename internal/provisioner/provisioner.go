// Package provisioner launches, waits for, and terminates the single
// compute instance that hosts an ephemeral GitHub Actions runner.  It is
// engine-agnostic: all provider calls go through engine.Engine.
package provisioner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ec2runner/internal/engine"
	"github.com/terrpan/ec2runner/internal/userdata"
)

// ErrLaunchFailed is returned by StartInstance when every subnet
// candidate was rejected.
var ErrLaunchFailed = errors.New("instance launch failed")

// Reporter marks the surrounding pipeline run as failed without
// aborting the current step.
type Reporter interface {
	SetFailed(msg string)
}

// Config holds the parameters the Provisioner needs that are not
// engine-specific.
type Config struct {
	Engine engine.Engine

	// Subnets is the comma-separated subnet list from configuration.
	// Empty means "let the provider choose".
	Subnets string

	// RegistrationURL is https://<host>/<owner>/<repo>.
	RegistrationURL string

	// RunnerHomeDir selects pre-installed mode when set.
	RunnerHomeDir string

	// RunnerVersion is the release downloaded in fresh-install mode.
	RunnerVersion string

	// InstanceID is the instance to terminate (stop mode).
	InstanceID string

	Reporter Reporter
	Logger   *slog.Logger
}

// Provisioner drives one runner instance through its lifecycle.
type Provisioner struct {
	engine          engine.Engine
	subnets         string
	registrationURL string
	runnerHomeDir   string
	runnerVersion   string
	instanceID      string
	reporter        Reporter
	logger          *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	launchAttempts      metric.Int64Counter
	launchFailures      metric.Int64Counter
	instancesTerminated metric.Int64Counter
	waitDuration        metric.Float64Histogram
}

// New creates a Provisioner.
func New(cfg Config) *Provisioner {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p := &Provisioner{
		engine:          cfg.Engine,
		subnets:         cfg.Subnets,
		registrationURL: cfg.RegistrationURL,
		runnerHomeDir:   cfg.RunnerHomeDir,
		runnerVersion:   cfg.RunnerVersion,
		instanceID:      cfg.InstanceID,
		reporter:        cfg.Reporter,
		logger:          cfg.Logger,
		tracer:          otel.Tracer("ec2runner/provisioner"),
		meter:           otel.Meter("ec2runner/provisioner"),
	}

	// Metric setup failures are logged but not fatal.
	var err error
	p.launchAttempts, err = p.meter.Int64Counter(
		"ec2runner.launch.attempts",
		metric.WithDescription("Instance launch attempts, one per subnet tried"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Debug("failed to create launchAttempts counter", slog.String("error", err.Error()))
	}

	p.launchFailures, err = p.meter.Int64Counter(
		"ec2runner.launch.failures",
		metric.WithDescription("Launches that failed in every subnet"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Debug("failed to create launchFailures counter", slog.String("error", err.Error()))
	}

	p.instancesTerminated, err = p.meter.Int64Counter(
		"ec2runner.instances.terminated",
		metric.WithDescription("Instances terminated"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Debug("failed to create instancesTerminated counter", slog.String("error", err.Error()))
	}

	p.waitDuration, err = p.meter.Float64Histogram(
		"ec2runner.wait.duration",
		metric.WithDescription("Time for a launched instance to reach the running state (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(5, 10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		cfg.Logger.Debug("failed to create waitDuration histogram", slog.String("error", err.Error()))
	}

	return p
}

// SubnetCandidates splits a comma-separated subnet list, dropping all
// whitespace.  An empty list yields a single "" entry, which engines
// read as "provider default".
func SubnetCandidates(subnets string) []string {
	if subnets == "" {
		return []string{""}
	}
	stripped := strings.Join(strings.Fields(subnets), "")
	return strings.Split(stripped, ",")
}

// StartInstance launches one instance for the runner identified by
// label, trying each subnet candidate in order until one succeeds.
//
// Candidates are tried serially and at most once, with no delay between
// attempts: a parallel fan-out could create several instances.  When all
// candidates fail the run is marked failed via the Reporter and an error
// wrapping ErrLaunchFailed is returned.
func (p *Provisioner) StartInstance(ctx context.Context, label, token string) (string, error) {
	ctx, span := p.tracer.Start(ctx, "provisioner.StartInstance")
	defer span.End()

	script := userdata.Build(userdata.Params{
		Token:           token,
		Label:           label,
		RegistrationURL: p.registrationURL,
		HomeDir:         p.runnerHomeDir,
		RunnerVersion:   p.runnerVersion,
	})
	encoded := script.Encode()

	subnets := SubnetCandidates(p.subnets)
	span.SetAttributes(
		attribute.String("runner.label", label),
		attribute.Int("launch.candidates", len(subnets)),
		attribute.Bool("runner.preinstalled", p.runnerHomeDir != ""),
	)

	for _, subnet := range subnets {
		if p.launchAttempts != nil {
			p.launchAttempts.Add(ctx, 1)
		}

		id, err := p.engine.Launch(ctx, engine.LaunchSpec{
			Name:     label,
			Subnet:   subnet,
			UserData: encoded,
		})
		if err != nil {
			span.AddEvent("launch attempt failed", trace.WithAttributes(
				attribute.String("subnet", subnet),
			))
			p.logger.Warn("instance starting error",
				slog.String("subnet", subnetName(subnet)),
				slog.String("error", err.Error()),
			)
			continue
		}

		span.SetAttributes(attribute.String("instance.id", id))
		p.logger.Info("instance started",
			slog.String("instance_id", id),
			slog.String("subnet", subnetName(subnet)),
		)
		return id, nil
	}

	if p.launchFailures != nil {
		p.launchFailures.Add(ctx, 1)
	}
	span.SetStatus(codes.Error, "all subnets failed")

	msg := fmt.Sprintf("Failed to launch instance after trying in %d subnets.", len(subnets))
	if p.reporter != nil {
		p.reporter.SetFailed(msg)
	}
	return "", fmt.Errorf("%w: tried %d subnets", ErrLaunchFailed, len(subnets))
}

// WaitForInstanceRunning blocks until the instance reports running.
// The engine's error is returned unchanged.
func (p *Provisioner) WaitForInstanceRunning(ctx context.Context, id string) error {
	ctx, span := p.tracer.Start(ctx, "provisioner.WaitForInstanceRunning")
	defer span.End()
	span.SetAttributes(attribute.String("instance.id", id))

	start := time.Now()
	if err := p.engine.WaitRunning(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "wait failed")
		p.logger.Error("instance initialization error",
			slog.String("instance_id", id),
			slog.String("error", err.Error()),
		)
		return err
	}

	if p.waitDuration != nil {
		p.waitDuration.Record(ctx, time.Since(start).Seconds())
	}
	p.logger.Info("instance running",
		slog.String("instance_id", id),
	)
	return nil
}

// TerminateInstance destroys the instance recorded in configuration.
// The engine's error is returned unchanged.
func (p *Provisioner) TerminateInstance(ctx context.Context) error {
	ctx, span := p.tracer.Start(ctx, "provisioner.TerminateInstance")
	defer span.End()

	id := p.instanceID
	span.SetAttributes(attribute.String("instance.id", id))

	if err := p.engine.Terminate(ctx, id); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "terminate failed")
		p.logger.Error("instance termination error",
			slog.String("instance_id", id),
			slog.String("error", err.Error()),
		)
		return err
	}

	if p.instancesTerminated != nil {
		p.instancesTerminated.Add(ctx, 1)
	}
	p.logger.Info("instance terminated",
		slog.String("instance_id", id),
	)
	return nil
}

func subnetName(subnet string) string {
	if subnet == "" {
		return "default"
	}
	return subnet
}
