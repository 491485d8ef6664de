// Package gcp implements the engine.Engine interface using Google Cloud
// Compute Engine: the runner is a single VM whose startup-script
// metadata decodes and runs the base64 user data.
//
// Authentication uses Application Default Credentials (ADC).  No
// credential fields exist in Config -- auth is handled by the
// environment (attached service account, Workload Identity Federation,
// GOOGLE_APPLICATION_CREDENTIALS, or gcloud auth application-default login).
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	compute "cloud.google.com/go/compute/apiv1"
	computepb "cloud.google.com/go/compute/apiv1/computepb"
	gax "github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/proto"

	"github.com/terrpan/ec2runner/internal/engine"
)

const (
	// DefaultWaitTimeout bounds WaitRunning when Config.WaitTimeout is unset.
	DefaultWaitTimeout = 10 * time.Minute

	// userDataKey carries the encoded script; the startup script reads it
	// back from the metadata server.
	userDataKey = "runner-user-data"

	startupScript = `#!/bin/bash
curl -s -H "Metadata-Flavor: Google" "http://metadata.google.internal/computeMetadata/v1/instance/attributes/` + userDataKey + `" | base64 -d | bash`

	statusRunning = "RUNNING"
)

// Config holds GCP-specific engine settings.
type Config struct {
	// Project is the GCP project ID (required).
	Project string

	// Zone is the GCP zone where the runner VM is created (required).
	Zone string

	// MachineType is the Compute Engine machine type.
	// Default: "e2-medium".
	MachineType string

	// Image is the full self-link or family URL of the runner image (required).
	// Examples:
	//   "projects/my-project/global/images/runner-1234567890"
	//   "projects/ubuntu-os-cloud/global/images/family/ubuntu-2404-lts-amd64"
	Image string

	// DiskSizeGB is the boot disk size in GB.  Default: 50.
	DiskSizeGB int64

	// Network is the VPC network (optional).  Defaults to "default".
	Network string

	// PublicIP controls whether the VM gets an external IP.
	PublicIP bool

	// ServiceAccount is the GCP service account email to attach to the
	// VM (optional).  If empty, the project's default compute service
	// account is used.
	ServiceAccount string

	// Labels are applied to the VM.
	Labels map[string]string

	// WaitTimeout bounds WaitRunning.  Default: DefaultWaitTimeout.
	WaitTimeout time.Duration

	// PollInterval is the delay between status checks in WaitRunning.
	// Default: 5s.
	PollInterval time.Duration
}

// operationWaiter is satisfied by *compute.Operation.
type operationWaiter interface {
	Wait(ctx context.Context, opts ...gax.CallOption) error
}

// instancesAPI is the subset of *compute.InstancesClient the engine uses,
// with Insert/Delete returning an operationWaiter so tests can mock them.
type instancesAPI interface {
	Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error)
	Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error)
	Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error)
	Close() error
}

// instancesClient adapts *compute.InstancesClient to instancesAPI.
type instancesClient struct {
	c *compute.InstancesClient
}

func (ic instancesClient) Insert(ctx context.Context, req *computepb.InsertInstanceRequest) (operationWaiter, error) {
	op, err := ic.c.Insert(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (ic instancesClient) Delete(ctx context.Context, req *computepb.DeleteInstanceRequest) (operationWaiter, error) {
	op, err := ic.c.Delete(ctx, req)
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (ic instancesClient) Get(ctx context.Context, req *computepb.GetInstanceRequest) (*computepb.Instance, error) {
	return ic.c.Get(ctx, req)
}

func (ic instancesClient) Close() error {
	return ic.c.Close()
}

// Engine manages the runner as a GCP Compute Engine VM.
type Engine struct {
	client instancesAPI
	cfg    Config
	logger *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates a GCP engine using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	client, err := compute.NewInstancesRESTClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcp instances client: %w", err)
	}

	logger.Info("gcp engine initialized",
		slog.String("project", cfg.Project),
		slog.String("zone", cfg.Zone),
		slog.String("machine_type", cfg.MachineType),
		slog.String("image", cfg.Image),
	)

	return newEngine(instancesClient{c: client}, cfg, logger), nil
}

// newEngine applies defaults and wires an Engine around any instancesAPI.
func newEngine(client instancesAPI, cfg Config, logger *slog.Logger) *Engine {
	if cfg.MachineType == "" {
		cfg.MachineType = "e2-medium"
	}
	if cfg.DiskSizeGB == 0 {
		cfg.DiskSizeGB = 50
	}
	if cfg.Network == "" {
		cfg.Network = "default"
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("ec2runner/engine/gcp"),
	}
}

// Launch creates the VM in spec.Subnet and waits for the insert
// operation, so quota and capacity errors surface here rather than in
// WaitRunning.  The instance name is the returned id.
func (e *Engine) Launch(ctx context.Context, spec engine.LaunchSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Launch")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.label", spec.Name),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
		attribute.String("gcp.subnet", spec.Subnet),
		attribute.String("gcp.machine_type", e.cfg.MachineType),
	)

	machineType := fmt.Sprintf("zones/%s/machineTypes/%s", e.cfg.Zone, e.cfg.MachineType)

	// Boot disk from the runner image.
	disk := &computepb.AttachedDisk{
		AutoDelete: proto.Bool(true),
		Boot:       proto.Bool(true),
		InitializeParams: &computepb.AttachedDiskInitializeParams{
			SourceImage: proto.String(e.cfg.Image),
			DiskSizeGb:  proto.Int64(e.cfg.DiskSizeGB),
			DiskType:    proto.String(fmt.Sprintf("zones/%s/diskTypes/pd-ssd", e.cfg.Zone)),
		},
	}

	nic := &computepb.NetworkInterface{
		Network: proto.String(fmt.Sprintf("global/networks/%s", e.cfg.Network)),
	}
	if spec.Subnet != "" {
		nic.Subnetwork = proto.String(spec.Subnet)
	}
	if e.cfg.PublicIP {
		nic.AccessConfigs = []*computepb.AccessConfig{
			{
				Name: proto.String("External NAT"),
				Type: proto.String("ONE_TO_ONE_NAT"),
			},
		}
	}

	metadata := &computepb.Metadata{
		Items: []*computepb.Items{
			{Key: proto.String(userDataKey), Value: proto.String(spec.UserData)},
			{Key: proto.String("startup-script"), Value: proto.String(startupScript)},
		},
	}

	instance := &computepb.Instance{
		Name:              proto.String(spec.Name),
		MachineType:       proto.String(machineType),
		Disks:             []*computepb.AttachedDisk{disk},
		NetworkInterfaces: []*computepb.NetworkInterface{nic},
		Metadata:          metadata,
		Labels:            e.cfg.Labels,
	}

	if e.cfg.ServiceAccount != "" {
		instance.ServiceAccounts = []*computepb.ServiceAccount{
			{
				Email:  proto.String(e.cfg.ServiceAccount),
				Scopes: []string{"https://www.googleapis.com/auth/cloud-platform"},
			},
		}
	}

	e.logger.Debug("creating runner VM",
		slog.String("name", spec.Name),
		slog.String("subnet", spec.Subnet),
	)

	op, err := e.client.Insert(ctx, &computepb.InsertInstanceRequest{
		Project:          e.cfg.Project,
		Zone:             e.cfg.Zone,
		InstanceResource: instance,
	})
	if err != nil {
		return "", fmt.Errorf("insert instance %s: %w", spec.Name, err)
	}

	span.AddEvent("waiting for GCP operation")
	if err := op.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for insert of %s: %w", spec.Name, err)
	}

	return spec.Name, nil
}

// WaitRunning polls the instance until its status is RUNNING.
func (e *Engine) WaitRunning(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.WaitRunning")
	defer span.End()
	span.SetAttributes(attribute.String("gcp.instance_name", id))

	ctx, cancel := context.WithTimeout(ctx, e.cfg.WaitTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		inst, err := e.client.Get(ctx, &computepb.GetInstanceRequest{
			Project:  e.cfg.Project,
			Zone:     e.cfg.Zone,
			Instance: id,
		})
		if err != nil {
			return fmt.Errorf("get instance %s: %w", id, err)
		}

		switch status := inst.GetStatus(); status {
		case statusRunning:
			return nil
		case "STOPPING", "STOPPED", "SUSPENDED", "TERMINATED":
			return fmt.Errorf("instance %s entered %s while waiting for %s", id, status, statusRunning)
		default:
			e.logger.Debug("instance not running yet",
				slog.String("name", id),
				slog.String("status", status),
			)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for instance %s to run: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Terminate deletes the VM and waits for the delete operation.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.gcp.Terminate")
	defer span.End()

	span.SetAttributes(
		attribute.String("gcp.instance_name", id),
		attribute.String("gcp.project", e.cfg.Project),
		attribute.String("gcp.zone", e.cfg.Zone),
	)

	op, err := e.client.Delete(ctx, &computepb.DeleteInstanceRequest{
		Project:  e.cfg.Project,
		Zone:     e.cfg.Zone,
		Instance: id,
	})
	if err != nil {
		return fmt.Errorf("delete instance %s: %w", id, err)
	}

	if err := op.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for delete of %s: %w", id, err)
	}
	return nil
}

// Close closes the API client.
func (e *Engine) Close() error {
	return e.client.Close()
}
