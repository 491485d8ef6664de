// Package ec2 implements the engine.Engine interface on Amazon EC2: the
// runner is a single on-demand instance booted with the startup script
// as user data.
//
// Authentication uses the default AWS credential chain (environment,
// shared config, web identity / OIDC, instance role).  No credential
// fields exist in Config.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ec2runner/internal/engine"
)

// DefaultWaitTimeout matches the EC2 instanceRunning waiter policy of
// 40 attempts, 15 seconds apart.
const DefaultWaitTimeout = 10 * time.Minute

// Tag is one key/value pair applied to the instance and its volumes.
type Tag struct {
	Key   string
	Value string
}

// Config holds EC2-specific engine settings.
type Config struct {
	// Region overrides the region from the default AWS config chain.
	Region string

	// ImageID is the AMI to boot (required).
	ImageID string

	// InstanceType is the EC2 instance type, e.g. "t3.medium" (required).
	InstanceType string

	// SecurityGroupID is attached to the instance (required).
	SecurityGroupID string

	// IAMRoleName is the instance profile name (optional).
	IAMRoleName string

	// Tags are applied to the instance and its volumes in the given
	// order.  A Name tag carrying the runner label is added unless one
	// is configured.
	Tags []Tag

	// WaitTimeout bounds WaitRunning.  Default: DefaultWaitTimeout.
	WaitTimeout time.Duration
}

// api is the subset of *ec2.Client the engine uses.
type api interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	ec2.DescribeInstancesAPIClient
}

// Engine manages the runner instance on EC2.
type Engine struct {
	client api
	cfg    Config
	logger *slog.Logger

	// OpenTelemetry instrumentation
	tracer trace.Tracer
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// New creates an EC2 engine from the default AWS configuration chain.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Engine, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	logger.Info("ec2 engine initialized",
		slog.String("region", awsCfg.Region),
		slog.String("image_id", cfg.ImageID),
		slog.String("instance_type", cfg.InstanceType),
	)

	return newEngine(ec2.NewFromConfig(awsCfg), cfg, logger), nil
}

// newEngine wires an Engine around any api implementation.
func newEngine(client api, cfg Config, logger *slog.Logger) *Engine {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	return &Engine{
		client: client,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("ec2runner/engine/ec2"),
	}
}

// Launch issues a single RunInstances call for exactly one instance.
func (e *Engine) Launch(ctx context.Context, spec engine.LaunchSpec) (string, error) {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Launch")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.label", spec.Name),
		attribute.String("ec2.subnet_id", spec.Subnet),
		attribute.String("ec2.instance_type", e.cfg.InstanceType),
	)

	input := &ec2.RunInstancesInput{
		ImageId:           aws.String(e.cfg.ImageID),
		InstanceType:      types.InstanceType(e.cfg.InstanceType),
		MinCount:          aws.Int32(1),
		MaxCount:          aws.Int32(1),
		UserData:          aws.String(spec.UserData),
		SecurityGroupIds:  []string{e.cfg.SecurityGroupID},
		TagSpecifications: e.tagSpecifications(spec.Name),
	}
	// A nil SubnetId lets EC2 pick the default subnet.
	if spec.Subnet != "" {
		input.SubnetId = aws.String(spec.Subnet)
	}
	if e.cfg.IAMRoleName != "" {
		input.IamInstanceProfile = &types.IamInstanceProfileSpecification{
			Name: aws.String(e.cfg.IAMRoleName),
		}
	}

	e.logger.Debug("launching instance",
		slog.String("subnet", spec.Subnet),
		slog.String("image_id", e.cfg.ImageID),
	)

	result, err := e.client.RunInstances(ctx, input)
	if err != nil {
		span.SetAttributes(attribute.String("aws.error_code", errorCode(err)))
		return "", fmt.Errorf("run instances: %w", err)
	}
	if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("run instances: no instance returned")
	}

	id := aws.ToString(result.Instances[0].InstanceId)
	span.SetAttributes(attribute.String("ec2.instance_id", id))
	return id, nil
}

// WaitRunning blocks on the SDK's instanceRunning waiter.
func (e *Engine) WaitRunning(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.WaitRunning")
	defer span.End()
	span.SetAttributes(attribute.String("ec2.instance_id", id))

	waiter := ec2.NewInstanceRunningWaiter(e.client)
	if err := waiter.Wait(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{id},
	}, e.cfg.WaitTimeout); err != nil {
		return fmt.Errorf("waiting for instance %s to run: %w", id, err)
	}
	return nil
}

// Terminate issues a single TerminateInstances call.
func (e *Engine) Terminate(ctx context.Context, id string) error {
	ctx, span := e.tracer.Start(ctx, "engine.ec2.Terminate")
	defer span.End()
	span.SetAttributes(attribute.String("ec2.instance_id", id))

	if _, err := e.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{id},
	}); err != nil {
		span.SetAttributes(attribute.String("aws.error_code", errorCode(err)))
		return fmt.Errorf("terminate instance %s: %w", id, err)
	}
	return nil
}

// Close is a no-op; the SDK client holds no resources that need release.
func (e *Engine) Close() error {
	return nil
}

// tagSpecifications applies the configured tags to both the instance and
// its volumes.
func (e *Engine) tagSpecifications(label string) []types.TagSpecification {
	tags := make([]types.Tag, 0, len(e.cfg.Tags)+1)
	hasName := false
	for _, t := range e.cfg.Tags {
		if t.Key == "Name" {
			hasName = true
		}
		tags = append(tags, types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
	}
	if !hasName && label != "" {
		tags = append(tags, types.Tag{Key: aws.String("Name"), Value: aws.String(label)})
	}
	if len(tags) == 0 {
		return nil
	}

	return []types.TagSpecification{
		{ResourceType: types.ResourceTypeInstance, Tags: tags},
		{ResourceType: types.ResourceTypeVolume, Tags: tags},
	}
}

// errorCode extracts the AWS error code, e.g. "InsufficientInstanceCapacity".
func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
