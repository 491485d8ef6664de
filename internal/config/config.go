// Package config handles loading, validating, and applying
// configuration for ec2runner.  Configuration is read from a YAML file
// and can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/yaml.v3"

	"github.com/terrpan/ec2runner/internal/actions"
	"github.com/terrpan/ec2runner/internal/engine"
	"github.com/terrpan/ec2runner/internal/engine/docker"
	"github.com/terrpan/ec2runner/internal/engine/ec2"
	"github.com/terrpan/ec2runner/internal/engine/gcp"
	"github.com/terrpan/ec2runner/internal/userdata"
)

// Engine types accepted in engine.type.
const (
	EngineEC2    = "ec2"
	EngineGCP    = "gcp"
	EngineDocker = "docker"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub  GitHubConfig  `yaml:"github"`
	Runner  RunnerConfig  `yaml:"runner"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GitHubConfig identifies the repository the runner registers with.
type GitHubConfig struct {
	// Host is the GitHub host.  Default: "github.com".
	Host string `yaml:"host"`

	Owner string `yaml:"owner"`
	Repo  string `yaml:"repo"`

	// RegistrationToken is the single-use runner registration token
	// (required for start).
	RegistrationToken string `yaml:"registration_token"`
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// RunnerConfig describes the runner installed on the instance.
type RunnerConfig struct {
	// Label routes jobs to this runner.  Generated from LabelPrefix
	// when empty.
	Label string `yaml:"label"`

	// LabelPrefix seeds generated labels.  Default: "ec2runner".
	LabelPrefix string `yaml:"label_prefix"`

	// HomeDir is a directory on the image where the runner is already
	// installed.  Empty selects fresh-install mode.
	HomeDir string `yaml:"home_dir"`

	// Version is the runner release downloaded in fresh-install mode.
	// Default: userdata.DefaultRunnerVersion.
	Version string `yaml:"version"`

	// InstanceID is the instance to terminate (required for stop).
	InstanceID string `yaml:"instance_id"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the compute backend.
type EngineConfig struct {
	// Type selects the compute backend: "ec2", "gcp" or "docker".
	// Default: "ec2".
	Type string `yaml:"type"`

	EC2    EC2EngineConfig    `yaml:"ec2"`
	GCP    GCPEngineConfig    `yaml:"gcp"`
	Docker DockerEngineConfig `yaml:"docker"`
}

// TagConfig is one EC2 tag.  Tags are a list so their order is kept.
type TagConfig struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// EC2EngineConfig holds EC2 settings.
type EC2EngineConfig struct {
	// Region overrides AWS_REGION / shared config.
	Region string `yaml:"region"`

	ImageID         string `yaml:"image_id"`
	InstanceType    string `yaml:"instance_type"`
	SecurityGroupID string `yaml:"security_group_id"`

	// SubnetID is a comma-separated list of subnets tried in order.
	// Empty lets EC2 choose the default subnet.
	SubnetID string `yaml:"subnet_id"`

	// IAMRoleName is the instance profile name (optional).
	IAMRoleName string `yaml:"iam_role_name"`

	Tags []TagConfig `yaml:"tags"`

	// WaitTimeout bounds the wait for the running state.  Default: 10m.
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// GCPEngineConfig holds GCP Compute Engine settings.
//
// Authentication uses Application Default Credentials (ADC) -- no
// credential fields are needed.
type GCPEngineConfig struct {
	Project     string `yaml:"project"`
	Zone        string `yaml:"zone"`
	MachineType string `yaml:"machine_type"`

	// Image is the full self-link or family URL of the runner image.
	Image string `yaml:"image"`

	DiskSizeGB int64  `yaml:"disk_size_gb"`
	Network    string `yaml:"network"`

	// Subnet is a comma-separated list of subnetworks tried in order.
	Subnet string `yaml:"subnet"`

	// PublicIP controls whether the VM gets an external IP address.
	// Default: true.  A *bool distinguishes "not set" from false.
	PublicIP *bool `yaml:"public_ip"`

	ServiceAccount string            `yaml:"service_account"`
	Labels         map[string]string `yaml:"labels"`
	WaitTimeout    time.Duration     `yaml:"wait_timeout"`
}

// DockerEngineConfig holds Docker settings.
type DockerEngineConfig struct {
	// Image is the container image for the runner.
	// Default: docker.DefaultImage.
	Image string `yaml:"image"`

	// Network is a comma-separated list of Docker networks tried in order.
	Network string `yaml:"network"`

	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
	// Annotations also emits warnings and errors as GitHub workflow
	// commands.  Default: true when running inside GitHub Actions.
	Annotations *bool `yaml:"annotations"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP export is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`

	// PushgatewayURL pushes final metrics to a Prometheus Pushgateway.
	PushgatewayURL string `yaml:"pushgateway_url"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// If the file does not exist the returned Config will contain zero values
// which must be filled via flag overrides before calling Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Config file is optional -- flags can supply everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.Host == "" {
		c.GitHub.Host = "github.com"
	}
	if c.Runner.LabelPrefix == "" {
		c.Runner.LabelPrefix = "ec2runner"
	}
	if c.Runner.Version == "" {
		c.Runner.Version = userdata.DefaultRunnerVersion
	}
	if c.Engine.Type == "" {
		c.Engine.Type = EngineEC2
	}
	if c.Engine.EC2.WaitTimeout == 0 {
		c.Engine.EC2.WaitTimeout = ec2.DefaultWaitTimeout
	}
	if c.Engine.GCP.MachineType == "" {
		c.Engine.GCP.MachineType = "e2-medium"
	}
	if c.Engine.GCP.DiskSizeGB == 0 {
		c.Engine.GCP.DiskSizeGB = 50
	}
	if c.Engine.GCP.PublicIP == nil {
		t := true
		c.Engine.GCP.PublicIP = &t
	}
	if c.Engine.GCP.WaitTimeout == 0 {
		c.Engine.GCP.WaitTimeout = gcp.DefaultWaitTimeout
	}
	if c.Engine.Docker.Image == "" {
		c.Engine.Docker.Image = docker.DefaultImage
	}
	if c.Engine.Docker.WaitTimeout == 0 {
		c.Engine.Docker.WaitTimeout = docker.DefaultWaitTimeout
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Annotations == nil {
		enabled := actions.Enabled()
		c.Logging.Annotations = &enabled
	}
}

// Validate checks the settings shared by every command: the engine
// selection and its required fields.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	switch c.Engine.Type {
	case EngineEC2:
		if c.Engine.EC2.ImageID == "" {
			return fmt.Errorf("engine.ec2.image_id is required when engine.type is \"ec2\"")
		}
		if c.Engine.EC2.InstanceType == "" {
			return fmt.Errorf("engine.ec2.instance_type is required when engine.type is \"ec2\"")
		}
		if c.Engine.EC2.SecurityGroupID == "" {
			return fmt.Errorf("engine.ec2.security_group_id is required when engine.type is \"ec2\"")
		}
		for i, t := range c.Engine.EC2.Tags {
			if strings.TrimSpace(t.Key) == "" {
				return fmt.Errorf("engine.ec2.tags[%d].key is empty", i)
			}
		}
		if c.Engine.EC2.WaitTimeout < 0 {
			return fmt.Errorf("engine.ec2.wait_timeout must not be negative")
		}
	case EngineGCP:
		if c.Engine.GCP.Project == "" {
			return fmt.Errorf("engine.gcp.project is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Zone == "" {
			return fmt.Errorf("engine.gcp.zone is required when engine.type is \"gcp\"")
		}
		if c.Engine.GCP.Image == "" {
			return fmt.Errorf("engine.gcp.image is required when engine.type is \"gcp\"")
		}
	case EngineDocker:
		// OK
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: ec2, gcp, docker)", c.Engine.Type)
	}

	if c.OTel.PushgatewayURL != "" {
		if _, err := url.ParseRequestURI(c.OTel.PushgatewayURL); err != nil {
			return fmt.Errorf("otel.pushgateway_url: invalid URL %q: %w", c.OTel.PushgatewayURL, err)
		}
	}

	return nil
}

// ValidateStart additionally checks what the start command needs to
// register a runner.
func (c *Config) ValidateStart() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.GitHub.Owner == "" {
		return fmt.Errorf("github.owner is required")
	}
	if c.GitHub.Repo == "" {
		return fmt.Errorf("github.repo is required")
	}
	if c.GitHub.RegistrationToken == "" {
		return fmt.Errorf("github.registration_token is required")
	}
	if _, err := url.ParseRequestURI(c.RegistrationURL()); err != nil {
		return fmt.Errorf("github.host: invalid registration URL %q: %w", c.RegistrationURL(), err)
	}
	return c.validateResourceName()
}

var (
	gcpNameRE    = regexp.MustCompile(`^[a-z]([-a-z0-9]{0,61}[a-z0-9])?$`)
	dockerNameRE = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]+$`)
)

// validateResourceName checks the runner label against the naming rules
// of engines that use it as the instance name.  EC2 only stores it in a
// tag, so any label is accepted there.
func (c *Config) validateResourceName() error {
	label := c.RunnerLabel()
	switch c.Engine.Type {
	case EngineGCP:
		if !gcpNameRE.MatchString(label) {
			return fmt.Errorf("runner.label %q is not a valid GCP instance name (lowercase letters, digits and hyphens, starting with a letter, at most 63 characters)", label)
		}
	case EngineDocker:
		if !dockerNameRE.MatchString(label) {
			return fmt.Errorf("runner.label %q is not a valid Docker container name", label)
		}
	}
	return nil
}

// ValidateStop additionally checks that an instance to terminate is known.
func (c *Config) ValidateStop() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Runner.InstanceID == "" {
		return fmt.Errorf("runner.instance_id is required")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Derived values
// ---------------------------------------------------------------------------

// RegistrationURL returns https://<host>/<owner>/<repo>.
func (c *Config) RegistrationURL() string {
	return fmt.Sprintf("https://%s/%s/%s", c.GitHub.Host, c.GitHub.Owner, c.GitHub.Repo)
}

// RunnerLabel returns the configured label, or a fresh one of the form
// <prefix>-<8 hex chars> when none is set.  The generated label is
// stored so later calls return the same value.
func (c *Config) RunnerLabel() string {
	if c.Runner.Label == "" {
		prefix := slug.Make(c.Runner.LabelPrefix)
		if prefix == "" {
			prefix = "ec2runner"
		}
		c.Runner.Label = prefix + "-" + uuid.NewString()[:8]
	}
	return c.Runner.Label
}

// Subnets returns the comma-separated subnet candidates of the selected
// engine.
func (c *Config) Subnets() string {
	switch c.Engine.Type {
	case EngineGCP:
		return c.Engine.GCP.Subnet
	case EngineDocker:
		return c.Engine.Docker.Network
	default:
		return c.Engine.EC2.SubnetID
	}
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
// When annotations are enabled, warnings and errors are also written
// to stdout as GitHub workflow commands.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	var handler slog.Handler
	switch strings.ToLower(c.Logging.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	if c.Logging.Annotations != nil && *c.Logging.Annotations {
		handler = slogmulti.Fanout(handler, actions.NewHandler(os.Stdout))
	}
	return slog.New(handler)
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewEngine creates the compute engine selected by engine.type.
func (c *Config) NewEngine(ctx context.Context, logger *slog.Logger) (engine.Engine, error) {
	switch c.Engine.Type {
	case EngineEC2:
		return ec2.New(ctx, c.EC2Config(), logger.WithGroup("engine.ec2"))
	case EngineGCP:
		return gcp.New(ctx, c.GCPConfig(), logger.WithGroup("engine.gcp"))
	case EngineDocker:
		return docker.New(ctx, docker.Config{
			Image:       c.Engine.Docker.Image,
			WaitTimeout: c.Engine.Docker.WaitTimeout,
		}, logger.WithGroup("engine.docker"))
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
}

// EC2Config converts the YAML settings to the engine's Config.
func (c *Config) EC2Config() ec2.Config {
	tags := make([]ec2.Tag, 0, len(c.Engine.EC2.Tags))
	for _, t := range c.Engine.EC2.Tags {
		tags = append(tags, ec2.Tag{Key: t.Key, Value: t.Value})
	}
	return ec2.Config{
		Region:          c.Engine.EC2.Region,
		ImageID:         c.Engine.EC2.ImageID,
		InstanceType:    c.Engine.EC2.InstanceType,
		SecurityGroupID: c.Engine.EC2.SecurityGroupID,
		IAMRoleName:     c.Engine.EC2.IAMRoleName,
		Tags:            tags,
		WaitTimeout:     c.Engine.EC2.WaitTimeout,
	}
}

// GCPConfig converts the YAML settings to the engine's Config.
func (c *Config) GCPConfig() gcp.Config {
	publicIP := true
	if c.Engine.GCP.PublicIP != nil {
		publicIP = *c.Engine.GCP.PublicIP
	}
	return gcp.Config{
		Project:        c.Engine.GCP.Project,
		Zone:           c.Engine.GCP.Zone,
		MachineType:    c.Engine.GCP.MachineType,
		Image:          c.Engine.GCP.Image,
		DiskSizeGB:     c.Engine.GCP.DiskSizeGB,
		Network:        c.Engine.GCP.Network,
		PublicIP:       publicIP,
		ServiceAccount: c.Engine.GCP.ServiceAccount,
		Labels:         c.Engine.GCP.Labels,
		WaitTimeout:    c.Engine.GCP.WaitTimeout,
	}
}
