package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/terrpan/ec2runner/internal/actions"
	"github.com/terrpan/ec2runner/internal/buildinfo"
	"github.com/terrpan/ec2runner/internal/config"
	"github.com/terrpan/ec2runner/internal/engine"
	"github.com/terrpan/ec2runner/internal/otel"
	"github.com/terrpan/ec2runner/internal/provisioner"
)

const serviceName = "ec2runner"

var (
	cfgPath       string
	flagOverrides config.Config

	// Placement flags apply to whichever engine is selected.
	flagSubnet       string
	flagImage        string
	flagInstanceType string
)

// newEngine builds the configured compute backend.  Tests replace it.
var newEngine = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Engine, error) {
	return cfg.NewEngine(ctx, logger)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ec2runner",
	Short: "On-demand, self-hosted GitHub Actions runner on a single cloud instance",
	Long: `ec2runner starts one compute instance that registers itself as an
ephemeral GitHub Actions runner, and terminates it once the job is done.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Launch an instance and wait until it is running",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runStart(ctx)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Terminate the instance started by a previous start",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runStop(ctx)
	},
}

// versionInfo is the --json form of the version command.
type versionInfo struct {
	ServiceName  string `json:"service_name"`
	Version      string `json:"version"`
	Commit       string `json:"commit"`
	BuildTime    string `json:"build_time"`
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
}

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !versionJSON {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s (commit %s, built %s)\n",
				serviceName, buildinfo.Version, buildinfo.Commit, buildinfo.BuildTime)
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(versionInfo{
			ServiceName:  serviceName,
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
		})
	},
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Config file
	pf.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Engine and logging overrides
	pf.StringVar(&flagOverrides.Engine.Type, "engine", "", "Compute engine (ec2, gcp, docker)")
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	sf := startCmd.Flags()
	sf.StringVar(&flagOverrides.GitHub.RegistrationToken, "token", "", "Runner registration token")
	sf.StringVar(&flagOverrides.GitHub.Owner, "owner", "", "Repository owner")
	sf.StringVar(&flagOverrides.GitHub.Repo, "repo", "", "Repository name")
	sf.StringVar(&flagOverrides.Runner.Label, "label", "", "Runner label (generated when empty)")
	sf.StringVar(&flagOverrides.Runner.HomeDir, "runner-home-dir", "", "Directory of a runner pre-installed on the image")
	sf.StringVar(&flagSubnet, "subnet-id", "", "Comma-separated subnets (EC2 subnets, GCP subnetworks, Docker networks) tried in order")
	sf.StringVar(&flagImage, "image-id", "", "Image to boot (EC2 AMI id, GCP image URL, Docker image)")
	sf.StringVar(&flagInstanceType, "instance-type", "", "Instance size (EC2 instance type, GCP machine type)")

	stopCmd.Flags().StringVar(&flagOverrides.Runner.InstanceID, "instance-id", "", "Instance to terminate")

	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Print build information as JSON")

	rootCmd.AddCommand(startCmd, stopCmd, versionCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded
// config.  Placement flags land in the selected engine's section.
func applyFlagOverrides(cfg *config.Config) error {
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
	if flagOverrides.GitHub.RegistrationToken != "" {
		cfg.GitHub.RegistrationToken = flagOverrides.GitHub.RegistrationToken
	}
	if flagOverrides.GitHub.Owner != "" {
		cfg.GitHub.Owner = flagOverrides.GitHub.Owner
	}
	if flagOverrides.GitHub.Repo != "" {
		cfg.GitHub.Repo = flagOverrides.GitHub.Repo
	}
	if flagOverrides.Runner.Label != "" {
		cfg.Runner.Label = flagOverrides.Runner.Label
	}
	if flagOverrides.Runner.HomeDir != "" {
		cfg.Runner.HomeDir = flagOverrides.Runner.HomeDir
	}
	if flagOverrides.Runner.InstanceID != "" {
		cfg.Runner.InstanceID = flagOverrides.Runner.InstanceID
	}

	switch cfg.Engine.Type {
	case "", config.EngineEC2:
		setIfNotEmpty(&cfg.Engine.EC2.SubnetID, flagSubnet)
		setIfNotEmpty(&cfg.Engine.EC2.ImageID, flagImage)
		setIfNotEmpty(&cfg.Engine.EC2.InstanceType, flagInstanceType)
	case config.EngineGCP:
		setIfNotEmpty(&cfg.Engine.GCP.Subnet, flagSubnet)
		setIfNotEmpty(&cfg.Engine.GCP.Image, flagImage)
		setIfNotEmpty(&cfg.Engine.GCP.MachineType, flagInstanceType)
	case config.EngineDocker:
		if flagInstanceType != "" {
			return fmt.Errorf("--instance-type is not supported by the docker engine")
		}
		setIfNotEmpty(&cfg.Engine.Docker.Network, flagSubnet)
		setIfNotEmpty(&cfg.Engine.Docker.Image, flagImage)
	}
	return nil
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// session is what both commands need once configuration is loaded.
type session struct {
	cfg         *config.Config
	reporter    *actions.Reporter
	provisioner *provisioner.Provisioner
	close       func()
}

// newSession loads and validates configuration, then wires telemetry,
// the engine, and the provisioner.  validate picks the command-specific
// checks.
func newSession(ctx context.Context, validate func(*config.Config) error) (*session, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := applyFlagOverrides(cfg); err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("engine", cfg.Engine.Type),
		slog.String("version", buildinfo.Version),
	)

	shutdownOTel, err := otel.SetupOTelSDK(ctx, serviceName, otel.Config{
		Enabled:        cfg.OTel.Enabled,
		Endpoint:       cfg.OTel.Endpoint,
		Insecure:       cfg.OTel.Insecure,
		StdOut:         cfg.OTel.StdOut,
		PushgatewayURL: cfg.OTel.PushgatewayURL,
	})
	if err != nil {
		return nil, fmt.Errorf("setting up telemetry: %w", err)
	}

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		_ = shutdownOTel(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("initializing engine: %w", err)
	}

	reporter := actions.NewReporter(logger, os.Getenv(actions.OutputEnv))

	p := provisioner.New(provisioner.Config{
		Engine:          eng,
		Subnets:         cfg.Subnets(),
		RegistrationURL: cfg.RegistrationURL(),
		RunnerHomeDir:   cfg.Runner.HomeDir,
		RunnerVersion:   cfg.Runner.Version,
		InstanceID:      cfg.Runner.InstanceID,
		Reporter:        reporter,
		Logger:          logger.WithGroup("provisioner"),
	})

	return &session{
		cfg:         cfg,
		reporter:    reporter,
		provisioner: p,
		close: func() {
			if err := eng.Close(); err != nil {
				logger.Warn("closing engine", slog.String("error", err.Error()))
			}
			if err := shutdownOTel(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("shutting down telemetry", slog.String("error", err.Error()))
			}
		},
	}, nil
}

// result maps a failed reporter to a non-nil error so the process exits 1.
func (s *session) result(err error) error {
	if err != nil {
		return err
	}
	if s.reporter.Failed() {
		return fmt.Errorf("run marked as failed")
	}
	return nil
}

func runStart(ctx context.Context) error {
	s, err := newSession(ctx, (*config.Config).ValidateStart)
	if err != nil {
		return err
	}
	defer s.close()

	label := s.cfg.RunnerLabel()
	id, err := s.provisioner.StartInstance(ctx, label, s.cfg.GitHub.RegistrationToken)
	if err != nil {
		return s.result(err)
	}

	// Published before waiting so a later stop can clean up an
	// instance that never reaches running.
	if err := s.reporter.SetOutput("label", label); err != nil {
		return s.result(err)
	}
	if err := s.reporter.SetOutput("instance-id", id); err != nil {
		return s.result(err)
	}

	return s.result(s.provisioner.WaitForInstanceRunning(ctx, id))
}

func runStop(ctx context.Context) error {
	s, err := newSession(ctx, (*config.Config).ValidateStop)
	if err != nil {
		return err
	}
	defer s.close()

	return s.result(s.provisioner.TerminateInstance(ctx))
}
