package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validEC2Config returns a minimal Config that passes ValidateStart()
// with the EC2 engine.
func validEC2Config() *Config {
	return &Config{
		GitHub: GitHubConfig{
			Owner:             "my-org",
			Repo:              "my-repo",
			RegistrationToken: "AABBCCDD",
		},
		Engine: EngineConfig{
			EC2: EC2EngineConfig{
				ImageID:         "ami-0abcdef1234567890",
				InstanceType:    "t3.medium",
				SecurityGroupID: "sg-0123",
			},
		},
	}
}

// validGCPConfig returns a minimal Config that passes ValidateStart()
// with the GCP engine.
func validGCPConfig() *Config {
	cfg := validEC2Config()
	cfg.Engine = EngineConfig{
		Type: EngineGCP,
		GCP: GCPEngineConfig{
			Project: "my-project",
			Zone:    "us-central1-a",
			Image:   "projects/my-project/global/images/runner",
		},
	}
	return cfg
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidateStart_ValidEC2Config() {
	cfg := validEC2Config()
	require.NoError(s.T(), cfg.ValidateStart())
	assert.Equal(s.T(), EngineEC2, cfg.Engine.Type)
}

func (s *ConfigValidationSuite) TestValidateStart_ValidGCPConfig() {
	require.NoError(s.T(), validGCPConfig().ValidateStart())
}

func (s *ConfigValidationSuite) TestValidateStart_ValidDockerConfig() {
	cfg := validEC2Config()
	cfg.Engine = EngineConfig{Type: EngineDocker}
	require.NoError(s.T(), cfg.ValidateStart())
}

// ---------------------------------------------------------------------------
// Mode-specific validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidateStart_MissingOwner() {
	cfg := validEC2Config()
	cfg.GitHub.Owner = ""
	err := cfg.ValidateStart()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "github.owner")
}

func (s *ConfigValidationSuite) TestValidateStart_MissingRepo() {
	cfg := validEC2Config()
	cfg.GitHub.Repo = ""
	err := cfg.ValidateStart()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "github.repo")
}

func (s *ConfigValidationSuite) TestValidateStart_MissingToken() {
	cfg := validEC2Config()
	cfg.GitHub.RegistrationToken = ""
	err := cfg.ValidateStart()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "github.registration_token")
}

func (s *ConfigValidationSuite) TestValidateStop_RequiresInstanceID() {
	cfg := validEC2Config()
	err := cfg.ValidateStop()
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "runner.instance_id")

	cfg.Runner.InstanceID = "i-0123"
	assert.NoError(s.T(), cfg.ValidateStop())
}

func (s *ConfigValidationSuite) TestValidateStop_DoesNotNeedToken() {
	cfg := validEC2Config()
	cfg.GitHub = GitHubConfig{}
	cfg.Runner.InstanceID = "i-0123"
	assert.NoError(s.T(), cfg.ValidateStop())
}

func (s *ConfigValidationSuite) TestValidateStart_LabelMustNameInstance() {
	tests := []struct {
		name    string
		engine  string
		label   string
		wantErr bool
	}{
		{"gcp lowercase", EngineGCP, "ci-runner-1", false},
		{"gcp uppercase", EngineGCP, "CI-Runner", true},
		{"gcp underscore", EngineGCP, "ci_runner", true},
		{"gcp leading digit", EngineGCP, "1-runner", true},
		{"gcp too long", EngineGCP, "a" + strings.Repeat("b", 63), true},
		{"docker underscore", EngineDocker, "CI_runner.1", false},
		{"docker slash", EngineDocker, "ci/runner", true},
		{"ec2 accepts anything", EngineEC2, "CI Runner_1", false},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			cfg := validGCPConfig()
			if tt.engine != EngineGCP {
				cfg = validEC2Config()
				cfg.Engine.Type = tt.engine
			}
			cfg.Runner.Label = tt.label

			err := cfg.ValidateStart()
			if tt.wantErr {
				require.Error(s.T(), err)
				assert.Contains(s.T(), err.Error(), "runner.label")
			} else {
				assert.NoError(s.T(), err)
			}
		})
	}
}

func (s *ConfigValidationSuite) TestValidateStart_GeneratedLabelIsKept() {
	cfg := validGCPConfig()
	require.NoError(s.T(), cfg.ValidateStart())

	label := cfg.Runner.Label
	assert.Regexp(s.T(), `^ec2runner-[0-9a-f]{8}$`, label)
	assert.Equal(s.T(), label, cfg.RunnerLabel())
}

// ---------------------------------------------------------------------------
// Engine validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_EC2_RequiredFields() {
	tests := []struct {
		name   string
		mutate func(*EC2EngineConfig)
		expect string
	}{
		{"image", func(c *EC2EngineConfig) { c.ImageID = "" }, "engine.ec2.image_id"},
		{"instance type", func(c *EC2EngineConfig) { c.InstanceType = "" }, "engine.ec2.instance_type"},
		{"security group", func(c *EC2EngineConfig) { c.SecurityGroupID = "" }, "engine.ec2.security_group_id"},
		{"empty tag key", func(c *EC2EngineConfig) { c.Tags = []TagConfig{{Key: " ", Value: "x"}} }, "engine.ec2.tags[0].key"},
	}

	for _, tc := range tests {
		s.Run(tc.name, func() {
			cfg := validEC2Config()
			tc.mutate(&cfg.Engine.EC2)
			err := cfg.Validate()
			require.Error(s.T(), err)
			assert.Contains(s.T(), err.Error(), tc.expect)
		})
	}
}

func (s *ConfigValidationSuite) TestValidate_GCP_MissingProject() {
	cfg := validGCPConfig()
	cfg.Engine.GCP.Project = ""
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "project")
}

func (s *ConfigValidationSuite) TestValidate_GCP_MissingZone() {
	cfg := validGCPConfig()
	cfg.Engine.GCP.Zone = ""
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "zone")
}

func (s *ConfigValidationSuite) TestValidate_GCP_MissingImage() {
	cfg := validGCPConfig()
	cfg.Engine.GCP.Image = ""
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "image")
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedEngine() {
	cfg := validEC2Config()
	cfg.Engine.Type = "azure"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "not supported")
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedLogFormat() {
	cfg := validEC2Config()
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "logging.format")
}

func (s *ConfigValidationSuite) TestValidate_InvalidPushgatewayURL() {
	cfg := validEC2Config()
	cfg.OTel.PushgatewayURL = "not a url"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "otel.pushgateway_url")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults_SetsExpectedValues() {
	s.T().Setenv("GITHUB_ACTIONS", "")
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), "github.com", cfg.GitHub.Host)
	assert.Equal(s.T(), "ec2runner", cfg.Runner.LabelPrefix)
	assert.Equal(s.T(), "2.307.1", cfg.Runner.Version)
	assert.Equal(s.T(), EngineEC2, cfg.Engine.Type)
	assert.Equal(s.T(), 10*time.Minute, cfg.Engine.EC2.WaitTimeout)
	assert.Equal(s.T(), "ghcr.io/actions/actions-runner:latest", cfg.Engine.Docker.Image)
	assert.Equal(s.T(), "e2-medium", cfg.Engine.GCP.MachineType)
	assert.Equal(s.T(), int64(50), cfg.Engine.GCP.DiskSizeGB)
	require.NotNil(s.T(), cfg.Engine.GCP.PublicIP)
	assert.True(s.T(), *cfg.Engine.GCP.PublicIP)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
	require.NotNil(s.T(), cfg.Logging.Annotations)
	assert.False(s.T(), *cfg.Logging.Annotations)
}

func (s *ConfigValidationSuite) TestApplyDefaults_AnnotationsInsideActions() {
	s.T().Setenv("GITHUB_ACTIONS", "true")
	cfg := &Config{}
	cfg.ApplyDefaults()

	require.NotNil(s.T(), cfg.Logging.Annotations)
	assert.True(s.T(), *cfg.Logging.Annotations)
}

func (s *ConfigValidationSuite) TestApplyDefaults_KeepsExplicitValues() {
	off := false
	cfg := &Config{
		GitHub:  GitHubConfig{Host: "github.example.com"},
		Runner:  RunnerConfig{Version: "2.320.0"},
		Logging: LoggingConfig{Annotations: &off},
	}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), "github.example.com", cfg.GitHub.Host)
	assert.Equal(s.T(), "2.320.0", cfg.Runner.Version)
	assert.False(s.T(), *cfg.Logging.Annotations)
}

// ---------------------------------------------------------------------------
// Derived values
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestRegistrationURL() {
	cfg := validEC2Config()
	cfg.ApplyDefaults()
	assert.Equal(s.T(), "https://github.com/my-org/my-repo", cfg.RegistrationURL())

	cfg.GitHub.Host = "github.example.com"
	assert.Equal(s.T(), "https://github.example.com/my-org/my-repo", cfg.RegistrationURL())
}

func (s *ConfigValidationSuite) TestRunnerLabel_Configured() {
	cfg := validEC2Config()
	cfg.Runner.Label = "gpu-runner"
	assert.Equal(s.T(), "gpu-runner", cfg.RunnerLabel())
}

func (s *ConfigValidationSuite) TestRunnerLabel_Generated() {
	cfg := validEC2Config()
	cfg.Runner.LabelPrefix = "My CI Runner"

	label := cfg.RunnerLabel()
	assert.Regexp(s.T(), regexp.MustCompile(`^my-ci-runner-[0-9a-f]{8}$`), label)
	assert.Equal(s.T(), label, cfg.RunnerLabel(), "generated label must be stable")
}

func (s *ConfigValidationSuite) TestRunnerLabel_Unique() {
	a := &Config{Runner: RunnerConfig{LabelPrefix: "ec2runner"}}
	b := &Config{Runner: RunnerConfig{LabelPrefix: "ec2runner"}}
	assert.NotEqual(s.T(), a.RunnerLabel(), b.RunnerLabel())
}

func (s *ConfigValidationSuite) TestSubnets_PerEngine() {
	cfg := &Config{Engine: EngineConfig{
		EC2:    EC2EngineConfig{SubnetID: "subnet-a,subnet-b"},
		GCP:    GCPEngineConfig{Subnet: "regions/us-central1/subnetworks/ci"},
		Docker: DockerEngineConfig{Network: "ci-net"},
	}}

	cfg.Engine.Type = EngineEC2
	assert.Equal(s.T(), "subnet-a,subnet-b", cfg.Subnets())
	cfg.Engine.Type = EngineGCP
	assert.Equal(s.T(), "regions/us-central1/subnetworks/ci", cfg.Subnets())
	cfg.Engine.Type = EngineDocker
	assert.Equal(s.T(), "ci-net", cfg.Subnets())
}

func (s *ConfigValidationSuite) TestEC2Config_KeepsTagOrder() {
	cfg := validEC2Config()
	cfg.Engine.EC2.Tags = []TagConfig{
		{Key: "Zeta", Value: "1"},
		{Key: "Alpha", Value: "2"},
		{Key: "Mid", Value: "3"},
	}
	cfg.ApplyDefaults()

	ec2Cfg := cfg.EC2Config()
	require.Len(s.T(), ec2Cfg.Tags, 3)
	assert.Equal(s.T(), "Zeta", ec2Cfg.Tags[0].Key)
	assert.Equal(s.T(), "Alpha", ec2Cfg.Tags[1].Key)
	assert.Equal(s.T(), "Mid", ec2Cfg.Tags[2].Key)
	assert.Equal(s.T(), 10*time.Minute, ec2Cfg.WaitTimeout)
}

func (s *ConfigValidationSuite) TestGCPConfig_PublicIPFalse() {
	cfg := validGCPConfig()
	off := false
	cfg.Engine.GCP.PublicIP = &off
	cfg.Engine.GCP.Labels = map[string]string{"team": "ci"}

	gcpCfg := cfg.GCPConfig()
	assert.False(s.T(), gcpCfg.PublicIP)
	assert.Equal(s.T(), "ci", gcpCfg.Labels["team"])
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestLoad_MissingFileIsEmpty() {
	cfg, err := Load(filepath.Join(s.T().TempDir(), "absent.yaml"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), &Config{}, cfg)
}

func (s *ConfigValidationSuite) TestLoad_ParsesYAML() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	data := `
github:
  owner: my-org
  repo: my-repo
  registration_token: AABBCCDD
runner:
  label: ci-x
  home_dir: /home/runner/actions-runner
engine:
  type: ec2
  ec2:
    region: eu-west-1
    image_id: ami-1
    instance_type: c6i.large
    subnet_id: "subnet-a, subnet-b"
    security_group_id: sg-1
    tags:
      - key: Team
        value: ci
      - key: Cost
        value: shared
    wait_timeout: 5m
logging:
  level: debug
  annotations: false
otel:
  pushgateway_url: http://pushgateway:9091
`
	require.NoError(s.T(), os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(s.T(), err)
	require.NoError(s.T(), cfg.ValidateStart())

	assert.Equal(s.T(), "ci-x", cfg.RunnerLabel())
	assert.Equal(s.T(), "/home/runner/actions-runner", cfg.Runner.HomeDir)
	assert.Equal(s.T(), "eu-west-1", cfg.Engine.EC2.Region)
	assert.Equal(s.T(), "subnet-a, subnet-b", cfg.Subnets())
	assert.Equal(s.T(), 5*time.Minute, cfg.Engine.EC2.WaitTimeout)
	require.Len(s.T(), cfg.Engine.EC2.Tags, 2)
	assert.Equal(s.T(), TagConfig{Key: "Team", Value: "ci"}, cfg.Engine.EC2.Tags[0])
	assert.Equal(s.T(), "debug", cfg.Logging.Level)
	assert.False(s.T(), *cfg.Logging.Annotations)
	assert.Equal(s.T(), "http://pushgateway:9091", cfg.OTel.PushgatewayURL)
}

func (s *ConfigValidationSuite) TestLoad_InvalidYAML() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte("github: [unclosed"), 0o600))

	_, err := Load(path)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "parsing config")
}

// ---------------------------------------------------------------------------
// Logger
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestNewLogger_Levels() {
	cfg := &Config{Logging: LoggingConfig{Level: "warn"}}
	cfg.ApplyDefaults()

	logger := cfg.NewLogger()
	assert.False(s.T(), logger.Handler().Enabled(s.T().Context(), -4))
	assert.True(s.T(), logger.Handler().Enabled(s.T().Context(), 4))
}
