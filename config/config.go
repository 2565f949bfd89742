// Package config defines the pipeline configuration document and its
// loader. All run parameters live here explicitly; the pipeline reads
// no process-wide environment variables.
package config

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/conveyorcd/conveyor/cluster"
	"github.com/conveyorcd/conveyor/credential"
	cerrors "github.com/conveyorcd/conveyor/errors"
	"github.com/conveyorcd/conveyor/registry"
)

// Config is the full pipeline definition loaded from YAML.
type Config struct {
	Name     string         `yaml:"name"`
	Source   SourceConfig   `yaml:"source"`
	Install  InstallConfig  `yaml:"install"`
	Registry RegistryConfig `yaml:"registry"`
	Builder  BuilderConfig  `yaml:"builder"`
	Deploy   DeployConfig   `yaml:"deploy"`
	Cache    CacheConfig    `yaml:"cache"`
	Secrets  SecretsConfig  `yaml:"secrets"`
}

// SecretsConfig selects the credential provider backing the run's
// bindings.
type SecretsConfig struct {
	// Provider is the backend name: "awssm", "file", or "memory".
	Provider string `yaml:"provider"`

	// Region and Endpoint configure the AWS Secrets Manager backend.
	Region   string `yaml:"region,omitempty"`
	Endpoint string `yaml:"endpoint,omitempty"`

	// Root is the directory the file backend reads secrets from.
	Root string `yaml:"root,omitempty"`
}

// SourceConfig locates the source tree to build.
type SourceConfig struct {
	URL        string               `yaml:"url"`
	Branch     string               `yaml:"branch"`
	Depth      int                  `yaml:"depth"`
	Credential []credential.Binding `yaml:"credentials"`
}

// InstallConfig drives the install-and-test stage.
type InstallConfig struct {
	Commands []CommandConfig `yaml:"commands"`

	// StrictTests turns test command failures fatal. When false, test
	// failures are absorbed by policy and the run proceeds.
	StrictTests bool `yaml:"strictTests"`
}

// CommandConfig is one shell command within a stage.
type CommandConfig struct {
	Name string `yaml:"name"`
	Run  string `yaml:"run"`

	// Absorbed marks the command's failure as ignorable by policy. The
	// failure is logged but does not change the run status.
	Absorbed bool `yaml:"absorbed"`
}

// RegistryConfig names the push target.
type RegistryConfig struct {
	Host           string                  `yaml:"host"`
	Repository     string                  `yaml:"repository"`
	ConflictPolicy registry.ConflictPolicy `yaml:"conflictPolicy"`
	Credential     []credential.Binding    `yaml:"credentials"`
}

// Duration unmarshals from YAML strings in time.ParseDuration form,
// such as "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// BuilderConfig tunes the image builder coordinator.
type BuilderConfig struct {
	Addr         string   `yaml:"addr"`
	ReadyTimeout Duration `yaml:"readyTimeout"`
}

// DeployConfig drives the deploy stage.
type DeployConfig struct {
	Namespace      string               `yaml:"namespace"`
	Replicas       int                  `yaml:"replicas"`
	Port           int                  `yaml:"port"`
	RolloutTimeout Duration             `yaml:"rolloutTimeout"`
	Resources      ResourcesConfig      `yaml:"resources"`
	Probes         ProbesConfig         `yaml:"probes"`
	Credential     []credential.Binding `yaml:"credentials"`
}

// ResourcesConfig mirrors container resource requests and limits.
type ResourcesConfig struct {
	RequestsMemory string `yaml:"requestsMemory"`
	RequestsCPU    string `yaml:"requestsCpu"`
	LimitsMemory   string `yaml:"limitsMemory"`
	LimitsCPU      string `yaml:"limitsCpu"`
}

// ProbesConfig declares the optional HTTP health probes.
type ProbesConfig struct {
	Readiness *ProbeConfig `yaml:"readiness"`
	Liveness  *ProbeConfig `yaml:"liveness"`
}

// ProbeConfig is one HTTP probe.
type ProbeConfig struct {
	Path                string `yaml:"path"`
	InitialDelaySeconds int    `yaml:"initialDelaySeconds"`
	PeriodSeconds       int    `yaml:"periodSeconds"`
}

// CacheConfig locates the build cache.
type CacheConfig struct {
	Root string `yaml:"root"`
}

// Defaults applied by Load.
const (
	DefaultBranch         = "main"
	DefaultRolloutTimeout = 2 * time.Minute
	DefaultReadyTimeout   = 30 * time.Second
)

// Parse decodes a configuration document, rejecting unknown fields,
// then validates it and fills defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := newStrictDecoder(data)
	if err := dec.Decode(&cfg); err != nil {
		return nil, cerrors.Wrap(err, cerrors.CodeInvalidConfig, cerrors.SeverityFatal,
			"decoding pipeline configuration")
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Source.Branch == "" {
		c.Source.Branch = DefaultBranch
	}
	if c.Registry.ConflictPolicy == "" {
		c.Registry.ConflictPolicy = registry.ConflictFail
	}
	if c.Deploy.RolloutTimeout == 0 {
		c.Deploy.RolloutTimeout = Duration(DefaultRolloutTimeout)
	}
	if c.Builder.ReadyTimeout == 0 {
		c.Builder.ReadyTimeout = Duration(DefaultReadyTimeout)
	}
	if c.Deploy.Replicas == 0 {
		c.Deploy.Replicas = cluster.DefaultReplicas
	}
	if c.Deploy.Port == 0 {
		c.Deploy.Port = cluster.DefaultPort
	}
	if c.Secrets.Provider == "" {
		c.Secrets.Provider = "awssm"
	}
}

// Validate checks the configuration for completeness.
func (c *Config) Validate() error {
	if c.Name == "" {
		return invalid("name is required")
	}
	if c.Source.URL == "" {
		return invalid("source.url is required")
	}
	if c.Registry.Host == "" || c.Registry.Repository == "" {
		return invalid("registry.host and registry.repository are required")
	}
	if err := c.Registry.ConflictPolicy.Validate(); err != nil {
		return err
	}
	if c.Deploy.Namespace == "" {
		return invalid("deploy.namespace is required")
	}
	if c.Secrets.Provider == "file" && c.Secrets.Root == "" {
		return invalid("secrets.root is required for the file provider")
	}
	for i, cmd := range c.Install.Commands {
		if cmd.Run == "" {
			return invalid(fmt.Sprintf("install.commands[%d].run is required", i))
		}
	}
	for _, group := range [][]credential.Binding{
		c.Source.Credential,
		c.Registry.Credential,
		c.Deploy.Credential,
	} {
		for _, b := range group {
			if err := b.Validate(); err != nil {
				return err
			}
		}
	}
	return nil
}

func invalid(msg string) error {
	return cerrors.New(cerrors.CodeInvalidConfig, cerrors.SeverityFatal, msg)
}

func newStrictDecoder(data []byte) *yaml.Decoder {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec
}
