package appconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pkt.systems/subexec/internal/budget"
	"pkt.systems/subexec/internal/logcapture"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int             `mapstructure:"config_version" yaml:"config_version"`
	Engine        EngineConfig    `mapstructure:"engine" yaml:"engine"`
	Run           RunConfig       `mapstructure:"run" yaml:"run"`
	Logs          LogsConfig      `mapstructure:"logs" yaml:"logs"`
	Artifacts     ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
	Results       ResultsConfig   `mapstructure:"results" yaml:"results"`
	Budgets       BudgetsConfig   `mapstructure:"budgets" yaml:"budgets"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// EngineConfig configures the container engine endpoint.
type EngineConfig struct {
	Address            string         `mapstructure:"address" yaml:"address"`
	UserNSMode         string         `mapstructure:"userns_mode" yaml:"userns_mode"`
	PullTimeoutMinutes int            `mapstructure:"pull_timeout_minutes" yaml:"pull_timeout_minutes"`
	StopTimeoutSeconds int            `mapstructure:"stop_timeout_seconds" yaml:"stop_timeout_seconds"`
	Registry           RegistryConfig `mapstructure:"registry" yaml:"registry"`
}

// RegistryConfig holds credentials for pulling submission images.
type RegistryConfig struct {
	Server   string `mapstructure:"server" yaml:"server"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
}

// RunConfig controls how a submission container is run and supervised.
type RunConfig struct {
	WorkDir             string `mapstructure:"work_dir" yaml:"work_dir"`
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	InputTarget         string `mapstructure:"input_target" yaml:"input_target"`
	OutputTarget        string `mapstructure:"output_target" yaml:"output_target"`
	NamePrefix          string `mapstructure:"name_prefix" yaml:"name_prefix"`
	RemoveImage         bool   `mapstructure:"remove_image" yaml:"remove_image"`
}

// PollInterval returns the supervision period.
func (r RunConfig) PollInterval() time.Duration {
	return time.Duration(r.PollIntervalSeconds) * time.Second
}

// LogsConfig controls log capture.
type LogsConfig struct {
	MaxBytes      int    `mapstructure:"max_bytes" yaml:"max_bytes"`
	TailLines     int    `mapstructure:"tail_lines" yaml:"tail_lines"`
	Sentinel      string `mapstructure:"sentinel" yaml:"sentinel"`
	IncludeStdout bool   `mapstructure:"include_stdout" yaml:"include_stdout"`
}

// Options converts the section to capture options.
func (l LogsConfig) Options() logcapture.Options {
	return logcapture.Options{
		MaxBytes:      l.MaxBytes,
		TailLines:     l.TailLines,
		Sentinel:      l.Sentinel,
		IncludeStdout: l.IncludeStdout,
	}
}

// ArtifactsConfig selects where logs, trees and archives are uploaded.
type ArtifactsConfig struct {
	S3      S3Config      `mapstructure:"s3" yaml:"s3"`
	Sidecar SidecarConfig `mapstructure:"sidecar" yaml:"sidecar"`
}

// S3Config configures the remote artifact store.
type S3Config struct {
	Bucket   string `mapstructure:"bucket" yaml:"bucket"`
	Region   string `mapstructure:"region" yaml:"region"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
}

// SidecarConfig names the logging container artifacts are copied into.
type SidecarConfig struct {
	Container string `mapstructure:"container" yaml:"container"`
	Path      string `mapstructure:"path" yaml:"path"`
}

// ResultsConfig controls where the result record goes.
type ResultsConfig struct {
	Path string     `mapstructure:"path" yaml:"path"`
	NATS NATSConfig `mapstructure:"nats" yaml:"nats"`
}

// NATSConfig enables publication of result records. Empty URL disables it.
type NATSConfig struct {
	URL     string `mapstructure:"url" yaml:"url"`
	Subject string `mapstructure:"subject" yaml:"subject"`
}

// BudgetsConfig is the resource budget table.
type BudgetsConfig struct {
	PublicTimeoutHours  int                       `mapstructure:"public_timeout_hours" yaml:"public_timeout_hours"`
	PrivateTimeoutHours int                       `mapstructure:"private_timeout_hours" yaml:"private_timeout_hours"`
	OutputCeilingBytes  int64                     `mapstructure:"output_ceiling_bytes" yaml:"output_ceiling_bytes"`
	StorageSize         string                    `mapstructure:"storage_size" yaml:"storage_size"`
	VolumeOptions       map[string]string         `mapstructure:"volume_options" yaml:"volume_options"`
	Questions           map[string]QuestionConfig `mapstructure:"questions" yaml:"questions"`
}

// QuestionConfig is the per-question part of a budget.
type QuestionConfig struct {
	Memory  string  `mapstructure:"memory" yaml:"memory"`
	CPUs    float64 `mapstructure:"cpus" yaml:"cpus"`
	Pattern string  `mapstructure:"pattern" yaml:"pattern"`
}

// Settings converts the section to budget settings.
func (b BudgetsConfig) Settings() budget.Settings {
	questions := make(map[string]budget.Question, len(b.Questions))
	for q, c := range b.Questions {
		questions[q] = budget.Question{Memory: c.Memory, CPUs: c.CPUs, Pattern: c.Pattern}
	}
	return budget.Settings{
		PublicTimeout:      time.Duration(b.PublicTimeoutHours) * time.Hour,
		PrivateTimeout:     time.Duration(b.PrivateTimeoutHours) * time.Hour,
		OutputCeilingBytes: b.OutputCeilingBytes,
		StorageSize:        b.StorageSize,
		VolumeOptions:      b.VolumeOptions,
		Questions:          questions,
	}
}

// Table builds the budget table.
func (b BudgetsConfig) Table() (*budget.Table, error) {
	return budget.New(b.Settings())
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	uid := os.Getuid()
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = filepath.Join("/run", "user", fmt.Sprintf("%d", uid))
	}
	stock := budget.DefaultSettings()
	questions := make(map[string]QuestionConfig, len(stock.Questions))
	for q, c := range stock.Questions {
		questions[q] = QuestionConfig{Memory: c.Memory, CPUs: c.CPUs, Pattern: c.Pattern}
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Engine: EngineConfig{
			Address:            fmt.Sprintf("unix://%s", filepath.Join(runtimeDir, "podman", "podman.sock")),
			UserNSMode:         "",
			PullTimeoutMinutes: 30,
			StopTimeoutSeconds: 10,
			Registry: RegistryConfig{
				Server:   "docker.synapse.org",
				Username: "$SUBEXEC_REGISTRY_USERNAME",
				Password: "$SUBEXEC_REGISTRY_PASSWORD",
			},
		},
		Run: RunConfig{
			WorkDir:             ".",
			PollIntervalSeconds: 60,
			InputTarget:         "/input",
			OutputTarget:        "/output",
			NamePrefix:          "subexec-",
			RemoveImage:         true,
		},
		Logs: LogsConfig{
			MaxBytes:      logcapture.DefaultMaxBytes,
			TailLines:     logcapture.DefaultTailLines,
			Sentinel:      logcapture.DefaultSentinel,
			IncludeStdout: false,
		},
		Artifacts: ArtifactsConfig{
			S3: S3Config{
				Bucket:   "",
				Region:   "$AWS_REGION",
				Prefix:   "",
				Endpoint: "",
			},
			Sidecar: SidecarConfig{
				Container: "logging",
				Path:      "/logging",
			},
		},
		Results: ResultsConfig{
			Path: "results.json",
			NATS: NATSConfig{
				URL:     "",
				Subject: "subexec.results",
			},
		},
		Budgets: BudgetsConfig{
			PublicTimeoutHours:  int(stock.PublicTimeout / time.Hour),
			PrivateTimeoutHours: int(stock.PrivateTimeout / time.Hour),
			OutputCeilingBytes:  stock.OutputCeilingBytes,
			StorageSize:         stock.StorageSize,
			VolumeOptions:       stock.VolumeOptions,
			Questions:           questions,
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".subexec", "config.yaml"), nil
}
