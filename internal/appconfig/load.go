package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// DefaultEnvFile is the credentials file read before the config is expanded.
const DefaultEnvFile = ".env"

// LoadEnvFile exports the variables in path into the process environment
// without overriding ones already set. A missing file is ignored unless
// required.
func LoadEnvFile(path string, required bool) error {
	if path == "" {
		path = DefaultEnvFile
	}
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("engine.address", cfg.Engine.Address)
	v.SetDefault("engine.userns_mode", cfg.Engine.UserNSMode)
	v.SetDefault("engine.pull_timeout_minutes", cfg.Engine.PullTimeoutMinutes)
	v.SetDefault("engine.stop_timeout_seconds", cfg.Engine.StopTimeoutSeconds)
	v.SetDefault("engine.registry.server", cfg.Engine.Registry.Server)
	v.SetDefault("engine.registry.username", cfg.Engine.Registry.Username)
	v.SetDefault("engine.registry.password", cfg.Engine.Registry.Password)
	v.SetDefault("run.work_dir", cfg.Run.WorkDir)
	v.SetDefault("run.poll_interval_seconds", cfg.Run.PollIntervalSeconds)
	v.SetDefault("run.input_target", cfg.Run.InputTarget)
	v.SetDefault("run.output_target", cfg.Run.OutputTarget)
	v.SetDefault("run.name_prefix", cfg.Run.NamePrefix)
	v.SetDefault("run.remove_image", cfg.Run.RemoveImage)
	v.SetDefault("logs.max_bytes", cfg.Logs.MaxBytes)
	v.SetDefault("logs.tail_lines", cfg.Logs.TailLines)
	v.SetDefault("logs.sentinel", cfg.Logs.Sentinel)
	v.SetDefault("logs.include_stdout", cfg.Logs.IncludeStdout)
	v.SetDefault("artifacts.s3.bucket", cfg.Artifacts.S3.Bucket)
	v.SetDefault("artifacts.s3.region", cfg.Artifacts.S3.Region)
	v.SetDefault("artifacts.s3.prefix", cfg.Artifacts.S3.Prefix)
	v.SetDefault("artifacts.s3.endpoint", cfg.Artifacts.S3.Endpoint)
	v.SetDefault("artifacts.sidecar.container", cfg.Artifacts.Sidecar.Container)
	v.SetDefault("artifacts.sidecar.path", cfg.Artifacts.Sidecar.Path)
	v.SetDefault("results.path", cfg.Results.Path)
	v.SetDefault("results.nats.url", cfg.Results.NATS.URL)
	v.SetDefault("results.nats.subject", cfg.Results.NATS.Subject)
	v.SetDefault("budgets.public_timeout_hours", cfg.Budgets.PublicTimeoutHours)
	v.SetDefault("budgets.private_timeout_hours", cfg.Budgets.PrivateTimeoutHours)
	v.SetDefault("budgets.output_ceiling_bytes", cfg.Budgets.OutputCeilingBytes)
	v.SetDefault("budgets.storage_size", cfg.Budgets.StorageSize)
	v.SetDefault("budgets.volume_options", cfg.Budgets.VolumeOptions)
	v.SetDefault("budgets.questions", cfg.Budgets.Questions)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
		if !v.IsSet("engine.address") {
			return Config{}, fmt.Errorf("engine.address is required for config_version %d", CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Run.PollIntervalSeconds <= 0 {
		return fmt.Errorf("run.poll_interval_seconds must be positive")
	}
	if strings.TrimSpace(cfg.Run.OutputTarget) == "" || !strings.HasPrefix(cfg.Run.OutputTarget, "/") {
		return fmt.Errorf("run.output_target must be an absolute container path")
	}
	if endpoint := strings.TrimSpace(cfg.Artifacts.S3.Endpoint); endpoint != "" {
		parsed, err := url.Parse(endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("artifacts.s3.endpoint must include scheme and host (e.g. https://minio.example.com)")
		}
	}
	if strings.TrimSpace(cfg.Results.NATS.URL) != "" && strings.TrimSpace(cfg.Results.NATS.Subject) == "" {
		return fmt.Errorf("results.nats.subject is required when results.nats.url is set")
	}
	if _, err := cfg.Budgets.Table(); err != nil {
		return fmt.Errorf("budgets: %w", err)
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Engine.Address = expandEnv(cfg.Engine.Address)
	cfg.Engine.Registry.Server = expandEnv(cfg.Engine.Registry.Server)
	cfg.Engine.Registry.Username = expandEnv(cfg.Engine.Registry.Username)
	cfg.Engine.Registry.Password = expandEnv(cfg.Engine.Registry.Password)
	cfg.Run.WorkDir = expandEnv(cfg.Run.WorkDir)
	cfg.Artifacts.S3.Bucket = expandEnv(cfg.Artifacts.S3.Bucket)
	cfg.Artifacts.S3.Region = expandEnv(cfg.Artifacts.S3.Region)
	cfg.Artifacts.S3.Endpoint = expandEnv(cfg.Artifacts.S3.Endpoint)
	cfg.Results.Path = expandEnv(cfg.Results.Path)
	cfg.Results.NATS.URL = expandEnv(cfg.Results.NATS.URL)
}

// expandEnv substitutes $VAR references and keeps unknown ones verbatim.
func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// Unresolved reports whether value is still an unexpanded $VAR reference.
func Unresolved(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), "$")
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
