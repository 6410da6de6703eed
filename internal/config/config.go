// Package config provides configuration loading for directord.
//
// Configuration is loaded from a YAML file with environment variable
// overrides and sensible defaults for every subsystem of the director
// protocol: the message bus, registry, workflow director, checkpoint
// manager, context store, and department executors.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete directord configuration.
type Config struct {
	DataDir    string           `koanf:"data_dir"`
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Events     EventsConfig     `koanf:"events"`
	Bus        BusConfig        `koanf:"bus"`
	Registry   RegistryConfig   `koanf:"registry"`
	Director   DirectorConfig   `koanf:"director"`
	Checkpoint CheckpointConfig `koanf:"checkpoint"`
	Context    ContextConfig    `koanf:"context"`
	Department DepartmentConfig `koanf:"department"`
	Git        GitConfig        `koanf:"git"`
}

// ServerConfig holds HTTP API server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ReadTimeout     Duration `koanf:"read_timeout"`
	WriteTimeout    Duration `koanf:"write_timeout"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	RateLimit       float64  `koanf:"rate_limit"`
	RateBurst       int      `koanf:"rate_burst"`
}

// LoggingConfig holds logger configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, console
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	ServiceName string  `koanf:"service_name"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // grpc, http
	Insecure    bool    `koanf:"insecure"`
	SampleRatio float64 `koanf:"sample_ratio"`
	AuthToken   Secret  `koanf:"auth_token"`
}

// EventsConfig holds embedded NATS event relay configuration.
type EventsConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Port          int    `koanf:"port"` // -1 selects a random port
	SubjectPrefix string `koanf:"subject_prefix"`
}

// BusConfig holds message bus configuration.
type BusConfig struct {
	DataDir      string   `koanf:"data_dir"`
	MaxRetries   int      `koanf:"max_retries"`
	MessageTTL   Duration `koanf:"message_ttl"`
	GCInterval   Duration `koanf:"gc_interval"`
	PollInterval Duration `koanf:"poll_interval"`
}

// RegistryConfig holds registry persistence configuration.
type RegistryConfig struct {
	DataDir          string   `koanf:"data_dir"`
	AutosaveInterval Duration `koanf:"autosave_interval"`
}

// DirectorConfig holds workflow engine configuration.
type DirectorConfig struct {
	MaxConcurrentSessions int            `koanf:"max_concurrent_sessions"`
	MaxStepRetries        int            `koanf:"max_step_retries"`
	DefaultStepTimeout    Duration       `koanf:"default_step_timeout"`
	RollbackEnabled       bool           `koanf:"rollback_enabled"`
	Gates                 GateThresholds `koanf:"gates"`
}

// GateThresholds holds minimum passing scores per quality gate.
type GateThresholds struct {
	CodeQuality  float64 `koanf:"code_quality"`
	TestCoverage float64 `koanf:"test_coverage"`
	Performance  float64 `koanf:"performance"`
	Security     float64 `koanf:"security"`
}

// CheckpointConfig holds checkpoint manager configuration.
type CheckpointConfig struct {
	RetentionPeriod Duration `koanf:"retention_period"`
	AutoInterval    Duration `koanf:"auto_interval"`
	PruneInterval   Duration `koanf:"prune_interval"`
	MinDeleteAge    Duration `koanf:"min_delete_age"`
}

// ContextConfig holds context store configuration.
type ContextConfig struct {
	WindowMaxSize       int      `koanf:"window_max_size"`
	ImportanceThreshold float64  `koanf:"importance_threshold"`
	MaxItemAge          Duration `koanf:"max_item_age"`
	ScrubSecrets        bool     `koanf:"scrub_secrets"`
	IndexPath           string   `koanf:"index_path"`
}

// DepartmentConfig holds department executor configuration.
type DepartmentConfig struct {
	MaxConcurrentTasks int            `koanf:"max_concurrent_tasks"`
	MaxTaskRetries     int            `koanf:"max_task_retries"`
	Resources          ResourceLimits `koanf:"resources"`
}

// ResourceLimits holds simulated resource caps for department execution.
type ResourceLimits struct {
	MemoryMB   int     `koanf:"memory_mb"`
	CPUPercent float64 `koanf:"cpu_percent"`
	DiskMB     int     `koanf:"disk_mb"`
}

// GitConfig holds version control collaborator configuration.
type GitConfig struct {
	RepoPath    string `koanf:"repo_path"`
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// DefaultConfig returns the configuration used when no file or
// environment overrides are present.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "",
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8420,
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(15 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			RateLimit:       50,
			RateBurst:       100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			ServiceName: "directord",
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			SampleRatio: 1.0,
		},
		Events: EventsConfig{
			Enabled:       true,
			Port:          -1,
			SubjectPrefix: "directord",
		},
		Bus: BusConfig{
			MaxRetries:   3,
			MessageTTL:   Duration(24 * time.Hour),
			GCInterval:   Duration(time.Hour),
			PollInterval: Duration(500 * time.Millisecond),
		},
		Registry: RegistryConfig{
			AutosaveInterval: Duration(30 * time.Second),
		},
		Director: DirectorConfig{
			MaxConcurrentSessions: 10,
			MaxStepRetries:        3,
			DefaultStepTimeout:    Duration(30 * time.Second),
			RollbackEnabled:       true,
			Gates: GateThresholds{
				CodeQuality:  80,
				TestCoverage: 90,
				Performance:  85,
				Security:     95,
			},
		},
		Checkpoint: CheckpointConfig{
			RetentionPeriod: Duration(7 * 24 * time.Hour),
			AutoInterval:    Duration(5 * time.Minute),
			PruneInterval:   Duration(time.Hour),
			MinDeleteAge:    Duration(time.Hour),
		},
		Context: ContextConfig{
			WindowMaxSize:       100,
			ImportanceThreshold: 0.3,
			MaxItemAge:          Duration(24 * time.Hour),
			ScrubSecrets:        true,
		},
		Department: DepartmentConfig{
			MaxConcurrentTasks: 3,
			MaxTaskRetries:     3,
			Resources: ResourceLimits{
				MemoryMB:   1024,
				CPUPercent: 80,
				DiskMB:     2048,
			},
		},
		Git: GitConfig{
			AuthorName:  "directord",
			AuthorEmail: "directord@localhost",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Server.RateLimit <= 0 {
		return errors.New("rate limit must be positive")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format: %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return errors.New("service name required when telemetry is enabled")
		}
		switch c.Telemetry.Protocol {
		case "grpc", "http":
		default:
			return fmt.Errorf("invalid telemetry protocol: %q (must be grpc or http)", c.Telemetry.Protocol)
		}
		if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
			return fmt.Errorf("invalid sample ratio: %f (must be 0-1)", c.Telemetry.SampleRatio)
		}
	}

	if c.Bus.MaxRetries < 0 {
		return errors.New("bus max retries cannot be negative")
	}
	if c.Bus.MessageTTL.Duration() <= 0 {
		return errors.New("bus message TTL must be positive")
	}
	if c.Bus.PollInterval.Duration() <= 0 {
		return errors.New("bus poll interval must be positive")
	}

	if c.Director.MaxConcurrentSessions < 1 {
		return errors.New("max concurrent sessions must be at least 1")
	}
	if c.Director.MaxStepRetries < 0 {
		return errors.New("max step retries cannot be negative")
	}
	for _, g := range []struct {
		name  string
		value float64
	}{
		{"code_quality", c.Director.Gates.CodeQuality},
		{"test_coverage", c.Director.Gates.TestCoverage},
		{"performance", c.Director.Gates.Performance},
		{"security", c.Director.Gates.Security},
	} {
		if g.value < 0 || g.value > 100 {
			return fmt.Errorf("invalid %s gate threshold: %f (must be 0-100)", g.name, g.value)
		}
	}

	if c.Checkpoint.RetentionPeriod.Duration() <= 0 {
		return errors.New("checkpoint retention period must be positive")
	}
	if c.Checkpoint.MinDeleteAge.Duration() < 0 {
		return errors.New("checkpoint min delete age cannot be negative")
	}

	if c.Context.WindowMaxSize < 1 {
		return errors.New("context window max size must be at least 1")
	}
	if c.Context.ImportanceThreshold < 0 || c.Context.ImportanceThreshold > 1 {
		return fmt.Errorf("invalid importance threshold: %f (must be 0-1)", c.Context.ImportanceThreshold)
	}

	if c.Department.MaxConcurrentTasks < 1 {
		return errors.New("max concurrent tasks must be at least 1")
	}
	if c.Department.Resources.MemoryMB < 1 {
		return errors.New("department memory limit must be at least 1MB")
	}

	return nil
}
