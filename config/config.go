package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. CODEQUEUE_REDIS_ADDR.
const EnvPrefix = "CODEQUEUE"

// Config represents the application configuration
type Config struct {
	Server     ServerConfig        `mapstructure:"server"`
	MCP        MCPConfig           `mapstructure:"mcp"`
	Logging    LoggingConfig       `mapstructure:"logging"`
	Redis      RedisConfig         `mapstructure:"redis"`
	Queue      QueueConfig         `mapstructure:"queue"`
	Worker     WorkerConfig        `mapstructure:"worker"`
	Results    ResultsConfig       `mapstructure:"results"`
	Sandbox    SandboxConfig       `mapstructure:"sandbox"`
	Languages  map[string]Language `mapstructure:"languages"`
	DeadLetter DeadLetterConfig    `mapstructure:"deadletter"`
}

// ServerConfig holds the REST façade configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the listen address of the REST façade.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// MCPConfig holds the MCP façade configuration
type MCPConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// RedisConfig holds the connection settings shared by the queue and the result store
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Name             string        `mapstructure:"name"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	BackoffType      string        `mapstructure:"backoff_type"`
	BackoffDelay     time.Duration `mapstructure:"backoff_delay"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	Lease            time.Duration `mapstructure:"lease"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	StalledInterval  time.Duration `mapstructure:"stalled_interval"`
	RemoveOnComplete bool          `mapstructure:"remove_on_complete"`
}

// WorkerConfig holds worker pool and submission defaults
type WorkerConfig struct {
	Concurrency      int `mapstructure:"concurrency"`
	DefaultTimeoutMS int `mapstructure:"default_timeout_ms"`
	MaxTimeoutMS     int `mapstructure:"max_timeout_ms"`
	DefaultPriority  int `mapstructure:"default_priority"`
}

// ResultsConfig holds result store settings
type ResultsConfig struct {
	TTL       time.Duration `mapstructure:"ttl"`
	KeyPrefix string        `mapstructure:"key_prefix"`
}

// SandboxConfig holds sandbox configuration
type SandboxConfig struct {
	Backend            string `mapstructure:"backend"`
	EnableLocalBackend bool   `mapstructure:"enable_local_backend"`
	PodmanSocket       string `mapstructure:"podman_socket"`
	MemoryMB           int    `mapstructure:"memory_mb"`
	PidsLimit          int    `mapstructure:"pids_limit"`
	CPUSoftSec         int    `mapstructure:"cpu_soft_sec"`
	CPUHardSec         int    `mapstructure:"cpu_hard_sec"`
	TmpfsSize          string `mapstructure:"tmpfs_size"`
	OutputLimit        int    `mapstructure:"output_limit"`
	StagingDir         string `mapstructure:"staging_dir"`
	HostStagingDir     string `mapstructure:"host_staging_dir"`
	MountPath          string `mapstructure:"mount_path"`
	User               string `mapstructure:"user"`
	PullImages         bool   `mapstructure:"pull_images"`

	// ReadOnlyMarkers apply to every language that sets none of its own.
	ReadOnlyMarkers []string `mapstructure:"read_only_markers"`
}

// Language describes one executable language as read from configuration.
// Command is a shell-style template; {file} expands to the staged source
// path inside the sandbox and {class} to its base name without extension.
type Language struct {
	Image              string   `mapstructure:"image"`
	Extension          string   `mapstructure:"extension"`
	Command            string   `mapstructure:"command"`
	ForkBombSignatures []string `mapstructure:"fork_bomb_signatures"`
	KilledMarker       string   `mapstructure:"killed_marker"`
	ReadOnlyMarkers    []string `mapstructure:"read_only_markers"`
	SilentWriteFailure bool     `mapstructure:"silent_write_failure"`
}

// DeadLetterConfig selects where terminal job failures are announced
type DeadLetterConfig struct {
	Sink    string      `mapstructure:"sink"`
	Channel string      `mapstructure:"channel"`
	Kafka   KafkaConfig `mapstructure:"kafka"`
}

// KafkaConfig holds Kafka producer settings for the dead-letter sink
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// New loads and validates the application configuration from the default search paths
func New() (*Config, error) {
	return Load("")
}

// Load reads configuration from path (or the default search paths when empty),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/codequeue")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.transport", "http")
	v.SetDefault("mcp.http_port", 8080)

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("queue.name", "code-execution")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.backoff_type", "exponential")
	v.SetDefault("queue.backoff_delay", time.Second)
	v.SetDefault("queue.backoff_max", time.Duration(0))
	v.SetDefault("queue.lease", 30*time.Second)
	v.SetDefault("queue.poll_interval", 200*time.Millisecond)
	v.SetDefault("queue.stalled_interval", 15*time.Second)
	v.SetDefault("queue.remove_on_complete", true)

	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.default_timeout_ms", 3000)
	v.SetDefault("worker.max_timeout_ms", 30000)
	v.SetDefault("worker.default_priority", 10)

	v.SetDefault("results.ttl", 300*time.Second)
	v.SetDefault("results.key_prefix", "job:result:")

	v.SetDefault("sandbox.backend", "docker")
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.podman_socket", "unix:///run/podman/podman.sock")
	v.SetDefault("sandbox.memory_mb", 128)
	v.SetDefault("sandbox.pids_limit", 50)
	v.SetDefault("sandbox.cpu_soft_sec", 2)
	v.SetDefault("sandbox.cpu_hard_sec", 3)
	v.SetDefault("sandbox.tmpfs_size", "50M")
	v.SetDefault("sandbox.output_limit", 4096)
	v.SetDefault("sandbox.staging_dir", "/tmp/codequeue")
	v.SetDefault("sandbox.host_staging_dir", "")
	v.SetDefault("sandbox.mount_path", "/job")
	v.SetDefault("sandbox.user", "nobody")
	v.SetDefault("sandbox.pull_images", false)
	v.SetDefault("sandbox.read_only_markers", []string{"Read-only file system", "Errno 30"})

	v.SetDefault("languages.python.image", "python:3.9-alpine")
	v.SetDefault("languages.python.extension", "py")
	v.SetDefault("languages.python.command", "python3 {file}")
	v.SetDefault("languages.python.fork_bomb_signatures", []string{"pthread_create", "Resource temporarily unavailable", "uv_thread_create"})

	v.SetDefault("languages.javascript.image", "node:18-alpine")
	v.SetDefault("languages.javascript.extension", "js")
	v.SetDefault("languages.javascript.command", "node {file}")
	v.SetDefault("languages.javascript.fork_bomb_signatures", []string{"uv_thread_create", "Resource temporarily unavailable"})

	v.SetDefault("languages.cpp.image", "gcc:latest")
	v.SetDefault("languages.cpp.extension", "cpp")
	v.SetDefault("languages.cpp.command", `sh -c "g++ {file} -o /tmp/out && chmod +x /tmp/out && /tmp/out"`)
	v.SetDefault("languages.cpp.killed_marker", "Killed")
	v.SetDefault("languages.cpp.silent_write_failure", true)

	v.SetDefault("languages.java.image", "bellsoft/liberica-openjdk-alpine:17")
	v.SetDefault("languages.java.extension", "java")
	v.SetDefault("languages.java.command", `sh -c "javac {file} -d /tmp && java -cp /tmp {class}"`)
	v.SetDefault("languages.java.fork_bomb_signatures", []string{"unable to create native thread", "Resource temporarily unavailable"})

	v.SetDefault("deadletter.sink", "log")
	v.SetDefault("deadletter.channel", "codequeue:deadletter")
	v.SetDefault("deadletter.kafka.brokers", []string{"127.0.0.1:9092"})
	v.SetDefault("deadletter.kafka.topic", "codequeue.deadletter")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.MCP.Enabled && c.MCP.Transport != "stdio" && c.MCP.Transport != "http" {
		return fmt.Errorf("invalid mcp.transport: %s, must be 'stdio' or 'http'", c.MCP.Transport)
	}

	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be positive, got: %d", c.Server.Port)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive, got: %d", c.Queue.MaxAttempts)
	}

	if c.Queue.BackoffType != "exponential" && c.Queue.BackoffType != "fixed" {
		return fmt.Errorf("invalid queue.backoff_type: %s, must be 'exponential' or 'fixed'", c.Queue.BackoffType)
	}

	if c.Queue.Lease <= 0 {
		return fmt.Errorf("queue.lease must be positive, got: %s", c.Queue.Lease)
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive, got: %d", c.Worker.Concurrency)
	}

	if c.Worker.DefaultTimeoutMS <= 0 {
		return fmt.Errorf("worker.default_timeout_ms must be positive, got: %d", c.Worker.DefaultTimeoutMS)
	}

	if c.Worker.MaxTimeoutMS < c.Worker.DefaultTimeoutMS {
		return fmt.Errorf("worker.max_timeout_ms (%d) must not be below worker.default_timeout_ms (%d)", c.Worker.MaxTimeoutMS, c.Worker.DefaultTimeoutMS)
	}

	if c.Results.TTL <= 0 {
		return fmt.Errorf("results.ttl must be positive, got: %s", c.Results.TTL)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.PidsLimit <= 0 {
		return fmt.Errorf("sandbox.pids_limit must be positive, got: %d", c.Sandbox.PidsLimit)
	}

	if c.Sandbox.OutputLimit <= 0 {
		return fmt.Errorf("sandbox.output_limit must be positive, got: %d", c.Sandbox.OutputLimit)
	}

	if c.Sandbox.CPUHardSec < c.Sandbox.CPUSoftSec {
		return fmt.Errorf("sandbox.cpu_hard_sec (%d) must not be below sandbox.cpu_soft_sec (%d)", c.Sandbox.CPUHardSec, c.Sandbox.CPUSoftSec)
	}

	supportedBackends := map[string]bool{
		"docker": true,
		"podman": true,
		"local":  c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if len(c.Languages) == 0 {
		return fmt.Errorf("at least one language must be configured")
	}

	for name, lang := range c.Languages {
		if lang.Image == "" || lang.Extension == "" || lang.Command == "" {
			return fmt.Errorf("languages.%s requires image, extension and command", name)
		}
	}

	switch c.DeadLetter.Sink {
	case "log", "redis":
	case "kafka":
		if len(c.DeadLetter.Kafka.Brokers) == 0 || c.DeadLetter.Kafka.Topic == "" {
			return fmt.Errorf("deadletter.kafka requires brokers and topic")
		}
	default:
		return fmt.Errorf("unsupported deadletter.sink: %s", c.DeadLetter.Sink)
	}

	return nil
}

// DefaultTimeout returns the per-job execution timeout used when a submission omits one
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.Worker.DefaultTimeoutMS) * time.Millisecond
}

// MaxTimeout returns the largest per-job execution timeout a submission may request
func (c *Config) MaxTimeout() time.Duration {
	return time.Duration(c.Worker.MaxTimeoutMS) * time.Millisecond
}
