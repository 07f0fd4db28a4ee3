package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "HOPSCOTCH"

// Config is the complete hopscotch configuration.
type Config struct {
	Workspace  WorkspaceConfig  `mapstructure:"workspace" yaml:"workspace"`
	Git        GitConfig        `mapstructure:"git" yaml:"git"`
	Paths      PathsConfig      `mapstructure:"paths" yaml:"paths"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	Runner     RunnerConfig     `mapstructure:"runner" yaml:"runner"`
	Bootstrap  BootstrapConfig  `mapstructure:"bootstrap" yaml:"bootstrap"`
	Status     StatusConfig     `mapstructure:"status" yaml:"status"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
}

// WorkspaceConfig locates branch working copies.
type WorkspaceConfig struct {
	Root           string `mapstructure:"root" yaml:"root"`
	RepoName       string `mapstructure:"repo_name" yaml:"repo_name"`
	BaselineBranch string `mapstructure:"baseline_branch" yaml:"baseline_branch"`
}

// GitConfig describes the shared remote.
type GitConfig struct {
	Remote  string        `mapstructure:"remote" yaml:"remote"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// PathsConfig holds shared file locations. Empty values are derived from
// the baseline working copy.
type PathsConfig struct {
	LogsDir   string `mapstructure:"logs_dir" yaml:"logs_dir"`
	CommsFile string `mapstructure:"comms_file" yaml:"comms_file"`
}

// LogConfig controls the process logs.
type LogConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	JSON    bool   `mapstructure:"json" yaml:"json"`
	MaxSize int64  `mapstructure:"max_size" yaml:"max_size"`
	Backups int    `mapstructure:"backups" yaml:"backups"`
}

// SupervisorConfig tunes the watchdog.
type SupervisorConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	GracePeriod      time.Duration `mapstructure:"grace_period" yaml:"grace_period"`
	CPUThreshold     float64       `mapstructure:"cpu_threshold" yaml:"cpu_threshold"`
	CPUDuration      time.Duration `mapstructure:"cpu_duration" yaml:"cpu_duration"`
	CPUSample        time.Duration `mapstructure:"cpu_sample" yaml:"cpu_sample"`
	ErrorLogLimit    int64         `mapstructure:"error_log_limit" yaml:"error_log_limit"`
	CrashLimit       int           `mapstructure:"crash_limit" yaml:"crash_limit"`
	CrashWindow      time.Duration `mapstructure:"crash_window" yaml:"crash_window"`
	PostLaunchDelay  time.Duration `mapstructure:"post_launch_delay" yaml:"post_launch_delay"`
	TerminateTimeout time.Duration `mapstructure:"terminate_timeout" yaml:"terminate_timeout"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	ProcessPattern   string        `mapstructure:"process_pattern" yaml:"process_pattern"`
	ExcludePatterns  []string      `mapstructure:"exclude_patterns" yaml:"exclude_patterns"`
	MetricsAddr      string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	Cgroup           CgroupConfig  `mapstructure:"cgroup" yaml:"cgroup"`
}

// CgroupConfig confines launched runners. An empty name disables it.
type CgroupConfig struct {
	Name      string `mapstructure:"name" yaml:"name"`
	CPUMax    string `mapstructure:"cpu_max" yaml:"cpu_max"`
	CPUWeight int    `mapstructure:"cpu_weight" yaml:"cpu_weight"`
	MemoryMax int64  `mapstructure:"memory_max" yaml:"memory_max"`
}

// RunnerConfig tunes the runner harness.
type RunnerConfig struct {
	Command      []string      `mapstructure:"command" yaml:"command"`
	WorkInterval time.Duration `mapstructure:"work_interval" yaml:"work_interval"`
	StepCommand  string        `mapstructure:"step_command" yaml:"step_command"`
	StepTimeout  time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	RequestPoll  time.Duration `mapstructure:"request_poll" yaml:"request_poll"`
}

// BootstrapConfig names the per-branch entry point.
type BootstrapConfig struct {
	Entrypoint string `mapstructure:"entrypoint" yaml:"entrypoint"`
	Shell      string `mapstructure:"shell" yaml:"shell"`
}

// StatusConfig configures the HTTP status server.
type StatusConfig struct {
	Addr  string  `mapstructure:"addr" yaml:"addr"`
	RPS   float64 `mapstructure:"rps" yaml:"rps"`
	Burst int     `mapstructure:"burst" yaml:"burst"`
	// TLS is off unless a certificate is set or SelfSigned is true.
	TLSCert    string `mapstructure:"tls_cert" yaml:"tls_cert"`
	TLSKey     string `mapstructure:"tls_key" yaml:"tls_key"`
	ClientCA   string `mapstructure:"client_ca" yaml:"client_ca"`
	SelfSigned bool   `mapstructure:"self_signed" yaml:"self_signed"`
	// APIKeys are "name:bcrypt-hash" entries. Without any, the
	// bootstrap and rollback endpoints are not served.
	APIKeys []string `mapstructure:"api_keys" yaml:"api_keys"`
	// TrustedProxies are peer addresses whose X-Forwarded-For header is
	// believed when keying the rate limiter.
	TrustedProxies []string `mapstructure:"trusted_proxies" yaml:"trusted_proxies"`
}

// TLSEnabled reports whether the status server should serve HTTPS.
func (s StatusConfig) TLSEnabled() bool {
	return s.TLSCert != "" || s.SelfSigned
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// SetDefaults registers every default on v. Every key must have a default
// so that AutomaticEnv can see it.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace.root", "/home/agent")
	v.SetDefault("workspace.repo_name", "workload")
	v.SetDefault("workspace.baseline_branch", "main")

	v.SetDefault("git.remote", "/mnt/remote")
	v.SetDefault("git.timeout", 2*time.Minute)

	v.SetDefault("paths.logs_dir", "")
	v.SetDefault("paths.comms_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.max_size", 5*1024*1024)
	v.SetDefault("log.backups", 3)

	v.SetDefault("supervisor.poll_interval", 5*time.Second)
	v.SetDefault("supervisor.grace_period", 60*time.Second)
	v.SetDefault("supervisor.cpu_threshold", 95.0)
	v.SetDefault("supervisor.cpu_duration", 60*time.Second)
	v.SetDefault("supervisor.cpu_sample", time.Second)
	v.SetDefault("supervisor.error_log_limit", 1048576)
	v.SetDefault("supervisor.crash_limit", 5)
	v.SetDefault("supervisor.crash_window", 60*time.Minute)
	v.SetDefault("supervisor.post_launch_delay", 10*time.Second)
	v.SetDefault("supervisor.terminate_timeout", 10*time.Second)
	v.SetDefault("supervisor.max_backoff", time.Minute)
	v.SetDefault("supervisor.process_pattern", "hopscotch run")
	v.SetDefault("supervisor.exclude_patterns", []string{"hopscotch supervise"})
	v.SetDefault("supervisor.metrics_addr", "")
	v.SetDefault("supervisor.cgroup.name", "")
	v.SetDefault("supervisor.cgroup.cpu_max", "")
	v.SetDefault("supervisor.cgroup.cpu_weight", 0)
	v.SetDefault("supervisor.cgroup.memory_max", 0)

	v.SetDefault("runner.command", []string{"hopscotch", "run"})
	v.SetDefault("runner.work_interval", 5*time.Minute)
	v.SetDefault("runner.step_command", "")
	v.SetDefault("runner.step_timeout", 300*time.Second)
	v.SetDefault("runner.request_poll", 2*time.Second)

	v.SetDefault("bootstrap.entrypoint", "bootstrap.sh")
	v.SetDefault("bootstrap.shell", "/bin/sh")

	v.SetDefault("status.addr", ":8080")
	v.SetDefault("status.rps", 5.0)
	v.SetDefault("status.burst", 10)
	v.SetDefault("status.tls_cert", "")
	v.SetDefault("status.tls_key", "")
	v.SetDefault("status.client_ca", "")
	v.SetDefault("status.self_signed", false)
	v.SetDefault("status.api_keys", []string{})
	v.SetDefault("status.trusted_proxies", []string{})

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "hopscotch")
}

// BindEnv wires HOPSCOTCH_* environment overrides into v. Nested keys use
// underscores (HOPSCOTCH_SUPERVISOR_POLL_INTERVAL); a few short aliases are
// bound explicitly.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("paths.logs_dir", EnvPrefix+"_LOGS_DIR")
	v.BindEnv("workspace.root", EnvPrefix+"_ROOT")
	v.BindEnv("workspace.baseline_branch", EnvPrefix+"_BASELINE")
	v.BindEnv("git.remote", EnvPrefix+"_REMOTE")
}

// New returns a viper instance with defaults and env bindings applied.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	return v
}

// Load decodes v into a validated Config.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.derive()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg, err := Load(New())
	if err != nil {
		panic(fmt.Sprintf("built-in defaults are invalid: %v", err))
	}
	return cfg
}

func (c *Config) derive() {
	if c.Paths.LogsDir == "" {
		c.Paths.LogsDir = filepath.Join(c.BaselineDir(), "logs")
	}
	if c.Paths.CommsFile == "" {
		c.Paths.CommsFile = filepath.Join(c.BaselineDir(), "COMMS.md")
	}
	if len(c.Status.APIKeys) == 0 {
		c.Status.APIKeys = nil
	}
	if len(c.Status.TrustedProxies) == 0 {
		c.Status.TrustedProxies = nil
	}
	if c.Status.SelfSigned && c.Status.TLSCert == "" && c.Status.TLSKey == "" {
		c.Status.TLSCert = filepath.Join(c.Paths.LogsDir, "certs", "status.crt")
		c.Status.TLSKey = filepath.Join(c.Paths.LogsDir, "certs", "status.key")
	}
}

// Validate rejects values the supervisor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Workspace.Root == "" || c.Workspace.RepoName == "" || c.Workspace.BaselineBranch == "" {
		errs = append(errs, errors.New("workspace.root, workspace.repo_name and workspace.baseline_branch are required"))
	}
	positive := map[string]time.Duration{
		"git.timeout":                  c.Git.Timeout,
		"supervisor.poll_interval":     c.Supervisor.PollInterval,
		"supervisor.grace_period":      c.Supervisor.GracePeriod,
		"supervisor.cpu_duration":      c.Supervisor.CPUDuration,
		"supervisor.cpu_sample":        c.Supervisor.CPUSample,
		"supervisor.crash_window":      c.Supervisor.CrashWindow,
		"supervisor.terminate_timeout": c.Supervisor.TerminateTimeout,
		"supervisor.max_backoff":       c.Supervisor.MaxBackoff,
		"runner.work_interval":         c.Runner.WorkInterval,
		"runner.step_timeout":          c.Runner.StepTimeout,
		"runner.request_poll":          c.Runner.RequestPoll,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.Supervisor.PostLaunchDelay < 0 {
		errs = append(errs, fmt.Errorf("supervisor.post_launch_delay must not be negative"))
	}
	if c.Supervisor.CPUThreshold <= 0 || c.Supervisor.CPUThreshold > 100*1024 {
		errs = append(errs, fmt.Errorf("supervisor.cpu_threshold out of range: %v", c.Supervisor.CPUThreshold))
	}
	if c.Supervisor.ErrorLogLimit <= 0 {
		errs = append(errs, fmt.Errorf("supervisor.error_log_limit must be positive"))
	}
	if c.Supervisor.CrashLimit < 1 {
		errs = append(errs, fmt.Errorf("supervisor.crash_limit must be at least 1"))
	}
	if strings.TrimSpace(c.Supervisor.ProcessPattern) == "" {
		errs = append(errs, errors.New("supervisor.process_pattern is required"))
	}
	if len(c.Runner.Command) == 0 {
		errs = append(errs, errors.New("runner.command is required"))
	}
	if (c.Status.TLSCert == "") != (c.Status.TLSKey == "") {
		errs = append(errs, errors.New("status.tls_cert and status.tls_key must be set together"))
	}
	if c.Bootstrap.Entrypoint == "" || c.Bootstrap.Shell == "" {
		errs = append(errs, errors.New("bootstrap.entrypoint and bootstrap.shell are required"))
	}
	return errors.Join(errs...)
}

// WorkingCopy returns the checkout directory for branch.
func (c *Config) WorkingCopy(branch string) string {
	return filepath.Join(c.Workspace.Root, branch, c.Workspace.RepoName)
}

// BaselineDir is the baseline branch working copy.
func (c *Config) BaselineDir() string {
	return c.WorkingCopy(c.Workspace.BaselineBranch)
}

// BootstrapLogPath is the shared bootstrap log.
func (c *Config) BootstrapLogPath() string { return filepath.Join(c.Paths.LogsDir, "bootstrap.log") }

// MarkerPath is the transition marker.
func (c *Config) MarkerPath() string { return filepath.Join(c.Paths.LogsDir, "bootstrapping") }

// ErrorLogPath is where the runner's stderr is captured.
func (c *Config) ErrorLogPath() string { return filepath.Join(c.Paths.LogsDir, "errors.log") }

// RequestPath is where bootstrap requests are queued for the runner.
func (c *Config) RequestPath() string { return filepath.Join(c.Paths.LogsDir, "bootstrap.request") }

// YAML renders the effective configuration.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	return string(data), nil
}

// ParseYAML decodes a YAML document on top of the built-in defaults.
func ParseYAML(data []byte) (*Config, error) {
	v := New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(string(data))); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return Load(v)
}

// ExampleConfig is a documented configuration file with every default.
const ExampleConfig = `# hopscotch configuration

workspace:
  # Each branch is checked out to <root>/<branch>/<repo_name>
  root: /home/agent
  repo_name: workload
  # Known-good branch the supervisor always restarts from
  baseline_branch: main

git:
  remote: /mnt/remote
  timeout: 2m

paths:
  # Shared by every branch; defaults to <baseline working copy>/logs
  logs_dir: ""
  # Operator channel; defaults to <baseline working copy>/COMMS.md
  comms_file: ""

log:
  level: info
  json: false
  max_size: 5242880
  backups: 3

supervisor:
  poll_interval: 5s
  # A transition that has not confirmed within this window is rolled back
  grace_period: 60s
  # CPU percent that, held for cpu_duration, counts as abuse
  cpu_threshold: 95
  cpu_duration: 60s
  cpu_sample: 1s
  # errors.log size in bytes that counts as abuse
  error_log_limit: 1048576
  # Trip the breaker on the crash_limit-th crash within crash_window
  crash_limit: 5
  crash_window: 60m
  post_launch_delay: 10s
  terminate_timeout: 10s
  max_backoff: 1m
  process_pattern: "hopscotch run"
  exclude_patterns:
    - "hopscotch supervise"
  # Serve /metrics from the supervisor, e.g. ":9101"
  metrics_addr: ""
  # Place launched runners in a cgroup v2 group, e.g. name: hopscotch/runner.
  # cpu_max uses the kernel "quota period" format.
  cgroup:
    name: ""
    cpu_max: ""
    cpu_weight: 0
    memory_max: 0

runner:
  command: ["hopscotch", "run"]
  work_interval: 5m
  # Shell command run once per work interval
  step_command: ""
  step_timeout: 5m
  request_poll: 2s

bootstrap:
  entrypoint: bootstrap.sh
  shell: /bin/sh

status:
  addr: ":8080"
  rps: 5
  burst: 10
  # HTTPS: set tls_cert/tls_key, or self_signed to generate a pair under
  # <logs_dir>/certs. client_ca enables mutual TLS.
  tls_cert: ""
  tls_key: ""
  client_ca: ""
  self_signed: false
  # Enables POST /bootstrap/{branch} and POST /rollback. Generate entries
  # with "hopscotch config gen-key <name>".
  api_keys: []
  # Peers allowed to set X-Forwarded-For, e.g. a local reverse proxy.
  trusted_proxies: []

tracing:
  enabled: false
  endpoint: localhost:4318
  service_name: hopscotch
`
