package main

import (
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// --- Constants ---

const (
	// DefaultUserName is the execution identity created when none is configured.
	DefaultUserName = "app"
	// DefaultGroupName is the primary group of the execution identity.
	DefaultGroupName = "app"
	// DefaultBridgeGroupName is the auxiliary group used for the socket bridge.
	DefaultBridgeGroupName = "docker"
	// DefaultSocketPath is the conventional mount point of the host control socket.
	DefaultSocketPath = "/var/run/docker.sock"
	// DefaultAppDir is the application directory whose ownership is reassigned.
	DefaultAppDir = "/app"
	// DefaultEtcDir is the root of the user and group databases.
	DefaultEtcDir = "/etc"
	// NologinShell is assigned to the execution identity; the account must
	// never support interactive login.
	NologinShell = "/sbin/nologin"

	// sysIDMin and sysIDMax bound the allocation range for system accounts,
	// matching the SYS_UID_MIN/SYS_UID_MAX convention.
	sysIDMin = 100
	sysIDMax = 999

	// DefaultSocketWait is how long the start-time preflight waits for the
	// deployer to have bind-mounted the control socket.
	DefaultSocketWait = 10 * time.Second
	// DefaultPingTimeout bounds the post-drop daemon liveness probe.
	DefaultPingTimeout = 5 * time.Second
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// loggerKey is the key used to store the slog.Logger in the context.
	loggerKey contextKey = "logger"
)

// --- Configuration Structs ---

// Config is the top-level configuration struct for all stepdown subcommands.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Ownership OwnershipConfig `yaml:"ownership"`
	Process   ProcessConfig   `yaml:"process"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// IdentityConfig describes the non-root execution identity.
type IdentityConfig struct {
	UserName  string `yaml:"user"`  // Account name. Never "root".
	GroupName string `yaml:"group"` // Primary group name; defaults to the user name.
	UID       int    `yaml:"uid"`   // Requested UID; 0 means allocate from the system range.
	GID       int    `yaml:"gid"`   // Requested primary GID; 0 means allocate from the system range.
}

// BridgeConfig describes the optional auxiliary group binding that grants the
// execution identity access to a host-owned control socket. Enabled selects
// the socket-bridged variant; when false the isolated variant applies and all
// other fields are ignored.
type BridgeConfig struct {
	Enabled    bool          `yaml:"enabled"`
	GroupName  string        `yaml:"group"`       // Auxiliary group name.
	GID        int           `yaml:"gid"`         // Host-side numeric GID owning the socket. Deployer-supplied, never auto-detected.
	SocketPath string        `yaml:"socket"`      // Where the deployer bind-mounts the socket.
	Wait       time.Duration `yaml:"wait"`        // How long to wait for the socket to appear at start.
	Ping       bool          `yaml:"ping"`        // Probe the daemon through the socket after the privilege drop.
	PingWait   time.Duration `yaml:"ping_wait"`   // Deadline for the daemon probe.
}

// OwnershipConfig describes the application directory handed to the identity.
type OwnershipConfig struct {
	Path      string `yaml:"path"`
	Recursive bool   `yaml:"recursive"`
}

// ProcessConfig holds settings for the application process exec'd after the
// privilege drop.
type ProcessConfig struct {
	Command     []string `yaml:"command"` // Opaque command line; argv[0] is resolved via PATH.
	Env         []string `yaml:"env"`     // Extra environment variables as KEY=VALUE.
	WorkDir     string   `yaml:"workdir"` // Working directory after the drop; defaults to the app dir.
	Interactive bool     `yaml:"-"`       // Debug shell as the dropped identity instead of the command.
	TTY         bool     `yaml:"-"`       // Allocate a pseudo-TTY for the debug shell.
}

// RuntimeConfig holds general options that affect how the steps execute.
type RuntimeConfig struct {
	EtcDir     string `yaml:"etc_dir"`  // Root of passwd/group databases. Overridable for tests and image inspection.
	IsDryRun   bool   `yaml:"-"`        // If true, log actions without executing them.
	StrictMode bool   `yaml:"strict"`   // If true, a failed socket preflight aborts startup instead of warning.
}

// DefaultConfig returns a Config populated with the documented defaults. The
// bridge stays disabled (isolated variant) until the deployer supplies a GID.
func DefaultConfig() *Config {
	return &Config{
		Identity: IdentityConfig{
			UserName:  DefaultUserName,
			GroupName: DefaultGroupName,
		},
		Bridge: BridgeConfig{
			GroupName:  DefaultBridgeGroupName,
			SocketPath: DefaultSocketPath,
			Wait:       DefaultSocketWait,
			Ping:       true,
			PingWait:   DefaultPingTimeout,
		},
		Ownership: OwnershipConfig{
			Path:      DefaultAppDir,
			Recursive: true,
		},
		Runtime: RuntimeConfig{
			EtcDir: DefaultEtcDir,
		},
	}
}

// LoadConfigFile overlays a YAML configuration file onto the defaults.
// Missing file is an error; flags are applied on top by the subcommands.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapConfigError("config_file", err).WithContext("path", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, WrapConfigError("config_file", err).WithContext("path", path)
	}
	return cfg, nil
}

// Regex for validating account and group names. Mirrors the portable
// subset accepted by the system user databases.
var validAccountName = regexp.MustCompile(`^[a-z_][a-z0-9_-]*\$?$`)

// validateConfig performs comprehensive validation of the bootstrap configuration.
func validateConfig(cfg *Config) error {
	if cfg == nil {
		return NewBootstrapError(ErrConfigValidation, "configuration cannot be nil").
			WithComponent("config")
	}

	if cfg.Identity.UserName == "" {
		return NewBootstrapError(ErrConfigValidation, "execution identity user name cannot be empty").
			WithContext("field", "identity.user").
			WithComponent("config")
	}
	if cfg.Identity.UserName == "root" {
		return NewBootstrapError(ErrConfigValidation, "execution identity must not be the superuser account").
			WithContext("field", "identity.user").
			WithComponent("config")
	}
	if !validAccountName.MatchString(cfg.Identity.UserName) {
		return NewBootstrapError(ErrConfigValidation, "invalid user name format").
			WithContext("field", "identity.user").
			WithContext("name", cfg.Identity.UserName).
			WithComponent("config")
	}
	if len(cfg.Identity.UserName) > 32 {
		return NewBootstrapError(ErrConfigValidation, "user name too long").
			WithContext("field", "identity.user").
			WithContext("length", len(cfg.Identity.UserName)).
			WithContext("max_length", 32).
			WithComponent("config")
	}
	if cfg.Identity.GroupName != "" && !validAccountName.MatchString(cfg.Identity.GroupName) {
		return NewBootstrapError(ErrConfigValidation, "invalid group name format").
			WithContext("field", "identity.group").
			WithContext("name", cfg.Identity.GroupName).
			WithComponent("config")
	}
	if cfg.Identity.UID < 0 || cfg.Identity.GID < 0 {
		return NewBootstrapError(ErrConfigValidation, "identity IDs cannot be negative").
			WithContext("uid", cfg.Identity.UID).
			WithContext("gid", cfg.Identity.GID).
			WithComponent("config")
	}

	if cfg.Bridge.Enabled {
		// The auxiliary GID must be deployer-supplied; there is no safe
		// build-time default because it varies by host.
		if cfg.Bridge.GID <= 0 {
			return NewBootstrapError(ErrConfigValidation, "socket-bridged variant requires an explicit non-zero auxiliary GID").
				WithContext("field", "bridge.gid").
				WithComponent("config")
		}
		if cfg.Bridge.GroupName == "" {
			return NewBootstrapError(ErrConfigValidation, "socket bridge group name cannot be empty").
				WithContext("field", "bridge.group").
				WithComponent("config")
		}
		if !validAccountName.MatchString(cfg.Bridge.GroupName) {
			return NewBootstrapError(ErrConfigValidation, "invalid bridge group name format").
				WithContext("field", "bridge.group").
				WithContext("name", cfg.Bridge.GroupName).
				WithComponent("config")
		}
		if !filepath.IsAbs(cfg.Bridge.SocketPath) {
			return NewBootstrapError(ErrConfigValidation, "socket path must be absolute").
				WithContext("field", "bridge.socket").
				WithContext("path", cfg.Bridge.SocketPath).
				WithComponent("config")
		}
		if cfg.Bridge.Wait < 0 || cfg.Bridge.Wait > time.Hour {
			return NewBootstrapError(ErrConfigValidation, "socket wait out of range").
				WithContext("field", "bridge.wait").
				WithContext("value", cfg.Bridge.Wait.String()).
				WithComponent("config")
		}
	}

	if cfg.Ownership.Path != "" && !filepath.IsAbs(cfg.Ownership.Path) {
		return NewBootstrapError(ErrConfigValidation, "application directory must be an absolute path").
			WithContext("field", "ownership.path").
			WithContext("path", cfg.Ownership.Path).
			WithComponent("config")
	}

	if cfg.Process.WorkDir != "" {
		if !filepath.IsAbs(cfg.Process.WorkDir) {
			return NewBootstrapError(ErrConfigValidation, "working directory must be an absolute path").
				WithContext("field", "process.workdir").
				WithContext("path", cfg.Process.WorkDir).
				WithComponent("config")
		}
		if len(cfg.Process.WorkDir) > 4096 {
			return NewBootstrapError(ErrConfigValidation, "working directory path too long").
				WithContext("field", "process.workdir").
				WithContext("length", len(cfg.Process.WorkDir)).
				WithContext("max_length", 4096).
				WithComponent("config")
		}
	}

	if cfg.Runtime.EtcDir == "" {
		return NewBootstrapError(ErrConfigValidation, "etc directory cannot be empty").
			WithContext("field", "runtime.etc_dir").
			WithComponent("config")
	}

	return nil
}
