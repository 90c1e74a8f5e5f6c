package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const usageText = `stepdown provisions a least-privilege execution identity for a container
image and hands the process off to it.

Usage:
  stepdown provision [flags]   build-time: create group/user, fix ownership
  stepdown run [flags] -- cmd  start-time: preflight, drop privileges, exec
  stepdown render [flags]      emit a Dockerfile for one of the two variants
  stepdown verify [flags]      inspect an image's identity databases
  stepdown oci [flags]         patch an OCI runtime spec to the identity

Run 'stepdown <command> -h' for command flags.
`

// main dispatches between the build-time and start-time entry points.
func main() {
	logger := initLogger()
	ctx := WithLogger(context.Background(), logger)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "provision":
		err = cmdProvision(ctx, os.Args[2:])
	case "run":
		err = cmdRun(ctx, os.Args[2:])
	case "render":
		err = cmdRender(ctx, os.Args[2:])
	case "verify":
		err = cmdVerify(ctx, os.Args[2:])
	case "oci":
		err = cmdOCI(ctx, os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usageText)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usageText)
		os.Exit(2)
	}

	if err != nil {
		logger.Error("Command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func initLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if os.Getenv("STEPDOWN_DEBUG") != "" {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

func Logger(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// loadConfig resolves the configuration for a subcommand: defaults, then the
// optional config file.
func loadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	return LoadConfigFile(path)
}

// cmdProvision is the build-time step, run as root inside a RUN instruction:
// it creates the primary group, the optional auxiliary bridge group, the
// execution identity, and finally reassigns the application directory.
func cmdProvision(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("provision", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to a YAML configuration file")
	user := fs.String("user", "", "Execution identity user name")
	group := fs.String("group", "", "Primary group name (defaults to the user name)")
	uid := fs.Int("uid", 0, "Fixed UID for the identity (0 allocates from the system range)")
	gid := fs.Int("gid", 0, "Fixed primary GID (0 allocates from the system range)")
	bridgeGroup := fs.String("bridge-group", "", "Auxiliary group name for the socket bridge")
	bridgeGID := fs.Int("bridge-gid", 0, "Host-side GID owning the control socket (enables the socket-bridged variant)")
	appDir := fs.String("app-dir", "", "Application directory")
	chown := fs.Bool("chown", false, "Reassign application directory ownership to the identity")
	etcDir := fs.String("etc-dir", "", "Root of the passwd/group databases")
	dryRun := fs.Bool("dry-run", false, "Log actions without executing them")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	applyIdentityFlags(cfg, *user, *group, *uid, *gid, *etcDir)
	if *bridgeGID > 0 {
		cfg.Bridge.Enabled = true
		cfg.Bridge.GID = *bridgeGID
	}
	if *bridgeGroup != "" {
		cfg.Bridge.GroupName = *bridgeGroup
	}
	if *appDir != "" {
		cfg.Ownership.Path = *appDir
	}
	cfg.Runtime.IsDryRun = *dryRun

	if err := validateConfig(cfg); err != nil {
		return err
	}

	logger := Logger(ctx)
	if cfg.Runtime.IsDryRun {
		logger.Info("DRY RUN MODE: No changes will be made to the system.")
	}

	db := NewUserDB(cfg.Runtime.EtcDir)
	prov, err := NewProvisioner(db, cfg.Runtime.IsDryRun)
	if err != nil {
		return err
	}

	primaryGID, err := prov.EnsureGroup(ctx, cfg.Identity.GroupName, cfg.Identity.GID)
	if err != nil {
		return err
	}

	var supplementary []string
	if cfg.Bridge.Enabled {
		if _, err := prov.EnsureGroup(ctx, cfg.Bridge.GroupName, cfg.Bridge.GID); err != nil {
			return err
		}
		supplementary = append(supplementary, cfg.Bridge.GroupName)
	}

	id, err := prov.EnsureUser(ctx, cfg.Identity.UserName, cfg.Identity.UID, primaryGID, supplementary)
	if err != nil {
		return err
	}

	if *chown {
		if err := prov.ApplyOwnership(ctx, cfg.Ownership.Path, id, cfg.Ownership.Recursive); err != nil {
			return err
		}
	}

	prov.Abort() // Provisioning is done; no hand-off happens at build time.
	logger.Info("Provisioning complete",
		"user", cfg.Identity.UserName, "uid", id.UID, "gid", id.GID,
		"variant", variantName(cfg.Bridge.Enabled), "chown", *chown)
	return nil
}

// cmdRun is the container entrypoint: it resolves the provisioned identity,
// runs the socket preflight for the bridged variant, drops privileges
// irreversibly and execs the application command given after "--".
func cmdRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to a YAML configuration file")
	user := fs.String("user", "", "Execution identity user name")
	etcDir := fs.String("etc-dir", "", "Root of the passwd/group databases")
	socket := fs.String("socket", "", "Bridged control socket path (enables the socket preflight)")
	bridgeGroup := fs.String("bridge-group", "", "Auxiliary group owning the socket")
	wait := fs.Duration("wait", -1, "How long to wait for the socket mount")
	noPing := fs.Bool("no-ping", false, "Skip the post-drop daemon probe")
	strict := fs.Bool("strict", false, "Abort startup when the socket preflight fails")
	workDir := fs.String("workdir", "", "Working directory for the application")
	interactive := fs.Bool("i", false, "Start a debug shell as the dropped identity instead of the command")
	tty := fs.Bool("t", false, "Allocate a pseudo-TTY for the debug shell")
	dryRun := fs.Bool("dry-run", false, "Log actions without executing them")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	applyIdentityFlags(cfg, *user, "", 0, 0, *etcDir)
	if *socket != "" {
		cfg.Bridge.Enabled = true
		cfg.Bridge.SocketPath = *socket
	}
	if *bridgeGroup != "" {
		cfg.Bridge.GroupName = *bridgeGroup
	}
	if *wait >= 0 {
		cfg.Bridge.Wait = *wait
	}
	if *noPing {
		cfg.Bridge.Ping = false
	}
	if *strict {
		cfg.Runtime.StrictMode = true
	}
	if *workDir != "" {
		cfg.Process.WorkDir = *workDir
	}
	cfg.Process.Interactive = *interactive
	cfg.Process.TTY = *tty
	cfg.Runtime.IsDryRun = *dryRun
	if len(fs.Args()) > 0 {
		cfg.Process.Command = fs.Args()
	}
	if cfg.Process.WorkDir == "" {
		cfg.Process.WorkDir = cfg.Ownership.Path
	}

	if len(cfg.Process.Command) == 0 && !cfg.Process.Interactive {
		return NewBootstrapError(ErrConfigValidation, "no application command given (pass it after --)").
			WithComponent("config")
	}

	db := NewUserDB(cfg.Runtime.EtcDir)

	// The bridge GID is read back from the image's own group database: the
	// value baked in at provision time is the single source of truth at start.
	if cfg.Bridge.Enabled {
		g, err := db.LookupGroup(cfg.Bridge.GroupName)
		if err != nil {
			return err
		}
		if g == nil {
			return NewBootstrapError(ErrResourceAccess, "bridge group was never provisioned in this image").
				WithContext("group", cfg.Bridge.GroupName).
				WithComponent("preflight")
		}
		cfg.Bridge.GID = g.GID
	}

	if err := validateConfig(cfg); err != nil {
		return err
	}

	id, err := db.ResolveIdentity(cfg.Identity.UserName)
	if err != nil {
		return err
	}

	prov, err := NewProvisioner(db, cfg.Runtime.IsDryRun)
	if err != nil {
		return err
	}

	var postDrop func(context.Context) error
	if cfg.Bridge.Enabled {
		if err := RunPreflight(ctx, cfg); err != nil {
			return err
		}
		if !memberOf(id, cfg.Bridge.GID) {
			return NewBootstrapError(ErrResourceAccess, "execution identity is not a member of the bridge group").
				WithContext("user", id.Name).
				WithContext("bridge_gid", cfg.Bridge.GID).
				WithComponent("preflight")
		}
		if cfg.Bridge.Ping && !cfg.Process.Interactive && !cfg.Runtime.IsDryRun {
			bridge := cfg.Bridge
			strictMode := cfg.Runtime.StrictMode
			postDrop = func(ctx context.Context) error {
				if err := PingDaemon(ctx, bridge.SocketPath, bridge.PingWait); err != nil {
					if strictMode {
						return err
					}
					Logger(ctx).Error("Daemon probe failed after privilege drop", "error", err)
				}
				return nil
			}
		}
	}

	return prov.Handoff(ctx, id, &cfg.Process, postDrop)
}

// cmdRender emits one of the two Dockerfile variants.
func cmdRender(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	variant := fs.String("variant", VariantIsolated, "Recipe variant: isolated or socket-bridged")
	base := fs.String("base", "", "Base image (required)")
	appDir := fs.String("app-dir", DefaultAppDir, "Application directory")
	user := fs.String("user", DefaultUserName, "Execution identity user name")
	group := fs.String("group", "", "Primary group name (defaults to the user name)")
	bridgeGroup := fs.String("bridge-group", DefaultBridgeGroupName, "Auxiliary group name (socket-bridged only)")
	socket := fs.String("socket", DefaultSocketPath, "Control socket mount path (socket-bridged only)")
	manifests := fs.String("manifests", "", "Comma-separated dependency manifests copied before the install step")
	install := fs.String("install", "", "Dependency install command")
	out := fs.String("o", "", "Output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) == 0 {
		return NewBootstrapError(ErrRecipeRender, "no application command given (pass it after the flags)").
			WithComponent("recipe")
	}

	params := RecipeParams{
		Variant:     *variant,
		BaseImage:   *base,
		AppDir:      *appDir,
		UserName:    *user,
		GroupName:   *group,
		BridgeGroup: *bridgeGroup,
		SocketPath:  *socket,
		InstallCmd:  *install,
		Command:     fs.Args(),
	}
	if *manifests != "" {
		params.ManifestFiles = strings.Split(*manifests, ",")
	}

	w := os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			return NewBootstrapErrorWithCause(ErrRecipeRender, "cannot create output file", err).
				WithContext("path", *out).
				WithComponent("recipe")
		}
		defer f.Close()
		w = f
	}
	return RenderRecipe(ctx, w, params)
}

// cmdVerify inspects an image's identity databases (and optionally a mounted
// socket) and fails when the provisioned state does not match expectations.
// Pointing -etc-dir at an unpacked image filesystem lets CI check the group
// database that a build produced.
func cmdVerify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	etcDir := fs.String("etc-dir", DefaultEtcDir, "Root of the passwd/group databases to inspect")
	user := fs.String("user", DefaultUserName, "Execution identity user name")
	group := fs.String("group", "", "Auxiliary group to check")
	gid := fs.Int("gid", 0, "Expected GID of the auxiliary group")
	socket := fs.String("socket", "", "Socket whose owning group must match -gid")
	appDir := fs.String("app-dir", "", "Application directory whose ownership must match the identity")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := Logger(ctx)
	db := NewUserDB(*etcDir)

	id, err := db.ResolveIdentity(*user)
	if err != nil {
		return err
	}
	if id.Shell != NologinShell {
		logger.Warn("Execution identity has an unexpected shell", "user", id.Name, "shell", id.Shell)
	}
	logger.Info("Execution identity verified", "user", id.Name, "uid", id.UID, "gid", id.GID, "supplementary", id.SupplementaryGIDs)

	if *group != "" {
		g, err := db.LookupGroup(*group)
		if err != nil {
			return err
		}
		if g == nil {
			return NewBootstrapError(ErrResourceAccess, "auxiliary group not found in group database").
				WithContext("group", *group).
				WithComponent("verify")
		}
		if *gid > 0 && g.GID != *gid {
			return NewBootstrapError(ErrResourceAccess, "auxiliary group GID does not match the expected value").
				WithContext("group", *group).
				WithContext("actual_gid", g.GID).
				WithContext("expected_gid", *gid).
				WithComponent("verify")
		}
		if !memberOf(id, g.GID) {
			return NewBootstrapError(ErrResourceAccess, "execution identity is not a member of the auxiliary group").
				WithContext("user", id.Name).
				WithContext("group", *group).
				WithComponent("verify")
		}
		logger.Info("Auxiliary group verified", "group", g.Name, "gid", g.GID)
	}

	if *socket != "" {
		wantGID := *gid
		if wantGID <= 0 {
			return NewBootstrapError(ErrConfigValidation, "-socket requires -gid").
				WithComponent("verify")
		}
		if err := VerifySocketGroup(ctx, *socket, wantGID); err != nil {
			return err
		}
		logger.Info("Socket ownership verified", "socket", *socket, "gid", wantGID)
	}

	if *appDir != "" {
		mismatched, err := VerifyOwnership(*appDir, id.UID, id.GID)
		if err != nil {
			return err
		}
		if len(mismatched) > 0 {
			return NewBootstrapError(ErrOwnership, "application directory contains files not owned by the identity").
				WithContext("path", *appDir).
				WithContext("mismatched", len(mismatched)).
				WithContext("first", mismatched[0]).
				WithComponent("verify")
		}
		logger.Info("Application directory ownership verified", "path", *appDir)
	}

	return nil
}

// cmdOCI patches an OCI runtime spec's process.user to the provisioned identity.
func cmdOCI(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("oci", flag.ExitOnError)
	specPath := fs.String("spec", "config.json", "Path to the OCI runtime spec")
	user := fs.String("user", DefaultUserName, "Execution identity user name")
	etcDir := fs.String("etc-dir", DefaultEtcDir, "Root of the passwd/group databases")
	workDir := fs.String("workdir", "", "Working directory to set in the spec")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db := NewUserDB(*etcDir)
	id, err := db.ResolveIdentity(*user)
	if err != nil {
		return err
	}
	return PatchSpecFile(ctx, *specPath, id, *workDir)
}

// --- Helpers ---

func applyIdentityFlags(cfg *Config, user, group string, uid, gid int, etcDir string) {
	if user != "" {
		cfg.Identity.UserName = user
		if cfg.Identity.GroupName == DefaultGroupName {
			cfg.Identity.GroupName = user
		}
	}
	if group != "" {
		cfg.Identity.GroupName = group
	}
	if uid > 0 {
		cfg.Identity.UID = uid
	}
	if gid > 0 {
		cfg.Identity.GID = gid
	}
	if etcDir != "" {
		cfg.Runtime.EtcDir = etcDir
	}
}

func memberOf(id *Identity, gid int) bool {
	if id.GID == gid {
		return true
	}
	for _, g := range id.SupplementaryGIDs {
		if g == gid {
			return true
		}
	}
	return false
}

func variantName(bridged bool) string {
	if bridged {
		return VariantBridged
	}
	return VariantIsolated
}
