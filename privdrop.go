package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// Provisioner is the privileged phase of the bootstrap. It is the only type
// exposing account creation, ownership assignment and the final hand-off.
// Handoff and Abort consume it; afterwards every method fails, so the running
// application phase holds nothing that can reach elevated privilege.
type Provisioner struct {
	db     *UserDB
	dryRun bool
	done   bool
}

// NewProvisioner starts the privileged provisioning phase. Outside dry-run
// mode it requires an effective UID of 0: the provisioning steps write the
// system databases and chown arbitrary trees.
func NewProvisioner(db *UserDB, dryRun bool) (*Provisioner, error) {
	if !dryRun && os.Geteuid() != 0 {
		return nil, NewBootstrapError(ErrPrivilegeDrop, "provisioning requires effective UID 0").
			WithContext("euid", os.Geteuid()).
			WithComponent("privdrop")
	}
	return &Provisioner{db: db, dryRun: dryRun}, nil
}

func (p *Provisioner) ensureActive() error {
	if p.done {
		return NewBootstrapError(ErrPrivilegeDrop, "provisioning phase already ended").
			WithComponent("privdrop")
	}
	return nil
}

// EnsureGroup creates a system group during the privileged phase and returns
// its numeric GID.
func (p *Provisioner) EnsureGroup(ctx context.Context, name string, gid int) (int, error) {
	if err := p.ensureActive(); err != nil {
		return 0, err
	}
	if p.dryRun {
		Logger(ctx).Info("[dry-run] Would create system group", "group", name, "gid", gid)
		return gid, nil
	}
	g, err := p.db.EnsureGroup(ctx, name, gid)
	if err != nil {
		return 0, err
	}
	return g.GID, nil
}

// EnsureUser creates the execution identity during the privileged phase.
func (p *Provisioner) EnsureUser(ctx context.Context, name string, uid, gid int, supplementary []string) (*Identity, error) {
	if err := p.ensureActive(); err != nil {
		return nil, err
	}
	if p.dryRun {
		Logger(ctx).Info("[dry-run] Would create system user", "user", name, "groups", strings.Join(supplementary, ","))
		return &Identity{Name: name, UID: uid, GID: gid}, nil
	}
	u, err := p.db.EnsureUser(ctx, name, uid, gid, supplementary)
	if err != nil {
		return nil, err
	}
	return p.db.ResolveIdentity(u.Name)
}

// ApplyOwnership reassigns the application directory during the privileged phase.
func (p *Provisioner) ApplyOwnership(ctx context.Context, path string, id *Identity, recursive bool) error {
	if err := p.ensureActive(); err != nil {
		return err
	}
	if p.dryRun {
		Logger(ctx).Info("[dry-run] Would apply ownership", "path", path, "user", id.Name)
		return nil
	}
	return ApplyOwnership(ctx, path, id.UID, id.GID, recursive)
}

// Abort ends the privileged phase without a hand-off.
func (p *Provisioner) Abort() {
	p.done = true
}

// Handoff is the terminal step: it switches the process to the execution
// identity and replaces the process image with the application command. It
// never returns on success and there is no path back to the privileged phase,
// including on failure. The identity must have been provisioned beforehand.
// postDrop, when non-nil, runs after the identity switch and before exec, as
// the dropped identity; a returned error aborts the start.
func (p *Provisioner) Handoff(ctx context.Context, id *Identity, proc *ProcessConfig, postDrop func(context.Context) error) error {
	if err := p.ensureActive(); err != nil {
		return err
	}
	p.done = true
	logger := Logger(ctx).With("component", "privdrop")

	if id == nil {
		return NewBootstrapError(ErrPrivilegeDrop, "no execution identity to hand off to").
			WithComponent("privdrop")
	}
	if id.UID == 0 {
		return NewBootstrapError(ErrPrivilegeDrop, "refusing to hand off to UID 0").
			WithContext("user", id.Name).
			WithComponent("privdrop")
	}

	if proc.Interactive {
		if p.dryRun {
			logger.Info("[dry-run] Would start debug shell as execution identity",
				"user", id.Name, "uid", id.UID, "gid", id.GID)
			return nil
		}
		// Debug mode: the shell runs as the dropped identity in a child
		// process so the operator keeps a usable terminal.
		return runDebugShell(ctx, id, proc)
	}

	if len(proc.Command) == 0 {
		return NewBootstrapError(ErrPrivilegeDrop, "no command to execute").
			WithComponent("privdrop")
	}

	argv0, err := exec.LookPath(proc.Command[0])
	if err != nil {
		return NewBootstrapErrorWithCause(ErrPrivilegeDrop, "command not found", err).
			WithContext("command", proc.Command[0]).
			WithComponent("privdrop")
	}

	env := runtimeEnviron(id, proc)

	if p.dryRun {
		logger.Info("[dry-run] Would drop privileges and exec",
			"user", id.Name, "uid", id.UID, "gid", id.GID, "command", strings.Join(proc.Command, " "))
		return nil
	}

	if proc.WorkDir != "" {
		if err := os.Chdir(proc.WorkDir); err != nil {
			return NewBootstrapErrorWithCause(ErrPrivilegeDrop, "failed to enter working directory", err).
				WithContext("workdir", proc.WorkDir).
				WithComponent("privdrop")
		}
	}

	if err := dropPrivileges(id); err != nil {
		return err
	}

	if postDrop != nil {
		if err := postDrop(ctx); err != nil {
			return err
		}
	}

	logger.Info("Privileges dropped, executing application",
		"user", id.Name, "uid", id.UID, "gid", id.GID, "supplementary", id.SupplementaryGIDs,
		"command", strings.Join(proc.Command, " "))

	// Replace the current process with the application command.
	if err := unix.Exec(argv0, proc.Command, env); err != nil {
		return NewBootstrapErrorWithCause(ErrPrivilegeDrop, "exec failed", err).
			WithContext("command", argv0).
			WithComponent("privdrop")
	}
	return nil // Unreachable: Exec does not return on success.
}

// dropPrivileges performs the one-way identity switch. Order matters:
// supplementary groups first, then GID, then UID, because the GID cannot be
// changed after the UID drop. Real, effective and saved IDs are all set so
// there is no saved-UID escape hatch, which the final setuid(0) probe confirms.
func dropPrivileges(id *Identity) error {
	groups := append([]int{id.GID}, id.SupplementaryGIDs...)
	if err := unix.Setgroups(groups); err != nil {
		return NewBootstrapErrorWithCause(ErrPrivilegeDrop, "setgroups failed", err).
			WithContext("groups", groups).
			WithComponent("privdrop")
	}
	if err := unix.Setresgid(id.GID, id.GID, id.GID); err != nil {
		return NewBootstrapErrorWithCause(ErrPrivilegeDrop, "setresgid failed", err).
			WithContext("gid", id.GID).
			WithComponent("privdrop")
	}
	if err := unix.Setresuid(id.UID, id.UID, id.UID); err != nil {
		return NewBootstrapErrorWithCause(ErrPrivilegeDrop, "setresuid failed", err).
			WithContext("uid", id.UID).
			WithComponent("privdrop")
	}

	// Re-escalation must be impossible from here on.
	if err := unix.Setuid(0); err == nil {
		return NewBootstrapError(ErrPrivilegeDrop, "privilege drop is reversible, aborting").
			WithContext("uid", id.UID).
			WithComponent("privdrop")
	}
	if os.Getuid() != id.UID || os.Getgid() != id.GID {
		return NewBootstrapError(ErrPrivilegeDrop, "identity mismatch after drop").
			WithContext("uid", os.Getuid()).
			WithContext("gid", os.Getgid()).
			WithComponent("privdrop")
	}
	return nil
}

// runtimeEnviron builds the environment handed to the application: the
// inherited environment with the identity variables rewritten to the dropped
// account, plus any configured extras.
func runtimeEnviron(id *Identity, proc *ProcessConfig) []string {
	env := make([]string, 0, len(os.Environ())+len(proc.Env)+3)
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		switch key {
		case "HOME", "USER", "LOGNAME":
			continue
		}
		env = append(env, kv)
	}

	home := id.HomeDir
	if proc.WorkDir != "" {
		home = proc.WorkDir
	}
	env = append(env,
		"HOME="+home,
		"USER="+id.Name,
		"LOGNAME="+id.Name,
	)
	return append(env, proc.Env...)
}

// runDebugShell starts an interactive shell as the dropped identity, wired
// through a pseudo-TTY. The shell child carries the unprivileged credential;
// the bootstrap process only shuttles terminal I/O.
func runDebugShell(ctx context.Context, id *Identity, proc *ProcessConfig) error {
	logger := Logger(ctx).With("component", "privdrop")

	shellPath, err := exec.LookPath("sh")
	if err != nil {
		return NewBootstrapErrorWithCause(ErrPrivilegeDrop, "could not find 'sh' in PATH", err).
			WithComponent("privdrop")
	}

	cmd := exec.CommandContext(ctx, shellPath)
	cmd.Dir = proc.WorkDir
	cmd.Env = append(runtimeEnviron(id, proc), "PS1=$ ")
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid:    uint32(id.UID),
			Gid:    uint32(id.GID),
			Groups: toUint32(id.SupplementaryGIDs),
		},
	}

	logger.Info("Starting debug shell as execution identity", "user", id.Name, "uid", id.UID, "tty", proc.TTY)

	if !proc.TTY {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd.Run()
	}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return NewBootstrapErrorWithCause(ErrPrivilegeDrop, "failed to start shell with PTY", err).
			WithComponent("privdrop")
	}
	defer ptmx.Close()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGWINCH)
		defer signal.Stop(ch)
		go func() {
			for range ch {
				if err := pty.InheritSize(os.Stdin, ptmx); err != nil {
					logger.Debug("PTY resize failed", "error", err)
				}
			}
		}()
		ch <- syscall.SIGWINCH // Initial resize

		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			logger.Warn("Failed to set raw mode", "error", err)
		} else {
			defer term.Restore(int(os.Stdin.Fd()), oldState)
		}
	} else {
		if err := pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80}); err != nil {
			logger.Debug("Failed to set default PTY size", "error", err)
		}
	}

	go func() {
		_, _ = io.Copy(ptmx, os.Stdin)
	}()
	_, _ = io.Copy(os.Stdout, ptmx)

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			logger.Info("Debug shell exited", "code", exitErr.ExitCode())
			return nil
		}
		return fmt.Errorf("debug shell failed: %w", err)
	}
	return nil
}

func toUint32(ids []int) []uint32 {
	out := make([]uint32, len(ids))
	for i, id := range ids {
		out[i] = uint32(id)
	}
	return out
}
