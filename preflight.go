package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/client"
	"github.com/fsnotify/fsnotify"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// The socket bridge is the one piece of the design that cannot be verified at
// build time: the auxiliary GID baked into the image must match whatever group
// owns the socket on the deploying host. The preflight confirms that match at
// container start so a misconfiguration surfaces immediately instead of as a
// permission error on first use.

// WaitForSocket blocks until the control socket exists or the timeout lapses.
// The deployer bind-mounts the socket before the container starts in normal
// operation, so the wait usually returns on the initial stat; the watcher
// covers orchestrators that attach mounts asynchronously.
func WaitForSocket(ctx context.Context, path string, timeout time.Duration) error {
	logger := Logger(ctx).With("component", "preflight")

	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if timeout <= 0 {
		return NewBootstrapError(ErrResourceAccess, "control socket is not mounted").
			WithContext("socket", path).
			WithComponent("preflight")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return WrapSystemError("inotify_init", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return NewBootstrapErrorWithCause(ErrResourceAccess, "cannot watch socket directory", err).
			WithContext("dir", filepath.Dir(path)).
			WithComponent("preflight")
	}

	// Re-check after arming the watcher to close the stat/watch race.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	logger.Info("Waiting for control socket to be mounted", "socket", path, "timeout", timeout)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case event := <-watcher.Events:
			if event.Name == path && event.Op&(fsnotify.Create|fsnotify.Chmod) != 0 {
				return nil
			}
		case err := <-watcher.Errors:
			logger.Warn("Socket watch error", "error", err)
		case <-deadline.C:
			return NewBootstrapError(ErrResourceAccess, "control socket did not appear").
				WithContext("socket", path).
				WithContext("waited", timeout.String()).
				WithComponent("preflight")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// VerifySocketGroup confirms that the mounted resource is a socket owned by
// the configured auxiliary GID. A mismatch means the deployer-supplied GID
// does not reflect the actual host-side owner and every later access by the
// execution identity will be denied.
func VerifySocketGroup(ctx context.Context, path string, gid int) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return NewBootstrapErrorWithCause(ErrResourceAccess, "control socket not accessible", err).
			WithContext("socket", path).
			WithComponent("preflight")
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return NewBootstrapError(ErrResourceAccess, "mounted path is not a socket").
			WithContext("socket", path).
			WithComponent("preflight")
	}
	if int(st.Gid) != gid {
		return NewBootstrapError(ErrResourceAccess, "socket owned by a different group than configured").
			WithContext("socket", path).
			WithContext("socket_gid", int(st.Gid)).
			WithContext("configured_gid", gid).
			WithComponent("preflight")
	}

	Logger(ctx).Debug("Socket group verified", "socket", path, "gid", gid)
	return nil
}

// PingDaemon probes the daemon behind the control socket. Run after the
// privilege drop it proves the bridge end to end: the dropped identity can
// open the socket and the daemon answers. Attempts are paced so a slow daemon
// is not hammered during startup.
func PingDaemon(ctx context.Context, socketPath string, timeout time.Duration) error {
	logger := Logger(ctx).With("component", "preflight")

	cli, err := client.NewClientWithOpts(
		client.WithHost("unix://"+socketPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return NewBootstrapErrorWithCause(ErrResourceAccess, "daemon client setup failed", err).
			WithContext("socket", socketPath).
			WithComponent("preflight")
	}
	defer cli.Close()

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(250*time.Millisecond), 1)
	var lastErr error
	for {
		if err := limiter.Wait(pingCtx); err != nil {
			break
		}
		pong, err := cli.Ping(pingCtx)
		if err == nil {
			logger.Info("Daemon reachable through bridged socket", "socket", socketPath, "api_version", pong.APIVersion)
			return nil
		}
		lastErr = err
		logger.Debug("Daemon ping attempt failed", "error", err)
	}

	return NewBootstrapErrorWithCause(ErrResourceAccess, "daemon not reachable through bridged socket", lastErr).
		WithContext("socket", socketPath).
		WithContext("timeout", timeout.String()).
		WithComponent("preflight")
}

// RunPreflight executes the socket-bridged start-time checks in order: wait
// for the mount, then verify the owning group. In strict mode any failure
// aborts startup; otherwise it is logged at error level and startup proceeds,
// preserving the legacy behavior where the application surfaces the denial on
// first use.
func RunPreflight(ctx context.Context, cfg *Config) error {
	logger := Logger(ctx).With("component", "preflight")

	check := func(err error) error {
		if err == nil {
			return nil
		}
		if cfg.Runtime.StrictMode {
			return err
		}
		logger.Error("Socket preflight failed; the application will be denied access to the bridged resource",
			"error", err, "suggestion", "pass the host socket's owning GID at build time")
		return nil
	}

	if err := check(WaitForSocket(ctx, cfg.Bridge.SocketPath, cfg.Bridge.Wait)); err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Bridge.SocketPath); err != nil {
		// Nothing to verify when the socket never appeared in lenient mode.
		return nil
	}
	return check(VerifySocketGroup(ctx, cfg.Bridge.SocketPath, cfg.Bridge.GID))
}
