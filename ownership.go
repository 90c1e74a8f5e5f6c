package main

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// ApplyOwnership reassigns filesystem ownership of path to the execution
// identity. It must run only after the build pipeline has placed the complete
// file set under path; anything copied in afterwards stays owned by the build
// identity. Symlinks are reassigned with lchown and never followed. The
// operation is naturally idempotent: re-running on a correctly owned tree
// ends in the same state.
func ApplyOwnership(ctx context.Context, path string, uid, gid int, recursive bool) error {
	logger := Logger(ctx).With("component", "ownership")

	info, err := os.Lstat(path)
	if err != nil {
		return NewBootstrapErrorWithCause(ErrOwnership, "application directory not accessible", err).
			WithContext("path", path).
			WithComponent("ownership")
	}

	if !recursive || !info.IsDir() {
		if err := os.Lchown(path, uid, gid); err != nil {
			return NewBootstrapErrorWithCause(ErrOwnership, "chown failed", err).
				WithContext("path", path).
				WithContext("uid", uid).
				WithContext("gid", gid).
				WithComponent("ownership")
		}
		return nil
	}

	count := 0
	err = filepath.WalkDir(path, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := os.Lchown(p, uid, gid); err != nil {
			return NewBootstrapErrorWithCause(ErrOwnership, "chown failed", err).
				WithContext("path", p).
				WithContext("uid", uid).
				WithContext("gid", gid).
				WithComponent("ownership")
		}
		count++
		return nil
	})
	if err != nil {
		if _, ok := err.(*BootstrapError); ok {
			return err
		}
		return NewBootstrapErrorWithCause(ErrOwnership, "directory walk failed", err).
			WithContext("path", path).
			WithComponent("ownership")
	}

	logger.Info("Applied ownership", "path", path, "uid", uid, "gid", gid, "files", count)
	return nil
}

// VerifyOwnership walks path and returns every file not owned by uid:gid.
// A non-empty result on a freshly provisioned image means a copy step ran
// after the chown step, which the build pipeline must never produce.
func VerifyOwnership(path string, uid, gid int) ([]string, error) {
	var mismatched []string
	err := filepath.WalkDir(path, func(p string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := os.Lstat(p)
		if err != nil {
			return err
		}
		stat, ok := info.Sys().(*syscall.Stat_t)
		if !ok {
			return NewBootstrapError(ErrOwnership, "platform does not expose file ownership").
				WithContext("path", p).
				WithComponent("ownership")
		}
		if int(stat.Uid) != uid || int(stat.Gid) != gid {
			mismatched = append(mismatched, p)
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(*BootstrapError); ok {
			return nil, err
		}
		return nil, NewBootstrapErrorWithCause(ErrOwnership, "ownership verification failed", err).
			WithContext("path", path).
			WithComponent("ownership")
	}
	return mismatched, nil
}
