package main

import (
	"context"
	"encoding/json"
	"os"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Deployments that hand the image straight to an OCI runtime bypass the
// stepdown entrypoint, so the identity has to be pinned in the runtime spec
// instead. PatchSpec rewrites process.user to the provisioned identity and
// hardens the process entry the same way the entrypoint would.

// PatchSpec applies the execution identity to an OCI runtime spec in place.
func PatchSpec(spec *specs.Spec, id *Identity, workdir string) error {
	if spec == nil {
		return NewBootstrapError(ErrOCIPatch, "spec cannot be nil").
			WithComponent("oci")
	}
	if id == nil {
		return NewBootstrapError(ErrOCIPatch, "identity cannot be nil").
			WithComponent("oci")
	}
	if id.UID == 0 {
		return NewBootstrapError(ErrOCIPatch, "refusing to patch spec to a superuser identity").
			WithContext("user", id.Name).
			WithComponent("oci")
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	additional := make([]uint32, len(id.SupplementaryGIDs))
	for i, gid := range id.SupplementaryGIDs {
		additional[i] = uint32(gid)
	}
	spec.Process.User = specs.User{
		UID:            uint32(id.UID),
		GID:            uint32(id.GID),
		AdditionalGids: additional,
	}
	spec.Process.NoNewPrivileges = true
	if workdir != "" {
		spec.Process.Cwd = workdir
	}
	if spec.Process.Cwd == "" {
		spec.Process.Cwd = "/"
	}
	return nil
}

// PatchSpecFile loads an OCI config.json, patches it to the identity and
// rewrites it atomically.
func PatchSpecFile(ctx context.Context, path string, id *Identity, workdir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return NewBootstrapErrorWithCause(ErrOCIPatch, "cannot read runtime spec", err).
			WithContext("path", path).
			WithComponent("oci")
	}

	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return NewBootstrapErrorWithCause(ErrOCIPatch, "runtime spec is not valid JSON", err).
			WithContext("path", path).
			WithComponent("oci")
	}

	if err := PatchSpec(&spec, id, workdir); err != nil {
		return err
	}

	out, err := json.MarshalIndent(&spec, "", "\t")
	if err != nil {
		return NewBootstrapErrorWithCause(ErrOCIPatch, "spec marshal failed", err).
			WithContext("path", path).
			WithComponent("oci")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return NewBootstrapErrorWithCause(ErrOCIPatch, "spec write failed", err).
			WithContext("path", tmp).
			WithComponent("oci")
	}
	if err := os.Rename(tmp, path); err != nil {
		return NewBootstrapErrorWithCause(ErrOCIPatch, "spec rename failed", err).
			WithContext("path", path).
			WithComponent("oci")
	}

	Logger(ctx).Info("Patched OCI runtime spec", "path", path, "uid", id.UID, "gid", id.GID)
	return nil
}
