package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestPatchSpec(t *testing.T) {
	spec := &specs.Spec{
		Version: specs.Version,
		Process: &specs.Process{
			User: specs.User{UID: 0, GID: 0},
			Args: []string{"/app/server"},
			Cwd:  "/app",
		},
	}
	id := &Identity{Name: "app", UID: 100, GID: 100, SupplementaryGIDs: []int{999}}

	if err := PatchSpec(spec, id, ""); err != nil {
		t.Fatalf("PatchSpec failed: %v", err)
	}

	if spec.Process.User.UID != 100 || spec.Process.User.GID != 100 {
		t.Errorf("Expected UID/GID 100/100, got %d/%d", spec.Process.User.UID, spec.Process.User.GID)
	}
	if len(spec.Process.User.AdditionalGids) != 1 || spec.Process.User.AdditionalGids[0] != 999 {
		t.Errorf("Expected additional GIDs [999], got %v", spec.Process.User.AdditionalGids)
	}
	if !spec.Process.NoNewPrivileges {
		t.Errorf("Expected NoNewPrivileges to be set")
	}
	if spec.Process.Cwd != "/app" {
		t.Errorf("Existing cwd must be preserved, got %q", spec.Process.Cwd)
	}
	if spec.Process.Args[0] != "/app/server" {
		t.Errorf("Command must not be touched, got %v", spec.Process.Args)
	}
}

func TestPatchSpecWorkdir(t *testing.T) {
	spec := &specs.Spec{Process: &specs.Process{Cwd: "/old"}}
	id := &Identity{Name: "app", UID: 100, GID: 100}

	if err := PatchSpec(spec, id, "/app"); err != nil {
		t.Fatalf("PatchSpec failed: %v", err)
	}
	if spec.Process.Cwd != "/app" {
		t.Errorf("Expected cwd /app, got %q", spec.Process.Cwd)
	}
}

func TestPatchSpecDefaultCwd(t *testing.T) {
	spec := &specs.Spec{}
	id := &Identity{Name: "app", UID: 100, GID: 100}

	if err := PatchSpec(spec, id, ""); err != nil {
		t.Fatalf("PatchSpec failed: %v", err)
	}
	if spec.Process == nil || spec.Process.Cwd != "/" {
		t.Errorf("Expected cwd to default to /, got %+v", spec.Process)
	}
}

func TestPatchSpecRejectsSuperuser(t *testing.T) {
	spec := &specs.Spec{Process: &specs.Process{}}

	err := PatchSpec(spec, &Identity{Name: "root", UID: 0, GID: 0}, "")
	if !IsErrorCode(err, ErrOCIPatch) {
		t.Errorf("UID 0 identity must be rejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "superuser") {
		t.Errorf("Expected superuser rejection message, got %q", err.Error())
	}

	err = PatchSpec(spec, nil, "")
	if !IsErrorCode(err, ErrOCIPatch) {
		t.Errorf("Nil identity must be rejected, got %v", err)
	}
	if !strings.Contains(err.Error(), "nil") {
		t.Errorf("Nil identity message must describe the nil case, got %q", err.Error())
	}

	if err := PatchSpec(nil, &Identity{Name: "app", UID: 100, GID: 100}, ""); !IsErrorCode(err, ErrOCIPatch) {
		t.Errorf("Nil spec must be rejected, got %v", err)
	}
}

func TestPatchSpecFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "config.json")

	in := specs.Spec{
		Version: specs.Version,
		Process: &specs.Process{
			User: specs.User{UID: 0, GID: 0},
			Args: []string{"/app/server"},
		},
		Root: &specs.Root{Path: "rootfs"},
	}
	data, err := json.Marshal(&in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	id := &Identity{Name: "app", UID: 100, GID: 100, SupplementaryGIDs: []int{999}}
	if err := PatchSpecFile(ctx, path, id, "/app"); err != nil {
		t.Fatalf("PatchSpecFile failed: %v", err)
	}

	out, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	var patched specs.Spec
	if err := json.Unmarshal(out, &patched); err != nil {
		t.Fatalf("Patched spec is not valid JSON: %v", err)
	}

	if patched.Process.User.UID != 100 || patched.Process.User.GID != 100 {
		t.Errorf("Expected UID/GID 100/100, got %d/%d", patched.Process.User.UID, patched.Process.User.GID)
	}
	if patched.Process.Cwd != "/app" {
		t.Errorf("Expected cwd /app, got %q", patched.Process.Cwd)
	}
	if patched.Root == nil || patched.Root.Path != "rootfs" {
		t.Errorf("Unrelated fields must survive the rewrite, got %+v", patched.Root)
	}
	if patched.Process.Args[0] != "/app/server" {
		t.Errorf("Command must survive the rewrite, got %v", patched.Process.Args)
	}
}

func TestPatchSpecFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.json")
	id := &Identity{Name: "app", UID: 100, GID: 100}

	if err := PatchSpecFile(context.Background(), path, id, ""); !IsErrorCode(err, ErrOCIPatch) {
		t.Errorf("Missing spec file must fail, got %v", err)
	}
}

func TestPatchSpecFileInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	id := &Identity{Name: "app", UID: 100, GID: 100}

	if err := PatchSpecFile(context.Background(), path, id, ""); !IsErrorCode(err, ErrOCIPatch) {
		t.Errorf("Invalid JSON must fail, got %v", err)
	}
}
