package main

import (
	"context"
	"strings"
	"testing"
)

func baseParams(variant string) RecipeParams {
	return RecipeParams{
		Variant:   variant,
		BaseImage: "python:3.12-slim",
		AppDir:    "/app",
		UserName:  "app",
		Command:   []string{"python", "main.py"},
	}
}

func render(t *testing.T, p RecipeParams) string {
	t.Helper()
	var sb strings.Builder
	if err := RenderRecipe(context.Background(), &sb, p); err != nil {
		t.Fatalf("RenderRecipe failed: %v", err)
	}
	return sb.String()
}

func TestRenderIsolatedRecipe(t *testing.T) {
	out := render(t, baseParams(VariantIsolated))

	for _, want := range []string{
		"FROM python:3.12-slim",
		"stepdown provision",
		"-user app",
		`CMD ["python","main.py"]`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Isolated recipe missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "CONTROL_SOCKET_GID") {
		t.Errorf("Isolated recipe must not reference the socket GID:\n%s", out)
	}
	if strings.Contains(out, "USER root") {
		t.Errorf("Recipe must never switch to the superuser:\n%s", out)
	}
}

func TestRenderBridgedRecipe(t *testing.T) {
	out := render(t, baseParams(VariantBridged))

	for _, want := range []string{
		"ARG CONTROL_SOCKET_GID",
		`test -n "$CONTROL_SOCKET_GID"`,
		"-bridge-group docker",
		`-bridge-gid "$CONTROL_SOCKET_GID"`,
		`"-socket", "/var/run/docker.sock"`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Bridged recipe missing %q:\n%s", want, out)
		}
	}
}

func TestRenderBridgedGIDIsBuildArgument(t *testing.T) {
	out := render(t, baseParams(VariantBridged))

	// The host GID varies by deployment, so the recipe must take it as a
	// mandatory build argument rather than bake in a number.
	if !strings.Contains(out, "ARG CONTROL_SOCKET_GID\n") {
		t.Errorf("GID must be declared as a build argument:\n%s", out)
	}
	if strings.Contains(out, "-bridge-gid 999") {
		t.Errorf("GID must not be hard-coded:\n%s", out)
	}
}

func TestRenderOrderingContract(t *testing.T) {
	p := baseParams(VariantIsolated)
	p.ManifestFiles = []string{"requirements.txt"}
	p.InstallCmd = "pip install --no-cache-dir -r requirements.txt"
	out := render(t, p)

	// Manifests, install, full copy, then ownership: any other order leaves
	// files owned by the build identity.
	manifest := strings.Index(out, "COPY requirements.txt")
	install := strings.Index(out, "RUN pip install")
	copyAll := strings.Index(out, "COPY . /app")
	provision := strings.Index(out, "stepdown provision")

	if manifest < 0 || install < 0 || copyAll < 0 || provision < 0 {
		t.Fatalf("Recipe missing expected steps:\n%s", out)
	}
	if !(manifest < install && install < copyAll && copyAll < provision) {
		t.Errorf("Recipe steps out of order (manifest=%d install=%d copy=%d provision=%d):\n%s",
			manifest, install, copyAll, provision, out)
	}
}

func TestRenderRejectsUnknownVariant(t *testing.T) {
	p := baseParams("hybrid")
	var sb strings.Builder
	err := RenderRecipe(context.Background(), &sb, p)
	if err == nil {
		t.Fatalf("Expected error for unknown variant")
	}
	if !IsErrorCode(err, ErrRecipeRender) {
		t.Errorf("Expected error code %v, got %v", ErrRecipeRender, err)
	}
}

func TestRenderValidation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RecipeParams)
	}{
		{"empty base image", func(p *RecipeParams) { p.BaseImage = "" }},
		{"relative app dir", func(p *RecipeParams) { p.AppDir = "app" }},
		{"empty command", func(p *RecipeParams) { p.Command = nil }},
	}

	for _, tc := range cases {
		p := baseParams(VariantIsolated)
		tc.mutate(&p)
		var sb strings.Builder
		if err := RenderRecipe(context.Background(), &sb, p); err == nil {
			t.Errorf("Expected validation error for %s", tc.name)
		}
	}
}
