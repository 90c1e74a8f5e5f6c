package main

import (
	"context"
	_ "embed"
	"encoding/json"
	"io"
	"strings"
	"text/template"
)

// Embedded build recipe templates, one per supported variant.

//go:embed templates/Dockerfile.isolated.tmpl
var isolatedRecipeTemplate string

//go:embed templates/Dockerfile.bridged.tmpl
var bridgedRecipeTemplate string

// Recipe variants. The variant is fixed at image-build time; there is no
// runtime transition between them.
const (
	VariantIsolated = "isolated"
	VariantBridged  = "socket-bridged"
)

// RecipeParams parameterize a generated build recipe. The auxiliary GID is
// deliberately NOT a field: the socket-bridged recipe declares it as a
// mandatory build argument so the deployer supplies the host-specific value
// at build time instead of baking in a guess.
type RecipeParams struct {
	Variant       string
	BaseImage     string
	AppDir        string
	UserName      string
	GroupName     string
	BridgeGroup   string
	SocketPath    string
	ManifestFiles []string // Dependency manifests copied before the install step for layer caching.
	InstallCmd    string   // Dependency install command; empty skips the step.
	Command       []string // Application command baked into CMD.
}

// RenderRecipe writes the Dockerfile for the requested variant. The generated
// recipe preserves the materialization ordering contract: manifests, install,
// sources, then `stepdown provision` with the chown step, so no copy step can
// silently revert ownership.
func RenderRecipe(ctx context.Context, w io.Writer, p RecipeParams) error {
	if p.BaseImage == "" {
		return NewBootstrapError(ErrRecipeRender, "base image cannot be empty").
			WithComponent("recipe")
	}
	if p.AppDir == "" || !strings.HasPrefix(p.AppDir, "/") {
		return NewBootstrapError(ErrRecipeRender, "application directory must be an absolute path").
			WithContext("app_dir", p.AppDir).
			WithComponent("recipe")
	}
	if p.UserName == "" {
		p.UserName = DefaultUserName
	}
	if p.GroupName == "" {
		p.GroupName = p.UserName
	}
	if len(p.Command) == 0 {
		return NewBootstrapError(ErrRecipeRender, "application command cannot be empty").
			WithComponent("recipe")
	}

	var text string
	switch p.Variant {
	case VariantIsolated:
		text = isolatedRecipeTemplate
	case VariantBridged:
		if p.BridgeGroup == "" {
			p.BridgeGroup = DefaultBridgeGroupName
		}
		if p.SocketPath == "" {
			p.SocketPath = DefaultSocketPath
		}
		text = bridgedRecipeTemplate
	default:
		return NewBootstrapError(ErrRecipeRender, "unknown recipe variant").
			WithContext("variant", p.Variant).
			WithContext("supported", VariantIsolated+", "+VariantBridged).
			WithComponent("recipe")
	}

	tmpl, err := template.New(p.Variant).Funcs(template.FuncMap{
		"jsonArgv": func(argv []string) (string, error) {
			b, err := json.Marshal(argv)
			return string(b), err
		},
	}).Parse(text)
	if err != nil {
		return NewBootstrapErrorWithCause(ErrRecipeRender, "template parse failed", err).
			WithContext("variant", p.Variant).
			WithComponent("recipe")
	}

	if err := tmpl.Execute(w, p); err != nil {
		return NewBootstrapErrorWithCause(ErrRecipeRender, "template execution failed", err).
			WithContext("variant", p.Variant).
			WithComponent("recipe")
	}

	Logger(ctx).Debug("Rendered build recipe", "variant", p.Variant, "user", p.UserName)
	return nil
}
