package action

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/treadle-ci/treadle/engine"
	"github.com/treadle-ci/treadle/workflow"
)

// CheckoutAction fetches the triggering commit into the job workspace.
//
// The generated commands are:
//   - git init
//   - git remote add origin <url>
//   - git fetch --depth=<d> [--recurse-submodules] origin <sha|branch>
//   - git checkout FETCH_HEAD
//
// Inputs: depth (default 1), submodules (default false).
type CheckoutAction struct{}

func (CheckoutAction) Expand(rc RunContext, in workflow.Inputs) ([]engine.Step, error) {
	if rc.RepoURL == "" {
		return nil, fmt.Errorf("checkout: event carries no repository URL")
	}

	target := rc.Sha
	if target == "" {
		target = rc.Branch
	}
	if target == "" {
		target = "HEAD"
	}

	depth := 1
	if d, ok := in["depth"]; ok {
		n, err := strconv.Atoi(d)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("checkout: invalid depth %q", d)
		}
		depth = n
	}

	fetchArgs := []string{fmt.Sprintf("--depth=%d", depth)}
	if in["submodules"] == "true" {
		fetchArgs = append(fetchArgs, "--recurse-submodules")
	}
	fetchArgs = append(fetchArgs, "origin", target)

	return []engine.Step{{
		Name: "Checkout repository",
		Kind: engine.StepKindSystem,
		Command: strings.Join([]string{
			"git init",
			fmt.Sprintf("git remote add origin %s", rc.RepoURL),
			fmt.Sprintf("git fetch %s", strings.Join(fetchArgs, " ")),
			"git checkout --force FETCH_HEAD",
		}, "\n"),
	}}, nil
}

// ToolchainAction installs a Rust toolchain with rustup.
//
// Inputs: toolchain (required), profile, components (comma separated),
// override (make the toolchain the workspace default).
type ToolchainAction struct{}

func (ToolchainAction) Expand(rc RunContext, in workflow.Inputs) ([]engine.Step, error) {
	toolchain, ok := in["toolchain"]
	if !ok || toolchain == "" {
		return nil, fmt.Errorf("toolchain: `toolchain` input is required")
	}

	install := []string{"rustup", "toolchain", "install", toolchain}
	if p, ok := in["profile"]; ok && p != "" {
		install = append(install, "--profile", p)
	}
	for _, c := range strings.Split(in["components"], ",") {
		if c = strings.TrimSpace(c); c != "" {
			install = append(install, "--component", c)
		}
	}

	commands := []string{strings.Join(install, " ")}
	if in["override"] == "true" {
		commands = append(commands, fmt.Sprintf("rustup override set %s", toolchain))
	}

	return []engine.Step{{
		Name:    fmt.Sprintf("Install %s toolchain", toolchain),
		Kind:    engine.StepKindSystem,
		Command: strings.Join(commands, "\n"),
	}}, nil
}
