package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/genmedia/comfy-worker/clog"
	"github.com/genmedia/comfy-worker/common"
	"github.com/genmedia/comfy-worker/monitor"
)

// Policy controls how per-module failures are handled.
type Policy int

const (
	// PolicyStrict aborts the whole restore on the first module failure so
	// the worker never serves with an inconsistent extension set.
	PolicyStrict Policy = iota
	// PolicyBestEffort skips failed modules and reports the aggregate at the end.
	PolicyBestEffort
)

func (p Policy) String() string {
	if p == PolicyBestEffort {
		return "best-effort"
	}
	return "strict"
}

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "strict", "":
		return PolicyStrict, nil
	case "best-effort":
		return PolicyBestEffort, nil
	}
	return PolicyStrict, fmt.Errorf("unknown restore policy %q", s)
}

// Restorer ensures every module listed in a manifest is present at the listed
// version in the extension directory. Re-running with an already satisfied
// manifest performs no mutating action.
type Restorer struct {
	ExtensionDir string
	Git          GitRunner
	Deps         DepInstaller
	Policy       Policy
}

func NewRestorer(extensionDir string, git GitRunner, deps DepInstaller, policy Policy) *Restorer {
	return &Restorer{ExtensionDir: extensionDir, Git: git, Deps: deps, Policy: policy}
}

// Restore applies the manifest. Under PolicyStrict the first module failure
// aborts; under PolicyBestEffort failures are collected and returned as a
// RestoreFailures aggregate after every module has been attempted.
func (r *Restorer) Restore(ctx context.Context, m *Manifest) error {
	if len(m.Modules) == 0 {
		clog.Infof(ctx, "Manifest is empty, nothing to restore")
		return nil
	}
	if err := os.MkdirAll(r.ExtensionDir, 0755); err != nil {
		return fmt.Errorf("could not create extension dir %s: %w", r.ExtensionDir, err)
	}

	var failures RestoreFailures
	restored := 0
	for _, ref := range m.Modules {
		lctx := clog.AddModuleID(ctx, ModuleDirName(ref.ID))
		mutated, err := r.restoreModule(lctx, ref)
		if err != nil {
			mre := &ModuleRestoreError{ModuleID: ref.ID, Cause: err}
			if r.Policy == PolicyStrict {
				return mre
			}
			clog.Errorf(lctx, "Skipping failed module under best-effort policy err=%q", err)
			failures = append(failures, mre)
			continue
		}
		if mutated {
			restored++
		}
	}

	if monitor.Enabled {
		monitor.ModulesRestored(restored)
	}
	clog.Infof(ctx, "Restore complete modules=%d installedOrUpdated=%d failed=%d", len(m.Modules), restored, len(failures))
	if len(failures) > 0 {
		return failures
	}
	return nil
}

// restoreModule brings one module to its pinned version. Returns whether any
// mutating operation was performed.
func (r *Restorer) restoreModule(ctx context.Context, ref ModuleRef) (bool, error) {
	dir := filepath.Join(r.ExtensionDir, ModuleDirName(ref.ID))

	if _, err := os.Stat(dir); err == nil {
		ok, err := r.Git.AtRef(ctx, dir, ref.Version)
		if err != nil {
			return false, err
		}
		if ok {
			clog.V(common.DEBUG).Infof(ctx, "Module already at version=%s, skipping", ref.Version)
			return false, nil
		}
		clog.Infof(ctx, "Updating module to version=%s", ref.Version)
		if err := r.Git.Fetch(ctx, dir); err != nil {
			return false, err
		}
		if err := r.Git.Checkout(ctx, dir, ref.Version); err != nil {
			return false, err
		}
	} else {
		clog.Infof(ctx, "Installing module url=%s version=%s", ref.ID, ref.Version)
		if err := r.Git.Clone(ctx, ref.ID, dir); err != nil {
			return false, err
		}
		if err := r.Git.Checkout(ctx, dir, ref.Version); err != nil {
			return false, err
		}
	}

	if ref.InstallDeps {
		if err := r.Deps.Install(ctx, dir); err != nil {
			return true, err
		}
	}
	return true, nil
}
