package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// GitRunner abstracts the git operations the restorer performs so tests can
// run without a network or a git binary.
type GitRunner interface {
	Clone(ctx context.Context, url, dir string) error
	Fetch(ctx context.Context, dir string) error
	Checkout(ctx context.Context, dir, ref string) error
	// AtRef reports whether the checkout at dir already points at ref.
	AtRef(ctx context.Context, dir, ref string) (bool, error)
}

// DepInstaller runs a module's own dependency installation step.
type DepInstaller interface {
	Install(ctx context.Context, moduleDir string) error
}

type execGit struct{}

// NewExecGit returns a GitRunner backed by the git binary.
func NewExecGit() GitRunner {
	return execGit{}
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %v: %s", strings.Join(args, " "), err, strings.TrimSpace(out.String()))
	}
	return strings.TrimSpace(out.String()), nil
}

func (execGit) Clone(ctx context.Context, url, dir string) error {
	_, err := runGit(ctx, "", "clone", "--recursive", url, dir)
	return err
}

func (execGit) Fetch(ctx context.Context, dir string) error {
	_, err := runGit(ctx, dir, "fetch", "--tags", "origin")
	return err
}

func (execGit) Checkout(ctx context.Context, dir, ref string) error {
	if _, err := runGit(ctx, dir, "checkout", ref); err != nil {
		return err
	}
	_, err := runGit(ctx, dir, "submodule", "update", "--init", "--recursive")
	return err
}

func (execGit) AtRef(ctx context.Context, dir, ref string) (bool, error) {
	head, err := runGit(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return false, err
	}
	want, err := runGit(ctx, dir, "rev-parse", ref+"^{commit}")
	if err != nil {
		// The ref may not exist locally yet; treat as not-at-ref so the
		// restorer fetches and retries the checkout.
		return false, nil
	}
	return head == want, nil
}

type pipInstaller struct {
	python string
}

// NewPipInstaller returns a DepInstaller that runs the module's
// requirements.txt through pip using the given python interpreter.
func NewPipInstaller(python string) DepInstaller {
	return &pipInstaller{python: python}
}

func (p *pipInstaller) Install(ctx context.Context, moduleDir string) error {
	reqs := filepath.Join(moduleDir, "requirements.txt")
	if _, err := os.Stat(reqs); os.IsNotExist(err) {
		// Nothing declared, nothing to install.
		return nil
	}
	cmd := exec.CommandContext(ctx, p.python, "-m", "pip", "install", "-r", reqs)
	cmd.Dir = moduleDir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pip install for %s: %v: %s", moduleDir, err, strings.TrimSpace(out.String()))
	}
	return nil
}
