package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGit tracks every mutating operation so tests can assert idempotence.
type fakeGit struct {
	mu        sync.Mutex
	clones    int
	fetches   int
	checkouts int
	at        map[string]string // dir -> checked out ref
	failClone map[string]error  // url -> error
}

func newFakeGit() *fakeGit {
	return &fakeGit{at: map[string]string{}, failClone: map[string]error{}}
}

func (g *fakeGit) Clone(ctx context.Context, url, dir string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.failClone[url]; err != nil {
		return err
	}
	g.clones++
	return os.MkdirAll(dir, 0755)
}

func (g *fakeGit) Fetch(ctx context.Context, dir string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fetches++
	return nil
}

func (g *fakeGit) Checkout(ctx context.Context, dir, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkouts++
	g.at[dir] = ref
	return nil
}

func (g *fakeGit) AtRef(ctx context.Context, dir, ref string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.at[dir] == ref, nil
}

func (g *fakeGit) mutations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clones + g.fetches + g.checkouts
}

type fakeDeps struct {
	mu       sync.Mutex
	installs []string
	fail     error
}

func (d *fakeDeps) Install(ctx context.Context, moduleDir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.installs = append(d.installs, filepath.Base(moduleDir))
	return nil
}

func testManifest() *Manifest {
	return &Manifest{Modules: []ModuleRef{
		{ID: "https://github.com/example/mod-a.git", Version: "1.0.0", InstallDeps: true},
		{ID: "https://github.com/example/mod-b.git", Version: "3f786850e387550fdab836ed7e6dc881de23001b"},
	}}
}

func TestRestoreFreshInstall(t *testing.T) {
	require := require.New(t)
	git := newFakeGit()
	deps := &fakeDeps{}
	r := NewRestorer(t.TempDir(), git, deps, PolicyStrict)

	require.NoError(r.Restore(context.Background(), testManifest()))
	assert.Equal(t, 2, git.clones)
	assert.Equal(t, 2, git.checkouts)
	assert.Equal(t, 0, git.fetches)
	assert.Equal(t, []string{"mod-a"}, deps.installs)
}

func TestRestoreIsIdempotent(t *testing.T) {
	require := require.New(t)
	git := newFakeGit()
	deps := &fakeDeps{}
	r := NewRestorer(t.TempDir(), git, deps, PolicyStrict)
	m := testManifest()

	require.NoError(r.Restore(context.Background(), m))
	before := git.mutations()
	installsBefore := len(deps.installs)

	// A second run against a satisfied manifest must not mutate anything.
	require.NoError(r.Restore(context.Background(), m))
	assert.Equal(t, before, git.mutations())
	assert.Equal(t, installsBefore, len(deps.installs))
}

func TestRestoreUpdatesStaleModule(t *testing.T) {
	require := require.New(t)
	git := newFakeGit()
	deps := &fakeDeps{}
	extDir := t.TempDir()
	r := NewRestorer(extDir, git, deps, PolicyStrict)
	m := testManifest()

	require.NoError(r.Restore(context.Background(), m))

	// Pin mod-a to a newer version; only that module should be touched.
	m.Modules[0].Version = "1.1.0"
	clonesBefore := git.clones
	require.NoError(r.Restore(context.Background(), m))
	assert.Equal(t, clonesBefore, git.clones)
	assert.Equal(t, 1, git.fetches)
	ok, err := git.AtRef(context.Background(), filepath.Join(extDir, "mod-a"), "1.1.0")
	require.NoError(err)
	assert.True(t, ok)
}

func TestRestoreStrictAbortsOnFirstFailure(t *testing.T) {
	require := require.New(t)
	git := newFakeGit()
	git.failClone["https://github.com/example/mod-a.git"] = errors.New("remote unreachable")
	r := NewRestorer(t.TempDir(), git, &fakeDeps{}, PolicyStrict)

	err := r.Restore(context.Background(), testManifest())
	require.Error(err)
	var mre *ModuleRestoreError
	require.ErrorAs(err, &mre)
	assert.Equal(t, "https://github.com/example/mod-a.git", mre.ModuleID)
	// mod-b comes after the failed module and must not have been attempted.
	assert.Equal(t, 0, git.clones)
}

func TestRestoreBestEffortCollectsFailures(t *testing.T) {
	require := require.New(t)
	git := newFakeGit()
	git.failClone["https://github.com/example/mod-a.git"] = errors.New("remote unreachable")
	r := NewRestorer(t.TempDir(), git, &fakeDeps{}, PolicyBestEffort)

	err := r.Restore(context.Background(), testManifest())
	require.Error(err)
	var failures RestoreFailures
	require.ErrorAs(err, &failures)
	require.Len(failures, 1)
	assert.Equal(t, "https://github.com/example/mod-a.git", failures[0].ModuleID)
	// mod-b must still have been restored.
	assert.Equal(t, 1, git.clones)
}

func TestRestoreEmptyManifest(t *testing.T) {
	git := newFakeGit()
	r := NewRestorer(t.TempDir(), git, &fakeDeps{}, PolicyStrict)
	require.NoError(t, r.Restore(context.Background(), &Manifest{}))
	assert.Equal(t, 0, git.mutations())
}

func TestRestoreDepInstallFailureIsModuleFailure(t *testing.T) {
	require := require.New(t)
	git := newFakeGit()
	deps := &fakeDeps{fail: errors.New("pip exploded")}
	r := NewRestorer(t.TempDir(), git, deps, PolicyStrict)

	err := r.Restore(context.Background(), testManifest())
	require.Error(err)
	var mre *ModuleRestoreError
	require.ErrorAs(err, &mre)
	assert.Equal(t, "https://github.com/example/mod-a.git", mre.ModuleID)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("strict")
	require.NoError(t, err)
	assert.Equal(t, PolicyStrict, p)

	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, PolicyStrict, p)

	p, err = ParsePolicy("best-effort")
	require.NoError(t, err)
	assert.Equal(t, PolicyBestEffort, p)

	_, err = ParsePolicy("yolo")
	require.Error(t, err)
}
