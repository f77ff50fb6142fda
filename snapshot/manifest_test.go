package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/genmedia/comfy-worker/common"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, common.IgnoreRoutines()...)
}

func writeManifest(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadManifestYAML(t *testing.T) {
	require := require.New(t)
	path := writeManifest(t, "manifest.yaml", `
- id: https://github.com/example/ComfyUI-Manager.git
  version: v1.2.3
  install_deps: true
- id: https://github.com/example/comfyui-extras
  version: 3f786850e387550fdab836ed7e6dc881de23001b
`)
	m, err := LoadManifest(path)
	require.NoError(err)
	require.Len(m.Modules, 2)
	assert.Equal(t, "https://github.com/example/ComfyUI-Manager.git", m.Modules[0].ID)
	assert.Equal(t, "v1.2.3", m.Modules[0].Version)
	assert.True(t, m.Modules[0].InstallDeps)
	assert.False(t, m.Modules[1].InstallDeps)
}

func TestLoadManifestJSONList(t *testing.T) {
	require := require.New(t)
	path := writeManifest(t, "manifest.json", `[
		{"id": "https://github.com/example/mod-a.git", "version": "1.0.0"},
		{"id": "https://github.com/example/mod-b.git", "version": "v2.0.1", "install_deps": true}
	]`)
	m, err := LoadManifest(path)
	require.NoError(err)
	require.Len(m.Modules, 2)
	assert.Equal(t, "https://github.com/example/mod-b.git", m.Modules[1].ID)
}

func TestLoadManifestSnapshotDoc(t *testing.T) {
	require := require.New(t)
	// Engine snapshot export: entries keep document order, disabled modules
	// are dropped and dependency installation is implied.
	path := writeManifest(t, "snapshot.json", `{
		"comfyui": "cb7c3a2da62e5c3840eb84ee0b1666e09a14ba67",
		"git_custom_nodes": {
			"https://github.com/example/zzz-nodes.git": {"hash": "3f786850e387550fdab836ed7e6dc881de23001b"},
			"https://github.com/example/aaa-nodes.git": {"hash": "89e6c98d92887913cadf06b2adb97f26cde4849b"},
			"https://github.com/example/off-nodes.git": {"hash": "2b66fd261ee5c6cfc8de7fa466bab600bcfe4f69", "disabled": true}
		}
	}`)
	m, err := LoadManifest(path)
	require.NoError(err)
	require.Len(m.Modules, 2)
	assert.Equal(t, "https://github.com/example/zzz-nodes.git", m.Modules[0].ID)
	assert.Equal(t, "https://github.com/example/aaa-nodes.git", m.Modules[1].ID)
	assert.Equal(t, "3f786850e387550fdab836ed7e6dc881de23001b", m.Modules[0].Version)
	assert.True(t, m.Modules[0].InstallDeps)
}

func TestLoadManifestRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"empty id", "m.json", `[{"id": "", "version": "1.0.0"}]`},
		{"not a url", "m.json", `[{"id": "just-a-name", "version": "1.0.0"}]`},
		{"missing version", "m.json", `[{"id": "https://github.com/example/mod.git"}]`},
		{"branch name as version", "m.json", `[{"id": "https://github.com/example/mod.git", "version": "main"}]`},
		{"short hash", "m.json", `[{"id": "https://github.com/example/mod.git", "version": "3f78685"}]`},
		{"broken json", "m.json", `[{`},
		{"broken yaml", "m.yaml", "- id: [}"},
		{"unsupported format", "m.txt", `whatever`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, tt.file, tt.content)
			_, err := LoadManifest(path)
			require.Error(t, err)
			var merr *ManifestError
			require.ErrorAs(t, err, &merr)
		})
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	var merr *ManifestError
	require.ErrorAs(t, err, &merr)
}

func TestValidateRefAcceptsPinnedVersions(t *testing.T) {
	for _, version := range []string{"1.0.0", "v1.2.3", "2.0.0-rc.1", "3f786850e387550fdab836ed7e6dc881de23001b"} {
		ref := ModuleRef{ID: "https://github.com/example/mod.git", Version: version}
		assert.NoError(t, validateRef(ref), version)
	}
}

func TestModuleDirName(t *testing.T) {
	assert.Equal(t, "ComfyUI-Manager", ModuleDirName("https://github.com/example/ComfyUI-Manager.git"))
	assert.Equal(t, "comfyui-extras", ModuleDirName("https://github.com/example/comfyui-extras"))
}

