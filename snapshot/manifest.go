/*
Package snapshot applies a versioned manifest of extension modules to the
engine's extension directory before the engine is first started.
*/
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// ManifestError means the manifest itself is malformed. It is fatal: no
// partial restore is attempted.
type ManifestError struct {
	Reason string
}

func (e *ManifestError) Error() string {
	return fmt.Sprintf("manifest error: %s", e.Reason)
}

// ModuleRestoreError is a per-module restore failure (network, checkout,
// dependency install).
type ModuleRestoreError struct {
	ModuleID string
	Cause    error
}

func (e *ModuleRestoreError) Error() string {
	return fmt.Sprintf("could not restore module %s: %v", e.ModuleID, e.Cause)
}

func (e *ModuleRestoreError) Unwrap() error {
	return e.Cause
}

// RestoreFailures aggregates per-module failures collected under the
// best-effort policy.
type RestoreFailures []*ModuleRestoreError

func (f RestoreFailures) Error() string {
	ids := make([]string, len(f))
	for i, e := range f {
		ids[i] = e.ModuleID
	}
	return fmt.Sprintf("restore finished with %d failed modules: %s", len(f), strings.Join(ids, ", "))
}

// ModuleRef is one required extension module pinned to a version reference.
type ModuleRef struct {
	// ID is the module's git URL.
	ID string `json:"id" yaml:"id"`
	// Version is a semver tag or a full commit hash.
	Version string `json:"version" yaml:"version"`
	// InstallDeps runs the module's dependency install step after checkout.
	InstallDeps bool `json:"install_deps" yaml:"install_deps"`
}

// Manifest is the ordered, immutable set of required extension modules.
// Read once at restore time, never mutated at runtime.
type Manifest struct {
	Modules []ModuleRef
}

var commitHashRE = regexp.MustCompile(`^[0-9a-f]{40}$`)

// validateRef checks one manifest entry for well-formedness.
func validateRef(ref ModuleRef) error {
	if ref.ID == "" {
		return &ManifestError{Reason: "module entry with empty id"}
	}
	if u, err := url.Parse(ref.ID); err != nil || u.Scheme == "" || u.Host == "" {
		return &ManifestError{Reason: fmt.Sprintf("module id %q is not a valid git URL", ref.ID)}
	}
	if ref.Version == "" {
		return &ManifestError{Reason: fmt.Sprintf("module %s has no version reference", ref.ID)}
	}
	if commitHashRE.MatchString(ref.Version) {
		return nil
	}
	if _, err := semver.NewVersion(strings.TrimPrefix(ref.Version, "v")); err != nil {
		return &ManifestError{Reason: fmt.Sprintf("module %s version %q is neither a commit hash nor a semver tag", ref.ID, ref.Version)}
	}
	return nil
}

// ModuleDirName derives the on-disk directory name for a module URL.
func ModuleDirName(id string) string {
	name := strings.TrimSuffix(filepath.Base(id), ".git")
	return name
}

// LoadManifest reads and validates a manifest file. JSON files may be either
// a plain list of module refs or an engine snapshot document with a
// "git_custom_nodes" object; YAML files are a plain list.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ManifestError{Reason: fmt.Sprintf("could not read manifest %s: %v", path, err)}
	}

	var refs []ModuleRef
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &refs); err != nil {
			return nil, &ManifestError{Reason: fmt.Sprintf("could not parse yaml manifest: %v", err)}
		}
	case ".json":
		refs, err = parseJSONManifest(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, &ManifestError{Reason: fmt.Sprintf("unsupported manifest format %q", filepath.Ext(path))}
	}

	for _, ref := range refs {
		if err := validateRef(ref); err != nil {
			return nil, err
		}
	}
	return &Manifest{Modules: refs}, nil
}

type snapshotDoc struct {
	GitCustomNodes json.RawMessage `json:"git_custom_nodes"`
}

type snapshotNode struct {
	Hash     string `json:"hash"`
	Disabled bool   `json:"disabled"`
}

func parseJSONManifest(data []byte) ([]ModuleRef, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var refs []ModuleRef
		if err := json.Unmarshal(trimmed, &refs); err != nil {
			return nil, &ManifestError{Reason: fmt.Sprintf("could not parse json manifest: %v", err)}
		}
		return refs, nil
	}

	var doc snapshotDoc
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, &ManifestError{Reason: fmt.Sprintf("could not parse snapshot manifest: %v", err)}
	}
	if len(doc.GitCustomNodes) == 0 {
		return nil, nil
	}
	// Walk the object with a token decoder to preserve manifest order.
	dec := json.NewDecoder(bytes.NewReader(doc.GitCustomNodes))
	tok, err := dec.Token()
	if err != nil {
		return nil, &ManifestError{Reason: fmt.Sprintf("could not parse git_custom_nodes: %v", err)}
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, &ManifestError{Reason: "git_custom_nodes is not an object"}
	}
	var refs []ModuleRef
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, &ManifestError{Reason: fmt.Sprintf("could not parse git_custom_nodes: %v", err)}
		}
		moduleURL, _ := keyTok.(string)
		var node snapshotNode
		if err := dec.Decode(&node); err != nil {
			return nil, &ManifestError{Reason: fmt.Sprintf("could not parse entry for %s: %v", moduleURL, err)}
		}
		if node.Disabled {
			continue
		}
		refs = append(refs, ModuleRef{ID: moduleURL, Version: node.Hash, InstallDeps: true})
	}
	return refs, nil
}
