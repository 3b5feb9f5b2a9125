package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"github.com/tailscale/hujson"
)

// registryEntry records one previously-attached target so a later
// invocation can refer to it by name instead of repeating both device
// paths. This is CLI-side convenience, not part of the core's external
// interface (spec.md §6 takes exactly two paths); nothing under
// pkg/dmremap or internal/ reads this file.
type registryEntry struct {
	Name      string `json:"name"`
	MainPath  string `json:"main"`
	SparePath string `json:"spare"`
}

type registry struct {
	Targets []registryEntry `json:"targets"`
}

// loadRegistry reads the JSONC registry file at path, tolerating comments
// and trailing commas the way config.go tolerates them in
// its own JSONC config, by standardizing with hujson before unmarshalling.
// A missing file is not an error: it means no targets have been recorded
// yet.
func loadRegistry(path string) (*registry, error) {
	raw, err := os.ReadFile(path) //nolint:gosec // operator-supplied registry path.
	if err != nil {
		if os.IsNotExist(err) {
			return &registry{}, nil
		}

		return nil, fmt.Errorf("dmremapctl: read registry: %w", err)
	}

	standardized, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("dmremapctl: parse registry: %w", err)
	}

	var reg registry
	if err := json.Unmarshal(standardized, &reg); err != nil {
		return nil, fmt.Errorf("dmremapctl: decode registry: %w", err)
	}

	return &reg, nil
}

// save writes the registry back out atomically: a crash or concurrent
// invocation mid-write must never leave a half-written, unparsable
// registry file behind, the same guarantee cache_binary.go
// gets from natefinch/atomic for its own on-disk state.
func (r *registry) save(path string) error {
	buf, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("dmremapctl: encode registry: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("dmremapctl: create registry dir: %w", err)
	}

	if err := atomic.WriteFile(path, bytes.NewReader(buf)); err != nil {
		return fmt.Errorf("dmremapctl: write registry: %w", err)
	}

	return nil
}

// upsert records name -> (mainPath, sparePath), replacing any existing
// entry with the same name.
func (r *registry) upsert(name, mainPath, sparePath string) {
	for i := range r.Targets {
		if r.Targets[i].Name == name {
			r.Targets[i].MainPath = mainPath
			r.Targets[i].SparePath = sparePath

			return
		}
	}

	r.Targets = append(r.Targets, registryEntry{Name: name, MainPath: mainPath, SparePath: sparePath})
}

// resolve looks up a recorded target by name.
func (r *registry) resolve(name string) (registryEntry, bool) {
	for _, e := range r.Targets {
		if e.Name == name {
			return e, true
		}
	}

	return registryEntry{}, false
}

func defaultRegistryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".dmremapctl_registry.jsonc"
	}

	return filepath.Join(dir, "dmremapctl", "registry.jsonc")
}
