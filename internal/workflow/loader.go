package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrProfileNotFound is returned when a named profile has no file.
var ErrProfileNotFound = errors.New("workflow: profile not found")

// ParseEdgeConfigYAML decodes and validates an edge checklist document.
func ParseEdgeConfigYAML(data []byte) (EdgeConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return EdgeConfig{}, ErrMissingChecklist
	}
	var cfg EdgeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return EdgeConfig{}, fmt.Errorf("workflow: decode edge config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return EdgeConfig{}, err
	}
	return cfg, nil
}

// EdgeConfigPath returns the conventional checklist path for an edge.
func EdgeConfigPath(dir string, edge Edge) string {
	return filepath.Join(dir, edge.Slug()+".yml")
}

// LoadEdgeConfig reads the checklist for an edge from the edges directory.
// Both .yml and .yaml extensions are accepted.
func LoadEdgeConfig(dir string, edge Edge) (EdgeConfig, error) {
	candidates := []string{
		EdgeConfigPath(dir, edge),
		filepath.Join(dir, edge.Slug()+".yaml"),
	}
	for _, path := range candidates {
		content, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return EdgeConfig{}, fmt.Errorf("workflow: read %s: %w", path, err)
		}
		cfg, parseErr := ParseEdgeConfigYAML(content)
		if parseErr != nil {
			return EdgeConfig{}, fmt.Errorf("workflow: %s: %w", path, parseErr)
		}
		if cfg.Edge == "" {
			cfg.Edge = edge.String()
		}
		return cfg, nil
	}
	return EdgeConfig{}, fmt.Errorf("%w: %s (looked for %s)", ErrEdgeConfigNotFound, edge, candidates[0])
}

// LoadTopology reads graph.yml.
func LoadTopology(path string) (Topology, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Topology{}, fmt.Errorf("workflow: read graph %s: %w", path, err)
	}
	var topology Topology
	if err := yaml.Unmarshal(content, &topology); err != nil {
		return Topology{}, fmt.Errorf("workflow: decode graph %s: %w", path, err)
	}
	if err := topology.Validate(); err != nil {
		return Topology{}, err
	}
	return topology, nil
}

// ParseProfileYAML decodes and validates a profile document.
func ParseProfileYAML(data []byte) (Profile, error) {
	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return Profile{}, fmt.Errorf("workflow: decode profile: %w", err)
	}
	if err := profile.Validate(); err != nil {
		return Profile{}, err
	}
	return profile, nil
}

// LoadProfile reads profiles/<name>.yml.
func LoadProfile(dir, name string) (Profile, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Profile{}, fmt.Errorf("workflow: profile name is required")
	}
	for _, ext := range []string{".yml", ".yaml"} {
		path := filepath.Join(dir, name+ext)
		content, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return Profile{}, fmt.Errorf("workflow: read %s: %w", path, err)
		}
		profile, err := ParseProfileYAML(content)
		if err != nil {
			return Profile{}, fmt.Errorf("workflow: %s: %w", path, err)
		}
		return profile, nil
	}
	return Profile{}, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
}

// LoadProfiles reads every profile in the directory, sorted by name.
func LoadProfiles(dir string) ([]Profile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("workflow: list profiles: %w", err)
	}
	var profiles []Profile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("workflow: read %s: %w", path, err)
		}
		profile, err := ParseProfileYAML(content)
		if err != nil {
			return nil, fmt.Errorf("workflow: %s: %w", path, err)
		}
		profiles = append(profiles, profile)
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles, nil
}

// LoadConstraints reads the hierarchical constraints document. A missing file
// yields an empty map so every placeholder simply stays unresolved.
func LoadConstraints(path string) (map[string]any, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("workflow: read constraints %s: %w", path, err)
	}
	constraints := map[string]any{}
	if len(bytes.TrimSpace(content)) == 0 {
		return constraints, nil
	}
	if err := yaml.Unmarshal(content, &constraints); err != nil {
		return nil, fmt.Errorf("workflow: decode constraints %s: %w", path, err)
	}
	return constraints, nil
}
