package feature

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrFeatureNotFound is returned when no record exists for an id.
var ErrFeatureNotFound = errors.New("feature: not found")

// CompletedDir is the archive subdirectory under the features directory.
const CompletedDir = "completed"

// Store reads and rewrites feature records under a directory, one YAML file
// per id. Records are always rewritten in full.
type Store struct {
	dir string
	now func() time.Time
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns a store rooted at dir.
func NewStore(dir string, opts ...StoreOption) *Store {
	s := &Store{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

// Now returns the store clock's current time.
func (s *Store) Now() time.Time { return s.now().UTC() }

// Path returns the record path for id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+".yml")
}

// ValidateID rejects ids that cannot be used as file names.
func ValidateID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("feature: id is required")
	}
	if trimmed != id || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("feature: invalid id %q", id)
	}
	return nil
}

// Exists reports whether a record for id is present.
func (s *Store) Exists(id string) bool {
	if ValidateID(id) != nil {
		return false
	}
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Load reads the record for id.
func (s *Store) Load(id string) (Vector, error) {
	if err := ValidateID(id); err != nil {
		return Vector{}, err
	}
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Vector{}, fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
		}
		return Vector{}, fmt.Errorf("feature: read %s: %w", id, err)
	}
	var v Vector
	if err := yaml.Unmarshal(data, &v); err != nil {
		return Vector{}, fmt.Errorf("feature: parse %s: %w", id, err)
	}
	if v.Feature == "" {
		v.Feature = id
	}
	if v.Trajectory == nil {
		v.Trajectory = map[string]TrajectoryEntry{}
	}
	return v, nil
}

// Save rewrites the record, stamping CreatedAt on first save and UpdatedAt
// every time.
func (s *Store) Save(v *Vector) error {
	if v == nil {
		return fmt.Errorf("feature: nil vector")
	}
	if err := ValidateID(v.Feature); err != nil {
		return err
	}
	now := s.Now()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	if v.Status == "" {
		v.Status = StatusInProgress
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("feature: encode %s: %w", v.Feature, err)
	}
	return writeFileAtomic(s.Path(v.Feature), data)
}

// List returns every active record sorted by id. Archived records are not
// included.
func (s *Store) List() ([]Vector, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("feature: list: %w", err)
	}
	var out []Vector
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".yml" {
			continue
		}
		v, err := s.Load(strings.TrimSuffix(name, ".yml"))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feature < out[j].Feature })
	return out, nil
}

// Archive moves the record for id into the completed directory and returns
// the new path.
func (s *Store) Archive(id string) (string, error) {
	if !s.Exists(id) {
		return "", fmt.Errorf("%w: %s", ErrFeatureNotFound, id)
	}
	dest := filepath.Join(s.dir, CompletedDir, id+".yml")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("feature: ensure archive dir: %w", err)
	}
	if _, err := os.Stat(dest); err == nil {
		return "", fmt.Errorf("feature: %s is already archived", id)
	}
	if err := os.Rename(s.Path(id), dest); err != nil {
		return "", fmt.Errorf("feature: archive %s: %w", id, err)
	}
	return dest, nil
}

// NextChildID returns the next sequential child id for parent and vector
// type: <parent>-<VT>-<NN>, counting existing children of the parent.
func NextChildID(parent Vector, vectorType string) string {
	prefix := fmt.Sprintf("%s-%s-", parent.Feature, strings.ToUpper(vectorTypeCode(vectorType)))
	next := 1
	for _, child := range parent.Children {
		if !strings.HasPrefix(child.ID, prefix) {
			continue
		}
		var n int
		if _, err := fmt.Sscanf(strings.TrimPrefix(child.ID, prefix), "%d", &n); err == nil && n >= next {
			next = n + 1
		}
	}
	return fmt.Sprintf("%s%02d", prefix, next)
}

func vectorTypeCode(vectorType string) string {
	trimmed := strings.TrimSpace(vectorType)
	if trimmed == "" {
		return "CHILD"
	}
	return strings.ReplaceAll(trimmed, " ", "_")
}

// writeFileAtomic writes data to a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("feature: ensure dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("feature: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("feature: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("feature: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("feature: rename: %w", err)
	}
	return nil
}

// WriteYAML writes any value as YAML with the same atomic rename.
func WriteYAML(path string, value any) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("feature: encode %s: %w", filepath.Base(path), err)
	}
	return writeFileAtomic(path, data)
}
