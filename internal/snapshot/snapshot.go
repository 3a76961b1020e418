// Package snapshot persists the variable table to a YAML file.
//
// The monitor saves a copy every tick and the peer session saves on
// disconnect; the session loads once at the start of every connection.
// Writes go to a temporary file in the same directory and are renamed into
// place, so a crash mid-write never leaves a truncated snapshot behind.
package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/amgateway/amgateway/internal/store"
)

// Persister saves and loads the full variable table.
type Persister interface {
	Save(records map[string]store.Record) error
	Load() (map[string]store.Record, error)
	Enabled() bool
}

// New returns a File persister for path, or a no-op persister when path is
// empty.
func New(path string) Persister {
	if path == "" {
		return Disabled{}
	}
	return &File{Path: path}
}

// document is the on-disk layout: a version tag plus the records in name
// order so diffs between snapshots stay readable.
type document struct {
	Version   int            `yaml:"version"`
	Variables []store.Record `yaml:"variables"`
}

const formatVersion = 1

// File is a YAML snapshot at Path.
type File struct {
	Path string
}

// Enabled reports true.
func (f *File) Enabled() bool { return true }

// Save writes records to Path atomically.
func (f *File) Save(records map[string]store.Record) error {
	doc := document{Version: formatVersion, Variables: make([]store.Record, 0, len(records))}
	for name, r := range records {
		r.Name = name
		doc.Variables = append(doc.Variables, r)
	}
	sort.Slice(doc.Variables, func(i, j int) bool { return doc.Variables[i].Name < doc.Variables[j].Name })

	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("snapshot: encode: %w", err)
	}

	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.Path)+".*")
	if err != nil {
		return fmt.Errorf("snapshot: create temp: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot: write %q: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot: close %q: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("snapshot: rename to %q: %w", f.Path, err)
	}
	return nil
}

// Load reads Path. A missing file yields an empty table and no error.
func (f *File) Load() (map[string]store.Record, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]store.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %q: %w", f.Path, err)
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("snapshot: parse %q: %w", f.Path, err)
	}
	if doc.Version != formatVersion {
		return nil, fmt.Errorf("snapshot: %q: unsupported version %d", f.Path, doc.Version)
	}

	out := make(map[string]store.Record, len(doc.Variables))
	for _, r := range doc.Variables {
		if r.Name == "" {
			continue
		}
		out[r.Name] = r
	}
	return out, nil
}

// Disabled is the persister used when no snapshot path is configured.
type Disabled struct{}

// Enabled reports false.
func (Disabled) Enabled() bool { return false }

// Save does nothing.
func (Disabled) Save(map[string]store.Record) error { return nil }

// Load returns an empty table.
func (Disabled) Load() (map[string]store.Record, error) { return map[string]store.Record{}, nil }
