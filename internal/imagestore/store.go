// Package imagestore persists the metadata kiln keeps for every mirrored
// image: one JSON file per (product, version), named by the image's base64
// identifier.
//
// A Store is a plain handle on a directory. It is constructed once and
// passed to whatever needs it, so tests can point it at t.TempDir(). Writes
// go through a temporary file and a rename, so a reader never sees a
// partially written record. There is no locking: one writer per directory.
package imagestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jbweber/kiln/internal/errdefs"
	"github.com/jbweber/kiln/internal/naming"
)

const (
	// DefaultDir is where the CLI keeps image metadata.
	DefaultDir = "/var/lib/kiln/libvirt/metadata"

	// FieldProductName and FieldVersionName are always present in a record.
	FieldProductName = "product_name"
	FieldVersionName = "version_name"

	tmpSuffix = ".tmp"
)

// Record is the catalog metadata stored for one image.
type Record map[string]string

// Key returns the (product, version) the record describes.
func (r Record) Key() naming.Key {
	return naming.Key{Product: r[FieldProductName], Version: r[FieldVersionName]}
}

// Store reads and writes records under a single directory.
type Store struct {
	dir string
}

// New returns a store rooted at dir. The directory is created lazily on
// the first Set.
func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the directory backing the store.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(k naming.Key) string {
	return filepath.Join(s.dir, naming.EncodeKey(k, naming.SchemeBase64))
}

// Get loads the record for k.
func (s *Store) Get(k naming.Key) (Record, error) {
	data, err := os.ReadFile(s.path(k))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("metadata for %s: %w", k, errdefs.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read metadata for %s: %w", k, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("metadata for %s is corrupt: %w", k, err)
	}
	return rec, nil
}

// Set replaces the record for k. The product and version fields are
// forced to match k.
func (s *Store) Set(k naming.Key, rec Record) error {
	out := make(Record, len(rec)+2)
	for field, v := range rec {
		out[field] = v
	}
	out[FieldProductName] = k.Product
	out[FieldVersionName] = k.Version

	data, err := encode(out)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", k, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create metadata directory: %w", err)
	}

	return atomicWrite(s.path(k), data)
}

// Delete removes the record for k. Deleting a missing record is an
// ErrNotFound error.
func (s *Store) Delete(k naming.Key) error {
	if err := os.Remove(s.path(k)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("metadata for %s: %w", k, errdefs.ErrNotFound)
		}
		return fmt.Errorf("failed to delete metadata for %s: %w", k, err)
	}
	return nil
}

// Exists reports whether a record for k is present.
func (s *Store) Exists(k naming.Key) (bool, error) {
	_, err := os.Stat(s.path(k))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat metadata for %s: %w", k, err)
}

// Contains reports whether a record exists for the image that the
// identifier id names, in either scheme.
func (s *Store) Contains(id string) (bool, error) {
	k, err := naming.DecodeKey(id)
	if err != nil {
		return false, err
	}
	return s.Exists(k)
}

// List returns the keys of every record, sorted. Files that are not
// record files (temporaries, strays) are skipped.
func (s *Store) List() ([]naming.Key, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list metadata directory: %w", err)
	}

	var keys []naming.Key
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasSuffix(e.Name(), tmpSuffix) {
			continue
		}
		k, err := naming.DecodeKey(e.Name())
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Product != keys[j].Product {
			return keys[i].Product < keys[j].Product
		}
		return keys[i].Version < keys[j].Version
	})
	return keys, nil
}

// Clear removes every record.
func (s *Store) Clear() error {
	keys, err := s.List()
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.Delete(k); err != nil && !errors.Is(err, errdefs.ErrNotFound) {
			return err
		}
	}
	return nil
}

func encode(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "    ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func atomicWrite(path string, data []byte) error {
	tmp := path + tmpSuffix

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}
