// Package storage keeps the client's local JSON cache: one pretty-printed
// document per key in a flat directory, plus the pending queue and the
// conflict registry layered on top of it.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const fileExt = ".json"

// Store is a key-addressed store of JSON documents on disk.
type Store struct {
	dir string
	log *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore opens (creating if needed) the cache directory dir.
func NewStore(dir string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Store{dir: dir, log: log, locks: make(map[string]*sync.Mutex)}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string { return s.dir }

// Path returns the file backing key.
func (s *Store) Path(key string) string {
	return filepath.Join(s.dir, strings.ReplaceAll(key, "/", "_")+fileExt)
}

// Lock takes the per-key lock and returns its release function. Callers use
// it around read-modify-write sequences on a single key.
func (s *Store) Lock(key string) func() {
	s.mu.Lock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Load returns the document saved under key. The boolean is false when
// nothing was ever saved; that is not an error.
func (s *Store) Load(key string) (any, bool, error) {
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", key, err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, true, nil
}

// LoadList loads a list document. Absent keys and non-list documents
// yield a nil slice.
func (s *Store) LoadList(key string) ([]any, error) {
	doc, ok, err := s.Load(key)
	if err != nil || !ok {
		return nil, err
	}
	list, _ := doc.([]any)
	return list, nil
}

// LoadInto decodes the document under key into v. It reports false when
// the key was never saved.
func (s *Store) LoadInto(key string, v any) (bool, error) {
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// Save replaces the document under key. The new content is written to a
// temporary file in the same directory and renamed over the old one, so
// readers see either the old or the new document.
func (s *Store) Save(key string, doc any) error {
	data, err := encode(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	f, err := os.CreateTemp(s.dir, "."+strings.ReplaceAll(key, "/", "_")+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmp, s.Path(key)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", key, err)
	}
	return nil
}

// CompareAndReplace saves doc under key only when it differs from the
// stored document (or nothing is stored yet) and reports whether it wrote.
func (s *Store) CompareAndReplace(key string, doc any) (bool, error) {
	norm, err := normalize(doc)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}

	unlock := s.Lock(key)
	defer unlock()

	old, ok, err := s.Load(key)
	if err != nil {
		if !IsCorrupt(err) {
			return false, err
		}
		s.log.Warn("replacing unreadable cache document", zap.String("key", key), zap.Error(err))
		ok = false
	}
	if ok && reflect.DeepEqual(old, norm) {
		return false, nil
	}
	if err := s.Save(key, norm); err != nil {
		return false, err
	}
	return true, nil
}

// IsCorrupt reports whether err comes from a document that is not valid JSON.
func IsCorrupt(err error) bool {
	var syntaxErr *json.SyntaxError
	return errors.As(err, &syntaxErr)
}

// Quarantine moves the file backing key aside to "<file>.corrupt" so that
// the key reads as absent. An earlier backup is overwritten.
func (s *Store) Quarantine(key string) (string, error) {
	path := s.Path(key)
	backup := path + ".corrupt"
	if err := os.Rename(path, backup); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", key, err)
	}
	s.log.Warn("moved unreadable cache document aside",
		zap.String("key", key), zap.String("backup", backup))
	return backup, nil
}

// Exists reports whether a document is stored under key.
func (s *Store) Exists(key string) bool {
	_, err := os.Stat(s.Path(key))
	return err == nil
}

// Delete removes the document under key. Missing keys are ignored.
func (s *Store) Delete(key string) error {
	if err := os.Remove(s.Path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func encode(doc any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize round-trips doc through JSON so it compares equal to what Load
// would return for the same content.
func normalize(doc any) (any, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
