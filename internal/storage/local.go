package storage

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Local stores one file per key under a root directory. Writes go through
// a temp file followed by rename, so a Put observed by a concurrent Get is
// always either the old blob or the new one, never a partial write.
type Local struct {
	root string
}

// NewLocal creates a filesystem backend rooted at dir.
func NewLocal(dir string) (*Local, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: local backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create root %s: %w", dir, err)
	}
	return &Local{root: dir}, nil
}

// path maps a key to a file path. Key segments are separated by '/';
// characters that are unsafe in file names are percent-escaped so distinct
// keys never collide on disk.
func (l *Local) path(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = escapeSegment(s)
	}
	return filepath.Join(append([]string{l.root}, segments...)...)
}

func escapeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ':', '\\', '%':
			fmt.Fprintf(&b, "%%%02X", r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func unescapeSegment(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			var r int
			if _, err := fmt.Sscanf(s[i+1:i+3], "%02X", &r); err == nil {
				b.WriteRune(rune(r))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// Get reads the blob for key.
func (l *Local) Get(_ context.Context, key string) ([]byte, error) {
	blob, err := os.ReadFile(l.path(key))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return blob, nil
}

// Put atomically replaces the blob for key.
func (l *Local) Put(_ context.Context, key string, blob []byte) error {
	target := l.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".put-*")
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// PutIfAbsent creates the blob for key only if no file exists. O_EXCL makes
// the existence check and the create one atomic operation, which is what
// the run lock needs on a shared filesystem.
func (l *Local) PutIfAbsent(_ context.Context, key string, blob []byte) error {
	target := l.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("put-if-absent %s: %w", key, err)
	}

	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if os.IsExist(err) {
		return fmt.Errorf("put-if-absent %s: %w", key, ErrExists)
	}
	if err != nil {
		return fmt.Errorf("put-if-absent %s: %w", key, err)
	}
	if _, err := f.Write(blob); err != nil {
		f.Close()
		os.Remove(target)
		return fmt.Errorf("put-if-absent %s: %w", key, err)
	}
	return f.Close()
}

// Delete removes the blob for key.
func (l *Local) Delete(_ context.Context, key string) error {
	err := os.Remove(l.path(key))
	if os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns all keys under prefix, sorted.
func (l *Local) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(l.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if strings.HasPrefix(filepath.Base(path), ".put-") {
			return nil // in-flight temp file
		}
		rel, err := filepath.Rel(l.root, path)
		if err != nil {
			return err
		}
		segments := strings.Split(filepath.ToSlash(rel), "/")
		for i, s := range segments {
			segments[i] = unescapeSegment(s)
		}
		key := strings.Join(segments, "/")
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}
