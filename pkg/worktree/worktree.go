// Package worktree is the filesystem adapter for the markdown record
// tree. Every operation is convergent: writing bytes already present,
// moving a file already at its destination, and removing a missing file
// all succeed, so saga steps stay retry-safe under at-least-once
// execution.
package worktree

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrOutsideRoot is returned when a path would escape the records
	// tree.
	ErrOutsideRoot = errors.New("worktree: path escapes root")

	// ErrContentMismatch is returned when a destination already holds
	// different bytes than the operation would produce.
	ErrContentMismatch = errors.New("worktree: destination content differs")

	// ErrNotFound is returned when a required file is absent.
	ErrNotFound = errors.New("worktree: file not found")
)

// Tree is a filesystem adapter rooted at the records directory. All paths
// are slash-separated and relative to the root; the adapter rejects paths
// that resolve outside it.
type Tree struct {
	root string
}

// New creates a Tree rooted at dir, creating the directory if needed.
func New(dir string) (*Tree, error) {
	if dir == "" {
		return nil, fmt.Errorf("worktree: root directory cannot be empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("worktree: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("worktree: create root: %w", err)
	}
	return &Tree{root: abs}, nil
}

// Root returns the absolute root directory.
func (t *Tree) Root() string { return t.root }

// Abs resolves a tree-relative path to an absolute one, rejecting escapes.
func (t *Tree) Abs(rel string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if cleaned == "." || cleaned == "" {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, rel)
	}
	return filepath.Join(t.root, cleaned), nil
}

// Exists reports whether the file exists.
func (t *Tree) Exists(rel string) (bool, error) {
	abs, err := t.Abs(rel)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(abs)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("worktree: stat %s: %w", rel, err)
}

// ReadFile returns the file contents.
func (t *Tree) ReadFile(rel string) ([]byte, error) {
	abs, err := t.Abs(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, rel)
		}
		return nil, fmt.Errorf("worktree: read %s: %w", rel, err)
	}
	return data, nil
}

// WriteAtomic writes data through a temp file and an atomic rename.
// Writing bytes identical to what the file already holds is a no-op
// success.
func (t *Tree) WriteAtomic(rel string, data []byte) error {
	abs, err := t.Abs(rel)
	if err != nil {
		return err
	}
	if current, readErr := os.ReadFile(abs); readErr == nil && bytes.Equal(current, data) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("worktree: create parent of %s: %w", rel, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".tmp-*")
	if err != nil {
		return fmt.Errorf("worktree: temp file for %s: %w", rel, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("worktree: write %s: %w", rel, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("worktree: close temp for %s: %w", rel, err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("worktree: rename into %s: %w", rel, err)
	}
	return nil
}

// WriteExclusive writes data only when the file is absent or already
// holds exactly data. A file with different content fails with
// ErrContentMismatch. This is the create-flow write used by the saga step
// library: a retried step converges, a colliding record id does not.
func (t *Tree) WriteExclusive(rel string, data []byte) error {
	current, err := t.ReadFile(rel)
	switch {
	case err == nil:
		if bytes.Equal(current, data) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrContentMismatch, rel)
	case errors.Is(err, ErrNotFound):
		return t.WriteAtomic(rel, data)
	default:
		return err
	}
}

// Move renames src to dst. A dst already holding src's former content
// with src gone is success; a missing src with no dst is ErrNotFound.
func (t *Tree) Move(src, dst string) error {
	absSrc, err := t.Abs(src)
	if err != nil {
		return err
	}
	absDst, err := t.Abs(dst)
	if err != nil {
		return err
	}

	if _, err := os.Stat(absSrc); os.IsNotExist(err) {
		if _, dstErr := os.Stat(absDst); dstErr == nil {
			// A retried move finds its prior rename already applied.
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, src)
	}
	if err := os.MkdirAll(filepath.Dir(absDst), 0o755); err != nil {
		return fmt.Errorf("worktree: create parent of %s: %w", dst, err)
	}
	if err := os.Rename(absSrc, absDst); err != nil {
		return fmt.Errorf("worktree: move %s to %s: %w", src, dst, err)
	}
	return nil
}

// Remove deletes the file. Already-absent is success.
func (t *Tree) Remove(rel string) error {
	abs, err := t.Abs(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("worktree: remove %s: %w", rel, err)
	}
	return nil
}
