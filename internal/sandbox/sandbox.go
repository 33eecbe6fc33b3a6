// Package sandbox confines file operations to a single root directory.
//
// Every path handed to ReadText or WriteText is a Path, and the only way to
// obtain a Path is Sandbox.Resolve, which checks the fully resolved location
// (symlinks included) against the root. A Path therefore always points at the
// root itself or somewhere beneath it.
package sandbox

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ashita-ai/toolgate/internal/capability"
)

const guardName = "sandbox"

var (
	// ErrEscape is returned when a path resolves outside the sandbox root.
	ErrEscape = errors.New("path escapes sandbox root")

	// ErrProtected is returned when a write targets a protected subtree.
	ErrProtected = errors.New("path is read-only")
)

// Sandbox resolves caller-supplied relative paths against a fixed root.
// It holds no mutable state after construction and is safe for concurrent use.
type Sandbox struct {
	root      string   // absolute, symlink-free
	protected []string // absolute, symlink-free; writes refused at or below these
}

// Path is a location proven to be inside a Sandbox root.
type Path struct {
	abs string
	rel string
}

// Abs returns the resolved absolute path on disk.
func (p Path) Abs() string { return p.abs }

// Rel returns the path relative to the sandbox root, using forward slashes.
func (p Path) Rel() string { return p.rel }

// New creates the root directory if needed and returns a Sandbox for it.
func New(root string) (*Sandbox, error) {
	if root == "" {
		return nil, errors.New("sandbox: root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("sandbox: abs root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve root: %w", err)
	}
	return &Sandbox{root: resolved}, nil
}

// Root returns the resolved absolute root directory.
func (s *Sandbox) Root() string { return s.root }

// Protect marks rel (and everything beneath it) as read-only for WriteText.
// It must be called before the sandbox is shared between goroutines.
func (s *Sandbox) Protect(rel string) error {
	p, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	s.protected = append(s.protected, p.abs)
	return nil
}

// Resolve joins rel onto the root, resolves symlinks and verifies the result
// is the root or lies beneath it. Absolute inputs are rejected outright.
func (s *Sandbox) Resolve(rel string) (Path, error) {
	if filepath.IsAbs(rel) || strings.HasPrefix(rel, "/") || strings.HasPrefix(rel, `\`) {
		return Path{}, capability.Deny(guardName, "path_escape", ErrEscape)
	}

	joined := filepath.Join(s.root, rel)
	resolved, err := resolveExisting(joined)
	if err != nil {
		var pe *fs.PathError
		if errors.As(err, &pe) {
			err = pe.Err
		}
		return Path{}, fmt.Errorf("sandbox: resolve %q: %w", rel, err)
	}
	if !within(s.root, resolved) {
		return Path{}, capability.Deny(guardName, "path_escape", ErrEscape)
	}

	r, err := filepath.Rel(s.root, resolved)
	if err != nil {
		return Path{}, capability.Deny(guardName, "path_escape", ErrEscape)
	}
	return Path{abs: resolved, rel: filepath.ToSlash(r)}, nil
}

// ReadText returns the full contents of p.
func (s *Sandbox) ReadText(p Path) (string, error) {
	data, err := os.ReadFile(p.abs)
	if err != nil {
		return "", relError(p, err)
	}
	return string(data), nil
}

// WriteText replaces the contents of p, creating parent directories as needed.
// Concurrent writers to the same path race; the last write wins.
func (s *Sandbox) WriteText(p Path, content string) error {
	for _, dir := range s.protected {
		if within(dir, p.abs) {
			return capability.Deny(guardName, "protected_path", ErrProtected)
		}
	}
	if err := os.MkdirAll(filepath.Dir(p.abs), 0o755); err != nil {
		return relError(p, err)
	}
	if err := os.WriteFile(p.abs, []byte(content), 0o644); err != nil {
		return relError(p, err)
	}
	return nil
}

// maxLinkHops bounds manual symlink chasing for dangling links.
const maxLinkHops = 64

// resolveExisting evaluates symlinks on the longest existing prefix of path
// and re-appends the components that do not exist yet. A dangling symlink is
// followed by hand so that writing through it cannot land outside the root.
func resolveExisting(path string) (string, error) {
	var missing []string
	cur := path
	for hops := 0; ; {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, missing[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&fs.ModeSymlink != 0 {
			if hops++; hops > maxLinkHops {
				return "", errors.New("too many levels of symbolic links")
			}
			target, err := os.Readlink(cur)
			if err != nil {
				return "", err
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(cur), target)
			}
			cur = target
			continue
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", err
		}
		missing = append(missing, filepath.Base(cur))
		cur = parent
	}
}

// within reports whether path equals dir or sits beneath it. The separator
// check keeps "/srv/root-evil" from matching "/srv/root".
func within(dir, path string) bool {
	if path == dir {
		return true
	}
	prefix := dir
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

// relError rewrites OS errors to mention the sandbox-relative path instead of
// the host path.
func relError(p Path, err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return &fs.PathError{Op: pe.Op, Path: p.rel, Err: pe.Err}
	}
	return fmt.Errorf("sandbox: %s: %w", p.rel, err)
}
