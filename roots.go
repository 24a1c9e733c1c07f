package mcpclient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gobwas/glob"
)

// StaticRoots returns a RootsProvider that always reports the given fixed set of
// roots.
func StaticRoots(roots ...Root) RootsProvider {
	return func(_ context.Context) ([]Root, error) {
		out := make([]Root, len(roots))
		copy(out, roots)
		return out, nil
	}
}

// DirRoots returns a RootsProvider exposing every immediate subdirectory of dir
// as a file:// root, named after the subdirectory. Subdirectories whose name
// matches one of the ignore glob patterns are skipped. The directory is listed
// on every call, so roots added or removed after construction are picked up.
func DirRoots(dir string, ignores ...string) (RootsProvider, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directory %q: %w", dir, err)
	}

	globs := make([]glob.Glob, 0, len(ignores))
	for _, pattern := range ignores {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile ignore pattern %q: %w", pattern, err)
		}
		globs = append(globs, g)
	}

	return func(_ context.Context) ([]Root, error) {
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, fmt.Errorf("failed to read directory %q: %w", abs, err)
		}

		var roots []Root
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			ignored := false
			for _, g := range globs {
				if g.Match(entry.Name()) {
					ignored = true
					break
				}
			}
			if ignored {
				continue
			}
			roots = append(roots, Root{
				URI:  "file://" + filepath.Join(abs, entry.Name()),
				Name: entry.Name(),
			})
		}
		return roots, nil
	}, nil
}
