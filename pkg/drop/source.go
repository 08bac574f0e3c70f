// Package drop turns paths on the local disk into the entries of a drop.
package drop

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"dropxfer/pkg/transfer"
)

type localFile struct {
	path string
	size int64
}

func (f *localFile) Size() int64 { return f.size }

func (f *localFile) ReadAll(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.ReadFile(f.path)
}

// PathSource yields every file and directory below the given paths. Each path becomes a
// root of the drop named after its base name.
type PathSource struct {
	Paths []string
}

func NewPathSource(paths ...string) *PathSource {
	return &PathSource{Paths: paths}
}

func (s *PathSource) Entries(ctx context.Context) ([]transfer.DropEntry, error) {
	var entries []transfer.DropEntry
	for _, p := range s.Paths {
		root := filepath.Clean(p)
		parent := filepath.Dir(root)

		err := filepath.WalkDir(root, func(current string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}

			rel, err := filepath.Rel(parent, current)
			if err != nil {
				return fmt.Errorf("relative path of %s: %w", current, err)
			}
			rel = filepath.ToSlash(rel)

			if d.IsDir() {
				entries = append(entries, transfer.DropEntry{RelativePath: rel, IsDirectory: true})
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}

			info, err := d.Info()
			if err != nil {
				return fmt.Errorf("stat %s: %w", current, err)
			}
			entries = append(entries, transfer.DropEntry{
				RelativePath: rel,
				File:         &localFile{path: current, size: info.Size()},
			})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	return entries, nil
}
