package transfer

import (
	"fmt"
	"path"
	"slices"
	"strings"
)

// standaloneKeyPrefix starts every standalone bundle key. Folder keys are a single path
// segment and never contain a slash, so the two namespaces cannot meet.
const standaloneKeyPrefix = "/"

// Bundle groups the entries sharing a top-level folder, or holds one standalone file.
type Bundle struct {
	Key        string
	RootName   string
	Standalone bool
	Entries    []DropEntry
}

// FileStats returns the byte total and count of the file entries in the bundle.
func (b *Bundle) FileStats() (totalBytes int64, fileCount int) {
	for _, e := range b.Entries {
		if e.IsDirectory || e.File == nil {
			continue
		}
		totalBytes += e.File.Size()
		fileCount++
	}
	return totalBytes, fileCount
}

// Label is the display name of a bundle task.
func (b *Bundle) Label() string {
	_, n := b.FileStats()
	if n == 1 {
		return b.RootName
	}
	return fmt.Sprintf("%s (%d files)", b.RootName, n)
}

func splitPath(relativePath string) []string {
	return strings.Split(relativePath, "/")
}

// Depth is the number of path segments; an empty path has depth 1.
func Depth(relativePath string) int {
	return len(splitPath(relativePath))
}

// BundleKey returns the key of the bundle an entry belongs to.
func BundleKey(e DropEntry) (key string, standalone bool) {
	parts := splitPath(e.RelativePath)
	if len(parts) > 1 || e.IsDirectory {
		return parts[0], false
	}
	return standaloneKeyPrefix + e.RelativePath, true
}

// escapesRoot reports whether relativePath resolves above the directory it is joined to.
func escapesRoot(relativePath string) bool {
	if relativePath == "" {
		return false
	}
	cleaned := path.Clean(relativePath)
	return cleaned == ".." || strings.HasPrefix(cleaned, "../")
}

// Classify groups entries into bundles. The returned keys follow the first appearance
// of each bundle in entries. A relative path dropped twice is rejected with
// ErrDuplicateRoot since both copies would land on the same destination path, and a
// path climbing out of the destination with ErrMalformedPath.
func Classify(entries []DropEntry) (map[string]*Bundle, []string, error) {
	bundles := make(map[string]*Bundle)
	var order []string
	seen := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		if escapesRoot(e.RelativePath) {
			return nil, nil, fmt.Errorf("%w: %s", ErrMalformedPath, e.RelativePath)
		}
		if _, dup := seen[e.RelativePath]; dup {
			return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateRoot, e.RelativePath)
		}
		seen[e.RelativePath] = struct{}{}

		key, standalone := BundleKey(e)
		b, ok := bundles[key]
		if !ok {
			root := key
			if standalone {
				root = e.RelativePath
			}
			b = &Bundle{Key: key, RootName: root, Standalone: standalone}
			bundles[key] = b
			order = append(order, key)
		}
		b.Entries = append(b.Entries, e)
	}
	return bundles, order, nil
}

// CompareEntries orders directories before files and shallower paths before deeper ones.
func CompareEntries(a, b DropEntry) int {
	if a.IsDirectory != b.IsDirectory {
		if a.IsDirectory {
			return -1
		}
		return 1
	}
	return Depth(a.RelativePath) - Depth(b.RelativePath)
}

// SortEntries returns a copy of entries in execution order. Equal entries keep their
// input order.
func SortEntries(entries []DropEntry) []DropEntry {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, CompareEntries)
	return sorted
}

// ancestors returns the parent directories of relativePath below base, shallowest first.
func ancestors(base, relativePath string) []string {
	parts := splitPath(relativePath)
	if len(parts) < 2 {
		return nil
	}
	dirs := make([]string, 0, len(parts)-1)
	current := base
	for _, p := range parts[:len(parts)-1] {
		current = joinPath(current, p)
		dirs = append(dirs, current)
	}
	return dirs
}

// joinPath joins slash separated destination paths, keeping a bare "/" root intact.
func joinPath(base, name string) string {
	if base == "" {
		return name
	}
	return path.Join(base, name)
}
