package disk

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

type cacheEntry struct {
	path    string
	size    int64
	modTime time.Time
}

func dirSize(root string) (int64, error) {
	_, total, err := scanDir(root)
	return total, err
}

// scanDir lists every committed cache file under root. In-progress temp
// files are ignored.
func scanDir(root string) ([]cacheEntry, int64, error) {
	entries := make([]cacheEntry, 0)
	var total int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		total += info.Size()
		entries = append(entries, cacheEntry{
			path:    path,
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		return nil
	})
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	return entries, total, err
}

// sortByRecency orders entries oldest first, breaking ties by path.
func sortByRecency(entries []cacheEntry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].modTime.Equal(entries[j].modTime) {
			return entries[i].path < entries[j].path
		}
		return entries[i].modTime.Before(entries[j].modTime)
	})
}

// pruneDir removes the oldest files under root until at most targetBytes
// remain. The file at keep is never removed.
func pruneDir(root string, targetBytes int64, keep string) (evicted []cacheEntry, remaining int64, err error) {
	if targetBytes < 0 {
		targetBytes = 0
	}

	entries, total, err := scanDir(root)
	if err != nil {
		return nil, 0, err
	}

	remaining = total
	if remaining <= targetBytes {
		return nil, remaining, nil
	}

	sortByRecency(entries)

	for _, entry := range entries {
		if remaining <= targetBytes {
			break
		}
		if entry.path == keep {
			continue
		}
		if err := os.Remove(entry.path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				remaining -= entry.size
				continue
			}
			return evicted, remaining, err
		}
		remaining -= entry.size
		evicted = append(evicted, entry)
	}

	return evicted, remaining, nil
}
