package files

import (
	"os"
	"path/filepath"
)

// FindUp searches for a file named name in dir and each of its ancestors,
// returning the full path of the first match or "" when the filesystem root
// is reached without one. Unreadable directories are skipped.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		entries, err := os.ReadDir(curDir)
		if err == nil {
			for _, e := range entries {
				if name == e.Name() && !e.IsDir() {
					return filepath.Join(curDir, name)
				}
			}
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
