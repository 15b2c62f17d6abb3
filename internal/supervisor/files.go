package supervisor

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// FindLuaFiles lists the .lua files under root as paths relative to root.
// Hidden directories are skipped. A traversal error is logged and yields an
// empty list.
func (s *Supervisor) FindLuaFiles(root string) []string {
	files, err := ScanLuaFiles(root)
	if err != nil {
		s.logger.Error("scanning for lua files failed", "dir", root, "error", err)
		return []string{}
	}
	return files
}

// ScanLuaFiles is FindLuaFiles without the error handling.
func ScanLuaFiles(root string) ([]string, error) {
	files := []string{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(d.Name()) != ".lua" {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}
