package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ReadConfigFiles returns the contents of path. A directory is walked in
// lexical order and only its .yml and .yaml files are read, a file named
// directly is read whatever its extension.
func ReadConfigFiles(path string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(path, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if e.IsDir() {
			return nil
		}
		if p != path && !isYAML(p) {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("problem while reading %s: %w", path, err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}

	read := make([]string, len(files))
	for i, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		read[i] = string(b)
	}
	return read, nil
}

func isYAML(path string) bool {
	switch filepath.Ext(path) {
	case ".yml", ".yaml":
		return true
	}
	return false
}
