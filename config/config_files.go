package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
)

// ReadConfigFiles finds all yaml files within path and returns their contents in lexical order of their absolute
// paths. A path naming a file directly is read whatever its extension.
func ReadConfigFiles(path string) ([]string, error) {
	files, err := resolve(path, true)
	if err != nil {
		return nil, err
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no config files found at %s", path)
	}

	slices.Sort(files)

	raw := make([]string, 0, len(files))
	for _, file := range files {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		raw = append(raw, string(b))
	}

	return raw, nil
}

// direct signifies if this is the config path directly specified by the user,
// versus a file/dir found by recursing into that path
func resolve(path string, direct bool) ([]string, error) {
	i, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if !i.IsDir() {
		if f, ok := checkFile(path, direct); ok {
			return []string{f}, nil
		}
		return nil, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("problem while reading directory %s: %w", path, err)
	}

	var files []string
	for _, e := range entries {
		f, err := resolve(filepath.Join(path, e.Name()), false)
		if err != nil {
			return nil, err
		}
		files = append(files, f...)
	}

	return files, nil
}

// checkFile returns the absolute name of the file and whether it should be
// read as config.
func checkFile(path string, direct bool) (string, bool) {
	ext := filepath.Ext(path)

	if !direct && ext != ".yaml" && ext != ".yml" {
		return "", false
	}

	ap, err := filepath.Abs(path)
	if err != nil {
		return "", false
	}

	return ap, true
}
