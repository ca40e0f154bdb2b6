package config

import (
	"os"
	"path/filepath"
	"sort"
)

// PolicyFiles lists policy documents in resolution order: the directory named
// by CHITIN_POLICY_PATH, the project .chitin/policies and the user
// ~/.config/chitin/policies. Within a directory files are sorted by name.
func PolicyFiles() []string {
	var dirs []string
	if dir := os.Getenv(EnvPolicyPath); dir != "" {
		dirs = append(dirs, dir)
	}
	for _, dir := range searchDirs() {
		dirs = append(dirs, filepath.Join(dir, "policies"))
	}

	var files []string
	for _, dir := range dirs {
		files = append(files, policyFilesIn(dir)...)
	}
	return files
}

func policyFilesIn(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files
}
