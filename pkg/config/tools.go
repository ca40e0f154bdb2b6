package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/chitin-dev/chitin-agent/pkg/policy"
)

type toolsFile struct {
	Tools map[string]policy.Classification `yaml:"tools"`
}

// FindToolsFile returns the project tools.yaml, then the user one, or "".
func FindToolsFile() string {
	for _, dir := range searchDirs() {
		path := filepath.Join(dir, "tools.yaml")
		if fileExists(path) {
			return path
		}
	}
	return ""
}

// LoadToolClassifications reads the risk classification of each tool. A
// missing file yields an empty map.
func LoadToolClassifications(path string) (map[string]policy.Classification, error) {
	if path == "" {
		path = FindToolsFile()
	}
	if path == "" {
		return map[string]policy.Classification{}, nil
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]policy.Classification{}, nil
		}
		return nil, err
	}

	var file toolsFile
	if err := yaml.Unmarshal(buf, &file); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if file.Tools == nil {
		file.Tools = map[string]policy.Classification{}
	}
	for name, c := range file.Tools {
		if c.Risk != "" && !c.Risk.Valid() {
			return nil, fmt.Errorf("%s: tool %s: invalid risk level %q", path, name, c.Risk)
		}
	}
	return file.Tools, nil
}
