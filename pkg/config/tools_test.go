package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chitin-dev/chitin-agent/pkg/policy"
)

func TestLoadToolClassifications(t *testing.T) {
	project, home := isolate(t)

	classes, err := LoadToolClassifications("")
	require.NoError(t, err)
	assert.Empty(t, classes)

	writeFile(t, filepath.Join(home, ".config", "chitin", "tools.yaml"), `tools:
  read_file: {risk: low}
`)
	assert.Equal(t, filepath.Join(home, ".config", "chitin", "tools.yaml"), FindToolsFile())

	writeFile(t, filepath.Join(project, ".chitin", "tools.yaml"), `tools:
  read_file:
    risk: low
    category: filesystem
  delete_file:
    risk: critical
    category: filesystem
  fetch: {}
`)

	classes, err = LoadToolClassifications("")
	require.NoError(t, err)
	assert.Equal(t, map[string]policy.Classification{
		"read_file":   {Risk: policy.RiskLow, Category: "filesystem"},
		"delete_file": {Risk: policy.RiskCritical, Category: "filesystem"},
		"fetch":       {},
	}, classes)
}

func TestLoadToolClassificationsErrors(t *testing.T) {
	project, _ := isolate(t)

	bad := writeFile(t, filepath.Join(project, "bad-risk.yaml"), `tools:
  rm: {risk: apocalyptic}
`)
	_, err := LoadToolClassifications(bad)
	assert.ErrorContains(t, err, `tool rm: invalid risk level "apocalyptic"`)

	broken := writeFile(t, filepath.Join(project, "broken.yaml"), "tools: [\n")
	_, err = LoadToolClassifications(broken)
	assert.ErrorContains(t, err, "parsing")

	classes, err := LoadToolClassifications(filepath.Join(project, "missing.yaml"))
	require.NoError(t, err)
	assert.Empty(t, classes)
}

func TestPolicyFiles(t *testing.T) {
	project, home := isolate(t)
	assert.Empty(t, PolicyFiles())

	override := t.TempDir()
	t.Setenv(EnvPolicyPath, override)

	writeFile(t, filepath.Join(override, "b.yml"), "policies: []")
	writeFile(t, filepath.Join(override, "a.yaml"), "policies: []")
	writeFile(t, filepath.Join(override, "notes.txt"), "ignored")
	writeFile(t, filepath.Join(project, ".chitin", "policies", "project.yaml"), "policies: []")
	writeFile(t, filepath.Join(home, ".config", "chitin", "policies", "user.yaml"), "policies: []")

	assert.Equal(t, []string{
		filepath.Join(override, "a.yaml"),
		filepath.Join(override, "b.yml"),
		filepath.Join(".chitin", "policies", "project.yaml"),
		filepath.Join(home, ".config", "chitin", "policies", "user.yaml"),
	}, PolicyFiles())
}
