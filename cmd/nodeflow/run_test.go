package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetYAML = `id: greet
nodes:
  - id: start
    type: start
  - id: greet
    type: set
    config:
      values:
        greeting: "hello {{input.name}}"
        count: 2
  - id: end
    type: end
edges:
  - source: start
    target: greet
  - source: greet
    target: end
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	base := []string{"--db", memoryDB, "--config", filepath.Join(t.TempDir(), "none.json"), "--log-level", "error"}
	cmd.SetArgs(append(args, base...))
	err := cmd.Execute()
	return out.String(), err
}

func TestLoadGraph(t *testing.T) {
	g, err := loadGraph(writeFile(t, "greet.yaml", greetYAML), nil)
	require.NoError(t, err)
	assert.Equal(t, "greet", g.ID)
	require.Len(t, g.Nodes, 3)
	assert.Equal(t, "greet", g.Edges[1].Source)

	js := `{"id":"j","nodes":[{"id":"start","type":"start"}],"edges":[]}`
	g, err = loadGraph(writeFile(t, "g.json", js), nil)
	require.NoError(t, err)
	assert.Equal(t, "j", g.ID)

	g, err = loadGraph("-", strings.NewReader(greetYAML))
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 3)

	_, err = loadGraph(writeFile(t, "empty.yaml", "id: nothing\n"), nil)
	assert.Error(t, err)

	_, err = loadGraph(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestParseInput(t *testing.T) {
	v, err := parseInput(`{"name":"ada"}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "ada"}, v)

	v, err = parseInput("  ")
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = parseInput("{")
	assert.Error(t, err)
}

func TestRunCommand(t *testing.T) {
	path := writeFile(t, "greet.yaml", greetYAML)
	out, err := runCLI(t, "", "run", path, "--input", `{"name":"ada"}`)
	require.NoError(t, err, out)

	var exec map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &exec))
	assert.Equal(t, "completed", exec["status"])
	assert.Equal(t, map[string]any{"greeting": "hello ada", "count": float64(2)}, exec["output"])
}

func TestRunNodeCommand(t *testing.T) {
	out, err := runCLI(t, greetYAML, "run-node", "-", "greet", "--input", `{"name":"bo"}`)
	require.NoError(t, err, out)

	var exec map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &exec))
	assert.Len(t, exec["trace"], 2)
}

func TestRunCommand_Failure(t *testing.T) {
	bad := strings.Replace(greetYAML, "type: set", "type: unheard-of", 1)
	out, err := runCLI(t, "", "run", writeFile(t, "bad.yaml", bad))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	assert.Contains(t, out, `"status": "failed"`)
}

func TestDiagramCommand(t *testing.T) {
	out, err := runCLI(t, "", "diagram", writeFile(t, "greet.yaml", greetYAML))
	require.NoError(t, err, out)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, `greet["greet"]`)
	assert.Contains(t, out, "greet --> end_")
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "nodeflow "+version)
}
