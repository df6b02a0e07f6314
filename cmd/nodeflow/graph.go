package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/nodeflow/pkg/schema"
)

// loadGraph reads a workflow graph from a .json, .yaml or .yml file, or
// from stdin when path is "-". Stdin and unknown extensions are parsed as
// YAML, which also accepts JSON.
func loadGraph(path string, stdin io.Reader) (*schema.WorkflowGraph, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read graph: %w", err)
	}

	var g schema.WorkflowGraph
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &g); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse graph %s: %v", path, err)
		}
	} else if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse graph %s: %v", path, err)
	}
	if len(g.Nodes) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "graph %s has no nodes", path)
	}
	return &g, nil
}

// parseInput decodes the --input JSON argument. Empty input is nil.
func parseInput(raw string) (any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "input is not valid JSON: %v", err)
	}
	return v, nil
}
