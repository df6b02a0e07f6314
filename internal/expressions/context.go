package expressions

import (
	"sort"

	"github.com/rendis/nodeflow/internal/nodedata"
)

// Context holds all data an expression can reach.
type Context struct {
	Steps     map[string]nodedata.NodeData // node ID -> latest output
	Input     *nodedata.NodeData           // trigger input envelope
	Secrets   map[string]string
	Current   *nodedata.NodeData // input of the node being processed ($json, $input)
	Variables map[string]any     // workflow-level variables (vars.*)
}

// WithCurrent returns a shallow copy of c whose $json/$input refer to nd.
func (c *Context) WithCurrent(nd nodedata.NodeData) *Context {
	cp := Context{}
	if c != nil {
		cp = *c
	}
	cp.Current = &nd
	return &cp
}

func (c *Context) stepIDs() []string {
	ids := make([]string, 0, len(c.Steps))
	for id := range c.Steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Context) secretNames() []string {
	names := make([]string, 0, len(c.Secrets))
	for k := range c.Secrets {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// current returns the envelope $json and $input refer to, falling back to
// the trigger input outside of node processing.
func (c *Context) current() *nodedata.NodeData {
	if c.Current != nil {
		return c.Current
	}
	return c.Input
}
