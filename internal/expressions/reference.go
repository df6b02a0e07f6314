package expressions

import (
	"regexp"
	"strings"

	"github.com/rendis/nodeflow/internal/nodedata"
)

var namespaces = []string{"steps", "input", "secrets", "secret:", "vars", "$json", "$node", "$input"}

// legacyDataRef matches steps.<id>.data where data directly follows the node
// id, leaving steps.<id>.json.data untouched.
var legacyDataRef = regexp.MustCompile(`\bsteps\.([A-Za-z0-9_\-]+)\.data\b`)

// RewriteLegacy rewrites steps.<id>.data... references to steps.<id>.json....
func RewriteLegacy(expression string) string {
	if !strings.Contains(expression, ".data") {
		return expression
	}
	return legacyDataRef.ReplaceAllString(expression, "steps.$1.json")
}

// evaluate resolves a single expression body (without braces).
func evaluate(expression string, rc *Context) (nodedata.Value, *ExpressionResolutionError) {
	expr := strings.TrimSpace(RewriteLegacy(expression))
	if expr == "" {
		return nodedata.Null, newResolutionError(expression, ReasonInvalidPath, "empty expression")
	}

	switch {
	case strings.HasPrefix(expr, "secret:"):
		return resolveSecret(expression, strings.TrimSpace(strings.TrimPrefix(expr, "secret:")), rc)
	case expr == "secrets" || strings.HasPrefix(expr, "secrets."):
		return resolveSecret(expression, strings.TrimPrefix(strings.TrimPrefix(expr, "secrets"), "."), rc)
	case hasRoot(expr, "steps"):
		return resolveSteps(expression, strings.TrimPrefix(expr, "steps"), rc)
	case hasRoot(expr, "input"):
		return resolveEnvelope(expression, rc.Input, strings.TrimPrefix(expr, "input"), "input")
	case hasRoot(expr, "vars"):
		return resolveIn(expression, nodedata.FromAny(rc.Variables), strings.TrimPrefix(expr, "vars"))
	case hasRoot(expr, "$json"):
		cur := rc.current()
		if cur == nil {
			return nodedata.Null, newResolutionError(expression, ReasonNotFound, "no current input")
		}
		return resolveIn(expression, cur.JSON, strings.TrimPrefix(expr, "$json"))
	case strings.HasPrefix(expr, "$node"):
		return resolveNodeProxy(expression, strings.TrimPrefix(expr, "$node"), rc)
	case hasRoot(expr, "$input"):
		return resolveInputProxy(expression, strings.TrimPrefix(expr, "$input"), rc)
	}

	root := expr
	if i := strings.IndexAny(root, ".["); i >= 0 {
		root = root[:i]
	}
	err := newResolutionError(expression, ReasonInvalidPath, "unknown namespace %q", root)
	err.AvailablePaths = namespaces
	return nodedata.Null, err
}

// hasRoot reports whether expr is root itself or root followed by a path.
func hasRoot(expr, root string) bool {
	if !strings.HasPrefix(expr, root) {
		return false
	}
	rest := expr[len(root):]
	return rest == "" || rest[0] == '.' || rest[0] == '['
}

func resolveSecret(expression, name string, rc *Context) (nodedata.Value, *ExpressionResolutionError) {
	if name == "" {
		return nodedata.Null, newResolutionError(expression, ReasonInvalidPath, "secret name is empty")
	}
	v, ok := rc.Secrets[name]
	if !ok {
		err := newResolutionError(expression, ReasonNotFound, "secret %q not found", name)
		err.AvailablePaths = rc.secretNames()
		return nodedata.Null, err
	}
	return nodedata.String(v), nil
}

// resolveSteps handles everything after "steps": .<id>[.path] or ["<id>"][.path].
func resolveSteps(expression, rest string, rc *Context) (nodedata.Value, *ExpressionResolutionError) {
	id, path, ok := splitNodeRef(rest)
	if !ok || id == "" {
		return nodedata.Null, newResolutionError(expression, ReasonInvalidPath, "expected steps.<nodeId>")
	}
	nd, found := rc.Steps[id]
	if !found {
		err := newResolutionError(expression, ReasonMissingNode, "node %q has no output", id)
		err.AvailableNodes = rc.stepIDs()
		return nodedata.Null, err
	}
	return resolveEnvelope(expression, &nd, path, id)
}

// splitNodeRef splits `.id.rest` or `["id"].rest` into the id and the
// remaining path (with its leading separator).
func splitNodeRef(rest string) (id, path string, ok bool) {
	switch {
	case strings.HasPrefix(rest, "."):
		rest = rest[1:]
		end := strings.IndexAny(rest, ".[")
		if end == -1 {
			return rest, "", true
		}
		return rest[:end], rest[end:], true
	case strings.HasPrefix(rest, "["):
		end := strings.IndexByte(rest, ']')
		if end == -1 {
			return "", "", false
		}
		inner := strings.TrimSpace(rest[1:end])
		if len(inner) >= 2 && (inner[0] == '"' || inner[0] == '\'') && inner[len(inner)-1] == inner[0] {
			inner = inner[1 : len(inner)-1]
		}
		return inner, rest[end+1:], true
	}
	return "", "", false
}

// resolveEnvelope navigates an envelope. A leading json segment is optional;
// a leading metadata segment switches to the metadata record.
func resolveEnvelope(expression string, nd *nodedata.NodeData, path, owner string) (nodedata.Value, *ExpressionResolutionError) {
	if nd == nil {
		return nodedata.Null, newResolutionError(expression, ReasonNotFound, "%s is not available", owner)
	}
	path = strings.TrimPrefix(path, ".")
	switch {
	case path == "json" || strings.HasPrefix(path, "json.") || strings.HasPrefix(path, "json["):
		return resolveIn(expression, nd.JSON, strings.TrimPrefix(path, "json"))
	case path == "metadata" || strings.HasPrefix(path, "metadata.") || strings.HasPrefix(path, "metadata["):
		return resolveIn(expression, nd.MetadataValue(), strings.TrimPrefix(path, "metadata"))
	}
	return resolveIn(expression, nd.JSON, path)
}

// resolveIn navigates path (with or without a leading dot) inside root.
func resolveIn(expression string, root nodedata.Value, path string) (nodedata.Value, *ExpressionResolutionError) {
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return root, nil
	}
	segs, err := parsePath(path)
	if err != nil {
		return nodedata.Null, newResolutionError(expression, ReasonInvalidPath, "%s", err.Error())
	}
	v, navErr := navigate(root, segs)
	if navErr != nil {
		rerr := newResolutionError(expression, navErr.reason, "%s", navErr.message)
		rerr.AvailablePaths = navErr.available
		return nodedata.Null, rerr
	}
	return v, nil
}

// resolveNodeProxy handles $node["id"].json..., $node['id'] and $node.id.
func resolveNodeProxy(expression, rest string, rc *Context) (nodedata.Value, *ExpressionResolutionError) {
	id, path, ok := splitNodeRef(rest)
	if !ok || id == "" {
		return nodedata.Null, newResolutionError(expression, ReasonInvalidPath, `expected $node["<nodeId>"]`)
	}
	nd, found := rc.Steps[id]
	if !found {
		err := newResolutionError(expression, ReasonMissingNode, "node %q has no output", id)
		err.AvailableNodes = rc.stepIDs()
		return nodedata.Null, err
	}
	return resolveEnvelope(expression, &nd, path, id)
}

// resolveInputProxy handles $input.first(), $input.last(), $input.all() and
// $input.item. Items are the elements of the current payload when it is an
// array, otherwise the payload itself.
func resolveInputProxy(expression, rest string, rc *Context) (nodedata.Value, *ExpressionResolutionError) {
	cur := rc.current()
	if cur == nil {
		return nodedata.Null, newResolutionError(expression, ReasonNotFound, "no current input")
	}
	items := []nodedata.Value{cur.JSON}
	if arr, ok := cur.JSON.AsArray(); ok {
		items = arr
	}

	var item nodedata.Value
	switch {
	case strings.HasPrefix(rest, ".first()"):
		rest = strings.TrimPrefix(rest, ".first()")
		if len(items) == 0 {
			return nodedata.Null, newResolutionError(expression, ReasonNotFound, "input has no items")
		}
		item = items[0]
	case strings.HasPrefix(rest, ".last()"):
		rest = strings.TrimPrefix(rest, ".last()")
		if len(items) == 0 {
			return nodedata.Null, newResolutionError(expression, ReasonNotFound, "input has no items")
		}
		item = items[len(items)-1]
	case strings.HasPrefix(rest, ".item"):
		rest = strings.TrimPrefix(rest, ".item")
		if len(items) == 0 {
			return nodedata.Null, newResolutionError(expression, ReasonNotFound, "input has no items")
		}
		item = items[0]
	case strings.HasPrefix(rest, ".all()"):
		return resolveIn(expression, nodedata.Array(items...), strings.TrimPrefix(rest, ".all()"))
	default:
		err := newResolutionError(expression, ReasonInvalidPath, "unsupported $input accessor")
		err.AvailablePaths = []string{"first()", "last()", "all()", "item"}
		return nodedata.Null, err
	}

	rest = strings.TrimPrefix(rest, ".")
	if rest == "json" || strings.HasPrefix(rest, "json.") || strings.HasPrefix(rest, "json[") {
		rest = strings.TrimPrefix(rest, "json")
	}
	return resolveIn(expression, item, rest)
}
