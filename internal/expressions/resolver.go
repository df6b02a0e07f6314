package expressions

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rendis/nodeflow/internal/nodedata"
)

// ErrorMode selects what happens when an expression cannot be resolved.
type ErrorMode string

const (
	// ErrorModeThrow aborts resolution with an *ExpressionResolutionError.
	ErrorModeThrow ErrorMode = "throw"
	// ErrorModeWarn logs and substitutes an empty string (or keeps the
	// expression text when KeepUnresolved is set). This is the default.
	ErrorModeWarn ErrorMode = "warn"
	// ErrorModeFallback substitutes Options.Fallback.
	ErrorModeFallback ErrorMode = "fallback"
)

// Options control a single resolution call.
type Options struct {
	OnError        ErrorMode `json:"onError,omitempty"`
	Fallback       string    `json:"fallbackValue,omitempty"`
	KeepUnresolved bool      `json:"keepUnresolved,omitempty"`
	Debug          bool      `json:"debug,omitempty"`
}

// ExpressionTrace records how one expression resolved in debug mode.
type ExpressionTrace struct {
	Expression string        `json:"expression"`
	Value      any           `json:"value"`
	Resolved   bool          `json:"resolved"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Resolution is the outcome of Resolve. Trace is only filled in debug mode.
type Resolution struct {
	Result string            `json:"result"`
	Trace  []ExpressionTrace `json:"trace,omitempty"`
}

// Resolver expands {{...}} expressions in node configuration.
type Resolver struct {
	logger *slog.Logger
}

// NewResolver creates a Resolver. A nil logger logs to stderr.
func NewResolver(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Resolver{logger: logger}
}

// HasExpressions reports whether s contains a {{...}} reference.
func HasExpressions(s string) bool {
	i := strings.Index(s, "{{")
	return i >= 0 && strings.Contains(s[i+2:], "}}")
}

// token is one {{...}} occurrence in a template.
type token struct {
	start, end int // byte offsets of "{{" and just past "}}"
	body       string
}

func scan(text string) []token {
	var toks []token
	i := 0
	for i < len(text) {
		open := strings.Index(text[i:], "{{")
		if open == -1 {
			break
		}
		open += i
		closing := strings.Index(text[open+2:], "}}")
		if closing == -1 {
			break
		}
		closing += open + 2
		toks = append(toks, token{start: open, end: closing + 2, body: text[open+2 : closing]})
		i = closing + 2
	}
	return toks
}

// Resolve replaces every {{...}} in text. Resolved values are rendered as
// text: scalars verbatim, arrays and objects as JSON.
func (r *Resolver) Resolve(ctx context.Context, text string, rc *Context, opts Options) (Resolution, error) {
	if rc == nil {
		rc = &Context{}
	}
	toks := scan(text)
	if len(toks) == 0 {
		return Resolution{Result: text}, nil
	}

	var out strings.Builder
	out.Grow(len(text))
	var res Resolution
	last := 0
	for _, tok := range toks {
		out.WriteString(text[last:tok.start])
		last = tok.end

		v, ok, err := r.resolveOne(ctx, tok.body, rc, opts, &res)
		if err != nil {
			return Resolution{}, err
		}
		switch {
		case ok:
			out.WriteString(v.Text())
		case opts.OnError == ErrorModeFallback:
			out.WriteString(opts.Fallback)
		case opts.KeepUnresolved:
			out.WriteString(text[tok.start:tok.end])
		}
	}
	out.WriteString(text[last:])
	res.Result = out.String()
	return res, nil
}

// ResolveValue resolves text to a typed value. When text is exactly one
// expression the referenced value is returned unchanged (arrays stay
// arrays); otherwise the interpolated string is returned.
func (r *Resolver) ResolveValue(ctx context.Context, text string, rc *Context, opts Options) (nodedata.Value, error) {
	if rc == nil {
		rc = &Context{}
	}
	trimmed := strings.TrimSpace(text)
	toks := scan(trimmed)
	if len(toks) != 1 || toks[0].start != 0 || toks[0].end != len(trimmed) {
		res, err := r.Resolve(ctx, text, rc, opts)
		if err != nil {
			return nodedata.Null, err
		}
		return nodedata.String(res.Result), nil
	}

	v, ok, err := r.resolveOne(ctx, toks[0].body, rc, opts, nil)
	if err != nil {
		return nodedata.Null, err
	}
	switch {
	case ok:
		return v, nil
	case opts.OnError == ErrorModeFallback:
		return nodedata.String(opts.Fallback), nil
	case opts.KeepUnresolved:
		return nodedata.String(text), nil
	}
	return nodedata.Null, nil
}

// ResolveConfig walks a node config and resolves every string containing an
// expression. The input map is not modified.
func (r *Resolver) ResolveConfig(ctx context.Context, config map[string]any, rc *Context, opts Options) (map[string]any, error) {
	out, err := r.resolveAny(ctx, config, rc, opts)
	if err != nil {
		return nil, err
	}
	m, _ := out.(map[string]any)
	return m, nil
}

func (r *Resolver) resolveAny(ctx context.Context, v any, rc *Context, opts Options) (any, error) {
	switch x := v.(type) {
	case string:
		if !HasExpressions(x) {
			return x, nil
		}
		resolved, err := r.ResolveValue(ctx, x, rc, opts)
		if err != nil {
			return nil, err
		}
		return resolved.Any(), nil
	case map[string]any:
		if x == nil {
			return map[string]any(nil), nil
		}
		out := make(map[string]any, len(x))
		for k, item := range x {
			resolved, err := r.resolveAny(ctx, item, rc, opts)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			resolved, err := r.resolveAny(ctx, item, rc, opts)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	}
	return v, nil
}

// resolveOne evaluates one expression body under the error mode. ok is
// false when the expression did not resolve and the mode swallowed it.
func (r *Resolver) resolveOne(ctx context.Context, body string, rc *Context, opts Options, res *Resolution) (nodedata.Value, bool, error) {
	start := time.Now()
	v, rerr := evaluate(body, rc)

	if opts.Debug && res != nil {
		entry := ExpressionTrace{
			Expression: strings.TrimSpace(body),
			Resolved:   rerr == nil,
			Duration:   time.Since(start),
		}
		if rerr == nil {
			entry.Value = v.Any()
		} else {
			entry.Error = rerr.Error()
		}
		res.Trace = append(res.Trace, entry)
	}

	if rerr == nil {
		return v, true, nil
	}

	switch opts.OnError {
	case ErrorModeThrow:
		return nodedata.Null, false, rerr
	case ErrorModeFallback:
		r.logger.DebugContext(ctx, "expression unresolved, using fallback",
			slog.String("expression", rerr.Expression),
			slog.String("reason", string(rerr.Reason)))
	default:
		r.logger.WarnContext(ctx, "expression unresolved",
			slog.String("expression", rerr.Expression),
			slog.String("reason", string(rerr.Reason)),
			slog.String("error", rerr.Message))
	}
	return nodedata.Null, false, nil
}
