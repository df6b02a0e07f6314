package expressions

import (
	"sync"

	"github.com/rendis/nodeflow/pkg/schema"
)

// programCache memoizes compiled programs by expression text. Failed
// compilations are not cached. The zero value is ready to use.
type programCache[P any] struct {
	mu    sync.RWMutex
	progs map[string]P
}

func (c *programCache[P]) get(expression string, compile func(string) (P, error)) (P, error) {
	c.mu.RLock()
	p, ok := c.progs[expression]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.progs[expression]; ok {
		return p, nil
	}
	p, err := compile(expression)
	if err != nil {
		return p, err
	}
	if c.progs == nil {
		c.progs = make(map[string]P)
	}
	c.progs[expression] = p
	return p, nil
}

func (c *programCache[P]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.progs)
}

// compileError is the VALIDATION error of an expression that does not
// compile; it fails the node before anything is evaluated.
func compileError(language, expression string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "%s compile error in %q: %s", language, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression, "language": language})
}
