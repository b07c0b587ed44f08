package nn

import (
	"errors"
	"fmt"

	"github.com/fumitoshi0524/ipadapter/tensor"
)

// ErrMissingContext is returned when a module reads a context value that
// nobody published during the current run.
var ErrMissingContext = errors.New("nn: context value not set")

// Context carries the values published during one forward pass. Modules
// receive it explicitly, so a module tree holds no per-run state and can be
// shared by concurrent runs that each use their own Context.
type Context struct {
	values map[string]map[string]*tensor.Tensor
}

func NewContext() *Context {
	return &Context{values: make(map[string]map[string]*tensor.Tensor)}
}

// Set publishes t under (context, key), replacing any previous value.
func (c *Context) Set(context, key string, t *tensor.Tensor) {
	if c.values == nil {
		c.values = make(map[string]map[string]*tensor.Tensor)
	}
	group, ok := c.values[context]
	if !ok {
		group = make(map[string]*tensor.Tensor)
		c.values[context] = group
	}
	group[key] = t
}

func (c *Context) Get(context, key string) (*tensor.Tensor, error) {
	if c != nil {
		if t, ok := c.values[context][key]; ok && t != nil {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s.%s", ErrMissingContext, context, key)
}
