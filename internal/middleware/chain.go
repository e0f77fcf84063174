package middleware

import "net/http"

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain is an immutable, ordered middleware list. The first entry runs
// outermost, so it sees the request first and the response last.
type Chain struct {
	mws []Middleware
}

// NewChain creates a chain from mws in order.
func NewChain(mws ...Middleware) *Chain {
	return &Chain{mws: append([]Middleware(nil), mws...)}
}

// Then wraps h. A nil h becomes http.NotFoundHandler.
func (c *Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	for i := len(c.mws) - 1; i >= 0; i-- {
		h = c.mws[i](h)
	}
	return h
}

// ThenFunc is Then for a HandlerFunc.
func (c *Chain) ThenFunc(fn http.HandlerFunc) http.Handler {
	if fn == nil {
		return c.Then(nil)
	}
	return c.Then(fn)
}

// Append returns a new chain; c is unchanged.
func (c *Chain) Append(mws ...Middleware) *Chain {
	return NewChain(append(append([]Middleware(nil), c.mws...), mws...)...)
}

func (c *Chain) Len() int { return len(c.mws) }

// Builder assembles a chain where some entries depend on configuration.
type Builder struct {
	chain *Chain
}

func NewBuilder() *Builder {
	return &Builder{chain: NewChain()}
}

func (b *Builder) Use(m Middleware) *Builder {
	b.chain = b.chain.Append(m)
	return b
}

// UseIf adds m only when cond holds.
func (b *Builder) UseIf(cond bool, m Middleware) *Builder {
	if cond {
		return b.Use(m)
	}
	return b
}

// Handler wraps h with everything added so far.
func (b *Builder) Handler(h http.Handler) http.Handler {
	return b.chain.Then(h)
}
