package proxy

import (
	"log/slog"
)

// Module is a traffic hook registered with the proxy. Request runs before
// the request is forwarded, Response after the upstream answered.
type Module interface {
	Name() string
	Request(f *Flow) error
	Response(f *Flow) error
}

// Chain runs modules in registration order
type Chain struct {
	modules []Module
	logger  *slog.Logger
}

// NewChain creates an empty chain
func NewChain(logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{logger: logger}
}

// Register adds a module to the end of the chain
func (c *Chain) Register(m Module) {
	c.modules = append(c.modules, m)
	c.logger.Info("registered module", "module", m.Name())
}

// Modules returns the registered modules
func (c *Chain) Modules() []Module {
	return c.modules
}

// Request runs every module's request hook. Module errors are logged and
// never stop the request.
func (c *Chain) Request(f *Flow) {
	for _, m := range c.modules {
		if err := m.Request(f); err != nil {
			c.logger.Error("module failed on request", "module", m.Name(), "url", f.URL(), "err", err)
		}
	}
}

// Response runs every module's response hook and then writes any body
// rewrite back onto the response.
func (c *Chain) Response(f *Flow) {
	for _, m := range c.modules {
		if err := m.Response(f); err != nil {
			c.logger.Error("module failed on response", "module", m.Name(), "url", f.URL(), "err", err)
		}
	}
	f.commit()
}
