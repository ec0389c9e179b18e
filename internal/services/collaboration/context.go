package collaboration

import (
	"maps"
	"sync"
)

// Context is the opaque per-connection bag that extensions fill during
// onConnect and onAuthenticate. It is frozen once the connection has
// authenticated; the server itself never reads it.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
	frozen bool
}

// NewContext copies values into a fresh context.
func NewContext(values map[string]any) *Context {
	c := &Context{values: make(map[string]any, len(values))}
	maps.Copy(c.values, values)
	return c
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the value under key when it is a string.
func (c *Context) GetString(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

func (c *Context) Set(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrContextFrozen
	}
	c.values[key] = value
	return nil
}

// Values returns a copy of the bag.
func (c *Context) Values() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}

func (c *Context) Freeze() {
	c.mu.Lock()
	c.frozen = true
	c.mu.Unlock()
}

func (c *Context) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}
