// Package vars implements the shared variable context for a single pipeline
// run.
package vars

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrNotFound = errors.New("vars: key does not exist")

// Context is a mutex-guarded variable store shared by reference across all
// stages of one run. Writes from an earlier stage are visible to later
// stages; nothing is shared across runs.
type Context struct {
	lock sync.Mutex
	kv   map[string]string
}

// NewContext creates a context seeded with run-level variables.
func NewContext(seed map[string]string) *Context {
	kv := make(map[string]string, len(seed))
	for k, v := range seed {
		kv[k] = v
	}
	return &Context{kv: kv}
}

// Set writes a value, overwriting any previous one.
func (c *Context) Set(key, value string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.kv[key] = value
}

// Get returns the value for a key.
func (c *Context) Get(key string) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	v, ok := c.kv[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v, nil
}

// Snapshot returns an immutable copy of the current state.
func (c *Context) Snapshot() map[string]string {
	c.lock.Lock()
	defer c.lock.Unlock()

	out := make(map[string]string, len(c.kv))
	for k, v := range c.kv {
		out[k] = v
	}
	return out
}

// Environ renders the current state as KEY=VALUE pairs in a stable order,
// ready to merge into a child process environment.
func (c *Context) Environ() []string {
	snap := c.Snapshot()
	out := make([]string, 0, len(snap))
	for k, v := range snap {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(out)
	return out
}
