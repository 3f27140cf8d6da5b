package connection

import (
	"context"
	"sync"
)

// Method is a locally exposed function the remote may invoke.
// The context is canceled when the Connection is closed.
// Returning a *future.Future defers the reply until that future settles.
type Method func(ctx context.Context, args ...any) (any, error)

// Local is the surface a Connection exposes to its remote.
type Local interface {
	Method(name string) (Method, bool)
}

// Methods is a fixed Local. It must not be mutated once a Connection uses it; use API for that.
type Methods map[string]Method

func (m Methods) Method(name string) (Method, bool) {
	fn, ok := m[name]
	return fn, ok && fn != nil
}

// API is a Local that can be changed at any time, including while calls are being served.
type API struct {
	m       sync.RWMutex
	methods map[string]Method
}

func NewAPI() *API {
	return &API{methods: map[string]Method{}}
}

// Register adds or replaces a method and returns the API for chaining.
func (a *API) Register(name string, fn Method) *API {
	a.m.Lock()
	defer a.m.Unlock()
	a.methods[name] = fn
	return a
}

func (a *API) Unregister(name string) {
	a.m.Lock()
	defer a.m.Unlock()
	delete(a.methods, name)
}

func (a *API) Method(name string) (Method, bool) {
	a.m.RLock()
	defer a.m.RUnlock()
	fn, ok := a.methods[name]
	return fn, ok && fn != nil
}
