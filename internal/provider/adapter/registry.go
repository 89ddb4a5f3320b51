package adapter

import (
	"net/http"
	"sync"

	providerdomain "github.com/smallbiznis/smsgate/internal/provider/domain"
)

// Registry maps provider kinds to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[providerdomain.Kind]providerdomain.Adapter
}

func NewRegistry(adapters ...providerdomain.Adapter) *Registry {
	r := &Registry{adapters: make(map[providerdomain.Kind]providerdomain.Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// NewDefaultRegistry registers every built-in adapter sharing one HTTP client.
func NewDefaultRegistry() *Registry {
	client := &http.Client{Transport: http.DefaultTransport}
	return NewRegistry(
		NewHTTPPrefix(client),
		NewHTTPJSON(client),
		NewTwilio(nil),
	)
}

func (r *Registry) Register(a providerdomain.Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	r.adapters[a.Kind()] = a
	r.mu.Unlock()
}

func (r *Registry) Get(kind providerdomain.Kind) (providerdomain.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	return a, ok
}
