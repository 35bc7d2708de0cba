package smart

import (
	"fmt"
	"sort"
	"sync"

	"github.com/marmos91/dittovcs/pkg/storage"
)

// VerbInfo describes one registered verb.
type VerbInfo struct {
	Name        string
	Constructor Constructor
	Retry       RetryClass
}

// Registry maps verb names to handler constructors.
//
// Verbs are registered once at startup; Freeze makes the registry
// read-only before the first connection is served.
type Registry struct {
	mu     sync.RWMutex
	verbs  map[string]*VerbInfo
	frozen bool
}

func NewRegistry() *Registry {
	return &Registry{verbs: make(map[string]*VerbInfo)}
}

// Register adds a verb. Names are unique and must be non-empty.
func (r *Registry) Register(name string, ctor Constructor, retry RetryClass) error {
	if name == "" {
		return fmt.Errorf("register verb: empty name")
	}
	if ctor == nil {
		return fmt.Errorf("register verb %q: nil constructor", name)
	}
	if retry < RetryRead || retry > RetryMutate {
		return fmt.Errorf("register verb %q: invalid retry class %d", name, int(retry))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register verb %q: registry is frozen", name)
	}
	if _, exists := r.verbs[name]; exists {
		return fmt.Errorf("register verb %q: already registered", name)
	}
	r.verbs[name] = &VerbInfo{Name: name, Constructor: ctor, Retry: retry}
	return nil
}

// MustRegister is Register for static tables; it panics on error.
func (r *Registry) MustRegister(name string, ctor Constructor, retry RetryClass) {
	if err := r.Register(name, ctor, retry); err != nil {
		panic(err)
	}
}

// Lookup returns the verb registered under name, or an ErrUnknownMethod error.
func (r *Registry) Lookup(name string) (*VerbInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.verbs[name]
	if !ok {
		return nil, storage.NewError(storage.ErrUnknownMethod, "", name)
	}
	return info, nil
}

// RetryClassOf returns the retry-safety tag of a registered verb.
func (r *Registry) RetryClassOf(name string) (RetryClass, error) {
	info, err := r.Lookup(name)
	if err != nil {
		return 0, err
	}
	return info.Retry, nil
}

// Freeze rejects any further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Names returns the registered verb names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.verbs))
	for name := range r.verbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
