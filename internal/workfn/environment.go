package workfn

import (
	"fmt"
	"sync"
)

// Environment is the set of work functions installed in one process, at
// most one per role. A worker's environment is filled only by its own
// connection handlers and shares nothing with the coordinator's
// definitions beyond the registry names.
type Environment struct {
	mu        sync.RWMutex        // Protects installed
	installed map[Role]Definition // At most one function per role
}

// NewEnvironment creates an empty environment.
func NewEnvironment() *Environment {
	return &Environment{installed: make(map[Role]Definition)}
}

// Install binds d to its role, replacing any earlier function of that role.
func (e *Environment) Install(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.installed[d.Role] = d
	return nil
}

// Get returns the function installed for role.
func (e *Environment) Get(role Role) (Definition, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d, ok := e.installed[role]
	return d, ok
}

// Refs returns references to the installed functions in role order.
func (e *Environment) Refs() []Ref {
	e.mu.RLock()
	defer e.mu.RUnlock()
	refs := make([]Ref, 0, len(e.installed))
	for _, r := range Roles {
		if d, ok := e.installed[r]; ok {
			refs = append(refs, d.Ref())
		}
	}
	return refs
}

// Map runs the installed map function.
func (e *Environment) Map(key, value string) ([]KeyValue, error) {
	d, ok := e.Get(RoleMap)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, RoleMap)
	}
	return d.Map(key, value), nil
}

// Reduce runs the installed reduce function.
func (e *Environment) Reduce(key string, values []any) (any, error) {
	return e.fold(RoleReduce, key, values)
}

// Collect runs the installed collect function.
func (e *Environment) Collect(key string, values []any) (any, error) {
	return e.fold(RoleCollect, key, values)
}

func (e *Environment) fold(role Role, key string, values []any) (any, error) {
	d, ok := e.Get(role)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotInstalled, role)
	}
	return d.Reduce(key, values), nil
}
