package workfn

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/mincer/internal/protocol"
)

var (
	// ErrBadRef is returned when a function payload cannot be decoded
	ErrBadRef = errors.New("invalid function reference")
	// ErrUnknownFunction is returned when a reference names no registered function
	ErrUnknownFunction = errors.New("unknown function")
	// ErrVersionMismatch is returned when the registered version differs from the reference
	ErrVersionMismatch = errors.New("function version mismatch")
	// ErrRoleMismatch is returned when a function arrives under the wrong role
	ErrRoleMismatch = errors.New("function role mismatch")
	// ErrDuplicate is returned when registering a name twice
	ErrDuplicate = errors.New("function already registered")
	// ErrNotInstalled is returned when invoking a role with no installed function
	ErrNotInstalled = errors.New("function not installed")
)

// Role is the slot a work function fills.
type Role string

const (
	RoleMap     Role = "map"     // One datasource entry to emissions
	RoleReduce  Role = "reduce"  // All emissions for a key to a result
	RoleCollect Role = "collect" // Map-side combiner, reduce signature
)

// Roles lists every role in distribution order.
var Roles = []Role{RoleMap, RoleReduce, RoleCollect}

// Action returns the protocol action that carries functions of this role.
func (r Role) Action() protocol.Action {
	switch r {
	case RoleMap:
		return protocol.ActionMapFn
	case RoleReduce:
		return protocol.ActionReduceFn
	case RoleCollect:
		return protocol.ActionCollectFn
	}
	return ""
}

// RoleForAction maps a function-carrying action back to its role.
func RoleForAction(a protocol.Action) (Role, bool) {
	for _, r := range Roles {
		if r.Action() == a {
			return r, true
		}
	}
	return "", false
}

// KeyValue is one intermediate emission of a map function.
type KeyValue struct {
	Key   string `json:"key" yaml:"key"`
	Value any    `json:"value" yaml:"value"`
}

// MapFunc turns one datasource entry into intermediate emissions.
type MapFunc func(key, value string) []KeyValue

// ReduceFunc folds all values emitted for a key. Collect functions share
// the signature and run as a map-side combiner.
type ReduceFunc func(key string, values []any) any

// Definition is a named, versioned work function. Map is set for RoleMap,
// Reduce for RoleReduce and RoleCollect.
type Definition struct {
	Name    string
	Version int
	Role    Role
	Map     MapFunc
	Reduce  ReduceFunc
}

// Validate checks that the definition is callable for its role.
func (d Definition) Validate() error {
	if d.Name == "" {
		return errors.New("function name cannot be empty")
	}
	if d.Version <= 0 {
		return fmt.Errorf("function %s: version must be positive", d.Name)
	}
	switch d.Role {
	case RoleMap:
		if d.Map == nil {
			return fmt.Errorf("function %s: map role requires Map", d.Name)
		}
	case RoleReduce, RoleCollect:
		if d.Reduce == nil {
			return fmt.Errorf("function %s: %s role requires Reduce", d.Name, d.Role)
		}
	default:
		return fmt.Errorf("function %s: unknown role %q", d.Name, d.Role)
	}
	return nil
}

// Ref returns the wire reference for the definition.
func (d Definition) Ref() Ref {
	return Ref{Name: d.Name, Version: d.Version, Role: d.Role}
}

// Ref identifies a registry entry on the wire. Peers agree on names and
// versions; no executable code crosses the connection.
type Ref struct {
	Name    string `json:"name" yaml:"name"`
	Version int    `json:"version" yaml:"version"`
	Role    Role   `json:"role" yaml:"role"`
}

// EncodeRef serializes a reference as a command payload.
func EncodeRef(r Ref) ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRef parses a command payload into a reference.
func DecodeRef(b []byte) (Ref, error) {
	var r Ref
	if err := json.Unmarshal(b, &r); err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrBadRef, err)
	}
	if r.Name == "" || r.Version <= 0 || r.Role == "" {
		return Ref{}, fmt.Errorf("%w: incomplete reference %+v", ErrBadRef, r)
	}
	return r, nil
}

// Registry holds the work functions a process can run. Coordinator and
// worker each build their own; a worker only runs what its registry knows.
// Safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex          // Protects defs
	defs map[string]Definition // Definitions by name
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Names are unique.
func (r *Registry) Register(d Definition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[d.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, d.Name)
	}
	r.defs[d.Name] = d
	return nil
}

// Lookup returns the definition registered under name.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	return d, ok
}

// Resolve finds the definition a reference names and checks that version
// and role agree.
//
// Parameters:
//   - ref: Reference received from the coordinator
//
// Returns:
//   - Definition: The locally registered function
//   - error: ErrUnknownFunction, ErrVersionMismatch or ErrRoleMismatch
//
// Example:
//
//	def, err := reg.Resolve(workfn.Ref{Name: "wordcount.map", Version: 1, Role: workfn.RoleMap})
//	if err != nil {
//	    return err
//	}
//	kvs := def.Map("0", "a a b")
func (r *Registry) Resolve(ref Ref) (Definition, error) {
	d, ok := r.Lookup(ref.Name)
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownFunction, ref.Name)
	}
	if d.Version != ref.Version {
		return Definition{}, fmt.Errorf("%w: %s has v%d, peer sent v%d", ErrVersionMismatch, ref.Name, d.Version, ref.Version)
	}
	if d.Role != ref.Role {
		return Definition{}, fmt.Errorf("%w: %s is %s, peer sent %s", ErrRoleMismatch, ref.Name, d.Role, ref.Role)
	}
	return d, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.defs))
	for n := range r.defs {
		names = append(names, n)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
