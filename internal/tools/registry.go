package tools

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kennteohstorehub/lark-mcp-n8n-automation/internal/mcp"
)

// Invoker is the part of a backend connection the registry needs:
// its name and the ability to call one of its tools. *mcp.Client
// satisfies it.
type Invoker interface {
	Name() string
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallResult, error)
}

// Descriptor is one registered tool. It is immutable once registered.
type Descriptor struct {
	mcp.ToolDefinition

	// Backend is the name of the server that serves this tool.
	Backend string

	invoker   Invoker
	validator *jsonschema.Schema
}

// Invoker returns the connection that serves this tool.
func (d *Descriptor) Invoker() Invoker {
	return d.invoker
}

// Collision records a name that a later registration took over.
type Collision struct {
	Tool        string
	Previous    string // backend that lost the name
	Replacement string // backend that now owns it
}

// snapshot is an immutable view of the registry. Writers build a new
// one and swap it in; readers never lock.
type snapshot struct {
	byName   map[string]*Descriptor
	backends []string                 // registration order
	tools    map[string][]*Descriptor // per backend, advertised order
}

func emptySnapshot() *snapshot {
	return &snapshot{
		byName: map[string]*Descriptor{},
		tools:  map[string][]*Descriptor{},
	}
}

func (s *snapshot) clone() *snapshot {
	n := &snapshot{
		byName:   make(map[string]*Descriptor, len(s.byName)),
		backends: append([]string(nil), s.backends...),
		tools:    make(map[string][]*Descriptor, len(s.tools)),
	}
	for k, v := range s.byName {
		n.byName[k] = v
	}
	for k, v := range s.tools {
		n.tools[k] = v
	}
	return n
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger used for collision and schema
// diagnostics.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithSchemaValidation compiles each tool's input schema at
// registration so the dispatcher can check arguments before calling.
func WithSchemaValidation(enabled bool) RegistryOption {
	return func(r *Registry) { r.validate = enabled }
}

// Registry maps tool names to descriptors across all backends. A name
// has at most one owner: the backend that came latest in registration
// order. A backend keeps the position of its first registration, so
// registering it again after Unregister restores both its place in List
// and the collisions it won or lost. Mutation happens only while
// backends connect or go away, so lookups read an atomic snapshot
// without locking.
type Registry struct {
	logger   *slog.Logger
	validate bool

	mu       sync.Mutex // serializes writers
	ranks    map[string]int
	nextRank int
	snap     atomic.Pointer[snapshot]
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{logger: slog.Default(), ranks: map[string]int{}}
	for _, o := range opts {
		o(r)
	}
	r.snap.Store(emptySnapshot())
	return r
}

// Register adds the tools a backend advertised. Registering a backend
// again replaces its previous tools. A name shared with another backend
// goes to whichever of the two is later in registration order; either
// way it is reported as a collision.
func (r *Registry) Register(inv Invoker, defs []mcp.ToolDefinition) []Collision {
	backend := inv.Name()

	r.mu.Lock()
	defer r.mu.Unlock()

	rank, ok := r.ranks[backend]
	if !ok {
		rank = r.nextRank
		r.nextRank++
		r.ranks[backend] = rank
	}

	next := r.snap.Load().clone()
	next.remove(backend)
	next.insertBackend(backend, r.ranks)

	var collisions []Collision
	descs := make([]*Descriptor, 0, len(defs))
	for _, td := range defs {
		d := &Descriptor{ToolDefinition: td, Backend: backend, invoker: inv}
		if r.validate {
			d.validator = r.compile(backend, td)
		}
		descs = append(descs, d)

		prev, ok := next.byName[td.Name]
		if !ok {
			next.byName[td.Name] = d
			continue
		}
		c := Collision{Tool: td.Name, Previous: prev.Backend, Replacement: backend}
		if r.ranks[prev.Backend] > rank {
			c = Collision{Tool: td.Name, Previous: backend, Replacement: prev.Backend}
		} else {
			next.byName[td.Name] = d
		}
		collisions = append(collisions, c)
		r.logger.Warn("tool name collision, later backend in order wins",
			"tool", td.Name,
			"previous_backend", c.Previous,
			"backend", c.Replacement,
		)
	}
	next.tools[backend] = descs

	r.snap.Store(next)

	r.logger.Debug("registered backend tools", "backend", backend, "count", len(defs))
	return collisions
}

// Unregister removes every tool the backend still owns and returns how
// many were removed. Names it had taken over from another backend are
// not restored.
func (r *Registry) Unregister(backend string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, ok := cur.tools[backend]; !ok {
		return 0
	}

	next := cur.clone()
	removed := next.remove(backend)
	r.snap.Store(next)

	r.logger.Info("unregistered backend tools", "backend", backend, "count", removed)
	return removed
}

// insertBackend places backend in s.backends by rank.
func (s *snapshot) insertBackend(backend string, ranks map[string]int) {
	i := 0
	for i < len(s.backends) && ranks[s.backends[i]] < ranks[backend] {
		i++
	}
	s.backends = append(s.backends[:i:i], append([]string{backend}, s.backends[i:]...)...)
}

// remove drops backend from s and returns how many names it owned.
func (s *snapshot) remove(backend string) int {
	removed := 0
	for _, d := range s.tools[backend] {
		if s.byName[d.Name] == d {
			delete(s.byName, d.Name)
			removed++
		}
	}
	delete(s.tools, backend)
	for i, b := range s.backends {
		if b == backend {
			s.backends = append(s.backends[:i:i], s.backends[i+1:]...)
			break
		}
	}
	return removed
}

// Resolve returns the descriptor for name or an *UnknownToolError.
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	if d, ok := r.snap.Load().byName[name]; ok {
		return d, nil
	}
	return nil, &UnknownToolError{ToolName: name}
}

// List returns the registered tools in backend registration order,
// then in each backend's advertised order. Shadowed descriptors are
// omitted, so each name appears once.
func (r *Registry) List() []*Descriptor {
	s := r.snap.Load()
	out := make([]*Descriptor, 0, len(s.byName))
	for _, b := range s.backends {
		for _, d := range s.tools[b] {
			if s.byName[d.Name] == d {
				out = append(out, d)
			}
		}
	}
	return out
}

// Definitions returns List as raw MCP definitions.
func (r *Registry) Definitions() []mcp.ToolDefinition {
	list := r.List()
	out := make([]mcp.ToolDefinition, len(list))
	for i, d := range list {
		out[i] = d.ToolDefinition
	}
	return out
}

// Backends returns the registered backend names in registration order.
func (r *Registry) Backends() []string {
	return append([]string(nil), r.snap.Load().backends...)
}

// Len returns the number of distinct tool names.
func (r *Registry) Len() int {
	return len(r.snap.Load().byName)
}

func (r *Registry) compile(backend string, td mcp.ToolDefinition) *jsonschema.Schema {
	if len(td.InputSchema) == 0 {
		return nil
	}
	s, err := compileSchema(td.InputSchema)
	if err != nil {
		r.logger.Warn("tool input schema does not compile, arguments will not be validated",
			"tool", td.Name,
			"backend", backend,
			"error", err,
		)
		return nil
	}
	return s
}
