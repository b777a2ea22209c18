package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/stratonas/middled/internal/common/errorx"
)

// StreamSource records where an event stream's values come from.
type StreamSource string

const (
	StreamFromRegistry StreamSource = "registry" // change events of a filterable collection
	StreamFromPlugin   StreamSource = "plugin"   // explicitly declared by a plugin
)

// StreamDecl declares one named event stream.
type StreamDecl struct {
	Name      string
	Source    StreamSource
	Retention int // hint: events kept for late subscribers, 0 = none
}

// Registry is the mounted method set. It is write-only during startup and
// read-only once sealed; lookups after sealing take no lock.
type Registry struct {
	logger *zap.Logger

	mu      sync.Mutex
	sealed  bool
	methods map[string]*Descriptor
	streams map[string]StreamDecl
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:  logger.Named("registry"),
		methods: make(map[string]*Descriptor),
		streams: make(map[string]StreamDecl),
	}
}

// Register mounts a method. Re-registration and registration after sealing
// are errors. Registering a filterable method auto-declares its change-event
// stream under the method's own name.
func (r *Registry) Register(d *Descriptor) error {
	if d.Name == "" {
		return fmt.Errorf("method name cannot be empty")
	}
	if d.Handler == nil {
		return fmt.Errorf("method %q has no handler", d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("registry is sealed; cannot register %q", d.Name)
	}
	if _, dup := r.methods[d.Name]; dup {
		return fmt.Errorf("duplicate method name: %s", d.Name)
	}
	r.methods[d.Name] = d

	if d.Kind == KindFilterable {
		r.streams[d.Name] = StreamDecl{Name: d.Name, Source: StreamFromRegistry}
	}

	r.logger.Debug("registered method",
		zap.String("method", d.Name),
		zap.String("kind", string(d.Kind)))
	return nil
}

// DeclareStream registers a plugin-owned event stream.
func (r *Registry) DeclareStream(decl StreamDecl) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return fmt.Errorf("registry is sealed; cannot declare stream %q", decl.Name)
	}
	if _, dup := r.streams[decl.Name]; dup {
		return fmt.Errorf("duplicate event stream: %s", decl.Name)
	}
	r.streams[decl.Name] = decl
	return nil
}

// Seal freezes the registry. Must be called once, after all plugins have
// registered and before the first request is served.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
	r.logger.Info("registry sealed",
		zap.Int("methods", len(r.methods)),
		zap.Int("streams", len(r.streams)))
}

// Resolve looks up a method descriptor by fully-qualified name.
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	d, ok := r.methods[name]
	if !ok {
		return nil, errorx.MethodNotFound(name)
	}
	return d, nil
}

// HasStream reports whether a stream name is declared.
func (r *Registry) HasStream(name string) bool {
	_, ok := r.streams[name]
	return ok
}

// Streams lists all declared event streams.
func (r *Registry) Streams() []StreamDecl {
	out := make([]StreamDecl, 0, len(r.streams))
	for _, decl := range r.streams {
		out = append(out, decl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Methods lists registered descriptors, skipping private ones unless asked.
func (r *Registry) Methods(includePrivate bool) []*Descriptor {
	out := make([]*Descriptor, 0, len(r.methods))
	for _, d := range r.methods {
		if d.Private && !includePrivate {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
