package fastcache

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/unkn0wn-root/fastcache/codec"
)

// Registry maps type tags to codecs. Remote backends store the tag next to
// the payload and resolve it back here on read, so every type that crosses
// the wire must be registered at startup.
type Registry struct {
	mu     sync.RWMutex
	byTag  map[string]*binding
	byType map[reflect.Type]*binding
}

type binding struct {
	tag    string
	origin string
	typ    reflect.Type
	encode func(any) ([]byte, error)
	decode func([]byte) (any, error)
}

// NewRegistry returns a registry preloaded with JSON codecs for common
// predeclared types.
func NewRegistry() *Registry {
	r := &Registry{
		byTag:  make(map[string]*binding),
		byType: make(map[reflect.Type]*binding),
	}
	MustRegister[string](r, "string", codec.String{})
	MustRegister[[]byte](r, "bytes", codec.Bytes{})
	MustRegister[int](r, "int", codec.JSON[int]{})
	MustRegister[int64](r, "int64", codec.JSON[int64]{})
	MustRegister[float64](r, "float64", codec.JSON[float64]{})
	MustRegister[bool](r, "bool", codec.JSON[bool]{})
	MustRegister[[]string](r, "strings", codec.JSON[[]string]{})
	MustRegister[map[string]any](r, "map", codec.JSON[map[string]any]{})
	return r
}

// Register binds tag to V using c. Tags and types are both unique.
func Register[V any](r *Registry, tag string, c codec.Codec[V]) error {
	if tag == "" {
		return fmt.Errorf("fastcache: register: %w", ErrEmptyKey)
	}
	t := reflect.TypeFor[V]()
	b := &binding{
		tag:    tag,
		origin: originOf(t),
		typ:    t,
		encode: func(v any) ([]byte, error) {
			vv, ok := v.(V)
			if !ok {
				return nil, fmt.Errorf("fastcache: encode %q: got %T", tag, v)
			}
			return c.Encode(vv)
		},
		decode: func(p []byte) (any, error) {
			return c.Decode(p)
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byTag[tag]; dup {
		return fmt.Errorf("%w: %q", ErrDuplicateTag, tag)
	}
	if prev, dup := r.byType[t]; dup {
		return fmt.Errorf("%w: %s already bound to %q", ErrDuplicateTag, t, prev.tag)
	}
	r.byTag[tag] = b
	r.byType[t] = b
	return nil
}

// MustRegister is like Register but panics on error.
func MustRegister[V any](r *Registry, tag string, c codec.Codec[V]) {
	if err := Register[V](r, tag, c); err != nil {
		panic(err)
	}
}

// Describe returns the tag and origin registered for v's dynamic type.
func (r *Registry) Describe(v any) (tag, origin string, ok bool) {
	b := r.lookupType(v)
	if b == nil {
		return "", "", false
	}
	return b.tag, b.origin, true
}

// Encode serializes v with its registered codec.
func (r *Registry) Encode(v any) (tag, origin string, payload []byte, err error) {
	b := r.lookupType(v)
	if b == nil {
		return "", "", nil, fmt.Errorf("%w: %T", ErrUnregisteredType, v)
	}
	payload, err = b.encode(v)
	if err != nil {
		return "", "", nil, err
	}
	return b.tag, b.origin, payload, nil
}

// Decode reconstructs a value from its tag. A stored origin that disagrees
// with the registered one means the tag was rebound to a different type.
func (r *Registry) Decode(tag, origin string, payload []byte) (any, error) {
	r.mu.RLock()
	b := r.byTag[tag]
	r.mu.RUnlock()
	if b == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnregisteredType, tag)
	}
	if origin != b.origin {
		return nil, fmt.Errorf("%w: %q has %q, stored %q", ErrTypeMismatch, tag, b.origin, origin)
	}
	return b.decode(payload)
}

func (r *Registry) lookupType(v any) *binding {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byType[t]
}
