package fastcache

import (
	"reflect"
	"time"
)

// Entry is one cached value with its metadata.
type Entry struct {
	Value any

	// Type and Origin identify how Value is reconstructed by remote backends:
	// the registered tag and the Go package path of its type ("builtin" for
	// predeclared types). Left empty, they are filled on Set.
	Type   string
	Origin string

	CreatedAt time.Time
	ExpiresAt time.Time // zero => no expiry
	Hits      uint64
}

// NewEntry returns an entry for v created now.
func NewEntry(v any) Entry {
	return Entry{Value: v, CreatedAt: time.Now()}
}

// Expired reports whether e has an expiry at or before now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// TTL returns the remaining lifetime relative to now; 0 when e never expires.
func (e Entry) TTL(now time.Time) time.Duration {
	if e.ExpiresAt.IsZero() {
		return 0
	}
	return e.ExpiresAt.Sub(now)
}

// Prepare applies the common Set normalization: CreatedAt defaults to now and
// a positive ttl overrides ExpiresAt.
func (e Entry) Prepare(now time.Time, ttl time.Duration) Entry {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	e.Hits = 0
	return e
}

const builtinOrigin = "builtin"

// TypeOf describes v by reflection: its Go type string and package path.
// Used by in-process stores, which keep values as-is and need no codec.
func TypeOf(v any) (typ, origin string) {
	t := reflect.TypeOf(v)
	if t == nil {
		return "", ""
	}
	return t.String(), originOf(t)
}

func originOf(t reflect.Type) string {
	for t.Kind() == reflect.Pointer || t.Kind() == reflect.Slice || t.Kind() == reflect.Array {
		if t.PkgPath() != "" {
			break
		}
		t = t.Elem()
	}
	if p := t.PkgPath(); p != "" {
		return p
	}
	return builtinOrigin
}

// IsNil reports whether v is nil or a nil pointer, map, slice, or interface.
func IsNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
