package fastcache

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

// Coalesce is coalesce for backend packages.
func Coalesce[T comparable](v, def T) T { return coalesce(v, def) }

// OrNopLogger returns l, or NopLogger when l is nil.
func OrNopLogger(l Logger) Logger {
	if l == nil {
		return NopLogger{}
	}
	return l
}

// OrNopHooks returns h, or NopHooks when h is nil.
func OrNopHooks(h Hooks) Hooks {
	if h == nil {
		return NopHooks{}
	}
	return h
}
