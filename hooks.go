package fastcache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// Stores call them on hot paths and from background tasks.
type Hooks interface {
	// The remote connection to addr failed to dial (first failure only).
	ConnectionFailed(addr string, err error)
	// A dial to addr succeeded after a reported failure.
	ConnectionRestored(addr string)

	// An entry was removed on read.
	// reason ∈ {"corrupt", "expired"}
	SelfHeal(key, reason string)

	// A delayed second delete (grace or double-delete) failed. count is the
	// number of keys involved.
	DelayedDeleteFailed(count int, err error)

	// A delayed delete could not be scheduled (queue full or closed).
	DelayedDeleteDropped(count int)

	// RunExclusive gave up on name after waiting.
	LockNotAcquired(name string)

	// A capacity pass evicted n entries from shard.
	Evicted(shard, n int)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) ConnectionFailed(string, error)  {}
func (NopHooks) ConnectionRestored(string)       {}
func (NopHooks) SelfHeal(string, string)         {}
func (NopHooks) DelayedDeleteFailed(int, error)  {}
func (NopHooks) DelayedDeleteDropped(int)        {}
func (NopHooks) LockNotAcquired(string)          {}
func (NopHooks) Evicted(int, int)                {}
