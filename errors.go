package fastcache

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyKey         = errors.New("fastcache: empty key")
	ErrUnregisteredType = errors.New("fastcache: type not registered")
	ErrTypeMismatch     = errors.New("fastcache: stored origin does not match registered type")
	ErrDuplicateTag     = errors.New("fastcache: type tag already registered")
	ErrLockNotAcquired  = errors.New("fastcache: lock not acquired")
	ErrInvalidConfig    = errors.New("fastcache: invalid configuration")
)

// LockError is returned by RunExclusive when a caller opted into escalation
// (ThrowOnLockFailure / ThrowOnOperationFailure).
type LockError struct {
	Name   string
	Status LockStatus
	Err    error
}

func (e *LockError) Error() string {
	switch e.Status {
	case OperationFailed:
		return fmt.Sprintf("lock %q: operation failed: %v", e.Name, e.Err)
	default:
		return fmt.Sprintf("lock %q: not acquired: %v", e.Name, e.Err)
	}
}

func (e *LockError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.Status == LockNotAcquired && !errors.Is(e.Err, ErrLockNotAcquired) {
		errs = append(errs, ErrLockNotAcquired)
	}
	return errs
}

// KeyError wraps a backend failure with the operation and key involved.
type KeyError struct {
	Op  string
	Key string
	Err error
}

func (e *KeyError) Error() string { return fmt.Sprintf("%s %q: %v", e.Op, e.Key, e.Err) }
func (e *KeyError) Unwrap() error { return e.Err }
