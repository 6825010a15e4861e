package syscall

import (
	"errors"
)

var (
	// ErrNullPointer is returned for a null user pointer.
	ErrNullPointer = errors.New("null user pointer")
	// ErrZeroLength is returned for an empty user buffer.
	ErrZeroLength = errors.New("zero-length user buffer")
	// ErrAddressOverflow is returned when ptr+len wraps the address space.
	ErrAddressOverflow = errors.New("user buffer wraps the address space")
	// ErrNoUserMemory is returned when the dispatcher has no memory collaborator.
	ErrNoUserMemory = errors.New("no user memory mapped")
)

// UserMemory resolves user addresses. Implementations bounds-check every access.
type UserMemory interface {
	Read(addr, n uintptr) ([]byte, error)
}

// ValidateUserMemory applies the mandatory pre-check for a user buffer.
// It runs before every read, whatever the UserMemory implementation checks.
func ValidateUserMemory(ptr, length uintptr) error {
	if ptr == 0 {
		return ErrNullPointer
	}
	if length == 0 {
		return ErrZeroLength
	}
	if ptr+length < ptr {
		return ErrAddressOverflow
	}
	return nil
}
