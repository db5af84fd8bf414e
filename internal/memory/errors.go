package memory

import "errors"

var (
	// ErrInvalidMemoryAccess is returned when a pointer does not address a live allocation
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	// ErrStalePointer is returned for a pointer taken before its context was reset
	ErrStalePointer = errors.New("pointer refers to a reset memory context")
	// ErrContextDeleted is returned when allocating in or resolving into a deleted context
	ErrContextDeleted = errors.New("memory context has been deleted")
	// ErrForeignPointer is returned when a pointer is handed to a context that does not own it
	ErrForeignPointer = errors.New("pointer belongs to another memory context")
)
