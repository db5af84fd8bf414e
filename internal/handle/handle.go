package handle

import (
	"fmt"

	"github.com/plbridge/plbridge/internal/memory"
	"github.com/plbridge/plbridge/types"
)

// Kind tells whether a handle is responsible for the allocation it points to.
type Kind uint8

const (
	// Viewing handles only forget their pointer when invalidated.
	Viewing Kind = iota
	// Owning handles also free the allocation when released explicitly, or when
	// the wrapper is collected while still valid.
	Owning
)

func (k Kind) String() string {
	if k == Owning {
		return "owning"
	}
	return "viewing"
}

// Handle is the managed side reference to a structure living in a backend
// memory context. Its pointer moves from valid to invalid exactly once.
type Handle struct {
	st *state
}

// state is kept apart from Handle so that collector cleanups can reach it
// without keeping the Handle itself reachable.
type state struct {
	cache  *Cache
	id     uint64
	kind   Kind
	label  string
	ptr    types.Pointer
	region *memory.Context
	valid  bool
}

func (h *Handle) Kind() Kind { return h.st.kind }

// Label names what the handle points to, e.g. "tuple" or "plan".
func (h *Handle) Label() string { return h.st.label }

func (h *Handle) String() string {
	return fmt.Sprintf("%s handle %d (%s)", h.st.kind, h.st.id, h.st.label)
}

// Valid reports whether the handle still points into a live allocation.
func (h *Handle) Valid() bool {
	sys := h.st.cache.sys
	sys.Lock()
	defer sys.Unlock()
	return h.st.valid
}

// Pointer returns the raw address, or a StaleHandleError once the handle has
// been invalidated.
func (h *Handle) Pointer() (types.Pointer, error) {
	sys := h.st.cache.sys
	sys.Lock()
	defer sys.Unlock()
	return h.PointerLocked()
}

// PointerLocked is Pointer for callers already holding the backend monitor.
func (h *Handle) PointerLocked() (types.Pointer, error) {
	if !h.st.valid {
		return types.NullPointer, &types.StaleHandleError{Label: h.st.label}
	}
	return h.st.ptr, nil
}

// Region returns the memory context backing the handle.
func (h *Handle) Region() (*memory.Context, error) {
	sys := h.st.cache.sys
	sys.Lock()
	defer sys.Unlock()
	if !h.st.valid {
		return nil, &types.StaleHandleError{Label: h.st.label}
	}
	return h.st.region, nil
}

// Deref returns the object the handle points to.
func (h *Handle) Deref() (any, error) {
	sys := h.st.cache.sys
	sys.Lock()
	defer sys.Unlock()
	return h.DerefLocked()
}

// DerefLocked is Deref for callers already holding the backend monitor.
func (h *Handle) DerefLocked() (any, error) {
	ptr, err := h.PointerLocked()
	if err != nil {
		return nil, err
	}
	obj, err := h.st.cache.sys.DerefLocked(ptr)
	if err != nil {
		// the handle missed its invalidation, which only happens if the
		// allocation was freed behind the cache's back
		h.st.invalidateLocked()
		return nil, &types.StaleHandleError{Label: h.st.label}
	}
	return obj, nil
}

// Release invalidates the handle ahead of its region. An owning handle frees
// the allocation as well. Releasing an invalid handle does nothing.
func (h *Handle) Release() error {
	sys := h.st.cache.sys
	sys.Lock()
	defer sys.Unlock()
	return h.st.releaseLocked()
}

// Load dereferences h and asserts the result to T.
func Load[T any](h *Handle) (T, error) {
	var zero T
	obj, err := h.Deref()
	if err != nil {
		return zero, err
	}
	v, ok := obj.(T)
	if !ok {
		return zero, fmt.Errorf("%s points to %T, not %T", h, obj, zero)
	}
	return v, nil
}

func (st *state) invalidateLocked() {
	if !st.valid {
		return
	}
	st.valid = false
	st.cache.forgetLocked(st)
	st.ptr = types.NullPointer
}

func (st *state) releaseLocked() error {
	if !st.valid {
		return nil
	}
	var err error
	if st.kind == Owning {
		err = st.region.FreeLocked(st.ptr)
	}
	st.invalidateLocked()
	return err
}

// collected runs on the cleanup goroutine once the Handle is unreachable.
func (st *state) collected() {
	sys := st.cache.sys
	sys.Lock()
	defer sys.Unlock()
	if !st.valid {
		return
	}
	if st.kind == Owning {
		if err := st.region.FreeLocked(st.ptr); err != nil {
			st.cache.logger.Debug().Err(err).Str("label", st.label).Msg("collected handle had no allocation left")
		}
	}
	st.invalidateLocked()
}
