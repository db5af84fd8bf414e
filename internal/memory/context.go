package memory

import (
	"fmt"
	"sync"

	"github.com/plbridge/plbridge/types"
)

// Releaser is implemented by allocations that hold resources outside the
// context, such as prepared statements or open cursors. Release is called once,
// when the allocation is freed or its context is reset.
type Releaser interface {
	Release()
}

// System owns the tree of memory contexts of one backend. Its lock is the
// backend monitor: every access to backend structures, from the main call path
// or from garbage collector cleanups, runs while holding it.
type System struct {
	mu      sync.Mutex
	nextID  uint64
	live    map[uint64]*Context
	top     *Context
	current *Context
}

// NewSystem creates the context tree with its top context.
func NewSystem() *System {
	s := &System{live: make(map[uint64]*Context)}
	s.top = s.newContext(nil, "TopMemoryContext")
	s.current = s.top
	return s
}

// Lock enters the backend monitor.
func (s *System) Lock() { s.mu.Lock() }

// Unlock leaves the backend monitor.
func (s *System) Unlock() { s.mu.Unlock() }

// Top returns the context that lives as long as the backend.
func (s *System) Top() *Context { return s.top }

// Current returns the context new allocations go to by default.
func (s *System) Current() *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// SwitchTo makes c current and returns the previous current context.
func (s *System) SwitchTo(c *Context) *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.current
	s.current = c
	return old
}

// Deref resolves a pointer to the object allocated there.
func (s *System) Deref(p types.Pointer) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.DerefLocked(p)
}

// DerefLocked is Deref for callers already holding the monitor.
func (s *System) DerefLocked(p types.Pointer) (any, error) {
	if p.IsNull() {
		return nil, ErrInvalidMemoryAccess
	}
	c, ok := s.live[p.Region]
	if !ok {
		return nil, ErrContextDeleted
	}
	return c.derefLocked(p)
}

// ContextOf returns the live context a pointer was allocated in.
func (s *System) ContextOf(p types.Pointer) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.live[p.Region]
	if !ok {
		return nil, ErrContextDeleted
	}
	if c.generation != p.Generation {
		return nil, ErrStalePointer
	}
	return c, nil
}

func (s *System) newContext(parent *Context, name string) *Context {
	s.nextID++
	c := &Context{
		sys:        s,
		id:         s.nextID,
		name:       name,
		parent:     parent,
		generation: 1,
	}
	s.live[c.id] = c
	if parent != nil {
		parent.children = append(parent.children, c)
	}
	return c
}

// Context is one arena of backend memory. Everything allocated in it goes away
// at once when it is reset or deleted.
type Context struct {
	sys        *System
	id         uint64
	name       string
	parent     *Context
	children   []*Context
	generation uint32
	slots      []any
	callbacks  []func()
	deleted    bool
}

func (c *Context) ID() uint64 { return c.id }

func (c *Context) Name() string { return c.name }

func (c *Context) Parent() *Context { return c.parent }

func (c *Context) System() *System { return c.sys }

func (c *Context) String() string {
	return fmt.Sprintf("%s#%d", c.name, c.id)
}

// Generation returns the number of resets the context has seen, plus one.
func (c *Context) Generation() uint32 {
	c.sys.mu.Lock()
	defer c.sys.mu.Unlock()
	return c.generation
}

// GenerationLocked is Generation for callers already holding the monitor.
func (c *Context) GenerationLocked() uint32 { return c.generation }

func (c *Context) IsDeleted() bool {
	c.sys.mu.Lock()
	defer c.sys.mu.Unlock()
	return c.deleted
}

// IsDeletedLocked is IsDeleted for callers already holding the monitor.
func (c *Context) IsDeletedLocked() bool { return c.deleted }

// Live counts the allocations currently held by the context.
func (c *Context) Live() int {
	c.sys.mu.Lock()
	defer c.sys.mu.Unlock()
	n := 0
	for _, obj := range c.slots {
		if obj != nil {
			n++
		}
	}
	return n
}

// NewChild creates a context that is deleted together with c.
func (c *Context) NewChild(name string) (*Context, error) {
	c.sys.mu.Lock()
	defer c.sys.mu.Unlock()
	if c.deleted {
		return nil, ErrContextDeleted
	}
	return c.sys.newContext(c, name), nil
}

// Alloc places obj in the context and returns its address.
func (c *Context) Alloc(obj any) (types.Pointer, error) {
	c.sys.mu.Lock()
	defer c.sys.mu.Unlock()
	return c.AllocLocked(obj)
}

// AllocLocked is Alloc for callers already holding the monitor.
func (c *Context) AllocLocked(obj any) (types.Pointer, error) {
	if c.deleted {
		return types.NullPointer, ErrContextDeleted
	}
	if obj == nil {
		return types.NullPointer, fmt.Errorf("cannot allocate nil in %s", c)
	}
	c.slots = append(c.slots, obj)
	return types.Pointer{Region: c.id, Generation: c.generation, Offset: uint32(len(c.slots))}, nil
}

func (c *Context) derefLocked(p types.Pointer) (any, error) {
	if c.deleted {
		return nil, ErrContextDeleted
	}
	if p.Region != c.id {
		return nil, ErrForeignPointer
	}
	if p.Generation != c.generation {
		return nil, ErrStalePointer
	}
	if p.Offset == 0 || int(p.Offset) > len(c.slots) {
		return nil, ErrInvalidMemoryAccess
	}
	obj := c.slots[p.Offset-1]
	if obj == nil {
		return nil, ErrInvalidMemoryAccess
	}
	return obj, nil
}

// Free releases one allocation ahead of the context's reset.
func (c *Context) Free(p types.Pointer) error {
	c.sys.mu.Lock()
	defer c.sys.mu.Unlock()
	return c.FreeLocked(p)
}

// FreeLocked is Free for callers already holding the monitor.
func (c *Context) FreeLocked(p types.Pointer) error {
	obj, err := c.derefLocked(p)
	if err != nil {
		return err
	}
	c.slots[p.Offset-1] = nil
	if r, ok := obj.(Releaser); ok {
		r.Release()
	}
	return nil
}

// MoveLocked transfers an allocation to dst without releasing it and returns
// its new address. The old address becomes invalid.
func (c *Context) MoveLocked(p types.Pointer, dst *Context) (types.Pointer, error) {
	obj, err := c.derefLocked(p)
	if err != nil {
		return types.NullPointer, err
	}
	np, err := dst.AllocLocked(obj)
	if err != nil {
		return types.NullPointer, err
	}
	c.slots[p.Offset-1] = nil
	return np, nil
}

// RegisterResetCallback arranges for fn to run, under the monitor, the next time
// the context is reset or deleted. Callbacks fire once, most recent first.
func (c *Context) RegisterResetCallback(fn func()) error {
	c.sys.mu.Lock()
	defer c.sys.mu.Unlock()
	return c.RegisterResetCallbackLocked(fn)
}

// RegisterResetCallbackLocked is RegisterResetCallback for callers already holding the monitor.
func (c *Context) RegisterResetCallbackLocked(fn func()) error {
	if c.deleted {
		return ErrContextDeleted
	}
	c.callbacks = append(c.callbacks, fn)
	return nil
}

// Reset frees everything allocated in the context and deletes its children.
// The context itself stays usable.
func (c *Context) Reset() {
	c.sys.mu.Lock()
	defer c.sys.mu.Unlock()
	c.resetLocked()
}

// Delete resets the context and removes it from the tree. Deleting the top
// context only resets it.
func (c *Context) Delete() {
	c.sys.mu.Lock()
	defer c.sys.mu.Unlock()
	c.deleteLocked()
}

func (c *Context) resetLocked() {
	if c.deleted {
		return
	}
	for len(c.callbacks) > 0 {
		cbs := c.callbacks
		c.callbacks = nil
		for i := len(cbs) - 1; i >= 0; i-- {
			cbs[i]()
		}
	}
	children := c.children
	c.children = nil
	for i := len(children) - 1; i >= 0; i-- {
		children[i].deleteLocked()
	}
	slots := c.slots
	c.slots = nil
	for i := len(slots) - 1; i >= 0; i-- {
		if r, ok := slots[i].(Releaser); ok {
			r.Release()
		}
	}
	c.generation++
}

func (c *Context) deleteLocked() {
	if c.deleted {
		return
	}
	c.resetLocked()
	if c.parent == nil {
		return
	}
	for i, child := range c.parent.children {
		if child == c {
			c.parent.children = append(c.parent.children[:i], c.parent.children[i+1:]...)
			break
		}
	}
	if c.sys.current == c {
		c.sys.current = c.parent
	}
	delete(c.sys.live, c.id)
	c.deleted = true
}
