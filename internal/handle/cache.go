package handle

import (
	"runtime"
	"weak"

	"github.com/rs/zerolog"

	"github.com/plbridge/plbridge/internal/memory"
	"github.com/plbridge/plbridge/types"
)

// Cache remembers which handles point into which memory context and
// invalidates them when the context is reset or deleted. All of its state is
// guarded by the backend monitor of the memory system.
type Cache struct {
	sys     *memory.System
	logger  zerolog.Logger
	nextID  uint64
	regions map[uint64]*regionEntry
}

type regionEntry struct {
	ctx     *memory.Context
	handles map[uint64]weak.Pointer[Handle]
}

func NewCache(sys *memory.System, logger zerolog.Logger) *Cache {
	return &Cache{
		sys:     sys,
		logger:  logger,
		regions: make(map[uint64]*regionEntry),
	}
}

// System returns the memory system the cache listens to.
func (c *Cache) System() *memory.System { return c.sys }

// Wrap returns a viewing handle for ptr, which must lie in region.
func (c *Cache) Wrap(ptr types.Pointer, region *memory.Context, label string) (*Handle, error) {
	c.sys.Lock()
	defer c.sys.Unlock()
	return c.WrapLocked(ptr, region, Viewing, label)
}

// WrapOwned returns an owning handle for ptr, which must lie in region.
func (c *Cache) WrapOwned(ptr types.Pointer, region *memory.Context, label string) (*Handle, error) {
	c.sys.Lock()
	defer c.sys.Unlock()
	return c.WrapLocked(ptr, region, Owning, label)
}

// New allocates obj in region and returns an owning handle to it.
func (c *Cache) New(region *memory.Context, obj any, label string) (*Handle, error) {
	c.sys.Lock()
	defer c.sys.Unlock()
	ptr, err := region.AllocLocked(obj)
	if err != nil {
		return nil, err
	}
	return c.WrapLocked(ptr, region, Owning, label)
}

// View allocates obj in region and returns a viewing handle to it. The
// allocation lives until the region goes away.
func (c *Cache) View(region *memory.Context, obj any, label string) (*Handle, error) {
	c.sys.Lock()
	defer c.sys.Unlock()
	ptr, err := region.AllocLocked(obj)
	if err != nil {
		return nil, err
	}
	return c.WrapLocked(ptr, region, Viewing, label)
}

// WrapLocked is the common path of Wrap and WrapOwned for callers already
// holding the backend monitor.
func (c *Cache) WrapLocked(ptr types.Pointer, region *memory.Context, kind Kind, label string) (*Handle, error) {
	if region.IsDeletedLocked() {
		return nil, memory.ErrContextDeleted
	}
	if ptr.Region != region.ID() {
		return nil, memory.ErrForeignPointer
	}
	if ptr.Generation != region.GenerationLocked() {
		return nil, memory.ErrStalePointer
	}
	c.nextID++
	h := &Handle{st: &state{
		cache:  c,
		id:     c.nextID,
		kind:   kind,
		label:  label,
		ptr:    ptr,
		region: region,
		valid:  true,
	}}
	if err := c.rememberLocked(h); err != nil {
		return nil, err
	}
	runtime.AddCleanup(h, (*state).collected, h.st)
	return h, nil
}

func (c *Cache) rememberLocked(h *Handle) error {
	id := h.st.region.ID()
	entry, ok := c.regions[id]
	if !ok {
		region := h.st.region
		if err := region.RegisterResetCallbackLocked(func() { c.invalidateLocked(region) }); err != nil {
			return err
		}
		entry = &regionEntry{ctx: region, handles: make(map[uint64]weak.Pointer[Handle])}
		c.regions[id] = entry
	}
	entry.handles[h.st.id] = weak.Make(h)
	return nil
}

func (c *Cache) forgetLocked(st *state) {
	entry, ok := c.regions[st.region.ID()]
	if !ok || entry.ctx != st.region {
		return
	}
	delete(entry.handles, st.id)
}

// InvalidateRegion invalidates every live handle pointing into region and
// drops the region's entry. It is idempotent and normally runs as a reset
// callback of the region itself.
func (c *Cache) InvalidateRegion(region *memory.Context) {
	c.sys.Lock()
	defer c.sys.Unlock()
	c.invalidateLocked(region)
}

func (c *Cache) invalidateLocked(region *memory.Context) {
	entry, ok := c.regions[region.ID()]
	if !ok {
		return
	}
	delete(c.regions, region.ID())
	invalidated, collected := 0, 0
	for _, wp := range entry.handles {
		h := wp.Value()
		if h == nil {
			collected++
			continue
		}
		// region memory goes away as a whole, owning handles have nothing to free
		h.st.valid = false
		h.st.ptr = types.NullPointer
		invalidated++
	}
	c.logger.Debug().
		Str("region", region.String()).
		Int("invalidated", invalidated).
		Int("collected", collected).
		Msg("memory context reset, handles invalidated")
}

// Move transfers h and its allocation to dst, e.g. to keep a prepared plan
// beyond the call that created it.
func (c *Cache) Move(h *Handle, dst *memory.Context) error {
	c.sys.Lock()
	defer c.sys.Unlock()
	st := h.st
	if !st.valid {
		return &types.StaleHandleError{Label: st.label}
	}
	if st.region == dst {
		return nil
	}
	np, err := st.region.MoveLocked(st.ptr, dst)
	if err != nil {
		return err
	}
	c.forgetLocked(st)
	st.ptr = np
	st.region = dst
	return c.rememberLocked(h)
}

// Live counts handles that are registered for region and still valid.
func (c *Cache) Live(region *memory.Context) int {
	c.sys.Lock()
	defer c.sys.Unlock()
	entry, ok := c.regions[region.ID()]
	if !ok {
		return 0
	}
	n := 0
	for _, wp := range entry.handles {
		if h := wp.Value(); h != nil && h.st.valid {
			n++
		}
	}
	return n
}
