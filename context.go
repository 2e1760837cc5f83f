package virtgpu

import (
	"fmt"
	"math"

	"github.com/gogpu/virtgpu/backend"
)

// Context is one guest-visible rendering session. Guarded by the broker
// mutex like the resource table.
type Context struct {
	id            ContextID
	capsetID      CapsetID
	capsetVersion uint32
	bound         map[ResourceID]struct{}
	bctx          backend.Context
}

// ID returns the context id.
func (c *Context) ID() ContextID { return c.id }

// Capset returns the capability set the context was created with.
func (c *Context) Capset() (CapsetID, uint32) { return c.capsetID, c.capsetVersion }

// bind records a resource binding. Idempotent.
func (c *Context) bind(res *Resource) {
	if _, ok := c.bound[res.id]; ok {
		return
	}
	c.bound[res.id] = struct{}{}
	res.bindCount++
}

// unbind removes a resource binding.
func (c *Context) unbind(res *Resource) error {
	if _, ok := c.bound[res.id]; !ok {
		return fmt.Errorf("%w: resource %d not bound to context %d", ErrInvalidState, res.id, c.id)
	}
	delete(c.bound, res.id)
	res.bindCount--
	return nil
}

// contextTable owns every live context, with the same monotonic-id policy
// as the resource table.
type contextTable struct {
	next    uint32
	entries map[ContextID]*Context
}

func newContextTable() *contextTable {
	return &contextTable{entries: make(map[ContextID]*Context)}
}

// create allocates a fresh context id for the given capability set.
func (t *contextTable) create(capsetID CapsetID, capsetVersion uint32, bctx backend.Context) *Context {
	if t.next == math.MaxUint32 {
		panic("virtgpu: context id space exhausted")
	}
	t.next++
	ctx := &Context{
		id:            ContextID(t.next),
		capsetID:      capsetID,
		capsetVersion: capsetVersion,
		bound:         make(map[ResourceID]struct{}),
		bctx:          bctx,
	}
	t.entries[ctx.id] = ctx
	return ctx
}

// get returns the live context for id.
func (t *contextTable) get(id ContextID) (*Context, error) {
	ctx, ok := t.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidContextID, id)
	}
	return ctx, nil
}

// destroy removes a live context. The caller has already verified no fence
// submitted by this context is pending, and unbinds resources afterwards.
func (t *contextTable) destroy(id ContextID) (*Context, error) {
	ctx, ok := t.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidContextID, id)
	}
	delete(t.entries, id)
	return ctx, nil
}

// len returns the number of live contexts.
func (t *contextTable) len() int { return len(t.entries) }

// each visits all live contexts.
func (t *contextTable) each(fn func(*Context)) {
	for _, ctx := range t.entries {
		fn(ctx)
	}
}
