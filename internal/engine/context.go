package engine

import "unsafe"

// AdoptPushedContext records a GPU context the downstream pipeline
// pushed into the engine out-of-band, before any query-based
// acquisition happens. Per §4.6.1's startup-discovery rule, the
// pushed context always wins.
func (e *Engine) AdoptPushedContext(ctx unsafe.Pointer) {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if e.ctxAdopted {
		return
	}
	e.sharedCtx = ctx
	e.ctxAdopted = true
}

// AdoptQueriedContext records a GPU context obtained by querying the
// pipeline, used only when no context was pushed first.
//
// If a pushed context was already adopted, this handle refers to the
// same underlying object with its own incremented reference count.
// Decrementing it here would drop the pushed context's reference
// count below what the pipeline believes it holds, causing a
// use-after-free the next time the pipeline releases its own
// reference. The only correct action is to retain the pushed context
// and deliberately leak this handle without ever releasing it.
func (e *Engine) AdoptQueriedContext(ctx unsafe.Pointer) {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	if e.ctxAdopted {
		return // deliberate leak: ctx is never released
	}
	e.sharedCtx = ctx
	e.ctxAdopted = true
}

// SharedContext answers a downstream GPU-context query per §4.6.4: if
// the engine holds a shared context, return it; otherwise the caller
// should forward to its own default query handler.
func (e *Engine) SharedContext() (unsafe.Pointer, bool) {
	e.ctxMu.Lock()
	defer e.ctxMu.Unlock()
	return e.sharedCtx, e.ctxAdopted
}
