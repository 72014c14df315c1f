// Package threadreg maps each cooperative Lua thread (including the main
// task) to a stable integer id, per spec §3/§4.E. Keys are held weakly so a
// coroutine that becomes unreachable can be reclaimed without explicit
// bookkeeping.
package threadreg

import (
	"sync"
	"weak"

	lua "github.com/yuin/gopher-lua"
)

// MainThreadID is the permanent id of the interpreter's root execution
// context, per spec §3.
const MainThreadID = 1

// Status mirrors the subset of coroutine statuses spec §4.E cares about.
type Status string

const (
	StatusAlive     Status = "alive" // main, suspended, running, normal
	StatusDead      Status = "dead"
	StatusUnstarted Status = "unstarted"
)

type entry struct {
	weakRef weak.Pointer[lua.LState]
	id      int
}

// Registry is the process-wide thread registry.
type Registry struct {
	mu      sync.Mutex
	main    *lua.LState
	entries []*entry
	nextID  int
}

// NewRegistry creates a registry with the main task pre-registered at
// MainThreadID.
func NewRegistry(main *lua.LState) *Registry {
	r := &Registry{main: main, nextID: MainThreadID + 1}
	r.entries = append(r.entries, &entry{weakRef: weak.Make(main), id: MainThreadID})
	return r
}

// RegisterThread assigns a stable id to h, or returns its existing id.
// Idempotent, per spec §4.E.
func (r *Registry) RegisterThread(h *lua.LState) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h == r.main {
		return MainThreadID
	}

	for _, e := range r.entries {
		if p := e.weakRef.Value(); p == h {
			return e.id
		}
	}

	id := r.nextID
	r.nextID++
	r.entries = append(r.entries, &entry{weakRef: weak.Make(h), id: id})
	return id
}

// ID returns the id already assigned to h, if any.
func (r *Registry) ID(h *lua.LState) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == r.main {
		return MainThreadID, true
	}
	for _, e := range r.entries {
		if p := e.weakRef.Value(); p == h {
			return e.id, true
		}
	}
	return 0, false
}

// Handle looks up the live thread registered under id.
func (r *Registry) Handle(id int) (*lua.LState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == MainThreadID {
		return r.main, true
	}
	for _, e := range r.entries {
		if e.id == id {
			if p := e.weakRef.Value(); p != nil {
				return p, true
			}
			return nil, false
		}
	}
	return nil, false
}

// Alive lists the ids of every thread currently alive, matching the spec's
// "only alive entries surface on `threads`" rule. statusOf classifies a
// handle; the main thread is always alive.
func (r *Registry) Alive(statusOf func(*lua.LState) Status) []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []int
	for _, e := range r.entries {
		if e.id == MainThreadID {
			out = append(out, e.id)
			continue
		}
		p := e.weakRef.Value()
		if p == nil {
			continue
		}
		if statusOf(p) != StatusDead {
			out = append(out, e.id)
		}
	}
	return out
}

// Sweep purges entries whose weak reference has been collected or whose
// status reports dead. Call periodically from a hook event on runtimes
// without automatic weak-map eviction, per spec §5.
func (r *Registry) Sweep(statusOf func(*lua.LState) Status) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.id == MainThreadID {
			kept = append(kept, e)
			continue
		}
		p := e.weakRef.Value()
		if p == nil {
			continue
		}
		if statusOf(p) == StatusDead {
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
}
