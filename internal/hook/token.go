// Package hook implements the scoped-acquisition token spec.md §9 asks for:
// a value that captures a set of global-table mutation sites and guarantees
// every site is restored on release, even if only some of them were ever
// swapped in (partial setup stays reversible).
package hook

import lua "github.com/yuin/gopher-lua"

// Site names one (table, key) global mutation point.
type Site struct {
	Table *lua.LTable
	Key   string
}

// Token holds the originals captured at Acquire time and releases them in
// reverse order on Release, matching the teacher's "capture then restore"
// idiom for _G.error/_G.assert/debug.traceback (engine/engine.go's global
// override bookkeeping), generalised into a reusable value.
type Token struct {
	sites     []Site
	originals []lua.LValue
	released  bool
}

// Acquire swaps site.Table[site.Key] to replacement for every (site,
// replacement) pair, recording the original value first so Release can put
// it back regardless of how many sites were successfully swapped.
func Acquire(sites []Site, replacements []lua.LValue) *Token {
	t := &Token{}
	for i, s := range sites {
		t.sites = append(t.sites, s)
		t.originals = append(t.originals, s.Table.RawGetString(s.Key))
		s.Table.RawSetString(s.Key, replacements[i])
	}
	return t
}

// Release restores every captured site to its original value. Calling
// Release more than once is a no-op.
func (t *Token) Release() {
	if t.released {
		return
	}
	for i := len(t.sites) - 1; i >= 0; i-- {
		t.sites[i].Table.RawSetString(t.sites[i].Key, t.originals[i])
	}
	t.released = true
}

// Original returns the value captured for the i-th site, used by overrides
// that need to delegate to the original primitive (e.g. error's override
// re-raising through the real error function after the break, per spec
// §4.H).
func (t *Token) Original(i int) lua.LValue {
	return t.originals[i]
}
