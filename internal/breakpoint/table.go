// Package breakpoint implements the active breakpoint set, indexed for fast
// per-line lookup, with optional source-map-aware original/emitted
// coordinate binding, per spec §3/§4.C.
package breakpoint

import (
	"fmt"
	"sync"

	"github.com/lua-debug/luadbg/internal/pathutil"
	"github.com/lua-debug/luadbg/internal/sourcemap"
)

// Breakpoint is one entry in the table, keyed by emitted (file, line).
type Breakpoint struct {
	File          pathutil.Path
	Line          int
	Enabled       bool
	Condition     string
	HasCondition  bool
	OriginalFile  pathutil.Path
	OriginalLine  int
	HasOriginal   bool
}

// Table is the process-wide breakpoint store.
type Table struct {
	maps *sourcemap.Store

	mu       sync.Mutex
	byLn     map[int][]*Breakpoint
	observed map[string]pathutil.Path
}

// NewTable builds an empty table that consults maps to bind
// original-source breakpoints to their emitted line, per spec §4.C.
func NewTable(maps *sourcemap.Store) *Table {
	return &Table{
		maps:     maps,
		byLn:     make(map[int][]*Breakpoint),
		observed: make(map[string]pathutil.Path),
	}
}

// Observe registers file as an emitted file the debuggee has actually
// loaded, so resolveOriginal can consult its source map even before any
// breakpoint has been added against it. The engine calls this as each
// chunk is loaded and on every line hook, per spec §4.G point 2; without
// it a cold table (the common case: the very first breakpoint of a
// session) could never discover which files carry a source map.
func (t *Table) Observe(file string) {
	p := pathutil.Format(file)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observed[p.String()] = p
}

// Add registers a breakpoint at (file, line). If a source map exists for
// file and (file, line) denotes an original-source coordinate, the
// breakpoint is rebound to the emitted line the map targets.
func (t *Table) Add(file string, line int, condition string, hasCondition bool) *Breakpoint {
	reqPath := pathutil.Format(file)

	bp := &Breakpoint{
		File:         reqPath,
		Line:         line,
		Enabled:      true,
		Condition:    condition,
		HasCondition: hasCondition,
	}

	if emittedFile, emittedLine, ok := t.resolveOriginal(reqPath, line); ok {
		bp.OriginalFile = reqPath
		bp.OriginalLine = line
		bp.HasOriginal = true
		bp.File = emittedFile
		bp.Line = emittedLine
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.byLn[bp.Line] = append(t.byLn[bp.Line], bp)
	return bp
}

// resolveOriginal walks every known source map's mapping table looking for
// an emitted line whose translation targets (origFile, origLine). It is
// O(lines-with-maps) per add, matching the teacher's own "linear scan to
// bind a breakpoint" approach (engine/breakpoints.go) generalised from GDB
// line tables to source-map mapping tables.
func (t *Table) resolveOriginal(origFile pathutil.Path, origLine int) (pathutil.Path, int, bool) {
	if t.maps == nil {
		return pathutil.Path{}, 0, false
	}
	// A breakpoint request names the *emitted* file directly when no map
	// exists for it; only files carrying a source map can have an
	// original-coordinate request resolved here.
	candidates := t.knownEmittedFiles()
	for _, emittedFile := range candidates {
		sm := t.maps.Get(emittedFile.String())
		if sm == nil {
			continue
		}
		for emittedLine, mapping := range sm.Mapping {
			if mapping.SourceIndex < 0 || mapping.SourceIndex >= len(sm.Sources) {
				continue
			}
			if sm.Sources[mapping.SourceIndex].Equal(origFile) && mapping.SourceLine == origLine {
				return emittedFile, emittedLine, true
			}
		}
	}
	return pathutil.Path{}, 0, false
}

// knownEmittedFiles returns the distinct emitted files already seen by this
// table, which bounds resolveOriginal's scan to files the debuggee has
// actually loaded (populated via Observe, plus any file a breakpoint already
// targets directly).
func (t *Table) knownEmittedFiles() []pathutil.Path {
	t.mu.Lock()
	defer t.mu.Unlock()
	seen := make(map[string]bool)
	var out []pathutil.Path
	for key, p := range t.observed {
		seen[key] = true
		out = append(out, p)
	}
	for _, list := range t.byLn {
		for _, bp := range list {
			key := bp.File.String()
			if !seen[key] {
				seen[key] = true
				out = append(out, bp.File)
			}
		}
	}
	return out
}

// Remove deletes the breakpoint matching (file, line), checking both the
// emitted and original coordinate role the caller-supplied pair may play.
func (t *Table) Remove(file string, line int) bool {
	p := pathutil.Format(file)

	t.mu.Lock()
	defer t.mu.Unlock()

	for ln, list := range t.byLn {
		for i, bp := range list {
			if matches(bp, p, line) {
				t.byLn[ln] = append(list[:i], list[i+1:]...)
				if len(t.byLn[ln]) == 0 {
					delete(t.byLn, ln)
				}
				return true
			}
		}
	}
	return false
}

// Get finds the breakpoint matching (file, line) under either its emitted
// or original coordinates.
func (t *Table) Get(file string, line int) (*Breakpoint, bool) {
	p := pathutil.Format(file)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, list := range t.byLn {
		for _, bp := range list {
			if matches(bp, p, line) {
				return bp, true
			}
		}
	}
	return nil, false
}

func matches(bp *Breakpoint, file pathutil.Path, line int) bool {
	if bp.Line == line && bp.File.Equal(file) {
		return true
	}
	if bp.HasOriginal && bp.OriginalLine == line && bp.OriginalFile.Equal(file) {
		return true
	}
	return false
}

// AtLine returns every breakpoint bound to emitted line ln, in insertion
// order, for the break controller's fast per-line lookup.
func (t *Table) AtLine(ln int) []*Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.byLn[ln]
	out := make([]*Breakpoint, len(list))
	copy(out, list)
	return out
}

// SetEnabled flips the enabled flag of the breakpoint matching (file, line).
func (t *Table) SetEnabled(file string, line int, enabled bool) bool {
	p := pathutil.Format(file)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, list := range t.byLn {
		for _, bp := range list {
			if matches(bp, p, line) {
				bp.Enabled = enabled
				return true
			}
		}
	}
	return false
}

// GetAll returns a flattened snapshot of every breakpoint; ordering is not
// guaranteed, per spec §4.C.
func (t *Table) GetAll() []*Breakpoint {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Breakpoint
	for _, list := range t.byLn {
		out = append(out, list...)
	}
	return out
}

// Clear removes every breakpoint.
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byLn = make(map[int][]*Breakpoint)
}

// Count returns the exact number of registered breakpoints; empty per-line
// lists are pruned eagerly so this is an O(lines) sum, not a guess.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, list := range t.byLn {
		n += len(list)
	}
	return n
}

// String implements fmt.Stringer for diagnostic logging.
func (b *Breakpoint) String() string {
	if b.HasOriginal {
		return fmt.Sprintf("%s:%d (emitted %s:%d)", b.OriginalFile, b.OriginalLine, b.File, b.Line)
	}
	return fmt.Sprintf("%s:%d", b.File, b.Line)
}
