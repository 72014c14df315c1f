// Package breakctl owns step/breakpoint hit detection, stack-depth
// tracking, thread-scoped stepping and the re-entrancy guards, per spec
// §3/§4.G.
package breakctl

import (
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/lua-debug/luadbg/internal/breakpoint"
	"github.com/lua-debug/luadbg/internal/pathutil"
	"github.com/lua-debug/luadbg/internal/sourcemap"
)

// noStep disables stepping, per spec §3's breakAtDepth ∈ {−1} ∪ ℕ ∪ {+∞}.
const noStep = -1

// StepToAnyDepth represents +∞: halt at the very next line anywhere.
const StepToAnyDepth = int(^uint(0) >> 1)

// HitKind enumerates why the controller halted.
type HitKind string

const (
	HitNone       HitKind = ""
	HitStep       HitKind = "step"
	HitBreakpoint HitKind = "breakpoint"
)

// Controller holds the break/step state machine described in spec §3/§4.G.
type Controller struct {
	breakAtDepth  int
	breakInThread *lua.LState
	skipTraceback bool
	hookStack     []HookMode

	breakpoints *breakpoint.Table
	maps        *sourcemap.Store

	// debuggerSourceSuffix and builtinPrefix implement the two
	// self-debugging guards from spec §4.G/§5.
	debuggerSourceSuffix string
	builtinPrefix        string

	// EvalCondition runs "return <condition>" at frame 0 of the halting
	// frame; wired by the engine to the evalenv.Evaluator so this package
	// stays free of the evaluator's gopher-lua compile/run machinery.
	EvalCondition func(thread *lua.LState, condition string) (truthy bool, evalErr bool)

	// ThreadStatus classifies a thread handle as alive/dead, used for the
	// "breakInThread died" step-out completion rule.
	ThreadStatus func(*lua.LState) string
}

// HookMode is pushed/popped by the hook installer (component H), per spec §3.
type HookMode int

const (
	HookGlobal HookMode = iota
	HookFunction
)

// New builds a Controller with stepping disabled.
func New(bpTable *breakpoint.Table, maps *sourcemap.Store, debuggerSourceSuffix, builtinPrefix string) *Controller {
	return &Controller{
		breakAtDepth:         noStep,
		breakpoints:          bpTable,
		maps:                 maps,
		debuggerSourceSuffix: debuggerSourceSuffix,
		builtinPrefix:        builtinPrefix,
	}
}

// Event is what the line hook passes in on every executed line, per spec §4.G.
type Event struct {
	Line         int
	Source       string // chunk name, e.g. "@/path/to/file.lua" or "[builtin:...]"
	ActiveThread *lua.LState
	StackDepth   int
}

// Decision is the controller's verdict for one Event.
type Decision struct {
	Halt      bool
	Kind      HitKind
	Breakpoint *breakpoint.Breakpoint
}

// ShouldSkip reports the two self-debugging guards from spec §4.G/§5: the
// hook never fires for frames belonging to the debugger's own source or to
// built-in C frames.
func (c *Controller) ShouldSkip(source string) bool {
	if c.debuggerSourceSuffix != "" && strings.HasSuffix(source, c.debuggerSourceSuffix) {
		return true
	}
	if c.builtinPrefix != "" && strings.HasPrefix(source, c.builtinPrefix) {
		return true
	}
	return false
}

// Decide implements the decision ordering of spec §4.G: step, then
// breakpoints, then conditional breakpoints.
func (c *Controller) Decide(ev Event) Decision {
	if c.ShouldSkip(ev.Source) {
		return Decision{}
	}

	if c.breakAtDepth != noStep {
		if c.stepShouldHalt(ev) {
			return Decision{Halt: true, Kind: HitStep}
		}
		return Decision{}
	}

	return c.checkBreakpoints(ev)
}

func (c *Controller) stepShouldHalt(ev Event) bool {
	if c.breakInThread == nil {
		return true
	}
	if ev.ActiveThread == c.breakInThread {
		return ev.StackDepth <= c.breakAtDepth
	}
	if c.ThreadStatus != nil && c.ThreadStatus(c.breakInThread) == "dead" {
		return true
	}
	return false
}

func (c *Controller) checkBreakpoints(ev Event) Decision {
	path := pathutil.Format(stripSigil(ev.Source))

	for _, bp := range c.breakpoints.AtLine(ev.Line) {
		if !pathCompare(bp.File, path) {
			continue
		}
		if d, halt := c.evaluateHit(bp, ev); halt {
			return d
		}
	}

	if d, halt := c.checkOriginalCoordinateFallback(ev, path); halt {
		return d
	}

	return Decision{}
}

// checkOriginalCoordinateFallback implements spec §4.G point 2's second
// clause: when Add-time binding never resolved a breakpoint's original
// coordinate to an emitted one (the table was cold for that file when the
// breakpoint was added), the breakpoint stays keyed by its requested
// (original) file and line. The current line's own source map is used to
// reverse-map it back to that original coordinate instead, so the
// breakpoint is not permanently dead on arrival.
func (c *Controller) checkOriginalCoordinateFallback(ev Event, emittedPath pathutil.Path) (Decision, bool) {
	if c.maps == nil {
		return Decision{}, false
	}
	sm := c.maps.Get(emittedPath.String())
	if sm == nil {
		return Decision{}, false
	}
	mapping, ok := sm.Mapping[ev.Line]
	if !ok || mapping.SourceIndex < 0 || mapping.SourceIndex >= len(sm.Sources) {
		return Decision{}, false
	}
	origFile := sm.Sources[mapping.SourceIndex]

	for _, bp := range c.breakpoints.AtLine(mapping.SourceLine) {
		if bp.HasOriginal {
			continue // already correctly bound to emitted coordinates above
		}
		if !pathCompare(bp.File, origFile) {
			continue
		}
		if d, halt := c.evaluateHit(bp, ev); halt {
			return d, true
		}
	}
	return Decision{}, false
}

// evaluateHit applies the enabled and conditional-breakpoint checks common
// to both the direct emitted-coordinate match and the original-coordinate
// fallback, per spec §4.G point 3.
func (c *Controller) evaluateHit(bp *breakpoint.Breakpoint, ev Event) (Decision, bool) {
	if !bp.Enabled {
		return Decision{}, false
	}
	if bp.HasCondition && c.EvalCondition != nil {
		truthy, evalErr := c.EvalCondition(ev.ActiveThread, bp.Condition)
		if evalErr {
			// Evaluation errors in the condition never halt, per
			// spec §4.G point 3.
			return Decision{}, false
		}
		if !truthy {
			return Decision{}, false
		}
	}
	return Decision{Halt: true, Kind: HitBreakpoint, Breakpoint: bp}, true
}

func stripSigil(source string) string {
	if len(source) > 0 && (source[0] == '@' || source[0] == '=') {
		return source[1:]
	}
	return source
}

// pathCompare equates two paths if one equals the other or if one is a
// suffix of the other beginning at a separator, per spec §4.G.
func pathCompare(a, b pathutil.Path) bool {
	if a.Equal(b) {
		return true
	}
	as, bs := a.String(), b.String()
	return suffixAtSeparator(as, bs) || suffixAtSeparator(bs, as)
}

func suffixAtSeparator(long, short string) bool {
	if len(short) == 0 || len(short) > len(long) {
		return false
	}
	if !strings.HasSuffix(long, short) {
		return false
	}
	boundary := len(long) - len(short)
	if boundary == 0 {
		return true
	}
	// Every non-drive Path renders with a leading separator, so the suffix
	// itself usually begins with one.
	return pathutil.Separator == string(long[boundary]) || pathutil.Separator == string(long[boundary-1])
}

// --- step state transitions, per spec §4.G ---

// Continue arms "resume" state: disables stepping entirely.
func (c *Controller) Continue() {
	c.breakAtDepth = noStep
	c.breakInThread = nil
}

// StepOver arms step-over from currentDepth in thread active.
func (c *Controller) StepOver(currentDepth int, active *lua.LState) {
	c.breakAtDepth = currentDepth
	c.breakInThread = active
}

// StepIn arms step-into: halt at the very next line, any thread.
func (c *Controller) StepIn() {
	c.breakAtDepth = StepToAnyDepth
	c.breakInThread = nil
}

// StepOut arms step-out from currentDepth in thread active.
func (c *Controller) StepOut(currentDepth int, active *lua.LState) {
	limit := currentDepth - 1
	c.breakAtDepth = limit
	c.breakInThread = active
}

// RequestBreak arms an asynchronous break at the very next line, per the
// public API's requestBreak(), spec §6.
func (c *Controller) RequestBreak() {
	c.breakAtDepth = StepToAnyDepth
	c.breakInThread = nil
}

// Stepping reports whether step mode is currently armed.
func (c *Controller) Stepping() bool {
	return c.breakAtDepth != noStep
}

// --- hook stack / reentrancy state, per spec §3/§9 ---

// PushHookMode records a new hookStack activation.
func (c *Controller) PushHookMode(mode HookMode) {
	c.hookStack = append(c.hookStack, mode)
}

// PopHookMode removes the most recent activation and reports whether the
// stack is now empty.
func (c *Controller) PopHookMode() (empty bool) {
	if len(c.hookStack) > 0 {
		c.hookStack = c.hookStack[:len(c.hookStack)-1]
	}
	return len(c.hookStack) == 0
}

// TopHookMode returns the currently active mode; only its own error/assert/
// traceback override behaviour is observed, per spec §4.H.
func (c *Controller) TopHookMode() (HookMode, bool) {
	if len(c.hookStack) == 0 {
		return 0, false
	}
	return c.hookStack[len(c.hookStack)-1], true
}

// SkipNextTraceback is the one-shot suppression flag used by the
// error-path intercepts, per spec §3.
func (c *Controller) SkipNextTraceback() bool { return c.skipTraceback }

// SetSkipNextTraceback arms or clears the flag.
func (c *Controller) SetSkipNextTraceback(v bool) { c.skipTraceback = v }

// BreakInThread reports the thread stepping is currently scoped to, if any.
func (c *Controller) BreakInThread() *lua.LState { return c.breakInThread }
