package engine

import (
	"regexp"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/lua-debug/luadbg/internal/breakctl"
	"github.com/lua-debug/luadbg/internal/dbglog"
	"github.com/lua-debug/luadbg/internal/hook"
	"github.com/lua-debug/luadbg/internal/protocol"
	"github.com/lua-debug/luadbg/internal/threadreg"
)

// HookMode mirrors breakctl.HookMode for callers outside this package.
type HookMode = breakctl.HookMode

const (
	HookGlobal   = breakctl.HookGlobal
	HookFunction = breakctl.HookFunction
)

// pushHook implements spec §4.H's installer: the first activation installs
// the line hook plus, in Global mode, the error/assert/traceback and
// coroutine-constructor overrides. Nested pushes do not reinstall; only the
// top-of-stack mode is observed for the error-handling overrides.
func (es *State) pushHook(mode HookMode) {
	_, wasActive := es.Ctl.TopHookMode()
	es.Ctl.PushHookMode(mode)

	if !wasActive {
		es.installLineHook()
	}

	if mode == HookGlobal && es.globalToken == nil {
		es.installGlobalOverrides()
	}
}

// popHook reverses pushHook; when the stack becomes empty, every override
// is restored and the line hook removed. Returns whether the stack is now
// empty.
func (es *State) popHook() bool {
	empty := es.Ctl.PopHookMode()
	if empty {
		es.removeGlobalOverrides()
		es.removeLineHook()
	}
	return empty
}

func (es *State) installLineHook() {
	es.Main.SetHook(es.onLine, lua.MaskLine, 0)
	for _, id := range es.Threads.Alive(es.statusOf) {
		if h, ok := es.Threads.Handle(id); ok && h != es.Main {
			h.SetHook(es.onLine, lua.MaskLine, 0)
		}
	}
}

func (es *State) removeLineHook() {
	es.Main.SetHook(nil, 0, 0)
	for _, id := range es.Threads.Alive(es.statusOf) {
		if h, ok := es.Threads.Handle(id); ok && h != es.Main {
			h.SetHook(nil, 0, 0)
		}
	}
}

// statusOf adapts threadStatusString's human-readable classification to the
// tri-state threadreg.Status the registry needs for liveness sweeps.
func (es *State) statusOf(h *lua.LState) threadreg.Status {
	switch es.threadStatusString(h) {
	case "dead":
		return threadreg.StatusDead
	default:
		return threadreg.StatusAlive
	}
}

// onLine is the per-line instruction hook invoked by the interpreter, per
// spec §4.G. It enforces the single-activation reentrancy guard (invariant
// #4), consults the break controller, and on halt emits debugBreak and
// enters the command loop.
func (es *State) onLine(vm *lua.LState, dbg *lua.LDebug) {
	if !es.enterHook() {
		es.exitHook()
		return
	}
	defer es.exitHook()

	es.Breaks.Observe(stripSigil(dbg.Source))

	ev := breakctl.Event{
		Line:         dbg.CurrentLine,
		Source:       dbg.Source,
		ActiveThread: vm,
		StackDepth:   stackDepth(vm),
	}

	decision := es.Ctl.Decide(ev)
	if !decision.Halt {
		return
	}

	tid := es.Threads.RegisterThread(vm)
	es.activeThread = vm
	es.activeFrame = 0
	es.savedFrameOffsets[vm] = 0
	es.Eval.SetHalted(vm)

	msg := "breakpoint hit"
	bt := protocol.BreakBreakpoint
	if decision.Kind == breakctl.HitStep {
		msg, bt = "step", protocol.BreakStep
	} else if decision.Breakpoint != nil {
		msg = decision.Breakpoint.String()
	}

	dbglog.Info("halt: thread=%d line=%d kind=%s", tid, ev.Line, decision.Kind)

	es.Writer.Emit(protocol.TypeDebugBreak, protocol.DebugBreak{
		Message:   msg,
		BreakType: bt,
		ThreadID:  tid,
	})

	es.runCommandLoop()
}

func stackDepth(vm *lua.LState) int {
	depth := 0
	for i := 0; ; i++ {
		if _, ok := vm.GetStack(i); !ok {
			break
		}
		depth++
	}
	return depth
}

// --- Global-mode overrides: error/assert/traceback + coroutine ctors ---

var sourcePosRE = regexp.MustCompile(`([ \t]*)([^\s:][^:\n]*):(\d+):`)

func (es *State) installGlobalOverrides() {
	globals := es.Main.G.Global

	errorFn := globals.RawGetString("error")
	assertFn := globals.RawGetString("assert")
	printFn := globals.RawGetString("print")
	debugTbl := globals.RawGetString("debug")
	var tracebackFn lua.LValue = lua.LNil
	var debugTable *lua.LTable
	if dt, ok := debugTbl.(*lua.LTable); ok {
		debugTable = dt
		tracebackFn = dt.RawGetString("traceback")
	}

	createFn := globals.RawGetString("coroutine")
	var coroTable *lua.LTable
	var createOrig, wrapOrig lua.LValue = lua.LNil, lua.LNil
	if ct, ok := createFn.(*lua.LTable); ok {
		coroTable = ct
		createOrig = ct.RawGetString("create")
		wrapOrig = ct.RawGetString("wrap")
	}

	var sites []hook.Site
	var repls []lua.LValue

	sites = append(sites, hook.Site{Table: globals, Key: "error"})
	repls = append(repls, es.Main.NewFunction(es.overrideError(errorFn)))

	sites = append(sites, hook.Site{Table: globals, Key: "assert"})
	repls = append(repls, es.Main.NewFunction(es.overrideAssert(assertFn)))

	sites = append(sites, hook.Site{Table: globals, Key: "print"})
	repls = append(repls, es.Main.NewFunction(es.overridePrint(printFn)))

	if debugTable != nil {
		sites = append(sites, hook.Site{Table: debugTable, Key: "traceback"})
		repls = append(repls, es.Main.NewFunction(es.overrideTraceback(tracebackFn)))
	}

	if coroTable != nil {
		sites = append(sites, hook.Site{Table: coroTable, Key: "create"})
		repls = append(repls, es.Main.NewFunction(es.overrideCoroutineCreate(createOrig)))

		sites = append(sites, hook.Site{Table: coroTable, Key: "wrap"})
		repls = append(repls, es.Main.NewFunction(es.overrideCoroutineWrap(wrapOrig)))
	}

	es.globalToken = hook.Acquire(sites, repls)
}

func (es *State) removeGlobalOverrides() {
	if es.globalToken != nil {
		es.globalToken.Release()
		es.globalToken = nil
	}
}

// overrideError implements spec §4.H's error() interception: translate
// through the source-map remapper, emit a debugBreak(error), enter the
// command loop, then delegate to the original so unwinding proceeds
// unchanged.
func (es *State) overrideError(original lua.LValue) lua.LGFunction {
	return func(vm *lua.LState) int {
		msg := vm.ToStringMeta(vm.Get(1)).String()
		translated := es.remapSourcePositions(msg)

		tid, _ := es.Threads.ID(vm)
		es.Writer.Emit(protocol.TypeDebugBreak, protocol.DebugBreak{
			Message:   translated,
			BreakType: protocol.BreakError,
			ThreadID:  tid,
		})
		es.runCommandLoop()

		es.Ctl.SetSkipNextTraceback(true)
		return es.callOriginal(vm, original)
	}
}

// overrideAssert implements spec §4.H's assert() interception.
func (es *State) overrideAssert(original lua.LValue) lua.LGFunction {
	return func(vm *lua.LState) int {
		v := vm.Get(1)
		if lua.LVAsBool(v) {
			return es.callOriginal(vm, original)
		}

		msg := "assertion failed!"
		if vm.GetTop() >= 2 {
			msg = vm.ToStringMeta(vm.Get(2)).String()
		}
		translated := es.remapSourcePositions(msg)

		tid, _ := es.Threads.ID(vm)
		es.Writer.Emit(protocol.TypeDebugBreak, protocol.DebugBreak{
			Message:   translated,
			BreakType: protocol.BreakError,
			ThreadID:  tid,
		})
		es.runCommandLoop()

		es.Ctl.SetSkipNextTraceback(true)
		return es.callOriginal(vm, original)
	}
}

// overridePrint implements the "redirect stdout" supplement: depending on
// the current mode, the debuggee's own print output is let through as
// normal, additionally tee'd out-of-band through the protocol sink, or
// suppressed from the real stdout entirely, per SPEC_FULL.md's capability
// negotiation supplement.
func (es *State) overridePrint(original lua.LValue) lua.LGFunction {
	return func(vm *lua.LState) int {
		mode := es.redirectModes["stdout"]

		if mode == "copy" || mode == "redirect" {
			parts := make([]string, 0, vm.GetTop())
			for i := 1; i <= vm.GetTop(); i++ {
				parts = append(parts, vm.ToStringMeta(vm.Get(i)).String())
			}
			es.Writer.WriteRaw(strings.Join(parts, "\t") + "\n")
		}

		if mode == "redirect" {
			return 0
		}
		return es.callOriginal(vm, original)
	}
}

// overrideTraceback implements spec §4.H's debug.traceback() interception
// and decision #1 of SPEC_FULL.md's Open Question: every call breaks unless
// the one-shot SkipNextTraceback flag is set (the error/assert overrides set
// it after their own break, so one error stops only once). An explicit call
// from user code breaks as well.
func (es *State) overrideTraceback(original lua.LValue) lua.LGFunction {
	return func(vm *lua.LState) int {
		n := es.callOriginal(vm, original)
		if n > 0 {
			top := vm.Get(-1)
			if s, ok := top.(lua.LString); ok {
				vm.Pop(1)
				vm.Push(lua.LString(es.remapSourcePositions(string(s))))
			}
		}

		if es.Ctl.SkipNextTraceback() {
			es.Ctl.SetSkipNextTraceback(false)
			return n
		}

		tid, _ := es.Threads.ID(vm)
		es.Writer.Emit(protocol.TypeDebugBreak, protocol.DebugBreak{
			Message:   "uncaught error",
			BreakType: protocol.BreakError,
			ThreadID:  tid,
		})
		es.runCommandLoop()
		return n
	}
}

func (es *State) callOriginal(vm *lua.LState, original lua.LValue) int {
	fn, ok := original.(*lua.LFunction)
	if !ok {
		return 0
	}
	top := vm.GetTop()
	args := make([]lua.LValue, 0, top)
	for i := 1; i <= top; i++ {
		args = append(args, vm.Get(i))
	}
	vm.Push(fn)
	for _, a := range args {
		vm.Push(a)
	}
	vm.Call(len(args), lua.MultRet)
	return vm.GetTop() - top
}

// overrideCoroutineCreate wraps coroutine.create so that every new
// coroutine is registered in the thread registry and has the line hook
// attached before being returned, per spec §4.H.
func (es *State) overrideCoroutineCreate(original lua.LValue) lua.LGFunction {
	return func(vm *lua.LState) int {
		n := es.callOriginal(vm, original)
		if n < 1 {
			return n
		}
		ret := vm.Get(-1)
		if th, ok := ret.(*lua.LState); ok {
			es.Threads.RegisterThread(th)
			th.SetHook(es.onLine, lua.MaskLine, 0)
		}
		return n
	}
}

// overrideCoroutineWrap cannot delegate to the original coroutine.wrap the
// way overrideError/overrideAssert delegate to theirs: gopher-lua's wrap
// builds its driven thread internally and never surfaces it through the
// coroutine.create global, so there is no result to intercept. Instead this
// rebuilds wrap's behaviour on top of coroutine.create's own machinery
// (NewThread + Resume), so the thread it drives is registered and hooked
// exactly like overrideCoroutineCreate's result, closing spec §8 scenario D
// for the coroutine.wrap idiom.
func (es *State) overrideCoroutineWrap(original lua.LValue) lua.LGFunction {
	return func(vm *lua.LState) int {
		fn, ok := vm.Get(1).(*lua.LFunction)
		if !ok {
			vm.RaiseError("coroutine.wrap: function expected")
			return 0
		}

		th := vm.NewThread()
		es.Threads.RegisterThread(th)
		th.SetHook(es.onLine, lua.MaskLine, 0)

		resumer := vm.NewFunction(func(vm2 *lua.LState) int {
			top := vm2.GetTop()
			args := make([]lua.LValue, 0, top)
			for i := 1; i <= top; i++ {
				args = append(args, vm2.Get(i))
			}
			state, rets, err := vm2.Resume(th, fn, args...)
			if state == lua.ResumeError {
				if err != nil {
					vm2.RaiseError("%s", err.Error())
				}
				return 0
			}
			for _, r := range rets {
				vm2.Push(r)
			}
			return len(rets)
		})
		vm.Push(resumer)
		return 1
	}
}

// remapSourcePositions is the identity on strings containing no
// "file:line:" pattern; applied twice it yields the same result as once
// (spec §8 property 8).
func (es *State) remapSourcePositions(msg string) string {
	return sourcePosRE.ReplaceAllStringFunc(msg, func(match string) string {
		sub := sourcePosRE.FindStringSubmatch(match)
		indent, file, lineStr := sub[1], sub[2], sub[3]

		sm := es.Maps.Get(file)
		if sm == nil {
			return match
		}
		line := atoiOr(lineStr, -1)
		mapped, ok := sm.Mapping[line]
		if !ok || mapped.SourceIndex < 0 || mapped.SourceIndex >= len(sm.Sources) {
			return match
		}
		return indent + sm.Sources[mapped.SourceIndex].String() + ":" + itoa(mapped.SourceLine) + ":"
	})
}

func atoiOr(s string, def int) int {
	n := 0
	neg := false
	for i, c := range s {
		if i == 0 && c == '-' {
			neg = true
			continue
		}
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int(c-'0')
	}
	if neg {
		n = -n
	}
	return n
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
