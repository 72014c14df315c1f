// Package evalenv compiles a user expression/statement and runs it under a
// synthetic environment bound to the locals, upvalues and globals of a
// chosen stack frame, per spec §4.F.
package evalenv

import (
	"fmt"
	"regexp"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/lua-debug/luadbg/internal/sourcemap"
)

// ErrMainFromCoroutine is returned verbatim as the evaluator's error message
// when the caller asks to evaluate in the main task's frame while the
// current thread is a coroutine, per spec §4.F point 10's constraint.
const ErrMainFromCoroutine = "unable to access main thread while running in a coroutine"

// Variable is one harvested local, upvalue or vararg slot, per spec §3.
type Variable struct {
	Name  string
	Value lua.LValue
	Index int // positive: local/upvalue slot; negative: vararg slot
}

// Evaluator runs expressions against a chosen frame of a chosen thread.
type Evaluator struct {
	// Main is the root LState; evaluating "in the main thread" while the
	// active thread is a coroutine is rejected per spec §4.F.
	Main *lua.LState

	// Halted is the thread actually halted at the hook right now, as
	// opposed to thread, which may name any frame the "thread <n>" command
	// has switched inspection to. The main-from-coroutine guard in
	// executeRaw/ExecuteStatement compares against this, not against
	// whatever the command loop is currently looking at.
	Halted *lua.LState
}

// NewEvaluator builds an Evaluator bound to the root interpreter state.
func NewEvaluator(main *lua.LState) *Evaluator {
	return &Evaluator{Main: main, Halted: main}
}

// SetHalted records the thread the hook actually halted execution in, per
// spec §4.F point 10. The engine calls this whenever a new halt occurs; it
// is never changed by the "thread <n>" inspection switch.
func (e *Evaluator) SetHalted(thread *lua.LState) {
	e.Halted = thread
}

// identNotAllowed matches internal slot names the interpreter may report
// for compiler temporaries; these are never surfaced as locals (spec §4.F
// point 2).
var identNotAllowed = regexp.MustCompile(`[^A-Za-z0-9_]`)

// harvestLocals iterates local slots 1..∞ until the interpreter reports no
// further name, per spec §4.F point 2.
func harvestLocals(L *lua.LState, dbg *lua.LDebug) []Variable {
	var out []Variable
	for i := 1; ; i++ {
		name, val := L.GetLocal(dbg, i)
		if name == "" {
			break
		}
		if identNotAllowed.MatchString(name) {
			continue
		}
		out = append(out, Variable{Name: name, Value: val, Index: i})
	}
	return out
}

// harvestVarargs iterates vararg slots -1, -2, ... with sanitised,
// collision-free display names, per spec §4.F point 3 and §3's "Variable
// record" collision rule.
func harvestVarargs(L *lua.LState, dbg *lua.LDebug) []Variable {
	var out []Variable
	seen := make(map[string]int)
	for i := -1; ; i-- {
		name, val := L.GetLocal(dbg, i)
		if name == "" {
			break
		}
		display := fmt.Sprintf("vararg%d", -i)
		if _, dup := seen[display]; dup {
			display += strings.Repeat("_", seen[display])
		}
		seen[display]++
		out = append(out, Variable{Name: display, Value: val, Index: i})
		_ = name
	}
	return out
}

// harvestUpvalues reads upvalues 1..nups from fn, per spec §4.F point 4.
func harvestUpvalues(L *lua.LState, fn *lua.LFunction) []Variable {
	var out []Variable
	if fn == nil || fn.Proto == nil {
		return out
	}
	nups := int(fn.Proto.NumUpvalues)
	for i := 1; i <= nups; i++ {
		name, val := L.GetUpvalue(fn, i)
		if name == "" {
			continue
		}
		out = append(out, Variable{Name: name, Value: val, Index: i})
	}
	return out
}

// syntheticEnv is the indexing protocol over locals+upvalues+globals spec
// §4.F point 6 describes. Reads check locals, then upvalues, then globals;
// writes likewise, falling through to the global table for unknown names.
type syntheticEnv struct {
	locals   []Variable
	upvalues []Variable
	globals  *lua.LTable
}

func (e *syntheticEnv) index(name string) lua.LValue {
	for _, v := range e.locals {
		if v.Name == name {
			return v.Value
		}
	}
	for _, v := range e.upvalues {
		if v.Name == name {
			return v.Value
		}
	}
	return e.globals.RawGetString(name)
}

func (e *syntheticEnv) newindex(name string, val lua.LValue) (local, upvalue bool, index int) {
	for i := range e.locals {
		if e.locals[i].Name == name {
			e.locals[i].Value = val
			return true, false, e.locals[i].Index
		}
	}
	for i := range e.upvalues {
		if e.upvalues[i].Name == name {
			e.upvalues[i].Value = val
			return false, true, e.upvalues[i].Index
		}
	}
	e.globals.RawSetString(name, val)
	return false, false, 0
}

// buildTable materialises the synthetic environment as a real Lua table
// with __index/__newindex metamethods, matching gopher-lua's environment
// binding surface (LFunction environments are plain *LTable values).
func (e *syntheticEnv) buildTable(L *lua.LState) *lua.LTable {
	tbl := L.NewTable()
	mt := L.NewTable()

	mt.RawSetString("__index", L.NewFunction(func(vm *lua.LState) int {
		name := vm.CheckString(2)
		vm.Push(e.index(name))
		return 1
	}))
	mt.RawSetString("__newindex", L.NewFunction(func(vm *lua.LState) int {
		name := vm.CheckString(2)
		val := vm.CheckAny(3)
		e.newindex(name, val)
		return 0
	}))
	L.SetMetatable(tbl, mt)
	return tbl
}

// Result is the outcome of Execute.
type Result struct {
	OK     bool
	Value  string
	ErrMsg string
	Raw    lua.LValue
}

// Locals exposes harvestLocals+harvestVarargs to callers outside the
// package (the command loop's "locals" verb, per spec §4.F point 2/3).
func (e *Evaluator) Locals(thread *lua.LState, dbg *lua.LDebug) []Variable {
	out := harvestLocals(thread, dbg)
	return append(out, harvestVarargs(thread, dbg)...)
}

// Upvalues exposes harvestUpvalues to callers outside the package (the
// command loop's "ups" verb, per spec §4.F point 4).
func (e *Evaluator) Upvalues(thread *lua.LState, dbg *lua.LDebug) []Variable {
	fn := dbg.Func
	return harvestUpvalues(thread, fn)
}

// ExecuteStatement runs source as a bare chunk (no implicit "return ")
// under the synthetic environment, for the command loop's "exec" verb:
// assignments and other statements that are not valid return expressions,
// per spec §4.F's exec/eval distinction.
func (e *Evaluator) ExecuteStatement(thread *lua.LState, frameLevel int, source string, maps *sourcemap.Store, currentFile string) Result {
	if thread == e.Main && thread != e.Halted {
		return Result{OK: false, ErrMsg: ErrMainFromCoroutine}
	}

	dbg, ok := thread.GetStack(frameLevel)
	if !ok {
		return Result{OK: false, ErrMsg: "no such frame"}
	}

	locals := harvestLocals(thread, dbg)
	locals = append(locals, harvestVarargs(thread, dbg)...)
	fn := dbg.Func
	upvalues := harvestUpvalues(thread, fn)

	globals := e.Main.G.Global
	if fn != nil {
		if fenv, ok := fn.Env.(*lua.LTable); ok && fenv != nil {
			globals = fenv
		}
	}
	env := &syntheticEnv{locals: locals, upvalues: upvalues, globals: globals}

	rewritten := source
	if sm := maps.Get(currentFile); sm != nil && sm.HasMappedNames {
		rewritten = remapIdentifiers(source, sm)
	}

	fnProto, err := e.Main.LoadString(rewritten)
	if err != nil {
		return Result{OK: false, ErrMsg: err.Error()}
	}
	fnProto.Env = env.buildTable(e.Main)

	if err := e.Main.CallByParam(lua.P{Fn: fnProto, NRet: 0, Protect: true}); err != nil {
		return Result{OK: false, ErrMsg: err.Error()}
	}

	writeBack(thread, dbg, fn, env)
	return Result{OK: true}
}

// ExecuteExpr runs Execute and also returns the raw result value, for
// callers that need to inspect its type (the command loop's "props" verb,
// per spec §4.F's property-paging rule for table values).
func (e *Evaluator) ExecuteExpr(thread *lua.LState, frameLevel int, source string, maps *sourcemap.Store, currentFile string) Result {
	return e.executeRaw(thread, frameLevel, source, maps, currentFile)
}

// Execute compiles source and runs it under the synthetic environment of
// (thread, frameLevel), per the ten-step procedure in spec §4.F.
func (e *Evaluator) Execute(thread *lua.LState, frameLevel int, source string, maps *sourcemap.Store, currentFile string) Result {
	return e.executeRaw(thread, frameLevel, source, maps, currentFile)
}

func (e *Evaluator) executeRaw(thread *lua.LState, frameLevel int, source string, maps *sourcemap.Store, currentFile string) Result {
	if thread == e.Main && thread != e.Halted {
		return Result{OK: false, ErrMsg: ErrMainFromCoroutine}
	}

	dbg, ok := thread.GetStack(frameLevel)
	if !ok {
		return Result{OK: false, ErrMsg: "no such frame"}
	}
	if _, err := thread.GetInfo("nSlu", dbg, lua.LNil); err != nil {
		return Result{OK: false, ErrMsg: err.Error()}
	}

	locals := harvestLocals(thread, dbg)
	locals = append(locals, harvestVarargs(thread, dbg)...)

	fn := dbg.Func
	upvalues := harvestUpvalues(thread, fn)

	globals := e.Main.G.Global
	if fn != nil {
		if fenv, ok := fn.Env.(*lua.LTable); ok && fenv != nil {
			globals = fenv
		}
	}

	env := &syntheticEnv{locals: locals, upvalues: upvalues, globals: globals}

	rewritten := source
	if sm := maps.Get(currentFile); sm != nil && sm.HasMappedNames {
		rewritten = remapIdentifiers(source, sm)
	}

	fnProto, err := e.Main.LoadString(wrapAsReturn(rewritten))
	if err != nil {
		return Result{OK: false, ErrMsg: err.Error()}
	}
	fnProto.Env = env.buildTable(e.Main)

	co := e.Main
	if err := co.CallByParam(lua.P{Fn: fnProto, NRet: 1, Protect: true}); err != nil {
		return Result{OK: false, ErrMsg: err.Error()}
	}

	ret := co.Get(-1)
	co.Pop(1)

	writeBack(thread, dbg, fn, env)

	return Result{OK: true, Value: lua.LVAsString(ret), Raw: ret}
}

func wrapAsReturn(source string) string {
	trimmed := strings.TrimSpace(source)
	if strings.HasPrefix(trimmed, "return ") || trimmed == "return" {
		return source
	}
	return "return " + source
}

func writeBack(L *lua.LState, dbg *lua.LDebug, fn *lua.LFunction, env *syntheticEnv) {
	for _, v := range env.locals {
		L.SetLocal(dbg, v.Index, v.Value)
	}
	if fn != nil {
		for _, v := range env.upvalues {
			L.SetUpvalue(fn, v.Index, v.Value)
		}
	}
}

var identifierRE = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)

// remapIdentifiers rewrites identifiers in non-string regions of expr from
// original to emitted names, per spec §4.F's "Name mapping over the
// evaluator". String literals are passed through untouched; a backslash
// inside a string toggles a one-shot suppression of the closing quote so an
// escaped quote character never terminates the scan early.
func remapIdentifiers(expr string, sm *sourcemap.SourceMap) string {
	var out strings.Builder
	i := 0
	for i < len(expr) {
		c := expr[i]
		if c == '\'' || c == '"' {
			quote := c
			out.WriteByte(c)
			i++
			suppress := false
			for i < len(expr) {
				ch := expr[i]
				out.WriteByte(ch)
				i++
				if suppress {
					suppress = false
					continue
				}
				if ch == '\\' {
					suppress = true
					continue
				}
				if ch == quote {
					break
				}
			}
			continue
		}

		loc := identifierRE.FindStringIndex(expr[i:])
		if loc == nil || loc[0] != 0 {
			out.WriteByte(c)
			i++
			continue
		}

		ident := expr[i : i+loc[1]]
		precededByDot := out.Len() > 0 && strings.HasSuffix(strings.TrimRight(out.String(), ""), ".")
		replacement := ident
		if mapped, ok := sm.OriginalToEmitted[ident]; ok {
			if precededByDot {
				if identifierRE.MatchString(mapped) && !strings.ContainsAny(mapped, " \t-") {
					replacement = mapped
				} else {
					// Drop the dot already written and use bracket indexing.
					s := out.String()
					out.Reset()
					out.WriteString(strings.TrimSuffix(s, "."))
					replacement = fmt.Sprintf("[%q]", mapped)
				}
			} else {
				replacement = mapped
			}
		}
		out.WriteString(replacement)
		i += loc[1]
	}
	return out.String()
}
