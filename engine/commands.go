package engine

import (
	"fmt"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/lua-debug/luadbg/internal/breakpoint"
	"github.com/lua-debug/luadbg/internal/dbglog"
	"github.com/lua-debug/luadbg/internal/evalenv"
	"github.com/lua-debug/luadbg/internal/pathutil"
	"github.com/lua-debug/luadbg/internal/protocol"
)

// command is one parsed request line, mirroring the teacher's DbgpCmd split
// of verb + positional/flag arguments (engine/engine.go's parseCommand),
// generalised from DBGp's "-flag value" pairs to plain space-separated
// arguments since this protocol carries no transaction sequence numbers.
type command struct {
	verb string
	args []string
}

func parseCommand(line string) command {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}
	}
	return command{verb: fields[0], args: fields[1:]}
}

// runCommandLoop is entered every time the engine halts (breakpoint, step,
// error). It blocks reading verbs from es.Reader until one of them resumes
// execution (cont, step, stepin, stepout) or the debuggee is told to quit,
// mirroring the teacher's dispatchIdeRequest loop but driven by this
// module's own verb table instead of DBGp command names.
func (es *State) runCommandLoop() {
	if es.features["autocontinue"].String() == "1" {
		es.Ctl.Continue()
		return
	}

	if es.Reader == nil {
		es.Ctl.Continue()
		return
	}

	for {
		raw, err := es.Reader.Next()
		if err != nil {
			es.Ctl.Continue()
			return
		}
		cmd := parseCommand(string(raw))
		if cmd.verb == "" {
			continue
		}

		dbglog.ProtocolOut("command: %s %v", cmd.verb, cmd.args)

		if es.dispatch(cmd) {
			return
		}
	}
}

// dispatch runs one command; it returns true when the command resumes
// execution (the runCommandLoop caller must stop blocking), false when the
// command only produced a response and the loop should keep reading.
func (es *State) dispatch(cmd command) (resumes bool) {
	switch cmd.verb {
	case "quit":
		es.Stop()
		return true

	case "cont", "continue":
		es.Ctl.Continue()
		return true

	case "autocont", "autocontinue":
		es.emitResult("boolean", "true")
		es.Ctl.Continue()
		return true

	case "step":
		es.Ctl.StepOver(es.currentDepth(), es.activeThread)
		return true

	case "stepin":
		es.Ctl.StepIn()
		return true

	case "stepout":
		es.Ctl.StepOut(es.currentDepth(), es.activeThread)
		return true

	case "stack":
		es.handleStack()
		return false

	case "frame":
		es.handleFrame(cmd.args)
		return false

	case "locals":
		es.handleVariables(es.localsForActiveFrame())
		return false

	case "ups":
		es.handleVariables(es.upvaluesForActiveFrame())
		return false

	case "globals":
		es.handleGlobals()
		return false

	case "props":
		es.handleProps(cmd.args)
		return false

	case "eval":
		es.handleEval(strings.Join(cmd.args, " "))
		return false

	case "exec":
		es.handleExec(strings.Join(cmd.args, " "))
		return false

	case "break":
		es.handleBreak(cmd.args)
		return false

	case "threads":
		es.handleThreads()
		return false

	case "thread":
		es.handleThreadSwitch(cmd.args)
		return false

	case "feature":
		es.handleFeature(cmd.args)
		return false

	case "redirect":
		es.handleRedirect(cmd.args)
		return false

	case "help":
		es.emitResult("string", helpText)
		return false

	default:
		es.Writer.EmitError(fmt.Sprintf("unknown command: %s", cmd.verb))
		return false
	}
}

const helpText = "quit cont step stepin stepout stack frame locals ups globals props eval exec break threads thread feature redirect"

// emitResult wraps a single scalar outcome in the one-element results list
// spec §6 expects ({tag,type,results:[{type,value}]}), for the many verbs
// whose response is just one typed value.
func (es *State) emitResult(valueType, value string) {
	es.Writer.Emit(protocol.TypeResult, protocol.ResultsPayload{
		Results: []protocol.ResultValue{{Type: valueType, Value: value}},
	})
}

func (es *State) currentDepth() int {
	return stackDepth(es.activeThread)
}

func (es *State) handleFrame(args []string) {
	if len(args) != 1 {
		es.Writer.EmitError("frame requires one argument")
		return
	}
	n, err := strconv.Atoi(args[0])
	if err != nil {
		es.Writer.EmitError("frame: not a number")
		return
	}
	if _, ok := es.activeThread.GetStack(n); !ok {
		es.Writer.EmitError("frame: no such frame")
		return
	}
	es.activeFrame = n
	es.emitResult("number", strconv.Itoa(n))
}

// handleStack walks every frame of the active thread via GetStack, per spec
// §4.G's frame enumeration and §4.F's frame-numbering convention (0 is the
// innermost frame).
func (es *State) handleStack() {
	var frames []protocol.Frame
	for i := 0; ; i++ {
		dbg, ok := es.activeThread.GetStack(i)
		if !ok {
			break
		}
		source := dbg.Source
		frame := protocol.Frame{
			Source: pathutil.Format(stripSigil(source)).String(),
			Line:   dbg.CurrentLine,
			Func:   dbg.Name,
			Active: i == es.activeFrame,
		}
		if sm := es.Maps.Get(frame.Source); sm != nil {
			if m, ok := sm.Mapping[dbg.CurrentLine]; ok && m.SourceIndex < len(sm.Sources) {
				frame.MappedLocation = &protocol.MappedLocation{
					Source: sm.Sources[m.SourceIndex].String(),
					Line:   m.SourceLine,
					Column: m.SourceCol,
				}
			}
		}
		frames = append(frames, frame)
	}
	if len(frames) == 0 && es.activeThread != es.Main && es.threadStatusString(es.activeThread) == "suspended" {
		frames = append(frames, protocol.Frame{Source: "?", Func: "thread has not been started"})
	}
	es.Writer.Emit(protocol.TypeStack, protocol.StackPayload{Frames: frames})
}

func (es *State) localsForActiveFrame() []protocol.Variable {
	dbg, ok := es.activeThread.GetStack(es.activeFrame)
	if !ok {
		return nil
	}
	vars := es.Eval.Locals(es.activeThread, dbg)
	return toProtocolVariables(vars)
}

func (es *State) upvaluesForActiveFrame() []protocol.Variable {
	dbg, ok := es.activeThread.GetStack(es.activeFrame)
	if !ok {
		return nil
	}
	vars := es.Eval.Upvalues(es.activeThread, dbg)
	return toProtocolVariables(vars)
}

func toProtocolVariables(vars []evalenv.Variable) []protocol.Variable {
	out := make([]protocol.Variable, 0, len(vars))
	for _, v := range vars {
		out = append(out, protocol.Variable{
			Name:  v.Name,
			Type:  luaTypeName(v.Value),
			Value: lua.LVAsString(v.Value),
		})
	}
	return out
}

func (es *State) handleVariables(vars []protocol.Variable) {
	es.Writer.Emit(protocol.TypeVariables, protocol.VariablesPayload{Variables: vars})
}

// handleGlobals lists the global table with one level of metatable
// __index recursion, guarding against a metatable cycle per spec §4.F's
// "globals never infinite-loop on a cyclic __index" edge case.
func (es *State) handleGlobals() {
	globals := es.Main.G.Global
	seen := map[*lua.LTable]bool{}
	var out []protocol.Variable
	es.collectTable(globals, &out, seen, 1)
	es.Writer.Emit(protocol.TypeVariables, protocol.VariablesPayload{Variables: out})
}

func (es *State) collectTable(t *lua.LTable, out *[]protocol.Variable, seen map[*lua.LTable]bool, depthLeft int) {
	if t == nil || seen[t] {
		return
	}
	seen[t] = true

	t.ForEach(func(k, v lua.LValue) {
		name := lua.LVAsString(k)
		*out = append(*out, protocol.Variable{
			Name:  name,
			Type:  luaTypeName(v),
			Value: lua.LVAsString(v),
		})
	})

	if depthLeft <= 0 {
		return
	}
	if mt, ok := es.Main.GetMetatable(t).(*lua.LTable); ok {
		if idx, ok := mt.RawGetString("__index").(*lua.LTable); ok {
			es.collectTable(idx, out, seen, depthLeft-1)
		}
	}
}

// handleProps expands one value reachable from the active frame's
// environment: "props <name> all|named|indexed [start [count]]", per spec
// §4.F's property-paging rule for sequences.
func (es *State) handleProps(args []string) {
	if len(args) < 2 {
		es.Writer.EmitError("props requires <name> <all|named|indexed>")
		return
	}
	name, mode := args[0], args[1]

	result := es.Eval.ExecuteExpr(es.activeThread, es.activeFrame, name, es.Maps, es.frameSource())
	if !result.OK {
		es.Writer.EmitError(result.ErrMsg)
		return
	}

	val := result.Raw
	tbl, ok := val.(*lua.LTable)
	if !ok {
		es.Writer.Emit(protocol.TypeProperties, protocol.PropertiesPayload{
			Properties: []protocol.Variable{{Name: name, Type: luaTypeName(val), Value: lua.LVAsString(val)}},
		})
		return
	}

	start, count := 0, -1
	if len(args) >= 3 {
		start, _ = strconv.Atoi(args[2])
	}
	if len(args) >= 4 {
		count, _ = strconv.Atoi(args[3])
	}

	var out []protocol.Variable
	switch mode {
	case "indexed":
		out = indexedProps(tbl, start, count)
	case "named":
		out = namedProps(tbl)
	default:
		out = append(namedProps(tbl), indexedProps(tbl, start, count)...)
	}

	length := tbl.Len()
	payload := protocol.PropertiesPayload{Properties: out, Length: &length}
	if mt, ok := es.Main.GetMetatable(tbl).(*lua.LTable); ok {
		payload.Metatable = lua.LVAsString(mt)
	}
	es.Writer.Emit(protocol.TypeProperties, payload)
}

func indexedProps(tbl *lua.LTable, start, count int) []protocol.Variable {
	n := tbl.Len()
	end := n
	if count >= 0 && start+count < end {
		end = start + count
	}
	var out []protocol.Variable
	for i := start + 1; i <= end; i++ {
		v := tbl.RawGetInt(i)
		out = append(out, protocol.Variable{
			Name: strconv.Itoa(i), Type: luaTypeName(v), Value: lua.LVAsString(v),
		})
	}
	return out
}

func namedProps(tbl *lua.LTable) []protocol.Variable {
	var out []protocol.Variable
	tbl.ForEach(func(k, v lua.LValue) {
		if _, isInt := k.(lua.LNumber); isInt {
			return
		}
		out = append(out, protocol.Variable{
			Name: lua.LVAsString(k), Type: luaTypeName(v), Value: lua.LVAsString(v),
		})
	})
	return out
}

func (es *State) frameSource() string {
	if dbg, ok := es.activeThread.GetStack(es.activeFrame); ok {
		return pathutil.Format(stripSigil(dbg.Source)).String()
	}
	return ""
}

func (es *State) handleEval(expr string) {
	result := es.Eval.Execute(es.activeThread, es.activeFrame, expr, es.Maps, es.frameSource())
	if !result.OK {
		es.Writer.EmitError(result.ErrMsg)
		return
	}
	es.emitResult("string", result.Value)
}

func (es *State) handleExec(stmt string) {
	result := es.Eval.ExecuteStatement(es.activeThread, es.activeFrame, stmt, es.Maps, es.frameSource())
	if !result.OK {
		es.Writer.EmitError(result.ErrMsg)
		return
	}
	es.emitResult("boolean", "true")
}

// handleBreak implements the "break set|del|dis|en|list|clear" verb group,
// mirroring the teacher's breakpoint_set/breakpoint_remove/breakpoint_update
// split (engine/breakpoints.go) collapsed into one sub-dispatch.
func (es *State) handleBreak(args []string) {
	if len(args) == 0 {
		es.Writer.EmitError("break requires a sub-command")
		return
	}
	sub, rest := args[0], args[1:]

	switch sub {
	case "set":
		es.breakSet(rest)
	case "del", "delete":
		es.breakDelete(rest)
	case "dis", "disable":
		es.breakEnable(rest, false)
	case "en", "enable":
		es.breakEnable(rest, true)
	case "list":
		es.breakList()
	case "clear":
		es.Breaks.Clear()
		es.emitResult("number", "0")
	default:
		es.Writer.EmitError("break: unknown sub-command " + sub)
	}
}

func (es *State) breakSet(args []string) {
	if len(args) < 2 {
		es.Writer.EmitError("break set requires <file> <line> [condition...]")
		return
	}
	file := args[0]
	line, err := strconv.Atoi(args[1])
	if err != nil {
		es.Writer.EmitError("break set: not a number")
		return
	}
	condition := strings.Join(args[2:], " ")
	bp := es.Breaks.Add(file, line, condition, condition != "")
	es.Writer.Emit(protocol.TypeBreakpoints, protocol.BreakpointsPayload{
		Breakpoints: []protocol.BreakpointInfo{breakpointInfo(bp)},
	})
}

func (es *State) breakDelete(args []string) {
	if len(args) != 2 {
		es.Writer.EmitError("break del requires <file> <line>")
		return
	}
	line, err := strconv.Atoi(args[1])
	if err != nil {
		es.Writer.EmitError("break del: not a number")
		return
	}
	ok := es.Breaks.Remove(args[0], line)
	es.emitResult("boolean", strconv.FormatBool(ok))
}

func (es *State) breakEnable(args []string, enabled bool) {
	if len(args) != 2 {
		es.Writer.EmitError("break en/dis requires <file> <line>")
		return
	}
	line, err := strconv.Atoi(args[1])
	if err != nil {
		es.Writer.EmitError("break en/dis: not a number")
		return
	}
	ok := es.Breaks.SetEnabled(args[0], line, enabled)
	es.emitResult("boolean", strconv.FormatBool(ok))
}

func (es *State) breakList() {
	all := es.Breaks.GetAll()
	out := make([]protocol.BreakpointInfo, 0, len(all))
	for _, bp := range all {
		out = append(out, breakpointInfo(bp))
	}
	es.Writer.Emit(protocol.TypeBreakpoints, protocol.BreakpointsPayload{Breakpoints: out})
}

func breakpointInfo(bp *breakpoint.Breakpoint) protocol.BreakpointInfo {
	return protocol.BreakpointInfo{
		File:      bp.File.String(),
		Line:      bp.Line,
		Enabled:   bp.Enabled,
		Condition: bp.Condition,
	}
}

func (es *State) handleThreads() {
	ids := es.Threads.Alive(es.statusOf)
	out := make([]protocol.ThreadInfo, 0, len(ids))
	for _, id := range ids {
		h, _ := es.Threads.Handle(id)
		out = append(out, protocol.ThreadInfo{
			ID:     id,
			Name:   es.threadStatusString(h),
			Active: h == es.activeThread,
		})
	}
	es.Writer.Emit(protocol.TypeThreads, protocol.ThreadsPayload{Threads: out})
}

func (es *State) handleThreadSwitch(args []string) {
	if len(args) != 1 {
		es.Writer.EmitError("thread requires one argument")
		return
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		es.Writer.EmitError("thread: not a number")
		return
	}
	h, ok := es.Threads.Handle(id)
	if !ok {
		es.Writer.EmitError("thread: no such thread")
		return
	}
	es.savedFrameOffsets[es.activeThread] = es.activeFrame
	es.activeThread = h
	es.activeFrame = es.savedFrameOffsets[h]
	es.emitResult("number", strconv.Itoa(id))
}

func (es *State) handleFeature(args []string) {
	if len(args) < 2 {
		es.Writer.EmitError("feature requires <get|set> <name> [value]")
		return
	}
	switch args[0] {
	case "get":
		v, ok := es.featureGet(args[1])
		if !ok {
			es.Writer.EmitError("feature: unknown " + args[1])
			return
		}
		es.emitResult("string", v)
	case "set":
		if len(args) < 3 {
			es.Writer.EmitError("feature set requires a value")
			return
		}
		if err := es.featureSet(args[1], args[2]); err != nil {
			es.Writer.EmitError(err.Error())
			return
		}
		es.emitResult("boolean", "true")
	default:
		es.Writer.EmitError("feature: unknown sub-command " + args[0])
	}
}

// handleRedirect implements "redirect <stdout|stderr> <copy|redirect|
// disable>", the capability-negotiation supplement's tee/suppress toggle
// for the debuggee's own print output, per SPEC_FULL.md.
func (es *State) handleRedirect(args []string) {
	if len(args) != 2 {
		es.Writer.EmitError("redirect requires <stdout|stderr> <copy|redirect|disable>")
		return
	}
	stream, mode := args[0], args[1]

	if stream != "stdout" && stream != "stderr" {
		es.Writer.EmitError("redirect: unknown stream " + stream)
		return
	}
	if mode != "copy" && mode != "redirect" && mode != "disable" {
		es.Writer.EmitError("redirect: unknown mode " + mode)
		return
	}

	es.redirectModes[stream] = mode
	es.emitResult("boolean", "true")
}

// stripSigil removes gopher-lua's chunk-name sigil ("@" for a file, "="
// for a labelled chunk) before the path is normalised, mirroring
// breakctl's own stripSigil for the same Source strings.
func stripSigil(source string) string {
	if len(source) > 0 && (source[0] == '@' || source[0] == '=') {
		return source[1:]
	}
	return source
}

func luaTypeName(v lua.LValue) string {
	if v == nil {
		return "nil"
	}
	return v.Type().String()
}
