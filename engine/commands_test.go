package engine

import (
	"encoding/json"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/lua-debug/luadbg/internal/protocol"
)

func TestParseCommand(t *testing.T) {
	cmd := parseCommand("break set script.lua 10 i==7")
	if cmd.verb != "break" {
		t.Fatalf("expected verb \"break\", got %q", cmd.verb)
	}
	want := []string{"set", "script.lua", "10", "i==7"}
	if len(cmd.args) != len(want) {
		t.Fatalf("expected %d args, got %v", len(want), cmd.args)
	}
	for i, a := range want {
		if cmd.args[i] != a {
			t.Errorf("arg %d: got %q, want %q", i, cmd.args[i], a)
		}
	}
}

func TestParseCommandEmptyLine(t *testing.T) {
	cmd := parseCommand("   ")
	if cmd.verb != "" {
		t.Errorf("expected an empty verb for a blank line, got %q", cmd.verb)
	}
}

func TestStripSigil(t *testing.T) {
	cases := map[string]string{
		"@/project/script.lua": "/project/script.lua",
		"=stdin":                "stdin",
		"script.lua":            "script.lua",
	}
	for in, want := range cases {
		if got := stripSigil(in); got != want {
			t.Errorf("stripSigil(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLuaTypeName(t *testing.T) {
	if got := luaTypeName(lua.LNil); got != "nil" {
		t.Errorf("expected nil, got %q", got)
	}
	if got := luaTypeName(lua.LNumber(1)); got != "number" {
		t.Errorf("expected number, got %q", got)
	}
	if got := luaTypeName(lua.LString("s")); got != "string" {
		t.Errorf("expected string, got %q", got)
	}
}

func TestIndexedAndNamedProps(t *testing.T) {
	es, _ := newTestEngine(t)
	tbl := es.Main.NewTable()
	tbl.RawSetInt(1, lua.LString("a"))
	tbl.RawSetInt(2, lua.LString("b"))
	tbl.RawSetInt(3, lua.LString("c"))
	tbl.RawSetString("name", lua.LString("example"))

	idx := indexedProps(tbl, 0, -1)
	if len(idx) != 3 {
		t.Fatalf("expected 3 indexed entries, got %d", len(idx))
	}
	if idx[0].Name != "1" || idx[0].Value != "a" {
		t.Errorf("unexpected first indexed entry: %+v", idx[0])
	}

	paged := indexedProps(tbl, 1, 1)
	if len(paged) != 1 || paged[0].Name != "2" {
		t.Fatalf("expected paged entry \"2\", got %+v", paged)
	}

	named := namedProps(tbl)
	if len(named) != 1 || named[0].Name != "name" {
		t.Fatalf("expected one named entry \"name\", got %+v", named)
	}
}

func decodeMessage(t *testing.T, raw string) protocol.Message {
	t.Helper()
	body := strings.TrimSuffix(strings.TrimPrefix(raw, "@lldbg|"), "|lldbg@")
	var msg protocol.Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		t.Fatalf("expected valid JSON body, got %q: %v", body, err)
	}
	return msg
}

func TestDispatchBreakSetEmitsBreakpointsEvent(t *testing.T) {
	es, out := newTestEngine(t)

	resumes := es.dispatch(command{verb: "break", args: []string{"set", "script.lua", "10"}})
	if resumes {
		t.Fatal("expected break set to not resume execution")
	}

	msg := decodeMessage(t, out.String())
	if msg.Type != protocol.TypeBreakpoints {
		t.Errorf("expected a breakpoints event, got %q", msg.Type)
	}
}

func TestDispatchUnknownCommandEmitsError(t *testing.T) {
	es, out := newTestEngine(t)

	resumes := es.dispatch(command{verb: "bogus"})
	if resumes {
		t.Fatal("expected an unknown command to not resume execution")
	}

	msg := decodeMessage(t, out.String())
	if msg.Type != protocol.TypeError {
		t.Errorf("expected an error event, got %q", msg.Type)
	}
}

func TestDispatchContResumes(t *testing.T) {
	es, _ := newTestEngine(t)
	if !es.dispatch(command{verb: "cont"}) {
		t.Error("expected cont to resume execution")
	}
}

func TestDispatchQuitStopsEngine(t *testing.T) {
	es, _ := newTestEngine(t)
	if !es.dispatch(command{verb: "quit"}) {
		t.Error("expected quit to resume (unblock) the command loop")
	}
	if !es.stopped {
		t.Error("expected quit to mark the engine stopped")
	}
}

func TestHandleFeatureGetAndSet(t *testing.T) {
	es, out := newTestEngine(t)

	es.dispatch(command{verb: "feature", args: []string{"get", "language_name"}})
	msg := decodeMessage(t, out.String())
	if msg.Type != protocol.TypeResult {
		t.Fatalf("expected a result event, got %q", msg.Type)
	}
	out.Reset()

	es.dispatch(command{verb: "feature", args: []string{"set", "max_children", "10"}})
	msg = decodeMessage(t, out.String())
	if msg.Type != protocol.TypeResult {
		t.Fatalf("expected a result event for a successful set, got %q", msg.Type)
	}
	out.Reset()

	es.dispatch(command{verb: "feature", args: []string{"set", "language_name", "Python"}})
	msg = decodeMessage(t, out.String())
	if msg.Type != protocol.TypeError {
		t.Fatalf("expected setting a read-only feature to error, got %q", msg.Type)
	}
}

func TestHandleThreadsListsMainThread(t *testing.T) {
	es, out := newTestEngine(t)

	es.dispatch(command{verb: "threads"})
	msg := decodeMessage(t, out.String())
	if msg.Type != protocol.TypeThreads {
		t.Fatalf("expected a threads event, got %q", msg.Type)
	}
}

func TestHandleRedirectValidatesStreamAndMode(t *testing.T) {
	es, out := newTestEngine(t)

	es.dispatch(command{verb: "redirect", args: []string{"stdout", "redirect"}})
	msg := decodeMessage(t, out.String())
	if msg.Type != protocol.TypeResult {
		t.Fatalf("expected a result event for a valid redirect, got %q", msg.Type)
	}
	if es.redirectModes["stdout"] != "redirect" {
		t.Errorf("expected stdout mode to be updated, got %q", es.redirectModes["stdout"])
	}
	out.Reset()

	es.dispatch(command{verb: "redirect", args: []string{"bogus", "copy"}})
	msg = decodeMessage(t, out.String())
	if msg.Type != protocol.TypeError {
		t.Fatalf("expected an unknown stream to error, got %q", msg.Type)
	}
	out.Reset()

	es.dispatch(command{verb: "redirect", args: []string{"stdout", "bogus"}})
	msg = decodeMessage(t, out.String())
	if msg.Type != protocol.TypeError {
		t.Fatalf("expected an unknown mode to error, got %q", msg.Type)
	}
}

func TestBreakSetDeleteRoundTrip(t *testing.T) {
	es, out := newTestEngine(t)

	es.dispatch(command{verb: "break", args: []string{"set", "script.lua", "5"}})
	out.Reset()

	es.dispatch(command{verb: "break", args: []string{"del", "script.lua", "5"}})
	msg := decodeMessage(t, out.String())
	if msg.Type != protocol.TypeResult {
		t.Fatalf("expected a result event for break del, got %q", msg.Type)
	}
}
