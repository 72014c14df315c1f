package evalenv

import (
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/lua-debug/luadbg/internal/sourcemap"
)

func TestWrapAsReturnAddsPrefixOnce(t *testing.T) {
	if got := wrapAsReturn("x + 1"); got != "return x + 1" {
		t.Errorf("expected a return prefix to be added, got %q", got)
	}
	if got := wrapAsReturn("return x"); got != "return x" {
		t.Errorf("expected an existing return prefix to be left alone, got %q", got)
	}
	if got := wrapAsReturn("  return x"); got != "  return x" {
		t.Errorf("expected leading whitespace before an existing return to be preserved, got %q", got)
	}
}

func TestRemapIdentifiersLeavesStringLiteralsAlone(t *testing.T) {
	sm := &sourcemap.SourceMap{OriginalToEmitted: map[string]string{"foo": "_foo_emitted"}}
	expr := `"foo" .. foo`
	got := remapIdentifiers(expr, sm)
	want := `"foo" .. _foo_emitted`
	if got != want {
		t.Errorf("remapIdentifiers(%q) = %q, want %q", expr, got, want)
	}
}

func TestRemapIdentifiersHandlesEscapedQuotes(t *testing.T) {
	sm := &sourcemap.SourceMap{OriginalToEmitted: map[string]string{}}
	expr := `"a\"b" .. x`
	got := remapIdentifiers(expr, sm)
	if got != expr {
		t.Errorf("expected an escaped-quote string literal to pass through unchanged, got %q", got)
	}
}

func TestRemapIdentifiersUnmappedNameUnchanged(t *testing.T) {
	sm := &sourcemap.SourceMap{OriginalToEmitted: map[string]string{}}
	expr := "unmapped + 1"
	if got := remapIdentifiers(expr, sm); got != expr {
		t.Errorf("expected an unmapped identifier to pass through unchanged, got %q", got)
	}
}

func TestHarvestUpvaluesNilFunctionReturnsEmpty(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	if got := harvestUpvalues(L, nil); got != nil {
		t.Errorf("expected no upvalues for a nil function, got %v", got)
	}
}

func TestSyntheticEnvIndexFallsThroughLocalsUpvaluesGlobals(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	globals := L.NewTable()
	globals.RawSetString("shared", lua.LString("from-globals"))

	env := &syntheticEnv{
		locals:   []Variable{{Name: "a", Value: lua.LString("from-locals"), Index: 1}},
		upvalues: []Variable{{Name: "b", Value: lua.LString("from-upvalues"), Index: 1}},
		globals:  globals,
	}

	if got := env.index("a"); got != lua.LString("from-locals") {
		t.Errorf("expected a local to shadow everything else, got %v", got)
	}
	if got := env.index("b"); got != lua.LString("from-upvalues") {
		t.Errorf("expected an upvalue to be found when no local matches, got %v", got)
	}
	if got := env.index("shared"); got != lua.LString("from-globals") {
		t.Errorf("expected a global fallback when no local/upvalue matches, got %v", got)
	}
}

func TestSyntheticEnvNewindexWritesToMatchingLocal(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	env := &syntheticEnv{
		locals:  []Variable{{Name: "a", Value: lua.LNumber(1), Index: 3}},
		globals: L.NewTable(),
	}

	local, upvalue, index := env.newindex("a", lua.LNumber(2))
	if !local || upvalue || index != 3 {
		t.Errorf("expected a local write at index 3, got local=%v upvalue=%v index=%d", local, upvalue, index)
	}
	if env.locals[0].Value != lua.LNumber(2) {
		t.Errorf("expected the local's value to be updated, got %v", env.locals[0].Value)
	}
}

func TestSyntheticEnvNewindexFallsThroughToGlobals(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	globals := L.NewTable()
	env := &syntheticEnv{globals: globals}

	local, upvalue, _ := env.newindex("brandNew", lua.LNumber(42))
	if local || upvalue {
		t.Error("expected an unknown name to fall through to globals")
	}
	if got := globals.RawGetString("brandNew"); got != lua.LNumber(42) {
		t.Errorf("expected the global table to receive the write, got %v", got)
	}
}
