package engine

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	lua "github.com/yuin/gopher-lua"
)

func newTestEngine(t *testing.T) (*State, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	es := Start(Options{Output: &out})
	t.Cleanup(es.Stop)
	return es, &out
}

func TestStartInstallsGlobalOverrides(t *testing.T) {
	es, _ := newTestEngine(t)
	if es.globalToken == nil {
		t.Fatal("expected Start to install global overrides in Global hook mode")
	}
	if _, active := es.Ctl.TopHookMode(); !active {
		t.Fatal("expected a hook mode to be active after Start")
	}
}

func TestRunFileExecutesScriptToCompletion(t *testing.T) {
	es, _ := newTestEngine(t)

	dir := t.TempDir()
	script := filepath.Join(dir, "script.lua")
	if err := os.WriteFile(script, []byte("x = 1 + 1\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := es.RunFile(script, false); err != nil {
		t.Fatalf("RunFile: %v", err)
	}

	if got := es.Main.GetGlobal("x"); got != lua.LNumber(2) {
		t.Errorf("expected global x == 2, got %v", got)
	}
}

func TestRunFileSetsArgTable(t *testing.T) {
	es, _ := newTestEngine(t)

	dir := t.TempDir()
	script := filepath.Join(dir, "script.lua")
	if err := os.WriteFile(script, []byte("first = arg[1]\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := es.RunFile(script, false, "hello"); err != nil {
		t.Fatalf("RunFile: %v", err)
	}
	if got := es.Main.GetGlobal("first"); got != lua.LString("hello") {
		t.Errorf("expected arg[1] == \"hello\", got %v", got)
	}
}

func TestCallReturnsValues(t *testing.T) {
	es, _ := newTestEngine(t)

	fn, err := es.Main.LoadString("return 1, 2, 3")
	if err != nil {
		t.Fatalf("LoadString: %v", err)
	}

	rets, err := es.Call(fn, false)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if len(rets) != 3 {
		t.Fatalf("expected 3 return values, got %d", len(rets))
	}
	if rets[0] != lua.LNumber(1) || rets[2] != lua.LNumber(3) {
		t.Errorf("unexpected return values: %v", rets)
	}
}

func TestStopTearsDownAllHookLevels(t *testing.T) {
	es, _ := newTestEngine(t)
	es.pushHook(HookFunction)

	es.Stop()

	if _, active := es.Ctl.TopHookMode(); active {
		t.Error("expected Stop to empty the hook mode stack")
	}
	if es.globalToken != nil {
		t.Error("expected Stop to release the global override token")
	}
}

func TestFinishPopsOneHookLevel(t *testing.T) {
	es, _ := newTestEngine(t)
	es.pushHook(HookFunction)

	es.Finish()
	if _, active := es.Ctl.TopHookMode(); !active {
		t.Fatal("expected one hook level to remain after a single Finish")
	}

	es.Finish()
	if _, active := es.Ctl.TopHookMode(); active {
		t.Error("expected the hook stack to be empty after popping both levels")
	}
}

func TestPrintRedirectModeTeesWithoutRunningOriginal(t *testing.T) {
	es, out := newTestEngine(t)
	es.redirectModes["stdout"] = "redirect"

	dir := t.TempDir()
	script := filepath.Join(dir, "script.lua")
	if err := os.WriteFile(script, []byte(`print("hello", "world")`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := es.RunFile(script, false); err != nil {
		t.Fatalf("RunFile: %v", err)
	}

	if got := out.String(); got != "hello\tworld\n" {
		t.Errorf("expected the print output to be tee'd out-of-band, got %q", got)
	}
}

func TestPrintDisableModeSuppressesTee(t *testing.T) {
	es, out := newTestEngine(t)
	es.redirectModes["stdout"] = "disable"

	dir := t.TempDir()
	script := filepath.Join(dir, "script.lua")
	if err := os.WriteFile(script, []byte(`print("should not appear")`), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if err := es.RunFile(script, false); err != nil {
		t.Fatalf("RunFile: %v", err)
	}

	if got := out.String(); got != "" {
		t.Errorf("expected no out-of-band tee in disable mode, got %q", got)
	}
}

func TestThreadStatusStringClassifiesMainAsRunning(t *testing.T) {
	es, _ := newTestEngine(t)
	if got := es.threadStatusString(es.Main); got != "running" {
		t.Errorf("expected main thread to report running, got %q", got)
	}
}
