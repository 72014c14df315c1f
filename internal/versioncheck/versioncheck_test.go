package versioncheck

import "testing"

func TestCheckAcceptsSupportedVersion(t *testing.T) {
	if err := Check("Lua 5.1"); err != nil {
		t.Fatalf("expected Lua 5.1 to be accepted, got %v", err)
	}
}

func TestCheckRejectsTooOld(t *testing.T) {
	if err := Check("Lua 4.0"); err == nil {
		t.Fatal("expected Lua 4.0 to be rejected")
	}
}

func TestCheckRejectsTooNew(t *testing.T) {
	if err := Check("Lua 5.5"); err == nil {
		t.Fatal("expected Lua 5.5 to be rejected")
	}
}

func TestCheckRejectsUnparseable(t *testing.T) {
	if err := Check(""); err == nil {
		t.Fatal("expected an empty version string to be rejected")
	}
	if err := Check("Lua garbage"); err == nil {
		t.Fatal("expected a non-semver version token to be rejected")
	}
}
