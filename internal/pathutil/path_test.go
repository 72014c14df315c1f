package pathutil

import "testing"

func TestFormatIdempotent(t *testing.T) {
	cases := []string{
		"/home/user/./project/../project/main.lua",
		"@/home/user/main.lua",
		"=[C]",
		"C:\\Users\\me\\..\\me\\script.lua",
		"relative/../../up/file.lua",
		"/a/b/c",
	}

	for _, raw := range cases {
		first := Format(raw)
		second := Format(first.String())
		if !first.Equal(second) {
			t.Errorf("Format not idempotent for %q: %v != %v", raw, first, second)
		}
	}
}

func TestFormatCollapsesDotDot(t *testing.T) {
	p := Format("/a/b/../c")
	if got := p.String(); got != "/a/c" {
		t.Errorf("got %q, want /a/c", got)
	}
}

func TestFormatNeverPopsPastLeadingDotDot(t *testing.T) {
	p := Format("../../x")
	// On a relative input there's no root; components retain the
	// leading ".." pair untouched.
	if p.Components != "../../x" {
		t.Errorf("got components %q, want ../../x", p.Components)
	}
}

func TestFormatDropsLeadingSigil(t *testing.T) {
	a := Format("@/tmp/script.lua")
	b := Format("/tmp/script.lua")
	if !a.Equal(b) {
		t.Errorf("leading @ should be stripped: %v != %v", a, b)
	}
}

func TestIsAbsolute(t *testing.T) {
	if !IsAbsolute("/tmp/x.lua") {
		t.Error("expected /tmp/x.lua to be absolute")
	}
	if !IsAbsolute("C:\\x.lua") {
		t.Error("expected drive path to be absolute")
	}
	if IsAbsolute("rel/x.lua") {
		t.Error("expected relative path to not be absolute")
	}
}

func TestDirname(t *testing.T) {
	p := Format("/a/b/c.lua")
	d := Dirname(p)
	if got := d.String(); got != "/a/b" {
		t.Errorf("got %q, want /a/b", got)
	}
}
