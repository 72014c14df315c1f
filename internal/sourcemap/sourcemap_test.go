package sourcemap

import "testing"

func TestDecodeVLQSegmentKnownValues(t *testing.T) {
	cases := []struct {
		segment string
		want    []int
	}{
		{"AAAA", []int{0, 0, 0, 0}},
		{"CAAA", []int{1, 0, 0, 0}},
		{"DAAA", []int{-1, 0, 0, 0}},
	}

	for _, c := range cases {
		got, err := decodeVLQSegment(c.segment)
		if err != nil {
			t.Fatalf("decodeVLQSegment(%q): %v", c.segment, err)
		}
		if len(got) != len(c.want) {
			t.Fatalf("decodeVLQSegment(%q) = %v, want %v", c.segment, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Errorf("decodeVLQSegment(%q)[%d] = %d, want %d", c.segment, i, got[i], c.want[i])
			}
		}
	}
}

// encodeVLQSegment is the inverse of decodeVLQSegment, used only by tests to
// exercise the round-trip law from spec §8 property 7 without depending on
// hand-computed base64 fixtures.
func encodeVLQSegment(values []int) string {
	var b []byte
	for _, v := range values {
		v2 := v << 1
		if v < 0 {
			v2 = (-v << 1) | 1
		}
		for {
			digit := v2 & vlqBaseMask
			v2 >>= vlqBaseShift
			if v2 > 0 {
				digit |= vlqContinue
			}
			b = append(b, base64Chars[digit])
			if v2 == 0 {
				break
			}
		}
	}
	return string(b)
}

func TestVLQRoundTrip(t *testing.T) {
	cases := [][]int{
		{0},
		{1, -1, 2, -2},
		{12345, -54321, 0, 999999},
		{-1},
		{123456789},
	}
	for _, vals := range cases {
		encoded := encodeVLQSegment(vals)
		decoded, err := decodeVLQSegment(encoded)
		if err != nil {
			t.Fatalf("decodeVLQSegment(%q): %v", encoded, err)
		}
		if len(decoded) != len(vals) {
			t.Fatalf("round trip length mismatch for %v: got %v", vals, decoded)
		}
		for i := range vals {
			if decoded[i] != vals[i] {
				t.Errorf("round trip mismatch for %v: got %v", vals, decoded)
			}
		}
	}
}

func TestParseMinimalMap(t *testing.T) {
	line1 := encodeVLQSegment([]int{0, 0, 0, 0})
	line2a := encodeVLQSegment([]int{1, 0, 1, 0})
	line2b := encodeVLQSegment([]int{5, 0, 1, 1})
	doc := `{
		"version": 3,
		"sources": ["main.lua"],
		"names": ["originalName"],
		"mappings": "` + line1 + `;` + line2a + `,` + line2b + `"
	}`

	sm := parse(doc, "/project", "/project/out.lua")
	if sm == nil {
		t.Fatal("expected a parsed source map")
	}
	if len(sm.Sources) != 1 {
		t.Fatalf("expected 1 source, got %d", len(sm.Sources))
	}
	if _, ok := sm.Mapping[1]; !ok {
		t.Error("expected a mapping on emitted line 1")
	}
	if _, ok := sm.Mapping[2]; !ok {
		t.Error("expected a mapping on emitted line 2")
	}
}

func TestParseRejectsDocWithoutMappings(t *testing.T) {
	if parse(`{"version":3,"sources":["a.lua"]}`, "/x", "/x/out.lua") != nil {
		t.Error("expected nil for a document without a mappings field")
	}
}

func TestLineRetentionKeepsSmallestSourceLine(t *testing.T) {
	// Two segments on the same emitted line: first points further into the
	// source (cumulative sourceLine 5), second points earlier (cumulative
	// sourceLine 2) - retention rule keeps the earlier one regardless of
	// encounter order (spec §4.B).
	first := encodeVLQSegment([]int{0, 0, 5, 0})
	second := encodeVLQSegment([]int{1, 0, -3, 0})
	mappings := first + "," + second

	doc := `{"version":3,"sources":["a.lua","b.lua"],"mappings":"` + mappings + `"}`
	sm := parse(doc, "/x", "/x/out.lua")
	if sm == nil {
		t.Fatal("expected parse to succeed")
	}
	m, ok := sm.Mapping[1]
	if !ok {
		t.Fatal("expected a mapping for line 1")
	}
	if m.SourceLine != 2 {
		t.Errorf("expected retained mapping to have the smaller source line 2, got %d", m.SourceLine)
	}
}
