package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 || len(strings.Split(id, "-")) != 5 {
		t.Fatalf("UUIDv7: malformed %q", id)
	}
}

func TestUUIDv7_Sortable(t *testing.T) {
	gen := UUIDv7()
	prev := gen()
	for i := 0; i < 50; i++ {
		id := gen()
		if id <= prev {
			t.Fatalf("UUIDv7 not increasing: %q then %q", prev, id)
		}
		prev = id
	}
}

func TestTypedPrefixes(t *testing.T) {
	if !strings.HasPrefix(Layer(), "lyr_") {
		t.Error("Layer: missing prefix")
	}
	if !strings.HasPrefix(Request(), "req_") {
		t.Error("Request: missing prefix")
	}
	if !strings.HasPrefix(Render(), "rnd_") {
		t.Error("Render: missing prefix")
	}
}

func TestSequence(t *testing.T) {
	gen := Sequence("l")
	if a, b := gen(), gen(); a != "l1" || b != "l2" {
		t.Errorf("Sequence: got %q, %q", a, b)
	}
}

func TestParse(t *testing.T) {
	id := Layer()
	got, err := Parse(id)
	if err != nil {
		t.Fatalf("Parse(%q): %v", id, err)
	}
	if got != id {
		t.Errorf("Parse: got %q, want %q", got, id)
	}
	if _, err := Parse("lyr_not-a-uuid"); err == nil {
		t.Error("Parse: expected error")
	}
}
