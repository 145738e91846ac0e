// Package idgen produces the identifiers fragnav hands out: layer ids,
// request ids and render ids.
//
// Constructors that need ids accept a Generator so tests can substitute a
// deterministic sequence instead of random UUIDs.
package idgen

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, so ids of layers opened later sort after earlier ones.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Sequence returns a Generator yielding prefix1, prefix2, ... Deterministic,
// for tests and golden output.
func Sequence(prefix string) Generator {
	var n atomic.Uint64
	return func() string {
		return fmt.Sprintf("%s%d", prefix, n.Add(1))
	}
}

// Default is UUIDv7.
var Default Generator = UUIDv7()

// Typed generators used across the module.
var (
	Layer   = Prefixed("lyr_", Default)
	Request = Prefixed("req_", Default)
	Render  = Prefixed("rnd_", Default)
)

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string, ignoring a typed prefix, and returns it.
func Parse(s string) (string, error) {
	raw := s
	for _, p := range []string{"lyr_", "req_", "rnd_"} {
		if len(raw) > len(p) && raw[:len(p)] == p {
			raw = raw[len(p):]
			break
		}
	}
	if _, err := uuid.Parse(raw); err != nil {
		return "", fmt.Errorf("idgen: invalid id %q: %w", s, err)
	}
	return s, nil
}
