// Package identifier generates human-sortable record identifiers: a
// compacted UTC timestamp prefix followed by a random suffix. Clock and
// randomness are injectable so a single operation can be internally
// time-consistent and replayable in tests.
package identifier

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Clock returns the current time. Injected instead of read ad hoc.
type Clock func() time.Time

// Random returns a fresh random token.
type Random func() string

// Generator mints prefixed identifiers such as
// "run-20260828T101502123-9f1c03aa".
type Generator struct {
	clock  Clock
	random Random
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the wall clock, usually for tests.
func WithClock(clock Clock) Option {
	return func(g *Generator) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithRandom overrides the random token source, usually for tests.
func WithRandom(random Random) Option {
	return func(g *Generator) {
		if random != nil {
			g.random = random
		}
	}
}

func New(opts ...Option) *Generator {
	g := &Generator{
		clock:  time.Now,
		random: defaultRandom,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Now exposes the generator's clock so callers share one time source.
func (g *Generator) Now() time.Time {
	return g.clock().UTC()
}

// NewID returns "<kind>-<compact timestamp>-<random suffix>". The timestamp
// prefix keeps ids sortable by creation time; the suffix keeps them unique.
func (g *Generator) NewID(kind string) string {
	return g.NewIDAt(kind, g.Now())
}

// NewIDAt mints an id against an already-read timestamp so every id produced
// within one operation shares the operation's single wall-clock read.
func (g *Generator) NewIDAt(kind string, at time.Time) string {
	ts := at.UTC().Format("20060102T150405.000")
	ts = strings.Replace(ts, ".", "", 1)
	return kind + "-" + ts + "-" + g.random()
}

func defaultRandom() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
