package identifier

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID_EmbedsCompactTimestamp(t *testing.T) {
	at := time.Date(2026, 8, 28, 10, 15, 2, 123_000_000, time.UTC)
	gen := New(
		WithClock(func() time.Time { return at }),
		WithRandom(func() string { return "9f1c03aa" }),
	)

	assert.Equal(t, "run-20260828T101502123-9f1c03aa", gen.NewID("run"))
}

func TestNewIDAt_SharesOperationClockRead(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	gen := New(WithRandom(func() string { return "aaaaaaaa" }))

	first := gen.NewIDAt("case", at)
	second := gen.NewIDAt("case", at)
	assert.Equal(t, first, second)
}

func TestNewID_SortableByCreationTime(t *testing.T) {
	earlier := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Second)
	gen := New(WithRandom(func() string { return "00000000" }))

	assert.Less(t, gen.NewIDAt("run", earlier), gen.NewIDAt("run", later))
}

func TestDefaultRandom_Shape(t *testing.T) {
	gen := New()
	id := gen.NewID("evt")
	require.Regexp(t, `^evt-\d{8}T\d{9}-[0-9a-f]{8}$`, id)

	// Different calls must not collide on the random suffix alone.
	other := gen.NewID("evt")
	assert.NotEqual(t, id, other)
}
