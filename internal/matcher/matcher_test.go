package matcher_test

import (
	"math"
	"math/rand"
	"testing"

	"geomatch/internal/matcher"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func attrs(points []orb.Point) []any {
	out := make([]any, len(points))
	for i := range points {
		out[i] = i
	}
	return out
}

func TestBuildCandidateSet(t *testing.T) {
	t.Parallel()

	t.Run("arity mismatch", func(t *testing.T) {
		t.Parallel()

		_, err := matcher.BuildCandidateSet(
			[]orb.Point{{0, 0}, {1, 1}},
			[]any{"only-one"},
		)
		assert.ErrorIs(t, err, matcher.ErrArityMismatch)
	})

	t.Run("non-finite candidate rejected", func(t *testing.T) {
		t.Parallel()

		_, err := matcher.BuildCandidateSet(
			[]orb.Point{{0, 0}, {math.NaN(), 1}},
			[]any{"a", "b"},
		)
		assert.ErrorIs(t, err, matcher.ErrInvalidGeometry)
	})

	t.Run("empty set is valid", func(t *testing.T) {
		t.Parallel()

		cs, err := matcher.BuildCandidateSet(nil, nil)
		require.NoError(t, err)
		assert.Equal(t, 0, cs.Len())
	})
}

func TestFindNearest(t *testing.T) {
	t.Parallel()

	t.Run("picks the closest of three", func(t *testing.T) {
		t.Parallel()

		cs, err := matcher.BuildCandidateSet(
			[]orb.Point{{0, 1.45}, {2, 2}, {0, 2.5}},
			[]any{"a", "b", "c"},
		)
		require.NoError(t, err)

		m, err := cs.FindNearest(orb.Point{1, 1.67})
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Equal(t, orb.Point{0, 1.45}, m.Point)
		assert.Equal(t, "a", m.Attr)
		assert.InDelta(t, planar.Distance(orb.Point{1, 1.67}, orb.Point{0, 1.45}), m.Distance, 1e-12)
	})

	t.Run("empty set yields no result, not an error", func(t *testing.T) {
		t.Parallel()

		cs, err := matcher.BuildCandidateSet(nil, nil)
		require.NoError(t, err)

		m, err := cs.FindNearest(orb.Point{1, 1})
		assert.NoError(t, err)
		assert.Nil(t, m)
	})

	t.Run("single candidate always wins", func(t *testing.T) {
		t.Parallel()

		cs, err := matcher.BuildCandidateSet([]orb.Point{{100, -40}}, []any{"only"})
		require.NoError(t, err)

		for _, q := range []orb.Point{{0, 0}, {1e6, 1e6}, {100, -40}} {
			m, err := cs.FindNearest(q)
			require.NoError(t, err)
			require.NotNil(t, m)
			assert.Equal(t, "only", m.Attr)
		}
	})

	t.Run("non-finite query fails", func(t *testing.T) {
		t.Parallel()

		cs, err := matcher.BuildCandidateSet([]orb.Point{{0, 0}}, []any{"a"})
		require.NoError(t, err)

		_, err = cs.FindNearest(orb.Point{math.Inf(1), 0})
		assert.ErrorIs(t, err, matcher.ErrInvalidGeometry)
	})

	t.Run("deterministic across calls", func(t *testing.T) {
		t.Parallel()

		cs, err := matcher.BuildCandidateSet(
			[]orb.Point{{3, 3}, {-1, 2}, {5, 0}},
			[]any{1, 2, 3},
		)
		require.NoError(t, err)

		first, err := cs.FindNearest(orb.Point{0.5, 0.5})
		require.NoError(t, err)
		for i := 0; i < 10; i++ {
			again, err := cs.FindNearest(orb.Point{0.5, 0.5})
			require.NoError(t, err)
			assert.Equal(t, first, again)
		}
	})

	t.Run("exact ties go to first insertion", func(t *testing.T) {
		t.Parallel()

		cs, err := matcher.BuildCandidateSet(
			[]orb.Point{{5, 5}, {1, 1}, {1, 1}},
			[]any{"far", "first", "second"},
		)
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			m, err := cs.FindNearest(orb.Point{1.2, 0.9})
			require.NoError(t, err)
			assert.Equal(t, "first", m.Attr)
		}
	})
}

// bruteNearest is the reference oracle: scan everything, strict < so the
// earliest index wins ties.
func bruteNearest(q orb.Point, points []orb.Point) int {
	best := 0
	bestD := planar.DistanceSquared(q, points[0])
	for i := 1; i < len(points); i++ {
		if d := planar.DistanceSquared(q, points[i]); d < bestD {
			best, bestD = i, d
		}
	}
	return best
}

func TestMinimality(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(42))

	// Small set exercises the linear path, large set the R-tree path.
	for _, n := range []int{10, 500} {
		points := make([]orb.Point, n)
		for i := range points {
			points[i] = orb.Point{rng.Float64() * 100, rng.Float64() * 100}
		}
		cs, err := matcher.BuildCandidateSet(points, attrs(points))
		require.NoError(t, err)

		for i := 0; i < 200; i++ {
			q := orb.Point{rng.Float64() * 100, rng.Float64() * 100}
			m, err := cs.FindNearest(q)
			require.NoError(t, err)
			require.NotNil(t, m)

			want := bruteNearest(q, points)
			assert.Equal(t, want, m.Attr, "n=%d query=%v", n, q)
		}
	}
}

func TestIndexedTieStability(t *testing.T) {
	t.Parallel()

	// Enough duplicated coordinates to force the indexed path while
	// keeping exact ties present.
	var points []orb.Point
	var labels []any
	for i := 0; i < 50; i++ {
		points = append(points, orb.Point{float64(i) + 10, float64(i) + 10})
		labels = append(labels, i)
	}
	points = append(points, orb.Point{1, 1}, orb.Point{1, 1})
	labels = append(labels, "dup-first", "dup-second")
	for i := 0; i < 50; i++ {
		points = append(points, orb.Point{-float64(i) - 10, -float64(i) - 10})
		labels = append(labels, -i)
	}

	cs, err := matcher.BuildCandidateSet(points, labels)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		m, err := cs.FindNearest(orb.Point{1, 1.5})
		require.NoError(t, err)
		assert.Equal(t, "dup-first", m.Attr)
	}
}

func TestFindNearestBatch(t *testing.T) {
	t.Parallel()

	points := []orb.Point{{0, 0}, {10, 10}, {20, 20}}
	cs, err := matcher.BuildCandidateSet(points, []any{"a", "b", "c"})
	require.NoError(t, err)

	t.Run("preserves query order and matches single lookups", func(t *testing.T) {
		t.Parallel()

		queries := []orb.Point{{19, 19}, {1, 1}, {11, 9}, {-5, -5}}
		results := cs.FindNearestBatch(queries, nil, nil)
		require.Len(t, results, len(queries))

		for i, q := range queries {
			single, err := cs.FindNearest(q)
			require.NoError(t, err)
			require.NoError(t, results[i].Err)
			assert.Equal(t, single, results[i].Match)
		}
	})

	t.Run("isolates invalid rows", func(t *testing.T) {
		t.Parallel()

		queries := []orb.Point{{1, 1}, {math.NaN(), 0}, {21, 21}}
		results := cs.FindNearestBatch(queries, nil, nil)
		require.Len(t, results, 3)

		assert.NoError(t, results[0].Err)
		assert.Equal(t, "a", results[0].Match.Attr)

		assert.ErrorIs(t, results[1].Err, matcher.ErrInvalidGeometry)
		assert.Nil(t, results[1].Match)

		assert.NoError(t, results[2].Err)
		assert.Equal(t, "c", results[2].Match.Attr)
	})

	t.Run("empty query slice", func(t *testing.T) {
		t.Parallel()

		results := cs.FindNearestBatch(nil, nil, nil)
		assert.Empty(t, results)
	})

	t.Run("callbacks fire", func(t *testing.T) {
		t.Parallel()

		queries := make([]orb.Point, 700)
		for i := range queries {
			queries[i] = orb.Point{float64(i), float64(i)}
		}

		gotFinal := false
		var logged []string
		cs.FindNearestBatch(queries,
			func(current, total int, _ string) {
				if current == total {
					gotFinal = true
				}
			},
			func(msg string) { logged = append(logged, msg) },
		)
		assert.True(t, gotFinal)
		assert.NotEmpty(t, logged)
	})
}
