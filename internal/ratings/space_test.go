package ratings

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/fixedpoint"
)

func mustSpace(t *testing.T, pairs []Pair) *Space {
	t.Helper()
	s, err := NewSpace(pairs)
	if err != nil {
		t.Fatalf("NewSpace failed: %v", err)
	}
	return s
}

// randomSpace draws a sorted relation with interleaved items.
func randomSpace(t *testing.T, rng *rand.Rand, users, items int) *Space {
	t.Helper()
	var pairs []Pair
	for u := 0; u < users; u++ {
		perm := rng.Perm(items)
		for it := 0; it < items; it++ {
			if rng.Intn(3) == 0 {
				pairs = append(pairs, Pair{User: u * 2, Item: perm[it] * 3})
			}
		}
	}
	// items were visited out of order within a user; sort each user's block
	for lo := 0; lo < len(pairs); {
		hi := lo
		for hi < len(pairs) && pairs[hi].User == pairs[lo].User {
			hi++
		}
		block := pairs[lo:hi]
		for i := 1; i < len(block); i++ {
			for j := i; j > 0 && block[j].Item < block[j-1].Item; j-- {
				block[j], block[j-1] = block[j-1], block[j]
			}
		}
		lo = hi
	}
	return mustSpace(t, pairs)
}

func randomRows(rng *rand.Rand, n, d int) []Vector {
	rows := make([]Vector, n)
	for i := range rows {
		rows[i] = make(Vector, d)
		for j := range rows[i] {
			rows[i][j] = rng.Int63n(2001) - 1000
		}
	}
	return rows
}

// TestScenarioAggregateByUser verifies M = [(0,0),(0,1),(1,0)] with rows [1,1]
// aggregates to user 0 = row0+row1 and user 1 = row2.
func TestScenarioAggregateByUser(t *testing.T) {
	const one = 1 << 10
	s := mustSpace(t, []Pair{{0, 0}, {0, 1}, {1, 0}})
	rows := []Vector{{one, one}, {one, one}, {one, one}}

	agg, err := s.AggregateByUser(rows)
	require.NoError(t, err)
	want := []Vector{{2 * one, 2 * one}, {one, one}}
	if diff := cmp.Diff(want, agg); diff != "" {
		t.Errorf("AggregateByUser mismatch (-want +got):\n%s", diff)
	}

	byItem, err := s.AggregateByItem(rows)
	require.NoError(t, err)
	if diff := cmp.Diff([]Vector{{2 * one, 2 * one}, {one, one}}, byItem); diff != "" {
		t.Errorf("AggregateByItem mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []int{0, 1}, s.Items())
}

// TestGroupingRoundTrip verifies reconstitute(aggregate(A))[i] equals the sum of
// A[j] over every j sharing the key of row i, for both keys.
func TestGroupingRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		s := randomSpace(t, rng, 1+rng.Intn(8), 1+rng.Intn(8))
		rows := randomRows(rng, s.Len(), 3)

		for _, k := range []Key{ByUser, ByItem} {
			got, err := s.Regroup(k, rows)
			require.NoError(t, err)
			require.Len(t, got, s.Len())

			for i := 0; i < s.Len(); i++ {
				want := make(Vector, 3)
				for j := 0; j < s.Len(); j++ {
					same := s.Pair(i).User == s.Pair(j).User
					if k == ByItem {
						same = s.Pair(i).Item == s.Pair(j).Item
					}
					if !same {
						continue
					}
					for c := range want {
						want[c] += rows[j][c]
					}
				}
				if diff := cmp.Diff(want, got[i]); diff != "" {
					t.Fatalf("trial %d key %s row %d mismatch (-want +got):\n%s", trial, k, i, diff)
				}
			}
		}
	}
}

// TestHatSparsity verifies exactly one nonzero hat row per group, placed at the
// group's first row, and that summing the hat over a group recovers the aggregate.
func TestHatSparsity(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	s := randomSpace(t, rng, 6, 6)
	rows := randomRows(rng, s.Len(), 2)
	for i := range rows {
		rows[i][0] |= 1 // keep every row nonzero
	}

	for _, k := range []Key{ByUser, ByItem} {
		full, err := s.Regroup(k, rows)
		require.NoError(t, err)
		hat, err := s.Hat(k, full)
		require.NoError(t, err)

		nonzero := make(map[int]int)
		for i, row := range hat {
			g := s.UserGroup(i)
			if k == ByItem {
				g = s.ItemGroup(i)
			}
			isZero := row[0] == 0 && row[1] == 0
			if k == ByUser && i > 0 && s.Pair(i).User == s.Pair(i-1).User && !isZero {
				t.Errorf("UHat row %d repeats user %d but is nonzero", i, s.Pair(i).User)
			}
			if !isZero {
				nonzero[g]++
			}
		}
		for g := 0; g < s.NumGroups(k); g++ {
			if nonzero[g] > 1 {
				t.Errorf("%s group %d has %d nonzero hat rows", k, g, nonzero[g])
			}
		}

		aggHat, err := s.Aggregate(k, hat)
		require.NoError(t, err)
		agg, err := s.Aggregate(k, rows)
		require.NoError(t, err)
		if diff := cmp.Diff(agg, aggHat); diff != "" {
			t.Errorf("%s: aggregated hat differs from aggregate (-want +got):\n%s", k, diff)
		}
	}
}

func TestSingletonGroupAggregatesToItself(t *testing.T) {
	s := mustSpace(t, []Pair{{3, 9}})
	agg, err := s.AggregateByItem([]Vector{{5, -5}})
	require.NoError(t, err)
	require.Equal(t, []Vector{{5, -5}}, agg)
}

// TestAggregateOverflow verifies group sums that leave int64 are reported
// instead of wrapping.
func TestAggregateOverflow(t *testing.T) {
	s := mustSpace(t, []Pair{{0, 0}, {0, 1}, {1, 0}})
	const big = int64(1) << 62
	_, err := s.AggregateByUser([]Vector{{big, 1}, {big, 1}, {1, 1}})
	require.ErrorIs(t, err, fixedpoint.ErrScaleOverflow)

	agg, err := s.AggregateByUser([]Vector{{big, 1}, {-big, 1}, {1, 1}})
	require.NoError(t, err)
	require.Equal(t, []Vector{{0, 2}, {1, 1}}, agg)
}

// TestNewSpaceRejectsUnsorted verifies the sort precondition is checked at construction.
func TestNewSpaceRejectsUnsorted(t *testing.T) {
	cases := map[string][]Pair{
		"users out of order": {{1, 0}, {0, 0}},
		"items out of order": {{0, 2}, {0, 1}},
		"duplicate":          {{0, 1}, {0, 1}},
		"negative":           {{-1, 0}},
	}
	for name, pairs := range cases {
		if _, err := NewSpace(pairs); !errors.Is(err, ErrGroupingPrecondition) {
			t.Errorf("%s: expected ErrGroupingPrecondition, got %v", name, err)
		}
	}
}

// TestAlignmentChecks verifies mismatched lengths are rejected at the boundary.
func TestAlignmentChecks(t *testing.T) {
	s := mustSpace(t, []Pair{{0, 0}, {0, 1}, {1, 0}})
	if _, err := s.AggregateByUser([]Vector{{1}}); !errors.Is(err, ErrAlignment) {
		t.Errorf("short aggregate input: expected ErrAlignment, got %v", err)
	}
	if _, err := s.ReconstituteByItem([]Vector{{1}}); !errors.Is(err, ErrAlignment) {
		t.Errorf("short reconstitute input: expected ErrAlignment, got %v", err)
	}
	if _, err := s.AggregateByItem([]Vector{{1}, {1, 2}, {1}}); !errors.Is(err, ErrAlignment) {
		t.Errorf("ragged rows: expected ErrAlignment, got %v", err)
	}
}

func TestFirstRows(t *testing.T) {
	s := mustSpace(t, []Pair{{0, 4}, {0, 7}, {2, 1}, {2, 4}, {5, 7}})
	row, ok := s.FirstRowOfUser(2)
	require.True(t, ok)
	require.Equal(t, 2, row)
	_, ok = s.FirstRowOfUser(1)
	require.False(t, ok)
	require.Equal(t, []int{4, 7, 1}, s.Items())
	require.Equal(t, []int{0, 1, 2}, s.ItemFirstRows())
	require.True(t, s.IsFirstItemRow(2))
	require.False(t, s.IsFirstItemRow(3))
}

func TestDigest(t *testing.T) {
	a := mustSpace(t, []Pair{{0, 0}, {0, 1}})
	b := mustSpace(t, []Pair{{0, 0}, {0, 1}})
	c := mustSpace(t, []Pair{{0, 0}, {0, 2}})
	if a.Digest() != b.Digest() {
		t.Error("equal relations produced different digests")
	}
	if a.Digest() == c.Digest() {
		t.Error("different relations produced the same digest")
	}
}
