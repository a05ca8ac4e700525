// grouping.go: Aggregate, reconstitute and hat transforms over M
//
// These run on plaintext packed vectors. The CSP applies them to decrypted
// masked values; the RE applies the very same transforms to its own mask
// vectors so it can subtract their image from the CSP's reply.

package ratings

import (
	"fmt"

	"github.com/isglobal-brge/dsVert/recsys-tool/internal/fixedpoint"
)

// Vector is one plaintext packed vector of profile dimension d.
type Vector []int64

// Clone returns a copy of v.
func (v Vector) Clone() Vector { return append(Vector(nil), v...) }

// Key selects which side of M a grouping transform is keyed by.
type Key int

const (
	ByUser Key = iota
	ByItem
)

func (k Key) String() string {
	if k == ByUser {
		return "user"
	}
	return "item"
}

func (s *Space) groupOf(k Key) []int {
	if k == ByUser {
		return s.userGroup
	}
	return s.itemGroup
}

// NumGroups is the number of distinct users or items.
func (s *Space) NumGroups(k Key) int {
	if k == ByUser {
		return len(s.users)
	}
	return len(s.items)
}

func checkDims(rows []Vector) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	d := len(rows[0])
	for i, r := range rows {
		if len(r) != d {
			return 0, fmt.Errorf("%w: row %d has %d slots, row 0 has %d", ErrAlignment, i, len(r), d)
		}
	}
	return d, nil
}

// Aggregate sums the rows of a, one per entry of M, into one row per group.
// Item groups come out in order of first appearance.
func (s *Space) Aggregate(k Key, a []Vector) ([]Vector, error) {
	if err := s.CheckRows("aggregate input", len(a)); err != nil {
		return nil, err
	}
	d, err := checkDims(a)
	if err != nil {
		return nil, err
	}
	group := s.groupOf(k)
	out := make([]Vector, s.NumGroups(k))
	for g := range out {
		out[g] = make(Vector, d)
	}
	for i, row := range a {
		acc := out[group[i]]
		for j, x := range row {
			sum, err := fixedpoint.Add(acc[j], x)
			if err != nil {
				return nil, fmt.Errorf("%s group %d slot %d: %w", k, group[i], j, err)
			}
			acc[j] = sum
		}
	}
	return out, nil
}

// Reconstitute broadcasts each group's row back to every entry of M in that group.
func (s *Space) Reconstitute(k Key, a []Vector) ([]Vector, error) {
	if len(a) != s.NumGroups(k) {
		return nil, fmt.Errorf("%w: %d rows for %d %s groups", ErrAlignment, len(a), s.NumGroups(k), k)
	}
	if _, err := checkDims(a); err != nil {
		return nil, err
	}
	group := s.groupOf(k)
	out := make([]Vector, len(s.pairs))
	for i := range out {
		out[i] = a[group[i]].Clone()
	}
	return out, nil
}

// Hat keeps a row only at the first entry of each group in M and zeroes every
// repeat, so summing the result over any group yields that group's value once.
func (s *Space) Hat(k Key, a []Vector) ([]Vector, error) {
	if err := s.CheckRows("hat input", len(a)); err != nil {
		return nil, err
	}
	first := s.IsFirstUserRow
	if k == ByItem {
		first = s.IsFirstItemRow
	}
	out := make([]Vector, len(a))
	for i, row := range a {
		if first(i) {
			out[i] = row.Clone()
		} else {
			out[i] = make(Vector, len(row))
		}
	}
	return out, nil
}

// AggregateByUser sums rows per user.
func (s *Space) AggregateByUser(a []Vector) ([]Vector, error) { return s.Aggregate(ByUser, a) }

// AggregateByItem sums rows per item, in order of first appearance.
func (s *Space) AggregateByItem(a []Vector) ([]Vector, error) { return s.Aggregate(ByItem, a) }

// ReconstituteByUser broadcasts per-user rows back onto M.
func (s *Space) ReconstituteByUser(a []Vector) ([]Vector, error) { return s.Reconstitute(ByUser, a) }

// ReconstituteByItem broadcasts per-item rows back onto M.
func (s *Space) ReconstituteByItem(a []Vector) ([]Vector, error) { return s.Reconstitute(ByItem, a) }

// Regroup is Reconstitute(Aggregate(a)): every row becomes the sum over its group.
func (s *Space) Regroup(k Key, a []Vector) ([]Vector, error) {
	agg, err := s.Aggregate(k, a)
	if err != nil {
		return nil, err
	}
	return s.Reconstitute(k, agg)
}
