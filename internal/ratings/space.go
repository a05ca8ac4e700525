// space.go: The sparse rating relation M and its group index
//
// M is the ordered list of (user, item) pairs with an observed rating, sorted
// by user then item. Every per-entry vector in the protocol (U, V, UHat, VHat,
// R, gradient pre-images, masks) is aligned index-for-index with M.
//
// The group index is built once at construction: each row carries the dense
// id of its user group and item group, and the first row of every group is
// recorded, so aggregation and reconstitution are single O(|M|) passes that
// do not depend on comparing neighbouring rows.

package ratings

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

var (
	// ErrAlignment reports a per-entry vector whose length disagrees with |M|
	// or with the number of groups.
	ErrAlignment = errors.New("alignment error")
	// ErrGroupingPrecondition reports a relation that is not sorted by user then item.
	ErrGroupingPrecondition = errors.New("grouping precondition violated")
)

// Pair is one (user, item) entry of M.
type Pair struct {
	User int `json:"user"`
	Item int `json:"item"`
}

// Space is the immutable rating relation M with its prebuilt group index.
type Space struct {
	pairs []Pair

	userGroup []int // row -> dense user group id
	itemGroup []int // row -> dense item group id

	users     []int // user group id -> user index
	items     []int // item group id -> item index, in order of first appearance
	userFirst []int // user group id -> first row
	itemFirst []int // item group id -> first row

	userByIndex map[int]int
	itemByIndex map[int]int
}

// NewSpace validates pairs and builds the group index. pairs must be sorted by
// user ascending then item ascending with no duplicates.
func NewSpace(pairs []Pair) (*Space, error) {
	s := &Space{
		pairs:       append([]Pair(nil), pairs...),
		userGroup:   make([]int, len(pairs)),
		itemGroup:   make([]int, len(pairs)),
		userByIndex: make(map[int]int),
		itemByIndex: make(map[int]int),
	}

	for i, p := range s.pairs {
		if p.User < 0 || p.Item < 0 {
			return nil, fmt.Errorf("%w: row %d has negative index (%d, %d)", ErrGroupingPrecondition, i, p.User, p.Item)
		}
		if i > 0 {
			prev := s.pairs[i-1]
			if p.User < prev.User || (p.User == prev.User && p.Item <= prev.Item) {
				return nil, fmt.Errorf("%w: row %d (%d, %d) does not follow (%d, %d)",
					ErrGroupingPrecondition, i, p.User, p.Item, prev.User, prev.Item)
			}
		}

		ug, ok := s.userByIndex[p.User]
		if !ok {
			ug = len(s.users)
			s.userByIndex[p.User] = ug
			s.users = append(s.users, p.User)
			s.userFirst = append(s.userFirst, i)
		}
		s.userGroup[i] = ug

		ig, ok := s.itemByIndex[p.Item]
		if !ok {
			ig = len(s.items)
			s.itemByIndex[p.Item] = ig
			s.items = append(s.items, p.Item)
			s.itemFirst = append(s.itemFirst, i)
		}
		s.itemGroup[i] = ig
	}

	return s, nil
}

// Len is |M|.
func (s *Space) Len() int { return len(s.pairs) }

// Pair returns the i-th entry of M.
func (s *Space) Pair(i int) Pair { return s.pairs[i] }

// Pairs returns a copy of M.
func (s *Space) Pairs() []Pair { return append([]Pair(nil), s.pairs...) }

// NumUsers is the number of distinct users in M.
func (s *Space) NumUsers() int { return len(s.users) }

// NumItems is the number of distinct items in M.
func (s *Space) NumItems() int { return len(s.items) }

// Users lists the distinct users in ascending order (their order in M).
func (s *Space) Users() []int { return append([]int(nil), s.users...) }

// Items lists the distinct items in order of first appearance in M.
func (s *Space) Items() []int { return append([]int(nil), s.items...) }

// UserGroup is the dense user group id of row i.
func (s *Space) UserGroup(i int) int { return s.userGroup[i] }

// ItemGroup is the dense item group id of row i.
func (s *Space) ItemGroup(i int) int { return s.itemGroup[i] }

// IsFirstUserRow reports whether row i is the first row of its user.
func (s *Space) IsFirstUserRow(i int) bool { return s.userFirst[s.userGroup[i]] == i }

// IsFirstItemRow reports whether row i is the first row of its item.
func (s *Space) IsFirstItemRow(i int) bool { return s.itemFirst[s.itemGroup[i]] == i }

// FirstRowOfUser returns the first row in M rated by user.
func (s *Space) FirstRowOfUser(user int) (int, bool) {
	g, ok := s.userByIndex[user]
	if !ok {
		return 0, false
	}
	return s.userFirst[g], true
}

// ItemFirstRows returns, for every distinct item in first-appearance order,
// its first row in M.
func (s *Space) ItemFirstRows() []int { return append([]int(nil), s.itemFirst...) }

// CheckRows returns ErrAlignment unless n == |M|.
func (s *Space) CheckRows(what string, n int) error {
	if n != len(s.pairs) {
		return fmt.Errorf("%w: %s has %d rows, M has %d", ErrAlignment, what, n, len(s.pairs))
	}
	return nil
}

// Digest is a blake3 hash of M, used by the RE and the CSP to confirm they
// hold the same relation before training.
func (s *Space) Digest() [32]byte {
	h := blake3.New()
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(len(s.pairs)))
	h.Write(buf[:8])
	for _, p := range s.pairs {
		binary.LittleEndian.PutUint64(buf[:8], uint64(p.User))
		binary.LittleEndian.PutUint64(buf[8:], uint64(p.Item))
		h.Write(buf[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
