package imap

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// UIDRange is a contiguous run of UIDs, used to print compact IMAP UID sets.
type UIDRange struct {
	Begin, End UID
}

func (r UIDRange) canCombine(val UID) bool {
	return val == r.End+1
}

func (r UIDRange) String() string {
	if r.End > r.Begin {
		return fmt.Sprintf("%v:%v", r.Begin, r.End)
	}

	return strconv.FormatUint(uint64(r.End), 10)
}

// UIDSet is a sorted, range-compacted set of UIDs, the shape the validator
// needs to print a "NOT UID <set>" search term (spec §4.E rule 9c) and the
// synchronizer needs to print the UID set it FETCHes CHANGEDSINCE.
type UIDSet []UIDRange

// NewUIDSet sorts uids and folds consecutive runs into ranges.
func NewUIDSet(uids []UID) UIDSet {
	sorted := slices.Clone(uids)
	slices.Sort(sorted)

	var res UIDSet

	for _, val := range sorted {
		if n := len(res); n > 0 {
			if res[n-1].canCombine(val) {
				res[n-1].End = val
				continue
			}
		}

		res = append(res, UIDRange{Begin: val, End: val})
	}

	return res
}

func (set UIDSet) String() string {
	parts := make([]string, 0, len(set))

	for _, r := range set {
		parts = append(parts, r.String())
	}

	return strings.Join(parts, ",")
}

// UIDsEqual reports whether two UID slices contain the same set of UIDs,
// independent of input order (used by the validator's rule 9b exact-set check).
func UIDsEqual(a, b []UID) bool {
	if len(a) != len(b) {
		return false
	}

	sa, sb := slices.Clone(a), slices.Clone(b)
	slices.Sort(sa)
	slices.Sort(sb)

	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}

	return true
}
