// Revision comparison for configs whose revision is represented by an
// arbitrarily sized array of uint64's, least significant element first.
// A bucket config carries (rev, revEpoch); older servers omit the epoch,
// which compares equal to an epoch of zero.

package cbconfig

// CompareRevisions returns an integer comparing two revisions.  The result
// will be 0 if a == b, -1 if a < b, and +1 if a > b.  A nil argument is
// considered the same as an empty value.
func CompareRevisions(a, b []uint64) int {
	lenA := len(a)
	lenB := len(b)

	if lenA > lenB {
		// if a is longer, any non-zero extra element makes a larger, since
		// the matching elements of b are considered to be 0.
		for elIdx := lenB; elIdx < lenA; elIdx++ {
			if a[elIdx] > 0 {
				return 1
			}
		}
	} else if lenB > lenA {
		// similar to above, but for b
		for elIdx := lenA; elIdx < lenB; elIdx++ {
			if b[elIdx] > 0 {
				return -1
			}
		}
	}

	var minLen int
	if lenA > lenB {
		minLen = lenB
	} else {
		minLen = lenA
	}

	// iterate most-significant first, which is right-to-left
	for invElIdx := 0; invElIdx < minLen; invElIdx++ {
		elIdx := minLen - 1 - invElIdx
		if a[elIdx] > b[elIdx] {
			return +1
		} else if b[elIdx] > a[elIdx] {
			return -1
		}
	}

	return 0
}
