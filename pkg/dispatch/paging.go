package dispatch

import "math"

// PageOffset returns the number of records before a 1-based page. ok is false
// when the page cannot hold any record: bad arguments or an offset that does
// not fit in an int.
func PageOffset(page, pageSize int) (offset int, ok bool) {
	if page < 1 || pageSize < 1 {
		return 0, false
	}
	if page-1 > math.MaxInt/pageSize {
		return 0, false
	}
	return (page - 1) * pageSize, true
}
