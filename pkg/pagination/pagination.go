package pagination

import "strconv"

// Window is a limit/offset page request
type Window struct {
	Limit  int
	Offset int
}

// Parse reads limit and offset query values. A missing, malformed or
// non-positive limit becomes defaultLimit; limits above maxLimit are clamped.
// A negative or malformed offset becomes 0.
func Parse(limitStr, offsetStr string, defaultLimit, maxLimit int) Window {
	w := Window{Limit: defaultLimit}

	if limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			w.Limit = l
		}
	}
	if maxLimit > 0 && w.Limit > maxLimit {
		w.Limit = maxLimit
	}

	if offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o > 0 {
			w.Offset = o
		}
	}
	return w
}
