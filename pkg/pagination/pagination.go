package pagination

import "storylab-backend/pkg/constants"

// Params is a clamped limit/offset window
type Params struct {
	Limit  int
	Offset int
}

// Clamp normalizes a requested window. A non-positive limit becomes
// constants.DefaultPageSize, a limit above constants.MaxPageSize is capped
// and a negative offset becomes zero.
func Clamp(limit, offset int) Params {
	if limit <= 0 {
		limit = constants.DefaultPageSize
	}
	if limit > constants.MaxPageSize {
		limit = constants.MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

// HasMore reports whether rows remain after the window given the total count
func (p Params) HasMore(total int) bool {
	return p.Offset+p.Limit < total
}

// CalculateTotalPages calculates total pages from total count and limit
func CalculateTotalPages(total int64, limit int) int {
	if limit <= 0 {
		return 0
	}
	totalPages := int(total) / limit
	if int(total)%limit > 0 {
		totalPages++
	}
	return totalPages
}
