package shared

import "strconv"

const (
	defaultLimit = 50
	maxLimit     = 500
)

// ParseLimit reads a list limit from a query value, clamped to [1, 500].
func ParseLimit(raw string) int {
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}
