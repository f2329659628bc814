// Package dispatch holds the constants and pure decision functions of the
// job-distribution core: priority mapping, message lifecycle enums, the
// retry/backoff policy and the backpressure classifier. Nothing in this
// package performs I/O.
package dispatch

// Priority is the application-level urgency tier. P0 is the most urgent.
type Priority int

const (
	P0 Priority = iota
	P1
	P2
	P3
)

const MaxPriority = P3

// Valid reports whether p is inside the closed 0..3 range.
func (p Priority) Valid() bool {
	return p >= P0 && p <= P3
}

// Transport maps a logical priority to the broker's integer priority scale,
// where higher numbers are served first.
func (p Priority) Transport() uint8 {
	switch p {
	case P0:
		return 9
	case P1:
		return 7
	case P2:
		return 5
	default:
		return 3
	}
}

// Demote lowers urgency by one tier, saturating at P3.
func Demote(p Priority) Priority {
	if p >= MaxPriority {
		return MaxPriority
	}
	return p + 1
}
