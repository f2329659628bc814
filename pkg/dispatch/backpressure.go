package dispatch

// ThrottleMode is the admission-control decision derived from queue depth.
// Severity strictly increases from None to Emergency.
type ThrottleMode int

const (
	ThrottleNone ThrottleMode = iota
	// ThrottleScale signals that more workers should be added; nothing is
	// blocked yet.
	ThrottleScale
	ThrottleLight
	ThrottleHeavy
	ThrottleEmergency
)

func (m ThrottleMode) String() string {
	switch m {
	case ThrottleScale:
		return "scale"
	case ThrottleLight:
		return "light"
	case ThrottleHeavy:
		return "heavy"
	case ThrottleEmergency:
		return "emergency"
	default:
		return "none"
	}
}

// Thresholds are the queue depths above which each mode engages. They must be
// non-decreasing; configuration.BackpressureOptions.Validate enforces that at
// load time.
type Thresholds struct {
	Scale     int64
	Light     int64
	Heavy     int64
	Emergency int64
}

// ClassifyDepth returns the most severe mode whose threshold the depth
// exceeds. It is monotone in depth and ClassifyDepth(0, t) is always
// ThrottleNone for positive thresholds.
func ClassifyDepth(depth int64, t Thresholds) ThrottleMode {
	switch {
	case depth > t.Emergency:
		return ThrottleEmergency
	case depth > t.Heavy:
		return ThrottleHeavy
	case depth > t.Light:
		return ThrottleLight
	case depth > t.Scale:
		return ThrottleScale
	default:
		return ThrottleNone
	}
}

// Blocks reports whether a submission at the given priority is shed under
// this mode: light sheds P3, heavy sheds P2 and below, emergency admits only
// P0.
func (m ThrottleMode) Blocks(p Priority) bool {
	switch m {
	case ThrottleLight:
		return p >= P3
	case ThrottleHeavy:
		return p >= P2
	case ThrottleEmergency:
		return p > P0
	default:
		return false
	}
}
