package aggregator

import "fmt"

// Health is the presentation status of a collector
type Health int

const (
	Fresh Health = iota
	Stale
	Unreachable
)

func (h Health) String() string {
	switch h {
	case Fresh:
		return "fresh"
	case Stale:
		return "stale"
	case Unreachable:
		return "unreachable"
	default:
		return fmt.Sprintf("health(%d)", int(h))
	}
}

func (h Health) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Health) UnmarshalText(b []byte) error {
	switch string(b) {
	case "fresh":
		*h = Fresh
	case "stale":
		*h = Stale
	case "unreachable":
		*h = Unreachable
	default:
		return fmt.Errorf("unknown health %q", string(b))
	}
	return nil
}
