package memory

// Kind names what a segment is used for.
type Kind uint8

const (
	KindNursery Kind = iota + 1
	KindMajor
	KindLOS
	KindStack
)

func (k Kind) String() string {
	switch k {
	case KindNursery:
		return "nursery"
	case KindMajor:
		return "major"
	case KindLOS:
		return "los"
	case KindStack:
		return "stack"
	default:
		return "unknown"
	}
}

// Segment is a half-open address range [Start, End) of a Space.
type Segment struct {
	Kind  Kind
	Start Addr
	End   Addr
}

// Contains reports whether a lies inside the segment.
func (s Segment) Contains(a Addr) bool { return a >= s.Start && a < s.End }

// Size returns the segment length in bytes.
func (s Segment) Size() int { return s.End.Sub(s.Start) }

// IsZero reports whether the segment is the zero value.
func (s Segment) IsZero() bool { return s.Start == Null && s.End == Null }
