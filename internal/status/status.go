// Package status defines the recognized build statuses and how each one
// renders as a badge.
package status

// Status is the closed set of statuses a badge can show.
type Status int

const (
	Undefined Status = iota // no records, or a status string we don't render
	Success
	Gold
	Fail
)

// Descriptor is the visual form of a status: a label and a color.
type Descriptor struct {
	Label string
	Color string // shields.io color name
	Hex   string // fill for inline SVG
}

// Parse maps a stored status string to a Status. Matching is exact; any
// other value is Undefined.
func Parse(raw string) Status {
	switch raw {
	case "SUCCESS":
		return Success
	case "GOLD":
		return Gold
	case "FAIL":
		return Fail
	default:
		return Undefined
	}
}

// String returns the label for s.
func (s Status) String() string {
	return Describe(s).Label
}

// Describe returns the badge descriptor for s. Values outside the
// enumeration render as Undefined.
func Describe(s Status) Descriptor {
	switch s {
	case Success:
		return Descriptor{Label: "SUCCESS", Color: "green", Hex: "#4c1"}
	case Gold:
		return Descriptor{Label: "GOLD", Color: "yellow", Hex: "#dfb317"}
	case Fail:
		return Descriptor{Label: "FAIL", Color: "red", Hex: "#e05d44"}
	default:
		return Descriptor{Label: "undefined", Color: "lightgrey", Hex: "#9f9f9f"}
	}
}
