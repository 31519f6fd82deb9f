package geo

import (
	"fmt"
	"strings"
)

// DetectorID identifies a tracking detector subsystem.
type DetectorID int

const (
	DetNone DetectorID = iota
	DetMvd
	DetSts
	DetMuch
	DetTrd
	DetTrd2D
	DetTof
)

var detectorNames = [...]string{
	DetNone:  "none",
	DetMvd:   "mvd",
	DetSts:   "sts",
	DetMuch:  "much",
	DetTrd:   "trd",
	DetTrd2D: "trd2d",
	DetTof:   "tof",
}

// String implements fmt.Stringer.
func (d DetectorID) String() string {
	if d < 0 || int(d) >= len(detectorNames) {
		return fmt.Sprintf("DetectorID(%d)", int(d))
	}
	return detectorNames[d]
}

// ParseDetectorID parses a detector name as written by String. Matching is
// case-insensitive.
func ParseDetectorID(s string) (DetectorID, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range detectorNames {
		if n == name {
			return DetectorID(i), nil
		}
	}
	return DetNone, fmt.Errorf("unknown detector %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (d DetectorID) MarshalText() ([]byte, error) {
	if d < 0 || int(d) >= len(detectorNames) {
		return nil, fmt.Errorf("invalid detector id %d", int(d))
	}
	return []byte(detectorNames[d]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DetectorID) UnmarshalText(b []byte) error {
	id, err := ParseDetectorID(string(b))
	if err != nil {
		return err
	}
	*d = id
	return nil
}

// ProvidesTime reports whether hits of this detector carry a usable time
// measurement. MVD hits do not.
func (d DetectorID) ProvidesTime() bool {
	return d != DetMvd && d != DetNone
}

// TrackingDetector returns the detector whose stations index the hits of d.
// TRD 2D hits live on ordinary TRD stations.
func (d DetectorID) TrackingDetector() DetectorID {
	if d == DetTrd2D {
		return DetTrd
	}
	return d
}
