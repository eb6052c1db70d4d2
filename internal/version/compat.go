package version

import (
	"github.com/Masterminds/semver/v3"
)

// Compatibility describes how a peer's protocol version relates to ours.
type Compatibility int

const (
	// CompatFull means major and minor match; patch may differ.
	CompatFull Compatibility = iota
	// CompatDegraded means the major matches but the minor differs;
	// the peer is usable but newer features may be missing.
	CompatDegraded
	// CompatIncompatible means the majors differ. Reported, never fatal.
	CompatIncompatible
	// CompatUnknown means one of the version strings failed to parse.
	CompatUnknown
)

func (c Compatibility) String() string {
	switch c {
	case CompatFull:
		return "full"
	case CompatDegraded:
		return "degraded"
	case CompatIncompatible:
		return "incompatible"
	default:
		return "unknown"
	}
}

// Check compares two semantic version strings per the hub compatibility rule:
// equal major means compatible, equal major+minor means fully compatible,
// a differing patch is only worth a warning.
func Check(ours, theirs string) Compatibility {
	a, err := semver.NewVersion(ours)
	if err != nil {
		return CompatUnknown
	}
	b, err := semver.NewVersion(theirs)
	if err != nil {
		return CompatUnknown
	}

	if a.Major() != b.Major() {
		return CompatIncompatible
	}
	if a.Minor() != b.Minor() {
		return CompatDegraded
	}
	return CompatFull
}
