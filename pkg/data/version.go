package data

import "strings"

// Version is a release whose tag has been parsed. The numeric fields and
// Prerelease are derived once at parse time and never recomputed.
type Version struct {
	Tag        string
	Major      int
	Minor      int
	Patch      int
	Prerelease bool
	Assets     []*Asset
}

// Name is the normalized tag, used for directory names and display.
func (v *Version) Name() string {
	return strings.TrimPrefix(v.Tag, "v")
}
