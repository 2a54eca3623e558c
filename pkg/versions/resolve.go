package versions

import (
	"sort"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	"lab47.dev/cmvm/pkg/data"
	"lab47.dev/cmvm/pkg/platform"
)

// NormalizeTag drops surrounding whitespace and a single leading "v".
func NormalizeTag(tag string) string {
	return strings.TrimPrefix(strings.TrimSpace(tag), "v")
}

// Parse derives the numeric triple and prerelease flag from a raw record.
// Missing or non-numeric components are read as 0; only an empty tag is
// rejected.
func Parse(r *data.Release) (data.Version, error) {
	if r == nil || r.TagName == "" {
		return data.Version{}, data.Fail(data.ParseFailure, "parse release", nil)
	}

	tag := strings.TrimPrefix(r.TagName, "v")
	rc := strings.Contains(tag, "-rc")

	parts := strings.Split(strings.Replace(tag, "-rc", ".", 1), ".")

	nums := make([]int, 3)

	for i := range nums {
		if i < len(parts) {
			nums[i] = component(parts[i])
		}
	}

	return data.Version{
		Tag:        r.TagName,
		Major:      nums[0],
		Minor:      nums[1],
		Patch:      nums[2],
		Prerelease: r.Prerelease || rc,
		Assets:     r.Assets,
	}, nil
}

func component(s string) int {
	n, err := strconv.ParseUint(s, 10, 31)
	if err != nil {
		return 0
	}

	return int(n)
}

func toSemver(v *data.Version) *semver.Version {
	return semver.New(uint64(v.Major), uint64(v.Minor), uint64(v.Patch), "", "")
}

// Less orders versions by their numeric triple.
func Less(a, b *data.Version) bool {
	return toSemver(a).LessThan(toSemver(b))
}

// Sort orders vs ascending. Equal triples keep their relative order.
func Sort(vs []data.Version) {
	sort.SliceStable(vs, func(i, j int) bool {
		return Less(&vs[i], &vs[j])
	})
}

// ListInstallable returns the releases that can be installed on the
// platform described by def, in ascending version order.
func ListInstallable(releases []*data.Release, def platform.SupportedDefinition) []data.Version {
	var out []data.Version

	for _, r := range releases {
		v, err := Parse(r)
		if err != nil {
			continue
		}

		if v.Prerelease {
			continue
		}

		if v.Major < def.MajorVersionRequired {
			continue
		}

		if len(def.Compatible(v.Assets)) == 0 {
			continue
		}

		out = append(out, v)
	}

	Sort(out)

	return out
}

// Find returns the release whose normalized tag equals the normalized form
// of tag. A miss is reported through ok, not as an error.
func Find(releases []*data.Release, tag string) (data.Version, bool) {
	want := NormalizeTag(tag)
	if want == "" {
		return data.Version{}, false
	}

	for _, r := range releases {
		v, err := Parse(r)
		if err != nil {
			continue
		}

		if v.Name() == want {
			return v, true
		}
	}

	return data.Version{}, false
}
