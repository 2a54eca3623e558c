package platform

import (
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/host"
	"lab47.dev/cmvm/pkg/data"
)

// SupportedDefinition is the asset policy for one platform. It is chosen
// once at startup and only ever read.
type SupportedDefinition struct {
	Name                 string
	ContentTypes         map[string]struct{}
	NameContains         []string
	MajorVersionRequired int
}

// Accepts reports whether the asset has an accepted content type and a
// name containing at least one of the required substrings.
func (d SupportedDefinition) Accepts(a *data.Asset) bool {
	if a == nil {
		return false
	}

	if _, ok := d.ContentTypes[a.ContentType]; !ok {
		return false
	}

	for _, s := range d.NameContains {
		if strings.Contains(a.Name, s) {
			return true
		}
	}

	return false
}

// Compatible returns the assets Accepts lets through, in feed order.
func (d SupportedDefinition) Compatible(assets []*data.Asset) []*data.Asset {
	var out []*data.Asset

	for _, a := range assets {
		if d.Accepts(a) {
			out = append(out, a)
		}
	}

	return out
}

var gzipTypes = map[string]struct{}{
	"application/gzip":   {},
	"application/x-gzip": {},
}

func linux(arch string) SupportedDefinition {
	return SupportedDefinition{
		Name:         "linux-" + arch,
		ContentTypes: gzipTypes,
		NameContains: []string{
			"-linux-" + arch + ".",
			"-Linux-" + arch + ".",
		},
		MajorVersionRequired: 3,
	}
}

var macos = SupportedDefinition{
	Name:         "macos",
	ContentTypes: gzipTypes,
	NameContains: []string{
		"-macos-",
		"-macos10.10-",
		"-Darwin-",
	},
	MajorVersionRequired: 3,
}

// Resolve maps an operating system (runtime.GOOS naming) and a machine
// architecture to its definition.
func Resolve(goos, arch string) (SupportedDefinition, error) {
	switch goos {
	case "darwin":
		return macos, nil
	case "linux":
		switch normalizeArch(arch) {
		case "x86_64":
			return linux("x86_64"), nil
		case "aarch64":
			return linux("aarch64"), nil
		}
	}

	return SupportedDefinition{}, data.Fail(
		data.PlatformUnsupported,
		"resolve platform",
		errors.Errorf("%s/%s", goos, arch),
	)
}

// Detect resolves the definition for the running machine.
func Detect() (SupportedDefinition, error) {
	arch, err := host.KernelArch()
	if err != nil || arch == "" {
		arch = runtime.GOARCH
	}

	return Resolve(runtime.GOOS, arch)
}

func normalizeArch(arch string) string {
	switch strings.ToLower(arch) {
	case "x86_64", "amd64", "x64":
		return "x86_64"
	case "aarch64", "arm64":
		return "aarch64"
	default:
		return arch
	}
}
