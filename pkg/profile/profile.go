package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"lab47.dev/cmvm/pkg/config"
	"lab47.dev/cmvm/pkg/data"
)

// Profile owns the current pointer: a symlink that targets at most one
// installed version directory.
type Profile struct {
	versions string
	current  string

	L hclog.Logger
}

func OpenProfile(st config.Storage) *Profile {
	return &Profile{
		versions: st.VersionsDir(),
		current:  st.CurrentDir(),
		L:        hclog.L(),
	}
}

func normalize(tag string) string {
	return strings.TrimPrefix(strings.TrimSpace(tag), "v")
}

// Target is the installed version directory for tag.
func (p *Profile) Target(tag string) string {
	return filepath.Join(p.versions, normalize(tag))
}

// Activate repoints the current pointer at the installed directory for tag.
// The old pointer is removed before the new one is created, so an
// interruption in between leaves no pointer at all. The target is not
// checked; callers make sure it is installed.
func (p *Profile) Activate(tag string) error {
	if err := p.Deactivate(); err != nil {
		return err
	}

	target := p.Target(tag)

	p.L.Debug("symlink", "target", target, "link", p.current)

	err := os.Symlink(target, p.current)
	if err != nil {
		return data.Fail(data.IOFailure, "activate "+normalize(tag), err)
	}

	return nil
}

// Deactivate removes the current pointer, dangling or not.
func (p *Profile) Deactivate() error {
	if _, err := os.Lstat(p.current); err != nil {
		return nil
	}

	err := os.Remove(p.current)
	if err != nil {
		return data.Fail(data.IOFailure, "remove current pointer", err)
	}

	return nil
}

// Current returns the normalized tag the pointer targets.
func (p *Profile) Current() (string, bool) {
	tgt, err := os.Readlink(p.current)
	if err != nil {
		return "", false
	}

	return filepath.Base(tgt), true
}

// Points reports whether the current pointer targets the directory for tag.
func (p *Profile) Points(tag string) bool {
	tgt, err := os.Readlink(p.current)
	if err != nil {
		return false
	}

	return filepath.Clean(tgt) == filepath.Clean(p.Target(tag))
}

// UpdateEnv returns the PATH assignment that puts the current version's
// bin directory first.
func (p *Profile) UpdateEnv(env []string) []string {
	binDir := filepath.Join(p.current, "bin")

	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			val := kv[5:]
			return []string{fmt.Sprintf("PATH=%s%s%s", binDir, string(filepath.ListSeparator), val)}
		}
	}

	return []string{"PATH=" + binDir}
}

// EnvMap is UpdateEnv keyed by variable name.
func (p *Profile) EnvMap(env []string) map[string]string {
	out := map[string]string{}

	for _, kv := range p.UpdateEnv(env) {
		if eq := strings.IndexByte(kv, '='); eq != -1 {
			out[kv[:eq]] = kv[eq+1:]
		}
	}

	return out
}

// ComputeEnv returns env with the updates from UpdateEnv applied.
func (p *Profile) ComputeEnv(env []string) []string {
	updates := p.EnvMap(env)

	var out []string

	for _, kv := range env {
		if eq := strings.IndexByte(kv, '='); eq != -1 {
			if _, ok := updates[kv[:eq]]; ok {
				continue
			}
		}

		out = append(out, kv)
	}

	return append(out, p.UpdateEnv(env)...)
}

// ShellSetup explains how to put the current version on PATH.
func (p *Profile) ShellSetup() string {
	return fmt.Sprintf(
		"When `cmvm use <version>` is invoked, it changes the `current` "+
			"symbolic link to the right cmake binary path. As cmvm doesn't "+
			"manage the `current` path in the system, it requires to "+
			"manually add it to the $PATH:\n\n  export PATH=\"%s/bin:$PATH\"",
		p.current,
	)
}
