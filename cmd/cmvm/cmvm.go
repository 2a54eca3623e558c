package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/manifoldco/promptui"
	"github.com/mattn/go-isatty"
	"github.com/mitchellh/cli"
	"github.com/morikuni/aec"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"lab47.dev/cmvm/pkg/catalog"
	"lab47.dev/cmvm/pkg/cleanhttp"
	"lab47.dev/cmvm/pkg/cmd"
	"lab47.dev/cmvm/pkg/config"
	"lab47.dev/cmvm/pkg/data"
	"lab47.dev/cmvm/pkg/direnv"
	"lab47.dev/cmvm/pkg/fileutils"
	"lab47.dev/cmvm/pkg/install"
	"lab47.dev/cmvm/pkg/lockfile"
	"lab47.dev/cmvm/pkg/platform"
	"lab47.dev/cmvm/pkg/profile"
	"lab47.dev/cmvm/pkg/versions"
)

const Version = "0.1.0"

func main() {
	c := cli.NewCLI("cmvm", Version)
	c.Args = os.Args[1:]
	c.Commands = map[string]cli.CommandFactory{
		"install": func() (cli.Command, error) {
			return cmd.New(
				"install",
				"Install a cmake version",
				installF,
			), nil
		},
		"uninstall": func() (cli.Command, error) {
			return cmd.New(
				"uninstall",
				"Uninstall a cmake version",
				uninstallF,
			), nil
		},
		"use": func() (cli.Command, error) {
			return cmd.New(
				"use",
				"Use a cmake version",
				useF,
			), nil
		},
		"list": func() (cli.Command, error) {
			return cmd.New(
				"list",
				"List all cmake versions installed",
				listF,
			), nil
		},
		"list-remote": func() (cli.Command, error) {
			return cmd.New(
				"list-remote",
				"List available cmake versions to install",
				listRemoteF,
			), nil
		},
		"shell": func() (cli.Command, error) {
			return cmd.New(
				"shell",
				"Show how to put cmake current version on PATH env variable, or run a command with it",
				shellF,
			), nil
		},
		"dirs": func() (cli.Command, error) {
			return cmd.New(
				"dirs",
				"Show the directories cmvm uses",
				dirsF,
			), nil
		},
	}

	exitStatus, err := c.Run()
	if err != nil {
		log.Println(err)
	}

	os.Exit(exitStatus)
}

type tagArgs struct {
	Pos struct {
		Tag string `positional-arg-name:"version" required:"yes"`
	} `positional-args:"yes"`
}

func installF(ctx context.Context, opts tagArgs) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	return a.install(ctx, opts.Pos.Tag)
}

func uninstallF(ctx context.Context, opts struct {
	Yes bool `short:"y" long:"yes" description:"do not ask before removing the version in use"`

	Pos struct {
		Tag string `positional-arg-name:"version" required:"yes"`
	} `positional-args:"yes"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	if !opts.Yes && isTerminal(os.Stdin) && a.profile.Points(opts.Pos.Tag) {
		prompt := promptui.Prompt{
			Label:     fmt.Sprintf("%s is the current version. Remove it anyway", versions.NormalizeTag(opts.Pos.Tag)),
			IsConfirm: true,
		}

		result, err := prompt.Run()
		if err != nil || strings.ToLower(result) != "y" {
			a.printf("Keeping %s.", versions.NormalizeTag(opts.Pos.Tag))
			return nil
		}
	}

	return a.uninstall(ctx, opts.Pos.Tag)
}

func useF(ctx context.Context, opts tagArgs) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	return a.use(ctx, opts.Pos.Tag)
}

func listF(ctx context.Context, opts struct{}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	a.color = isTerminal(os.Stdout)

	return a.list()
}

func listRemoteF(ctx context.Context, opts struct{}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	return a.listRemote(ctx)
}

func shellF(ctx context.Context, opts struct {
	DumpEnv bool `short:"E" long:"dump-env" description:"dump updated env in direnv format"`
	Setup   bool `short:"s" long:"setup" description:"output shell code to eval to update the env"`

	Pos struct {
		Args []string `positional-arg-name:"command"`
	} `positional-args:"yes"`
}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	env := os.Environ()

	switch {
	case opts.Setup:
		return a.shellSetup(env)
	case opts.DumpEnv:
		path := os.Getenv("DIRENV_DUMP_FILE_PATH")
		if path == "" {
			return a.dumpEnv(os.Stdout, env)
		}

		f, err := os.Create(path)
		if err != nil {
			return err
		}

		defer f.Close()

		return a.dumpEnv(f, env)
	case len(opts.Pos.Args) > 0:
		path, err := exec.LookPath(opts.Pos.Args[0])
		if err != nil {
			return err
		}

		return unix.Exec(path, opts.Pos.Args, a.profile.ComputeEnv(env))
	}

	a.printf("%s", a.profile.ShellSetup())

	return nil
}

func dirsF(ctx context.Context, opts struct{}) error {
	a, err := loadApp()
	if err != nil {
		return err
	}

	a.dirs()

	return nil
}

// app is what every command needs, wired from the loaded configuration.
type app struct {
	L hclog.Logger

	cfg     *config.Config
	storage config.Storage
	client  *cleanhttp.Client
	catalog *catalog.Catalog
	profile *profile.Profile

	// resolved once per process; nil when the host is unsupported
	def    *platform.SupportedDefinition
	defErr error

	// closed once the catalog refresh started by releases is over
	refreshed <-chan struct{}

	out   io.Writer
	color bool
}

func loadApp() (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, errors.Wrapf(err, "unable to create or load configuration")
	}

	level := hclog.LevelFromString(cfg.LogLevel)
	if level == hclog.NoLevel {
		level = hclog.Warn
	}

	L := hclog.New(&hclog.LoggerOptions{
		Name:   "cmvm",
		Level:  level,
		Output: os.Stderr,
	})

	hclog.SetDefault(L)

	a := newApp(cfg, cfg.Storage(), L, os.Stdout)

	def, err := platform.Detect()
	if err != nil {
		a.defErr = err
	} else {
		a.def = &def
	}

	return a, nil
}

func newApp(cfg *config.Config, st config.Storage, L hclog.Logger, out io.Writer) *app {
	client := cleanhttp.New("cmvm " + Version)
	client.Token = cfg.Token

	prof := profile.OpenProfile(st)
	prof.L = L

	return &app{
		L:       L,
		cfg:     cfg,
		storage: st,
		client:  client,
		catalog: catalog.New(st,
			catalog.WithBaseURL(cfg.FeedURL),
			catalog.WithClient(client),
			catalog.WithLogger(L),
		),
		profile: prof,
		out:     out,
	}
}

func (a *app) printf(format string, args ...interface{}) {
	fmt.Fprintf(a.out, cmd.Prefix+" "+format+"\n", args...)
}

func (a *app) platform() (platform.SupportedDefinition, error) {
	if a.def == nil {
		if a.defErr != nil {
			return platform.SupportedDefinition{}, a.defErr
		}

		return platform.SupportedDefinition{}, data.Fail(data.PlatformUnsupported, "detect platform", nil)
	}

	return *a.def, nil
}

// lock serialises the commands that change the versions dir or the current
// pointer.
func (a *app) lock(ctx context.Context) (func(), error) {
	path := filepath.Join(a.storage.DataDir(), lockfile.Name)

	var shown bool

	return lockfile.Take(ctx, path, func() {
		if !shown {
			a.printf("Lock detected, waiting...")
			shown = true
		}

		a.L.Debug("waiting on lock", "path", path)
	})
}

// releases returns the cached catalog, fetching it first when there isn't
// one. When there is, the cached copy is used and refreshed in the
// background for the next run.
func (a *app) releases(ctx context.Context) ([]*data.Release, error) {
	if !fileutils.Exists(a.catalog.Path()) {
		a.printf("Fetching versions at first time...")
	}

	a.refreshed = a.catalog.RefreshIfStale(ctx)

	releases, err := a.catalog.Read()
	if err != nil {
		if errors.Is(err, data.NotFound) || errors.Is(err, data.ParseFailure) {
			a.L.Debug("catalog unavailable", "error", err)
			return nil, data.Fail(data.NotFound, "read catalog",
				errors.New("no versions are cached yet, check the network and try again"))
		}

		return nil, err
	}

	return releases, nil
}

func (a *app) install(ctx context.Context, tag string) error {
	def, err := a.platform()
	if err != nil {
		return err
	}

	releases, err := a.releases(ctx)
	if err != nil {
		return err
	}

	v, ok := versions.Find(releases, tag)
	if !ok {
		return data.Fail(data.NotFound, "install",
			errors.Errorf("version %s not found, see `cmvm list-remote`", versions.NormalizeTag(tag)))
	}

	release, err := a.lock(ctx)
	if err != nil {
		return err
	}

	defer release()

	if versions.IsInstalled(a.storage, v.Tag) {
		a.printf("%s is already installed.", v.Name())
	} else {
		inst := install.New(a.storage, def, a.client)
		inst.SetLogger(a.L)
		inst.OnState = a.reportState

		_, err = inst.Install(ctx, v)
		if err != nil {
			return err
		}
	}

	return a.activate(v.Tag)
}

func (a *app) reportState(v *data.Version, s install.State) {
	switch s {
	case install.Downloading:
		a.printf("Downloading %s.", v.Tag)
	case install.Extracting:
		a.printf("Uncompressing %s.", v.Tag)
	case install.Installing:
		a.printf("Setting up %s.", v.Tag)
	case install.CleaningUp:
		a.printf("Cleaning cache.")
	}
}

func (a *app) activate(tag string) error {
	name := versions.NormalizeTag(tag)

	err := a.profile.Activate(name)
	if err != nil {
		return errors.Wrapf(err, "error when trying to set version %s", name)
	}

	a.printf("%s set as default version.", name)

	return nil
}

func (a *app) uninstall(ctx context.Context, tag string) error {
	release, err := a.lock(ctx)
	if err != nil {
		return err
	}

	defer release()

	err = versions.Uninstall(a.storage, a.profile, tag)
	if err != nil {
		return err
	}

	a.printf("%s uninstalled.", versions.NormalizeTag(tag))

	return nil
}

func (a *app) use(ctx context.Context, tag string) error {
	name := versions.NormalizeTag(tag)

	if !versions.IsInstalled(a.storage, name) {
		return data.Fail(data.NotFound, "use",
			errors.Errorf("version %s is not installed, run `cmvm install %s` first", name, name))
	}

	release, err := a.lock(ctx)
	if err != nil {
		return err
	}

	defer release()

	return a.activate(name)
}

func (a *app) list() error {
	installed, err := versions.ListInstalled(a.storage, a.profile)
	if err != nil {
		return err
	}

	a.printf("Installed versions:")

	if len(installed) == 0 {
		a.printf("There is no versions installed yet.")
		return nil
	}

	for _, iv := range installed {
		if !iv.Current {
			a.printf("  %s", iv.Name)
			continue
		}

		line := "* " + iv.Name
		if a.color {
			line = aec.GreenF.With(aec.Bold).Apply(line)
		}

		a.printf("%s", line)
	}

	return nil
}

func (a *app) listRemote(ctx context.Context) error {
	def, err := a.platform()
	if err != nil {
		return err
	}

	releases, err := a.releases(ctx)
	if err != nil {
		return err
	}

	a.printf("Available cmake versions:")

	for _, v := range versions.ListInstallable(releases, def) {
		a.printf("    %s", v.Name())
	}

	return nil
}

// shellSetup prints shell code that puts the current version on PATH.
func (a *app) shellSetup(env []string) error {
	for _, u := range a.profile.UpdateEnv(env) {
		eq := strings.IndexByte(u, '=')

		_, err := fmt.Fprintf(a.out, "export %s='%s'\n", u[:eq], strings.ReplaceAll(u[eq+1:], "'", `'\''`))
		if err != nil {
			return err
		}
	}

	return nil
}

func (a *app) dumpEnv(w io.Writer, env []string) error {
	s, err := direnv.Dump(a.profile.EnvMap(env))
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, s)

	return err
}

func (a *app) dirs() {
	a.printf("Cache dir: %s", a.storage.CacheDir())
	a.printf("Data dir: %s", a.storage.DataDir())
	a.printf("Versions dir: %s", a.storage.VersionsDir())
	a.printf("Current version dir: %s", a.storage.CurrentDir())

	if a.cfg.Loaded() {
		a.printf("Config file: %s", a.cfg.Path())
	}
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
