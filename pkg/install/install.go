package install

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-getter"
	"github.com/pkg/errors"
	"lab47.dev/cmvm/pkg/cleanhttp"
	"lab47.dev/cmvm/pkg/config"
	"lab47.dev/cmvm/pkg/data"
	"lab47.dev/cmvm/pkg/fileutils"
	"lab47.dev/cmvm/pkg/humanize"
	"lab47.dev/cmvm/pkg/platform"
	"lab47.dev/cmvm/pkg/progress"
	"lab47.dev/cmvm/pkg/sumfile"
)

// PayloadDirs are the subtrees of an unpacked release that get installed.
var PayloadDirs = []string{"bin", "doc", "man", "share"}

// bundleContents is where macOS archives keep the payload.
var bundleContents = filepath.Join("CMake.app", "Contents")

// Installer downloads, unpacks and installs one version at a time.
type Installer struct {
	common

	storage config.Storage
	def     platform.SupportedDefinition
	client  *cleanhttp.Client

	// OnState, if set, is called on every state the pipeline enters,
	// including Done or Failed.
	OnState func(v *data.Version, s State)
}

func New(st config.Storage, def platform.SupportedDefinition, client *cleanhttp.Client) *Installer {
	if client == nil {
		client = cleanhttp.New("cmvm")
	}

	return &Installer{
		storage: st,
		def:     def,
		client:  client,
	}
}

type run struct {
	*Installer

	ctx     context.Context
	version *data.Version
	state   State

	asset   *data.Asset
	archive string
	digest  []byte
	payload string
}

func (r *run) enter(s State) {
	r.state = s

	if s.Terminal() {
		r.L().Info("install finished", "version", r.version.Name(), "state", s.String())
	} else {
		r.L().Debug("install state", "version", r.version.Name(), "state", s.String())
	}

	if r.OnState != nil {
		r.OnState(r.version, s)
	}
}

func (r *run) fail(err error) error {
	failedIn := r.state

	r.cleanScratch()
	r.enter(Failed)

	return &StateError{
		Version: r.version.Name(),
		State:   failedIn,
		Err:     err,
	}
}

// Scratch is the per-version download and unpack directory.
func (i *Installer) Scratch(v *data.Version) string {
	return filepath.Join(i.storage.CacheDir(), v.Name())
}

// Target is the installed version directory.
func (i *Installer) Target(v *data.Version) string {
	return filepath.Join(i.storage.VersionsDir(), v.Name())
}

// Install runs the pipeline for v and returns the installed directory. Any
// failure stops the pipeline and is returned as a *StateError wrapping a
// *data.Error.
func (i *Installer) Install(ctx context.Context, v data.Version) (string, error) {
	r := &run{
		Installer: i,
		ctx:       ctx,
		version:   &v,
	}

	steps := []struct {
		state State
		fn    func() error
	}{
		{Selecting, r.selectAsset},
		{Downloading, r.download},
		{Extracting, r.extract},
		{Installing, r.install},
		{CleaningUp, r.cleanup},
	}

	for _, step := range steps {
		r.enter(step.state)

		if err := step.fn(); err != nil {
			return "", r.fail(err)
		}
	}

	r.enter(Done)

	return i.Target(&v), nil
}

func (r *run) selectAsset() error {
	assets := r.def.Compatible(r.version.Assets)
	if len(assets) == 0 {
		return errors.WithStack(data.ErrNoCompatibleAsset)
	}

	r.asset = assets[0]

	r.L().Debug("selected asset", "version", r.version.Name(), "asset", r.asset.Name)

	return nil
}

func (r *run) download() error {
	scratch := r.Scratch(r.version)

	err := fileutils.Remove(scratch)
	if err == nil {
		err = fileutils.Mkdir(scratch)
	}

	if err != nil {
		return data.Fail(data.IOFailure, "prepare cache", err)
	}

	r.archive = filepath.Join(scratch, filepath.Base(r.asset.Name))

	r.L().Info("downloading", "url", r.asset.DownloadURL, "path", r.archive)

	resp, err := r.client.Get(r.ctx, r.asset.DownloadURL)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	f, err := fileutils.Create(r.archive)
	if err != nil {
		return data.Fail(data.IOFailure, "download", err)
	}

	bar := progress.Bytes(r.ctx, resp.ContentLength, r.asset.Name)
	h := sha256.New()

	_, err = io.Copy(io.MultiWriter(f, bar, h), resp.Body)
	bar.Close()

	if cerr := f.Close(); err == nil && cerr != nil {
		return data.Fail(data.IOFailure, "download", cerr)
	}

	if err != nil {
		return data.Fail(data.NetworkFailure, "download", errors.Wrapf(err, "reading %s", r.asset.DownloadURL))
	}

	r.digest = h.Sum(nil)

	r.L().Info("downloaded", "asset", r.asset.Name, "size", humanize.Format(bar.Done()))

	return r.verify()
}

// verify checks the archive against the release's published checksums.
// Releases without a checksum asset, or whose checksum file can't be read,
// are accepted with a warning; only a digest mismatch fails.
func (r *run) verify() error {
	var sums *data.Asset

	for _, a := range r.version.Assets {
		if strings.HasSuffix(a.Name, sumfile.AssetSuffix) {
			sums = a
			break
		}
	}

	if sums == nil {
		r.L().Debug("no checksums published", "version", r.version.Name())
		return nil
	}

	resp, err := r.client.Get(r.ctx, sums.DownloadURL)
	if err != nil {
		r.L().Warn("unable to fetch checksums", "url", sums.DownloadURL, "error", err)
		return nil
	}

	defer resp.Body.Close()

	var sf sumfile.Sumfile

	err = sf.Load(resp.Body, sumfile.SHA256)
	if err != nil {
		r.L().Warn("unable to read checksums", "url", sums.DownloadURL, "error", err)
		return nil
	}

	name := filepath.Base(r.asset.Name)

	_, want, ok := sf.Lookup(name)
	if !ok {
		r.L().Warn("asset missing from checksums", "asset", name)
		return nil
	}

	if !bytes.Equal(want, r.digest) {
		return data.Fail(data.NetworkFailure, "verify",
			errors.Errorf("checksum mismatch for %s", name))
	}

	r.L().Debug("checksum verified", "asset", name)

	return nil
}

// decompressorFor picks the getter decompressor with the longest extension
// matching name.
func decompressorFor(name string) (getter.Decompressor, string, bool) {
	var (
		archive     string
		matchingLen int
	)

	for k := range getter.Decompressors {
		if strings.HasSuffix(name, "."+k) && len(k) > matchingLen {
			archive = k
			matchingLen = len(k)
		}
	}

	dec, ok := getter.Decompressors[archive]

	return dec, archive, ok
}

func (r *run) extract() error {
	scratch := r.Scratch(r.version)

	dec, ext, ok := decompressorFor(r.asset.Name)
	if !ok {
		return data.Fail(data.ParseFailure, "extract", errors.Errorf("no known decompressor for %s", r.asset.Name))
	}

	r.L().Debug("unpacking", "path", r.archive, "output", scratch)

	err := dec.Decompress(scratch, r.archive, true, 0)
	if err != nil {
		return data.Fail(data.ParseFailure, "extract", errors.Wrapf(err, "unable to decompress %s", r.asset.Name))
	}

	root := filepath.Join(scratch, strings.TrimSuffix(filepath.Base(r.asset.Name), "."+ext))
	if !fileutils.IsDir(root) {
		root = scratch
	}

	r.payload = PayloadRoot(root)

	r.L().Debug("payload root", "path", r.payload)

	return nil
}

// PayloadRoot returns the directory under an unpacked archive root that
// holds bin, doc, man and share: the app bundle contents when present,
// otherwise the root itself.
func PayloadRoot(root string) string {
	nested := filepath.Join(root, bundleContents)
	if fileutils.IsDir(nested) {
		return nested
	}

	return root
}

func (r *run) install() error {
	target := r.Target(r.version)

	err := fileutils.Remove(target)
	if err == nil {
		err = fileutils.Mkdir(target)
	}

	if err != nil {
		return data.Fail(data.IOFailure, "install", err)
	}

	copied, err := fileutils.CopySubtrees(r.ctx, r.L(), r.payload, target, PayloadDirs)
	if err == nil && len(copied) == 0 {
		err = errors.Errorf("archive has none of %s", strings.Join(PayloadDirs, ", "))
	}

	if err != nil {
		// a partial tree would look installed
		if rerr := fileutils.Remove(target); rerr != nil {
			r.L().Warn("unable to remove partial install", "path", target, "error", rerr)
		}

		return data.Fail(data.IOFailure, "install", err)
	}

	r.L().Info("installed", "version", r.version.Name(), "path", target, "dirs", copied)

	return nil
}

// cleanup never fails the pipeline; a leftover scratch directory is cleared
// by the next download anyway.
func (r *run) cleanup() error {
	r.cleanScratch()
	return nil
}

func (r *run) cleanScratch() {
	scratch := r.Scratch(r.version)

	for _, path := range []string{scratch, scratch + ".json"} {
		if err := fileutils.Remove(path); err != nil {
			r.L().Warn("unable to clean cache", "path", path, "error", err)
		}
	}
}
