package binaries

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/renameio/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/axondata/go-minestack/internal/progress"
)

// DefaultStaleness is how long a successful index lookup satisfies
// subsequent ReadCurrentHighestVersion calls without touching the
// network.
const DefaultStaleness = 10 * time.Minute

// versionCacheFile holds the persisted lookup cache, relative to the
// install root.
const versionCacheFile = "versions.yaml"

// Resolver maps logical binary names to verified installed executables.
// Install layout is <installDir>/<binary>/<version>/<exe>, so multiple
// versions coexist and an upgrade never touches the previously working
// one.
type Resolver struct {
	index      *IndexClient
	installDir string
	cacheDir   string
	staleness  time.Duration
	log        zerolog.Logger

	// download client has no overall timeout; cancellation comes from
	// the caller's context
	download *http.Client

	mu      sync.Mutex
	entries map[Binary]*entry
}

// entry is the single mutable slot per binary. ResolvedBinary values are
// handed out by copy; only the resolver replaces the slot.
type entry struct {
	mu        sync.RWMutex
	latest    VersionInfo
	checkedAt time.Time
	resolved  *ResolvedBinary
}

// ResolverOption configures a Resolver
type ResolverOption func(*Resolver)

// WithStaleness sets the index lookup staleness window.
func WithStaleness(d time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.staleness = d
	}
}

// WithLogger sets the resolver logger.
func WithLogger(log zerolog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.log = log
	}
}

// NewResolver creates a Resolver rooted at installDir, downloading
// archives through cacheDir. A persisted version cache is loaded if
// present.
func NewResolver(index *IndexClient, installDir, cacheDir string, opts ...ResolverOption) (*Resolver, error) {
	r := &Resolver{
		index:      index,
		installDir: installDir,
		cacheDir:   cacheDir,
		staleness:  DefaultStaleness,
		log:        zerolog.Nop(),
		download:   &http.Client{},
		entries:    make(map[Binary]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, dir := range []string{installDir, cacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	if err := r.loadCache(); err != nil {
		// A corrupt cache is not fatal: it only forces a fresh lookup.
		r.log.Warn().Err(err).Msg("could not load version cache")
	}

	return r, nil
}

func (r *Resolver) entryFor(b Binary) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[b]
	if !ok {
		e = &entry{}
		r.entries[b] = e
	}
	return e
}

// ReadCurrentHighestVersion returns the highest known released version
// of b, consulting the local cache first and the remote index on a miss
// or staleness. An unreachable index is only an error when no cached
// version exists.
func (r *Resolver) ReadCurrentHighestVersion(ctx context.Context, b Binary) (VersionInfo, error) {
	e := r.entryFor(b)

	e.mu.RLock()
	cached := e.latest
	fresh := cached.Version != nil && time.Since(e.checkedAt) < r.staleness
	e.mu.RUnlock()

	if fresh {
		return cached, nil
	}

	latest, err := r.index.Latest(ctx, b)
	if err != nil {
		if cached.Version != nil {
			r.log.Debug().Err(err).Stringer("binary", b).Msg("index unreachable, using cached version")
			return cached, nil
		}
		return VersionInfo{}, fmt.Errorf("%w: %s: %v", ErrVersionLookup, b, err)
	}

	e.mu.Lock()
	e.latest = latest
	e.checkedAt = time.Now()
	e.mu.Unlock()

	r.saveCache()
	return latest, nil
}

// GetLatestVersion returns the cached highest version of b without any
// network I/O. The second return is false when nothing is cached yet.
func (r *Resolver) GetLatestVersion(b Binary) (VersionInfo, bool) {
	e := r.entryFor(b)
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.latest, e.latest.Version != nil
}

// GetBinaryPath resolves b to an installed executable, preferring the
// already-resolved slot and falling back to a scan of the versioned
// install directories. Never triggers network I/O.
func (r *Resolver) GetBinaryPath(b Binary) (ResolvedBinary, error) {
	e := r.entryFor(b)

	e.mu.RLock()
	if e.resolved != nil {
		rb := *e.resolved
		e.mu.RUnlock()
		return rb, nil
	}
	e.mu.RUnlock()

	version, path, err := r.installedHighest(b)
	if err != nil {
		return ResolvedBinary{}, err
	}

	rb := ResolvedBinary{Binary: b, Path: path, Version: version}
	e.mu.Lock()
	e.resolved = &rb
	e.mu.Unlock()
	return rb, nil
}

// Invalidate drops the resolved path for b, forcing the next
// GetBinaryPath to re-scan the install directories.
func (r *Resolver) Invalidate(b Binary) {
	e := r.entryFor(b)
	e.mu.Lock()
	e.resolved = nil
	e.mu.Unlock()
}

// EnsureLatest installs the highest known version of b if the installed
// one is absent or older. Download progress is reported to sink as a
// 0-100 step on a "downloading-<binary>" stage.
func (r *Resolver) EnsureLatest(ctx context.Context, b Binary, sink progress.Sink) error {
	latest, err := r.ReadCurrentHighestVersion(ctx, b)
	if err != nil {
		return err
	}

	installed, installedPath, err := r.installedHighest(b)
	if err == nil && !installed.LessThan(latest.Version) {
		r.setResolved(b, ResolvedBinary{Binary: b, Path: installedPath, Version: installed})
		return nil
	}

	asset, ok := latest.AssetForCurrentPlatform()
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrNoAsset, b, Platform())
	}

	archivePath, err := r.downloadAsset(ctx, b, asset, sink)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(archivePath) }()

	if err := verifyChecksum(b, archivePath, asset.SHA256); err != nil {
		return err
	}

	if err := r.install(b, latest, asset, archivePath); err != nil {
		return err
	}

	r.log.Info().Stringer("binary", b).Str("version", latest.Version.String()).Msg("binary installed")
	return nil
}

func (r *Resolver) setResolved(b Binary, rb ResolvedBinary) {
	e := r.entryFor(b)
	e.mu.Lock()
	e.resolved = &rb
	e.mu.Unlock()
}

// installedHighest scans the versioned install directories of b and
// returns the highest version that actually contains the executable.
func (r *Resolver) installedHighest(b Binary) (*semver.Version, string, error) {
	dir := filepath.Join(r.installDir, b.String())
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrNotInstalled, b)
	}

	var best *semver.Version
	var bestPath string
	for _, de := range entries {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		v, err := semver.NewVersion(de.Name())
		if err != nil {
			continue
		}
		exe := filepath.Join(dir, de.Name(), b.ExeName())
		if _, err := os.Stat(exe); err != nil {
			continue
		}
		if best == nil || best.LessThan(v) {
			best = v
			bestPath = exe
		}
	}

	if best == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrNotInstalled, b)
	}
	return best, bestPath, nil
}

// downloadAsset streams the archive to a uniquely named temporary file
// in the cache directory. The partial artifact is deleted on any
// failure, including cancellation.
func (r *Resolver) downloadAsset(ctx context.Context, b Binary, asset Asset, sink progress.Sink) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, asset.URL, nil)
	if err != nil {
		return "", &DownloadError{Binary: b, URL: asset.URL, Err: err}
	}

	resp, err := r.download.Do(req)
	if err != nil {
		return "", &DownloadError{Binary: b, URL: asset.URL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &DownloadError{Binary: b, URL: asset.URL, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	tmpPath := filepath.Join(r.cacheDir, fmt.Sprintf("%s-%s.partial", b, uuid.NewString()))
	out, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", &DownloadError{Binary: b, URL: asset.URL, Err: err}
	}

	stage := "downloading-" + b.String()
	total := resp.ContentLength
	counter := &progressWriter{sink: sink, stage: stage, total: total}

	_, err = io.Copy(io.MultiWriter(out, counter), resp.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return "", &DownloadError{Binary: b, URL: asset.URL, Err: err}
	}
	return tmpPath, nil
}

// progressWriter reports downloaded byte counts to a progress sink.
type progressWriter struct {
	sink       progress.Sink
	stage      string
	total      int64
	downloaded int64
	lastStep   int
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.downloaded += int64(len(p))
	if w.sink == nil {
		return len(p), nil
	}
	step := 0
	if w.total > 0 {
		step = int(w.downloaded * 100 / w.total)
	}
	// Only emit on step changes so big downloads do not flood the sink.
	if step != w.lastStep || w.total <= 0 {
		w.lastStep = step
		w.sink.Update(w.stage, map[string]string{
			"downloaded": fmt.Sprintf("%d", w.downloaded),
			"total":      fmt.Sprintf("%d", w.total),
		}, step)
	}
	return len(p), nil
}

func verifyChecksum(b Binary, path, wantHex string) error {
	f, err := os.Open(path)
	if err != nil {
		return &InstallError{Binary: b, Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return &InstallError{Binary: b, Path: path, Err: err}
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, wantHex) {
		return &ChecksumError{Binary: b, Want: strings.ToLower(wantHex), Got: got}
	}
	return nil
}

// install extracts the verified archive into a staging directory next to
// the final versioned directory, then atomically renames it into place.
// A crash mid-install leaves only a dot-prefixed staging directory that
// installedHighest ignores.
func (r *Resolver) install(b Binary, latest VersionInfo, asset Asset, archivePath string) error {
	binDir := filepath.Join(r.installDir, b.String())
	staging := filepath.Join(binDir, ".staging-"+uuid.NewString())
	versionDir := filepath.Join(binDir, latest.Version.String())

	if err := os.MkdirAll(staging, 0o755); err != nil {
		return &InstallError{Binary: b, Path: staging, Err: err}
	}
	defer func() { _ = os.RemoveAll(staging) }()

	if err := extractArchive(asset.Archive, archivePath, staging); err != nil {
		return &InstallError{Binary: b, Path: staging, Err: err}
	}

	exe, err := findExecutable(staging, b.ExeName())
	if err != nil {
		return &InstallError{Binary: b, Path: staging, Err: err}
	}
	if err := os.Chmod(exe, 0o755); err != nil {
		return &InstallError{Binary: b, Path: exe, Err: err}
	}

	// Archives may nest the executable under a top-level directory;
	// rename the directory that actually holds it.
	srcDir := filepath.Dir(exe)

	_ = os.RemoveAll(versionDir)
	if err := os.Rename(srcDir, versionDir); err != nil {
		return &InstallError{Binary: b, Path: versionDir, Err: err}
	}

	r.setResolved(b, ResolvedBinary{
		Binary:  b,
		Path:    filepath.Join(versionDir, b.ExeName()),
		Version: latest.Version,
	})
	return nil
}

// findExecutable locates name under root.
func findExecutable(root, name string) (string, error) {
	var found string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return filepath.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("executable %s not found in archive", name)
	}
	return found, nil
}

// cachedVersion is the persisted shape of one cache entry.
type cachedVersion struct {
	Version   string           `yaml:"version"`
	CheckedAt time.Time        `yaml:"checked_at"`
	Assets    map[string]Asset `yaml:"assets"`
}

func (r *Resolver) cachePath() string {
	return filepath.Join(r.installDir, versionCacheFile)
}

func (r *Resolver) loadCache() error {
	data, err := os.ReadFile(r.cachePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var raw map[string]cachedVersion
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}

	for _, b := range All() {
		cv, ok := raw[b.String()]
		if !ok {
			continue
		}
		v, err := semver.NewVersion(cv.Version)
		if err != nil {
			continue
		}
		e := r.entryFor(b)
		e.mu.Lock()
		e.latest = VersionInfo{Version: v, Assets: cv.Assets}
		e.checkedAt = cv.CheckedAt
		e.mu.Unlock()
	}
	return nil
}

// saveCache persists all cached lookups with an atomic write so a crash
// never leaves a torn cache file.
func (r *Resolver) saveCache() {
	raw := make(map[string]cachedVersion)
	for _, b := range All() {
		e := r.entryFor(b)
		e.mu.RLock()
		if e.latest.Version != nil {
			raw[b.String()] = cachedVersion{
				Version:   e.latest.Version.String(),
				CheckedAt: e.checkedAt,
				Assets:    e.latest.Assets,
			}
		}
		e.mu.RUnlock()
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		r.log.Warn().Err(err).Msg("could not encode version cache")
		return
	}
	if err := renameio.WriteFile(r.cachePath(), data, 0o644); err != nil {
		r.log.Warn().Err(err).Msg("could not persist version cache")
	}
}
