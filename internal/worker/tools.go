// -----------------------------------------------------------------------
// Renderer provisioning - resolves versions against the release catalog,
// downloads and verifies builds, and unpacks them into the managed tools
// directory. Install layout:
//
//	<tools_dir>/blender-<version>/...
//
// -----------------------------------------------------------------------

package worker

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ulikunitz/xz"
	"golang.org/x/time/rate"
)

// CatalogRelease is one downloadable renderer build.
type CatalogRelease struct {
	Version string `json:"version"`
	OS      string `json:"os"`   // "linux", "windows", "darwin"
	Arch    string `json:"arch"` // "x64", "arm64"
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
}

// Catalog is the published release index.
type Catalog struct {
	Releases []CatalogRelease `json:"releases"`
}

// ToolManager provisions renderer builds on the worker host.
type ToolManager struct {
	toolsDir   string
	catalogURL string
	http       *http.Client
	logger     arbor.ILogger

	// The catalog host rate-limits aggressively; one fetch per 10s is
	// plenty since the catalog changes a few times a year.
	throttle *rate.Limiter

	mu      sync.Mutex
	catalog *Catalog
	fetched time.Time
}

// NewToolManager creates a tool manager rooted at toolsDir.
func NewToolManager(toolsDir, catalogURL string, logger arbor.ILogger) (*ToolManager, error) {
	if err := os.MkdirAll(toolsDir, 0755); err != nil {
		return nil, err
	}
	return &ToolManager{
		toolsDir:   toolsDir,
		catalogURL: catalogURL,
		http:       &http.Client{Timeout: 30 * time.Minute},
		logger:     logger,
		throttle:   rate.NewLimiter(rate.Every(10*time.Second), 1),
	}, nil
}

// InstalledVersions lists the renderer versions already unpacked on disk,
// newest first.
func (t *ToolManager) InstalledVersions() []string {
	entries, err := os.ReadDir(t.toolsDir)
	if err != nil {
		return nil
	}
	var versions []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "blender-") {
			versions = append(versions, strings.TrimPrefix(e.Name(), "blender-"))
		}
	}
	sort.Slice(versions, func(i, j int) bool {
		return compareVersions(versions[i], versions[j]) > 0
	})
	return versions
}

// BinaryPath returns the renderer executable inside an installed version.
func (t *ToolManager) BinaryPath(version string) (string, error) {
	root := filepath.Join(t.toolsDir, "blender-"+version)
	if _, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("version %s is not installed", version)
	}

	binName := "blender"
	if runtime.GOOS == "windows" {
		binName = "blender.exe"
	}

	var found string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || found != "" {
			return filepath.SkipDir
		}
		if !info.IsDir() && info.Name() == binName {
			found = path
			return filepath.SkipDir
		}
		return nil
	})
	if found == "" {
		return "", fmt.Errorf("no renderer binary under %s", root)
	}
	return found, nil
}

// EnsureVersion resolves a possibly-partial version ("4.5" matches the
// newest 4.5.x) against installs and the catalog, downloading when needed.
// Returns the resolved version and the binary path.
func (t *ToolManager) EnsureVersion(ctx context.Context, requested string) (string, string, error) {
	if v := resolveVersion(requested, t.InstalledVersions()); v != "" {
		bin, err := t.BinaryPath(v)
		if err == nil {
			return v, bin, nil
		}
	}

	catalog, err := t.fetchCatalog(ctx)
	if err != nil {
		return "", "", err
	}

	release := pickRelease(catalog, requested)
	if release == nil {
		return "", "", fmt.Errorf("no release matching version %q for %s", requested, runtime.GOOS)
	}

	if err := t.install(ctx, release); err != nil {
		return "", "", err
	}

	bin, err := t.BinaryPath(release.Version)
	if err != nil {
		return "", "", err
	}
	return release.Version, bin, nil
}

func (t *ToolManager) fetchCatalog(ctx context.Context) (*Catalog, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.catalog != nil && time.Since(t.fetched) < time.Hour {
		return t.catalog, nil
	}
	if err := t.throttle.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.catalogURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("catalog fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("catalog fetch returned %d", resp.StatusCode)
	}

	var catalog Catalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	t.catalog = &catalog
	t.fetched = time.Now()
	t.logger.Debug().Int("releases", len(catalog.Releases)).Msg("Release catalog fetched")
	return t.catalog, nil
}

func (t *ToolManager) install(ctx context.Context, release *CatalogRelease) error {
	t.logger.Info().
		Str("version", release.Version).
		Str("url", release.URL).
		Msg("Downloading renderer build")

	archive, err := t.download(ctx, release)
	if err != nil {
		return err
	}
	defer os.Remove(archive)

	dest := filepath.Join(t.toolsDir, "blender-"+release.Version)
	if err := unpack(archive, dest); err != nil {
		os.RemoveAll(dest)
		return fmt.Errorf("failed to unpack %s: %w", archive, err)
	}

	t.logger.Info().Str("version", release.Version).Str("path", dest).Msg("Renderer installed")
	return nil
}

// download fetches the archive to a temp file and verifies its SHA-256.
// A corrupt download is deleted so the next attempt starts clean.
func (t *ToolManager) download(ctx context.Context, release *CatalogRelease) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, release.URL, nil)
	if err != nil {
		return "", err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("build download failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("build download returned %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(t.toolsDir, "download-*"+archiveExt(release.URL))
	if err != nil {
		return "", err
	}

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("build download interrupted: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}

	sum := hex.EncodeToString(hasher.Sum(nil))
	if release.SHA256 != "" && !strings.EqualFold(sum, release.SHA256) {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("checksum mismatch for %s: got %s want %s", release.URL, sum, release.SHA256)
	}

	return tmp.Name(), nil
}

// -----------------------------------------------------------------------
// Version resolution
// -----------------------------------------------------------------------

// resolveVersion finds the newest candidate matching a possibly-partial
// requested version. Returns "" when nothing matches.
func resolveVersion(requested string, candidates []string) string {
	best := ""
	for _, c := range candidates {
		if !versionMatches(requested, c) {
			continue
		}
		if best == "" || compareVersions(c, best) > 0 {
			best = c
		}
	}
	return best
}

// versionMatches reports whether candidate satisfies the requested
// version: exact, or a prefix on a component boundary ("4.5" matches
// "4.5.1" but not "4.50").
func versionMatches(requested, candidate string) bool {
	if requested == candidate {
		return true
	}
	return strings.HasPrefix(candidate, requested+".")
}

func compareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av > bv {
				return 1
			}
			return -1
		}
	}
	return 0
}

func pickRelease(catalog *Catalog, requested string) *CatalogRelease {
	hostOS := runtime.GOOS
	hostArch := "x64"
	if runtime.GOARCH == "arm64" {
		hostArch = "arm64"
	}

	var best *CatalogRelease
	for i := range catalog.Releases {
		r := &catalog.Releases[i]
		if r.OS != hostOS || (r.Arch != "" && r.Arch != hostArch) {
			continue
		}
		if !versionMatches(requested, r.Version) {
			continue
		}
		if best == nil || compareVersions(r.Version, best.Version) > 0 {
			best = r
		}
	}
	return best
}

// -----------------------------------------------------------------------
// Archive unpacking
// -----------------------------------------------------------------------

func archiveExt(url string) string {
	switch {
	case strings.HasSuffix(url, ".tar.xz"):
		return ".tar.xz"
	case strings.HasSuffix(url, ".tar.gz"):
		return ".tar.gz"
	case strings.HasSuffix(url, ".zip"):
		return ".zip"
	}
	return filepath.Ext(url)
}

func unpack(archive, dest string) error {
	switch {
	case strings.HasSuffix(archive, ".zip"):
		return unpackZip(archive, dest)
	case strings.HasSuffix(archive, ".tar.gz"):
		return unpackTar(archive, dest, func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		})
	case strings.HasSuffix(archive, ".tar.xz"):
		return unpackTar(archive, dest, func(r io.Reader) (io.Reader, error) {
			return xz.NewReader(r)
		})
	}
	return fmt.Errorf("unsupported archive format: %s", archive)
}

func unpackZip(archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, f := range zr.File {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func unpackTar(archive, dest string, wrap func(io.Reader) (io.Reader, error)) error {
	f, err := os.Open(archive)
	if err != nil {
		return err
	}
	defer f.Close()

	decompressed, err := wrap(f)
	if err != nil {
		return err
	}
	if closer, ok := decompressed.(io.Closer); ok {
		defer closer.Close()
	}

	tr := tar.NewReader(decompressed)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		case tar.TypeSymlink:
			os.Symlink(hdr.Linkname, target)
		}
	}
}

// safeJoin rejects archive entries that escape the destination directory.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) && target != filepath.Clean(dest) {
		return "", fmt.Errorf("archive entry escapes destination: %s", name)
	}
	return target, nil
}
