// Package fetch materializes a module's source archive: it creates the
// module directory, downloads and verifies the archive into it and then
// unpacks it in place.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/frederic-klein/srcfetch/internal/archive"
	"github.com/frederic-klein/srcfetch/internal/fetcherr"
	"github.com/frederic-klein/srcfetch/internal/logging"
	"github.com/frederic-klein/srcfetch/internal/metrics"
)

// DefaultStripComponents matches the usual upstream tarball layout of a
// single enclosing directory.
const DefaultStripComponents = 1

// Downloader fetches, verifies and persists one archive.
type Downloader interface {
	Download(ctx context.Context, url, sha256, destPath string) error
}

// Extractor unpacks one archive.
type Extractor interface {
	ExtractAs(ctx context.Context, typ archive.Type, dest, archiveFile string, strip int) error
}

// Request describes one module source.
type Request struct {
	URL    string
	SHA256 string
	// Module names the directory created under DestRoot. It must be a
	// single path segment.
	Module   string
	DestRoot string
	// StripComponents overrides the fetcher's default when set.
	StripComponents *int
	// ArchiveType overrides detection from the URL's file name when set.
	ArchiveType *archive.Type
}

// Fetcher runs requests through a downloader and an extractor.
type Fetcher struct {
	downloader Downloader
	extractor  Extractor
	fs         afero.Fs
	logger     logging.Logger
	metrics    metrics.Recorder
	strip      int
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithFs sets the filesystem module directories are created on.
func WithFs(fsys afero.Fs) Option {
	return func(f *Fetcher) {
		f.fs = fsys
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(f *Fetcher) {
		f.logger = l
	}
}

// WithMetrics sets the recorder for fetch outcomes and durations.
func WithMetrics(m metrics.Recorder) Option {
	return func(f *Fetcher) {
		f.metrics = m
	}
}

// WithStripComponents sets the strip level used when a request has none.
func WithStripComponents(n int) Option {
	return func(f *Fetcher) {
		f.strip = n
	}
}

// New creates a fetcher.
func New(dl Downloader, ex Extractor, opts ...Option) *Fetcher {
	f := &Fetcher{
		downloader: dl,
		extractor:  ex,
		fs:         afero.NewOsFs(),
		logger:     logging.Discard(),
		metrics:    metrics.Noop{},
		strip:      DefaultStripComponents,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads req.URL into DestRoot/Module, verifies it and extracts
// it there. It returns the module directory. The archive itself is left
// in the module directory.
//
// On failure the module directory may be partially populated and should
// be cleaned before retrying.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	log := logging.With(f.logger, "fetch_id", uuid.NewString(), "module", req.Module)

	sourceDir, err := f.fetch(ctx, log, req)

	f.metrics.ObserveFetchDuration(time.Since(start).Seconds())
	if err != nil {
		f.metrics.IncFetches(fetcherr.KindOf(err).String())
		log.Error("fetch failed", "url", req.URL, "error", err)
		return "", err
	}
	f.metrics.IncFetches("success")
	log.Info("fetched", "dir", sourceDir, "duration", time.Since(start).Round(time.Millisecond))
	return sourceDir, nil
}

func (f *Fetcher) fetch(ctx context.Context, log logging.Logger, req Request) (string, error) {
	if err := ValidateModule(req.Module); err != nil {
		return "", fetcherr.New(fetcherr.InvalidRequest, req.Module, err)
	}
	strip := f.strip
	if req.StripComponents != nil {
		strip = *req.StripComponents
	}
	if strip < 0 {
		return "", fetcherr.Errorf(fetcherr.InvalidRequest, req.Module, "negative strip-components %d", strip)
	}

	root := req.DestRoot
	if root == "" {
		root = "."
	}
	sourceDir := filepath.Join(root, req.Module)
	if err := f.fs.MkdirAll(sourceDir, 0o755); err != nil {
		return "", fetcherr.Errorf(fetcherr.DirectoryCreateFailed, sourceDir, "creating module directory: %w", err)
	}

	name, err := ArchiveName(req.URL)
	if err != nil {
		return "", fetcherr.New(fetcherr.InvalidRequest, req.URL, err)
	}
	archiveFile := filepath.Join(sourceDir, name)

	typ := archive.Detect(name)
	if req.ArchiveType != nil {
		typ = *req.ArchiveType
	}
	if typ == archive.Unknown {
		return "", fetcherr.Errorf(fetcherr.UnsupportedArchiveFormat, archiveFile, "unknown archive format of '%s'", archiveFile)
	}

	log.Debug("downloading archive", "url", req.URL, "file", archiveFile)
	if err := f.downloader.Download(ctx, req.URL, req.SHA256, archiveFile); err != nil {
		return "", err
	}

	if err := f.extractor.ExtractAs(ctx, typ, sourceDir, archiveFile, strip); err != nil {
		return "", err
	}
	return sourceDir, nil
}

// ValidateModule checks that name can be used as a single directory name.
func ValidateModule(name string) error {
	switch {
	case name == "":
		return errors.New("module name is empty")
	case name == "." || name == "..":
		return fmt.Errorf("module name %q is not a directory name", name)
	case strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0):
		return fmt.Errorf("module name %q must be a single path segment", name)
	}
	return nil
}

// ArchiveName returns the last segment of rawURL's path.
func ArchiveName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("url %q has no scheme", rawURL)
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == ".." {
		return "", fmt.Errorf("url %q has no file name", rawURL)
	}
	return name, nil
}
