// Package extractor unpacks downloaded archives with external tools.
package extractor

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/frederic-klein/srcfetch/internal/archive"
	"github.com/frederic-klein/srcfetch/internal/fetcherr"
	"github.com/frederic-klein/srcfetch/internal/flatten"
	"github.com/frederic-klein/srcfetch/internal/logging"
	"github.com/frederic-klein/srcfetch/internal/metrics"
	"github.com/frederic-klein/srcfetch/internal/runner"
)

// toolEnv keeps tool diagnostics untranslated in error messages.
var toolEnv = []string{"LC_ALL=C"}

// rpmScript extracts the RPM named by $1 into the current directory.
const rpmScript = `rpm2cpio "$1" | cpio -i -d`

// CommandRunner runs the external extraction tools.
type CommandRunner interface {
	Run(ctx context.Context, cmd runner.Command) (*runner.Result, error)
	RunScript(ctx context.Context, s runner.Script) error
}

// Extractor unpacks archives into a destination directory by shelling
// out to tar, unzip or rpm2cpio and cpio.
type Extractor struct {
	runner  CommandRunner
	fs      afero.Fs
	logger  logging.Logger
	metrics metrics.Recorder
	tar     string
	unzip   string
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithFs sets the filesystem used for staging directories and flattening.
// It must be backed by the same files the external tools write.
func WithFs(fsys afero.Fs) Option {
	return func(e *Extractor) {
		e.fs = fsys
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Extractor) {
		e.logger = l
	}
}

// WithMetrics sets the recorder for extraction durations.
func WithMetrics(m metrics.Recorder) Option {
	return func(e *Extractor) {
		e.metrics = m
	}
}

// WithTar sets the tar program name or path.
func WithTar(name string) Option {
	return func(e *Extractor) {
		e.tar = name
	}
}

// WithUnzip sets the unzip program name or path.
func WithUnzip(name string) Option {
	return func(e *Extractor) {
		e.unzip = name
	}
}

// New creates an extractor running tools through r.
func New(r CommandRunner, opts ...Option) *Extractor {
	e := &Extractor{
		runner:  r,
		fs:      afero.NewOsFs(),
		logger:  logging.Discard(),
		metrics: metrics.Noop{},
		tar:     "tar",
		unzip:   "unzip",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Extract unpacks archiveFile into dest, removing strip leading path
// components. The format is detected from the file name.
func (e *Extractor) Extract(ctx context.Context, dest, archiveFile string, strip int) error {
	return e.ExtractAs(ctx, archive.Detect(archiveFile), dest, archiveFile, strip)
}

// ExtractAs is Extract with the archive type given explicitly.
func (e *Extractor) ExtractAs(ctx context.Context, typ archive.Type, dest, archiveFile string, strip int) error {
	if strip < 0 {
		return fetcherr.Errorf(fetcherr.InvalidRequest, archiveFile, "negative strip-components %d", strip)
	}

	// The tools run with another working directory.
	abs, err := filepath.Abs(archiveFile)
	if err != nil {
		return fetcherr.New(fetcherr.InvalidRequest, archiveFile, err)
	}

	e.logger.Info("uncompress", "archive", abs, "type", typ.String(), "dest", dest, "strip", strip)
	start := time.Now()

	switch {
	case archive.IsTar(typ):
		err = e.untar(ctx, typ, dest, abs, strip)
	case typ == archive.Zip:
		err = e.staged(dest, strip, func(dir string) error {
			_, err := e.runner.Run(ctx, runner.Command{Name: e.unzip, Args: []string{abs}, Dir: dir, Env: toolEnv})
			return err
		})
	case typ == archive.Rpm:
		err = e.staged(dest, strip, func(dir string) error {
			return e.runner.RunScript(ctx, runner.Script{Name: "rpm2cpio", Source: rpmScript, Dir: dir, Params: []string{abs}})
		})
	default:
		return fetcherr.Errorf(fetcherr.UnsupportedArchiveFormat, archiveFile, "unknown archive format of '%s'", archiveFile)
	}
	if err != nil {
		return err
	}

	e.metrics.ObserveExtractDuration(typ.String(), time.Since(start).Seconds())
	return nil
}

func (e *Extractor) untar(ctx context.Context, typ archive.Type, dest, file string, strip int) error {
	args := []string{"xf", file, "--no-same-owner", fmt.Sprintf("--strip-components=%d", strip)}
	if flag := archive.TarDecompressFlag(typ); flag != "" {
		args = append(args, flag)
	}
	_, err := e.runner.Run(ctx, runner.Command{Name: e.tar, Args: args, Dir: dest, Env: toolEnv})
	return err
}

// staged runs unpack in a staging directory, then flattens it into dest.
// With strip 0 the staging directory is dest itself.
func (e *Extractor) staged(dest string, strip int, unpack func(dir string) error) error {
	dir, err := flatten.CreateStagingDir(e.fs, dest, strip)
	if err != nil {
		return err
	}

	if err := unpack(dir); err != nil {
		if dir != dest {
			if rmErr := e.fs.RemoveAll(dir); rmErr != nil {
				e.logger.Warn("removing staging directory", "dir", dir, "error", rmErr)
			}
		}
		return err
	}

	if strip == 0 {
		return nil
	}
	return flatten.StripComponentsInto(e.fs, dest, dir, strip)
}
