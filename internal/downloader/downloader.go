package downloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/frederic-klein/srcfetch/internal/fetcherr"
	"github.com/frederic-klein/srcfetch/internal/logging"
	"github.com/frederic-klein/srcfetch/internal/metrics"
)

// maxGrowHint bounds the buffer preallocated from Content-Length.
const maxGrowHint = 1 << 20

// HTTPClient is the HTTP capability used for downloads. *http.Client satisfies it.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ProgressFunc returns a writer that receives a copy of the downloaded
// bytes of name, or nil for no progress reporting. total is -1 when the
// size is unknown.
type ProgressFunc func(name string, total int64) io.Writer

// Downloader fetches archives into memory, verifies their SHA-256 digest
// and only then persists them.
type Downloader struct {
	client    HTTPClient
	fs        afero.Fs
	logger    logging.Logger
	metrics   metrics.Recorder
	userAgent string
	maxSize   int64
	reuse     bool
	progress  ProgressFunc
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithFs sets the filesystem archives are persisted to.
func WithFs(fsys afero.Fs) Option {
	return func(d *Downloader) {
		d.fs = fsys
	}
}

// WithLogger sets the logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Downloader) {
		d.logger = l
	}
}

// WithMetrics sets the recorder for downloaded byte counts.
func WithMetrics(m metrics.Recorder) Option {
	return func(d *Downloader) {
		d.metrics = m
	}
}

// WithUserAgent sets the User-Agent request header.
func WithUserAgent(ua string) Option {
	return func(d *Downloader) {
		d.userAgent = ua
	}
}

// WithMaxSize caps the size of a download held in memory (-1 to disable the check).
func WithMaxSize(n int64) Option {
	return func(d *Downloader) {
		d.maxSize = n
	}
}

// WithReuseVerified skips the request when the destination file already
// exists with the expected digest.
func WithReuseVerified(reuse bool) Option {
	return func(d *Downloader) {
		d.reuse = reuse
	}
}

// WithProgress sets the progress hook.
func WithProgress(fn ProgressFunc) Option {
	return func(d *Downloader) {
		d.progress = fn
	}
}

// NewDownloader creates a downloader using client. A nil client means a
// default *http.Client.
func NewDownloader(client HTTPClient, opts ...Option) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	d := &Downloader{
		client:    client,
		fs:        afero.NewOsFs(),
		logger:    logging.Discard(),
		metrics:   metrics.Noop{},
		userAgent: "srcfetch",
		maxSize:   1 << 30,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch performs a GET of url and returns the whole response body.
func (d *Downloader) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fetcherr.New(fetcherr.InvalidRequest, url, err)
	}
	if d.userAgent != "" {
		req.Header.Set("User-Agent", d.userAgent)
	}

	d.logger.Debug("downloading", "url", url)
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fetcherr.Errorf(fetcherr.NetworkFailed, url, "downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fetcherr.Errorf(fetcherr.NetworkFailed, url, "downloading %s: HTTP %d", url, resp.StatusCode)
	}
	if d.maxSize >= 0 && resp.ContentLength > d.maxSize {
		return nil, fetcherr.Errorf(fetcherr.ArchiveTooLarge, url, "content length %d exceeds limit of %d bytes", resp.ContentLength, d.maxSize)
	}

	// Content-Length is only a hint; the body may be shorter.
	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(min(resp.ContentLength, maxGrowHint)))
	}

	var body io.Reader = resp.Body
	if d.maxSize >= 0 {
		body = io.LimitReader(resp.Body, d.maxSize+1)
	}

	var out io.Writer = &buf
	if d.progress != nil {
		if pw := d.progress(path.Base(req.URL.Path), resp.ContentLength); pw != nil {
			out = io.MultiWriter(&buf, pw)
		}
	}

	if _, err := io.Copy(out, body); err != nil {
		return nil, fetcherr.Errorf(fetcherr.NetworkFailed, url, "reading %s: %w", url, err)
	}
	if d.maxSize >= 0 && int64(buf.Len()) > d.maxSize {
		return nil, fetcherr.Errorf(fetcherr.ArchiveTooLarge, url, "body exceeds limit of %d bytes", d.maxSize)
	}

	d.metrics.AddDownloadedBytes(int64(buf.Len()))
	return buf.Bytes(), nil
}

// FetchAndVerify fetches url and checks the body against the expected
// hex-encoded SHA-256 digest.
func (d *Downloader) FetchAndVerify(ctx context.Context, url, expected string) ([]byte, error) {
	want, err := NormalizeDigest(expected)
	if err != nil {
		return nil, fetcherr.New(fetcherr.InvalidRequest, url, err)
	}
	content, err := d.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := verify(content, want, url); err != nil {
		return nil, err
	}
	return content, nil
}

// Download fetches url, verifies it and writes it to destPath, replacing
// any existing file. Nothing is written when verification fails.
func (d *Downloader) Download(ctx context.Context, url, expected, destPath string) error {
	want, err := NormalizeDigest(expected)
	if err != nil {
		return fetcherr.New(fetcherr.InvalidRequest, destPath, err)
	}

	if d.reuse {
		if data, err := afero.ReadFile(d.fs, destPath); err == nil && Digest(data) == want {
			d.logger.Info("reusing verified archive", "path", destPath)
			return nil
		}
	}

	content, err := d.FetchAndVerify(ctx, url, want)
	if err != nil {
		return err
	}
	return d.persist(destPath, content)
}

// persist writes content to a temp file next to destPath, then renames it
// into place, so destPath never holds a partial archive.
func (d *Downloader) persist(destPath string, content []byte) error {
	dir, base := filepath.Split(destPath)
	if dir == "" {
		dir = "."
	}

	tmp, err := afero.TempFile(d.fs, dir, "."+base+".tmp*")
	if err != nil {
		return fetcherr.Errorf(fetcherr.PersistFailed, destPath, "creating file: %w", err)
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(content)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = d.fs.Chmod(tmpPath, 0o644)
	}
	if err != nil {
		_ = d.fs.Remove(tmpPath)
		return fetcherr.Errorf(fetcherr.PersistFailed, destPath, "writing file: %w", err)
	}

	if err := d.fs.Rename(tmpPath, destPath); err != nil {
		_ = d.fs.Remove(tmpPath)
		return fetcherr.Errorf(fetcherr.PersistFailed, destPath, "renaming file: %w", err)
	}
	return nil
}

func verify(content []byte, want, label string) error {
	if got := Digest(content); got != want {
		return fetcherr.New(fetcherr.HashMismatch, label, &fetcherr.HashMismatchError{
			Path:     label,
			Expected: want,
			Actual:   got,
		})
	}
	return nil
}

// Digest returns the hex-encoded SHA-256 of content.
func Digest(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// NormalizeDigest trims and lower-cases a hex SHA-256 digest and checks its form.
func NormalizeDigest(s string) (string, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != sha256.Size*2 {
		return "", fmt.Errorf("sha256 must be %d hex characters, got %d", sha256.Size*2, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("sha256 is not hex: %w", err)
	}
	return s, nil
}
