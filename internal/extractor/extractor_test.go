package extractor

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/frederic-klein/srcfetch/internal/archive"
	"github.com/frederic-klein/srcfetch/internal/fetcherr"
	"github.com/frederic-klein/srcfetch/internal/runner"
)

// fakeRunner records invocations. unpack, when set, stands in for the tool
// and may populate the working directory.
type fakeRunner struct {
	commands []runner.Command
	scripts  []runner.Script
	unpack   func(dir string) error
}

func (f *fakeRunner) Run(_ context.Context, cmd runner.Command) (*runner.Result, error) {
	f.commands = append(f.commands, cmd)
	if f.unpack != nil {
		if err := f.unpack(cmd.Dir); err != nil {
			return nil, err
		}
	}
	return &runner.Result{}, nil
}

func (f *fakeRunner) RunScript(_ context.Context, s runner.Script) error {
	f.scripts = append(f.scripts, s)
	if f.unpack != nil {
		return f.unpack(s.Dir)
	}
	return nil
}

func writeFiles(dir string, files map[string]string) error {
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func listFiles(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	sort.Strings(out)
	return out
}

func TestExtract_TarArguments(t *testing.T) {
	tests := []struct {
		file string
		flag string
	}{
		{"pkg.tar", ""},
		{"pkg.tar.gz", "-z"},
		{"pkg.tgz", "-z"},
		{"pkg.tar.Z", "-Z"},
		{"pkg.tar.bz2", "-j"},
		{"pkg.tar.lz", "--lzip"},
		{"pkg.tar.lzma", "--lzma"},
		{"pkg.tar.lzo", "--lzop"},
		{"pkg.tar.xz", "-J"},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			// Arrange
			fake := &fakeRunner{}
			e := New(fake, WithTar("gtar"))
			archiveFile := filepath.Join("/src/pkg", tt.file)

			// Act
			err := e.Extract(context.Background(), "/src/pkg", archiveFile, 1)

			// Assert
			require.NoError(t, err)
			require.Len(t, fake.commands, 1)
			cmd := fake.commands[0]
			assert.Equal(t, "gtar", cmd.Name)
			assert.Equal(t, "/src/pkg", cmd.Dir)
			assert.Equal(t, []string{"LC_ALL=C"}, cmd.Env)
			want := []string{"xf", archiveFile, "--no-same-owner", "--strip-components=1"}
			if tt.flag != "" {
				want = append(want, tt.flag)
			}
			assert.Equal(t, want, cmd.Args)
			assert.False(t, cmd.CaptureStdout)
		})
	}
}

func TestExtract_Unsupported(t *testing.T) {
	fake := &fakeRunner{}
	e := New(fake)

	err := e.Extract(context.Background(), "/src/pkg", "/src/pkg/pkg.7z", 1)

	require.Error(t, err)
	assert.True(t, errors.Is(err, fetcherr.UnsupportedArchiveFormat))
	assert.Contains(t, err.Error(), "/src/pkg/pkg.7z")
	assert.Empty(t, fake.commands)
	assert.Empty(t, fake.scripts)
}

func TestExtract_NegativeStrip(t *testing.T) {
	e := New(&fakeRunner{})

	err := e.Extract(context.Background(), "/src/pkg", "/src/pkg/pkg.tar", -1)

	assert.Equal(t, fetcherr.InvalidRequest, fetcherr.KindOf(err))
}

func TestExtract_ZipStagesAndFlattens(t *testing.T) {
	// Arrange: the fake unzip drops a wrapped tree into its working directory
	dest := t.TempDir()
	fake := &fakeRunner{unpack: func(dir string) error {
		return writeFiles(dir, map[string]string{
			"pkg-1.0/configure":  "#!/bin/sh",
			"pkg-1.0/src/main.c": "int main;",
		})
	}}
	e := New(fake)
	archiveFile := filepath.Join(dest, "pkg-1.0.zip")

	// Act
	err := e.Extract(context.Background(), dest, archiveFile, 1)

	// Assert
	require.NoError(t, err)
	require.Len(t, fake.commands, 1)
	cmd := fake.commands[0]
	assert.Equal(t, "unzip", cmd.Name)
	assert.Equal(t, []string{archiveFile}, cmd.Args)
	assert.Equal(t, []string{"LC_ALL=C"}, cmd.Env)
	assert.Equal(t, dest, filepath.Dir(cmd.Dir))
	assert.True(t, strings.HasPrefix(filepath.Base(cmd.Dir), ".uncompress"))

	assert.Equal(t, []string{"configure", "src/main.c"}, listFiles(t, dest))
	_, statErr := os.Stat(cmd.Dir)
	assert.True(t, os.IsNotExist(statErr), "staging directory must not survive")
}

func TestExtract_ZipStripZeroUsesDestination(t *testing.T) {
	dest := t.TempDir()
	fake := &fakeRunner{unpack: func(dir string) error {
		return writeFiles(dir, map[string]string{"pkg-1.0/README": "r"})
	}}
	e := New(fake)

	err := e.Extract(context.Background(), dest, filepath.Join(dest, "pkg.zip"), 0)

	require.NoError(t, err)
	require.Len(t, fake.commands, 1)
	assert.Equal(t, dest, fake.commands[0].Dir)
	assert.Equal(t, []string{"pkg-1.0/README"}, listFiles(t, dest))
}

func TestExtract_RpmPipeline(t *testing.T) {
	dest := t.TempDir()
	fake := &fakeRunner{unpack: func(dir string) error {
		return writeFiles(dir, map[string]string{"usr/share/doc/pkg/README": "r"})
	}}
	e := New(fake)
	archiveFile := filepath.Join(dest, "pkg-1.0-1.x86_64.rpm")

	err := e.Extract(context.Background(), dest, archiveFile, 1)

	require.NoError(t, err)
	require.Len(t, fake.scripts, 1)
	s := fake.scripts[0]
	assert.Equal(t, `rpm2cpio "$1" | cpio -i -d`, s.Source)
	assert.Equal(t, []string{archiveFile}, s.Params)
	assert.Equal(t, []string{"share/doc/pkg/README"}, listFiles(t, dest))
}

func TestExtract_ToolFailureRemovesStaging(t *testing.T) {
	// Arrange
	dest := t.TempDir()
	toolErr := fetcherr.New(fetcherr.ExternalToolFailed, dest, &fetcherr.ToolError{Tool: "unzip", ExitCode: 9})
	fake := &fakeRunner{unpack: func(dir string) error {
		if err := writeFiles(dir, map[string]string{"partial/file": "x"}); err != nil {
			return err
		}
		return toolErr
	}}
	e := New(fake)

	// Act
	err := e.Extract(context.Background(), dest, filepath.Join(dest, "broken.zip"), 1)

	// Assert
	assert.Same(t, toolErr, err, "tool error is returned verbatim")
	entries, readErr := os.ReadDir(dest)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestExtract_FlattenConflict(t *testing.T) {
	dest := t.TempDir()
	require.NoError(t, writeFiles(dest, map[string]string{"README": "mine"}))
	fake := &fakeRunner{unpack: func(dir string) error {
		return writeFiles(dir, map[string]string{"pkg/README": "theirs"})
	}}
	e := New(fake)

	err := e.Extract(context.Background(), dest, filepath.Join(dest, "pkg.zip"), 1)

	assert.True(t, errors.Is(err, fetcherr.MoveConflict))
	data, readErr := os.ReadFile(filepath.Join(dest, "README"))
	require.NoError(t, readErr)
	assert.Equal(t, "mine", string(data))
}

func TestExtractAs_ForcedType(t *testing.T) {
	fake := &fakeRunner{}
	e := New(fake)

	err := e.ExtractAs(context.Background(), archive.TarXz, "/src/pkg", "/src/pkg/download", 2)

	require.NoError(t, err)
	require.Len(t, fake.commands, 1)
	assert.Equal(t, []string{"xf", "/src/pkg/download", "--no-same-owner", "--strip-components=2", "-J"}, fake.commands[0].Args)
}

func TestExtract_StagingCreateFailure(t *testing.T) {
	fake := &fakeRunner{}
	e := New(fake, WithFs(afero.NewReadOnlyFs(afero.NewMemMapFs())))

	err := e.Extract(context.Background(), "/src/pkg", "/src/pkg/pkg.zip", 1)

	assert.Equal(t, fetcherr.DirectoryCreateFailed, fetcherr.KindOf(err))
	assert.Empty(t, fake.commands)
}

// Extraction with the real tools.

func requireTool(t *testing.T, names ...string) {
	t.Helper()
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			t.Skipf("%s not available: %v", name, err)
		}
	}
}

var fixtureFiles = map[string]string{
	"pkg-1.0/configure":  "#!/bin/sh\necho configured\n",
	"pkg-1.0/src/main.c": "int main(void) { return 0; }\n",
}

func tarBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		content := files[name]
		hdr := &tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}
		require.NoError(t, tw.WriteHeader(hdr))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func compress(t *testing.T, data []byte, newWriter func(io.Writer) (io.WriteCloser, error)) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := newWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestExtract_RealTools(t *testing.T) {
	tests := []struct {
		name  string
		file  string
		tools []string
		build func(t *testing.T) []byte
	}{
		{
			name:  "tar",
			file:  "pkg-1.0.tar",
			tools: []string{"tar"},
			build: func(t *testing.T) []byte { return tarBytes(t, fixtureFiles) },
		},
		{
			name:  "tar.gz",
			file:  "pkg-1.0.tar.gz",
			tools: []string{"tar", "gzip"},
			build: func(t *testing.T) []byte {
				return compress(t, tarBytes(t, fixtureFiles), func(w io.Writer) (io.WriteCloser, error) {
					return gzip.NewWriter(w), nil
				})
			},
		},
		{
			name:  "tar.xz",
			file:  "pkg-1.0.tar.xz",
			tools: []string{"tar", "xz"},
			build: func(t *testing.T) []byte {
				return compress(t, tarBytes(t, fixtureFiles), func(w io.Writer) (io.WriteCloser, error) {
					return xz.NewWriter(w)
				})
			},
		},
		{
			name:  "tar.bz2",
			file:  "pkg-1.0.tar.bz2",
			tools: []string{"tar", "bzip2"},
			build: func(t *testing.T) []byte {
				return compress(t, tarBytes(t, fixtureFiles), func(w io.Writer) (io.WriteCloser, error) {
					return bzip2.NewWriter(w, nil)
				})
			},
		},
		{
			name:  "zip",
			file:  "pkg-1.0.zip",
			tools: []string{"unzip"},
			build: func(t *testing.T) []byte { return zipBytes(t, fixtureFiles) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			requireTool(t, tt.tools...)

			// Arrange
			dest := t.TempDir()
			archiveFile := filepath.Join(dest, tt.file)
			require.NoError(t, os.WriteFile(archiveFile, tt.build(t), 0o644))
			e := New(runner.NewExec())

			// Act
			err := e.Extract(context.Background(), dest, archiveFile, 1)

			// Assert
			require.NoError(t, err)
			want := []string{"configure", "src/main.c", tt.file}
			sort.Strings(want)
			assert.Equal(t, want, listFiles(t, dest))
			data, err := os.ReadFile(filepath.Join(dest, "src", "main.c"))
			require.NoError(t, err)
			assert.Equal(t, fixtureFiles["pkg-1.0/src/main.c"], string(data))
		})
	}
}

func TestExtract_RealToolFailure(t *testing.T) {
	requireTool(t, "tar")

	dest := t.TempDir()
	archiveFile := filepath.Join(dest, "garbage.tar")
	require.NoError(t, os.WriteFile(archiveFile, []byte("this is not a tarball"), 0o644))
	e := New(runner.NewExec())

	err := e.Extract(context.Background(), dest, archiveFile, 1)

	require.Error(t, err)
	var toolErr *fetcherr.ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "tar", toolErr.Tool)
	assert.NotZero(t, toolErr.ExitCode)
}
