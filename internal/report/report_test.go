package report

import (
	"bytes"
	"errors"
	"testing"

	"github.com/frederic-klein/srcfetch/internal/batch"
	"github.com/frederic-klein/srcfetch/internal/fetch"
	"github.com/frederic-klein/srcfetch/internal/manifest"
)

const sha = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func TestEmitter_Emit(t *testing.T) {
	tests := []struct {
		name    string
		results []batch.Result
		skipped []manifest.Skipped
		want    string
	}{
		{
			name: "empty",
			want: "# srcfetch report format: version 1.0\nMODULES\n",
		},
		{
			name: "single module",
			results: []batch.Result{{
				Job: batch.Job{Module: "libfoo", Requests: []fetch.Request{
					{URL: "https://example.org/libfoo-1.0.tar.gz", SHA256: sha},
				}},
				Dir:       "/deps/libfoo",
				Completed: 1,
			}},
			want: `# srcfetch report format: version 1.0
MODULES
  libfoo
    dir: /deps/libfoo
    status: ok
    sources:
      ok https://example.org/libfoo-1.0.tar.gz sha256:` + sha + `
`,
		},
		{
			name: "sorted with failure and skipped",
			results: []batch.Result{
				{
					Job: batch.Job{Module: "zlib", Requests: []fetch.Request{
						{URL: "https://example.org/a.tar", SHA256: sha},
						{URL: "https://example.org/b.tar", SHA256: sha},
						{URL: "https://example.org/c.tar", SHA256: sha},
					}},
					Dir:       "/deps/zlib",
					Completed: 1,
					Error:     errors.New("tar exited with status 2:\ntar: not a tarball"),
				},
				{
					Job:       batch.Job{Module: "bar", Requests: []fetch.Request{{URL: "https://example.org/bar.zip", SHA256: " " + "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD"}}},
					Dir:       "/deps/bar",
					Completed: 1,
				},
			},
			skipped: []manifest.Skipped{
				{Module: "bar", Index: 1, Type: "patch"},
				{Module: "git-only", Index: 0, Type: "git"},
			},
			want: `# srcfetch report format: version 1.0
MODULES
  bar
    dir: /deps/bar
    status: ok
    sources:
      ok https://example.org/bar.zip sha256:` + sha + `
    skipped:
      sources[1] patch
  git-only
    status: skipped
    skipped:
      sources[0] git
  zlib
    dir: /deps/zlib
    status: failed
    error: tar exited with status 2: tar: not a tarball
    sources:
      ok https://example.org/a.tar sha256:` + sha + `
      failed https://example.org/b.tar sha256:` + sha + `
      not-run https://example.org/c.tar sha256:` + sha + `
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			e := NewEmitter(&buf)

			if err := e.Emit(tt.results, tt.skipped); err != nil {
				t.Fatalf("Emit() error = %v", err)
			}

			if got := buf.String(); got != tt.want {
				t.Errorf("Emit() =\n%s\nwant:\n%s", got, tt.want)
			}
		})
	}
}
