// Package manifest reads module manifests: a destination and a list of
// modules, each with the archive sources to unpack into its directory.
//
// The layout follows flatpak-builder's modules/sources. YAML, TOML and
// JSON are accepted, chosen by file extension.
package manifest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/frederic-klein/srcfetch/internal/archive"
	"github.com/frederic-klein/srcfetch/internal/batch"
	"github.com/frederic-klein/srcfetch/internal/downloader"
	"github.com/frederic-klein/srcfetch/internal/fetch"
)

// SourceArchive is the only source type that is fetched.
const SourceArchive = "archive"

// Format is a manifest encoding.
type Format int

const (
	FormatYAML Format = iota
	FormatTOML
	FormatJSON
)

// Manifest is a parsed manifest file.
type Manifest struct {
	// Destination is the root the module directories are created in.
	// Relative paths are resolved against the manifest's directory.
	Destination string   `yaml:"destination" toml:"destination" json:"destination"`
	Modules     []Module `yaml:"modules" toml:"modules" json:"modules"`
}

// Module is one directory of sources.
type Module struct {
	Name    string   `yaml:"name" toml:"name" json:"name"`
	Sources []Source `yaml:"sources" toml:"sources" json:"sources"`
}

// Source is one entry of a module's sources.
type Source struct {
	// Type defaults to "archive".
	Type            string `yaml:"type" toml:"type" json:"type"`
	URL             string `yaml:"url" toml:"url" json:"url"`
	SHA256          string `yaml:"sha256" toml:"sha256" json:"sha256"`
	StripComponents *int   `yaml:"strip-components" toml:"strip-components" json:"strip-components"`
	ArchiveType     string `yaml:"archive-type" toml:"archive-type" json:"archive-type"`
}

// Skipped is a source that is not an archive.
type Skipped struct {
	Module string
	Index  int
	Type   string
}

func (s Source) kind() string {
	if s.Type == "" {
		return SourceArchive
	}
	return s.Type
}

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json":
		return FormatJSON, nil
	}
	return 0, fmt.Errorf("unknown manifest format for %s", path)
}

// Load reads and validates the manifest at path.
func Load(fsys afero.Fs, path string) (*Manifest, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", path, err)
	}
	if m.Destination != "" && !filepath.IsAbs(m.Destination) {
		m.Destination = filepath.Join(filepath.Dir(path), m.Destination)
	}
	return m, nil
}

// Parse decodes data. Unknown keys are an error.
func Parse(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &m)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown manifest format %d", format)
	}
	return &m, nil
}

// Validate reports every problem found in m.
func (m *Manifest) Validate() error {
	var errs []error
	seen := make(map[string]bool)
	for i, mod := range m.Modules {
		if err := fetch.ValidateModule(mod.Name); err != nil {
			errs = append(errs, fmt.Errorf("modules[%d]: %w", i, err))
		} else if seen[mod.Name] {
			errs = append(errs, fmt.Errorf("modules[%d]: duplicate module %q", i, mod.Name))
		}
		seen[mod.Name] = true

		for j, src := range mod.Sources {
			if src.kind() != SourceArchive {
				continue
			}
			where := fmt.Sprintf("module %q sources[%d]", mod.Name, j)
			if src.URL == "" {
				errs = append(errs, fmt.Errorf("%s: url is required", where))
			} else if _, err := fetch.ArchiveName(src.URL); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
			if _, err := downloader.NormalizeDigest(src.SHA256); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", where, err))
			}
			if src.StripComponents != nil && *src.StripComponents < 0 {
				errs = append(errs, fmt.Errorf("%s: strip-components must not be negative", where))
			}
			if src.ArchiveType != "" {
				if _, err := archive.ParseType(src.ArchiveType); err != nil {
					errs = append(errs, fmt.Errorf("%s: %w", where, err))
				}
			}
		}
	}
	return errors.Join(errs...)
}

// Jobs converts a validated manifest into batch jobs rooted at destRoot,
// or at the manifest destination when destRoot is empty. Non-archive
// sources are returned as skipped. Modules without archive sources
// produce no job.
func (m *Manifest) Jobs(destRoot string) ([]batch.Job, []Skipped) {
	if destRoot == "" {
		destRoot = m.Destination
	}

	var (
		jobs    []batch.Job
		skipped []Skipped
	)
	for _, mod := range m.Modules {
		job := batch.Job{Module: mod.Name}
		for i, src := range mod.Sources {
			if src.kind() != SourceArchive {
				skipped = append(skipped, Skipped{Module: mod.Name, Index: i, Type: src.kind()})
				continue
			}
			req := fetch.Request{
				URL:             src.URL,
				SHA256:          src.SHA256,
				Module:          mod.Name,
				DestRoot:        destRoot,
				StripComponents: src.StripComponents,
			}
			if src.ArchiveType != "" {
				if typ, err := archive.ParseType(src.ArchiveType); err == nil {
					req.ArchiveType = &typ
				}
			}
			job.Requests = append(job.Requests, req)
		}
		if len(job.Requests) > 0 {
			jobs = append(jobs, job)
		}
	}

	return jobs, skipped
}
