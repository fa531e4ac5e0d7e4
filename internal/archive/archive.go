// Package archive classifies archive files by name.
package archive

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Type is the archive format of a file, derived from its name.
type Type int

const (
	Unknown Type = iota
	Rpm
	Tar
	TarGzip
	TarCompress
	TarBzip2
	TarLzip
	TarLzma
	TarLzop
	TarXz
	Zip
)

var typeNames = []string{
	Unknown:     "unknown",
	Rpm:         "rpm",
	Tar:         "tar",
	TarGzip:     "tar-gzip",
	TarCompress: "tar-compress",
	TarBzip2:    "tar-bzip2",
	TarLzip:     "tar-lzip",
	TarLzma:     "tar-lzma",
	TarLzop:     "tar-lzop",
	TarXz:       "tar-xz",
	Zip:         "zip",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return fmt.Sprintf("type(%d)", int(t))
	}
	return typeNames[t]
}

// ParseType parses the name returned by Type.String.
func ParseType(s string) (Type, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range typeNames {
		if s == name && Type(i) != Unknown {
			return Type(i), nil
		}
	}
	return Unknown, fmt.Errorf("unknown archive type %q", s)
}

type suffixRule struct {
	typ      Type
	suffixes []string
}

// rules are checked in order against the lower-cased base name.
var rules = []suffixRule{
	{Tar, []string{".tar"}},
	{TarGzip, []string{".tar.gz", ".tgz", ".taz"}},
	{TarBzip2, []string{".tar.bz2", ".tz2", ".tbz2", ".tbz"}},
	{TarLzip, []string{".tar.lz"}},
	{TarLzma, []string{".tar.lzma", ".tlz"}},
	{TarLzop, []string{".tar.lzo"}},
	{TarXz, []string{".tar.xz"}},
	{Zip, []string{".zip"}},
	{Rpm, []string{".rpm"}},
}

// Detect returns the archive type of the file name. Only the base name is
// considered and matching is case-insensitive, except for the compress(1)
// suffixes .tar.Z and .taZ, which must match exactly.
func Detect(name string) Type {
	base := filepath.Base(name)
	lower := strings.ToLower(base)

	// Checked before the gzip rule, where ".taz" would otherwise win.
	if strings.HasSuffix(base, ".tar.Z") || strings.HasSuffix(base, ".taZ") {
		return TarCompress
	}

	for _, r := range rules {
		for _, s := range r.suffixes {
			if strings.HasSuffix(lower, s) {
				return r.typ
			}
		}
	}
	return Unknown
}

var tarTypes = map[Type]struct{}{
	Tar:         {},
	TarGzip:     {},
	TarCompress: {},
	TarBzip2:    {},
	TarLzip:     {},
	TarLzma:     {},
	TarLzop:     {},
	TarXz:       {},
}

// IsTar reports whether t is extracted with tar.
func IsTar(t Type) bool {
	_, ok := tarTypes[t]
	return ok
}

// TarDecompressFlag returns the tar flag selecting the decompressor for t,
// or "" when none is needed.
func TarDecompressFlag(t Type) string {
	switch t {
	case TarGzip:
		return "-z"
	case TarCompress:
		return "-Z"
	case TarBzip2:
		return "-j"
	case TarLzip:
		return "--lzip"
	case TarLzma:
		return "--lzma"
	case TarLzop:
		return "--lzop"
	case TarXz:
		return "-J"
	default:
		return ""
	}
}
