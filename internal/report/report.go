package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/frederic-klein/srcfetch/internal/batch"
	"github.com/frederic-klein/srcfetch/internal/manifest"
)

const header = "# srcfetch report format: version 1.0\n"

// Source statuses.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusPending = "not-run"
	StatusSkipped = "skipped"
)

// Emitter writes sync reports.
type Emitter struct {
	w io.Writer
}

// NewEmitter creates a new report emitter.
func NewEmitter(w io.Writer) *Emitter {
	return &Emitter{w: w}
}

type module struct {
	name    string
	result  *batch.Result
	skipped []manifest.Skipped
}

// Emit writes one entry per module, sorted by name.
func (e *Emitter) Emit(results []batch.Result, skipped []manifest.Skipped) error {
	byName := make(map[string]*module)
	get := func(name string) *module {
		m, ok := byName[name]
		if !ok {
			m = &module{name: name}
			byName[name] = m
		}
		return m
	}
	for i := range results {
		get(results[i].Job.Module).result = &results[i]
	}
	for _, s := range skipped {
		m := get(s.Module)
		m.skipped = append(m.skipped, s)
	}

	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	if _, err := fmt.Fprint(e.w, header); err != nil {
		return err
	}
	if _, err := fmt.Fprint(e.w, "MODULES\n"); err != nil {
		return err
	}
	for _, name := range names {
		if err := e.emitModule(byName[name]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Emitter) emitModule(m *module) error {
	if _, err := fmt.Fprintf(e.w, "  %s\n", m.name); err != nil {
		return err
	}

	status := StatusSkipped
	if r := m.result; r != nil {
		status = StatusOK
		if r.Error != nil {
			status = StatusFailed
		}
		if r.Dir != "" {
			if _, err := fmt.Fprintf(e.w, "    dir: %s\n", r.Dir); err != nil {
				return err
			}
		}
	}
	if _, err := fmt.Fprintf(e.w, "    status: %s\n", status); err != nil {
		return err
	}
	if m.result != nil && m.result.Error != nil {
		if _, err := fmt.Fprintf(e.w, "    error: %s\n", oneLine(m.result.Error.Error())); err != nil {
			return err
		}
	}

	if m.result != nil && len(m.result.Job.Requests) > 0 {
		if _, err := fmt.Fprint(e.w, "    sources:\n"); err != nil {
			return err
		}
		for i, req := range m.result.Job.Requests {
			if _, err := fmt.Fprintf(e.w, "      %s %s sha256:%s\n", sourceStatus(m.result, i), req.URL, strings.ToLower(strings.TrimSpace(req.SHA256))); err != nil {
				return err
			}
		}
	}

	if len(m.skipped) > 0 {
		if _, err := fmt.Fprint(e.w, "    skipped:\n"); err != nil {
			return err
		}
		for _, s := range m.skipped {
			if _, err := fmt.Fprintf(e.w, "      sources[%d] %s\n", s.Index, s.Type); err != nil {
				return err
			}
		}
	}
	return nil
}

func sourceStatus(r *batch.Result, i int) string {
	switch {
	case i < r.Completed:
		return StatusOK
	case i == r.Completed && r.Error != nil:
		return StatusFailed
	default:
		return StatusPending
	}
}

// oneLine keeps multi-line tool stderr from breaking the layout.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
