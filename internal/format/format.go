// Package format renders result rows into serialized documents.
//
// Formatters are pure: they turn columns and row values into bytes and never
// touch storage. Export jobs pick a formatter by result type through a
// Registry.
package format

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/quarry/internal/model"
)

// Formatter serializes a stream of rows. Header is called once before the
// first row, Row once per record with its zero-based index, and Footer once
// after the last row.
type Formatter interface {
	ResultType() model.ResultType
	Extension() string
	ContentType() string
	Header(columns []string) ([]byte, error)
	Row(columns []string, index int, values []any) ([]byte, error)
	Footer() ([]byte, error)
}

// Format renders a complete document from columns and rows.
func Format(f Formatter, columns []string, rows [][]any) ([]byte, error) {
	var buf bytes.Buffer
	w := NewWriter(f, &buf)
	if err := w.Begin(columns); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write(r); err != nil {
			return nil, err
		}
	}
	if err := w.End(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Writer drives a Formatter into a buffer one row at a time.
type Writer struct {
	f       Formatter
	buf     *bytes.Buffer
	columns []string
	count   int
}

// NewWriter returns a Writer appending f's output to buf.
func NewWriter(f Formatter, buf *bytes.Buffer) *Writer {
	return &Writer{f: f, buf: buf}
}

// Begin writes the header for columns.
func (w *Writer) Begin(columns []string) error {
	w.columns = columns
	b, err := w.f.Header(columns)
	if err != nil {
		return fmt.Errorf("format header: %w", err)
	}
	w.buf.Write(b)
	return nil
}

// Write appends one row.
func (w *Writer) Write(values []any) error {
	if len(values) != len(w.columns) {
		return fmt.Errorf("format row %d: got %d values for %d columns", w.count, len(values), len(w.columns))
	}
	b, err := w.f.Row(w.columns, w.count, values)
	if err != nil {
		return fmt.Errorf("format row %d: %w", w.count, err)
	}
	w.buf.Write(b)
	w.count++
	return nil
}

// End writes the footer.
func (w *Writer) End() error {
	b, err := w.f.Footer()
	if err != nil {
		return fmt.Errorf("format footer: %w", err)
	}
	w.buf.Write(b)
	return nil
}

// Count returns the number of rows written so far.
func (w *Writer) Count() int {
	return w.count
}

// Registry maps result types to formatters.
type Registry struct {
	mu         sync.RWMutex
	formatters map[model.ResultType]Formatter
}

// NewRegistry creates a registry holding the given formatters.
func NewRegistry(fs ...Formatter) *Registry {
	r := &Registry{formatters: make(map[model.ResultType]Formatter)}
	for _, f := range fs {
		r.Register(f)
	}
	return r
}

// Register adds or replaces the formatter for f's result type.
func (r *Registry) Register(f Formatter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.formatters[f.ResultType()] = f
}

// Lookup returns the formatter for rt.
func (r *Registry) Lookup(rt model.ResultType) (Formatter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formatters[rt]
	return f, ok
}

// Types returns the registered result types in sorted order.
func (r *Registry) Types() []model.ResultType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ResultType, 0, len(r.formatters))
	for rt := range r.formatters {
		out = append(out, rt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
