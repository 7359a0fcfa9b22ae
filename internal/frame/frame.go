// Package frame provides the in-memory, column-oriented table the engine
// operates on. Every column carries explicit missing-value semantics.
package frame

import (
	"errors"

	"github.com/rotisserie/eris"
)

// ErrColumnNotFound is returned when a named column is absent from a Frame.
var ErrColumnNotFound = errors.New("frame: column not found")

// Frame is an ordered set of equally sized named columns.
type Frame struct {
	rows  int
	names []string
	cols  map[string]Column
}

// New creates an empty frame holding the given number of rows.
func New(rows int) *Frame {
	return &Frame{rows: rows, cols: make(map[string]Column)}
}

// Len returns the number of rows.
func (f *Frame) Len() int { return f.rows }

// Names returns the column names in order. The slice must not be modified.
func (f *Frame) Names() []string { return f.names }

// Has reports whether the frame holds a column with the given name.
func (f *Frame) Has(name string) bool {
	_, ok := f.cols[name]
	return ok
}

// Set attaches c under name, replacing any column with the same name in place.
func (f *Frame) Set(name string, c Column) error {
	if c.Len() != f.rows {
		return eris.Errorf("frame: column %s has %d rows, frame has %d", name, c.Len(), f.rows)
	}
	if _, ok := f.cols[name]; !ok {
		f.names = append(f.names, name)
	}
	f.cols[name] = c
	return nil
}

// Column returns the column stored under name.
func (f *Frame) Column(name string) (Column, error) {
	c, ok := f.cols[name]
	if !ok {
		return nil, eris.Wrap(ErrColumnNotFound, name)
	}
	return c, nil
}

// Floats returns the named float column.
func (f *Frame) Floats(name string) (Floats, error) {
	c, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	v, ok := c.(Floats)
	if !ok {
		return nil, eris.Errorf("frame: column %s is %s, not float", name, c.Kind())
	}
	return v, nil
}

// Ints returns the named integer column.
func (f *Frame) Ints(name string) (Ints, error) {
	c, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	v, ok := c.(Ints)
	if !ok {
		return nil, eris.Errorf("frame: column %s is %s, not int", name, c.Kind())
	}
	return v, nil
}

// Texts returns the named text column.
func (f *Frame) Texts(name string) (Texts, error) {
	c, err := f.Column(name)
	if err != nil {
		return nil, err
	}
	v, ok := c.(Texts)
	if !ok {
		return nil, eris.Errorf("frame: column %s is %s, not text", name, c.Kind())
	}
	return v, nil
}

// Rename moves a column to a new name, keeping its position.
func (f *Frame) Rename(from, to string) error {
	c, ok := f.cols[from]
	if !ok {
		return eris.Wrap(ErrColumnNotFound, from)
	}
	if _, exists := f.cols[to]; exists {
		return eris.Errorf("frame: rename %s: column %s already exists", from, to)
	}
	delete(f.cols, from)
	f.cols[to] = c
	for i, n := range f.names {
		if n == from {
			f.names[i] = to
			break
		}
	}
	return nil
}

// Clone returns a frame sharing the column data but with its own column set,
// so columns can be added or renamed without affecting f.
func (f *Frame) Clone() *Frame {
	out := &Frame{
		rows:  f.rows,
		names: append([]string(nil), f.names...),
		cols:  make(map[string]Column, len(f.cols)),
	}
	for k, v := range f.cols {
		out.cols[k] = v
	}
	return out
}

// Select returns a frame holding only the named columns, in the given order.
func (f *Frame) Select(names []string) (*Frame, error) {
	out := New(f.rows)
	for _, n := range names {
		c, err := f.Column(n)
		if err != nil {
			return nil, err
		}
		if out.Has(n) {
			return nil, eris.Errorf("frame: column %s selected twice", n)
		}
		if err := out.Set(n, c); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Row returns row i as driver-compatible values in column order.
func (f *Frame) Row(i int) []any {
	row := make([]any, len(f.names))
	for j, n := range f.names {
		row[j] = f.cols[n].Value(i)
	}
	return row
}
