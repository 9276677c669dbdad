package experiment

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrColumn indicates a missing, duplicated or mistyped column.
	ErrColumn = errors.New("column error")

	// ErrShape indicates frames or vectors whose lengths disagree.
	ErrShape = errors.New("shape mismatch")
)

// Column is either numeric (Values, NaN marks a missing value) or
// categorical (Labels).
type Column struct {
	Name   string
	Values []float64
	Labels []string
}

// Numeric reports whether the column holds numbers.
func (c Column) Numeric() bool { return c.Labels == nil }

func (c Column) Len() int {
	if c.Numeric() {
		return len(c.Values)
	}

	return len(c.Labels)
}

type columnJSON struct {
	Name   string     `json:"name"`
	Values []*float64 `json:"values,omitempty"`
	Labels []string   `json:"labels,omitempty"`
}

// MarshalJSON writes missing values as null.
func (c Column) MarshalJSON() ([]byte, error) {
	out := columnJSON{Name: c.Name, Labels: c.Labels}

	if c.Numeric() {
		out.Values = make([]*float64, len(c.Values))

		for i, v := range c.Values {
			if !math.IsNaN(v) {
				out.Values[i] = &v
			}
		}
	}

	return json.Marshal(out)
}

func (c *Column) UnmarshalJSON(data []byte) error {
	var in columnJSON

	err := json.Unmarshal(data, &in)
	if err != nil {
		return err
	}

	c.Name = in.Name
	c.Labels = in.Labels
	c.Values = nil

	if in.Labels == nil {
		c.Values = make([]float64, len(in.Values))

		for i, v := range in.Values {
			c.Values[i] = math.NaN()
			if v != nil {
				c.Values[i] = *v
			}
		}
	}

	return nil
}

// Frame is an ordered set of equally long columns.
type Frame struct {
	Columns []Column `json:"columns"`
}

// NewFrame checks that all columns have the same length and distinct names.
func NewFrame(columns ...Column) (Frame, error) {
	seen := make(map[string]struct{}, len(columns))

	for _, c := range columns {
		if _, ok := seen[c.Name]; ok {
			return Frame{}, fmt.Errorf("%w: duplicate column %q", ErrColumn, c.Name)
		}

		seen[c.Name] = struct{}{}

		if c.Len() != columns[0].Len() {
			return Frame{}, fmt.Errorf("%w: column %q has %d rows, expected %d", ErrShape, c.Name, c.Len(), columns[0].Len())
		}
	}

	return Frame{Columns: columns}, nil
}

// Concat joins frames side by side.
func Concat(frames ...Frame) (Frame, error) {
	columns := make([]Column, 0)
	for _, f := range frames {
		columns = append(columns, f.Columns...)
	}

	return NewFrame(columns...)
}

// Len returns the number of rows.
func (f Frame) Len() int {
	if len(f.Columns) == 0 {
		return 0
	}

	return f.Columns[0].Len()
}

func (f Frame) Names() []string {
	names := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		names[i] = c.Name
	}

	return names
}

func (f Frame) index(name string) int {
	for i, c := range f.Columns {
		if c.Name == name {
			return i
		}
	}

	return -1
}

// Column returns the named column.
func (f Frame) Column(name string) (Column, bool) {
	i := f.index(name)
	if i < 0 {
		return Column{}, false
	}

	return f.Columns[i], true
}

// With returns a copy of the frame with the named column replaced or appended.
func (f Frame) With(c Column) Frame {
	columns := make([]Column, len(f.Columns))
	copy(columns, f.Columns)

	if i := f.index(c.Name); i >= 0 {
		columns[i] = c
	} else {
		columns = append(columns, c)
	}

	return Frame{Columns: columns}
}

// Drop returns a copy of the frame without the named column.
func (f Frame) Drop(name string) Frame {
	columns := make([]Column, 0, len(f.Columns))

	for _, c := range f.Columns {
		if c.Name != name {
			columns = append(columns, c)
		}
	}

	return Frame{Columns: columns}
}

// Slice returns rows [from, to).
func (f Frame) Slice(from, to int) Frame {
	columns := make([]Column, len(f.Columns))

	for i, c := range f.Columns {
		out := Column{Name: c.Name}
		if c.Numeric() {
			out.Values = append([]float64{}, c.Values[from:to]...)
		} else {
			out.Labels = append([]string{}, c.Labels[from:to]...)
		}

		columns[i] = out
	}

	return Frame{Columns: columns}
}

// Matrix returns the frame as rows of numbers. Categorical columns must be
// encoded first.
func (f Frame) Matrix() ([][]float64, error) {
	rows := make([][]float64, f.Len())
	for i := range rows {
		rows[i] = make([]float64, len(f.Columns))
	}

	for j, c := range f.Columns {
		if !c.Numeric() {
			return nil, fmt.Errorf("%w: column %q is categorical", ErrColumn, c.Name)
		}

		for i, v := range c.Values {
			rows[i][j] = v
		}
	}

	return rows, nil
}
