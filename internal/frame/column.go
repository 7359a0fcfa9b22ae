package frame

import (
	"database/sql"
	"strconv"
)

// Kind identifies the value type stored in a column.
type Kind int

// Column kinds.
const (
	KindText Kind = iota
	KindFloat
	KindInt
)

func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	default:
		return "text"
	}
}

// Column is a typed, nullable column of values. Columns are treated as
// immutable once they are attached to a Frame.
type Column interface {
	Kind() Kind
	Len() int
	// Format renders row i for tabular output. Missing values render as "".
	Format(i int) string
	// Value returns row i as a driver-compatible value (nil when missing).
	Value(i int) any
}

// Floats is a nullable float64 column.
type Floats []sql.NullFloat64

// Ints is a nullable integer column.
type Ints []sql.NullInt64

// Texts is a nullable string column.
type Texts []sql.NullString

func (c Floats) Kind() Kind { return KindFloat }
func (c Floats) Len() int   { return len(c) }

func (c Floats) Format(i int) string {
	if !c[i].Valid {
		return ""
	}
	return strconv.FormatFloat(c[i].Float64, 'g', -1, 64)
}

func (c Floats) Value(i int) any {
	if !c[i].Valid {
		return nil
	}
	return c[i].Float64
}

func (c Ints) Kind() Kind { return KindInt }
func (c Ints) Len() int   { return len(c) }

func (c Ints) Format(i int) string {
	if !c[i].Valid {
		return ""
	}
	return strconv.FormatInt(c[i].Int64, 10)
}

func (c Ints) Value(i int) any {
	if !c[i].Valid {
		return nil
	}
	return c[i].Int64
}

func (c Texts) Kind() Kind { return KindText }
func (c Texts) Len() int   { return len(c) }

func (c Texts) Format(i int) string {
	if !c[i].Valid {
		return ""
	}
	return c[i].String
}

func (c Texts) Value(i int) any {
	if !c[i].Valid {
		return nil
	}
	return c[i].String
}

// Float returns a valid nullable float.
func Float(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

// Int returns a valid nullable int.
func Int(v int64) sql.NullInt64 { return sql.NullInt64{Int64: v, Valid: true} }

// Text returns a valid nullable string.
func Text(v string) sql.NullString { return sql.NullString{String: v, Valid: true} }
