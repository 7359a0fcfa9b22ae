package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/ejscreen-cli/internal/frame"
)

// dbfNameLimit is the longest attribute name a DBF header can hold.
const dbfNameLimit = 10

// Field types of the export schema.
const (
	TypeText  = "text"
	TypeInt   = "int"
	TypeFloat = "float"
)

// Field maps one dataset column to a shapefile attribute.
type Field struct {
	Name     string // dataset column
	Type     string // text, int or float
	Alias    string // attribute name, at most 10 characters
	Length   int
	Decimals int
}

// Schema is the ordered list of exported attributes.
type Schema struct {
	Fields []Field
}

// LoadSchema reads a schema table with a header row and the columns
// name,type,alias,length. Empty type, alias or length take defaults.
func LoadSchema(r io.Reader) (*Schema, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "export: read schema")
	}
	if len(records) < 2 {
		return nil, eris.New("export: schema has no fields")
	}

	s := &Schema{}
	for i, rec := range records[1:] {
		get := func(j int) string {
			if j < len(rec) {
				return strings.TrimSpace(rec[j])
			}
			return ""
		}
		fd := Field{Name: get(0), Type: strings.ToLower(get(1)), Alias: get(2)}
		if fd.Name == "" {
			return nil, eris.Errorf("export: schema line %d: empty name", i+2)
		}
		if l := get(3); l != "" {
			n, err := strconv.Atoi(l)
			if err != nil || n < 1 || n > 254 {
				return nil, eris.Errorf("export: schema line %d: invalid length %q", i+2, l)
			}
			fd.Length = n
		}
		s.Fields = append(s.Fields, fd)
	}
	return s, nil
}

// DefaultSchema exports every column of f with a type derived from its kind.
func DefaultSchema(f *frame.Frame) *Schema {
	s := &Schema{}
	for _, n := range f.Names() {
		c, _ := f.Column(n)
		fd := Field{Name: n}
		switch c.Kind() {
		case frame.KindFloat:
			fd.Type = TypeFloat
		case frame.KindInt:
			fd.Type = TypeInt
		default:
			fd.Type = TypeText
		}
		s.Fields = append(s.Fields, fd)
	}
	return s
}

// resolve validates the schema against f and fills in types, lengths and
// unique attribute names.
func (s *Schema) resolve(f *frame.Frame) ([]Field, error) {
	out := make([]Field, 0, len(s.Fields))
	used := make(map[string]bool, len(s.Fields))
	for _, fd := range s.Fields {
		c, err := f.Column(fd.Name)
		if err != nil {
			return nil, eris.Wrapf(err, "export: schema field %s", fd.Name)
		}
		if fd.Type == "" {
			switch c.Kind() {
			case frame.KindFloat:
				fd.Type = TypeFloat
			case frame.KindInt:
				fd.Type = TypeInt
			default:
				fd.Type = TypeText
			}
		}
		switch fd.Type {
		case TypeText:
			if fd.Length == 0 {
				fd.Length = textWidth(c)
			}
		case TypeInt:
			if fd.Length == 0 {
				fd.Length = 10
			}
		case TypeFloat:
			if fd.Length == 0 {
				fd.Length = 19
			}
			fd.Decimals = 11
			if fd.Decimals > fd.Length-2 {
				fd.Decimals = max(fd.Length-2, 0)
			}
		default:
			return nil, eris.Errorf("export: schema field %s: unknown type %q", fd.Name, fd.Type)
		}

		if fd.Alias == "" {
			fd.Alias = fd.Name
		}
		if len(fd.Alias) > dbfNameLimit {
			fd.Alias = truncateName(fd.Alias, used)
		}
		if used[strings.ToUpper(fd.Alias)] {
			return nil, eris.Errorf("export: attribute name %q used twice", fd.Alias)
		}
		used[strings.ToUpper(fd.Alias)] = true
		out = append(out, fd)
	}
	return out, nil
}

// truncateName shortens a name to the DBF limit, replacing the tail with a
// counter when the plain truncation is taken.
func truncateName(name string, used map[string]bool) string {
	short := name[:dbfNameLimit]
	if !used[strings.ToUpper(short)] {
		return short
	}
	for i := 1; ; i++ {
		suffix := fmt.Sprintf("_%d", i)
		cand := name[:dbfNameLimit-len(suffix)] + suffix
		if !used[strings.ToUpper(cand)] {
			return cand
		}
	}
}

// textWidth is the widest formatted value of c, at least 1 and at most 254.
func textWidth(c frame.Column) int {
	w := 1
	for i := 0; i < c.Len(); i++ {
		if n := len(c.Format(i)); n > w {
			w = n
		}
	}
	return min(w, 254)
}

func (fd Field) shp() shp.Field {
	switch fd.Type {
	case TypeInt:
		return shp.NumberField(fd.Alias, uint8(fd.Length))
	case TypeFloat:
		return shp.FloatField(fd.Alias, uint8(fd.Length), uint8(fd.Decimals))
	}
	return shp.StringField(fd.Alias, uint8(fd.Length))
}

// value converts a cell to the type go-shp writes for the field. Missing
// cells are written blank.
func (fd Field) value(c frame.Column, row int) any {
	v := c.Value(row)
	if v == nil {
		return ""
	}
	switch fd.Type {
	case TypeInt:
		switch x := v.(type) {
		case int64:
			return int(x)
		case float64:
			return int(x)
		}
	case TypeFloat:
		switch x := v.(type) {
		case float64:
			return x
		case int64:
			return float64(x)
		}
	}
	return truncateText(c.Format(row), fd.Length)
}

// truncateText cuts s to at most n bytes without splitting a rune.
func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
