// Package columns loads and validates the versioned column configuration
// that drives a run: which columns are ranked, how composite indices are
// formed, and the canonical output order.
package columns

import (
	"os"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/ejscreen-cli/internal/classify"
)

// WeightRule binds an index-name prefix to the demographic weight column that
// multiplies the indicator percentile.
type WeightRule struct {
	Prefix string `yaml:"prefix"`
	Column string `yaml:"column"`
}

// ExceedRule counts, per record, the index percentiles of one family that
// meet or exceed Threshold.
type ExceedRule struct {
	Prefix    string `yaml:"prefix"`
	Column    string `yaml:"column"`
	Threshold int64  `yaml:"threshold"`
}

// Spec is the column configuration.
type Spec struct {
	Version      string            `yaml:"version"`
	IDColumn     string            `yaml:"id_column"`
	RegionColumn string            `yaml:"region_column"`
	InfoNames    []string          `yaml:"info_names"`
	DataNames    []string          `yaml:"data_names"`
	ExtraCols    []string          `yaml:"extra_cols"`
	IndexNames   []string          `yaml:"index_names"`
	Weights      []WeightRule      `yaml:"weights"`
	Exceed       []ExceedRule      `yaml:"exceed"`
	Renames      map[string]string `yaml:"renames"`
	ColsAll      []string          `yaml:"cols_all"`
}

// Load reads and validates a column configuration file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "columns: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a column configuration document. Unset
// identifier, region, weight and exceed settings take their defaults.
func Parse(data []byte) (*Spec, error) {
	var s Spec
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, eris.Wrap(err, "columns: decode yaml")
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Spec) applyDefaults() {
	if s.IDColumn == "" {
		s.IDColumn = "ID"
	}
	if s.RegionColumn == "" {
		s.RegionColumn = "ST_ABBREV"
	}
	if len(s.Weights) == 0 {
		s.Weights = []WeightRule{
			{Prefix: "D2_", Column: "DEMOGIDX_2"},
			{Prefix: "D5_", Column: "DEMOGIDX_5"},
		}
	}
	if len(s.Exceed) == 0 {
		s.Exceed = []ExceedRule{
			{Prefix: "D2_", Column: "EXCEED_COUNT_80", Threshold: 80},
			{Prefix: "D5_", Column: "EXCEED_COUNT_80_SUPP", Threshold: 80},
		}
	}
}

// Validate checks the configuration for internal consistency. Columns that
// the data must provide are checked later by CheckHeader.
func (s *Spec) Validate() error {
	if len(s.DataNames) == 0 {
		return eris.New("columns: data_names is empty")
	}
	if len(s.ColsAll) == 0 {
		return eris.New("columns: cols_all is empty")
	}
	for _, l := range []struct {
		name string
		list []string
	}{
		{"info_names", s.InfoNames},
		{"data_names", s.DataNames},
		{"extra_cols", s.ExtraCols},
		{"index_names", s.IndexNames},
		{"cols_all", s.ColsAll},
	} {
		if dup := firstDuplicate(l.list); dup != "" {
			return eris.Errorf("columns: %s lists %q twice", l.name, dup)
		}
	}
	for _, w := range s.Weights {
		if w.Prefix == "" || w.Column == "" {
			return eris.New("columns: weight rules need a prefix and a column")
		}
	}
	ranked := make(map[string]bool, len(s.DataNames))
	for _, d := range s.DataNames {
		ranked[s.RankName(d)] = true
	}
	for _, idx := range s.IndexNames {
		_, indicator, ok := s.Family(idx)
		if !ok {
			return &MismatchError{Element: "weight prefix for index", Name: idx}
		}
		if pct := classify.PrefixPercentile + indicator; !ranked[pct] {
			return &MismatchError{Element: "indicator percentile for index " + idx, Name: pct}
		}
	}
	for _, e := range s.Exceed {
		if e.Prefix == "" || e.Column == "" {
			return eris.New("columns: exceed rules need a prefix and a column")
		}
	}
	return nil
}

// Family resolves an index name to its weight rule and source indicator.
func (s *Spec) Family(index string) (WeightRule, string, bool) {
	for _, w := range s.Weights {
		if strings.HasPrefix(index, w.Prefix) && len(index) > len(w.Prefix) {
			return w, strings.TrimPrefix(index, w.Prefix), true
		}
	}
	return WeightRule{}, "", false
}

// RankName returns the percentile column name for a ranked column, after
// applying the configured renames.
func (s *Spec) RankName(column string) string {
	name := classify.PrefixPercentile + column
	if to, ok := s.Renames[name]; ok {
		return to
	}
	return name
}

// NumericColumns returns the columns parsed as numbers: data columns followed
// by any weight column not already among them.
func (s *Spec) NumericColumns() []string {
	cols := append([]string(nil), s.DataNames...)
	seen := toSet(cols)
	for _, w := range s.Weights {
		if s.weightUsed(w) && !seen[w.Column] {
			seen[w.Column] = true
			cols = append(cols, w.Column)
		}
	}
	return cols
}

// TextColumns returns the passthrough columns kept as text, in input order
// of the configuration: identifier, info columns, then extra columns.
func (s *Spec) TextColumns(regional bool) []string {
	numeric := toSet(s.NumericColumns())
	seen := make(map[string]bool)
	var cols []string
	add := func(c string) {
		if c == "" || seen[c] || numeric[c] {
			return
		}
		seen[c] = true
		cols = append(cols, c)
	}
	add(s.IDColumn)
	if regional {
		add(s.RegionColumn)
	}
	for _, c := range s.InfoNames {
		add(c)
	}
	for _, c := range s.ExtraCols {
		add(c)
	}
	return cols
}

// CheckHeader verifies that an input header provides every column the
// configuration reads.
func (s *Spec) CheckHeader(header []string, regional bool) error {
	have := toSet(header)
	check := func(element string, cols ...string) error {
		for _, c := range cols {
			if !have[c] {
				return &MismatchError{Element: element, Name: c}
			}
		}
		return nil
	}

	if err := check("id column", s.IDColumn); err != nil {
		return err
	}
	if regional {
		if err := check("region column", s.RegionColumn); err != nil {
			return err
		}
	}
	if err := check("info column", s.InfoNames...); err != nil {
		return err
	}
	if err := check("data column", s.DataNames...); err != nil {
		return err
	}
	if err := check("extra column", s.ExtraCols...); err != nil {
		return err
	}
	for _, w := range s.Weights {
		if s.weightUsed(w) {
			if err := check("weight column", w.Column); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExceedColumns returns, per exceed rule, the index percentile columns of
// that family.
func (s *Spec) ExceedColumns(rule ExceedRule) []string {
	var cols []string
	for _, idx := range s.IndexNames {
		if strings.HasPrefix(idx, rule.Prefix) {
			cols = append(cols, s.RankName(idx))
		}
	}
	return cols
}

// RenamePairs returns the configured renames sorted by source name.
func (s *Spec) RenamePairs() [][2]string {
	pairs := make([][2]string, 0, len(s.Renames))
	for from, to := range s.Renames {
		pairs = append(pairs, [2]string{from, to})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	return pairs
}

func (s *Spec) weightUsed(w WeightRule) bool {
	for _, idx := range s.IndexNames {
		if rule, _, ok := s.Family(idx); ok && rule == w {
			return true
		}
	}
	return false
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[v] = true
	}
	return set
}

func firstDuplicate(list []string) string {
	seen := make(map[string]bool, len(list))
	for _, v := range list {
		if seen[v] {
			return v
		}
		seen[v] = true
	}
	return ""
}
