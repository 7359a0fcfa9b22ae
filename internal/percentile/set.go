package percentile

// Block holds the lookup tables of one region, in column order. The national
// level is a single block with an empty region tag.
type Block struct {
	Region  string
	Columns []string
	Tables  map[string]Table
}

// Lookup is the combined lookup output of a run: one block per region in the
// order regions first appear in the source table.
type Lookup struct {
	Blocks []Block
}

// Block returns the block for region, if present.
func (l *Lookup) Block(region string) (*Block, bool) {
	for i := range l.Blocks {
		if l.Blocks[i].Region == region {
			return &l.Blocks[i], true
		}
	}
	return nil, false
}

// Table returns the table for a (region, column) pair.
func (l *Lookup) Table(region, column string) (Table, bool) {
	b, ok := l.Block(region)
	if !ok {
		return Table{}, false
	}
	t, ok := b.Tables[column]
	return t, ok
}

// Columns returns the union of block columns in first-seen order.
func (l *Lookup) Columns() []string {
	seen := make(map[string]bool)
	var cols []string
	for _, b := range l.Blocks {
		for _, c := range b.Columns {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	return cols
}

// Regional reports whether the lookup is partitioned by region.
func (l *Lookup) Regional() bool {
	return len(l.Blocks) > 1 || (len(l.Blocks) == 1 && l.Blocks[0].Region != "")
}

// Merge combines l with other region by region: blocks keep l's order, the
// columns of other are appended after l's, and regions only present in other
// are appended at the end. Neither input is modified; a column present in
// both is taken from l.
func (l *Lookup) Merge(other *Lookup) *Lookup {
	out := &Lookup{Blocks: make([]Block, 0, len(l.Blocks))}
	for _, b := range l.Blocks {
		out.Blocks = append(out.Blocks, copyBlock(b))
	}
	for _, ob := range other.Blocks {
		dst, ok := out.Block(ob.Region)
		if !ok {
			out.Blocks = append(out.Blocks, copyBlock(ob))
			continue
		}
		for _, c := range ob.Columns {
			if _, dup := dst.Tables[c]; dup {
				continue
			}
			dst.Columns = append(dst.Columns, c)
			dst.Tables[c] = ob.Tables[c]
		}
	}
	return out
}

func copyBlock(b Block) Block {
	out := Block{
		Region:  b.Region,
		Columns: append([]string(nil), b.Columns...),
		Tables:  make(map[string]Table, len(b.Tables)),
	}
	for k, v := range b.Tables {
		out.Tables[k] = v
	}
	return out
}
