package pdf

import (
	"math"
	"sort"
	"strings"

	lpdf "github.com/ledongthuc/pdf"

	"github.com/nhle/statement-extractor/internal/model"
)

const (
	// rowBucketSize is the vertical quantum, in layout units, within which
	// fragments belong to the same row.
	rowBucketSize = 5.0

	// minTableRows is the shortest run of multi-fragment rows that forms
	// a table.
	minTableRows = 2
)

// Table is the table data of one page region.
type Table = model.PdfTableData

// Fragment is a run of text on one baseline. X and Y are PDF user-space
// coordinates with the origin at the bottom-left of the page.
type Fragment struct {
	Text  string
	X     float64
	Y     float64
	Width float64
}

// DetectTables groups fragments into rows by quantized baseline and
// emits every run of at least two consecutive rows that each hold more
// than one fragment. A single-fragment row ends the current run. Rows are
// visited top of page first, cells left to right.
func DetectTables(pageNumber int, frags []Fragment) []Table {
	buckets := make(map[int][]Fragment)
	for _, f := range frags {
		key := int(math.Floor(f.Y / rowBucketSize))
		buckets[key] = append(buckets[key], f)
	}

	keys := make([]int, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(keys)))

	var tables []Table
	var current [][]string
	flush := func() {
		if len(current) >= minTableRows {
			tables = append(tables, Table{PageNumber: pageNumber, Rows: current})
		}
		current = nil
	}

	for _, k := range keys {
		row := buckets[k]
		if len(row) < 2 {
			flush()
			continue
		}
		sort.SliceStable(row, func(i, j int) bool { return row[i].X < row[j].X })
		cells := make([]string, len(row))
		for i, f := range row {
			cells[i] = f.Text
		}
		current = append(current, cells)
	}
	flush()

	return tables
}

// fragmentsFromGlyphs joins consecutive glyphs on the same baseline into
// fragments, splitting wherever the horizontal gap exceeds one em.
func fragmentsFromGlyphs(glyphs []lpdf.Text) []Fragment {
	var frags []Fragment
	var b strings.Builder
	var cur Fragment
	var end float64
	open := false

	emit := func() {
		if !open {
			return
		}
		text := strings.TrimSpace(b.String())
		if text != "" {
			cur.Text = text
			cur.Width = end - cur.X
			frags = append(frags, cur)
		}
		b.Reset()
		open = false
	}

	for _, g := range glyphs {
		gap := g.FontSize
		if gap <= 0 {
			gap = 1
		}
		if open && math.Abs(g.Y-cur.Y) < 0.5 && g.X >= cur.X && g.X-end <= gap {
			b.WriteString(g.S)
			end = math.Max(end, g.X+g.W)
			continue
		}

		emit()
		cur = Fragment{X: g.X, Y: g.Y}
		end = g.X + g.W
		b.WriteString(g.S)
		open = true
	}
	emit()

	return frags
}
