package acquire

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
)

// Extract returns the text of the PDF at path, one line per text row, pages
// in order. Whitespace-only output yields ErrEmptyDocument.
func Extract(path string) (text string, err error) {
	// The PDF reader panics on some malformed content streams.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: %v", ErrExtractFailed, r)
		}
	}()

	file, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExtractFailed, err)
	}
	defer file.Close()

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		for _, line := range pageLines(page.Content().Text) {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}

	text = sb.String()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}

// pageLines groups positioned glyphs into rows, top of the page first, and
// joins each row left to right.
func pageLines(glyphs []pdf.Text) []string {
	kept := make([]pdf.Text, 0, len(glyphs))
	for _, g := range glyphs {
		// TJ emits a synthetic newline glyph after each array.
		if g.S == "" || g.S == "\n" || g.S == "\r" {
			continue
		}
		kept = append(kept, g)
	}
	sort.SliceStable(kept, func(i, j int) bool { return kept[i].Y > kept[j].Y })

	var rows [][]pdf.Text
	for _, g := range kept {
		if n := len(rows); n > 0 && sameRow(rows[n-1][0], g) {
			rows[n-1] = append(rows[n-1], g)
			continue
		}
		rows = append(rows, []pdf.Text{g})
	}

	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		sort.SliceStable(row, func(i, j int) bool { return row[i].X < row[j].X })
		if line := joinRow(row); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// sameRow reports whether g sits on the baseline of the row started by first.
func sameRow(first, g pdf.Text) bool {
	tolerance := math.Max(first.FontSize, g.FontSize) * 0.3
	if tolerance < 1 {
		tolerance = 1
	}
	return math.Abs(first.Y-g.Y) <= tolerance
}

// joinRow concatenates the glyphs of one row, inserting a space where the PDF
// leaves a visible gap instead of a space character.
func joinRow(row []pdf.Text) string {
	var sb strings.Builder
	var prev *pdf.Text
	for i := range row {
		g := &row[i]
		if prev != nil && needsSpace(prev, g) {
			sb.WriteByte(' ')
		}
		sb.WriteString(g.S)
		prev = g
	}
	return strings.TrimRight(sb.String(), " ")
}

func needsSpace(prev, cur *pdf.Text) bool {
	if strings.HasSuffix(prev.S, " ") || strings.HasPrefix(cur.S, " ") {
		return false
	}
	gap := cur.X - (prev.X + prev.W)
	return gap > math.Max(prev.FontSize, cur.FontSize)*0.2
}
