// Package render turns dataset windows into output artifacts: a JSON-lines
// spool transcoded to XLSX for tabular exports, and per-window PDF parts
// merged into one document for paginated exports.
package render

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"

	"report-export/internal/domain"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

// Columns returns the rendered column list, with a leading position column
// when the descriptor is numbered.
func Columns(d *domain.DatasetDescriptor) []domain.Column {
	if !d.Numbered {
		return d.Columns
	}
	return append([]domain.Column{{Key: "position", Header: "#", Kind: domain.KindInteger, Width: 0.5}}, d.Columns...)
}

// numberRows prefixes rows with their 1-based dataset position. start is the
// dataset offset of rows[0].
func numberRows(d *domain.DatasetDescriptor, rows []domain.Row, start int64) []domain.Row {
	if !d.Numbered {
		return rows
	}
	out := make([]domain.Row, len(rows))
	for i, r := range rows {
		out[i] = append(domain.Row{start + int64(i) + 1}, r...)
	}
	return out
}

func parseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), true
	case string:
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
	}
	if f, ok := toFloat(v); ok {
		return int64(f), true
	}
	return 0, false
}

// FormatValue renders v for display in a document cell.
func FormatValue(kind domain.ColumnKind, v any) string {
	if v == nil {
		return ""
	}
	switch kind {
	case domain.KindMoney:
		if f, ok := toFloat(v); ok {
			return humanize.FormatFloat("#,###.##", f)
		}
	case domain.KindDecimal:
		if f, ok := toFloat(v); ok {
			return strconv.FormatFloat(f, 'f', 1, 64)
		}
	case domain.KindInteger:
		if i, ok := toInt(v); ok {
			return humanize.Comma(i)
		}
	case domain.KindTimestamp:
		if t, ok := parseTime(v); ok {
			return t.Format("2006-01-02 15:04")
		}
	case domain.KindDate:
		if t, ok := parseTime(v); ok {
			return t.Format(time.DateOnly)
		}
	}
	return fmt.Sprint(v)
}

// cellValue converts v to the type a spreadsheet cell should hold.
func cellValue(kind domain.ColumnKind, v any) any {
	if v == nil {
		return nil
	}
	switch kind {
	case domain.KindMoney, domain.KindDecimal:
		if f, ok := toFloat(v); ok {
			return f
		}
	case domain.KindInteger:
		if i, ok := toInt(v); ok {
			return i
		}
	case domain.KindTimestamp, domain.KindDate:
		return FormatValue(kind, v)
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// FormatRows numbers rows when the descriptor asks for it and formats every
// cell for display. start is the dataset offset of rows[0].
func FormatRows(d *domain.DatasetDescriptor, rows []domain.Row, start int64) [][]string {
	cols := Columns(d)
	out := make([][]string, 0, len(rows))
	for _, r := range numberRows(d, rows, start) {
		line := make([]string, len(cols))
		for i, c := range cols {
			if i < len(r) {
				line[i] = FormatValue(c.Kind, r[i])
			}
		}
		out = append(out, line)
	}
	return out
}
