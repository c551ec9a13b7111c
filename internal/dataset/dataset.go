// Package dataset merges per-location batches into one tabular dataset.
package dataset

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/idealista-analytics/pipeline/internal/extract"
	"github.com/idealista-analytics/pipeline/internal/model"
)

// ErrEmptyResult is returned by Assemble when no location produced a record.
// Callers treat it as a distinct outcome, not a failure.
var ErrEmptyResult = eris.New("dataset: no records extracted")

// Table is the assembled dataset. Columns is the union of keys across Rows,
// ordered by first appearance.
type Table struct {
	Columns []string
	Rows    []model.Listing
}

// Shape returns the number of rows and columns.
func (t *Table) Shape() (rows, columns int) {
	return len(t.Rows), len(t.Columns)
}

// Assemble concatenates batches in the order given and infers the column set.
func Assemble(batches []extract.Batch) (*Table, error) {
	total := 0
	for _, b := range batches {
		total += len(b.Listings)
	}
	if total == 0 {
		zap.L().Warn("no records extracted",
			zap.String("component", "dataset"),
			zap.Int("locations", len(batches)),
		)
		return nil, ErrEmptyResult
	}

	t := &Table{Rows: make([]model.Listing, 0, total)}
	for _, b := range batches {
		t.Rows = append(t.Rows, b.Listings...)
	}
	t.Columns = inferColumns(t.Rows)

	zap.L().Info("dataset assembled",
		zap.String("component", "dataset"),
		zap.Int("rows", len(t.Rows)),
		zap.Int("columns", len(t.Columns)),
		zap.Strings("column_names", t.Columns),
	)
	return t, nil
}

func inferColumns(rows []model.Listing) []string {
	seen := make(map[string]struct{})
	var cols []string
	for _, row := range rows {
		keys := make([]string, 0, len(row))
		for k := range row {
			if _, ok := seen[k]; !ok {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			seen[k] = struct{}{}
			cols = append(cols, k)
		}
	}
	return cols
}

// Cell renders the value of column for delimited output. The second result
// is false when the record has no value (missing key or JSON null).
func Cell(row model.Listing, column string) (string, bool) {
	v, ok := row[column]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case bool:
		return strconv.FormatBool(val), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int:
		return strconv.Itoa(val), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case map[string]any, []any:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		if err := enc.Encode(val); err != nil {
			return fmt.Sprint(val), true
		}
		return string(bytes.TrimRight(buf.Bytes(), "\n")), true
	default:
		return fmt.Sprint(val), true
	}
}

// Record renders a row in column order. Absent values are empty strings.
func (t *Table) Record(i int) []string {
	out := make([]string, len(t.Columns))
	for j, col := range t.Columns {
		out[j], _ = Cell(t.Rows[i], col)
	}
	return out
}
