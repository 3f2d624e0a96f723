package ingestion

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

var ErrUnsupportedFormat = errors.New("unsupported file format")

const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatXLSX = "xlsx"
)

// Row is one knowledge item as found in an upload. Every field may be empty.
type Row struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
	Text  string `json:"text"`
}

// DetectFormat maps a file name to a supported format by extension.
func DetectFormat(filename string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".csv":
		return FormatCSV, nil
	case ".json":
		return FormatJSON, nil
	case ".xlsx":
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filename)
	}
}

func ParseRows(format string, r io.Reader) ([]Row, error) {
	switch format {
	case FormatCSV:
		return parseCSV(r)
	case FormatJSON:
		return parseJSON(r)
	case FormatXLSX:
		return parseXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

func parseCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return rowsFromTable(records), nil
}

func parseXLSX(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, nil
	}

	records, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("read xlsx sheet %s: %w", sheets[0], err)
	}
	return rowsFromTable(records), nil
}

// rowsFromTable treats the first record as the header.
func rowsFromTable(records [][]string) []Row {
	if len(records) == 0 {
		return nil
	}

	columns := map[string]int{}
	for i, name := range records[0] {
		name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, seen := columns[name]; !seen {
			columns[name] = i
		}
	}

	cell := func(record []string, name string) string {
		i, ok := columns[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	rows := make([]Row, 0, len(records)-1)
	for _, record := range records[1:] {
		rows = append(rows, Row{
			ID:    cell(record, "id"),
			Title: cell(record, "title"),
			URL:   cell(record, "url"),
			Text:  cell(record, "text"),
		})
	}
	return rows
}

// parseJSON accepts either an array of records or an object of columns,
// where each column is an array or an index-keyed object.
func parseJSON(r io.Reader) ([]Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '[' {
		var records []map[string]any
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("decode json records: %w", err)
		}
		rows := make([]Row, 0, len(records))
		for _, rec := range records {
			rows = append(rows, rowFromRecord(rec))
		}
		return rows, nil
	}

	var columns map[string]json.RawMessage
	if err := json.Unmarshal(data, &columns); err != nil {
		return nil, fmt.Errorf("decode json columns: %w", err)
	}

	table := map[string]map[string]any{}
	keys := map[string]struct{}{}
	for name, raw := range columns {
		values, err := columnValues(raw)
		if err != nil {
			return nil, fmt.Errorf("decode json column %s: %w", name, err)
		}
		name = strings.ToLower(name)
		table[name] = values
		for k := range values {
			keys[k] = struct{}{}
		}
	}

	order := make([]string, 0, len(keys))
	for k := range keys {
		order = append(order, k)
	}
	sort.Slice(order, func(i, j int) bool {
		a, errA := strconv.Atoi(order[i])
		b, errB := strconv.Atoi(order[j])
		if errA == nil && errB == nil {
			return a < b
		}
		return order[i] < order[j]
	})

	rows := make([]Row, 0, len(order))
	for _, k := range order {
		rec := map[string]any{}
		for name, values := range table {
			rec[name] = values[k]
		}
		rows = append(rows, rowFromRecord(rec))
	}
	return rows, nil
}

func columnValues(raw json.RawMessage) (map[string]any, error) {
	var list []any
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make(map[string]any, len(list))
		for i, v := range list {
			out[strconv.Itoa(i)] = v
		}
		return out, nil
	}

	var indexed map[string]any
	if err := json.Unmarshal(raw, &indexed); err != nil {
		return nil, err
	}
	return indexed, nil
}

func rowFromRecord(rec map[string]any) Row {
	lower := make(map[string]any, len(rec))
	for k, v := range rec {
		lower[strings.ToLower(k)] = v
	}
	return Row{
		ID:    scalar(lower["id"]),
		Title: scalar(lower["title"]),
		URL:   scalar(lower["url"]),
		Text:  scalar(lower["text"]),
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
