package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"licensed/pkg/contracts/domain"
)

// Format is an export file format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "csv" or "xlsx" in any case
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatCSV, FormatXLSX:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type of the format
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "text/csv; charset=utf-8"
}

// Table is a named sheet of string cells
type Table struct {
	Name    string
	Headers []string
	Rows    [][]string
}

// KeysTable lays out license keys one per row
func KeysTable(keys []domain.Key) Table {
	t := Table{
		Name: "keys",
		Headers: []string{"key", "product_id", "customer_id", "transaction_id", "status",
			"max_activations", "unlimited", "expires", "created_at"},
		Rows: make([][]string, 0, len(keys)),
	}
	for _, k := range keys {
		created := k.CreatedAt
		t.Rows = append(t.Rows, []string{
			k.Key,
			formatInt(k.ProductID),
			formatInt(k.CustomerID),
			formatInt(k.TransactionID),
			string(k.Status),
			strconv.Itoa(k.MaxActivations),
			formatBool(k.Unlimited),
			formatTime(k.Expires),
			formatTime(&created),
		})
	}
	return t
}

// ActivationsTable lays out activations one per row
func ActivationsTable(activations []domain.Activation) Table {
	t := Table{
		Name: "activations",
		Headers: []string{"id", "key", "location", "status", "activated", "deactivated",
			"version", "track", "release_id"},
		Rows: make([][]string, 0, len(activations)),
	}
	for _, a := range activations {
		activated := a.Activated
		t.Rows = append(t.Rows, []string{
			formatInt(a.ID),
			a.Key,
			a.Location,
			string(a.Status),
			formatTime(&activated),
			formatTime(a.Deactivated),
			a.Version,
			string(a.Track),
			formatInt(a.ReleaseID),
		})
	}
	return t
}

// Write renders t to w in the given format
func Write(w io.Writer, format Format, t Table) error {
	switch format {
	case FormatCSV:
		return WriteCSV(w, t)
	case FormatXLSX:
		return WriteXLSX(w, t)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

// WriteCSV writes a byte order mark, the header row and every record
func WriteCSV(w io.Writer, t Table) error {
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("failed to write BOM: %w", err)
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(t.Headers); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	for i, row := range t.Rows {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX writes a workbook with a single sheet named after the table
func WriteXLSX(w io.Writer, t Table) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := t.Name
	if sheet == "" {
		sheet = "Sheet1"
	}
	if sheet != "Sheet1" {
		if err := f.SetSheetName("Sheet1", sheet); err != nil {
			return fmt.Errorf("failed to name sheet: %w", err)
		}
	}

	sw, err := f.NewStreamWriter(sheet)
	if err != nil {
		return fmt.Errorf("failed to create stream writer: %w", err)
	}
	if len(t.Headers) > 0 {
		if err := sw.SetColWidth(1, len(t.Headers), 20); err != nil {
			return fmt.Errorf("failed to set column width: %w", err)
		}
	}

	if err := writeRow(sw, 1, t.Headers); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	for i, row := range t.Rows {
		if err := writeRow(sw, i+2, row); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	if err := sw.Flush(); err != nil {
		return fmt.Errorf("failed to flush sheet: %w", err)
	}
	return f.Write(w)
}

func writeRow(sw *excelize.StreamWriter, row int, cells []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	values := make([]interface{}, len(cells))
	for i, c := range cells {
		values[i] = c
	}
	return sw.SetRow(cell, values)
}
