// Package exporter writes license keys and activations as CSV or XLSX
// spreadsheets for the admin API and the licensectl CLI.
//
// Rows are built once as a Table and then rendered by format:
//
//	t := exporter.KeysTable(keys)
//	err := exporter.Write(w, exporter.FormatXLSX, t)
//
// CSV output starts with a UTF-8 byte order mark so spreadsheet tools detect
// the encoding. XLSX output is produced with a streaming writer.
package exporter
