package pipeline

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ParseCSV 读取带表头的CSV并推断列类型
//
// Files that are not valid UTF-8 are decoded as GBK, which is what spreadsheet
// exports on zh-CN systems produce.
func ParseCSV(r io.Reader) (*Dataset, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if !utf8.Valid(raw) {
		decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(raw), simplifiedchinese.GBK.NewDecoder()))
		if err != nil {
			return nil, fmt.Errorf("decode gbk csv: %w", err)
		}
		raw = decoded
	}

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("csv has no header")
	}

	header := records[0]
	body := records[1:]
	for i, rec := range body {
		if len(rec) != len(header) {
			return nil, fmt.Errorf("csv line %d has %d fields, header has %d", i+2, len(rec), len(header))
		}
	}

	columns := make([]Column, len(header))
	for i, name := range header {
		columns[i] = Column{Name: strings.TrimSpace(name), Type: inferColumnType(body, i)}
	}

	ds := NewDataset(columns...)
	ds.Rows = make([]Row, len(body))
	for r, rec := range body {
		row := make(Row, len(columns))
		for c, cell := range rec {
			row[c] = convertCell(cell, columns[c].Type)
		}
		ds.Rows[r] = row
	}
	return ds, nil
}

// WriteCSVTo 写出CSV（空值写为空串）
func WriteCSVTo(w io.Writer, ds *Dataset) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(ds.Schema.ColumnNames()); err != nil {
		return err
	}
	record := make([]string, len(ds.Schema.Columns))
	for _, row := range ds.Rows {
		for i, v := range row {
			record[i] = FormatValue(v)
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}

// FormatValue 单元格转文本
func FormatValue(v Value) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case int64:
		return strconv.FormatInt(value, 10)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(value)
	default:
		return fmt.Sprint(value)
	}
}

// inferColumnType widens int -> double -> string; booleans only stay boolean
// when every non-empty cell is a boolean literal.
func inferColumnType(records [][]string, col int) ColumnType {
	sawValue := false
	isInt, isDouble, isBool := true, true, true
	for _, rec := range records {
		cell := strings.TrimSpace(rec[col])
		if cell == "" {
			continue
		}
		sawValue = true
		if isInt {
			if _, err := strconv.ParseInt(cell, 10, 64); err != nil {
				isInt = false
			}
		}
		if isDouble {
			if f, err := strconv.ParseFloat(cell, 64); err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
				isDouble = false
			}
		}
		if isBool {
			lower := strings.ToLower(cell)
			if lower != "true" && lower != "false" {
				isBool = false
			}
		}
		if !isInt && !isDouble && !isBool {
			return TypeString
		}
	}
	switch {
	case !sawValue:
		return TypeString
	case isInt:
		return TypeInt
	case isDouble:
		return TypeDouble
	case isBool:
		return TypeBool
	default:
		return TypeString
	}
}

func convertCell(cell string, t ColumnType) Value {
	trimmed := strings.TrimSpace(cell)
	if trimmed == "" {
		return nil
	}
	switch t {
	case TypeInt:
		v, _ := strconv.ParseInt(trimmed, 10, 64)
		return v
	case TypeDouble:
		v, _ := strconv.ParseFloat(trimmed, 64)
		return v
	case TypeBool:
		return strings.ToLower(trimmed) == "true"
	default:
		return cell
	}
}
