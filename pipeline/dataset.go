package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"

	"opflow/contract"
)

// ColumnType 列类型（读取时推断）
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeInt
	TypeDouble
	TypeBool
)

func (t ColumnType) String() string {
	switch t {
	case TypeInt:
		return "int"
	case TypeDouble:
		return "double"
	case TypeBool:
		return "boolean"
	default:
		return "string"
	}
}

// Numeric 是否可直接作为特征使用
func (t ColumnType) Numeric() bool {
	return t == TypeInt || t == TypeDouble || t == TypeBool
}

// Column 列定义
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Schema 表结构
type Schema struct {
	Columns []Column `json:"columns"`
}

// Value is one cell: int64, float64, bool, string, or nil for an empty cell.
type Value = any

// Row 一行数据，按列位置存放
type Row []Value

// Dataset 行式数据集
type Dataset struct {
	Schema Schema
	Rows   []Row
}

// NewDataset 创建空数据集
func NewDataset(columns ...Column) *Dataset {
	return &Dataset{Schema: Schema{Columns: columns}}
}

func (d *Dataset) Len() int {
	return len(d.Rows)
}

// Append 追加一行，列数必须与表结构一致
func (d *Dataset) Append(values ...Value) error {
	if len(values) != len(d.Schema.Columns) {
		return fmt.Errorf("row has %d values, schema has %d columns", len(values), len(d.Schema.Columns))
	}
	d.Rows = append(d.Rows, Row(values))
	return nil
}

// ColumnNames 列名列表
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Resolve 将列选择器解析为列位置
func (s Schema) Resolve(sel ColumnSelector) (int, error) {
	if sel.IsEmpty() {
		return -1, contract.NewError(contract.InvalidColumn, "empty column selector")
	}
	if sel.ByIndex {
		if sel.Index < 0 || sel.Index >= len(s.Columns) {
			return -1, contract.NewErrorf(contract.InvalidColumn,
				"column index %d out of range (%d columns)", sel.Index, len(s.Columns))
		}
		return sel.Index, nil
	}
	for i, c := range s.Columns {
		if c.Name == sel.Name {
			return i, nil
		}
	}
	return -1, contract.NewErrorf(contract.InvalidColumn, "column %q not found", sel.Name)
}

// ColumnSelector addresses a column either by position or by header name.
// In JSON a number selects by index, a string by name, and "" or null means
// "no column".
type ColumnSelector struct {
	Name    string
	Index   int
	ByIndex bool
}

func ByName(name string) ColumnSelector {
	return ColumnSelector{Name: name}
}

func ByIndex(index int) ColumnSelector {
	return ColumnSelector{Index: index, ByIndex: true}
}

func (s ColumnSelector) IsEmpty() bool {
	return !s.ByIndex && s.Name == ""
}

func (s ColumnSelector) String() string {
	if s.ByIndex {
		return "#" + strconv.Itoa(s.Index)
	}
	return s.Name
}

func (s *ColumnSelector) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case nil:
		*s = ColumnSelector{}
	case float64:
		if value != float64(int(value)) {
			return fmt.Errorf("column index must be an integer, got %v", value)
		}
		*s = ByIndex(int(value))
	case string:
		*s = ByName(value)
	default:
		return fmt.Errorf("invalid column selector %s", string(b))
	}
	return nil
}

func (s ColumnSelector) MarshalJSON() ([]byte, error) {
	if s.ByIndex {
		return json.Marshal(s.Index)
	}
	return json.Marshal(s.Name)
}
