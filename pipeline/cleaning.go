package pipeline

import (
	"opflow/contract"
)

// ColumnRule 列校验规则
type ColumnRule interface {
	Name() string
	Check(ds *Dataset, col int) error
}

// ColumnValidator runs a fixed rule set over the columns a training or
// prediction step is about to consume, so bad input fails before any compute.
type ColumnValidator struct {
	rules []ColumnRule
}

// NewColumnValidator 创建列校验器
func NewColumnValidator(rules ...ColumnRule) *ColumnValidator {
	return &ColumnValidator{rules: rules}
}

// FeatureValidator 特征列默认规则：必须为数值且不含空值
func FeatureValidator() *ColumnValidator {
	return NewColumnValidator(NumericColumnRule{}, NotNullRule{})
}

// Validate 按顺序解析每个选择器并执行全部规则
func (v *ColumnValidator) Validate(ds *Dataset, selectors []ColumnSelector) ([]int, error) {
	indices := make([]int, len(selectors))
	for i, sel := range selectors {
		col, err := ds.Schema.Resolve(sel)
		if err != nil {
			return nil, err
		}
		for _, rule := range v.rules {
			if err := rule.Check(ds, col); err != nil {
				return nil, err
			}
		}
		indices[i] = col
	}
	return indices, nil
}

// NumericColumnRule 数值列规则
type NumericColumnRule struct{}

func (NumericColumnRule) Name() string {
	return "numeric_column"
}

func (NumericColumnRule) Check(ds *Dataset, col int) error {
	column := ds.Schema.Columns[col]
	if !column.Type.Numeric() {
		return contract.NewErrorf(contract.NonNumericColumn,
			"column %q has type %s, a numeric column is required", column.Name, column.Type)
	}
	return nil
}

// NotNullRule 空值规则
type NotNullRule struct{}

func (NotNullRule) Name() string {
	return "not_null"
}

func (NotNullRule) Check(ds *Dataset, col int) error {
	for i, row := range ds.Rows {
		if row[col] == nil {
			return contract.NewErrorf(contract.NonNumericColumn,
				"column %q has an empty value on row %d", ds.Schema.Columns[col].Name, i+1)
		}
	}
	return nil
}
