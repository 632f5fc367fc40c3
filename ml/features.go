package ml

import (
	"strconv"

	"opflow/contract"
	"opflow/pipeline"
)

// Extract returns the row's values at the selected columns, in selector
// order. Values are returned as stored; no coercion happens here.
func Extract(row pipeline.Row, schema pipeline.Schema, selectors []pipeline.ColumnSelector) ([]pipeline.Value, error) {
	values := make([]pipeline.Value, len(selectors))
	for i, sel := range selectors {
		col, err := schema.Resolve(sel)
		if err != nil {
			return nil, err
		}
		if col >= len(row) {
			return nil, contract.NewErrorf(contract.InvalidColumn, "row has no column %s", sel)
		}
		values[i] = row[col]
	}
	return values, nil
}

// Vectorize converts extracted values into a dense feature vector.
func Vectorize(values []pipeline.Value, selectors []pipeline.ColumnSelector) ([]float64, error) {
	vector := make([]float64, len(values))
	for i, v := range values {
		f, ok := ToFloat(v)
		if !ok {
			name := "#" + strconv.Itoa(i)
			if i < len(selectors) {
				name = selectors[i].String()
			}
			return nil, contract.NewErrorf(contract.NonNumericColumn, "feature %s has non-numeric value %v", name, v)
		}
		vector[i] = f
	}
	return vector, nil
}

// ToFloat converts a numeric cell. Booleans count as 0 and 1.
func ToFloat(v pipeline.Value) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
