package ml

import (
	"sort"
	"strconv"

	"opflow/contract"
	"opflow/pipeline"
)

// LabelIndexer maps label values to dense class indices. Labels are compared
// by their text form; the most frequent label gets index 0 and ties are broken
// by ascending text, so fitting the same column twice yields the same mapping.
type LabelIndexer struct {
	Labels  []string `json:"labels"`
	Numeric bool     `json:"numeric"`
	Bool    bool     `json:"bool,omitempty"`

	index map[string]int
}

// FitLabelIndexer builds an indexer from a label column of type typ. A null
// label is an error.
func FitLabelIndexer(values []pipeline.Value, typ pipeline.ColumnType) (*LabelIndexer, error) {
	counts := make(map[string]int)
	for i, v := range values {
		if v == nil {
			return nil, contract.NewErrorf(contract.InvalidLabel, "label is empty at row %d", i+1)
		}
		counts[pipeline.FormatValue(v)]++
	}
	labels := make([]string, 0, len(counts))
	for label := range counts {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		ci, cj := counts[labels[i]], counts[labels[j]]
		if ci != cj {
			return ci > cj
		}
		return labels[i] < labels[j]
	})
	li := &LabelIndexer{
		Labels:  labels,
		Numeric: typ == pipeline.TypeInt || typ == pipeline.TypeDouble,
		Bool:    typ == pipeline.TypeBool,
	}
	li.buildIndex()
	return li, nil
}

func (li *LabelIndexer) buildIndex() {
	li.index = make(map[string]int, len(li.Labels))
	for i, label := range li.Labels {
		li.index[label] = i
	}
}

func (li *LabelIndexer) NumClasses() int {
	return len(li.Labels)
}

// Index returns the class index of a label value.
func (li *LabelIndexer) Index(v pipeline.Value) (int, error) {
	if li.index == nil {
		li.buildIndex()
	}
	if v == nil {
		return 0, contract.NewError(contract.InvalidLabel, "label is empty")
	}
	key := pipeline.FormatValue(v)
	i, ok := li.index[key]
	if !ok {
		return 0, contract.NewErrorf(contract.InvalidLabel, "label %q was not seen during training", key)
	}
	return i, nil
}

// Label maps a class index back to the label value: float64 for numeric
// label columns, bool for boolean ones and text otherwise.
func (li *LabelIndexer) Label(i int) (pipeline.Value, error) {
	if i < 0 || i >= len(li.Labels) {
		return nil, contract.NewErrorf(contract.Execution, "class index %d out of range (%d classes)", i, len(li.Labels))
	}
	label := li.Labels[i]
	if li.Bool {
		if b, err := strconv.ParseBool(label); err == nil {
			return b, nil
		}
		return label, nil
	}
	if !li.Numeric {
		return label, nil
	}
	f, err := strconv.ParseFloat(label, 64)
	if err != nil {
		return label, nil
	}
	return f, nil
}
