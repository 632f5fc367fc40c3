package ml

import (
	"opflow/contract"
	"opflow/pipeline"
)

// Sample is one row prepared for a model. Label is nil on the unlabeled path.
type Sample struct {
	Label    pipeline.Value
	Features []float64
}

// SampleSet is a dataset projected onto the condition's feature and label
// columns.
type SampleSet struct {
	Samples      []Sample
	FeatureNames []string
	// LabelColumn is nil when the condition has no label.
	LabelColumn *pipeline.Column
}

func (s *SampleSet) Labeled() bool {
	return s.LabelColumn != nil
}

// FeatureMatrix returns the feature vectors in row order.
func (s *SampleSet) FeatureMatrix() [][]float64 {
	out := make([][]float64, len(s.Samples))
	for i, sample := range s.Samples {
		out[i] = sample.Features
	}
	return out
}

// LabelValues returns the label cells in row order.
func (s *SampleSet) LabelValues() []pipeline.Value {
	out := make([]pipeline.Value, len(s.Samples))
	for i, sample := range s.Samples {
		out[i] = sample.Label
	}
	return out
}

// BuildSampleSet validates the selected feature columns and extracts every
// row. Feature columns must be numeric and complete; this runs before any
// model compute.
func BuildSampleSet(ds *pipeline.Dataset, cond Condition) (*SampleSet, error) {
	if len(cond.Features) == 0 {
		return nil, contract.NewError(contract.MissingParameter, "features must select at least one column")
	}
	cols, err := pipeline.FeatureValidator().Validate(ds, cond.Features)
	if err != nil {
		return nil, err
	}
	set := &SampleSet{FeatureNames: make([]string, len(cols))}
	for i, col := range cols {
		set.FeatureNames[i] = ds.Schema.Columns[col].Name
	}

	labelCol := -1
	if cond.Labeled() {
		labelCol, err = ds.Schema.Resolve(cond.Label)
		if err != nil {
			return nil, err
		}
		column := ds.Schema.Columns[labelCol]
		set.LabelColumn = &column
	}

	set.Samples = make([]Sample, 0, ds.Len())
	for _, row := range ds.Rows {
		values, err := Extract(row, ds.Schema, cond.Features)
		if err != nil {
			return nil, err
		}
		vector, err := Vectorize(values, cond.Features)
		if err != nil {
			return nil, err
		}
		sample := Sample{Features: vector}
		if labelCol >= 0 {
			sample.Label = row[labelCol]
		}
		set.Samples = append(set.Samples, sample)
	}
	return set, nil
}

// binaryTargets converts raw numeric labels to 0/1 targets. Any other label
// value is rejected.
func binaryTargets(labels []pipeline.Value) ([]int, error) {
	targets := make([]int, len(labels))
	for i, v := range labels {
		f, ok := ToFloat(v)
		if !ok {
			return nil, contract.NewErrorf(contract.InvalidLabel, "label %v at row %d is not numeric", v, i+1)
		}
		switch f {
		case 0:
			targets[i] = 0
		case 1:
			targets[i] = 1
		default:
			return nil, contract.NewErrorf(contract.InvalidLabel, "label %v at row %d must be 0 or 1", v, i+1)
		}
	}
	return targets, nil
}
