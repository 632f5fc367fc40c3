package ml

import (
	"context"

	"opflow/pipeline"
)

type Family string

const (
	FamilySVM          Family = "svm"
	FamilyGBDT         Family = "gbdt"
	FamilyLRBinary     Family = "lr"
	FamilyLRMulticlass Family = "lr_multiple"
	FamilyMLP          Family = "mpc"
)

// Families lists every supported family in a stable order.
func Families() []Family {
	return []Family{FamilySVM, FamilyGBDT, FamilyLRBinary, FamilyLRMulticlass, FamilyMLP}
}

// Stage is the artifact namespace a family's models are saved under.
func (f Family) Stage() string {
	switch f {
	case FamilyLRMulticlass, FamilyMLP:
		return "multiclass"
	default:
		return "binary"
	}
}

func (f Family) DisplayName() string {
	switch f {
	case FamilySVM:
		return "支持向量机二分类"
	case FamilyGBDT:
		return "GBDT二分类"
	case FamilyLRBinary:
		return "逻辑回归二分类"
	case FamilyLRMulticlass:
		return "逻辑回归多分类"
	case FamilyMLP:
		return "多层感知机多分类"
	default:
		return string(f)
	}
}

// FitInput is what a classifier trains on: dense feature rows and 0-based
// class targets. For families without label indexing the targets are the raw
// 0/1 labels.
type FitInput struct {
	Features   [][]float64
	Targets    []int
	NumClasses int
}

// Classifier is one family's fitted model state. Implementations must be
// JSON-serializable: the artifact stores them verbatim.
type Classifier interface {
	Fit(ctx context.Context, input FitInput) error
	Predict(features []float64) (int, float64, error)
}

// Adapter knows how to build a family's classifier from validated
// hyperparameters and how the family treats labels.
type Adapter interface {
	Family() Family
	// NewClassifier decodes and validates hyperparameters. It runs before any
	// data is read so a doomed run fails without spending compute.
	NewClassifier(params Params) (Classifier, error)
	// EmptyClassifier returns a zero value to decode a saved model into.
	EmptyClassifier() Classifier
	// IndexesLabels reports whether labels go through a LabelIndexer.
	IndexesLabels() bool
}

// Model bundles a fitted classifier with everything prediction needs to stay
// consistent with training.
type Model struct {
	Family       Family
	NumFeatures  int
	FeatureNames []string
	Labels       *LabelIndexer
	Classifier   Classifier
}

// PredictValue predicts one row and maps the class back to a label value.
func (m *Model) PredictValue(features []float64) (pipeline.Value, error) {
	class, _, err := m.Classifier.Predict(features)
	if err != nil {
		return nil, err
	}
	if m.Labels == nil {
		return float64(class), nil
	}
	return m.Labels.Label(class)
}

// PredictionType is the column type of the prediction column.
func (m *Model) PredictionType() pipeline.ColumnType {
	switch {
	case m.Labels == nil || m.Labels.Numeric:
		return pipeline.TypeDouble
	case m.Labels.Bool:
		return pipeline.TypeBool
	default:
		return pipeline.TypeString
	}
}
