package ml

import (
	"context"

	"opflow/contract"
	"opflow/pipeline"
)

// Output column names of a prediction dataset.
const (
	PredictionColumn = "prediction"
	LabelColumn      = "label"
)

// Train fits a family's model on ds. Hyperparameters and feature columns are
// checked before any fitting starts. Training always needs a label column.
func Train(ctx context.Context, family Family, ds *pipeline.Dataset, cond Condition) (*Model, error) {
	adapter, err := AdapterFor(family)
	if err != nil {
		return nil, err
	}
	clf, err := adapter.NewClassifier(cond.Params)
	if err != nil {
		return nil, err
	}
	if !cond.Labeled() {
		return nil, contract.NewErrorf(contract.MissingParameter, "%s: training needs a label column", family)
	}
	set, err := BuildSampleSet(ds, cond)
	if err != nil {
		return nil, err
	}
	if len(set.Samples) == 0 {
		return nil, contract.NewErrorf(contract.InvalidInput, "%s: training set is empty", family)
	}

	model := &Model{
		Family:       family,
		NumFeatures:  len(set.FeatureNames),
		FeatureNames: set.FeatureNames,
		Classifier:   clf,
	}
	input := FitInput{Features: set.FeatureMatrix()}
	labels := set.LabelValues()
	if adapter.IndexesLabels() {
		model.Labels, err = FitLabelIndexer(labels, set.LabelColumn.Type)
		if err != nil {
			return nil, err
		}
		input.Targets = make([]int, len(labels))
		for i, v := range labels {
			if input.Targets[i], err = model.Labels.Index(v); err != nil {
				return nil, err
			}
		}
		input.NumClasses = model.Labels.NumClasses()
	} else {
		if input.Targets, err = binaryTargets(labels); err != nil {
			return nil, err
		}
		input.NumClasses = 2
	}

	if err := clf.Fit(ctx, input); err != nil {
		return nil, err
	}
	return model, nil
}

// Predict runs model over ds. The result has a prediction column and, when
// the condition names a label, the label column copied through. Labels are
// checked against the trained label index so an unseen label fails the run.
func Predict(ctx context.Context, model *Model, ds *pipeline.Dataset, cond Condition) (*pipeline.Dataset, error) {
	set, err := BuildSampleSet(ds, cond)
	if err != nil {
		return nil, err
	}
	if len(set.FeatureNames) != model.NumFeatures {
		return nil, contract.NewErrorf(contract.InvalidColumn,
			"%s model expects %d features, condition selects %d", model.Family, model.NumFeatures, len(set.FeatureNames))
	}

	columns := []pipeline.Column{{Name: PredictionColumn, Type: model.PredictionType()}}
	if set.Labeled() {
		columns = append(columns, pipeline.Column{Name: LabelColumn, Type: set.LabelColumn.Type})
	}
	out := pipeline.NewDataset(columns...)
	out.Rows = make([]pipeline.Row, 0, len(set.Samples))

	for i, sample := range set.Samples {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		prediction, err := model.PredictValue(sample.Features)
		if err != nil {
			return nil, contract.NewErrorWith(contract.Execution, "predict", err)
		}
		if !set.Labeled() {
			out.Rows = append(out.Rows, pipeline.Row{prediction})
			continue
		}
		if model.Labels != nil {
			if _, err := model.Labels.Index(sample.Label); err != nil {
				return nil, err
			}
		}
		out.Rows = append(out.Rows, pipeline.Row{prediction, sample.Label})
	}
	return out, nil
}
