package main

import (
	"context"
	"fmt"
	"sort"

	"opflow/contract"
	"opflow/ml"
	"opflow/pipeline"
)

// ClassScore is the precision and recall of one label value.
type ClassScore struct {
	Label     string  `json:"label"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	Support   int     `json:"support"`
}

// EvaluationReport 模型评估结果
type EvaluationReport struct {
	Family   ml.Family    `json:"family"`
	Samples  int          `json:"samples"`
	Accuracy float64      `json:"accuracy"`
	Classes  []ClassScore `json:"classes"`
}

// evaluateModel scores the model saved at modelPath on a labelled dataset,
// selecting columns with the same condition it was trained with.
func evaluateModel(ctx context.Context, session pipeline.Session, family ml.Family, modelPath, dataURL string, cond ml.Condition) (EvaluationReport, error) {
	if !cond.Labeled() {
		return EvaluationReport{}, contract.NewError(contract.MissingParameter, "evaluation needs a label column")
	}
	model, err := ml.LoadModel(family, modelPath)
	if err != nil {
		return EvaluationReport{}, err
	}
	ds, err := session.ReadCSV(ctx, dataURL)
	if err != nil {
		return EvaluationReport{}, err
	}
	out, err := ml.Predict(ctx, model, ds, cond)
	if err != nil {
		return EvaluationReport{}, err
	}
	report, err := scorePredictions(out)
	if err != nil {
		return EvaluationReport{}, err
	}
	report.Family = family
	return report, nil
}

// scorePredictions compares the prediction column with the label column of
// a prediction result.
func scorePredictions(out *pipeline.Dataset) (EvaluationReport, error) {
	predCol, err := out.Schema.Resolve(pipeline.ByName(ml.PredictionColumn))
	if err != nil {
		return EvaluationReport{}, err
	}
	labelCol, err := out.Schema.Resolve(pipeline.ByName(ml.LabelColumn))
	if err != nil {
		return EvaluationReport{}, fmt.Errorf("prediction result has no label column: %w", err)
	}

	var report EvaluationReport
	if out.Len() == 0 {
		return report, nil
	}

	var correct int
	truePositive := make(map[string]int)
	predictedPositive := make(map[string]int)
	actualPositive := make(map[string]int)

	for _, row := range out.Rows {
		predicted := pipeline.FormatValue(row[predCol])
		actual := pipeline.FormatValue(row[labelCol])
		predictedPositive[predicted]++
		actualPositive[actual]++
		if predicted == actual {
			correct++
			truePositive[actual]++
		}
	}

	report.Samples = out.Len()
	report.Accuracy = float64(correct) / float64(out.Len())

	labels := make([]string, 0, len(actualPositive))
	seen := make(map[string]bool)
	for _, m := range []map[string]int{actualPositive, predictedPositive} {
		for label := range m {
			if !seen[label] {
				seen[label] = true
				labels = append(labels, label)
			}
		}
	}
	sort.Strings(labels)
	for _, label := range labels {
		score := ClassScore{Label: label, Support: actualPositive[label]}
		if predictedPositive[label] > 0 {
			score.Precision = float64(truePositive[label]) / float64(predictedPositive[label])
		}
		if actualPositive[label] > 0 {
			score.Recall = float64(truePositive[label]) / float64(actualPositive[label])
		}
		report.Classes = append(report.Classes, score)
	}
	return report, nil
}
