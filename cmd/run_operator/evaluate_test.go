package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opflow/ml"
	"opflow/pipeline"
)

func TestScorePredictions(t *testing.T) {
	out := pipeline.NewDataset(
		pipeline.Column{Name: ml.PredictionColumn, Type: pipeline.TypeDouble},
		pipeline.Column{Name: ml.LabelColumn, Type: pipeline.TypeInt},
	)
	require.NoError(t, out.Append(1.0, int64(1)))
	require.NoError(t, out.Append(1.0, int64(0)))
	require.NoError(t, out.Append(0.0, int64(0)))
	require.NoError(t, out.Append(0.0, int64(0)))

	report, err := scorePredictions(out)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Samples)
	assert.InDelta(t, 0.75, report.Accuracy, 1e-9)
	require.Len(t, report.Classes, 2)

	zero, one := report.Classes[0], report.Classes[1]
	assert.Equal(t, "0", zero.Label)
	assert.InDelta(t, 1.0, zero.Precision, 1e-9)
	assert.InDelta(t, 2.0/3.0, zero.Recall, 1e-9)
	assert.Equal(t, "1", one.Label)
	assert.InDelta(t, 0.5, one.Precision, 1e-9)
	assert.InDelta(t, 1.0, one.Recall, 1e-9)
}

func TestScorePredictionsNeedsLabels(t *testing.T) {
	out := pipeline.NewDataset(pipeline.Column{Name: ml.PredictionColumn, Type: pipeline.TypeDouble})
	_, err := scorePredictions(out)
	assert.Error(t, err)
}

func TestReadCondition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cond.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"features":["a"],"label":"b","iterations":"5"}`), 0o600))

	cond, err := readCondition("@" + path)
	require.NoError(t, err)
	assert.Len(t, cond.Features, 1)
	assert.True(t, cond.Labeled())
	assert.Equal(t, "5", cond.Params["iterations"])

	_, err = readCondition("[1]")
	assert.Error(t, err)
}

func TestEvaluateModel(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	data := filepath.Join(dir, "train.csv")
	require.NoError(t, os.WriteFile(data, []byte("x,y\n0,0\n1,0\n9,1\n10,1\n"), 0o600))

	session := pipeline.NewLocalSession(nil)
	ds, err := session.ReadCSV(ctx, data)
	require.NoError(t, err)
	cond := ml.Condition{
		Features: []pipeline.ColumnSelector{pipeline.ByName("x")},
		Label:    pipeline.ByName("y"),
		Params: ml.NewParams(map[string]any{
			"iterations": 5.0, "step": 0.5, "maxDepth": 2.0, "minInstancesPerNode": 1.0, "seed": 1.0,
		}),
	}
	model, err := ml.Train(ctx, ml.FamilyGBDT, ds, cond)
	require.NoError(t, err)
	modelDir := filepath.Join(dir, "model")
	require.NoError(t, os.MkdirAll(modelDir, 0o755))
	require.NoError(t, model.Save(modelDir))

	report, err := evaluateModel(ctx, session, ml.FamilyGBDT, modelDir, data, cond)
	require.NoError(t, err)
	assert.Equal(t, ml.FamilyGBDT, report.Family)
	assert.Equal(t, 4, report.Samples)
	assert.InDelta(t, 1.0, report.Accuracy, 1e-9)
}
