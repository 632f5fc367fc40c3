package ml

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opflow/contract"
	"opflow/pipeline"
)

// separableDataset is split by the line x1 = x2, so a linear model without
// intercept can fit it too.
func separableDataset(t *testing.T) *pipeline.Dataset {
	t.Helper()
	ds := pipeline.NewDataset(
		pipeline.Column{Name: "x1", Type: pipeline.TypeDouble},
		pipeline.Column{Name: "x2", Type: pipeline.TypeDouble},
		pipeline.Column{Name: "y", Type: pipeline.TypeInt},
	)
	rows := [][3]float64{
		{5, 1, 1}, {6, 2, 1}, {7, 1, 1}, {8, 3, 1},
		{1, 5, 0}, {2, 6, 0}, {1, 7, 0}, {3, 8, 0},
	}
	for _, r := range rows {
		require.NoError(t, ds.Append(r[0], r[1], int64(r[2])))
	}
	return ds
}

func familyParams(family Family) Params {
	switch family {
	case FamilySVM:
		return NewParams(map[string]any{"iterations": 20.0, "step": 1.0, "regParam": 0.01, "regType": "l2", "convergenceTol": 0.001})
	case FamilyGBDT:
		return NewParams(map[string]any{"iterations": 5.0, "step": 0.1, "maxDepth": 3.0, "minInstancesPerNode": 1.0, "seed": 7.0})
	case FamilyLRBinary, FamilyLRMulticlass:
		return NewParams(map[string]any{"iterations": 100.0, "regParam": 0.0, "elasticNetParam": 0.0, "tol": 1e-6, "fitIntercept": "True", "threshold": 0.5})
	default:
		return NewParams(map[string]any{"iterations": 300.0, "step": 0.5, "tol": 1e-9, "seed": 1.0, "layers": []any{4.0}})
	}
}

func featureSelectors() []pipeline.ColumnSelector {
	return []pipeline.ColumnSelector{pipeline.ByName("x1"), pipeline.ByName("x2")}
}

func TestTrainPredictAllFamilies(t *testing.T) {
	ctx := context.Background()
	for _, family := range Families() {
		t.Run(string(family), func(t *testing.T) {
			ds := separableDataset(t)
			model, err := Train(ctx, family, ds, Condition{
				Features: featureSelectors(),
				Label:    pipeline.ByName("y"),
				Params:   familyParams(family),
			})
			require.NoError(t, err)

			out, err := Predict(ctx, model, ds, Condition{Features: featureSelectors()})
			require.NoError(t, err)
			assert.Equal(t, []string{PredictionColumn}, out.Schema.ColumnNames())
			assert.Equal(t, ds.Len(), out.Len())

			labeled, err := Predict(ctx, model, ds, Condition{Features: featureSelectors(), Label: pipeline.ByName("y")})
			require.NoError(t, err)
			assert.Equal(t, []string{PredictionColumn, LabelColumn}, labeled.Schema.ColumnNames())
			assert.Equal(t, ds.Len(), labeled.Len())
		})
	}
}

// xorDataset cannot be split by one line or one threshold.
func xorDataset(t *testing.T) *pipeline.Dataset {
	t.Helper()
	ds := pipeline.NewDataset(
		pipeline.Column{Name: "x1", Type: pipeline.TypeDouble},
		pipeline.Column{Name: "x2", Type: pipeline.TypeDouble},
		pipeline.Column{Name: "y", Type: pipeline.TypeInt},
	)
	rows := [][3]float64{
		{1, 1, 0}, {2, 1.5, 0}, {1.5, 2.5, 0}, {8, 8, 0},
		{1, 8, 1}, {2.5, 7, 1}, {8, 1, 1}, {7, 2.5, 1},
	}
	for _, r := range rows {
		require.NoError(t, ds.Append(r[0], r[1], int64(r[2])))
	}
	return ds
}

func TestTrainPredictAllFamiliesOnXOR(t *testing.T) {
	for _, family := range Families() {
		t.Run(string(family), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			ds := xorDataset(t)
			cond := Condition{Features: featureSelectors(), Label: pipeline.ByName("y"), Params: familyParams(family)}
			model, err := Train(ctx, family, ds, cond)
			require.NoError(t, err)
			out, err := Predict(ctx, model, ds, cond)
			require.NoError(t, err)
			assert.Equal(t, ds.Len(), out.Len())

			if family == FamilyGBDT {
				for i, row := range out.Rows {
					assert.Equal(t, float64(ds.Rows[i][2].(int64)), row[0], "row %d", i)
				}
			}
		})
	}
}

func TestLoadModelRejectsCorruptTree(t *testing.T) {
	ds := xorDataset(t)
	cond := Condition{Features: featureSelectors(), Label: pipeline.ByName("y"), Params: familyParams(FamilyGBDT)}
	model, err := Train(context.Background(), FamilyGBDT, ds, cond)
	require.NoError(t, err)

	gbdt := model.Classifier.(*GBDT)
	root := &gbdt.Trees[0].Nodes[0]
	require.False(t, root.IsLeaf)
	root.LeftChild = 0

	dir := t.TempDir()
	require.NoError(t, model.Save(dir))
	_, err = LoadModel(FamilyGBDT, dir)
	assert.True(t, errors.Is(err, contract.ErrArtifactLoad))
}

func TestLinearAndTreeModelsFitSeparableData(t *testing.T) {
	ctx := context.Background()
	for _, family := range []Family{FamilySVM, FamilyGBDT, FamilyLRBinary} {
		t.Run(string(family), func(t *testing.T) {
			ds := separableDataset(t)
			cond := Condition{Features: featureSelectors(), Label: pipeline.ByName("y"), Params: familyParams(family)}
			model, err := Train(ctx, family, ds, cond)
			require.NoError(t, err)

			out, err := Predict(ctx, model, ds, cond)
			require.NoError(t, err)
			for i, row := range out.Rows {
				assert.Equal(t, float64(ds.Rows[i][2].(int64)), row[0], "row %d", i)
				assert.Equal(t, ds.Rows[i][2], row[1])
			}
		})
	}
}

func TestLogisticMulticlass(t *testing.T) {
	ds := pipeline.NewDataset(
		pipeline.Column{Name: "x1", Type: pipeline.TypeDouble},
		pipeline.Column{Name: "x2", Type: pipeline.TypeDouble},
		pipeline.Column{Name: "kind", Type: pipeline.TypeString},
	)
	for _, r := range []struct {
		x1, x2 float64
		kind   string
	}{
		{0, 0, "low"}, {0.5, 0.2, "low"}, {0.2, 0.4, "low"},
		{5, 5, "mid"}, {5.5, 5.2, "mid"}, {5.1, 4.8, "mid"},
		{10, 0, "high"}, {10.5, 0.3, "high"}, {9.8, 0.1, "high"},
	} {
		require.NoError(t, ds.Append(r.x1, r.x2, r.kind))
	}
	params := familyParams(FamilyLRMulticlass)
	params["iterations"] = 500.0
	cond := Condition{Features: featureSelectors(), Label: pipeline.ByName("kind"), Params: params}

	model, err := Train(context.Background(), FamilyLRMulticlass, ds, cond)
	require.NoError(t, err)
	lr := model.Classifier.(*LogisticRegression)
	assert.True(t, lr.Multinomial)
	assert.Equal(t, pipeline.TypeString, model.PredictionType())

	out, err := Predict(context.Background(), model, ds, cond)
	require.NoError(t, err)
	for i, row := range out.Rows {
		assert.Equal(t, ds.Rows[i][2], row[0], "row %d", i)
	}
}

func TestBoolLabelsPredictBools(t *testing.T) {
	ds := separableDataset(t)
	ds.Schema.Columns[2].Type = pipeline.TypeBool
	for _, row := range ds.Rows {
		row[2] = row[2].(int64) == 1
	}
	cond := Condition{Features: featureSelectors(), Label: pipeline.ByName("y"), Params: familyParams(FamilyGBDT)}
	model, err := Train(context.Background(), FamilyGBDT, ds, cond)
	require.NoError(t, err)
	assert.Equal(t, pipeline.TypeBool, model.PredictionType())

	out, err := Predict(context.Background(), model, ds, cond)
	require.NoError(t, err)
	for i, row := range out.Rows {
		assert.Equal(t, ds.Rows[i][2], row[0], "row %d", i)
	}
}

func TestTrainValidatesBeforeFitting(t *testing.T) {
	ds := separableDataset(t)

	params := familyParams(FamilySVM)
	params["regParam"] = "abc"
	_, err := Train(context.Background(), FamilySVM, ds, Condition{Features: featureSelectors(), Label: pipeline.ByName("y"), Params: params})
	assert.True(t, errors.Is(err, contract.ErrParameterType))

	_, err = Train(context.Background(), FamilySVM, ds, Condition{Features: featureSelectors(), Params: familyParams(FamilySVM)})
	assert.True(t, errors.Is(err, contract.ErrMissingParameter))

	_, err = Train(context.Background(), FamilyGBDT, ds, Condition{
		Features: []pipeline.ColumnSelector{pipeline.ByIndex(9)},
		Label:    pipeline.ByName("y"),
		Params:   familyParams(FamilyGBDT),
	})
	assert.True(t, errors.Is(err, contract.ErrInvalidColumn))
}

func TestSVMRejectsNonBinaryLabels(t *testing.T) {
	ds := separableDataset(t)
	ds.Rows[0][2] = int64(2)
	_, err := Train(context.Background(), FamilySVM, ds, Condition{Features: featureSelectors(), Label: pipeline.ByName("y"), Params: familyParams(FamilySVM)})
	assert.True(t, errors.Is(err, contract.ErrInvalidLabel))
}

func TestGBDTNeedsTwoClasses(t *testing.T) {
	ds := separableDataset(t)
	for _, row := range ds.Rows {
		row[2] = int64(1)
	}
	_, err := Train(context.Background(), FamilyGBDT, ds, Condition{Features: featureSelectors(), Label: pipeline.ByName("y"), Params: familyParams(FamilyGBDT)})
	assert.True(t, errors.Is(err, contract.ErrInvalidLabel))
}

func TestPredictRejectsUnseenLabel(t *testing.T) {
	ds := separableDataset(t)
	cond := Condition{Features: featureSelectors(), Label: pipeline.ByName("y"), Params: familyParams(FamilyGBDT)}
	model, err := Train(context.Background(), FamilyGBDT, ds, cond)
	require.NoError(t, err)

	ds.Rows[3][2] = int64(7)
	_, err = Predict(context.Background(), model, ds, cond)
	assert.True(t, errors.Is(err, contract.ErrInvalidLabel))
}

func TestPredictFeatureCountMismatch(t *testing.T) {
	ds := separableDataset(t)
	cond := Condition{Features: featureSelectors(), Label: pipeline.ByName("y"), Params: familyParams(FamilySVM)}
	model, err := Train(context.Background(), FamilySVM, ds, cond)
	require.NoError(t, err)

	_, err = Predict(context.Background(), model, ds, Condition{Features: []pipeline.ColumnSelector{pipeline.ByName("x1")}})
	assert.True(t, errors.Is(err, contract.ErrInvalidColumn))
}

func TestSaveLoadModel(t *testing.T) {
	ds := separableDataset(t)
	cond := Condition{Features: featureSelectors(), Label: pipeline.ByName("y"), Params: familyParams(FamilyGBDT)}
	model, err := Train(context.Background(), FamilyGBDT, ds, cond)
	require.NoError(t, err)

	dir := t.TempDir()
	require.NoError(t, model.Save(dir))

	loaded, err := LoadModel(FamilyGBDT, dir)
	require.NoError(t, err)
	assert.Equal(t, model.NumFeatures, loaded.NumFeatures)
	assert.Equal(t, model.Labels.Labels, loaded.Labels.Labels)

	want, err := Predict(context.Background(), model, ds, cond)
	require.NoError(t, err)
	got, err := Predict(context.Background(), loaded, ds, cond)
	require.NoError(t, err)
	assert.Equal(t, want.Rows, got.Rows)

	_, err = LoadModel(FamilySVM, dir)
	assert.True(t, errors.Is(err, contract.ErrArtifactLoad))

	_, err = LoadModel(FamilyGBDT, t.TempDir())
	assert.True(t, errors.Is(err, contract.ErrArtifactLoad))

	_, err = LoadModel(Family("forest"), dir)
	assert.True(t, errors.Is(err, contract.ErrUnknownModelFamily))
}
