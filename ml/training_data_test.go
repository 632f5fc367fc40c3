package ml

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opflow/contract"
	"opflow/pipeline"
)

func TestBuildSampleSet(t *testing.T) {
	ds := pipeline.NewDataset(
		pipeline.Column{Name: "f1", Type: pipeline.TypeInt},
		pipeline.Column{Name: "f2", Type: pipeline.TypeDouble},
		pipeline.Column{Name: "y", Type: pipeline.TypeString},
	)
	require.NoError(t, ds.Append(int64(1), 2.0, "a"))
	require.NoError(t, ds.Append(int64(3), 4.0, "b"))

	set, err := BuildSampleSet(ds, Condition{
		Features: []pipeline.ColumnSelector{pipeline.ByIndex(1), pipeline.ByName("f1")},
		Label:    pipeline.ByName("y"),
	})
	require.NoError(t, err)
	assert.True(t, set.Labeled())
	assert.Equal(t, []string{"f2", "f1"}, set.FeatureNames)
	assert.Equal(t, [][]float64{{2, 1}, {4, 3}}, set.FeatureMatrix())
	assert.Equal(t, []pipeline.Value{"a", "b"}, set.LabelValues())

	set, err = BuildSampleSet(ds, Condition{Features: []pipeline.ColumnSelector{pipeline.ByIndex(0)}})
	require.NoError(t, err)
	assert.False(t, set.Labeled())
	assert.Nil(t, set.Samples[0].Label)
}

func TestBuildSampleSetRejectsStringFeature(t *testing.T) {
	ds := pipeline.NewDataset(pipeline.Column{Name: "name", Type: pipeline.TypeString})
	require.NoError(t, ds.Append("x"))

	_, err := BuildSampleSet(ds, Condition{Features: []pipeline.ColumnSelector{pipeline.ByName("name")}})
	assert.True(t, errors.Is(err, contract.ErrNonNumericColumn))

	_, err = BuildSampleSet(ds, Condition{})
	assert.True(t, errors.Is(err, contract.ErrMissingParameter))
}

func TestBinaryTargets(t *testing.T) {
	targets, err := binaryTargets([]pipeline.Value{int64(0), 1.0, true})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 1}, targets)

	_, err = binaryTargets([]pipeline.Value{int64(2)})
	assert.True(t, errors.Is(err, contract.ErrInvalidLabel))

	_, err = binaryTargets([]pipeline.Value{"yes"})
	assert.True(t, errors.Is(err, contract.ErrInvalidLabel))
}
