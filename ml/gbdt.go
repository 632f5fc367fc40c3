package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"opflow/contract"
)

type GBDTParams struct {
	Iterations          int     `json:"iterations" validate:"gte=1"`
	Step                float64 `json:"step" validate:"gt=0,lte=1"`
	MaxDepth            int     `json:"max_depth" validate:"gte=1,lte=30"`
	MinInstancesPerNode int     `json:"min_instances_per_node" validate:"gte=1"`
	Seed                int64   `json:"seed"`
}

func parseGBDTParams(params Params) (GBDTParams, error) {
	r := newParamReader(string(FamilyGBDT), params)
	p := GBDTParams{
		Iterations:          r.Int("iterations"),
		Step:                r.Float("step"),
		MaxDepth:            r.Int("maxDepth"),
		MinInstancesPerNode: r.Int("minInstancesPerNode"),
		Seed:                r.Int64("seed"),
	}
	if err := r.Err(); err != nil {
		return GBDTParams{}, err
	}
	if err := validateParams(string(FamilyGBDT), p); err != nil {
		return GBDTParams{}, err
	}
	return p, nil
}

// GBDT is a binary gradient-boosted ensemble of regression trees under
// logistic loss. Targets are mapped to -1/+1; the raw score F predicts class
// 1 when positive.
type GBDT struct {
	Params      GBDTParams        `json:"params"`
	Trees       []*RegressionTree `json:"trees"`
	TreeWeights []float64         `json:"tree_weights"`
}

func (m *GBDT) Fit(ctx context.Context, input FitInput) error {
	if input.NumClasses != 2 {
		return contract.NewErrorf(contract.InvalidLabel, "gbdt: binary classification needs exactly 2 label classes, got %d", input.NumClasses)
	}
	if len(input.Features) == 0 {
		return contract.NewError(contract.InvalidInput, "gbdt: training set is empty")
	}
	dim := len(input.Features[0])
	rng := rand.New(rand.NewSource(m.Params.Seed))
	config := TreeConfig{
		MaxDepth:            m.Params.MaxDepth,
		MinInstancesPerNode: m.Params.MinInstancesPerNode,
		FeatureOrder:        rng.Perm(dim),
	}

	labels := make([]float64, len(input.Targets))
	for i, t := range input.Targets {
		labels[i] = 2*float64(t) - 1
	}
	scores := make([]float64, len(labels))
	residuals := make([]float64, len(labels))
	m.Trees = m.Trees[:0]
	m.TreeWeights = m.TreeWeights[:0]

	for iter := 0; iter < m.Params.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		weight := m.Params.Step
		if iter == 0 {
			weight = 1
			copy(residuals, labels)
		} else {
			for i, y := range labels {
				residuals[i] = 4 * y / (1 + math.Exp(2*y*scores[i]))
			}
		}
		tree := &RegressionTree{}
		if err := tree.Train(input.Features, residuals, config); err != nil {
			return err
		}
		for i, x := range input.Features {
			v, err := tree.Predict(x)
			if err != nil {
				return err
			}
			scores[i] += weight * v
		}
		m.Trees = append(m.Trees, tree)
		m.TreeWeights = append(m.TreeWeights, weight)
	}
	return nil
}

// Validate checks a decoded ensemble before it is used.
func (m *GBDT) Validate() error {
	if len(m.Trees) == 0 {
		return errors.New("ensemble has no trees")
	}
	if len(m.TreeWeights) != len(m.Trees) {
		return fmt.Errorf("ensemble has %d trees but %d weights", len(m.Trees), len(m.TreeWeights))
	}
	for i, tree := range m.Trees {
		if tree == nil {
			return fmt.Errorf("tree %d is missing", i)
		}
		if err := tree.Validate(); err != nil {
			return fmt.Errorf("tree %d: %w", i, err)
		}
	}
	return nil
}

// Score returns the ensemble's raw margin for one row.
func (m *GBDT) Score(features []float64) (float64, error) {
	if len(m.Trees) == 0 {
		return 0, errors.New("model not trained")
	}
	var score float64
	for i, tree := range m.Trees {
		v, err := tree.Predict(features)
		if err != nil {
			return 0, err
		}
		score += m.TreeWeights[i] * v
	}
	return score, nil
}

func (m *GBDT) Predict(features []float64) (int, float64, error) {
	score, err := m.Score(features)
	if err != nil {
		return 0, 0, err
	}
	p := 1 / (1 + math.Exp(-2*score))
	if score > 0 {
		return 1, p, nil
	}
	return 0, 1 - p, nil
}

type gbdtAdapter struct{}

func (gbdtAdapter) Family() Family {
	return FamilyGBDT
}

func (gbdtAdapter) NewClassifier(params Params) (Classifier, error) {
	p, err := parseGBDTParams(params)
	if err != nil {
		return nil, err
	}
	return &GBDT{Params: p}, nil
}

func (gbdtAdapter) EmptyClassifier() Classifier {
	return &GBDT{}
}

func (gbdtAdapter) IndexesLabels() bool {
	return true
}
