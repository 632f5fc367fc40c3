package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"

	"opflow/contract"
)

type SVMParams struct {
	Iterations     int     `json:"iterations" validate:"gte=1"`
	Step           float64 `json:"step" validate:"gt=0"`
	RegParam       float64 `json:"reg_param" validate:"gte=0"`
	RegType        string  `json:"reg_type" validate:"regtype"`
	ConvergenceTol float64 `json:"convergence_tol" validate:"gte=0"`
}

func parseSVMParams(params Params) (SVMParams, error) {
	r := newParamReader(string(FamilySVM), params)
	p := SVMParams{
		Iterations:     r.Int("iterations"),
		Step:           r.Float("step"),
		RegParam:       r.Float("regParam"),
		RegType:        strings.ToLower(r.String("regType")),
		ConvergenceTol: r.Float("convergenceTol"),
	}
	if err := r.Err(); err != nil {
		return SVMParams{}, err
	}
	if err := validateParams(string(FamilySVM), p); err != nil {
		return SVMParams{}, err
	}
	return p, nil
}

// SVM is a linear support vector machine without intercept, trained with
// full-batch subgradient descent on the hinge loss.
type SVM struct {
	Params    SVMParams `json:"params"`
	Weights   []float64 `json:"weights"`
	Threshold float64   `json:"threshold"`
}

func (m *SVM) Fit(ctx context.Context, input FitInput) error {
	if len(input.Features) == 0 {
		return contract.NewError(contract.InvalidInput, "svm: training set is empty")
	}
	dim := len(input.Features[0])
	n := float64(len(input.Features))
	w := make([]float64, dim)
	prev := make([]float64, dim)
	grad := make([]float64, dim)

	for iter := 1; iter <= m.Params.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for j := range grad {
			grad[j] = 0
		}
		for i, x := range input.Features {
			y := 2*float64(input.Targets[i]) - 1
			if y*floats.Dot(w, x) < 1 {
				floats.AddScaled(grad, -y, x)
			}
		}
		floats.Scale(1/n, grad)

		copy(prev, w)
		step := m.Params.Step / math.Sqrt(float64(iter))
		switch m.Params.RegType {
		case "l2":
			floats.Scale(1-step*m.Params.RegParam, w)
			floats.AddScaled(w, -step, grad)
		case "l1":
			floats.AddScaled(w, -step, grad)
			softThreshold(w, m.Params.RegParam*step)
		default:
			floats.AddScaled(w, -step, grad)
		}

		if iter > 1 && floats.Distance(prev, w, 2) < m.Params.ConvergenceTol*math.Max(floats.Norm(w, 2), 1) {
			break
		}
	}
	m.Weights = w
	return nil
}

func (m *SVM) Predict(features []float64) (int, float64, error) {
	if len(m.Weights) == 0 {
		return 0, 0, errors.New("model not trained")
	}
	if len(features) != len(m.Weights) {
		return 0, 0, fmt.Errorf("expected %d features, got %d", len(m.Weights), len(features))
	}
	margin := floats.Dot(m.Weights, features)
	if margin > m.Threshold {
		return 1, margin, nil
	}
	return 0, margin, nil
}

func softThreshold(w []float64, shrinkage float64) {
	for j, v := range w {
		w[j] = math.Copysign(math.Max(0, math.Abs(v)-shrinkage), v)
	}
}

type svmAdapter struct{}

func (svmAdapter) Family() Family {
	return FamilySVM
}

func (svmAdapter) NewClassifier(params Params) (Classifier, error) {
	p, err := parseSVMParams(params)
	if err != nil {
		return nil, err
	}
	return &SVM{Params: p}, nil
}

func (svmAdapter) EmptyClassifier() Classifier {
	return &SVM{}
}

func (svmAdapter) IndexesLabels() bool {
	return false
}
