package ml

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// StandardScaler centers each feature on its training mean and divides by the
// sample standard deviation. Constant features map to 0.
type StandardScaler struct {
	Means []float64 `json:"means"`
	Stds  []float64 `json:"stds"`
}

func (s *StandardScaler) Fit(features [][]float64) error {
	if len(features) == 0 {
		return errors.New("features is empty")
	}
	dim := len(features[0])
	s.Means = make([]float64, dim)
	s.Stds = make([]float64, dim)
	column := make([]float64, len(features))
	for j := 0; j < dim; j++ {
		for i, row := range features {
			if len(row) != dim {
				return fmt.Errorf("row %d has %d features, expected %d", i, len(row), dim)
			}
			column[i] = row[j]
		}
		if len(column) == 1 {
			s.Means[j] = column[0]
			continue
		}
		s.Means[j], s.Stds[j] = stat.MeanStdDev(column, nil)
	}
	return nil
}

// Transform returns a scaled copy of x.
func (s *StandardScaler) Transform(x []float64) []float64 {
	out := make([]float64, len(x))
	for j, v := range x {
		if j >= len(s.Stds) || s.Stds[j] == 0 {
			continue
		}
		out[j] = (v - s.Means[j]) / s.Stds[j]
	}
	return out
}

func (s *StandardScaler) TransformAll(features [][]float64) [][]float64 {
	out := make([][]float64, len(features))
	for i, row := range features {
		out[i] = s.Transform(row)
	}
	return out
}
