package ml

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"opflow/contract"
)

type MLPParams struct {
	Iterations int     `json:"iterations" validate:"gte=1"`
	Step       float64 `json:"step" validate:"gt=0"`
	Tol        float64 `json:"tol" validate:"gte=0"`
	Seed       int64   `json:"seed"`
	// Layers are the hidden layer sizes; input and output sizes come from
	// the data.
	Layers []int `json:"layers,omitempty" validate:"dive,gte=1"`
}

func parseMLPParams(params Params) (MLPParams, error) {
	r := newParamReader(string(FamilyMLP), params)
	p := MLPParams{
		Iterations: r.Int("iterations"),
		Step:       r.Float("step"),
		Tol:        r.Float("tol"),
		Seed:       r.Int64("seed"),
		Layers:     r.OptionalInts("layers"),
	}
	if err := r.Err(); err != nil {
		return MLPParams{}, err
	}
	if err := validateParams(string(FamilyMLP), p); err != nil {
		return MLPParams{}, err
	}
	return p, nil
}

// MultilayerPerceptron is a feed-forward network with sigmoid hidden layers
// and a softmax output, trained with full-batch gradient descent on the
// cross-entropy loss.
type MultilayerPerceptron struct {
	Params  MLPParams       `json:"params"`
	Scaler  *StandardScaler `json:"scaler"`
	Sizes   []int           `json:"sizes"`
	Weights [][][]float64   `json:"weights"`
	Biases  [][]float64     `json:"biases"`
}

func (m *MultilayerPerceptron) Fit(ctx context.Context, input FitInput) error {
	if len(input.Features) == 0 {
		return contract.NewError(contract.InvalidInput, "mlp: training set is empty")
	}
	if input.NumClasses < 2 {
		return contract.NewErrorf(contract.InvalidLabel, "mlp: need at least 2 label classes, got %d", input.NumClasses)
	}
	m.Scaler = &StandardScaler{}
	if err := m.Scaler.Fit(input.Features); err != nil {
		return err
	}
	x := m.Scaler.TransformAll(input.Features)
	dim := len(x[0])

	hidden := m.Params.Layers
	if len(hidden) == 0 {
		hidden = []int{dim + 1}
	}
	m.Sizes = append(append([]int{dim}, hidden...), input.NumClasses)
	m.initWeights(rand.New(rand.NewSource(m.Params.Seed)))

	gradW := make([][][]float64, len(m.Weights))
	gradB := make([][]float64, len(m.Biases))
	for l := range m.Weights {
		gradW[l] = make([][]float64, len(m.Weights[l]))
		for o := range gradW[l] {
			gradW[l][o] = make([]float64, len(m.Weights[l][o]))
		}
		gradB[l] = make([]float64, len(m.Biases[l]))
	}

	n := float64(len(x))
	prevLoss := math.Inf(1)
	for iter := 0; iter < m.Params.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for l := range gradW {
			for o := range gradW[l] {
				for j := range gradW[l][o] {
					gradW[l][o][j] = 0
				}
			}
			for o := range gradB[l] {
				gradB[l][o] = 0
			}
		}
		var loss float64
		for i, row := range x {
			loss += m.backprop(row, input.Targets[i], gradW, gradB)
		}
		loss /= n
		for l := range m.Weights {
			for o := range m.Weights[l] {
				floats.AddScaled(m.Weights[l][o], -m.Params.Step/n, gradW[l][o])
			}
			floats.AddScaled(m.Biases[l], -m.Params.Step/n, gradB[l])
		}
		if math.Abs(prevLoss-loss) <= m.Params.Tol*math.Max(loss, 1) {
			break
		}
		prevLoss = loss
	}
	return nil
}

// initWeights draws Glorot-uniform weights from rng so training is
// reproducible for a given seed.
func (m *MultilayerPerceptron) initWeights(rng *rand.Rand) {
	layers := len(m.Sizes) - 1
	m.Weights = make([][][]float64, layers)
	m.Biases = make([][]float64, layers)
	for l := 0; l < layers; l++ {
		in, out := m.Sizes[l], m.Sizes[l+1]
		limit := math.Sqrt(6 / float64(in+out))
		m.Weights[l] = make([][]float64, out)
		for o := range m.Weights[l] {
			m.Weights[l][o] = make([]float64, in)
			for j := range m.Weights[l][o] {
				m.Weights[l][o][j] = (2*rng.Float64() - 1) * limit
			}
		}
		m.Biases[l] = make([]float64, out)
	}
}

// forward returns the activations of every layer, input included.
func (m *MultilayerPerceptron) forward(row []float64) [][]float64 {
	acts := make([][]float64, len(m.Sizes))
	acts[0] = row
	last := len(m.Weights) - 1
	for l, layer := range m.Weights {
		out := make([]float64, len(layer))
		for o, w := range layer {
			out[o] = floats.Dot(w, acts[l]) + m.Biases[l][o]
		}
		if l == last {
			softmaxInPlace(out)
		} else {
			for o := range out {
				out[o] = sigmoid(out[o])
			}
		}
		acts[l+1] = out
	}
	return acts
}

// backprop accumulates one row's gradient and returns its loss.
func (m *MultilayerPerceptron) backprop(row []float64, target int, gradW [][][]float64, gradB [][]float64) float64 {
	acts := m.forward(row)
	out := acts[len(acts)-1]
	loss := -math.Log(math.Max(out[target], 1e-15))

	delta := make([]float64, len(out))
	copy(delta, out)
	delta[target]--

	for l := len(m.Weights) - 1; l >= 0; l-- {
		for o, d := range delta {
			floats.AddScaled(gradW[l][o], d, acts[l])
			gradB[l][o] += d
		}
		if l == 0 {
			break
		}
		prev := make([]float64, m.Sizes[l])
		for o, d := range delta {
			floats.AddScaled(prev, d, m.Weights[l][o])
		}
		for j, a := range acts[l] {
			prev[j] *= a * (1 - a)
		}
		delta = prev
	}
	return loss
}

func (m *MultilayerPerceptron) Predict(features []float64) (int, float64, error) {
	if m.Scaler == nil || len(m.Weights) == 0 {
		return 0, 0, errors.New("model not trained")
	}
	if len(features) != m.Sizes[0] {
		return 0, 0, fmt.Errorf("expected %d features, got %d", m.Sizes[0], len(features))
	}
	acts := m.forward(m.Scaler.Transform(features))
	out := acts[len(acts)-1]
	best := floats.MaxIdx(out)
	return best, out[best], nil
}

type mlpAdapter struct{}

func (mlpAdapter) Family() Family {
	return FamilyMLP
}

func (mlpAdapter) NewClassifier(params Params) (Classifier, error) {
	p, err := parseMLPParams(params)
	if err != nil {
		return nil, err
	}
	return &MultilayerPerceptron{Params: p}, nil
}

func (mlpAdapter) EmptyClassifier() Classifier {
	return &MultilayerPerceptron{}
}

func (mlpAdapter) IndexesLabels() bool {
	return true
}
