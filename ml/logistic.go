package ml

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"opflow/contract"
)

type LogisticParams struct {
	Iterations      int     `json:"iterations" validate:"gte=0"`
	RegParam        float64 `json:"reg_param" validate:"gte=0"`
	ElasticNetParam float64 `json:"elastic_net_param" validate:"gte=0,lte=1"`
	Tol             float64 `json:"tol" validate:"gte=0"`
	FitIntercept    bool    `json:"fit_intercept"`
	Threshold       float64 `json:"threshold" validate:"gte=0,lte=1"`
}

func parseLogisticParams(family Family, params Params) (LogisticParams, error) {
	r := newParamReader(string(family), params)
	p := LogisticParams{
		Iterations:      r.Int("iterations"),
		RegParam:        r.Float("regParam"),
		ElasticNetParam: r.Float("elasticNetParam"),
		Tol:             r.Float("tol"),
		FitIntercept:    r.Bool("fitIntercept"),
		Threshold:       r.Float("threshold"),
	}
	if err := r.Err(); err != nil {
		return LogisticParams{}, err
	}
	if err := validateParams(string(family), p); err != nil {
		return LogisticParams{}, err
	}
	return p, nil
}

// LogisticRegression fits a binomial model when there are at most two classes
// and a multinomial (softmax) model otherwise. Features are standardized
// internally; the elastic net penalty applies to coefficients only.
type LogisticRegression struct {
	Params       LogisticParams  `json:"params"`
	Scaler       *StandardScaler `json:"scaler"`
	Coefficients [][]float64     `json:"coefficients"`
	Intercepts   []float64       `json:"intercepts"`
	Multinomial  bool            `json:"multinomial"`
	NumClasses   int             `json:"num_classes"`
}

func (m *LogisticRegression) Fit(ctx context.Context, input FitInput) error {
	if len(input.Features) == 0 {
		return contract.NewError(contract.InvalidInput, "logistic regression: training set is empty")
	}
	m.Scaler = &StandardScaler{}
	if err := m.Scaler.Fit(input.Features); err != nil {
		return err
	}
	x := m.Scaler.TransformAll(input.Features)
	dim := len(x[0])

	m.NumClasses = input.NumClasses
	m.Multinomial = input.NumClasses > 2
	rows := 1
	if m.Multinomial {
		rows = input.NumClasses
	}
	m.Coefficients = make([][]float64, rows)
	for k := range m.Coefficients {
		m.Coefficients[k] = make([]float64, dim)
	}
	m.Intercepts = make([]float64, rows)

	l2 := m.Params.RegParam * (1 - m.Params.ElasticNetParam)
	l1 := m.Params.RegParam * m.Params.ElasticNetParam
	lipschitz := 0.25
	if m.Multinomial {
		lipschitz = 0.5
	}
	lr := 1 / (lipschitz*float64(dim+1) + l2)

	gradW := make([][]float64, rows)
	for k := range gradW {
		gradW[k] = make([]float64, dim)
	}
	gradB := make([]float64, rows)
	prevLoss := math.Inf(1)

	for iter := 0; iter < m.Params.Iterations; iter++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		loss := m.gradient(x, input.Targets, gradW, gradB)
		for k := range m.Coefficients {
			loss += l2/2*floats.Dot(m.Coefficients[k], m.Coefficients[k]) + l1*floats.Norm(m.Coefficients[k], 1)
			floats.AddScaled(gradW[k], l2, m.Coefficients[k])
			floats.AddScaled(m.Coefficients[k], -lr, gradW[k])
			if l1 > 0 {
				softThreshold(m.Coefficients[k], lr*l1)
			}
			if m.Params.FitIntercept {
				m.Intercepts[k] -= lr * gradB[k]
			}
		}
		if math.Abs(prevLoss-loss) <= m.Params.Tol*math.Max(math.Abs(loss), 1) {
			break
		}
		prevLoss = loss
	}
	return nil
}

// gradient fills the mean log-loss gradient and returns the mean loss.
func (m *LogisticRegression) gradient(x [][]float64, targets []int, gradW [][]float64, gradB []float64) float64 {
	for k := range gradW {
		for j := range gradW[k] {
			gradW[k][j] = 0
		}
		gradB[k] = 0
	}
	n := float64(len(x))
	var loss float64
	probs := make([]float64, len(m.Coefficients))
	for i, row := range x {
		if !m.Multinomial {
			p := sigmoid(floats.Dot(m.Coefficients[0], row) + m.Intercepts[0])
			y := float64(targets[i])
			loss -= y*math.Log(math.Max(p, 1e-15)) + (1-y)*math.Log(math.Max(1-p, 1e-15))
			floats.AddScaled(gradW[0], p-y, row)
			gradB[0] += p - y
			continue
		}
		m.softmax(row, probs)
		loss -= math.Log(math.Max(probs[targets[i]], 1e-15))
		for k, p := range probs {
			d := p
			if k == targets[i] {
				d--
			}
			floats.AddScaled(gradW[k], d, row)
			gradB[k] += d
		}
	}
	for k := range gradW {
		floats.Scale(1/n, gradW[k])
		gradB[k] /= n
	}
	return loss / n
}

func (m *LogisticRegression) softmax(row []float64, out []float64) {
	for k := range m.Coefficients {
		out[k] = floats.Dot(m.Coefficients[k], row) + m.Intercepts[k]
	}
	softmaxInPlace(out)
}

func (m *LogisticRegression) Predict(features []float64) (int, float64, error) {
	if m.Scaler == nil || len(m.Coefficients) == 0 {
		return 0, 0, errors.New("model not trained")
	}
	if len(features) != len(m.Coefficients[0]) {
		return 0, 0, fmt.Errorf("expected %d features, got %d", len(m.Coefficients[0]), len(features))
	}
	row := m.Scaler.Transform(features)
	if !m.Multinomial {
		p := sigmoid(floats.Dot(m.Coefficients[0], row) + m.Intercepts[0])
		if p > m.Params.Threshold && m.NumClasses > 1 {
			return 1, p, nil
		}
		return 0, 1 - p, nil
	}
	probs := make([]float64, len(m.Coefficients))
	m.softmax(row, probs)
	best := floats.MaxIdx(probs)
	return best, probs[best], nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func softmaxInPlace(v []float64) {
	maxV := floats.Max(v)
	var sum float64
	for k := range v {
		v[k] = math.Exp(v[k] - maxV)
		sum += v[k]
	}
	floats.Scale(1/sum, v)
}

// logisticAdapter serves both logistic families; they differ only in the
// family tag their artifacts carry.
type logisticAdapter struct {
	family Family
}

func (a logisticAdapter) Family() Family {
	return a.family
}

func (a logisticAdapter) NewClassifier(params Params) (Classifier, error) {
	p, err := parseLogisticParams(a.family, params)
	if err != nil {
		return nil, err
	}
	return &LogisticRegression{Params: p}, nil
}

func (logisticAdapter) EmptyClassifier() Classifier {
	return &LogisticRegression{}
}

func (logisticAdapter) IndexesLabels() bool {
	return true
}
