package executor

import (
	"strings"

	"opflow/contract"
)

type InputKind string

const (
	InputData  InputKind = "data"
	InputModel InputKind = "model"
)

// RunInput is one input resource of an invocation.
type RunInput struct {
	Kind InputKind `json:"kind" validate:"required,oneof=data model"`
	URL  string    `json:"url" validate:"required"`
}

func DataInput(url string) RunInput {
	return RunInput{Kind: InputData, URL: url}
}

func ModelInput(url string) RunInput {
	return RunInput{Kind: InputModel, URL: url}
}

// InputsFromURLs tags untyped urls the legacy way: a url ending in .csv is
// data, anything else is a model directory.
func InputsFromURLs(urls []string) []RunInput {
	inputs := make([]RunInput, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		if strings.HasSuffix(strings.ToLower(u), ".csv") {
			inputs = append(inputs, DataInput(u))
		} else {
			inputs = append(inputs, ModelInput(u))
		}
	}
	return inputs
}

// splitInputs returns the single data url and, when present, the single
// model url.
func splitInputs(inputs []RunInput) (data string, model string, err error) {
	var dataURLs, modelURLs []string
	for _, in := range inputs {
		switch in.Kind {
		case InputData:
			dataURLs = append(dataURLs, in.URL)
		case InputModel:
			modelURLs = append(modelURLs, in.URL)
		default:
			return "", "", contract.NewErrorf(contract.InvalidInput, "unknown input kind %q", in.Kind)
		}
	}
	if len(dataURLs) != 1 {
		return "", "", contract.NewErrorf(contract.InvalidInput, "expected exactly one data input, got %d", len(dataURLs))
	}
	if len(modelURLs) > 1 {
		return "", "", contract.NewErrorf(contract.InvalidInput, "expected at most one model input, got %d", len(modelURLs))
	}
	if len(modelURLs) == 1 {
		model = modelURLs[0]
	}
	return dataURLs[0], model, nil
}
