package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/iancoleman/strcase"

	"opflow/contract"
	"opflow/pipeline"
)

// Params holds the hyperparameters of one invocation, keyed in lowerCamelCase.
type Params map[string]any

// NewParams normalizes keys so that reg_param, RegParam and regParam all
// address the same hyperparameter.
func NewParams(raw map[string]any) Params {
	params := make(Params, len(raw))
	for k, v := range raw {
		params[strcase.ToLowerCamel(k)] = v
	}
	return params
}

// Condition is the per-invocation parameter bundle.
type Condition struct {
	Features []pipeline.ColumnSelector
	Label    pipeline.ColumnSelector
	Params   Params
}

// Labeled reports whether the condition takes the labeled path.
func (c Condition) Labeled() bool {
	return !c.Label.IsEmpty()
}

// UnmarshalJSON reads features and label, and keeps every other key as a
// hyperparameter.
func (c *Condition) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return contract.NewErrorWith(contract.InvalidInput, "condition is not a JSON object", err)
	}
	cond := Condition{Params: Params{}}
	for key, value := range raw {
		switch strcase.ToLowerCamel(key) {
		case "features":
			if err := json.Unmarshal(value, &cond.Features); err != nil {
				return contract.NewErrorWith(contract.InvalidColumn, "features must be a list of column names or indices", err)
			}
		case "label":
			if err := json.Unmarshal(value, &cond.Label); err != nil {
				return contract.NewErrorWith(contract.InvalidColumn, "label must be a column name or index", err)
			}
		default:
			var v any
			if err := json.Unmarshal(value, &v); err != nil {
				return contract.NewErrorWith(contract.ParameterType, fmt.Sprintf("parameter %s", key), err)
			}
			cond.Params[strcase.ToLowerCamel(key)] = v
		}
	}
	*c = cond
	return nil
}

// ParseCondition decodes a JSON condition.
func ParseCondition(data []byte) (Condition, error) {
	var cond Condition
	if err := json.Unmarshal(data, &cond); err != nil {
		var cerr *contract.Error
		if errors.As(err, &cerr) {
			return Condition{}, cerr
		}
		return Condition{}, contract.NewErrorWith(contract.InvalidInput, "malformed condition", err)
	}
	return cond, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("regtype", func(fl validator.FieldLevel) bool {
		switch strings.ToLower(fl.Field().String()) {
		case "", "none", "l1", "l2":
			return true
		}
		return false
	})
	return v
}

// validateParams runs struct tag validation and converts the first failure
// into an InvalidParameterValue error.
func validateParams(scope string, params any) error {
	err := validate.Struct(params)
	if err == nil {
		return nil
	}
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		fe := verrs[0]
		return contract.NewErrorf(contract.InvalidParameterValue, "%s: parameter %s=%v violates %s",
			scope, strcase.ToLowerCamel(fe.Field()), fe.Value(), constraint(fe))
	}
	return contract.NewErrorWith(contract.InvalidParameterValue, scope, err)
}

func constraint(fe validator.FieldError) string {
	if fe.Param() == "" {
		return fe.Tag()
	}
	return fe.Tag() + "=" + fe.Param()
}

// paramReader coerces loosely typed values. The first failure sticks and
// later reads become no-ops, so a decoder can read every field and check Err
// once.
type paramReader struct {
	scope  string
	params Params
	err    error
}

func newParamReader(scope string, params Params) *paramReader {
	if params == nil {
		params = Params{}
	}
	return &paramReader{scope: scope, params: params}
}

func (r *paramReader) Err() error {
	return r.err
}

func (r *paramReader) lookup(key string, required bool) (any, bool) {
	if r.err != nil {
		return nil, false
	}
	v, ok := r.params[key]
	if !ok || v == nil {
		if required {
			r.err = contract.NewErrorf(contract.MissingParameter, "%s: missing parameter %s", r.scope, key)
		}
		return nil, false
	}
	if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
		if required {
			r.err = contract.NewErrorf(contract.MissingParameter, "%s: missing parameter %s", r.scope, key)
		}
		return nil, false
	}
	return v, true
}

func (r *paramReader) typeError(key string, v any, want string) {
	r.err = contract.NewErrorf(contract.ParameterType, "%s: parameter %s=%v is not %s", r.scope, key, v, want)
}

func (r *paramReader) Int(key string) int {
	return r.int(key, 0, true)
}

func (r *paramReader) OptionalInt(key string, def int) int {
	return r.int(key, def, false)
}

func (r *paramReader) int(key string, def int, required bool) int {
	v, ok := r.lookup(key, required)
	if !ok {
		return def
	}
	n, ok := toInt(v)
	if !ok {
		r.typeError(key, v, "an integer")
		return def
	}
	return n
}

func (r *paramReader) Int64(key string) int64 {
	v, ok := r.lookup(key, true)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		if err != nil {
			r.typeError(key, v, "an integer")
			return 0
		}
		return n
	default:
		n, ok := toInt(v)
		if !ok {
			r.typeError(key, v, "an integer")
			return 0
		}
		return int64(n)
	}
}

func (r *paramReader) Float(key string) float64 {
	v, ok := r.lookup(key, true)
	if !ok {
		return 0
	}
	f, ok := toFloat(v)
	if !ok {
		r.typeError(key, v, "a number")
		return 0
	}
	return f
}

func (r *paramReader) Bool(key string) bool {
	v, ok := r.lookup(key, true)
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		if err != nil {
			r.typeError(key, v, "a boolean")
			return false
		}
		return b
	default:
		r.typeError(key, v, "a boolean")
		return false
	}
}

func (r *paramReader) String(key string) string {
	v, ok := r.lookup(key, true)
	if !ok {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(v))
}

// OptionalInts reads a list of integers given either as a JSON array or as
// comma separated text.
func (r *paramReader) OptionalInts(key string) []int {
	v, ok := r.lookup(key, false)
	if !ok {
		return nil
	}
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case string:
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
	default:
		items = []any{v}
	}
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, ok := toInt(item)
		if !ok {
			r.typeError(key, v, "a list of integers")
			return nil
		}
		out = append(out, n)
	}
	return out
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return 0, false
		}
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		s := strings.TrimSpace(t)
		if n, err := strconv.Atoi(s); err == nil {
			return n, true
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) {
			return 0, false
		}
		return int(f), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}
