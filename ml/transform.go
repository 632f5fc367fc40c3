package ml

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"opflow/contract"
	"opflow/pipeline"
)

// Transform names a feature engineering step that appends derived columns to
// a dataset.
type Transform string

const (
	TransformQuantile       Transform = "quantile_discretizer"
	TransformVectorIndexer  Transform = "vector_indexer"
	TransformStandardScaler Transform = "standard_scaler"
	TransformPCA            Transform = "pca"
	TransformStringIndexer  Transform = "string_indexer"
)

// DisplayName is the operator name used in run info.
func (t Transform) DisplayName() string {
	switch t {
	case TransformQuantile:
		return "分位数离散化"
	case TransformVectorIndexer:
		return "向量索引转换"
	case TransformStandardScaler:
		return "标准化"
	case TransformPCA:
		return "降维"
	case TransformStringIndexer:
		return "标签化"
	default:
		return string(t)
	}
}

// suffix is appended to the input column name when no output name is given.
func (t Transform) suffix() string {
	switch t {
	case TransformQuantile:
		return "(分位数离散化)"
	case TransformVectorIndexer:
		return "(向量索引转换)"
	case TransformStandardScaler:
		return "(标准化)"
	case TransformStringIndexer:
		return "(标签化，按频率排序，0为频次最高)"
	default:
		return ""
	}
}

const defaultPCAColumn = "降维结果"

// TransformParams are the decoded settings of one transform invocation.
type TransformParams struct {
	Columns       []pipeline.ColumnSelector `json:"columns" validate:"min=1"`
	NewColumnName string                    `json:"new_column_name"`
	NumBuckets    int                       `json:"num_buckets" validate:"gte=2"`
	MaxCategories int                       `json:"max_categories" validate:"gte=2"`
	K             int                       `json:"k" validate:"gte=1"`
}

// Transformer applies one decoded transform.
type Transformer struct {
	kind   Transform
	params TransformParams
}

// NewTransformer decodes the condition of a transform step. Input columns come
// from condition.features, or else from the columnNames/columnName parameter.
func NewTransformer(kind Transform, cond Condition) (*Transformer, error) {
	scope := string(kind)
	r := newParamReader(scope, cond.Params)
	p := TransformParams{
		NumBuckets:    r.OptionalInt("numBuckets", 5),
		MaxCategories: r.OptionalInt("maxCategories", 20),
		K:             r.OptionalInt("k", 3),
	}
	if _, ok := r.lookup("newColumnName", false); ok {
		p.NewColumnName = r.String("newColumnName")
	}
	if err := r.Err(); err != nil {
		return nil, err
	}

	p.Columns = cond.Features
	if len(p.Columns) == 0 {
		var err error
		if p.Columns, err = columnsParam(scope, cond.Params); err != nil {
			return nil, err
		}
	}

	switch kind {
	case TransformQuantile, TransformVectorIndexer, TransformStandardScaler, TransformStringIndexer:
		if len(p.Columns) != 1 {
			return nil, contract.NewErrorf(contract.InvalidParameterValue,
				"%s: exactly one input column is required, got %d", kind, len(p.Columns))
		}
	case TransformPCA:
		if p.K >= len(p.Columns) {
			return nil, contract.NewErrorf(contract.InvalidParameterValue,
				"%s: k=%d must be smaller than the number of input columns (%d)", kind, p.K, len(p.Columns))
		}
	default:
		return nil, contract.NewErrorf(contract.InvalidInput, "unknown transform %q", kind)
	}
	if err := validateParams(scope, p); err != nil {
		return nil, err
	}
	return &Transformer{kind: kind, params: p}, nil
}

// columnsParam reads columnNames, falling back to columnName. Either may be
// a list or comma separated text; numbers select by index.
func columnsParam(scope string, params Params) ([]pipeline.ColumnSelector, error) {
	raw, ok := params["columnNames"]
	if !ok || raw == nil {
		raw = params["columnName"]
	}
	var items []any
	switch t := raw.(type) {
	case nil:
	case []any:
		items = t
	case string:
		for _, part := range strings.Split(t, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
	default:
		items = []any{t}
	}
	if len(items) == 0 {
		return nil, contract.NewErrorf(contract.MissingParameter, "%s: missing parameter columnName", scope)
	}
	out := make([]pipeline.ColumnSelector, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			out = append(out, pipeline.ByName(strings.TrimSpace(v)))
		default:
			n, ok := toInt(v)
			if !ok {
				return nil, contract.NewErrorf(contract.ParameterType, "%s: column %v is neither a name nor an index", scope, v)
			}
			out = append(out, pipeline.ByIndex(n))
		}
	}
	return out, nil
}

func (t *Transformer) Kind() Transform {
	return t.kind
}

func (t *Transformer) Params() TransformParams {
	return t.params
}

// Apply returns a copy of ds with the derived columns appended. ds is not
// modified.
func (t *Transformer) Apply(ctx context.Context, ds *pipeline.Dataset) (*pipeline.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, contract.NewErrorWith(contract.Execution, string(t.kind)+" cancelled", err)
	}
	rules := pipeline.FeatureValidator()
	if t.kind == TransformStringIndexer {
		rules = pipeline.NewColumnValidator(pipeline.NotNullRule{})
	}
	cols, err := rules.Validate(ds, t.params.Columns)
	if err != nil {
		return nil, err
	}

	var names []string
	var values [][]pipeline.Value
	switch t.kind {
	case TransformQuantile:
		names, values, err = t.quantile(ds, cols[0])
	case TransformVectorIndexer:
		names, values, err = t.vectorIndex(ds, cols[0])
	case TransformStandardScaler:
		names, values, err = t.standardScale(ds, cols[0])
	case TransformPCA:
		names, values, err = t.pca(ds, cols)
	case TransformStringIndexer:
		names, values, err = t.stringIndex(ds, cols[0])
	}
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, contract.NewErrorWith(contract.Execution, string(t.kind)+" cancelled", err)
	}
	return appendColumns(ds, names, values)
}

func (t *Transformer) outputName(ds *pipeline.Dataset, col int) string {
	if t.params.NewColumnName != "" {
		return t.params.NewColumnName
	}
	return ds.Schema.Columns[col].Name + t.kind.suffix()
}

func numericColumn(ds *pipeline.Dataset, col int) []float64 {
	out := make([]float64, len(ds.Rows))
	for i, row := range ds.Rows {
		out[i], _ = ToFloat(row[col])
	}
	return out
}

// quantile buckets values by the empirical quantiles at i/numBuckets.
// Duplicate split points collapse, so skewed columns get fewer buckets.
func (t *Transformer) quantile(ds *pipeline.Dataset, col int) ([]string, [][]pipeline.Value, error) {
	column := numericColumn(ds, col)
	if len(column) == 0 {
		return nil, nil, contract.NewError(contract.InvalidInput, "quantile_discretizer: dataset is empty")
	}
	sorted := append([]float64(nil), column...)
	sort.Float64s(sorted)

	splits := []float64{math.Inf(-1)}
	for i := 1; i < t.params.NumBuckets; i++ {
		q := stat.Quantile(float64(i)/float64(t.params.NumBuckets), stat.Empirical, sorted, nil)
		if q > splits[len(splits)-1] {
			splits = append(splits, q)
		}
	}
	splits = append(splits, math.Inf(1))

	out := make([]pipeline.Value, len(column))
	for i, v := range column {
		bucket := sort.Search(len(splits), func(j int) bool { return splits[j] > v }) - 1
		if bucket > len(splits)-2 {
			bucket = len(splits) - 2
		}
		out[i] = float64(bucket)
	}
	return []string{t.outputName(ds, col)}, [][]pipeline.Value{out}, nil
}

// vectorIndex maps a column with at most maxCategories distinct values to
// category indices. Zero always takes index 0, the rest follow in ascending
// order. Columns with more distinct values pass through unchanged.
func (t *Transformer) vectorIndex(ds *pipeline.Dataset, col int) ([]string, [][]pipeline.Value, error) {
	column := numericColumn(ds, col)
	distinct := make(map[float64]struct{})
	for _, v := range column {
		distinct[v] = struct{}{}
		if len(distinct) > t.params.MaxCategories {
			break
		}
	}

	out := make([]pipeline.Value, len(column))
	if len(distinct) > t.params.MaxCategories {
		for i, v := range column {
			out[i] = v
		}
		return []string{t.outputName(ds, col)}, [][]pipeline.Value{out}, nil
	}

	categories := make([]float64, 0, len(distinct))
	_, hasZero := distinct[0]
	for v := range distinct {
		if v != 0 {
			categories = append(categories, v)
		}
	}
	sort.Float64s(categories)
	index := make(map[float64]int, len(distinct))
	offset := 0
	if hasZero {
		index[0] = 0
		offset = 1
	}
	for i, v := range categories {
		index[v] = i + offset
	}
	for i, v := range column {
		out[i] = float64(index[v])
	}
	return []string{t.outputName(ds, col)}, [][]pipeline.Value{out}, nil
}

// standardScale divides by the sample standard deviation without centering.
// A constant column scales to 0.
func (t *Transformer) standardScale(ds *pipeline.Dataset, col int) ([]string, [][]pipeline.Value, error) {
	column := numericColumn(ds, col)
	if len(column) == 0 {
		return nil, nil, contract.NewError(contract.InvalidInput, "standard_scaler: dataset is empty")
	}
	features := make([][]float64, len(column))
	for i, v := range column {
		features[i] = []float64{v}
	}
	var scaler StandardScaler
	if err := scaler.Fit(features); err != nil {
		return nil, nil, contract.NewErrorWith(contract.Execution, "standard_scaler", err)
	}
	std := scaler.Stds[0]
	out := make([]pipeline.Value, len(column))
	for i, v := range column {
		if std == 0 {
			out[i] = 0.0
			continue
		}
		out[i] = v / std
	}
	return []string{t.outputName(ds, col)}, [][]pipeline.Value{out}, nil
}

// pca projects the selected columns onto their top k principal components.
// The components are fitted on centered data and applied to the raw rows.
// Component i lands in column <newColumnName>_i.
func (t *Transformer) pca(ds *pipeline.Dataset, cols []int) ([]string, [][]pipeline.Value, error) {
	n, d, k := ds.Len(), len(cols), t.params.K
	if n < 2 || n < k {
		return nil, nil, contract.NewErrorf(contract.InvalidInput, "pca: %d rows cannot yield %d components", n, k)
	}
	data := mat.NewDense(n, d, nil)
	for j, col := range cols {
		for i, v := range numericColumn(ds, col) {
			data.Set(i, j, v)
		}
	}
	var pc stat.PC
	if !pc.PrincipalComponents(data, nil) {
		return nil, nil, contract.NewError(contract.Execution, "pca: decomposition failed")
	}
	var vecs mat.Dense
	pc.VectorsTo(&vecs)

	var scores mat.Dense
	scores.Mul(data, vecs.Slice(0, d, 0, k))

	base := t.params.NewColumnName
	if base == "" {
		base = defaultPCAColumn
	}
	names := make([]string, k)
	values := make([][]pipeline.Value, k)
	for j := 0; j < k; j++ {
		names[j] = fmt.Sprintf("%s_%d", base, j+1)
		values[j] = make([]pipeline.Value, n)
		for i := 0; i < n; i++ {
			values[j][i] = scores.At(i, j)
		}
	}
	return names, values, nil
}

// stringIndex indexes the text form of a column by descending frequency,
// the same ordering used for label columns.
func (t *Transformer) stringIndex(ds *pipeline.Dataset, col int) ([]string, [][]pipeline.Value, error) {
	column := make([]pipeline.Value, len(ds.Rows))
	for i, row := range ds.Rows {
		column[i] = row[col]
	}
	indexer, err := FitLabelIndexer(column, pipeline.TypeString)
	if err != nil {
		return nil, nil, err
	}
	out := make([]pipeline.Value, len(column))
	for i, v := range column {
		idx, err := indexer.Index(v)
		if err != nil {
			return nil, nil, err
		}
		out[i] = float64(idx)
	}
	return []string{t.outputName(ds, col)}, [][]pipeline.Value{out}, nil
}

func appendColumns(ds *pipeline.Dataset, names []string, values [][]pipeline.Value) (*pipeline.Dataset, error) {
	columns := append([]pipeline.Column(nil), ds.Schema.Columns...)
	for _, name := range names {
		if _, err := ds.Schema.Resolve(pipeline.ByName(name)); err == nil {
			return nil, contract.NewErrorf(contract.InvalidParameterValue, "column %q already exists", name)
		}
		columns = append(columns, pipeline.Column{Name: name, Type: pipeline.TypeDouble})
	}
	out := pipeline.NewDataset(columns...)
	out.Rows = make([]pipeline.Row, len(ds.Rows))
	for i, row := range ds.Rows {
		next := make(pipeline.Row, 0, len(columns))
		next = append(next, row...)
		for _, column := range values {
			next = append(next, column[i])
		}
		out.Rows[i] = next
	}
	return out, nil
}
