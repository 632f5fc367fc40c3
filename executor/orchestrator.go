package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"opflow/contract"
	"opflow/db"
	"opflow/ml"
	"opflow/monitoring"
	"opflow/pipeline"
)

const (
	KindTrain     = "train"
	KindPredict   = "predict"
	KindTransform = "transform"

	// predictStage and transformStage are the artifact namespaces of
	// derived datasets.
	predictStage   = "predict"
	transformStage = "transform"

	predictSuccess = "预测算子执行成功"

	DefaultTimeout = 10 * time.Minute
)

// OperatorStore is the operator storage the orchestrator drives.
type OperatorStore interface {
	OperatorReader
	ClaimOperator(ctx context.Context, id string) (int, error)
	UpdateOperatorByID(ctx context.Context, id string, update db.OperatorUpdate) error
	AppendRunRecord(ctx context.Context, rec db.RunRecord) (int64, error)
}

// DataSourceResolver maps a project to its current dataset.
type DataSourceResolver interface {
	CurrentDataURL(ctx context.Context, projectID string) (string, error)
}

// EventPublisher receives operator status transitions.
type EventPublisher interface {
	PublishOperatorEvent(event monitoring.OperatorEvent)
}

// RunRecorder receives per-invocation metrics.
type RunRecorder interface {
	RecordRun(kind, family, status string, duration time.Duration)
}

// Config 执行器配置
type Config struct {
	Timeout        time.Duration `yaml:"timeout"`
	ResolverPolicy string        `yaml:"resolver_policy"`
}

// Dependencies are the collaborators an Orchestrator runs against. Events,
// Metrics and Sources are optional.
type Dependencies struct {
	Store     OperatorStore
	Sources   DataSourceResolver
	Session   pipeline.Session
	Artifacts *pipeline.ArtifactStore
	Events    EventPublisher
	Metrics   RunRecorder
}

// Result 一次运行的结果
type Result struct {
	OperatorID string            `json:"operator_id"`
	Attempt    int               `json:"attempt"`
	Kind       string            `json:"kind,omitempty"`
	Family     ml.Family         `json:"family,omitempty"`
	Status     db.OperatorStatus `json:"status"`
	ResultURL  string            `json:"result_url"`
	RunInfo    string            `json:"run_info"`
}

// URLs is the legacy return value: the result url on success, empty
// otherwise.
func (r Result) URLs() []string {
	if r.Status != db.StatusSuccess || r.ResultURL == "" {
		return []string{}
	}
	return []string{r.ResultURL}
}

// Orchestrator executes one operator invocation at a time per operator id:
// claim, dispatch to train or predict, persist, record.
type Orchestrator struct {
	deps     Dependencies
	resolver *Resolver
	logger   *zap.Logger
	timeout  atomic.Int64
	inflight sync.Map
}

func NewOrchestrator(deps Dependencies, config Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Store == nil || deps.Session == nil || deps.Artifacts == nil {
		return nil, fmt.Errorf("orchestrator needs a store, a session and an artifact store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	policy, err := ParsePolicy(config.ResolverPolicy)
	if err != nil {
		return nil, err
	}
	o := &Orchestrator{
		deps:     deps,
		resolver: NewResolver(deps.Store, policy),
		logger:   logger.Named("executor"),
	}
	o.SetTimeout(config.Timeout)
	return o, nil
}

// SetTimeout changes the per-invocation timeout for invocations that start
// afterwards. A non-positive value restores the default.
func (o *Orchestrator) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	o.timeout.Store(int64(d))
}

func (o *Orchestrator) Timeout() time.Duration {
	return time.Duration(o.timeout.Load())
}

// RunOperator executes operatorID and returns the result url, or an empty
// slice when the invocation failed. The failure is recorded on the operator.
func (o *Orchestrator) RunOperator(ctx context.Context, operatorID string, inputs []RunInput, cond ml.Condition) []string {
	res, _ := o.Run(ctx, operatorID, inputs, cond)
	return res.URLs()
}

// RunProject executes operatorID against the project's current dataset.
func (o *Orchestrator) RunProject(ctx context.Context, operatorID, projectID string, cond ml.Condition) []string {
	res, _ := o.RunForProject(ctx, operatorID, projectID, cond)
	return res.URLs()
}

// RunForProject is RunProject with the full result and error.
func (o *Orchestrator) RunForProject(ctx context.Context, operatorID, projectID string, cond ml.Condition) (Result, error) {
	return o.RunWithSource(ctx, operatorID, func(ctx context.Context) ([]RunInput, error) {
		if o.deps.Sources == nil {
			return nil, contract.NewError(contract.DataSource, "no data source resolver configured")
		}
		url, err := o.deps.Sources.CurrentDataURL(ctx, projectID)
		if err != nil {
			return nil, err
		}
		return []RunInput{DataInput(url)}, nil
	}, cond)
}

// Run is RunOperator with the full result and error.
func (o *Orchestrator) Run(ctx context.Context, operatorID string, inputs []RunInput, cond ml.Condition) (Result, error) {
	return o.RunWithSource(ctx, operatorID, func(context.Context) ([]RunInput, error) {
		return inputs, nil
	}, cond)
}

// RunWithSource claims the operator, resolves inputs through source and runs
// the body under the configured timeout. Every failure after the claim ends
// in status error with the failure text as run info.
func (o *Orchestrator) RunWithSource(ctx context.Context, operatorID string, source func(context.Context) ([]RunInput, error), cond ml.Condition) (Result, error) {
	res := Result{OperatorID: operatorID, Status: db.StatusError}
	started := time.Now()

	if _, busy := o.inflight.LoadOrStore(operatorID, struct{}{}); busy {
		err := contract.NewErrorf(contract.OperatorBusy, "operator %s is already running", operatorID)
		o.rejected(ctx, &res, started, err)
		return res, err
	}
	defer o.inflight.Delete(operatorID)

	attempt, err := o.deps.Store.ClaimOperator(ctx, operatorID)
	if err != nil {
		o.rejected(ctx, &res, started, err)
		return res, err
	}
	res.Attempt = attempt
	o.publish(res, db.StatusRunning)
	o.logger.Info("operator started", zap.String("operator", operatorID), zap.Int("attempt", attempt))

	// The body may outlive a timeout, so it works on its own copy and hands
	// it back only while the invocation is still waiting for it.
	var mu sync.Mutex
	abandoned := false
	seed := res
	runCtx, cancel := context.WithTimeout(ctx, o.Timeout())
	defer cancel()
	err = o.deps.Session.Run(runCtx, "operator "+operatorID, func(ctx context.Context) error {
		body := seed
		err := o.runBody(ctx, source, cond, &body)
		mu.Lock()
		defer mu.Unlock()
		if !abandoned {
			res = body
		}
		return err
	})
	mu.Lock()
	abandoned = true
	mu.Unlock()

	if err != nil {
		cerr := contract.AsError(err)
		res.Status = db.StatusError
		res.ResultURL = ""
		res.RunInfo = cerr.Error()
		err = cerr
	} else {
		res.Status = db.StatusSuccess
	}
	o.finish(ctx, res, started)
	return res, err
}

func (o *Orchestrator) runBody(ctx context.Context, source func(context.Context) ([]RunInput, error), cond ml.Condition, res *Result) error {
	inputs, err := source(ctx)
	if err != nil {
		return err
	}
	return o.execute(ctx, res.OperatorID, inputs, cond, res)
}

// execute dispatches by operator type.
func (o *Orchestrator) execute(ctx context.Context, operatorID string, inputs []RunInput, cond ml.Condition, res *Result) error {
	op, err := o.deps.Store.GetOperatorByID(ctx, operatorID)
	if err != nil {
		return err
	}
	dataURL, modelURL, err := splitInputs(inputs)
	if err != nil {
		return err
	}

	if family, ok := FamilyForType(op.TypeID); ok {
		res.Kind = KindTrain
		res.Family = family
		if modelURL != "" {
			return contract.NewErrorf(contract.InvalidInput, "training operator %s takes no model input", operatorID)
		}
		return o.train(ctx, family, dataURL, cond, res)
	}
	if kind, ok := TransformForType(op.TypeID); ok {
		res.Kind = KindTransform
		if modelURL != "" {
			return contract.NewErrorf(contract.InvalidInput, "transform operator %s takes no model input", operatorID)
		}
		return o.transform(ctx, kind, dataURL, cond, res)
	}
	if op.TypeID == TypePredict || modelURL != "" {
		res.Kind = KindPredict
		if modelURL == "" {
			return contract.NewErrorf(contract.InvalidInput, "prediction operator %s needs a model input", operatorID)
		}
		return o.predict(ctx, operatorID, dataURL, modelURL, cond, res)
	}
	return contract.NewErrorf(contract.InvalidInput, "operator %s has type %d, which cannot be executed here", operatorID, op.TypeID)
}

func (o *Orchestrator) train(ctx context.Context, family ml.Family, dataURL string, cond ml.Condition, res *Result) error {
	// Reject bad hyperparameters before reading any data.
	adapter, err := ml.AdapterFor(family)
	if err != nil {
		return err
	}
	if _, err := adapter.NewClassifier(cond.Params); err != nil {
		return err
	}

	ds, err := o.deps.Session.ReadCSV(ctx, dataURL)
	if err != nil {
		return err
	}
	model, err := ml.Train(ctx, family, ds, cond)
	if err != nil {
		return err
	}
	path, err := o.deps.Artifacts.SaveModel(ctx, family.Stage(), string(family), model.Save)
	if err != nil {
		return err
	}
	res.ResultURL = path
	res.RunInfo = family.DisplayName() + "算子执行成功"
	return nil
}

func (o *Orchestrator) transform(ctx context.Context, kind ml.Transform, dataURL string, cond ml.Condition, res *Result) error {
	transformer, err := ml.NewTransformer(kind, cond)
	if err != nil {
		return err
	}
	ds, err := o.deps.Session.ReadCSV(ctx, dataURL)
	if err != nil {
		return err
	}
	out, err := transformer.Apply(ctx, ds)
	if err != nil {
		return err
	}
	path, err := o.deps.Artifacts.SaveDataset(ctx, o.deps.Session, transformStage, out)
	if err != nil {
		return err
	}
	res.ResultURL = path
	res.RunInfo = kind.DisplayName() + "算子执行成功"
	return nil
}

func (o *Orchestrator) predict(ctx context.Context, operatorID, dataURL, modelURL string, cond ml.Condition, res *Result) error {
	family, err := o.resolver.ResolveFamily(ctx, operatorID)
	if err != nil {
		return err
	}
	res.Family = family
	model, err := o.loadModel(family, modelURL)
	if err != nil {
		return err
	}
	ds, err := o.deps.Session.ReadCSV(ctx, dataURL)
	if err != nil {
		return err
	}
	out, err := ml.Predict(ctx, model, ds, cond)
	if err != nil {
		return err
	}
	path, err := o.deps.Artifacts.SaveDataset(ctx, o.deps.Session, predictStage, out)
	if err != nil {
		return err
	}
	res.ResultURL = path
	res.RunInfo = predictSuccess
	return nil
}

func (o *Orchestrator) loadModel(family ml.Family, modelURL string) (*ml.Model, error) {
	path, err := pipeline.LocalPath(modelURL)
	if err != nil {
		return nil, err
	}
	v, err := o.deps.Artifacts.LoadCached(string(family)+"|"+path, func(string) (any, error) {
		return ml.LoadModel(family, path)
	})
	if err != nil {
		return nil, err
	}
	return v.(*ml.Model), nil
}

// rejected records an invocation that never got to run. The operator row is
// left alone: it belongs to whichever invocation holds it.
func (o *Orchestrator) rejected(ctx context.Context, res *Result, started time.Time, err error) {
	res.RunInfo = err.Error()
	o.logger.Warn("operator rejected", zap.String("operator", res.OperatorID), zap.Error(err))
	if contract.AsError(err).Code == contract.OperatorNotFound {
		return
	}
	o.appendRecord(ctx, *res, started)
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordRun(res.Kind, string(res.Family), string(db.StatusError), time.Since(started))
	}
}

func (o *Orchestrator) finish(ctx context.Context, res Result, started time.Time) {
	// Terminal writes must land even when the caller's context is gone.
	ctx = context.WithoutCancel(ctx)
	if err := o.deps.Store.UpdateOperatorByID(ctx, res.OperatorID, db.OperatorUpdate{
		Status:    res.Status,
		ResultURL: res.ResultURL,
		RunInfo:   res.RunInfo,
	}); err != nil {
		o.logger.Error("update operator status", zap.String("operator", res.OperatorID), zap.Error(err))
	}
	o.appendRecord(ctx, res, started)
	o.publish(res, res.Status)
	if o.deps.Metrics != nil {
		o.deps.Metrics.RecordRun(res.Kind, string(res.Family), string(res.Status), time.Since(started))
	}

	fields := []zap.Field{
		zap.String("operator", res.OperatorID),
		zap.Int("attempt", res.Attempt),
		zap.String("kind", res.Kind),
		zap.String("family", string(res.Family)),
		zap.Duration("elapsed", time.Since(started)),
	}
	if res.Status == db.StatusSuccess {
		o.logger.Info("operator succeeded", append(fields, zap.String("result_url", res.ResultURL))...)
	} else {
		o.logger.Warn("operator failed", append(fields, zap.String("run_info", res.RunInfo))...)
	}
}

func (o *Orchestrator) appendRecord(ctx context.Context, res Result, started time.Time) {
	_, err := o.deps.Store.AppendRunRecord(context.WithoutCancel(ctx), db.RunRecord{
		OperatorID: res.OperatorID,
		Attempt:    res.Attempt,
		Kind:       res.Kind,
		Family:     string(res.Family),
		Status:     res.Status,
		ResultURL:  res.ResultURL,
		RunInfo:    res.RunInfo,
		StartedAt:  started,
		FinishedAt: time.Now(),
	})
	if err != nil {
		o.logger.Error("append run record", zap.String("operator", res.OperatorID), zap.Error(err))
	}
}

func (o *Orchestrator) publish(res Result, status db.OperatorStatus) {
	if o.deps.Events == nil {
		return
	}
	event := monitoring.OperatorEvent{
		OperatorID: res.OperatorID,
		Attempt:    res.Attempt,
		Kind:       res.Kind,
		Family:     string(res.Family),
		Status:     string(status),
		Timestamp:  time.Now(),
	}
	if status.Terminal() {
		event.ResultURL = res.ResultURL
		event.RunInfo = res.RunInfo
	}
	o.deps.Events.PublishOperatorEvent(event)
}
