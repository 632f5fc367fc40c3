package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"opflow/contract"
	"opflow/db"
	"opflow/executor"
	"opflow/ml"
	"opflow/monitoring"
)

// Runner executes operators.
type Runner interface {
	Run(ctx context.Context, operatorID string, inputs []executor.RunInput, cond ml.Condition) (executor.Result, error)
	RunForProject(ctx context.Context, operatorID, projectID string, cond ml.Condition) (executor.Result, error)
}

// OperatorRepository is the operator storage behind the read and admin
// endpoints.
type OperatorRepository interface {
	CreateOperator(ctx context.Context, op db.Operator) error
	GetOperatorByID(ctx context.Context, id string) (*db.Operator, error)
	ListRunRecords(ctx context.Context, operatorID string, limit int) ([]db.RunRecord, error)
	SaveProject(ctx context.Context, projectID, dataDir string) error
}

// API 算子服务接口
type API struct {
	runner    Runner
	operators OperatorRepository
	hub       *monitoring.WebSocketHub
	metrics   *monitoring.MetricsCollector
	logger    *zap.Logger
	validate  *validator.Validate
}

// NewAPI 创建接口处理器. hub and metrics may be nil.
func NewAPI(runner Runner, operators OperatorRepository, hub *monitoring.WebSocketHub, metrics *monitoring.MetricsCollector, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		runner:    runner,
		operators: operators,
		hub:       hub,
		metrics:   metrics,
		logger:    logger.Named("api"),
		validate:  validator.New(),
	}
}

// Register 注册路由
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("POST /api/operators", a.handleCreateOperator)
	mux.HandleFunc("GET /api/operators/{id}", a.handleGetOperator)
	mux.HandleFunc("POST /api/operators/{id}/run", a.handleRunOperator)
	mux.HandleFunc("GET /api/operators/{id}/runs", a.handleListRuns)
	mux.HandleFunc("PUT /api/projects/{id}", a.handleSaveProject)
	if a.metrics != nil {
		mux.HandleFunc("GET /api/metrics", a.handleMetrics)
	}
	if a.hub != nil {
		mux.HandleFunc("GET /api/ws/operators", a.hub.HandleWebSocket)
	}
}

// RunRequest 算子运行请求. Inputs takes precedence over URLs; ProjectID is
// used only when neither is given.
type RunRequest struct {
	Inputs    []executor.RunInput `json:"inputs" validate:"omitempty,dive"`
	URLs      []string            `json:"urls"`
	ProjectID string              `json:"project_id"`
	Condition json.RawMessage     `json:"condition"`
}

// RunResponse 算子运行结果
type RunResponse struct {
	OperatorID string   `json:"operator_id"`
	Attempt    int      `json:"attempt"`
	Kind       string   `json:"kind,omitempty"`
	Family     string   `json:"family,omitempty"`
	Status     string   `json:"status"`
	ResultURL  string   `json:"result_url"`
	RunInfo    string   `json:"run_info"`
	URLs       []string `json:"urls"`
	RequestID  string   `json:"request_id,omitempty"`
}

// CreateOperatorRequest 算子定义
type CreateOperatorRequest struct {
	ID        string          `json:"id" validate:"required"`
	TypeID    int             `json:"operator_type_id" validate:"required"`
	ParentIDs []string        `json:"father_operator_ids"`
	Config    json.RawMessage `json:"operator_config"`
	ProjectID string          `json:"project_id"`
}

// SaveProjectRequest 项目数据目录
type SaveProjectRequest struct {
	DataDir string `json:"data_dir" validate:"required"`
}

type errorResponse struct {
	ErrorCode contract.ErrorCode `json:"error_code"`
	Message   string             `json:"message"`
	Result    *RunResponse       `json:"result,omitempty"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{"status": "ok"}
	if a.metrics != nil {
		resp["uptime"] = a.metrics.GetUptime().Round(time.Second).String()
	}
	if a.hub != nil {
		resp["websocket"] = a.hub.Stats()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req CreateOperatorRequest
	if !a.decode(w, r, &req) {
		return
	}
	config := "{}"
	if len(req.Config) > 0 && string(req.Config) != "null" {
		if !json.Valid(req.Config) {
			respondError(w, contract.NewError(contract.InvalidInput, "operator_config is not valid json"))
			return
		}
		config = string(req.Config)
	}
	op := db.Operator{
		ID:        req.ID,
		TypeID:    req.TypeID,
		ParentIDs: req.ParentIDs,
		Config:    config,
		ProjectID: req.ProjectID,
	}
	if err := a.operators.CreateOperator(r.Context(), op); err != nil {
		respondError(w, err)
		return
	}
	created, err := a.operators.GetOperatorByID(r.Context(), req.ID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

func (a *API) handleGetOperator(w http.ResponseWriter, r *http.Request) {
	op, err := a.operators.GetOperatorByID(r.Context(), r.PathValue("id"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, op)
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			respondError(w, contract.NewErrorf(contract.InvalidInput, "limit %q is not a positive integer", s))
			return
		}
		limit = n
	}
	if _, err := a.operators.GetOperatorByID(r.Context(), id); err != nil {
		respondError(w, err)
		return
	}
	records, err := a.operators.ListRunRecords(r.Context(), id, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"operator_id": id, "runs": records})
}

func (a *API) handleRunOperator(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req RunRequest
	if !a.decode(w, r, &req) {
		return
	}

	var cond ml.Condition
	if len(req.Condition) > 0 && string(req.Condition) != "null" {
		var err error
		if cond, err = ml.ParseCondition(req.Condition); err != nil {
			respondError(w, err)
			return
		}
	}

	var (
		res executor.Result
		err error
	)
	switch {
	case len(req.Inputs) > 0:
		res, err = a.runner.Run(r.Context(), id, req.Inputs, cond)
	case len(req.URLs) > 0:
		res, err = a.runner.Run(r.Context(), id, executor.InputsFromURLs(req.URLs), cond)
	case req.ProjectID != "":
		res, err = a.runner.RunForProject(r.Context(), id, req.ProjectID, cond)
	default:
		respondError(w, contract.NewError(contract.InvalidInput, "one of inputs, urls or project_id is required"))
		return
	}

	resp := RunResponse{
		OperatorID: res.OperatorID,
		Attempt:    res.Attempt,
		Kind:       res.Kind,
		Family:     string(res.Family),
		Status:     string(res.Status),
		ResultURL:  res.ResultURL,
		RunInfo:    res.RunInfo,
		URLs:       res.URLs(),
		RequestID:  GetRequestID(r.Context()),
	}
	fields := []zap.Field{zap.String("operator", id), zap.String("request_id", resp.RequestID)}
	if start := GetStartTime(r.Context()); !start.IsZero() {
		fields = append(fields, zap.Duration("elapsed", time.Since(start)))
	}
	if err != nil {
		ce := contract.AsError(err)
		a.logger.Info("operator run failed", append(fields, zap.String("code", string(ce.Code)))...)
		respondJSON(w, ce.StatusCode(), errorResponse{ErrorCode: ce.Code, Message: ce.Error(), Result: &resp})
		return
	}
	a.logger.Info("operator run finished", append(fields, zap.String("status", resp.Status))...)
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleSaveProject(w http.ResponseWriter, r *http.Request) {
	var req SaveProjectRequest
	if !a.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	if err := a.operators.SaveProject(r.Context(), id, req.DataDir); err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"project_id": id, "data_dir": req.DataDir})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		data, err := a.metrics.ExportJSON()
		if err != nil {
			respondError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(data))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(a.metrics.ExportPrometheus()))
}

// decode reads and validates a json body, answering the request itself when
// that fails.
func (a *API) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondJSON(w, http.StatusRequestEntityTooLarge, errorResponse{ErrorCode: contract.InvalidInput, Message: err.Error()})
			return false
		}
		respondError(w, contract.NewErrorWith(contract.InvalidInput, "malformed request body", err))
		return false
	}
	if err := a.validate.Struct(v); err != nil {
		respondError(w, contract.NewErrorWith(contract.InvalidInput, "invalid request", err))
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, err error) {
	ce := contract.AsError(err)
	respondJSON(w, ce.StatusCode(), errorResponse{ErrorCode: ce.Code, Message: ce.Error()})
}
