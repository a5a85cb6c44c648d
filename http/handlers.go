package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"pricewise/catalog"
	"pricewise/db"
	"pricewise/monitoring"
	"pricewise/pricing"
)

// ProductReader 商品查询
type ProductReader interface {
	ListProducts(ctx context.Context) ([]catalog.Product, error)
	FindByID(ctx context.Context, id int) (*catalog.Product, error)
}

// ModelInspector 读取当前模型及其训练历史
type ModelInspector interface {
	Model(ctx context.Context) (*pricing.ModelInfo, error)
	History(ctx context.Context, limit int) ([]db.TrainingLog, error)
}

// MetricsSource 预测指标
type MetricsSource interface {
	Summary() monitoring.Summary
}

// API HTTP处理器依赖
type API struct {
	Products  ProductReader
	Predictor pricing.Predictor
	Workflow  pricing.Workflow
	Models    ModelInspector
	Metrics   MetricsSource
	// Stream 预测事件 WebSocket，可为空
	Stream http.Handler
	Logger *zap.Logger
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RegisterHandlers 注册所有处理器
func RegisterHandlers(mux *http.ServeMux, api *API) {
	if api.Logger == nil {
		api.Logger = zap.NewNop()
	}

	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("GET /api/products", api.handleListProducts)
	mux.HandleFunc("GET /api/products/{id}", api.handleGetProduct)
	mux.HandleFunc("GET /api/products/predict", api.handlePredict)
	mux.HandleFunc("GET /api/products/mlaction", api.handleMLAction)
	mux.HandleFunc("GET /api/products/model", api.handleModel)
	mux.HandleFunc("GET /api/products/model/log", api.handleModelLog)
	if api.Metrics != nil {
		mux.HandleFunc("GET /api/metrics", api.handleMetrics)
	}
	if api.Stream != nil {
		mux.Handle("GET /api/ws/predictions", api.Stream)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.Products.ListProducts(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "id must be an integer"})
		return
	}

	product, err := a.Products.FindByID(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if product == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "product_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, product)
}

// handlePredict GET /api/products/predict?id=1&name=Widget
func (a *API) handlePredict(w http.ResponseWriter, r *http.Request) {
	id, name, ok := productParams(w, r)
	if !ok {
		return
	}

	prediction, err := a.Predictor.Predict(r.Context(), id, name)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, prediction)
}

// handleMLAction 执行完整训练流程后返回商品本身
func (a *API) handleMLAction(w http.ResponseWriter, r *http.Request) {
	id, name, ok := productParams(w, r)
	if !ok {
		return
	}

	product, err := a.Products.FindByID(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if product == nil || product.Name != name {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "product_not_found"})
		return
	}

	if _, err := pricing.RunWorkflow(r.Context(), a.Workflow, id, name); err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleModel(w http.ResponseWriter, r *http.Request) {
	info, err := a.Models.Model(r.Context())
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if info == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "model_not_found"})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// handleModelLog GET /api/products/model/log?limit=20
func (a *API) handleModelLog(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	logs, err := a.Models.History(r.Context(), limit)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.Metrics.Summary())
}

func productParams(w http.ResponseWriter, r *http.Request) (int, string, bool) {
	q := r.URL.Query()
	id, err := strconv.Atoi(q.Get("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "id must be an integer"})
		return 0, "", false
	}
	name := q.Get("name")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad_request", Message: "name is required"})
		return 0, "", false
	}
	return id, name, true
}

// writeError 按错误类别选择状态码，内部错误不向客户端暴露细节
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := pricing.ErrorKind(err)
	status := http.StatusInternalServerError
	resp := errorResponse{Error: kind}

	switch {
	case errors.Is(err, pricing.ErrProductNotFound):
		status = http.StatusNotFound
	case kind == "canceled":
		status = http.StatusServiceUnavailable
	case kind != "internal":
		resp.Message = err.Error()
	}

	a.Logger.Warn("request failed",
		zap.String("request_id", GetRequestID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.String("kind", kind),
		zap.Error(err))
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
