package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pricewise/catalog"
	"pricewise/db"
	"pricewise/ml"
	"pricewise/monitoring"
	"pricewise/pricing"
)

type fakeProducts struct {
	products []catalog.Product
	err      error
}

func (f *fakeProducts) ListProducts(ctx context.Context) ([]catalog.Product, error) {
	return f.products, f.err
}

func (f *fakeProducts) FindByID(ctx context.Context, id int) (*catalog.Product, error) {
	if f.err != nil {
		return nil, f.err
	}
	for _, p := range f.products {
		if p.ID == id {
			p := p
			return &p, nil
		}
	}
	return nil, nil
}

type fakePredictor struct {
	value float32
	err   error
	calls int
}

func (f *fakePredictor) Predict(ctx context.Context, id int, name string) (ml.Prediction, error) {
	f.calls++
	return ml.Prediction{Value: f.value}, f.err
}

type fakeModels struct {
	info      *pricing.ModelInfo
	logs      []db.TrainingLog
	err       error
	lastLimit int
}

func (f *fakeModels) Model(ctx context.Context) (*pricing.ModelInfo, error) {
	return f.info, f.err
}

func (f *fakeModels) History(ctx context.Context, limit int) ([]db.TrainingLog, error) {
	f.lastLimit = limit
	return f.logs, f.err
}

type fakeMetrics struct{}

func (fakeMetrics) Summary() monitoring.Summary {
	return monitoring.Summary{Predictions: 3}
}

func newTestHandler(p *fakePredictor) http.Handler {
	products := &fakeProducts{products: []catalog.Product{
		{ID: 1, Name: "Widget", Price: 10, Quantity: 5},
		{ID: 2, Name: "Widget", Price: 20, Quantity: 2},
	}}
	api := &API{
		Products:  products,
		Predictor: p,
		Workflow:  pricing.NewWorkflow(p, nil),
		Models:    &fakeModels{},
		Metrics:   fakeMetrics{},
	}
	return NewServer(DefaultServerConfig(), api, nil).Handler()
}

func doGet(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthHandler(t *testing.T) {
	w := doGet(t, newTestHandler(&fakePredictor{}), "/api/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestHandlePredict(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		predictor  *fakePredictor
		wantStatus int
		wantBody   string
		wantCalls  int
	}{
		{
			name:       "ok",
			target:     "/api/products/predict?id=1&name=Widget",
			predictor:  &fakePredictor{value: 10.5},
			wantStatus: http.StatusOK,
			wantBody:   `{"value":10.5}`,
			wantCalls:  1,
		},
		{
			name:       "bad id",
			target:     "/api/products/predict?id=abc&name=Widget",
			predictor:  &fakePredictor{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing name",
			target:     "/api/products/predict?id=1",
			predictor:  &fakePredictor{},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "not found",
			target:     "/api/products/predict?id=9&name=Widget",
			predictor:  &fakePredictor{err: errors.Wrap(pricing.ErrProductNotFound, "id=9")},
			wantStatus: http.StatusNotFound,
			wantBody:   `{"error":"product_not_found"}`,
			wantCalls:  1,
		},
		{
			name:       "training failure",
			target:     "/api/products/predict?id=1&name=Widget",
			predictor:  &fakePredictor{err: &ml.TrainingFailure{Mode: ml.ModeFineTune, Epoch: 2, Cause: errors.New("nan")}},
			wantStatus: http.StatusInternalServerError,
			wantCalls:  1,
		},
		{
			name:       "internal error hides details",
			target:     "/api/products/predict?id=1&name=Widget",
			predictor:  &fakePredictor{err: errors.New("secret dsn leaked")},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"error":"internal"}`,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doGet(t, newTestHandler(tt.predictor), tt.target)
			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, w.Body.String())
			}
			assert.Equal(t, tt.wantCalls, tt.predictor.calls)
		})
	}
}

func TestHandlePredictTrainingFailureKind(t *testing.T) {
	p := &fakePredictor{err: &ml.TrainingFailure{Mode: ml.ModeColdTrain, Epoch: 4, Cause: errors.New("inf")}}
	w := doGet(t, newTestHandler(p), "/api/products/predict?id=1&name=Widget")

	var body errorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "training_failure", body.Error)
	assert.NotEmpty(t, body.Message)
}

func TestProductEndpoints(t *testing.T) {
	h := newTestHandler(&fakePredictor{})

	w := doGet(t, h, "/api/products")
	require.Equal(t, http.StatusOK, w.Code)
	var products []catalog.Product
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &products))
	assert.Len(t, products, 2)

	w = doGet(t, h, "/api/products/2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":2,"name":"Widget","price":20,"quantity":2}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, doGet(t, h, "/api/products/99").Code)
	assert.Equal(t, http.StatusBadRequest, doGet(t, h, "/api/products/x").Code)
}

func TestHandleMLAction(t *testing.T) {
	p := &fakePredictor{value: 3}
	h := newTestHandler(p)

	w := doGet(t, h, "/api/products/mlaction?id=1&name=Widget")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"id":1,"name":"Widget","price":10,"quantity":5}`, w.Body.String())
	assert.Equal(t, 1, p.calls)

	w = doGet(t, h, "/api/products/mlaction?id=1&name=Gadget")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, 1, p.calls)
}

func TestHandleModel(t *testing.T) {
	api := &API{
		Products:  &fakeProducts{},
		Predictor: &fakePredictor{},
		Workflow:  pricing.NewWorkflow(&fakePredictor{}, nil),
		Models:    &fakeModels{},
	}
	mux := http.NewServeMux()
	RegisterHandlers(mux, api)

	assert.Equal(t, http.StatusNotFound, doGet(t, mux, "/api/products/model").Code)

	api.Models = &fakeModels{info: &pricing.ModelInfo{
		Name:       "Pricing_Model",
		Version:    "3",
		Size:       16,
		Parameters: &ml.Parameters{Weights: []float32{1}, Bias: []float32{0}},
	}}
	w := doGet(t, mux, "/api/products/model")
	require.Equal(t, http.StatusOK, w.Code)

	var info pricing.ModelInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "3", info.Version)
	require.NotNil(t, info.Parameters)
	assert.Equal(t, []float32{1}, info.Parameters.Weights)

	// 未配置指标时不注册路由
	assert.Equal(t, http.StatusNotFound, doGet(t, mux, "/api/metrics").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	w := doGet(t, newTestHandler(&fakePredictor{}), "/api/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	var s monitoring.Summary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &s))
	assert.Equal(t, int64(3), s.Predictions)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := doGet(t, h, "/")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"internal"}`, w.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	h := CORSMiddleware([]string{"https://shop.example"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))
	req := httptest.NewRequest(http.MethodOptions, "/api/products", nil)
	req.Header.Set("Origin", "https://shop.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://shop.example", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggerMiddlewareKeepsRequestID(t *testing.T) {
	var seen string
	h := LoggerMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestHandleModelLog(t *testing.T) {
	models := &fakeModels{logs: []db.TrainingLog{
		{ModelName: "Pricing_Model", Mode: "fine-tune", ProductID: 2, Prediction: 19.5, DataPoints: 1},
		{ModelName: "Pricing_Model", Mode: "cold-train", ProductID: 1, Prediction: 9.8, DataPoints: 2},
	}}
	api := &API{
		Products:  &fakeProducts{},
		Predictor: &fakePredictor{},
		Workflow:  pricing.NewWorkflow(&fakePredictor{}, nil),
		Models:    models,
	}
	mux := http.NewServeMux()
	RegisterHandlers(mux, api)

	w := doGet(t, mux, "/api/products/model/log")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 20, models.lastLimit)
	var logs []db.TrainingLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Len(t, logs, 2)
	assert.Equal(t, "fine-tune", logs[0].Mode)

	w = doGet(t, mux, "/api/products/model/log?limit=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 5, models.lastLimit)

	assert.Equal(t, http.StatusBadRequest, doGet(t, mux, "/api/products/model/log?limit=0").Code)
	assert.Equal(t, http.StatusBadRequest, doGet(t, mux, "/api/products/model/log?limit=x").Code)
}

func TestCanceledPredictionIsServiceUnavailable(t *testing.T) {
	p := &fakePredictor{err: errors.Wrap(context.Canceled, "wait for model lock")}
	w := doGet(t, newTestHandler(p), "/api/products/predict?id=1&name=Widget")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.JSONEq(t, `{"error":"canceled"}`, w.Body.String())
}
