package ml

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"pricewise/autodiff"
)

// Mode 训练模式
type Mode string

const (
	ModeFineTune  Mode = "fine-tune"
	ModeColdTrain Mode = "cold-train"
)

// EngineConfig 训练引擎配置
type EngineConfig struct {
	FineTuneEpochs        int
	FineTuneLearningRate  float32
	ColdTrainEpochs       int
	ColdTrainLearningRate float32
	// MaxStep 单次更新 lr*||g|| 的上限，超出时按比例缩小梯度，0 表示不限制
	MaxStep float64
	// Seed 冷启动权重初始化的随机种子，0 表示按时间取种
	Seed     uint64
	LogEvery int
}

// DefaultEngineConfig 默认训练配置
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		FineTuneEpochs:        50,
		FineTuneLearningRate:  1e-3,
		ColdTrainEpochs:       100,
		ColdTrainLearningRate: 1e-2,
		MaxStep:               0.25,
		LogEvery:              10,
	}
}

// EpochStats 某个 epoch 的训练状态
type EpochStats struct {
	Mode  Mode    `json:"mode"`
	Epoch int     `json:"epoch"`
	Loss  float32 `json:"loss"`
	W     float32 `json:"w"`
	B     float32 `json:"b"`
}

// EpochObserver 接收训练进度
type EpochObserver interface {
	OnEpoch(stats EpochStats)
}

// Engine 线性模型的微调与冷启动训练
type Engine struct {
	cfg      EngineConfig
	ad       autodiff.Context
	logger   *zap.Logger
	observer EpochObserver

	mu     sync.Mutex
	normal distuv.Normal
}

// NewEngine 创建训练引擎
func NewEngine(cfg EngineConfig, ad autodiff.Context, logger *zap.Logger) *Engine {
	def := DefaultEngineConfig()
	if cfg.FineTuneEpochs <= 0 {
		cfg.FineTuneEpochs = def.FineTuneEpochs
	}
	if cfg.FineTuneLearningRate <= 0 {
		cfg.FineTuneLearningRate = def.FineTuneLearningRate
	}
	if cfg.ColdTrainEpochs <= 0 {
		cfg.ColdTrainEpochs = def.ColdTrainEpochs
	}
	if cfg.ColdTrainLearningRate <= 0 {
		cfg.ColdTrainLearningRate = def.ColdTrainLearningRate
	}
	if cfg.LogEvery <= 0 {
		cfg.LogEvery = def.LogEvery
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &Engine{
		cfg:    cfg,
		ad:     ad,
		logger: logger.Named("engine"),
		normal: distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(seed, seed>>1|1)},
	}
}

// SetObserver 设置训练进度观察者，需在开始服务前调用
func (e *Engine) SetObserver(o EpochObserver) {
	e.observer = o
}

// FineTune 从已有参数出发，用单个价格样本做梯度下降微调。
// 训练目标与输入特征相同（x 预测 x）。
func (e *Engine) FineTune(existing Parameters, targetPrice float64) (Parameters, Prediction, error) {
	w, b, err := existing.Scalar()
	if err != nil {
		return Parameters{}, Prediction{}, err
	}
	x := float32(targetPrice)

	e.logger.Debug("fine-tuning started",
		zap.Float32("w", w), zap.Float32("b", b), zap.Float64("price", targetPrice))

	loss := func(g *autodiff.Graph, v []*autodiff.Node) (*autodiff.Node, error) {
		in := g.Input("x", x)
		pred, err := g.Linear(in, v[0], v[1])
		if err != nil {
			return nil, err
		}
		return g.SquaredError(pred, in)
	}

	w, b, err = e.descend(ModeFineTune, w, b, e.cfg.FineTuneEpochs, e.cfg.FineTuneLearningRate, loss)
	if err != nil {
		return Parameters{}, Prediction{}, err
	}
	return e.finish(ModeFineTune, e.cfg.FineTuneEpochs, w, b, x)
}

// ColdTrain 随机初始化参数，用同名商品的价格批量训练，再对目标价格做预测
func (e *Engine) ColdTrain(samples []float64, targetPrice float64) (Parameters, Prediction, error) {
	if len(samples) == 0 {
		return Parameters{}, Prediction{}, ErrNoSamples
	}

	batch := make([]float32, len(samples))
	for i, s := range samples {
		batch[i] = float32(s)
	}
	w := float32(e.drawWeight())
	var b float32

	e.logger.Debug("cold training started",
		zap.Int("samples", len(samples)),
		zap.Float64("min_price", floats.Min(samples)),
		zap.Float64("max_price", floats.Max(samples)),
		zap.Float32("initial_w", w))

	loss := func(g *autodiff.Graph, v []*autodiff.Node) (*autodiff.Node, error) {
		in := g.Inputs("samples", batch)
		pred, err := g.Linear(in, v[0], v[1])
		if err != nil {
			return nil, err
		}
		return g.MeanSquaredError(pred, in)
	}

	w, b, err := e.descend(ModeColdTrain, w, b, e.cfg.ColdTrainEpochs, e.cfg.ColdTrainLearningRate, loss)
	if err != nil {
		return Parameters{}, Prediction{}, err
	}
	return e.finish(ModeColdTrain, e.cfg.ColdTrainEpochs, w, b, float32(targetPrice))
}

func (e *Engine) descend(mode Mode, w, b float32, epochs int, lr float32, loss autodiff.LossFunc) (float32, float32, error) {
	for epoch := 0; epoch < epochs; epoch++ {
		res, err := e.ad.Gradients(loss,
			autodiff.Variable{Name: "W", Value: w},
			autodiff.Variable{Name: "b", Value: b})
		if err != nil {
			e.logger.Warn("gradient computation failed",
				zap.String("mode", string(mode)), zap.Int("epoch", epoch), zap.Error(err))
			return 0, 0, newTrainingFailure(mode, epoch, err)
		}
		if len(res.Gradients) != 2 {
			return 0, 0, newTrainingFailure(mode, epoch,
				errors.Newf("expected 2 gradients, got %d", len(res.Gradients)))
		}

		dw, db := res.Gradients[0], res.Gradients[1]
		if !finite(res.Loss) || !finite(dw) || !finite(db) {
			return 0, 0, newTrainingFailure(mode, epoch, errors.New("non-finite loss or gradient"))
		}
		dw, db = e.clip(lr, dw, db)

		w -= lr * dw
		b -= lr * db
		if !finite(w) || !finite(b) {
			return 0, 0, newTrainingFailure(mode, epoch, errors.New("parameters diverged"))
		}

		if epoch%e.cfg.LogEvery == 0 {
			e.logger.Debug("epoch",
				zap.String("mode", string(mode)), zap.Int("epoch", epoch),
				zap.Float32("loss", res.Loss), zap.Float32("w", w), zap.Float32("b", b))
			if e.observer != nil {
				e.observer.OnEpoch(EpochStats{Mode: mode, Epoch: epoch, Loss: res.Loss, W: w, B: b})
			}
		}
	}
	return w, b, nil
}

func (e *Engine) finish(mode Mode, epochs int, w, b, x float32) (Parameters, Prediction, error) {
	value := x*w + b
	if !finite(value) {
		return Parameters{}, Prediction{}, newTrainingFailure(mode, epochs, errors.New("non-finite prediction"))
	}
	e.logger.Debug("training completed",
		zap.String("mode", string(mode)), zap.Float32("w", w), zap.Float32("b", b), zap.Float32("prediction", value))
	return scalarParameters(w, b), Prediction{Value: value}, nil
}

// clip 仅在本步更新 lr*||g|| 超过 MaxStep 时缩放梯度，其余情况原样返回
func (e *Engine) clip(lr, dw, db float32) (float32, float32) {
	if e.cfg.MaxStep <= 0 {
		return dw, db
	}
	step := float64(lr) * floats.Norm([]float64{float64(dw), float64(db)}, 2)
	if step <= e.cfg.MaxStep {
		return dw, db
	}
	scale := e.cfg.MaxStep / step
	return float32(float64(dw) * scale), float32(float64(db) * scale)
}

func (e *Engine) drawWeight() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.normal.Rand()
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
