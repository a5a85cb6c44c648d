// Package pricing 价格预测服务：选择训练模式、训练、持久化模型并返回预测
package pricing

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"pricewise/catalog"
	"pricewise/db"
	"pricewise/ml"
)

// ModelStore 按名称读写模型二进制，写入为基于版本戳的比较并交换
type ModelStore interface {
	GetModel(ctx context.Context, name string) (*db.ModelBlob, error)
	PutModel(ctx context.Context, name string, data []byte, expectedVersion string) (string, error)
}

// Catalog 商品目录查询
type Catalog interface {
	FindByID(ctx context.Context, id int) (*catalog.Product, error)
	FindAllByName(ctx context.Context, name string) ([]catalog.Product, error)
}

// Trainer 训练引擎
type Trainer interface {
	FineTune(existing ml.Parameters, targetPrice float64) (ml.Parameters, ml.Prediction, error)
	ColdTrain(samples []float64, targetPrice float64) (ml.Parameters, ml.Prediction, error)
}

// TrainingRecorder 记录并读取训练历史
type TrainingRecorder interface {
	SaveTrainingLog(ctx context.Context, entry db.TrainingLog) error
	LoadTrainingLog(ctx context.Context, modelName string, limit int) ([]db.TrainingLog, error)
}

// Config 服务配置
type Config struct {
	ModelName string
	// MaxAttempts 版本冲突时的最大训练次数
	MaxAttempts int
	// FailOnCorrupt 为 true 时损坏的模型直接报错，否则回退到冷启动训练
	FailOnCorrupt bool
}

// Service 价格预测服务
type Service struct {
	cfg      Config
	catalog  Catalog
	store    ModelStore
	trainer  Trainer
	logger   *zap.Logger
	locks    *keyedLocker
	notifier Notifier
	recorder TrainingRecorder
}

// NewService 创建预测服务
func NewService(cfg Config, products Catalog, store ModelStore, trainer Trainer, logger *zap.Logger) *Service {
	if cfg.ModelName == "" {
		cfg.ModelName = db.DefaultModelName
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:     cfg,
		catalog: products,
		store:   store,
		trainer: trainer,
		logger:  logger.Named("pricing"),
		locks:   newKeyedLocker(),
	}
}

// SetNotifier 设置事件接收者
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetRecorder 设置训练记录器
func (s *Service) SetRecorder(r TrainingRecorder) {
	s.recorder = r
}

type outcome struct {
	mode       ml.Mode
	prediction ml.Prediction
	version    string
	dataPoints int
}

// Predict 对商品 (id, name) 训练模型并返回预测价格。
// 同一模型名的调用在进程内串行执行，写入使用版本比较，冲突时重新读取并重训。
func (s *Service) Predict(ctx context.Context, id int, name string) (ml.Prediction, error) {
	start := time.Now()
	logger := s.logger.With(zap.Int("product_id", id), zap.String("product_name", name))

	out, attempts, err := s.predict(ctx, id, name, logger)
	event := Event{
		ModelName:   s.cfg.ModelName,
		ProductID:   id,
		ProductName: name,
		Attempts:    attempts,
		Duration:    time.Since(start),
		Timestamp:   time.Now().UTC(),
	}
	if err != nil {
		logger.Warn("prediction failed", zap.String("kind", ErrorKind(err)), zap.Error(err))
		event.Type = EventFailure
		event.ErrorKind = ErrorKind(err)
		s.publish(event)
		return ml.Prediction{}, err
	}

	logger.Info("prediction completed",
		zap.String("mode", string(out.mode)),
		zap.Float32("value", out.prediction.Value),
		zap.String("version", out.version),
		zap.Int("attempts", attempts),
		zap.Duration("duration", event.Duration))

	event.Type = EventPrediction
	event.Mode = string(out.mode)
	event.Value = out.prediction.Value
	event.Version = out.version
	event.DataPoints = out.dataPoints
	s.publish(event)
	s.record(ctx, id, out, logger)
	return out.prediction, nil
}

func (s *Service) predict(ctx context.Context, id int, name string, logger *zap.Logger) (outcome, int, error) {
	unlock, err := s.locks.Lock(ctx, s.cfg.ModelName)
	if err != nil {
		return outcome{}, 0, errors.Wrap(err, "acquire model lock")
	}
	defer unlock()

	product, err := s.catalog.FindByID(ctx, id)
	if err != nil {
		return outcome{}, 0, errors.Wrapf(err, "find product %d", id)
	}
	if product == nil || product.Name != name {
		return outcome{}, 0, errors.Wrapf(ErrProductNotFound, "id=%d name=%q", id, name)
	}

	var conflict error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		out, err := s.trainOnce(ctx, product, logger)
		if err == nil {
			return out, attempt, nil
		}
		if !errors.Is(err, db.ErrVersionConflict) {
			return outcome{}, attempt, err
		}
		conflict = err
		logger.Warn("model changed during training, retrying", zap.Int("attempt", attempt))
	}
	return outcome{}, s.cfg.MaxAttempts, persistenceError("put", s.cfg.ModelName, conflict)
}

// trainOnce 执行一次 读取-训练-写入。版本冲突原样返回供上层重试。
func (s *Service) trainOnce(ctx context.Context, product *catalog.Product, logger *zap.Logger) (outcome, error) {
	blob, err := s.store.GetModel(ctx, s.cfg.ModelName)
	if err != nil {
		return outcome{}, persistenceError("get", s.cfg.ModelName, err)
	}

	var (
		out      outcome
		params   ml.Parameters
		expected string
		warm     bool
	)
	if blob != nil {
		expected = blob.Version
		existing, err := ml.DecodeParameters(blob.Data)
		switch {
		case err == nil:
			warm = true
			logger.Debug("existing model found, fine-tuning", zap.String("version", blob.Version))
			params, out.prediction, err = s.trainer.FineTune(existing, product.Price)
			if err != nil {
				return outcome{}, err
			}
			out.mode = ml.ModeFineTune
			out.dataPoints = 1
		case s.cfg.FailOnCorrupt:
			return outcome{}, err
		default:
			logger.Warn("stored model is corrupt, falling back to cold training",
				zap.String("version", blob.Version), zap.Error(err))
		}
	}

	if !warm {
		samples, err := s.comparablePrices(ctx, product.Name)
		if err != nil {
			return outcome{}, err
		}
		logger.Debug("training new model", zap.Int("samples", len(samples)))
		params, out.prediction, err = s.trainer.ColdTrain(samples, product.Price)
		if err != nil {
			return outcome{}, err
		}
		out.mode = ml.ModeColdTrain
		out.dataPoints = len(samples)
	}

	data, err := ml.EncodeParameters(params)
	if err != nil {
		return outcome{}, errors.Wrap(err, "encode parameters")
	}
	version, err := s.store.PutModel(ctx, s.cfg.ModelName, data, expected)
	if err != nil {
		if errors.Is(err, db.ErrVersionConflict) {
			return outcome{}, err
		}
		return outcome{}, persistenceError("put", s.cfg.ModelName, err)
	}
	out.version = version
	return out, nil
}

func (s *Service) comparablePrices(ctx context.Context, name string) ([]float64, error) {
	products, err := s.catalog.FindAllByName(ctx, name)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "fetch products named %q", name), ErrInsufficientTrainingData)
	}
	if len(products) == 0 {
		return nil, errors.Wrapf(ErrInsufficientTrainingData, "no products named %q", name)
	}
	return catalog.Prices(products), nil
}

func (s *Service) publish(event Event) {
	if s.notifier != nil {
		s.notifier.Publish(event)
	}
}

func (s *Service) record(ctx context.Context, id int, out outcome, logger *zap.Logger) {
	if s.recorder == nil {
		return
	}
	err := s.recorder.SaveTrainingLog(ctx, db.TrainingLog{
		ModelName:  s.cfg.ModelName,
		Mode:       string(out.mode),
		ProductID:  id,
		Prediction: float64(out.prediction.Value),
		DataPoints: out.dataPoints,
		TrainedAt:  time.Now().UTC(),
	})
	if err != nil {
		logger.Warn("failed to record training log", zap.Error(err))
	}
}

// History 按时间倒序返回当前模型最近的训练记录，未设置记录器时为空
func (s *Service) History(ctx context.Context, limit int) ([]db.TrainingLog, error) {
	if s.recorder == nil {
		return []db.TrainingLog{}, nil
	}
	logs, err := s.recorder.LoadTrainingLog(ctx, s.cfg.ModelName, limit)
	if err != nil {
		return nil, persistenceError("load_log", s.cfg.ModelName, err)
	}
	return logs, nil
}

// ModelInfo 当前持久化模型的概要
type ModelInfo struct {
	Name       string         `json:"name"`
	Version    string         `json:"version"`
	UpdatedAt  time.Time      `json:"updated_at"`
	Size       int            `json:"size"`
	Parameters *ml.Parameters `json:"parameters,omitempty"`
}

// Model 读取当前模型，不存在时返回 nil, nil
func (s *Service) Model(ctx context.Context) (*ModelInfo, error) {
	blob, err := s.store.GetModel(ctx, s.cfg.ModelName)
	if err != nil {
		return nil, persistenceError("get", s.cfg.ModelName, err)
	}
	if blob == nil {
		return nil, nil
	}
	params, err := ml.DecodeParameters(blob.Data)
	if err != nil {
		return nil, err
	}
	return &ModelInfo{
		Name:       blob.Name,
		Version:    blob.Version,
		UpdatedAt:  blob.UpdatedAt,
		Size:       len(blob.Data),
		Parameters: &params,
	}, nil
}
