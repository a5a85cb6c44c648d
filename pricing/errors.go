package pricing

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"

	"pricewise/ml"
)

var (
	// ErrProductNotFound 目录中没有匹配 (id, name) 的商品
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientTrainingData 冷启动时无法取得同名商品价格
	ErrInsufficientTrainingData = errors.New("insufficient training data")
)

// PersistenceError 模型存储读写失败
type PersistenceError struct {
	Op    string
	Model string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("model store %s %s: %v", e.Op, e.Model, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

func persistenceError(op, model string, cause error) error {
	return errors.WithStack(&PersistenceError{Op: op, Model: model, Cause: cause})
}

// ErrorKind 错误分类名，用于日志、事件与 HTTP 响应
func ErrorKind(err error) string {
	var (
		failure *ml.TrainingFailure
		corrupt *ml.CorruptModelError
		persist *PersistenceError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProductNotFound):
		return "product_not_found"
	case errors.Is(err, ErrInsufficientTrainingData):
		return "insufficient_training_data"
	case errors.As(err, &failure):
		return "training_failure"
	case errors.As(err, &corrupt):
		return "corrupt_model"
	case errors.As(err, &persist):
		return "persistence_error"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "internal"
	}
}
