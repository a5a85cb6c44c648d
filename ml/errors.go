package ml

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

var (
	// ErrEmptyParameters 权重或偏置为空
	ErrEmptyParameters = errors.New("model parameters must contain at least one weight and one bias")
	// ErrNoSamples 冷启动训练缺少样本
	ErrNoSamples = errors.New("cold training requires at least one sample")
)

// TrainingFailure 训练过程中某个 epoch 的梯度计算失败
type TrainingFailure struct {
	Mode  Mode
	Epoch int
	Cause error
}

func (e *TrainingFailure) Error() string {
	return fmt.Sprintf("%s failed at epoch %d: %v", e.Mode, e.Epoch, e.Cause)
}

func (e *TrainingFailure) Unwrap() error { return e.Cause }

// CorruptModelError 模型二进制数据长度与声明不符
type CorruptModelError struct {
	Section   string
	Declared  int
	Available int
}

func (e *CorruptModelError) Error() string {
	return fmt.Sprintf("corrupt model blob: %s declares %d values, %d bytes available",
		e.Section, e.Declared, e.Available)
}

func newTrainingFailure(mode Mode, epoch int, cause error) error {
	return errors.WithStack(&TrainingFailure{Mode: mode, Epoch: epoch, Cause: cause})
}

func newCorruptModelError(section string, declared, available int) error {
	return errors.WithStack(&CorruptModelError{Section: section, Declared: declared, Available: available})
}
