package pricing

import (
	"context"
	"fmt"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"pricewise/ml"
)

// Stage 训练流程阶段
type Stage int

const (
	StageCreate Stage = iota
	StagePhaseOne
	StagePhaseTwo
)

// Stages 按执行顺序排列的全部阶段
var Stages = []Stage{StageCreate, StagePhaseOne, StagePhaseTwo}

func (s Stage) String() string {
	switch s {
	case StageCreate:
		return "create"
	case StagePhaseOne:
		return "phase-one"
	case StagePhaseTwo:
		return "phase-two"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Workflow 可按阶段执行的训练流程
type Workflow interface {
	RunStage(ctx context.Context, stage Stage, id int, name string) (ml.Prediction, error)
}

// Predictor 预测能力
type Predictor interface {
	Predict(ctx context.Context, id int, name string) (ml.Prediction, error)
}

type productWorkflow struct {
	predictor Predictor
	logger    *zap.Logger
}

// NewWorkflow 创建商品训练流程，create 阶段执行预测，其余阶段只记录日志
func NewWorkflow(p Predictor, logger *zap.Logger) Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &productWorkflow{predictor: p, logger: logger.Named("workflow")}
}

func (w *productWorkflow) RunStage(ctx context.Context, stage Stage, id int, name string) (ml.Prediction, error) {
	switch stage {
	case StageCreate:
		return w.predictor.Predict(ctx, id, name)
	case StagePhaseOne, StagePhaseTwo:
		w.logger.Info("stage executed", zap.Stringer("stage", stage), zap.Int("product_id", id))
		return ml.Prediction{}, nil
	default:
		return ml.Prediction{}, errors.Newf("unknown workflow stage %d", int(stage))
	}
}

// RunWorkflow 依次执行全部阶段，返回 create 阶段的预测。任一阶段失败即停止。
func RunWorkflow(ctx context.Context, wf Workflow, id int, name string) (ml.Prediction, error) {
	var prediction ml.Prediction
	for _, stage := range Stages {
		if err := ctx.Err(); err != nil {
			return ml.Prediction{}, err
		}
		p, err := wf.RunStage(ctx, stage, id, name)
		if err != nil {
			return ml.Prediction{}, errors.Wrapf(err, "workflow stage %s", stage)
		}
		if stage == StageCreate {
			prediction = p
		}
	}
	return prediction, nil
}
