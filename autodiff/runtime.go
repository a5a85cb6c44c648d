package autodiff

import (
	"sync"

	"go.uber.org/zap"
	"gorgonia.org/gorgonia"
)

// Options 自动微分运行时的进程级设置
type Options struct {
	// Trace 打开 tape machine 的执行追踪，仅用于排查
	Trace bool
	// Logger 接收 tape machine 的日志输出
	Logger *zap.Logger
}

var (
	initOnce sync.Once
	vmOpts   []gorgonia.VMOpt
)

// Init 在进程启动时配置一次自动微分运行时，重复调用无效果。
// 返回值表示本次调用是否实际完成了初始化。
func Init(opts Options) bool {
	initialized := false
	initOnce.Do(func() {
		initialized = true
		if opts.Logger != nil {
			vmOpts = append(vmOpts, gorgonia.WithLogger(zap.NewStdLog(opts.Logger)))
		}
		if opts.Trace {
			vmOpts = append(vmOpts, gorgonia.TraceExec())
		}
		if opts.Logger != nil {
			opts.Logger.Info("autodiff runtime initialized", zap.Bool("trace", opts.Trace))
		}
	})
	return initialized
}

func runtimeOptions() []gorgonia.VMOpt {
	Init(Options{})
	return append([]gorgonia.VMOpt(nil), vmOpts...)
}
