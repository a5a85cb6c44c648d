package ml

// Parameters 线性模型参数，权重与偏置均以数组形式存储
type Parameters struct {
	Weights []float32 `json:"weights"`
	Bias    []float32 `json:"bias"`
}

// Prediction 单次预测结果
type Prediction struct {
	Value float32 `json:"value"`
}

// Scalar 返回模型实际使用的标量 W 与 b（各取首元素）
func (p Parameters) Scalar() (w, b float32, err error) {
	if len(p.Weights) == 0 || len(p.Bias) == 0 {
		return 0, 0, ErrEmptyParameters
	}
	return p.Weights[0], p.Bias[0], nil
}

func scalarParameters(w, b float32) Parameters {
	return Parameters{Weights: []float32{w}, Bias: []float32{b}}
}
