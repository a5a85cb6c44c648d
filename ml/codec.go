package ml

import (
	"encoding/binary"
	"math"
)

// 模型二进制布局（小端序）:
//
//	int32 weightCount | weightCount × float32 | int32 biasCount | biasCount × float32
//
// 无版本号、无校验和。解码只读取声明的长度，尾部多余字节被忽略。
const (
	countSize = 4
	valueSize = 4
)

// EncodeParameters 将模型参数编码为二进制数据
func EncodeParameters(p Parameters) ([]byte, error) {
	if len(p.Weights) == 0 || len(p.Bias) == 0 {
		return nil, ErrEmptyParameters
	}

	buf := make([]byte, 0, 2*countSize+valueSize*(len(p.Weights)+len(p.Bias)))
	buf = appendSection(buf, p.Weights)
	buf = appendSection(buf, p.Bias)
	return buf, nil
}

// DecodeParameters 从二进制数据解码模型参数
func DecodeParameters(data []byte) (Parameters, error) {
	weights, rest, err := readSection(data, "weights")
	if err != nil {
		return Parameters{}, err
	}
	bias, _, err := readSection(rest, "bias")
	if err != nil {
		return Parameters{}, err
	}
	return Parameters{Weights: weights, Bias: bias}, nil
}

func appendSection(buf []byte, values []float32) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(len(values))))
	for _, v := range values {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}
	return buf
}

func readSection(data []byte, section string) ([]float32, []byte, error) {
	if len(data) < countSize {
		return nil, nil, newCorruptModelError(section+" count", 1, len(data))
	}
	count := int(int32(binary.LittleEndian.Uint32(data)))
	data = data[countSize:]

	// 空段同样视为损坏：模型要求至少一个权重和一个偏置
	if count <= 0 {
		return nil, nil, newCorruptModelError(section, count, len(data))
	}
	if len(data)/valueSize < count {
		return nil, nil, newCorruptModelError(section, count, len(data))
	}

	values := make([]float32, count)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*valueSize:]))
	}
	return values, data[count*valueSize:], nil
}
