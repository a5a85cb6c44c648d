package pricing

import "time"

// EventType 预测事件类型
type EventType string

const (
	EventPrediction EventType = "prediction"
	EventFailure    EventType = "failure"
)

// Event 一次预测调用的结果摘要，不包含模型参数
type Event struct {
	Type        EventType     `json:"type"`
	ModelName   string        `json:"model_name"`
	Mode        string        `json:"mode,omitempty"`
	ProductID   int           `json:"product_id"`
	ProductName string        `json:"product_name"`
	Value       float32       `json:"value,omitempty"`
	Version     string        `json:"version,omitempty"`
	DataPoints  int           `json:"data_points,omitempty"`
	Attempts    int           `json:"attempts,omitempty"`
	Duration    time.Duration `json:"duration"`
	ErrorKind   string        `json:"error,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// Notifier 接收预测事件
type Notifier interface {
	Publish(event Event)
}

// Notifiers 将事件依次转发给多个接收者
type Notifiers []Notifier

func (ns Notifiers) Publish(event Event) {
	for _, n := range ns {
		n.Publish(event)
	}
}
