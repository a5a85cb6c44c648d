package db

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// DefaultModelName 定价模型在存储中的名称
const DefaultModelName = "Pricing_Model"

// ErrVersionConflict 写入时模型版本已被其他写者更新
var ErrVersionConflict = errors.New("model version conflict")

// ModelBlob 存储中的模型二进制及其版本戳
type ModelBlob struct {
	Name      string    `json:"name"`
	Data      []byte    `json:"-"`
	Version   string    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MemoryModelStore 进程内模型存储，语义与 SQLite 实现一致
type MemoryModelStore struct {
	mu     sync.RWMutex
	models map[string]memoryEntry
}

type memoryEntry struct {
	data      []byte
	version   int64
	updatedAt time.Time
}

// NewMemoryModelStore 创建进程内模型存储
func NewMemoryModelStore() *MemoryModelStore {
	return &MemoryModelStore{models: make(map[string]memoryEntry)}
}

func (m *MemoryModelStore) GetModel(ctx context.Context, name string) (*ModelBlob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.models[name]
	if !ok {
		return nil, nil
	}
	return &ModelBlob{
		Name:      name,
		Data:      append([]byte(nil), entry.data...),
		Version:   strconv.FormatInt(entry.version, 10),
		UpdatedAt: entry.updatedAt,
	}, nil
}

func (m *MemoryModelStore) PutModel(ctx context.Context, name string, data []byte, expected string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.models[name]
	current := ""
	if exists {
		current = strconv.FormatInt(entry.version, 10)
	}
	if current != expected {
		return "", errors.Wrapf(ErrVersionConflict, "model %s: expected %q, current %q", name, expected, current)
	}

	m.models[name] = memoryEntry{
		data:      append([]byte(nil), data...),
		version:   entry.version + 1,
		updatedAt: time.Now().UTC(),
	}
	return strconv.FormatInt(entry.version+1, 10), nil
}
