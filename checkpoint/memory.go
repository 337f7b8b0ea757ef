package checkpoint

import (
	"context"
	"sync"

	apperrors "txsaga/errors"
)

// MemoryStore 内存检查点存储（用于测试与非持久场景）
//
// 保存时按 JSON 编码，读取时解码，使结果的形态与持久后端一致。
type MemoryStore struct {
	docs  map[string][]byte
	mutex sync.RWMutex
}

var _ IStore = (*MemoryStore)(nil)

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Save 保存检查点列表
func (s *MemoryStore) Save(ctx context.Context, txID string, checkpoints []Checkpoint) error {
	if err := ValidateID(txID); err != nil {
		return err
	}
	data, err := Encode(checkpoints)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeStorage, "编码检查点失败")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.docs[txID] = data
	return nil
}

// Load 读取检查点列表
func (s *MemoryStore) Load(ctx context.Context, txID string) ([]Checkpoint, bool, error) {
	if err := ValidateID(txID); err != nil {
		return nil, false, err
	}

	s.mutex.RLock()
	data, ok := s.docs[txID]
	s.mutex.RUnlock()
	if !ok {
		return nil, false, nil
	}

	checkpoints, err := Decode(data)
	if err != nil {
		return nil, false, apperrors.WrapError(err, apperrors.ErrCodeStorage, "解码检查点失败")
	}
	return checkpoints, true, nil
}

// Clear 删除检查点
func (s *MemoryStore) Clear(ctx context.Context, txID string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.docs, txID)
	return nil
}

// Count 返回保存的事务数量（测试用）
func (s *MemoryStore) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.docs)
}
