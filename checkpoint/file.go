package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	apperrors "txsaga/errors"
	"txsaga/logging"
)

// DefaultDir 文件存储默认目录
const DefaultDir = ".transaction-logs"

// FileStore 以 <dir>/<id>.json 形式保存检查点
//
// 目录在首次保存时创建；损坏的文件按“无历史”处理并记录警告。
// 写入先落临时文件再 rename，读者不会看到半截文档。
type FileStore struct {
	dir    string
	logger logging.Logger
	mutex  sync.Mutex
}

var _ IStore = (*FileStore)(nil)

// NewFileStore 创建文件存储，dir 为空时使用 DefaultDir
func NewFileStore(dir string) *FileStore {
	if dir == "" {
		dir = DefaultDir
	}
	return &FileStore{
		dir:    dir,
		logger: logging.ComponentLogger("checkpoint.file"),
	}
}

// Dir 返回存储目录
func (s *FileStore) Dir() string {
	return s.dir
}

// path 事务 ID 经过路径转义，不能逃出存储目录
func (s *FileStore) path(txID string) string {
	return filepath.Join(s.dir, url.PathEscape(txID)+".json")
}

// Save 保存检查点列表
func (s *FileStore) Save(ctx context.Context, txID string, checkpoints []Checkpoint) error {
	if err := ValidateID(txID); err != nil {
		return err
	}
	if checkpoints == nil {
		checkpoints = []Checkpoint{}
	}
	data, err := json.MarshalIndent(checkpoints, "", "  ")
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeStorage, "编码检查点失败")
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return apperrors.WrapStoreError(ctx, err, apperrors.ErrCodeStorage, "创建检查点目录")
	}

	tmp, err := os.CreateTemp(s.dir, ".tx-*.tmp")
	if err != nil {
		return apperrors.WrapStoreError(ctx, err, apperrors.ErrCodeStorage, "创建临时文件")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return apperrors.WrapStoreError(ctx, err, apperrors.ErrCodeStorage, "写入检查点")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.WrapStoreError(ctx, err, apperrors.ErrCodeStorage, "写入检查点")
	}
	if err := os.Rename(tmpName, s.path(txID)); err != nil {
		_ = os.Remove(tmpName)
		return apperrors.WrapStoreError(ctx, err, apperrors.ErrCodeStorage, "替换检查点文件")
	}
	return nil
}

// Load 读取检查点列表
func (s *FileStore) Load(ctx context.Context, txID string) ([]Checkpoint, bool, error) {
	if err := ValidateID(txID); err != nil {
		return nil, false, err
	}

	data, err := os.ReadFile(s.path(txID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, apperrors.WrapStoreError(ctx, err, apperrors.ErrCodeStorage, "读取检查点")
	}

	checkpoints, err := Decode(data)
	if err != nil {
		s.logger.Warn(ctx, "checkpoint file unreadable, treating as absent",
			logging.String("tx_id", txID),
			logging.String("path", s.path(txID)),
			logging.Error(err))
		return nil, false, nil
	}
	return checkpoints, true, nil
}

// Clear 删除检查点文件，文件不存在时忽略
func (s *FileStore) Clear(ctx context.Context, txID string) error {
	if err := ValidateID(txID); err != nil {
		return err
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	err := os.Remove(s.path(txID))
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return apperrors.WrapStoreError(ctx, err, apperrors.ErrCodeStorage, "删除检查点")
}
