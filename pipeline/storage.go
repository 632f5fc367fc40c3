package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"opflow/contract"
)

// StorageConfig 产物存储配置
type StorageConfig struct {
	Root      string `yaml:"root"`
	CacheSize int    `yaml:"cache_size"`
}

// ArtifactStore persists trained models and result datasets under
//
//	<root>/model/<stage>/<family>/<uuid>
//	<root>/data/<stage>/<uuid>.csv
//
// Every save draws a fresh uuid, so a path has exactly one writer for its whole
// life and a finished artifact is never modified. That is also why loaded
// models can be cached by path without invalidation.
type ArtifactStore struct {
	root   string
	cache  *lru.Cache[string, any]
	logger *zap.Logger
}

// NewArtifactStore 创建产物存储
func NewArtifactStore(config StorageConfig, logger *zap.Logger) (*ArtifactStore, error) {
	if config.Root == "" {
		config.Root = "middata"
	}
	if config.CacheSize <= 0 {
		config.CacheSize = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(config.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root %s: %w", config.Root, err)
	}
	cache, err := lru.New[string, any](config.CacheSize)
	if err != nil {
		return nil, err
	}
	return &ArtifactStore{root: config.Root, cache: cache, logger: logger.Named("artifacts")}, nil
}

func (s *ArtifactStore) Root() string {
	return s.root
}

// NewModelPath 生成模型产物路径
func (s *ArtifactStore) NewModelPath(stage, family string) string {
	return filepath.Join(s.root, "model", stage, family, uuid.NewString())
}

// NewDataPath 生成结果数据路径
func (s *ArtifactStore) NewDataPath(stage string) string {
	return filepath.Join(s.root, "data", stage, uuid.NewString()+".csv")
}

// SaveModel writes a model through write into a freshly generated directory.
// Whatever already sits at that path is removed first; a failed write leaves
// nothing behind.
func (s *ArtifactStore) SaveModel(ctx context.Context, stage, family string, write func(dir string) error) (string, error) {
	path := s.NewModelPath(stage, family)
	if err := replaceDir(path); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		_ = os.RemoveAll(path)
		return "", contract.NewErrorWith(contract.Execution, "save cancelled", err)
	}
	if err := write(path); err != nil {
		_ = os.RemoveAll(path)
		return "", fmt.Errorf("save model to %s: %w", path, err)
	}
	s.logger.Info("model saved", zap.String("family", family), zap.String("path", path))
	return path, nil
}

// SaveDataset 保存结果数据集
func (s *ArtifactStore) SaveDataset(ctx context.Context, session Session, stage string, ds *Dataset) (string, error) {
	path := s.NewDataPath(stage)
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("remove existing %s: %w", path, err)
	}
	if err := session.WriteCSV(ctx, ds, path); err != nil {
		_ = os.RemoveAll(path)
		return "", err
	}
	s.logger.Info("dataset saved", zap.String("path", path), zap.Int("rows", ds.Len()))
	return path, nil
}

// LoadCached returns the object cached for path, calling load on a miss.
func (s *ArtifactStore) LoadCached(path string, load func(path string) (any, error)) (any, error) {
	if v, ok := s.cache.Get(path); ok {
		return v, nil
	}
	v, err := load(path)
	if err != nil {
		return nil, err
	}
	s.cache.Add(path, v)
	return v, nil
}

func replaceDir(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove existing %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	return nil
}
