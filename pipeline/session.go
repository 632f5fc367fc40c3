package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"opflow/contract"
)

// Session is the process-wide compute handle. It is created once and passed to
// every component that reads, writes or runs data steps.
type Session interface {
	ReadCSV(ctx context.Context, resource string) (*Dataset, error)
	WriteCSV(ctx context.Context, ds *Dataset, path string) error
	Run(ctx context.Context, step string, fn func(ctx context.Context) error) error
}

// SessionStats 会话统计
type SessionStats struct {
	StepsRun    int64         `json:"steps_run"`
	StepsFailed int64         `json:"steps_failed"`
	RowsRead    int64         `json:"rows_read"`
	RowsWritten int64         `json:"rows_written"`
	BusyTime    time.Duration `json:"busy_time"`
}

// LocalSession 本地单进程计算会话
type LocalSession struct {
	logger *zap.Logger

	stats     SessionStats
	statsLock sync.Mutex
}

// NewLocalSession 创建本地会话
func NewLocalSession(logger *zap.Logger) *LocalSession {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalSession{logger: logger.Named("session")}
}

// ReadCSV 读取CSV资源，支持 file:// 与本地路径
func (s *LocalSession) ReadCSV(ctx context.Context, resource string) (*Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, contract.NewErrorWith(contract.Execution, "read cancelled", err)
	}
	path, err := LocalPath(resource)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, contract.NewErrorWith(contract.Execution, fmt.Sprintf("read %s", resource), err)
	}
	ds, err := ParseCSV(bytes.NewReader(raw))
	if err != nil {
		return nil, contract.NewErrorWith(contract.Execution, fmt.Sprintf("load %s", resource), err)
	}

	s.statsLock.Lock()
	s.stats.RowsRead += int64(ds.Len())
	s.statsLock.Unlock()

	s.logger.Debug("csv loaded", zap.String("resource", resource), zap.Int("rows", ds.Len()),
		zap.Strings("columns", ds.Schema.ColumnNames()))
	return ds, nil
}

// WriteCSV 物化数据集到本地文件
func (s *LocalSession) WriteCSV(ctx context.Context, ds *Dataset, path string) error {
	if err := ctx.Err(); err != nil {
		return contract.NewErrorWith(contract.Execution, "write cancelled", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer file.Close()

	if err := WriteCSVTo(file, ds); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	s.statsLock.Lock()
	s.stats.RowsWritten += int64(ds.Len())
	s.statsLock.Unlock()
	return nil
}

// Run executes one blocking step. When ctx carries a deadline the step is
// abandoned at expiry and reported as an execution error; fn receives the same
// ctx and is expected to stop at its next check.
func (s *LocalSession) Run(ctx context.Context, step string, fn func(ctx context.Context) error) error {
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- contract.NewErrorf(contract.Execution, "step %s panicked: %v", step, r)
			}
		}()
		done <- fn(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = contract.NewErrorWith(contract.Execution, fmt.Sprintf("step %s did not finish", step), ctx.Err())
	}

	s.statsLock.Lock()
	s.stats.StepsRun++
	s.stats.BusyTime += time.Since(start)
	if err != nil {
		s.stats.StepsFailed++
	}
	s.statsLock.Unlock()

	s.logger.Debug("step finished", zap.String("step", step), zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	return err
}

// GetStats 获取统计信息
func (s *LocalSession) GetStats() SessionStats {
	s.statsLock.Lock()
	defer s.statsLock.Unlock()
	return s.stats
}

// LocalPath maps a resource url onto the local filesystem. Only file:// urls
// and bare paths are served by the local session.
func LocalPath(resource string) (string, error) {
	if resource == "" {
		return "", contract.NewError(contract.InvalidInput, "empty resource url")
	}
	u, err := url.Parse(resource)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// len(Scheme)==1 is a windows drive letter, not a scheme
		return resource, nil
	}
	if u.Scheme != "file" {
		return "", contract.NewErrorf(contract.InvalidInput, "unsupported resource scheme %q", u.Scheme)
	}
	return u.Path, nil
}
