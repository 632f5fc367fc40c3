// Package config 加载服务配置并在文件变更时热更新
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"

	"opflow/executor"
	qhttp "opflow/http"
	"opflow/logger"
	"opflow/pipeline"
)

// Config 服务配置
type Config struct {
	HTTP     qhttp.ServerConfig     `yaml:"http"`
	Database DatabaseConfig         `yaml:"database"`
	Storage  pipeline.StorageConfig `yaml:"storage"`
	Executor executor.Config        `yaml:"executor"`
	Resolver ResolverConfig         `yaml:"resolver"`
	Remote   pipeline.RemoteConfig  `yaml:"remote"`
	Log      logger.Config          `yaml:"log"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// ResolverConfig 上游模型解析配置
type ResolverConfig struct {
	Policy string `yaml:"policy" validate:"omitempty,oneof=last_parent require_agreement"`
}

type checked struct {
	Port    int           `validate:"gte=0,lte=65535"`
	Timeout time.Duration `validate:"gte=0"`
	Root    string        `validate:"required"`
	SSH     time.Duration `validate:"gte=0"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		HTTP:     qhttp.DefaultServerConfig(),
		Database: DatabaseConfig{Path: "opflow.db"},
		Storage:  pipeline.StorageConfig{Root: "middata", CacheSize: 64},
		Executor: executor.Config{Timeout: executor.DefaultTimeout},
		Log:      logger.DefaultConfig(),
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes yaml over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	config := Default()
	if err := yaml.UnmarshalStrict(data, config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if config.Resolver.Policy != "" {
		config.Executor.ResolverPolicy = config.Resolver.Policy
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

var validate = validator.New()

// Validate 校验配置
func (c *Config) Validate() error {
	if err := validate.Struct(c.Database); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := validate.Struct(c.Resolver); err != nil {
		return fmt.Errorf("resolver: %w", err)
	}
	if err := validate.Struct(checked{
		Port:    c.HTTP.Port,
		Timeout: c.Executor.Timeout,
		Root:    c.Storage.Root,
		SSH:     c.Remote.Timeout,
	}); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := executor.ParsePolicy(c.Executor.ResolverPolicy); err != nil {
		return err
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// Watch reloads path whenever it changes and hands every valid new
// configuration to onChange. Invalid files are logged and skipped. The
// directory is watched rather than the file so that editors which replace
// the file on save keep triggering reloads. Watch returns once the watcher
// is running; it stops when ctx ends.
func Watch(ctx context.Context, path string, log *zap.Logger, onChange func(*Config)) error {
	if log == nil {
		log = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()

		// coalesce the burst of events a single save produces
		const settle = 100 * time.Millisecond
		timer := time.NewTimer(settle)
		if !timer.Stop() {
			<-timer.C
		}

		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				timer.Reset(settle)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("config watcher error", zap.Error(err))
			case <-timer.C:
				config, err := Load(abs)
				if err != nil {
					log.Warn("ignoring invalid config change", zap.String("path", abs), zap.Error(err))
					continue
				}
				log.Info("config reloaded", zap.String("path", abs))
				onChange(config)
			}
		}
	}()
	return nil
}
