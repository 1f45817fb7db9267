package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/version"
)

const (
	serviceName       = "offline-hub"
	defaultMaxSizeMB  = 100
	defaultMaxBackups = 10
)

// InitLogger 根据全局配置初始化 JSON 结构化日志，每条记录都带有 service/version。
// 文件不可写时降级到 stdout，拦截层不应因为日志问题拒绝启动。
func InitLogger(cfg config.GlobalConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("无法解析日志级别: %w", err)
	}

	output, outErr := buildOutput(cfg)

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(output)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	logger.AddHook(serviceHook{version: version.Version})

	if outErr != nil {
		logger.WithFields(logrus.Fields{
			"action": "logger_fallback",
			"path":   cfg.LogFilePath,
		}).Warn(outErr.Error())
	}

	return logger, nil
}

// Discard 返回丢弃全部输出的 logger，供测试与未注入 logger 的组件使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// serviceHook 给每条日志补上服务名与版本，已存在的同名字段不覆盖。
type serviceHook struct {
	version string
}

func (serviceHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h serviceHook) Fire(entry *logrus.Entry) error {
	if _, ok := entry.Data["service"]; !ok {
		entry.Data["service"] = serviceName
	}
	if _, ok := entry.Data["version"]; !ok {
		entry.Data["version"] = h.version
	}
	return nil
}

// buildOutput 根据配置创建日志输出 Writer；目录无法创建时降级到 stdout 并返回错误。
func buildOutput(cfg config.GlobalConfig) (io.Writer, error) {
	if cfg.LogFilePath == "" {
		return os.Stdout, nil
	}

	if err := os.MkdirAll(filepath.Dir(cfg.LogFilePath), 0o755); err != nil {
		return os.Stdout, fmt.Errorf("创建日志目录失败: %w", err)
	}

	maxSize := cfg.LogMaxSize
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMB
	}
	backups := cfg.LogMaxBackups
	if backups <= 0 {
		backups = defaultMaxBackups
	}
	return &lumberjack.Logger{
		Filename:   cfg.LogFilePath,
		MaxSize:    maxSize,
		MaxBackups: backups,
		Compress:   cfg.LogCompress,
		LocalTime:  true,
	}, nil
}
