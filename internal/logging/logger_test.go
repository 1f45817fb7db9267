package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/version"
)

func TestConfigureDefaultsToStdout(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("未指定文件时应输出到 stdout")
	}
}

func TestInitLoggerFallbackOnPermissionDenied(t *testing.T) {
	dir := t.TempDir()
	blocked := filepath.Join(dir, "blocked")
	if err := os.Mkdir(blocked, 0o755); err != nil {
		t.Fatalf("创建目录失败: %v", err)
	}
	if err := os.Chmod(blocked, 0o000); err != nil {
		t.Fatalf("设置目录权限失败: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(blocked, 0o755) })

	cfg := config.GlobalConfig{
		LogLevel:    "info",
		LogFilePath: filepath.Join(blocked, "sub", "offline-hub.log"),
	}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("初始化不应失败: %v", err)
	}
	if logger.Out != os.Stdout {
		t.Fatalf("fallback 时应退回 stdout")
	}
}

func TestConfigureCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offline-hub.log")
	cfg := config.GlobalConfig{LogLevel: "debug", LogFilePath: path}
	logger, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	logger.Info("test")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("预期创建日志文件: %v", err)
	}
}

func TestRequestFieldsOmitsEmptyRequestID(t *testing.T) {
	fields := RequestFields("image", "cache", "http://macos.local/a.png", "")
	if _, ok := fields["request_id"]; ok {
		t.Fatalf("空 request id 不应写入字段")
	}
	if fields["action"] != "intercept" || fields["strategy"] != "image" {
		t.Fatalf("unexpected fields: %v", fields)
	}
}

func TestInitLoggerStampsServiceFields(t *testing.T) {
	logger, err := InitLogger(config.GlobalConfig{LogLevel: "info"})
	if err != nil {
		t.Fatalf("配置失败: %v", err)
	}
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.WithField("action", "startup").Info("ready")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("日志应为 JSON: %v", err)
	}
	if line["service"] != "offline-hub" || line["version"] != version.Version {
		t.Fatalf("缺少 service/version 字段: %v", line)
	}
	if line["action"] != "startup" {
		t.Fatalf("action 字段丢失: %v", line)
	}
}

func TestServiceHookKeepsExplicitFields(t *testing.T) {
	logger := Discard()
	logger.AddHook(serviceHook{version: "test"})
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.WithField("service", "custom").Info("x")

	if !bytes.Contains(buf.Bytes(), []byte(`"service":"custom"`)) {
		t.Fatalf("显式字段不应被覆盖: %s", buf.String())
	}
}
