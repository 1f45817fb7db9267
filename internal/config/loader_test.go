package config

import (
	"testing"
	"time"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
Origin = "http://127.0.0.1:3000"
Domain = "macos.local"
APICacheTTL = "boom"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsIntegerSeconds(t *testing.T) {
	cfg := `
StoragePath = "./data"
Origin = "http://127.0.0.1:3000"
Domain = "macos.local"
APICacheTTL = 600
AutoActivate = false
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if loaded.Cache.APICacheTTL.DurationValue() != 10*time.Minute {
		t.Fatalf("整数秒应解析为 10m，得到 %s", loaded.Cache.APICacheTTL.DurationValue())
	}
	if loaded.Cache.AutoActivate {
		t.Fatalf("显式关闭的 AutoActivate 不应被默认值覆盖")
	}
	if len(loaded.Cache.APIPatterns) != len(DefaultAPIPatterns) {
		t.Fatalf("未配置 APIPatterns 时应使用默认规则")
	}
}
