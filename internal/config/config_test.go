package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadWithDefaults(t *testing.T) {
	cfgPath := testConfigPath(t, "valid.toml")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if cfg.Cache.APICacheTTL.DurationValue() != 30*time.Minute {
		t.Fatalf("APICacheTTL 应该自动填充 30m，得到 %s", cfg.Cache.APICacheTTL.DurationValue())
	}
	if cfg.Cache.ImageCacheTTL.DurationValue() != 7*24*time.Hour {
		t.Fatalf("ImageCacheTTL 应该自动填充 7 天，得到 %s", cfg.Cache.ImageCacheTTL.DurationValue())
	}
	if cfg.Cache.SweepInterval.DurationValue() != time.Hour {
		t.Fatalf("SweepInterval 默认应为 1h")
	}
	if cfg.Global.StoragePath == "" {
		t.Fatalf("StoragePath 应该被保留")
	}
	if cfg.Global.UpstreamTimeout.DurationValue() != 10*time.Second {
		t.Fatalf("UpstreamTimeout 应当被解析为 10s")
	}
	if !cfg.Cache.AutoActivate {
		t.Fatalf("AutoActivate 默认应为 true")
	}
	if cfg.Cache.UserDataPrefix != "/Users/" || cfg.Cache.SystemDataPrefix != "/System/" {
		t.Fatalf("保留前缀默认值错误: %q %q", cfg.Cache.UserDataPrefix, cfg.Cache.SystemDataPrefix)
	}
	if len(cfg.Cache.APIPatterns) != 2 {
		t.Fatalf("APIPatterns 应使用配置值，得到 %v", cfg.Cache.APIPatterns)
	}
}

func TestValidateRejectsMissingOrigin(t *testing.T) {
	cfgPath := testConfigPath(t, "missing.toml")

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("缺少 Origin 的配置应返回错误")
	}
}

func TestValidateEnforcesListenPortRange(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ListenPort = 70000
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("ListenPort 超出范围应当报错")
	}
	var fieldErr FieldError
	if !errors.As(err, &fieldErr) || fieldErr.Field != "Global.ListenPort" {
		t.Fatalf("期望 FieldError(Global.ListenPort)，得到 %v", err)
	}
}

func TestValidateRejectsBadPatterns(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.APIPatterns = []string{"news(", "ok"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("非法正则应当报错")
	}
}

func TestValidateOriginScheme(t *testing.T) {
	testCases := []struct {
		name      string
		origin    string
		shouldErr bool
	}{
		{"http ok", "http://127.0.0.1:3000", false},
		{"https ok", "https://macos.example.com", false},
		{"missing", "", true},
		{"ftp", "ftp://files.example.com", true},
		{"no host", "http://", true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.Origin.Origin = tc.origin
			err := cfg.Validate()
			if tc.shouldErr && err == nil {
				t.Fatalf("expected error for origin %q", tc.origin)
			}
			if !tc.shouldErr && err != nil {
				t.Fatalf("unexpected error for origin %q: %v", tc.origin, err)
			}
		})
	}
}

func TestValidateRejectsRelativePrefix(t *testing.T) {
	cfg := validConfig()
	cfg.Cache.UserDataPrefix = "Users/"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("前缀不以 / 开头时应报错")
	}
}

func TestReservedPrefixesSkipsEmpty(t *testing.T) {
	cc := CacheConfig{UserDataPrefix: "/Users/", SystemDataPrefix: " "}
	got := cc.ReservedPrefixes()
	if len(got) != 1 || got[0] != "/Users/" {
		t.Fatalf("unexpected prefixes: %v", got)
	}
}

func validConfig() *Config {
	return &Config{
		Global: GlobalConfig{
			ListenPort:      5000,
			StoragePath:     "./data",
			UpstreamTimeout: Duration(time.Second),
		},
		Origin: OriginConfig{
			Origin: "http://127.0.0.1:3000",
			Domain: "macos.local",
		},
		Cache: CacheConfig{
			CacheVersion:     "v2",
			APIPatterns:      DefaultAPIPatterns,
			UserDataPrefix:   "/Users/",
			SystemDataPrefix: "/System/",
			StaticPrefix:     "/_next/",
			APICacheTTL:      Duration(30 * time.Minute),
			ImageCacheTTL:    Duration(7 * 24 * time.Hour),
			SweepInterval:    Duration(time.Hour),
			AutoActivate:     true,
		},
	}
}
