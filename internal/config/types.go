package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述拦截层的运行参数，整个进程共享一份。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// OriginConfig 描述被托管应用自身的 origin，以及哪些请求归属于它。
type OriginConfig struct {
	// Origin 是应用自身的上游地址，例如 http://127.0.0.1:3000。
	Origin string `mapstructure:"Origin"`
	// Domain 是浏览器访问应用时使用的 Host，命中该 Host 的请求按 Origin 解析。
	Domain string `mapstructure:"Domain"`
}

// CacheConfig 控制分区版本、TTL 以及分类规则使用的前缀/模式。
type CacheConfig struct {
	CacheVersion     string   `mapstructure:"CacheVersion"`
	APIPatterns      []string `mapstructure:"APIPatterns"`
	UserDataPrefix   string   `mapstructure:"UserDataPrefix"`
	SystemDataPrefix string   `mapstructure:"SystemDataPrefix"`
	StaticPrefix     string   `mapstructure:"StaticPrefix"`
	APICacheTTL      Duration `mapstructure:"APICacheTTL"`
	ImageCacheTTL    Duration `mapstructure:"ImageCacheTTL"`
	SweepInterval    Duration `mapstructure:"SweepInterval"`
	AutoActivate     bool     `mapstructure:"AutoActivate"`
}

// Config 是 TOML 文件映射的整体结构，所有字段均位于顶层。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Origin OriginConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:",squash"`
}

// ReservedPrefixes 返回路由到文件存储的保留路径前缀。
func (c CacheConfig) ReservedPrefixes() []string {
	prefixes := make([]string, 0, 2)
	for _, p := range []string{c.UserDataPrefix, c.SystemDataPrefix} {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	return prefixes
}
