package config

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// DefaultAPIPatterns 是未配置 APIPatterns 时使用的上游 API 匹配规则。
var DefaultAPIPatterns = []string{
	`news\.api`,
	`music\.api`,
	`tv\.api`,
	`tmdb\.org`,
	`news`,
}

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.toml"
	}

	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Global.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析存储目录: %w", err)
	}
	cfg.Global.StoragePath = absStorage

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenPort", 5000)
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("StoragePath", "./storage")
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("CacheVersion", "v2")
	v.SetDefault("UserDataPrefix", "/Users/")
	v.SetDefault("SystemDataPrefix", "/System/")
	v.SetDefault("StaticPrefix", "/_next/")
	v.SetDefault("APICacheTTL", "30m")
	v.SetDefault("ImageCacheTTL", "168h")
	v.SetDefault("SweepInterval", "1h")
	v.SetDefault("AutoActivate", true)
}

func applyGlobalDefaults(g *GlobalConfig) {
	if g.ListenPort == 0 {
		g.ListenPort = 5000
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
}

func applyCacheDefaults(c *CacheConfig) {
	c.CacheVersion = strings.TrimSpace(c.CacheVersion)
	if c.CacheVersion == "" {
		c.CacheVersion = "v2"
	}
	if len(c.APIPatterns) == 0 {
		c.APIPatterns = append([]string(nil), DefaultAPIPatterns...)
	}
	if c.APICacheTTL.DurationValue() == 0 {
		c.APICacheTTL = Duration(30 * time.Minute)
	}
	if c.ImageCacheTTL.DurationValue() == 0 {
		c.ImageCacheTTL = Duration(7 * 24 * time.Hour)
	}
	if c.SweepInterval.DurationValue() == 0 {
		c.SweepInterval = Duration(time.Hour)
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
