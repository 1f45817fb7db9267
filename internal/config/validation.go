package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	if err := validateOrigin(c.Origin.Origin); err != nil {
		return fmt.Errorf("Origin: %w", err)
	}
	if err := validateDomain(c.Origin.Domain); err != nil {
		return fmt.Errorf("Domain: %w", err)
	}

	cc := c.Cache
	if strings.ContainsAny(cc.CacheVersion, "/\\ ") {
		return newFieldError("Cache.CacheVersion", "不允许包含路径分隔符或空格")
	}
	if cc.APICacheTTL.DurationValue() <= 0 {
		return newFieldError("Cache.APICacheTTL", "必须大于 0")
	}
	if cc.ImageCacheTTL.DurationValue() <= 0 {
		return newFieldError("Cache.ImageCacheTTL", "必须大于 0")
	}
	if cc.SweepInterval.DurationValue() <= 0 {
		return newFieldError("Cache.SweepInterval", "必须大于 0")
	}
	for _, prefix := range []struct{ field, value string }{
		{"Cache.UserDataPrefix", cc.UserDataPrefix},
		{"Cache.SystemDataPrefix", cc.SystemDataPrefix},
		{"Cache.StaticPrefix", cc.StaticPrefix},
	} {
		if prefix.value != "" && !strings.HasPrefix(prefix.value, "/") {
			return newFieldError(prefix.field, "必须以 / 开头")
		}
	}
	for i, pattern := range cc.APIPatterns {
		if _, err := regexp.Compile("(?i)" + pattern); err != nil {
			return newFieldError(fmt.Sprintf("Cache.APIPatterns[%d]", i), err.Error())
		}
	}

	return nil
}

func validateDomain(domain string) error {
	if domain == "" {
		return errors.New("Domain 不能为空")
	}
	if strings.Contains(domain, "/") {
		return errors.New("Domain 不允许包含路径")
	}
	if strings.Contains(domain, " ") {
		return errors.New("Domain 不允许包含空格")
	}
	if strings.HasPrefix(domain, "http") {
		return errors.New("Domain 不应包含协议头")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少应用 origin 地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，origin: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("origin 缺少 Host: %s", raw)
	}
	return nil
}
