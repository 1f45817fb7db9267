package server

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/any-hub/offline-hub/internal/config"
)

// OriginResolver 把 Host + 请求 URI 还原为拦截层使用的绝对 URL：
// Host 命中 Domain 时按 Origin 解析，其余 Host 视为正向代理目标。
type OriginResolver struct {
	origin *url.URL
	domain string
}

// NewOriginResolver 根据配置构建解析器。调用方应在启动阶段创建一次并复用。
func NewOriginResolver(cfg *config.Config) (*OriginResolver, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	origin, err := url.Parse(strings.TrimSpace(cfg.Origin.Origin))
	if err != nil {
		return nil, fmt.Errorf("invalid origin: %w", err)
	}
	if origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin must be absolute: %s", cfg.Origin.Origin)
	}
	domain, _ := normalizeHost(cfg.Origin.Domain)
	if domain == "" {
		return nil, errors.New("domain is required")
	}
	return &OriginResolver{origin: origin, domain: domain}, nil
}

// Origin 返回应用自身的 origin。
func (r *OriginResolver) Origin() *url.URL {
	clone := *r.origin
	return &clone
}

// Domain 返回规范化后的应用 Host。
func (r *OriginResolver) Domain() string {
	return r.domain
}

// Resolve 计算目标 URL。forwardedProto 仅在正向代理时决定协议，缺省为 http。
func (r *OriginResolver) Resolve(host, forwardedProto, requestURI string) (*url.URL, error) {
	normalized, _ := normalizeHost(host)
	if normalized == "" {
		return nil, errors.New("host header required")
	}
	if requestURI == "" {
		requestURI = "/"
	}
	ref, err := url.Parse(requestURI)
	if err != nil {
		return nil, fmt.Errorf("invalid request uri: %w", err)
	}

	if normalized == r.domain {
		if ref.IsAbs() {
			ref = &url.URL{Path: ref.Path, RawPath: ref.RawPath, RawQuery: ref.RawQuery}
		}
		return r.origin.ResolveReference(ref), nil
	}

	if ref.IsAbs() {
		return ref, nil
	}
	scheme := strings.ToLower(strings.TrimSpace(forwardedProto))
	if scheme != "https" {
		scheme = "http"
	}
	target := &url.URL{
		Scheme:   scheme,
		Host:     strings.TrimSpace(host),
		Path:     ref.Path,
		RawPath:  ref.RawPath,
		RawQuery: ref.RawQuery,
	}
	return target, nil
}

func normalizeHost(raw string) (string, int) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", 0
	}

	host := raw
	port := 0

	if strings.Contains(raw, ":") {
		if h, p, err := net.SplitHostPort(raw); err == nil {
			host = h
			if parsedPort, err := strconv.Atoi(p); err == nil {
				port = parsedPort
			}
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && strings.Count(raw[idx+1:], ":") == 0 {
			if parsedPort, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
				port = parsedPort
			}
		}
	}

	host = strings.TrimSuffix(host, ".")
	host = strings.ToLower(host)
	return host, port
}
