package server

import (
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/any-hub/offline-hub/internal/config"
)

const defaultUpstreamTimeout = 30 * time.Second

// NewUpstreamClient 返回拦截层访问网络使用的 http.Client。
// 拦截层本身就是浏览器的代理，因此不读取 HTTP_PROXY 等环境变量，避免请求绕回自身。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := defaultUpstreamTimeout
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: newUpstreamTransport(timeout),
	}
}

// newUpstreamTransport 的连接/握手超时不超过整体超时，离线时尽快失败进入缓存兜底。
func newUpstreamTransport(timeout time.Duration) *http.Transport {
	dial := minDuration(timeout, 10*time.Second)
	return &http.Transport{
		Proxy:                 nil,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   dial,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
		DialContext: (&net.Dialer{
			Timeout:   dial,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// hopByHopHeaders 定义 RFC 7230 中禁止代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {}, // 非标准字段，但部分代理仍使用
}

// CopyHeaders 将 src 中的端到端头追加到 dst。固定的 hop-by-hop 头以及
// src 的 Connection 头点名的字段都会被跳过。
func CopyHeaders(dst, src http.Header) {
	listed := connectionListed(src)
	for key, values := range src {
		canonical := textproto.CanonicalMIMEHeaderKey(key)
		if isHopByHopHeader(canonical) {
			continue
		}
		if _, ok := listed[canonical]; ok {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

func connectionListed(h http.Header) map[string]struct{} {
	var listed map[string]struct{}
	for _, value := range h.Values("Connection") {
		for _, name := range strings.Split(value, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if listed == nil {
				listed = make(map[string]struct{})
			}
			listed[textproto.CanonicalMIMEHeaderKey(name)] = struct{}{}
		}
	}
	return listed
}

func isHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
