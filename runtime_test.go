package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/logging"
)

func TestRuntimeOfflineFlow(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			io.WriteString(w, "<html>desktop</html>")
		case "/_next/static/chunk.js":
			w.Header().Set("Content-Type", "application/javascript")
			io.WriteString(w, "boot()")
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()

	cfg := loadRuntimeConfig(t, upstream.URL)
	rt, err := buildRuntime(cfg, logging.Discard())
	if err != nil {
		t.Fatalf("构建运行时失败: %v", err)
	}
	if err := rt.controller.Start(context.Background()); err != nil {
		t.Fatalf("激活失败: %v", err)
	}

	resp := doRequest(t, rt, http.MethodGet, "/_next/static/chunk.js", "", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("X-Served-From") != "network" {
		t.Fatalf("首次请求应走网络: %d %s", resp.StatusCode, resp.Header.Get("X-Served-From"))
	}

	payload := fmt.Sprintf(`{"type":"CACHE_FILE","path":"/Users/Guest/Desktop/readme.txt","data":"%s"}`,
		base64.StdEncoding.EncodeToString([]byte("offline notes")))
	resp = doRequest(t, rt, http.MethodPost, "/-/messages", "application/json", strings.NewReader(payload))
	if body := readAll(t, resp); !strings.Contains(body, `"success":true`) {
		t.Fatalf("CACHE_FILE 应成功: %s", body)
	}

	upstream.Close()

	resp = doRequest(t, rt, http.MethodGet, "/Users/Guest/Desktop/readme.txt", "", nil)
	if body := readAll(t, resp); body != "offline notes" || resp.Header.Get("X-Served-From") != "file-store" {
		t.Fatalf("离线读取文件失败: %q %s", body, resp.Header.Get("X-Served-From"))
	}

	resp = doRequest(t, rt, http.MethodGet, "/_next/static/chunk.js", "", nil)
	if body := readAll(t, resp); body != "boot()" {
		t.Fatalf("离线静态资源应来自缓存: %q", body)
	}

	resp = doRequest(t, rt, http.MethodGet, "/finder", "text/html", nil)
	if body := readAll(t, resp); body != "<html>desktop</html>" {
		t.Fatalf("离线导航应回退到根文档: %q", body)
	}

	resp = doRequest(t, rt, http.MethodGet, "/unknown.bin", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("无缓存时应返回 503，得到 %d", resp.StatusCode)
	}

	resp = doRequest(t, rt, http.MethodGet, "/-/status", "", nil)
	if body := readAll(t, resp); !strings.Contains(body, `"active":true`) {
		t.Fatalf("status 应显示 active: %s", body)
	}
}

func TestRuntimeClearCacheMessage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>home</html>")
	}))
	defer upstream.Close()

	rt, err := buildRuntime(loadRuntimeConfig(t, upstream.URL), logging.Discard())
	if err != nil {
		t.Fatalf("构建运行时失败: %v", err)
	}
	if err := rt.controller.Start(context.Background()); err != nil {
		t.Fatalf("激活失败: %v", err)
	}

	resp := doRequest(t, rt, http.MethodPost, "/-/messages", "application/json", strings.NewReader(`{"type":"CLEAR_CACHE"}`))
	if body := readAll(t, resp); !strings.Contains(body, `"success":true`) {
		t.Fatalf("CLEAR_CACHE 应成功: %s", body)
	}
	names, err := rt.store.Partitions(context.Background())
	if err != nil {
		t.Fatalf("列出分区失败: %v", err)
	}
	if len(names) != 0 {
		t.Fatalf("清空后不应残留分区: %v", names)
	}
}

func loadRuntimeConfig(t *testing.T, origin string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	path := writeConfigFile(t, fmt.Sprintf(`
ListenPort = 5000
LogLevel = "info"
StoragePath = "%s"
UpstreamTimeout = "2s"
Origin = "%s"
Domain = "macos.local"
`, filepath.Join(dir, "storage"), origin))
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}
	return cfg
}

func doRequest(t *testing.T, rt *hubRuntime, method, target, accept string, body io.Reader) *http.Response {
	t.Helper()
	req := httptest.NewRequest(method, "http://macos.local"+target, body)
	req.Host = "macos.local"
	if accept != "" {
		if method == http.MethodPost {
			req.Header.Set("Content-Type", accept)
		} else {
			req.Header.Set("Accept", accept)
		}
	}
	resp, err := rt.app.Test(req, fiber.TestConfig{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("app.Test 失败: %v", err)
	}
	return resp
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("读取响应失败: %v", err)
	}
	return string(raw)
}
