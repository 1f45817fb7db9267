package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/filestore"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/server"
)

// 响应来源，写入 X-Served-From。
const (
	SourceNetwork        = "network"
	SourceCache          = "cache"
	SourceFileStore      = "file-store"
	SourceFileStoreFont  = "file-store-font"
	SourceFileStoreImage = "file-store-image"
	SourceFallback       = "fallback"

	HeaderServedFrom = "X-Served-From"

	offlineBody = "Offline - No cache available"
)

var errNoCache = errors.New("network unavailable and no cached copy")

// Fetcher 发出真实网络请求，*http.Client 即满足该接口。
type Fetcher interface {
	Do(*http.Request) (*http.Response, error)
}

// FileReader 是 Router 对文件存储的只读视图。
type FileReader interface {
	Exists(p string) bool
	Read(p string) *filestore.Record
}

// Options 聚合 Router 的依赖。
type Options struct {
	Client     Fetcher
	Cache      cache.Store
	Files      FileReader
	Versions   cache.VersionSet
	Origin     *url.URL
	Classifier *Classifier
	Logger     *logrus.Logger
	Metrics    *metrics.Metrics
}

// Router 为每个拦截请求产出一个响应，任何错误（包括 panic）都会收敛到兜底响应。
type Router struct {
	client     Fetcher
	store      cache.Store
	files      FileReader
	versions   cache.VersionSet
	origin     *url.URL
	classifier *Classifier
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

// NewRouter 校验依赖并构建 Router。
func NewRouter(opts Options) (*Router, error) {
	if opts.Client == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("cache store is required")
	}
	if opts.Files == nil {
		return nil, errors.New("file store is required")
	}
	if opts.Origin == nil {
		return nil, errors.New("origin is required")
	}
	if opts.Classifier == nil {
		return nil, errors.New("classifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Router{
		client:     opts.Client,
		store:      opts.Cache,
		files:      opts.Files,
		versions:   opts.Versions,
		origin:     opts.Origin,
		classifier: opts.Classifier,
		logger:     logger,
		metrics:    opts.Metrics,
	}, nil
}

// Serve 处理一个请求，永远返回非 nil 的响应。
func (r *Router) Serve(ctx context.Context, req *http.Request) (resp *http.Response) {
	started := time.Now()
	strategy := StrategyPassthrough

	defer func() {
		if rec := recover(); rec != nil {
			r.logPanic(ctx, req, strategy, rec)
			resp = r.safeFallback(ctx, req)
		}
		r.logResult(ctx, req, strategy, resp, started)
	}()

	if !Intercepted(req) {
		return r.forward(ctx, req)
	}

	strategy = r.classifier.Classify(req, r.files.Exists)
	resp, err := r.dispatch(ctx, req, strategy)
	if err != nil {
		r.logFailure(ctx, req, strategy, err)
		return r.fallback(ctx, req)
	}
	return resp
}

func (r *Router) dispatch(ctx context.Context, req *http.Request, strategy Strategy) (*http.Response, error) {
	switch strategy {
	case StrategyFile:
		if resp := r.fromFiles(req, SourceFileStore, ""); resp != nil {
			return resp, nil
		}
		// 记录在检查与读取之间消失，按其余规则重新分类。
		return r.dispatch(ctx, req, r.classifier.classifyAsset(req))
	case StrategyFont:
		return r.serveFont(ctx, req)
	case StrategyImage:
		return r.serveImage(ctx, req)
	case StrategyAPI:
		return r.serveAPI(ctx, req)
	case StrategyStatic:
		return r.serveStatic(ctx, req)
	case StrategyHTML:
		return r.serveHTML(ctx, req)
	default:
		return r.passthrough(ctx, req)
	}
}

func (r *Router) serveFont(ctx context.Context, req *http.Request) (*http.Response, error) {
	if resp := r.fromFiles(req, SourceFileStoreFont, "font/ttf"); resp != nil {
		return resp, nil
	}
	partition := r.versions.Partition(cache.KindFont)
	key := cache.NewKey(req.URL)
	if entry, _ := r.lookup(ctx, partition, key); entry != nil {
		return entryResponse(req, entry), nil
	}
	resp, err := r.fetch(ctx, req, StrategyFont)
	if err != nil {
		return nil, err
	}
	return r.storeIfOK(ctx, req, partition, key, resp), nil
}

func (r *Router) serveImage(ctx context.Context, req *http.Request) (*http.Response, error) {
	if resp := r.fromFiles(req, SourceFileStoreImage, "image/jpeg"); resp != nil {
		return resp, nil
	}
	partition := r.versions.Partition(cache.KindImage)
	key := cache.NewKey(req.URL)
	fresh, stale := r.lookup(ctx, partition, key)
	if fresh != nil {
		return entryResponse(req, fresh), nil
	}
	resp, err := r.fetch(ctx, req, StrategyImage)
	if err != nil {
		if stale != nil {
			return entryResponse(req, stale), nil
		}
		return nil, err
	}
	return r.storeIfOK(ctx, req, partition, key, resp), nil
}

func (r *Router) serveAPI(ctx context.Context, req *http.Request) (*http.Response, error) {
	partition := r.versions.Partition(cache.KindAPI)
	key := cache.NewKey(req.URL)
	fresh, stale := r.lookup(ctx, partition, key)
	if fresh != nil {
		return entryResponse(req, fresh), nil
	}
	resp, err := r.fetch(ctx, req, StrategyAPI)
	if err != nil {
		if stale != nil {
			return entryResponse(req, stale), nil
		}
		if entry := r.match(ctx, key); entry != nil {
			return entryResponse(req, entry), nil
		}
		return nil, fmt.Errorf("%w: %v", errNoCache, err)
	}
	return r.storeIfOK(ctx, req, partition, key, resp), nil
}

func (r *Router) serveStatic(ctx context.Context, req *http.Request) (*http.Response, error) {
	partition := r.versions.Partition(cache.KindStatic)
	key := cache.NewKey(req.URL)
	resp, err := r.fetch(ctx, req, StrategyStatic)
	if err != nil {
		if entry := r.match(ctx, key); entry != nil {
			return entryResponse(req, entry), nil
		}
		return nil, fmt.Errorf("%w: %v", errNoCache, err)
	}
	return r.storeIfOK(ctx, req, partition, key, resp), nil
}

func (r *Router) serveHTML(ctx context.Context, req *http.Request) (*http.Response, error) {
	partition := r.versions.Partition(cache.KindStatic)
	key := cache.NewKey(req.URL)
	resp, err := r.fetch(ctx, req, StrategyHTML)
	if err != nil {
		if entry := r.match(ctx, key); entry != nil {
			return entryResponse(req, entry), nil
		}
		if entry := r.match(ctx, r.RootKey()); entry != nil {
			return entryResponse(req, entry), nil
		}
		return nil, fmt.Errorf("%w: %v", errNoCache, err)
	}
	return r.storeIfOK(ctx, req, partition, key, resp), nil
}

func (r *Router) passthrough(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := r.fetch(ctx, req, StrategyPassthrough)
	if err != nil {
		return nil, err
	}
	resp.Header.Set(HeaderServedFrom, SourceNetwork)
	return resp, nil
}

// forward 透传拦截范围之外的请求；失败时返回 502，而不是离线兜底。
func (r *Router) forward(ctx context.Context, req *http.Request) *http.Response {
	resp, err := r.fetch(ctx, req, StrategyPassthrough)
	if err != nil {
		r.logFailure(ctx, req, StrategyPassthrough, err)
		header := http.Header{}
		header.Set("Content-Type", "application/json")
		return bodyResponse(req, http.StatusBadGateway, header, []byte(`{"error":"upstream_failed"}`), SourceNetwork)
	}
	resp.Header.Set(HeaderServedFrom, SourceNetwork)
	return resp
}

// fallback 依次尝试：任意分区中的精确匹配、根文档（仅接受 HTML 时）、503 离线响应。
func (r *Router) fallback(ctx context.Context, req *http.Request) *http.Response {
	if req != nil && req.URL != nil && req.URL.IsAbs() {
		if entry := r.match(ctx, cache.NewKey(req.URL)); entry != nil {
			r.metrics.ObserveFallback("match")
			return entryResponse(req, entry)
		}
	}
	if req != nil && acceptsHTML(req) {
		if entry := r.match(ctx, r.RootKey()); entry != nil {
			r.metrics.ObserveFallback("root_document")
			return entryResponse(req, entry)
		}
	}
	r.metrics.ObserveFallback("offline")
	return OfflineResponse(req)
}

func (r *Router) safeFallback(ctx context.Context, req *http.Request) (resp *http.Response) {
	defer func() {
		if rec := recover(); rec != nil {
			resp = OfflineResponse(req)
		}
	}()
	return r.fallback(ctx, req)
}

// RootKey 返回应用根文档 <Origin>/ 的缓存键。
func (r *Router) RootKey() cache.Key {
	return cache.RootKey(r.origin)
}

// lookup 读取分区条目：fresh 为可直接返回的条目；stale 为本次读取时已过期并被删除的旧副本。
func (r *Router) lookup(ctx context.Context, partition cache.Partition, key cache.Key) (fresh, stale *cache.Entry) {
	entry, err := r.store.Get(ctx, partition, key)
	switch {
	case err == nil:
		r.metrics.ObserveLookup(partition.Name, "hit")
		return entry, nil
	case errors.Is(err, cache.ErrExpired):
		r.metrics.ObserveLookup(partition.Name, "expired")
		return nil, entry
	case errors.Is(err, cache.ErrNotFound):
		r.metrics.ObserveLookup(partition.Name, "miss")
	default:
		r.metrics.ObserveLookup(partition.Name, "error")
		r.logger.WithError(err).
			WithFields(logrus.Fields{"action": "cache_get", "partition": partition.Name, "url": key.URL}).
			Warn("cache_get_failed")
	}
	return nil, nil
}

func (r *Router) match(ctx context.Context, key cache.Key) *cache.Entry {
	entry, err := r.store.Match(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			r.logger.WithError(err).
				WithFields(logrus.Fields{"action": "cache_match", "url": key.URL}).
				Warn("cache_match_failed")
		}
		return nil
	}
	return entry
}

func (r *Router) fromFiles(req *http.Request, source, defaultType string) *http.Response {
	p := req.URL.Path
	if !r.files.Exists(p) {
		return nil
	}
	record := r.files.Read(p)
	if record == nil {
		return nil
	}
	contentType := record.ContentType
	if contentType == "" {
		contentType = defaultType
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := http.Header{}
	header.Set("Content-Type", contentType)
	return bodyResponse(req, http.StatusOK, header, record.Data, source)
}

func (r *Router) fetch(ctx context.Context, req *http.Request, strategy Strategy) (*http.Response, error) {
	out := req.Clone(ctx)
	out.RequestURI = ""
	resp, err := r.client.Do(out)
	if err != nil {
		r.metrics.ObserveNetworkFailure(string(strategy))
		return nil, err
	}
	return resp, nil
}

// storeIfOK 读取 2xx 响应正文并写入分区；非 2xx 原样返回且不缓存。
func (r *Router) storeIfOK(ctx context.Context, req *http.Request, partition cache.Partition, key cache.Key, resp *http.Response) *http.Response {
	if !isCacheableStatus(resp.StatusCode) {
		resp.Header.Set(HeaderServedFrom, SourceNetwork)
		return resp
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		r.logger.WithError(err).
			WithFields(logrus.Fields{"action": "proxy", "url": key.URL}).
			Warn("read_body_failed")
		return bodyResponse(req, http.StatusBadGateway, http.Header{}, nil, SourceNetwork)
	}

	header := make(http.Header, len(resp.Header))
	server.CopyHeaders(header, resp.Header)
	header.Del("Content-Length")
	header.Del(HeaderServedFrom)

	entry := &cache.Entry{Key: key, Status: resp.StatusCode, Header: header, Body: body}
	if err := r.store.Put(ctx, partition, key, entry); err != nil {
		r.logger.WithError(err).
			WithFields(logrus.Fields{"action": "cache_put", "partition": partition.Name, "url": key.URL}).
			Warn("cache_put_failed")
	}
	return bodyResponse(req, resp.StatusCode, header.Clone(), body, SourceNetwork)
}

func isCacheableStatus(status int) bool {
	return status >= 200 && status < 300
}

func entryResponse(req *http.Request, entry *cache.Entry) *http.Response {
	header := http.Header{}
	if entry.Header != nil {
		header = entry.Header.Clone()
	}
	status := entry.Status
	if status == 0 {
		status = http.StatusOK
	}
	return bodyResponse(req, status, header, entry.Body, SourceCache)
}

// OfflineResponse 是最终兜底：503 + 纯文本说明。
func OfflineResponse(req *http.Request) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain")
	return bodyResponse(req, http.StatusServiceUnavailable, header, []byte(offlineBody), SourceFallback)
}

func bodyResponse(req *http.Request, status int, header http.Header, body []byte, source string) *http.Response {
	header.Set(HeaderServedFrom, source)
	header.Set("Content-Length", strconv.Itoa(len(body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

func (r *Router) logResult(ctx context.Context, req *http.Request, strategy Strategy, resp *http.Response, started time.Time) {
	source := ""
	status := 0
	if resp != nil {
		source = resp.Header.Get(HeaderServedFrom)
		status = resp.StatusCode
	}
	r.metrics.ObserveRequest(string(strategy), source)
	fields := logging.RequestFields(string(strategy), source, requestURL(req), server.RequestIDFromContext(ctx))
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	r.logger.WithFields(fields).Info("intercept_complete")
}

func (r *Router) logFailure(ctx context.Context, req *http.Request, strategy Strategy, err error) {
	fields := logging.RequestFields(string(strategy), "", requestURL(req), server.RequestIDFromContext(ctx))
	fields["action"] = "proxy"
	fields["error"] = err.Error()
	r.logger.WithFields(fields).Warn("network_failed")
}

func (r *Router) logPanic(ctx context.Context, req *http.Request, strategy Strategy, recovered interface{}) {
	fields := logging.RequestFields(string(strategy), SourceFallback, requestURL(req), server.RequestIDFromContext(ctx))
	fields["action"] = "proxy"
	fields["error"] = "intercept_panic"
	r.logger.WithFields(fields).Error(fmt.Sprintf("panic: %v", recovered))
}

func requestURL(req *http.Request) string {
	if req == nil || req.URL == nil {
		return ""
	}
	return req.URL.String()
}
