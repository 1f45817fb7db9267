package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Interceptor 为每个请求产出响应，实现方保证返回值非 nil。
type Interceptor interface {
	Serve(context.Context, *http.Request) *http.Response
}

// InterceptorFunc adapts a function to the Interceptor interface.
type InterceptorFunc func(context.Context, *http.Request) *http.Response

// Serve makes InterceptorFunc satisfy Interceptor.
func (f InterceptorFunc) Serve(ctx context.Context, req *http.Request) *http.Response {
	return f(ctx, req)
}

// ActivationGate 是拦截开始前必须通过的屏障。
type ActivationGate interface {
	WaitActive(ctx context.Context) error
}

// AppOptions controls how the Fiber application should behave on a specific port.
type AppOptions struct {
	Logger      *logrus.Logger
	Resolver    *OriginResolver
	Interceptor Interceptor
	// Gate 为空时不等待激活。
	Gate       ActivationGate
	ListenPort int
	// ActivationTimeout 限制单个请求等待激活的时长，默认 30s。
	ActivationTimeout time.Duration
}

const contextKeyRequestID = "_offlinehub_request_id"

type requestIDKey struct{}

// NewApp builds a Fiber application that resolves targets, waits for
// activation and delegates to the interceptor.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Resolver == nil {
		return nil, errors.New("origin resolver is required")
	}
	if opts.Interceptor == nil {
		return nil, errors.New("interceptor is required")
	}
	if opts.ListenPort <= 0 {
		return nil, fmt.Errorf("invalid listen port: %d", opts.ListenPort)
	}
	if opts.ActivationTimeout <= 0 {
		opts.ActivationTimeout = 30 * time.Second
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware())

	app.All("/*", func(c fiber.Ctx) error {
		if isDiagnosticsPath(string(c.Request().URI().Path())) {
			return c.Next()
		}
		return intercept(c, opts)
	})

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID 并回写 X-Request-ID。
func requestContextMiddleware() fiber.Handler {
	return func(c fiber.Ctx) error {
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)
		return c.Next()
	}
}

func intercept(c fiber.Ctx, opts AppOptions) error {
	requestID := RequestID(c)
	rawHost := strings.TrimSpace(getHostHeader(c))
	target, err := opts.Resolver.Resolve(rawHost, c.Get("X-Forwarded-Proto"), string(c.Request().URI().RequestURI()))
	if err != nil {
		opts.Logger.WithFields(logrus.Fields{
			"action":     "host_lookup",
			"host":       rawHost,
			"port":       opts.ListenPort,
			"request_id": requestID,
		}).WithError(err).Warn("target unresolved")
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "target_unresolved"})
	}

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = WithRequestID(ctx, requestID)

	if opts.Gate != nil {
		waitCtx, cancel := context.WithTimeout(ctx, opts.ActivationTimeout)
		err := opts.Gate.WaitActive(waitCtx)
		cancel()
		if err != nil {
			opts.Logger.WithFields(logrus.Fields{
				"action":     "activation_wait",
				"url":        target.String(),
				"request_id": requestID,
			}).WithError(err).Warn("activation pending")
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "activation_pending"})
		}
	}

	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}
	CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Host")
	req.Header.Del("Accept-Encoding")
	req.Host = target.Host
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}

	resp := opts.Interceptor.Serve(ctx, req)
	if resp == nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "no_response"})
	}
	return writeResponse(c, resp)
}

func writeResponse(c fiber.Ctx, resp *http.Response) error {
	defer resp.Body.Close()

	for key, values := range resp.Header {
		if isHopByHopHeader(key) || strings.EqualFold(key, "Content-Length") {
			continue
		}
		for _, value := range values {
			c.Response().Header.Add(key, value)
		}
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(c.Response().BodyWriter(), resp.Body); err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("response stream failed: %v", err))
	}
	return nil
}

func getHostHeader(c fiber.Ctx) string {
	if raw := c.Request().Header.Peek(fiber.HeaderHost); len(raw) > 0 {
		return string(raw)
	}
	return c.Hostname()
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}

// WithRequestID 把请求 ID 放入 context，供拦截层日志使用。
func WithRequestID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext 读取 WithRequestID 写入的请求 ID。
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func isDiagnosticsPath(path string) bool {
	return strings.HasPrefix(path, "/-/")
}
