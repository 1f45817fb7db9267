package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/cache"
	"github.com/any-hub/offline-hub/internal/config"
	"github.com/any-hub/offline-hub/internal/control"
	"github.com/any-hub/offline-hub/internal/filestore"
	"github.com/any-hub/offline-hub/internal/lifecycle"
	"github.com/any-hub/offline-hub/internal/logging"
	"github.com/any-hub/offline-hub/internal/metrics"
	"github.com/any-hub/offline-hub/internal/proxy"
	"github.com/any-hub/offline-hub/internal/server"
	"github.com/any-hub/offline-hub/internal/server/routes"
	"github.com/any-hub/offline-hub/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["origin"] = cfg.Origin.Origin
		fields["domain"] = cfg.Origin.Domain
		fields["cache_version"] = cfg.Cache.CacheVersion
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	rt, err := buildRuntime(cfg, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化运行时失败: %v\n", err)
		return 1
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["origin"] = cfg.Origin.Origin
	fields["domain"] = cfg.Origin.Domain
	fields["generation"] = rt.controller.Generation()
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 监听先于激活启动，激活完成前的请求由 ActivationGate 挡住。
	go func() {
		if err := rt.controller.Start(ctx); err != nil {
			logger.WithFields(logging.LifecycleFields("lifecycle_start", rt.controller.Generation(), string(rt.controller.State()))).
				WithError(err).Error("lifecycle start failed")
		}
	}()
	go rt.controller.Run(ctx)

	if err := startHTTPServer(ctx, cfg, rt.app, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// hubRuntime 是一次进程代际内共享的全部组件。
type hubRuntime struct {
	app        *fiber.App
	controller *lifecycle.Controller
	router     *proxy.Router
	channel    *control.Channel
	files      *filestore.Store
	store      cache.Store
	registry   *prometheus.Registry
}

// buildRuntime 按“配置 → 存储 → 生命周期 → 路由 → Fiber app”的顺序装配组件，
// 所有请求共享同一份缓存与文件存储实例。
func buildRuntime(cfg *config.Config, logger *logrus.Logger) (*hubRuntime, error) {
	resolver, err := server.NewOriginResolver(cfg)
	if err != nil {
		return nil, fmt.Errorf("origin: %w", err)
	}
	origin := resolver.Origin()

	versions := cache.NewVersionSet(cfg.Cache.CacheVersion, cache.ProfileOptions{
		APITTL:   cfg.Cache.APICacheTTL.DurationValue(),
		ImageTTL: cfg.Cache.ImageCacheTTL.DurationValue(),
	})
	store, err := cache.NewStore(cache.Options{
		BasePath: filepath.Join(cfg.Global.StoragePath, "caches"),
		Versions: versions,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化缓存目录失败: %w", err)
	}
	files, err := filestore.New(filepath.Join(cfg.Global.StoragePath, "files"), logger)
	if err != nil {
		return nil, fmt.Errorf("初始化文件存储失败: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hubMetrics := metrics.NewMetrics(registry)

	httpClient := server.NewUpstreamClient(cfg)

	controller, err := lifecycle.New(lifecycle.Options{
		Cache:         store,
		Versions:      versions,
		Client:        httpClient,
		Origin:        origin,
		AutoActivate:  cfg.Cache.AutoActivate,
		SweepInterval: cfg.Cache.SweepInterval.DurationValue(),
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	classifier, err := proxy.NewClassifier(proxy.ClassifierOptions{
		ReservedPrefixes: cfg.Cache.ReservedPrefixes(),
		StaticPrefix:     cfg.Cache.StaticPrefix,
		APIPatterns:      cfg.Cache.APIPatterns,
	})
	if err != nil {
		return nil, err
	}
	router, err := proxy.NewRouter(proxy.Options{
		Client:     httpClient,
		Cache:      store,
		Files:      files,
		Versions:   versions,
		Origin:     origin,
		Classifier: classifier,
		Logger:     logger,
		Metrics:    hubMetrics,
	})
	if err != nil {
		return nil, err
	}

	channel, err := control.New(control.Options{
		Activator: controller,
		Cache:     store,
		Files:     files,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:            logger,
		Resolver:          resolver,
		Interceptor:       router,
		Gate:              controller,
		ListenPort:        cfg.Global.ListenPort,
		ActivationTimeout: cfg.Global.UpstreamTimeout.DurationValue(),
	})
	if err != nil {
		return nil, err
	}
	routes.RegisterDiagnosticsRoutes(app, routes.Diagnostics{
		Status:   controller,
		Control:  channel,
		Gatherer: registry,
	})

	return &hubRuntime{
		app:        app,
		controller: controller,
		router:     router,
		channel:    channel,
		files:      files,
		store:      store,
		registry:   registry,
	}, nil
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("offline-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 OFFLINE_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("OFFLINE_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

func startHTTPServer(ctx context.Context, cfg *config.Config, app *fiber.App, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务停止")
		_ = app.Shutdown()
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
