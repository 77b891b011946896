package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/offline-hub/internal/config"
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
	defer logging.Close(logger)

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["sites"] = len(cfg.Sites)
		fields["credentials"] = config.CredentialModes(cfg.Sites)
		fields["versions"] = config.Versions(cfg.Sites)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 日志 → 上游 client → 站点注册表（安装 Worker）→ 配置监听 → Fiber server，
	// 保证第一个请求到达时每个站点都已有激活的 Worker。
	recorder := metrics.NewRecorder()
	registry, err := server.NewSiteRegistry(cfg, server.RegistryOptions{
		Client:  server.NewUpstreamClient(cfg),
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建站点注册表失败: %v\n", err)
		return 1
	}
	if err := registry.Install(ctx, cfg); err != nil {
		logger.WithFields(logging.BaseFields("install", opts.configPath)).
			WithError(err).Warn("部分站点 Worker 安装失败")
	}

	if _, err := watchConfig(ctx, opts.configPath, registry, logger); err != nil {
		logger.WithFields(logging.BaseFields("config_reload", opts.configPath)).
			WithError(err).Warn("配置热加载不可用")
	}

	fields := logging.BaseFields("startup", opts.configPath)
	fields["sites"] = len(cfg.Sites)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["credentials"] = config.CredentialModes(cfg.Sites)
	fields["versions"] = config.Versions(cfg.Sites)
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	forwarder := proxy.NewForwarder(proxy.NewHandler(logger), logger)
	if err := startHTTPServer(ctx, cfg, registry, forwarder, recorder, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
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

// watchConfig 在配置文件变化时安装新版本 Worker；全局字段的变化需要重启才会生效。
func watchConfig(ctx context.Context, path string, registry *server.SiteRegistry, logger *logrus.Logger) (*config.Watcher, error) {
	return config.Watch(path,
		func(next *config.Config, event fsnotify.Event) {
			fields := logging.BaseFields("config_reload", path)
			fields["event"] = event.Op.String()
			fields["versions"] = config.Versions(next.Sites)
			logger.WithFields(fields).Info("配置已重新加载")
			if err := registry.Apply(ctx, next); err != nil {
				logger.WithFields(fields).WithError(err).Warn("站点 Worker 更新失败")
			}
		},
		func(err error, event fsnotify.Event) {
			fields := logging.BaseFields("config_reload", path)
			fields["event"] = event.Op.String()
			logger.WithFields(fields).WithError(err).Warn("新配置无效，继续使用旧配置")
		},
	)
}

func startHTTPServer(
	ctx context.Context,
	cfg *config.Config,
	registry *server.SiteRegistry,
	proxyHandler server.ProxyHandler,
	recorder *metrics.Recorder,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Registry:   registry,
		Proxy:      proxyHandler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterWorkerRoutes(app, registry, recorder)

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	select {
	case err := <-listenErr:
		return err
	case <-ctx.Done():
	}

	timeout := cfg.Global.ShutdownTimeout.DurationValue()
	logger.WithFields(logrus.Fields{"action": "shutdown", "timeout": timeout.String()}).Info("收到退出信号")
	shutdownErr := app.ShutdownWithTimeout(timeout)

	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := registry.Close(drainCtx); err != nil {
		logger.WithFields(logrus.Fields{"action": "shutdown"}).WithError(err).Warn("缓存写入未全部完成")
	}
	if shutdownErr != nil && !errors.Is(shutdownErr, context.DeadlineExceeded) {
		return shutdownErr
	}
	return nil
}
