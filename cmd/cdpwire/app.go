package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"cdpwire/internal/config"
	"cdpwire/internal/logger"
	"cdpwire/internal/metrics"
)

// App 命令行入口
type App struct {
	root   *cobra.Command
	stdout io.Writer

	configPath  string
	endpoint    string
	metricsAddr string

	cfg      *config.Config
	log      logger.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	server   *http.Server
}

func NewApp() *App {
	a := &App{stdout: os.Stdout}
	a.root = &cobra.Command{
		Use:   "cdpwire",
		Short: "Drive a Chromium browser over the DevTools protocol",
		Long: `cdpwire connects to a running Chromium-family browser through its DevTools
endpoint, navigates pages with load-state guarantees and intercepts network
traffic with glob routes or a YAML rule set.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return a.teardown()
		},
	}
	f := a.root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "Path to YAML configuration file")
	f.StringVarP(&a.endpoint, "endpoint", "e", "", "DevTools endpoint (http://host:port or ws:// URL)")
	f.StringVar(&a.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	a.root.AddCommand(a.newTargetsCmd(), a.newGotoCmd(), a.newJournalCmd())
	return a
}

// WithOutput 替换标准输出，测试中使用
func (a *App) WithOutput(w io.Writer) *App {
	a.stdout = w
	a.root.SetOut(w)
	a.root.SetErr(w)
	return a
}

// Execute 收到 SIGINT/SIGTERM 时取消命令上下文
func (a *App) Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return a.root.ExecuteContext(ctx)
}

// ExecuteWithArgs 以指定参数运行
func (a *App) ExecuteWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.root.ExecuteContext(ctx)
}

func (a *App) setup(*cobra.Command, []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.endpoint != "" {
		cfg.CDP.Endpoint = a.endpoint
	}
	if a.metricsAddr != "" {
		cfg.Metrics.Addr = a.metricsAddr
	}
	a.cfg = cfg
	a.log = logger.New(logger.Options{Level: cfg.Log.Level, Writer: cfg.Log.Writer, File: cfg.Log.File})

	a.registry = prometheus.NewRegistry()
	a.metrics = metrics.New(a.registry)
	if cfg.Metrics.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", cfg.Metrics.Addr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Err(err, "指标服务异常退出")
		}
	}()
	a.log.Info("指标服务已启动", "addr", ln.Addr().String())
	return nil
}

func (a *App) teardown() error {
	if a.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}
