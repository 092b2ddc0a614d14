package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	logpkg "github.com/IoTtalk/DeviceTalk-to-v1/common/logger"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/config"
	"github.com/IoTtalk/DeviceTalk-to-v1/internal/service"
)

const (
	serviceName = "devicetalk-codegen"
	// 收到信号后等待当前构建结束的最长时间
	shutdownTimeout = 30 * time.Second
)

var (
	// 全局 flag
	configFile string
	logLevel   string

	cfg *config.Config
	log *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   serviceName,
	Short: "DeviceTalk SA code generator",
	Long: `Generates IoTtalk SA (device application) code from a device's library stack,
device features and the basic file templates of its target language.

Run "serve" to consume assemble requests from Redis, or use the one-shot commands.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configFile != "" {
			if err := os.Setenv(config.ConfigFileEnv, configFile); err != nil {
				return err
			}
		}
		// 加载配置
		var err error
		if cfg, err = config.Load(); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}
		// 初始化日志
		if log, err = logpkg.NewLogger(cfg.Log.Level, cfg.Log.Format, serviceName); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Consume assemble requests from the Redis stream",
	RunE:  serve,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML config file (overrides "+config.ConfigFileEnv+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	rootCmd.AddCommand(serveCmd)
	addCommands(rootCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openService 连接所有依赖；调用方负责 Stop
func openService(ctx context.Context) (*service.CodegenService, error) {
	svc, err := service.Open(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create codegen service: %w", err)
	}
	return svc, nil
}

func serve(cmd *cobra.Command, args []string) error {
	log.Info("Starting devicetalk-codegen service")

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := openService(ctx)
	if err != nil {
		return err
	}

	// 监听系统信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// 启动服务（在 goroutine 中），返回时一定写入 errChan
	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Start(ctx)
	}()

	// 等待信号或错误
	var runErr error
	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
		// 等正在进行的构建结束后再关闭连接
		runErr = waitStopped(errChan, shutdownTimeout)
	case runErr = <-errChan:
		if runErr != nil {
			log.Error("Service error", zap.Error(runErr))
		}
		cancel()
	}

	// 停止服务
	if err := svc.Stop(context.Background()); err != nil {
		log.Error("Error stopping service", zap.Error(err))
	}

	log.Info("Service stopped")
	return runErr
}

// waitStopped 等待 Start 返回，超时后返回错误
func waitStopped(errChan <-chan error, timeout time.Duration) error {
	select {
	case err := <-errChan:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("service did not stop within %s", timeout)
	}
}
