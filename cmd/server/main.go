package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"planet-backend/pkg/config"
	"planet-backend/pkg/logger"
	"planet-backend/pkg/server"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	// 命令行参数
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	version := flag.Bool("version", false, "显示版本信息")
	flag.Parse()

	// 显示版本信息
	if *version {
		fmt.Printf("planet-server version %s (built at %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// 加载配置
	cfg := &config.ServerConfig{}
	if err := config.LoadConfig(*configPath, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log := logger.NewLogger(cfg.Log.Debug)
	if cfg.Log.File != "" {
		log.SetLogOutput(cfg.Log.File)
	}

	// 创建服务器实例
	srv, err := server.New(cfg, log.GetLogger("main"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating server: %v\n", err)
		os.Exit(1)
	}

	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	mainLog := log.GetLogger("main")
	mainLog.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Msg("Server started successfully")

	// 等待信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	// 优雅关闭
	if err := srv.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping server: %v\n", err)
		os.Exit(1)
	}
}
