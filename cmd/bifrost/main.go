package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/orris-inc/bifrost/internal/config"
	"github.com/orris-inc/bifrost/internal/logger"
	"github.com/orris-inc/bifrost/internal/server"
)

const usageSchema = `config is JSON with the schema:
{
  http?: {
    port: number,
    host?: string
  },
  ws?: {
    port: number,
    host?: string
  } | boolean,
  setuid?: string,
  metrics?: {
    port: number,
    host?: string
  },
  logLevel?: "debug" | "info" | "warn" | "error",
  createRate?: number,
  dialTimeout?: string | number
}
`

func usage() {
	name := os.Args[0]
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] ['config']\n\n", name)
	fmt.Fprint(os.Stderr, usageSchema)
	fmt.Fprintf(os.Stderr, "\nexample: %s '{\"http\":{\"port\":2847,\"host\":\"0.0.0.0\"},\"ws\":true,\"setuid\":\"nobody\"}'\n\n", name)
	flag.PrintDefaults()
}

func main() {
	var (
		configPath = flag.StringP("config", "c", "", "path to a JSON config file")
		logLevel   = flag.StringP("log-level", "l", "", "log level: debug, info, warn or error")
	)
	flag.Usage = usage
	flag.Parse()

	if *configPath == "" && flag.NArg() == 0 && os.Getenv("BIFROST_HTTP_PORT") == "" {
		usage()
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath, flag.Arg(0))
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid log level", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(level)

	srv := server.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Error("failed to start server", "error", err)
		os.Exit(1)
	}

	if cfg.Setuid != "" {
		if err := dropPrivileges(cfg.Setuid); err != nil {
			logger.Error("failed to drop privileges", "user", cfg.Setuid, "error", err)
			srv.Stop()
			os.Exit(1)
		}
		logger.Info("dropped privileges", "user", cfg.Setuid)
	}

	logger.Info("bifrost started", "http", cfg.HTTP != nil, "ws", cfg.WS.Mode.String())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("shutting down")

	if err := srv.Stop(); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}

// loadConfig reads the config file or inline JSON, applies environment
// overrides and validates the result once.
func loadConfig(path, inline string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	switch {
	case path != "":
		cfg, err = config.DecodeFile(path)
	case inline != "":
		cfg, err = config.Decode([]byte(inline))
	default:
		cfg = config.DefaultConfig()
	}
	if err != nil {
		return nil, err
	}

	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
