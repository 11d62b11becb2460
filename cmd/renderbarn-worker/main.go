package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ternarybob/arbor"

	"github.com/renderbarn/renderbarn/internal/common"
	"github.com/renderbarn/renderbarn/internal/worker"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	managerURL   = flag.String("manager", "", "Manager base URL (overrides config)")
	hostname     = flag.String("hostname", "", "Hostname to register as (overrides config)")
	showVersion  = flag.Bool("version", false, "Print version information")
	showVersionV = flag.Bool("v", false, "Print version information (shorthand)")

	config *common.Config
	logger arbor.ILogger
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion || *showVersionV {
		fmt.Printf("Renderbarn worker version %s\n", common.GetVersion())
		os.Exit(0)
	}

	var err error

	if len(configFiles) == 0 {
		if _, err := os.Stat("renderbarn.toml"); err == nil {
			configFiles = append(configFiles, "renderbarn.toml")
		} else if _, err := os.Stat("deployments/local/renderbarn.toml"); err == nil {
			configFiles = append(configFiles, "deployments/local/renderbarn.toml")
		}
	}

	config, err = common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := arbor.NewLogger()
		tempLogger.Fatal().Strs("paths", configFiles).Err(err).Msg("Failed to load configuration files")
		os.Exit(1)
	}
	if *managerURL != "" {
		config.Worker.ManagerURL = *managerURL
	}
	if *hostname != "" {
		config.Worker.Hostname = *hostname
	}

	logger = common.InitLogger(config)

	common.PrintBanner("Renderbarn Worker")

	logger.Info().
		Strs("config_files", configFiles).
		Str("manager_url", config.Worker.ManagerURL).
		Str("tools_dir", config.Worker.ToolsDir).
		Str("cache_dir", config.Worker.CacheDir).
		Msg("Worker configuration loaded")

	agent, err := worker.NewAgent(config, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize worker agent")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info().Msg("Interrupt signal received")
		cancel()
	}()

	if err := agent.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Worker agent failed")
	}

	logger.Info().Msg("Worker stopped")
}
