package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NodePath81/netspector/internal/app"
	"github.com/NodePath81/netspector/internal/config"
	"github.com/NodePath81/netspector/internal/util"
	"github.com/NodePath81/netspector/internal/version"
)

const defaultConfigPath = "config.yaml"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", defaultConfigPath, "Path to config file")
			name := runCmd.String("name", "", "Connection name (prompted for when empty)")
			count := runCmd.Int("count", 0, "Number of pings (defaults to ping.count)")
			latencyOnly := runCmd.Bool("latency-only", false, "Skip the speed test")
			verbose := runCmd.Bool("verbose", false, "Show log output on the console")
			_ = runCmd.Parse(os.Args[2:])
			os.Exit(runConsole(consoleOptions{
				ConfigPath:  *configPath,
				Name:        *name,
				Count:       *count,
				LatencyOnly: *latencyOnly,
				Verbose:     *verbose,
			}))
		case "gui":
			guiCmd := flag.NewFlagSet("gui", flag.ExitOnError)
			configPath := guiCmd.String("config", defaultConfigPath, "Path to config file")
			_ = guiCmd.Parse(os.Args[2:])
			os.Exit(runGUI(*configPath))
		case "history":
			historyCmd := flag.NewFlagSet("history", flag.ExitOnError)
			configPath := historyCmd.String("config", defaultConfigPath, "Path to config file")
			limit := historyCmd.Int("limit", 0, "Number of records to show (defaults to control.history_limit)")
			_ = historyCmd.Parse(os.Args[2:])
			os.Exit(showHistory(*configPath, *limit))
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", defaultConfigPath, "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == defaultConfigPath && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			os.Exit(checkConfig(*configPath))
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}

	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	gui := flag.Bool("gui", false, "Run the web GUI instead of the console test")
	flag.Parse()
	if *gui {
		os.Exit(runGUI(*configPath))
	}
	os.Exit(runConsole(consoleOptions{ConfigPath: *configPath}))
}

func loadConfig(path string) (config.Config, util.Logger, error) {
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger, err := util.NewLoggerWithOptions(cfg.Logging.LogOptions())
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger, nil
}

func runGUI(configPath string) int {
	_, logger, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	supervisor := app.NewSupervisor(configPath, logger, app.BuildOptions{})
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	fmt.Printf("NetSpector GUI available at http://%s/\n", supervisor.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			logger.Info("reload requested")
			if err := supervisor.Restart(); err != nil {
				logger.Error("reload failed", "error", err)
				return 1
			}
			continue
		}
		break
	}
	logger.Info("shutdown requested")
	supervisor.Stop()
	return 0
}

func checkConfig(path string) int {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		return 1
	}
	fmt.Printf("config valid: target %s, %d pings, %s storage\n", cfg.Ping.Target, cfg.Ping.Count, cfg.Storage.Backend)
	return 0
}

func printHelp() {
	fmt.Print(`netspector - network quality monitor

Usage:
  netspector                          Run a console test (10 pings + speed test)
  netspector --gui                    Start the web GUI
  netspector run [--name N] [--count C] [--latency-only] [--config <path>]
                                      Run a console test
  netspector gui --config <path>      Start the web GUI
  netspector history [--limit N]      Show the most recent results, newest first
  netspector check --config <path>    Validate config file
  netspector help                     Show this help
  netspector version                  Print version
`)
}
