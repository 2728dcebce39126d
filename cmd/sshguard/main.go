package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/sshguard/internal/adapters/command"
	"github.com/xoelrdgz/sshguard/internal/adapters/detection"
	"github.com/xoelrdgz/sshguard/internal/adapters/firewall"
	"github.com/xoelrdgz/sshguard/internal/adapters/input"
	"github.com/xoelrdgz/sshguard/internal/adapters/output"
	"github.com/xoelrdgz/sshguard/internal/app"
	"github.com/xoelrdgz/sshguard/internal/ports"
)

var (
	cfgFile string

	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "sshguard",
	Short: "Block SSH brute-force sources at the host firewall",
	Long: `sshguard follows the sshd authentication log, counts failed logins
per source address in a sliding time window, and blocks an address at the
local firewall (ufw or iptables) once it reaches the failure threshold.

Log sources, in order of preference:
  - /var/log/auth.log (or source.auth_log)
  - journalctl -f -u ssh (or source.command)`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start monitoring and blocking",
	Long: `Start the monitor in the foreground until SIGINT or SIGTERM.

Examples:
  sudo sshguard run
  sudo sshguard run --threshold 3 --window 120 --whitelist 10.0.0.0/8
  sshguard run --simulate --log-level debug`,
	RunE: runMonitor,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("sshguard %s\n", Version)
		fmt.Printf("Commit:   %s\n", Commit)
		fmt.Printf("Built:    %s\n", BuildTime)
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./configs/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error")
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	flags := runCmd.Flags()
	flags.Int("threshold", 5, "failures within the window that trigger a block")
	flags.Int("window", 60, "sliding window length in seconds")
	flags.StringSlice("whitelist", nil, "addresses or CIDR ranges that are never blocked")
	flags.Bool("simulate", false, "log blocks instead of changing the firewall")
	flags.String("auth-log", input.DefaultAuthLogPath, "auth log file to follow")
	flags.Bool("metrics", false, "serve Prometheus metrics and /healthz")
	flags.String("metrics-addr", ":9110", "metrics listen address")

	viper.BindPFlag("detection.threshold", flags.Lookup("threshold"))
	viper.BindPFlag("detection.window_seconds", flags.Lookup("window"))
	viper.BindPFlag("detection.whitelist", flags.Lookup("whitelist"))
	viper.BindPFlag("firewall.simulate", flags.Lookup("simulate"))
	viper.BindPFlag("source.auth_log", flags.Lookup("auth-log"))
	viper.BindPFlag("output.metrics.enabled", flags.Lookup("metrics"))
	viper.BindPFlag("output.metrics.addr", flags.Lookup("metrics-addr"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/sshguard")
	}

	app.SetDefaults(viper.GetViper())

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn().Err(err).Msg("Error reading config file")
		}
	}
}

func setupLogging(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05",
	})
	return log.Logger
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg := app.LoadConfig(viper.GetViper())
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := setupLogging(cfg.LogLevel)

	if !cfg.Simulate && os.Geteuid() != 0 {
		return fmt.Errorf("root privileges are required to change firewall rules: run with sudo or use --simulate")
	}

	whitelist := "none"
	if len(cfg.Whitelist) > 0 {
		whitelist = strings.Join(cfg.Whitelist, ", ")
	}
	logger.Info().
		Str("version", Version).
		Int("threshold", cfg.Threshold).
		Dur("window", cfg.Window).
		Str("whitelist", whitelist).
		Bool("simulate", cfg.Simulate).
		Msg("sshguard starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	executor := command.NewExecutor(logger)

	detector, err := detection.NewWindowDetector(detection.WindowConfig{
		Threshold: cfg.Threshold,
		Window:    cfg.Window,
		Whitelist: cfg.Whitelist,
	})
	if err != nil {
		return err
	}

	gateway := firewall.NewGateway(firewall.GatewayConfig{
		Simulate:       cfg.Simulate,
		CommandTimeout: cfg.CommandTimeout,
		RatePerSecond:  cfg.RatePerSecond,
	}, executor, logger)

	selector := &input.Selector{
		File:   input.FileTailConfig{Path: cfg.AuthLogPath, LossGrace: cfg.LossGrace},
		Stream: input.StreamConfig{Command: cfg.SourceCommand},
		Runner: executor,
		Logger: logger,
	}

	var mon *app.Monitor
	health := output.NewHealthChecker(output.HealthCheckerConfig{
		Stats: detector,
		Source: func() string {
			if mon == nil {
				return ""
			}
			return mon.SourceName()
		},
		Backend: gateway.BackendName,
	})
	observers := []ports.PipelineObserver{health}

	var metrics *output.PrometheusMetrics
	if cfg.MetricsEnabled {
		metrics = output.NewPrometheusMetrics("sshguard", detector, logger)
		observers = append(observers, metrics)
	}

	if cfg.JSONFeedPath != "" {
		feed, err := output.NewJSONFeed(output.JSONFeedConfig{
			FilePath: cfg.JSONFeedPath,
			Stdout:   cfg.JSONFeedPath == "-",
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to open JSON feed: %w", err)
		}
		defer feed.Close()
		observers = append(observers, feed)
	}

	if cfg.JournalPath != "" {
		journal, err := output.OpenBlockJournal(cfg.JournalPath, logger)
		if err != nil {
			return fmt.Errorf("failed to open block journal: %w", err)
		}
		observers = append(observers, journal)
	}

	mon = app.NewMonitor(cfg, app.MonitorDeps{
		Selector:  selector,
		Extractor: input.NewSSHExtractor(),
		Detector:  detector,
		Firewall:  gateway,
		Observers: observers,
		Logger:    logger,
	})
	health.Attach(mon)

	if metrics != nil {
		metricsConfig := output.DefaultMetricsConfig()
		metricsConfig.Addr = cfg.MetricsAddr
		if err := metrics.StartServer(metricsConfig, health); err != nil {
			logger.Warn().Err(err).Msg("Failed to start metrics server")
		}
		defer metrics.StopServer()
	}

	watcher := app.NewConfigWatcher(viper.GetViper(), logger)
	watcher.Start()
	defer watcher.Stop()

	if err := mon.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case <-mon.Done():
	}

	if err := mon.Stop(); err != nil {
		logger.Warn().Err(err).Msg("Unclean shutdown")
	}
	return mon.Err()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
