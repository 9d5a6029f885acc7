package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/takama/daemon"
	"go.uber.org/zap"

	"github.com/iconloop/goloop-watchdog/internal/alert"
	"github.com/iconloop/goloop-watchdog/internal/crawler"
	"github.com/iconloop/goloop-watchdog/internal/goloop"
	"github.com/iconloop/goloop-watchdog/internal/monitor"
)

// Filled in at build time via -ldflags.
var (
	version = "unreleased"
	commit  = ""
	builtAt = ""
	builtBy = ""
)

func versionS() string {
	return fmt.Sprintf("%s %s-%s (%s %s)",
		path.Base(os.Args[0]), version, commit, builtBy, builtAt)
}

const (
	serviceName        = "goloop-watchdog"
	serviceDescription = "goloop node monitoring daemon"
)

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

func loadRuntime() (*watchConfig, *goloop.Client, *zap.SugaredLogger, error) {
	log, err := newLogger(viper.GetBool("verbose"))
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := loadConfig(viper.GetString("config"))
	if err != nil {
		return nil, nil, nil, err
	}
	client := goloop.NewClient(goloop.Config{
		Timeout:       cfg.httpTimeout(),
		Retries:       cfg.Performance.Retries,
		MaxConcurrent: cfg.Performance.MaxConcurrent,
	}, log)
	return cfg, client, log, nil
}

func newNotifier(cfg *watchConfig, log *zap.SugaredLogger) *alert.Notifier {
	return alert.NewNotifier(alert.Config{
		PagerDutyServiceKey: cfg.Auth.PagerDuty.EventServiceKey,
		TelegramBotToken:    cfg.Auth.Telegram.BotToken,
		TelegramChatID:      cfg.Auth.Telegram.ChatID,
	}, log)
}

func nodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "node",
		Short: "Watch one node's block height, TPS and sync state",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer log.Sync()
			if err := cfg.validateNode(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m := monitor.NewNodeStatsMonitor(
				cfg.Node.API, cfg.Node.CompareAPI, client,
				monitor.NodeStatsConfig{
					Interval:     time.Duration(cfg.Node.Interval) * time.Second,
					HistorySize:  cfg.Node.HistorySize,
					LogInterval:  cfg.Node.LogInterval,
					StallWarning: time.Duration(cfg.Node.StallWarning) * time.Second,
					DiffWarning:  cfg.Node.DiffWarning,
				},
				newNotifier(cfg, log), log,
			)
			return ignoreCancel(m.Run(ctx))
		},
	}
}

func chainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain",
		Short: "Watch every chain RPC port on one host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer log.Sync()
			if err := cfg.validateChain(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m := monitor.NewChainMonitor(cfg.Chain.Host, cfg.Chain.Ports, client,
				monitor.ChainMonitorConfig{
					SleepDuration:   time.Duration(cfg.Chain.Interval) * time.Second,
					RefreshInterval: time.Duration(cfg.Chain.RefreshInterval) * time.Second,
					DialTimeout:     cfg.httpTimeout(),
					StartPort:       cfg.Chain.StartPort,
					EndPort:         cfg.Chain.EndPort,
				}, log)

			go startStatusServer(ctx, cfg.StatusAddr, m, log)
			return ignoreCancel(m.Run(ctx))
		},
	}
}

func p2pCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "p2p",
		Short: "Crawl the p2p network and print the address book",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, client, log, err := loadRuntime()
			if err != nil {
				return err
			}
			defer log.Sync()
			if err := cfg.validateP2P(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			parser := crawler.NewP2PNetworkParser(cfg.P2P.URL, client, crawler.Config{
				MaxDepth:      cfg.P2P.MaxDepth,
				MaxConcurrent: cfg.P2P.MaxConcurrent,
			}, log)
			result, err := parser.Run(ctx)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result.HXToIP, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func serviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "service [install|remove|start|stop|status]",
		Short:     "Manage the system service",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"install", "remove", "start", "stop", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := daemon.New(serviceName, serviceDescription, daemon.SystemDaemon)
			if err != nil {
				return err
			}
			var status string
			switch args[0] {
			case "install":
				status, err = srv.Install("node", "--config", viper.GetString("config"))
			case "remove":
				status, err = srv.Remove()
			case "start":
				status, err = srv.Start()
			case "stop":
				status, err = srv.Stop()
			case "status":
				status, err = srv.Status()
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), status)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), versionS())
		},
	}
}

// ignoreCancel maps a clean shutdown to a zero exit.
func ignoreCancel(err error) error {
	if err == nil || err == context.Canceled {
		return nil
	}
	return err
}

func main() {
	root := &cobra.Command{
		Use:          "goloop-watchdog",
		Short:        "Monitoring daemon for goloop blockchain nodes",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "watchdog.yaml", "path to the instruction file")
	root.PersistentFlags().Bool("verbose", false, "enable debug logging")
	viper.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	viper.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))
	viper.SetEnvPrefix("WATCHDOG")
	viper.AutomaticEnv()

	root.AddCommand(nodeCmd(), chainCmd(), p2pCmd(), serviceCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
