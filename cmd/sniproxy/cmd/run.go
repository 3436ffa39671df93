package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/munichmade/sniproxy/internal/config"
	"github.com/munichmade/sniproxy/internal/daemon"
	"github.com/munichmade/sniproxy/internal/dns"
	"github.com/munichmade/sniproxy/internal/logging"
	"github.com/munichmade/sniproxy/internal/paths"
	"github.com/munichmade/sniproxy/internal/proxy"
	"github.com/munichmade/sniproxy/internal/rules"
	"github.com/munichmade/sniproxy/internal/socks5"
)

// shutdownGrace is how long in-flight flows get to finish after a shutdown
// signal.
const shutdownGrace = 5 * time.Second

var runConfigFile string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the proxy in the foreground",
	Long:  `Run the sniproxy daemon in the foreground. Used directly or by systemd/launchd service managers.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			logging.Error("daemon fatal error", "error", err)
			fmt.Fprintf(os.Stderr, "daemon error: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	runCmd.Flags().StringVarP(&runConfigFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(runCmd)
}

func loadConfig() (*config.Config, error) {
	if runConfigFile != "" {
		return config.LoadFromFile(runConfigFile)
	}
	return config.Load()
}

func runDaemon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level := logging.LevelFromEnv(logging.ParseLevel(cfg.Server.LogLevel))
	logging.Setup(level, cfg.Server.LogFormat, os.Stdout)
	logger := logging.Default()

	whitelist := rules.New(cfg.Rules.Allow)
	if whitelist.Empty() {
		logger.Warn("no whitelist patterns configured, all hostnames are allowed")
	}

	socksClient := &socks5.Client{
		Addr:     cfg.Socks5.Addr,
		Username: cfg.Socks5.Username,
		Password: cfg.Socks5.Password,
		Timeout:  time.Duration(cfg.Socks5.Timeout) * time.Second,
	}
	pool := socks5.NewPool(socksClient, cfg.Socks5.MaxConnections)

	shutdown := daemon.NewShutdownHandler()
	shutdown.Start()
	defer shutdown.Stop()

	ctx := shutdown.Context()

	// Teardown runs LIFO, so the pool registered here closes after the
	// listeners that feed it.
	shutdown.OnShutdown(pool.Close)

	stopEntrypoint := func(stop func(context.Context) error) func() {
		return func() {
			graceCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := stop(graceCtx); err != nil {
				logger.Warn("entrypoint stop failed", "error", err)
			}
		}
	}

	if cfg.Server.ListenHTTPSAddr != "" {
		ep := proxy.NewHTTPSEntrypoint(proxy.TCPEntrypointConfig{
			Listen: cfg.Server.ListenHTTPSAddr,
			Rules:  whitelist,
			Pool:   pool,
			Logger: logger,
		})
		if err := ep.Start(ctx); err != nil {
			return err
		}
		shutdown.OnShutdown(stopEntrypoint(ep.Stop))
	}

	if cfg.Server.ListenHTTPAddr != "" {
		ep := proxy.NewHTTPEntrypoint(proxy.TCPEntrypointConfig{
			Listen: cfg.Server.ListenHTTPAddr,
			Rules:  whitelist,
			Pool:   pool,
			Logger: logger,
		})
		if err := ep.Start(ctx); err != nil {
			return err
		}
		shutdown.OnShutdown(stopEntrypoint(ep.Stop))
	}

	if cfg.Server.ListenQUICAddr != "" {
		ep := proxy.NewQUICEntrypoint(proxy.QUICEntrypointConfig{
			Listen:      cfg.Server.ListenQUICAddr,
			Rules:       whitelist,
			Client:      socksClient,
			Logger:      logger,
			IdleTimeout: time.Duration(cfg.Server.QUICIdleTimeout) * time.Second,
		})
		if err := ep.Start(ctx); err != nil {
			return err
		}
		shutdown.OnShutdown(stopEntrypoint(ep.Stop))
	}

	if cfg.DNS.Listen != "" {
		resolveIP := net.ParseIP(cfg.DNS.ResolveIP)
		if resolveIP == nil {
			return fmt.Errorf("invalid dns.resolve_ip %q", cfg.DNS.ResolveIP)
		}
		dnsServer := dns.New(dns.Config{
			Addr:      cfg.DNS.Listen,
			Rules:     whitelist,
			ResolveIP: resolveIP,
			Upstream:  cfg.DNS.Upstream,
		})
		if err := dnsServer.Start(); err != nil {
			return err
		}
		shutdown.OnShutdown(func() {
			if err := dnsServer.Stop(); err != nil {
				logger.Warn("DNS server stop failed", "error", err)
			}
		})
	}

	// Record our PID for start/stop/status.
	if err := paths.Default().EnsureDirectories(); err != nil {
		logger.Warn("failed to create runtime directories", "error", err)
	}
	d := daemon.New()
	if err := d.WritePID(); err != nil {
		logger.Warn("failed to write PID file", "error", err)
	}
	defer func() {
		_ = d.RemovePID()
	}()

	logger.Info("sniproxy started",
		"https", cfg.Server.ListenHTTPSAddr,
		"http", cfg.Server.ListenHTTPAddr,
		"quic", cfg.Server.ListenQUICAddr,
		"socks5", cfg.Socks5.Addr,
		"patterns", len(whitelist.Patterns()),
	)

	// The shutdown handler runs the registered teardown callbacks before
	// the context is cancelled.
	<-shutdown.Done()

	logger.Info("shutdown complete")
	return nil
}
