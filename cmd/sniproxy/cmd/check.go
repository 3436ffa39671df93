package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/munichmade/sniproxy/internal/config"
	"github.com/munichmade/sniproxy/internal/paths"
)

var checkConfigFile string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the configuration file",
	Long:  `Load and validate the configuration file without starting the proxy.`,
	Run: func(cmd *cobra.Command, args []string) {
		path := checkConfigFile
		if path == "" {
			path = paths.ConfigFile()
		}

		cfg, err := config.LoadFromFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config check failed: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("config %s is valid\n", path)
		if cfg.Server.ListenHTTPSAddr != "" {
			fmt.Printf("  https listener: %s\n", cfg.Server.ListenHTTPSAddr)
		}
		if cfg.Server.ListenHTTPAddr != "" {
			fmt.Printf("  http listener:  %s\n", cfg.Server.ListenHTTPAddr)
		}
		if cfg.Server.ListenQUICAddr != "" {
			fmt.Printf("  quic listener:  %s\n", cfg.Server.ListenQUICAddr)
		}
		fmt.Printf("  socks5 upstream: %s\n", cfg.Socks5.Addr)
		fmt.Printf("  whitelist patterns: %d\n", len(cfg.Rules.Allow))
		if cfg.DNS.Listen != "" {
			fmt.Printf("  dns override: %s -> %s\n", cfg.DNS.Listen, cfg.DNS.ResolveIP)
		}
	},
}

func init() {
	checkCmd.Flags().StringVarP(&checkConfigFile, "config", "c", "", "config file path")
	rootCmd.AddCommand(checkCmd)
}
