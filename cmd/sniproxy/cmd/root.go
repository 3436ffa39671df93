// Package cmd provides the CLI commands for sniproxy.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "sniproxy",
	Short: "SNI-based transparent forward proxy over SOCKS5",
	Long: `sniproxy is a transparent forward proxy that never terminates TLS:

  - TLS flows (TCP 443) are routed by the ClientHello SNI
  - HTTP flows (TCP 80) are routed by the Host header
  - QUIC flows (UDP 443) are routed by decrypting the Initial packet

Clients are steered to the proxy via DNS or hosts overrides; admitted
flows are forwarded verbatim through an upstream SOCKS5 proxy. An
optional built-in DNS server answers whitelisted hostnames with the
proxy's own address.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("sniproxy version {{.Version}}\ncommit: %s\nbuilt: %s\n", Commit, BuildDate))
}
