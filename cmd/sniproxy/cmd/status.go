package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/munichmade/sniproxy/internal/config"
	"github.com/munichmade/sniproxy/internal/daemon"
)

var statusJSONOutput bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and configured listeners",
	Run: func(cmd *cobra.Command, args []string) {
		status := getStatus()

		if statusJSONOutput {
			outputStatusJSON(status)
		} else {
			outputStatusText(status)
		}
	},
}

// Status represents the current state of sniproxy.
type Status struct {
	Running   bool       `json:"running"`
	PID       int        `json:"pid,omitempty"`
	Listeners []Listener `json:"listeners"`
	Socks5    string     `json:"socks5"`
	Patterns  int        `json:"patterns"`
}

// Listener represents a listening endpoint.
type Listener struct {
	Name     string `json:"name"`
	Listen   string `json:"listen"`
	Protocol string `json:"protocol"`
}

func getStatus() Status {
	d := daemon.New()

	status := Status{
		Listeners: []Listener{},
	}

	if d.IsRunning() {
		status.Running = true
		pid, _ := d.GetPID()
		status.PID = pid
	}

	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}

	if cfg.Server.ListenHTTPSAddr != "" {
		status.Listeners = append(status.Listeners,
			Listener{Name: "https", Listen: cfg.Server.ListenHTTPSAddr, Protocol: "TCP"})
	}
	if cfg.Server.ListenHTTPAddr != "" {
		status.Listeners = append(status.Listeners,
			Listener{Name: "http", Listen: cfg.Server.ListenHTTPAddr, Protocol: "TCP"})
	}
	if cfg.Server.ListenQUICAddr != "" {
		status.Listeners = append(status.Listeners,
			Listener{Name: "quic", Listen: cfg.Server.ListenQUICAddr, Protocol: "UDP"})
	}
	if cfg.DNS.Listen != "" {
		status.Listeners = append(status.Listeners,
			Listener{Name: "dns", Listen: cfg.DNS.Listen, Protocol: "DNS"})
	}

	status.Socks5 = cfg.Socks5.Addr
	status.Patterns = len(cfg.Rules.Allow)

	return status
}

func outputStatusJSON(status Status) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(status); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode status: %v\n", err)
		os.Exit(1)
	}
}

func outputStatusText(status Status) {
	if status.Running {
		fmt.Printf("sniproxy is running (pid %d)\n", status.PID)
	} else {
		fmt.Println("sniproxy is not running")
	}

	fmt.Printf("socks5 upstream: %s\n", status.Socks5)
	fmt.Printf("whitelist patterns: %d\n", status.Patterns)
	fmt.Println("listeners:")
	for _, l := range status.Listeners {
		fmt.Printf("  %-6s %-8s %s\n", l.Name, l.Protocol, l.Listen)
	}
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSONOutput, "json", false, "output status as JSON")
	rootCmd.AddCommand(statusCmd)
}
