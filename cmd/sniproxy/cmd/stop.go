package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/munichmade/sniproxy/internal/daemon"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the sniproxy daemon",
	Long:  `Stop the running sniproxy daemon gracefully.`,
	Run: func(cmd *cobra.Command, args []string) {
		d := daemon.New()

		if err := d.Stop(); err != nil {
			if errors.Is(err, daemon.ErrNotRunning) {
				fmt.Println("sniproxy is not running")
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "failed to stop daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("sniproxy stopped")
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}
