package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/munichmade/sniproxy/internal/daemon"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sniproxy daemon",
	Long: `Start the sniproxy daemon in the background.

Use 'sniproxy status' to check if the daemon is running.
Use 'sniproxy stop' to stop the daemon.`,
	Run: func(cmd *cobra.Command, args []string) {
		d := daemon.New()

		if err := d.Start(); err != nil {
			if errors.Is(err, daemon.ErrAlreadyRunning) {
				fmt.Println("sniproxy is already running")
				os.Exit(1)
			}
			fmt.Fprintf(os.Stderr, "failed to start daemon: %v\n", err)
			os.Exit(1)
		}

		fmt.Println("sniproxy started")
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
}
