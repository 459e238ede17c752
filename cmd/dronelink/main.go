package main

import (
	"fmt"
	"os"

	"github.com/dronelink/dronelink/cmd/dronelink/subcmd"
	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var flags subcmd.Flags
	cmd := &cobra.Command{
		Use:   "dronelink",
		Short: "Drone telemetry and video link",
		Long: `dronelink streams telemetry and video frames from a vehicle to a ground
station over TCP, TLS or unix sockets and carries operator commands back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.Config, "config", "c", "", "config file, .hcl or .yaml")
	cmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "error, info, debug, all")

	cmd.AddCommand(
		vehicleCmd(&flags),
		stationCmd(&flags),
		decodeCmd(),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dronelink %s commit %s\n", version, commit)
		},
	}
}
