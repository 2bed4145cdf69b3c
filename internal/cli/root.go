// Package cli wires the cobra command tree.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clawgate/clawgate/internal/infra"
)

var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

// SetBuildInfo sets version info injected at build time.
func SetBuildInfo(v, date, commit string) {
	version = v
	buildDate = date
	gitCommit = commit
}

var rootCmd = &cobra.Command{
	Use:   "clawgate",
	Short: "Clawgate — multi-channel messaging gateway",
	Long: `Clawgate — multi-channel messaging gateway

Bridges chat transports (Telegram, Feishu, WhatsApp, Signal) behind one
websocket control plane with a shared outbound pipeline.

Distributed as a single static binary.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := infra.GetRuntimeInfo()
		fmt.Printf("clawgate %s\n", version)
		fmt.Printf("  build:  %s\n", buildDate)
		fmt.Printf("  commit: %s\n", gitCommit)
		fmt.Printf("  go:     %s (%s/%s)\n", info.GoVersion, info.OS, info.Arch)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(gatewayCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(logsCmd)
}

// Execute runs the root cobra command.
func Execute() error {
	return rootCmd.Execute()
}
