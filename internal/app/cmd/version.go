package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"companion-gateway/internal/version"
)

// versionCmd 显示版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "Companion Gateway %s\n", version.GetVersion())
	},
}
