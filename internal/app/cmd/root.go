// Package cmd 网关命令行：serve、drain、pair、device 与 version
package cmd

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"

	corelog "companion-gateway/internal/core/log"
	"companion-gateway/internal/version"
)

// 全局标志
var (
	configFile string
	gatewayURL string
	adminURL   string
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "companion-gateway",
	Short: "Companion Gateway - device identity and resumable streaming sessions",
	Long: `Companion Gateway authenticates paired companion devices, issues short-lived
session tokens and keeps their streaming sessions alive across reconnects,
redeployments and load-balancer failover.

Quick Start:
  companion-gateway serve -c config.yaml         Run a gateway instance
  companion-gateway drain start --grace 60       Drain an instance before shutdown
  companion-gateway pair --companion child-42 --device teddy-001 --ssid home
  companion-gateway device --id teddy-001 --salt <salt> --packet <base64> --key <base64>`,
	Version:       version.GetVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	defer func() {
		if r := recover(); r != nil {
			corelog.Errorf("FATAL: main goroutine panic recovered: %v", r)
			fmt.Fprintf(os.Stderr, "\nPANIC: %v\n", r)
			fmt.Fprintf(os.Stderr, "Stack trace:\n%s\n", string(debug.Stack()))
			os.Exit(2)
		}
	}()

	if err := rootCmd.Execute(); err != nil {
		printError(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().StringVarP(&gatewayURL, "gateway", "g", "http://127.0.0.1:8080", "Gateway public URL")
	rootCmd.PersistentFlags().StringVar(&adminURL, "admin", "http://127.0.0.1:9090", "Gateway admin URL")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(drainCmd)
	rootCmd.AddCommand(pairCmd)
	rootCmd.AddCommand(deviceCmd)
	rootCmd.AddCommand(versionCmd)
}
