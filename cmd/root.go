/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ifrelay",
	Short: "Gadget container with a cross-frame RPC relay",
	Long:  "Runs the gadget container that serves the cross-frame RPC relay, and offers gadget-side tools to call container procedures and exercise cached requests.",
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
