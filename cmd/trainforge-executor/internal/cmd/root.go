// Package cmd wires the trainforge-executor CLI's subcommands, the way
// the installer's own internal/cmd package builds a root cobra.Command
// and registers each subcommand against it in its own file's init.
package cmd

import (
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "trainforge-executor",
	Short: "trainforge-executor runs the pipeline execution core",
	Long: `trainforge-executor loads pipeline definitions, builds their task
DAG, submits tasks to Kubernetes, and serves the control protocol
(START/STATUS/CLEANUP/EVENTS/DATA/LOGS/PING/SHOW/GENERATE) that drives
it.`,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to a YAML config file (default is built-in defaults)")
}
