// File: cmd/wsdemo/root.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"io"
	"log"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	configPath string
	debug      bool
	quiet      bool
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "wsdemo",
		Short: "WebSocket echo server and scripted client",
		Long: `wsdemo exercises the wscore engine end to end: "serve" runs an echo
endpoint, "dial" connects, sends a short scripted exchange and closes.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML config file")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "verbose connection logging")
	root.PersistentFlags().BoolVarP(&g.quiet, "quiet", "q", false, "discard engine logs")

	root.AddCommand(newServeCmd(g), newDialCmd(g))
	return root
}

func (g *globalFlags) logger(cmd *cobra.Command) *log.Logger {
	if g.quiet {
		return log.New(io.Discard, "", 0)
	}
	return log.New(cmd.ErrOrStderr(), "", log.LstdFlags)
}
