// File: cmd/wsdemo/serve.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/momentics/wscore/protocol"
	"github.com/momentics/wscore/server"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr, protocols string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an echo endpoint until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig(g.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cmd.Flags().Changed("addr") {
				cfg.ListenAddr = addr
			}
			if protocols != "" {
				cfg.Protocols = protocols
			}
			inst := server.New(cfg, server.WithLogger(g.logger(cmd)), server.WithDebug(g.debug || cfg.Debug))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := inst.ListenAndServe(ctx, server.Endpoint{Handler: echoHandler(cfg.Tuning)}); err != nil {
				return err
			}

			out, err := yaml.Marshal(inst.Stats())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9000", "listen address")
	cmd.Flags().StringVar(&protocols, "protocols", "", "allowed subprotocols in preference order")
	return cmd
}

// echoHandler returns every text and binary message to its sender.
func echoHandler(t protocol.Tuning) protocol.Handler {
	return protocol.HandlerFuncs{
		Message: func(ctx context.Context, c *protocol.WSConnection, m *protocol.Message) {
			if m.Opcode != protocol.OpcodeText && m.Opcode != protocol.OpcodeBinary {
				return
			}
			t.Send(ctx, c, m.Opcode, m.Data)
		},
	}
}
