// File: cmd/wsdemo/dial.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/momentics/wscore/client"
	"github.com/momentics/wscore/protocol"
)

func newDialCmd(g *globalFlags) *cobra.Command {
	var count int
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "dial <url>",
		Short: "Send alternating text and binary messages plus one ping, then close",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := client.LoadConfig(g.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			cfg.Debug = cfg.Debug || g.debug

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			// count echoes plus one pong
			replies := make(chan *protocol.Message, count+1)
			h := protocol.HandlerFuncs{
				Message: func(_ context.Context, _ *protocol.WSConnection, m *protocol.Message) {
					select {
					case replies <- m:
					default:
					}
				},
			}
			c, err := client.NewDialer(cfg, client.WithLogger(g.logger(cmd))).Dial(ctx, args[0], h)
			if err != nil {
				return fmt.Errorf("dial failed: %w", err)
			}
			// no-op once the close handshake below has run
			defer c.Close(context.Background())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "connected %s protocol=%q\n", c.ID(), c.Protocol())

			for i := 0; i < count; i++ {
				op := byte(protocol.OpcodeText)
				if i%2 == 1 {
					op = protocol.OpcodeBinary
				}
				if err := cfg.Send(ctx, c, op, []byte(fmt.Sprintf("message %d", i))); err != nil {
					return fmt.Errorf("send failed: %w", err)
				}
			}
			if err := c.Ping(ctx, []byte("wsdemo")); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}

			for got := 0; got < count+1; got++ {
				select {
				case m := <-replies:
					fmt.Fprintf(out, "recv %s %q\n", protocol.OpcodeName(m.Opcode), m.Data)
				case <-ctx.Done():
					return fmt.Errorf("waiting for replies: %w", ctx.Err())
				}
			}

			if err := c.Close(ctx); err != nil {
				return fmt.Errorf("close failed: %w", err)
			}
			if err := c.Wait(ctx); err != nil {
				return err
			}
			st := c.GetStats()
			fmt.Fprintf(out, "closed frames_out=%d frames_in=%d\n", st.FramesOut, st.FramesIn)
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 4, "number of data messages")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall deadline")
	return cmd
}
