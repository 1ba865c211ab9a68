// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"github.com/spf13/cobra"

	"github.com/pherdinauer/anacmirror/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	var (
		addr     string
		port     int
		stateDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local status server",
		Long: `Start an HTTP server that provides:
  - REST API for submitting and cancelling plan runs
  - WebSocket for live progress updates
  - Download-attempt history queries

The state directory comes from the server configuration only, never from
the API. Destination paths are the absolute dest_path of each submitted
plan item.

Example:
  anacmirror serve
  anacmirror serve --port 3000 --state ./state`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, cleanup, err := setup(ro, stateDir)
			if err != nil {
				return err
			}
			defer cleanup()

			srvCfg := server.DefaultConfig()
			srvCfg.Addr = addr
			srvCfg.Port = port
			srvCfg.Engine = cfg

			srv := server.New(srvCfg, log)
			return srv.ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1", "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on")
	cmd.Flags().StringVar(&stateDir, "state", "", "State directory (overrides config)")

	return cmd
}
