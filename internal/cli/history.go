// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pherdinauer/anacmirror/internal/history"
)

func newHistoryCmd(ro *RootOpts) *cobra.Command {
	var (
		stateDir string
		urlOnly  string
		tail     int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent download attempts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, cleanup, err := setup(ro, stateDir)
			if err != nil {
				return err
			}
			defer cleanup()

			path := filepath.Join(cfg.StateDir, filepath.FromSlash(history.FileName))
			entries, err := history.Read(path, urlOnly)
			if err != nil {
				return err
			}
			if tail > 0 && len(entries) > tail {
				entries = entries[len(entries)-tail:]
			}

			if ro.JSONOut {
				enc := json.NewEncoder(os.Stdout)
				for _, e := range entries {
					if err := enc.Encode(e); err != nil {
						return err
					}
				}
				return nil
			}
			for _, e := range entries {
				status := "ok"
				if !e.OK {
					status = e.Error
				}
				fmt.Printf("%s  %-13s %10d B  %-20s %s\n",
					e.Start.Format("2006-01-02 15:04:05"), e.Strategy, e.Bytes, status, e.ResourceURL)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stateDir, "state", "", "State directory (overrides config)")
	cmd.Flags().StringVar(&urlOnly, "url", "", "Only attempts for this resource URL")
	cmd.Flags().IntVar(&tail, "tail", 50, "Show only the last N attempts (0 for all)")

	return cmd
}
