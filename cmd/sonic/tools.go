package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teslashibe/go-sonic/internal/log"
	"github.com/teslashibe/go-sonic/pkg/tools"
)

func newToolsCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Print the tool configuration sent to the model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			logger := log.Init(log.Options{Level: cfg.LogLevel, Debug: cfg.Debug})

			d, err := newDispatcher(cfg, logger)
			if err != nil {
				return err
			}
			tc, err := tools.ToolConfiguration(d)
			if err != nil {
				return err
			}
			data, err := json.MarshalIndent(tc, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
