// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commands

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/AlexxNica/nuclide/pkg/logger"
)

var (
	rootCmdLogger      logr.Logger
	rootCmdFlushLogger func()
)

func NewRootCmd() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:   "nuclide-bridge",
		Short: "Bridges debugger frontends to webview-hosted debug backends",
		Long: `nuclide-bridge connects debugger frontends to a webview-hosted debug backend
over a single message channel, correlating command responses, forwarding
debugger events, and managing per-session connections.`,
		SilenceUsage: true,
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			rootCmdFlushLogger()
		},
	}

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	rootCmdLogger, rootCmdFlushLogger = logger.NewLogger(rootCmd.PersistentFlags())

	var cmd *cobra.Command
	var err error

	if cmd, err = NewServeCommand(); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'serve' command: %w", err)
	}

	if cmd, err = NewVersionCommand(rootCmdLogger); cmd != nil {
		rootCmd.AddCommand(cmd)
	} else {
		return nil, fmt.Errorf("could not set up 'version' command: %w", err)
	}

	return rootCmd, nil
}
