// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/AlexxNica/nuclide/internal/debugger"
)

const (
	listenFlagName          = "listen"
	allowAnyOriginFlagName  = "allow-any-origin"
	shutdownGracePeriod     = 5 * time.Second
	defaultListenAddr       = "127.0.0.1:0"
	attachEndpointPath      = "/debugger/attach"
	healthCheckEndpointPath = "/healthz"
)

func NewServeCommand() (*cobra.Command, error) {
	var listenAddr string
	var allowAnyOrigin bool

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the debugger bridge endpoint",
		Long: `Runs the debugger bridge endpoint. Frontends attach to registered debug
sessions over WebSocket connections and the bridge relays commands, responses,
and events to the session's debug backend.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), listenAddr, allowAnyOrigin)
		},
	}

	serveCmd.Flags().StringVar(&listenAddr, listenFlagName, defaultListenAddr,
		"Address the bridge endpoint listens on")
	serveCmd.Flags().BoolVar(&allowAnyOrigin, allowAnyOriginFlagName, false,
		"Disables the WebSocket same-origin check (use only for local development)")

	return serveCmd, nil
}

func runServe(ctx context.Context, listenAddr string, allowAnyOrigin bool) error {
	log := rootCmdLogger.WithName("serve")

	managerConfig := debugger.ManagerConfig{
		Logger: log,
	}
	if allowAnyOrigin {
		managerConfig.CheckOrigin = func(_ *http.Request) bool { return true }
	}

	manager := debugger.NewManager(managerConfig)
	defer manager.Shutdown()

	mux := http.NewServeMux()
	mux.Handle(attachEndpointPath, manager)
	mux.HandleFunc(healthCheckEndpointPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:    listenAddr,
		Handler: mux,
	}

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("Bridge endpoint listening", "address", listenAddr)
		serveErrCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down bridge endpoint")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error(shutdownErr, "Bridge endpoint shutdown failed")
		}
		<-serveErrCh
		return nil

	case serveErr := <-serveErrCh:
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return fmt.Errorf("bridge endpoint failed: %w", serveErr)
		}
		return nil
	}
}
