// Copyright 2025 The Weft Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weftworks/weft/internal/config"
	"github.com/weftworks/weft/internal/daemon"
	"github.com/weftworks/weft/internal/daemon/auth"
	wefterrors "github.com/weftworks/weft/pkg/errors"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Exit codes. The store code lets process supervisors distinguish "the
// database is down" from a misconfiguration.
const (
	exitOK               = 0
	exitError            = 1
	exitStoreUnavailable = 2
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "weftd: %v\n", err)
		if wefterrors.IsStoreUnavailable(err) {
			os.Exit(exitStoreUnavailable)
		}
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "weftd",
		Short: "Weft workflow engine daemon",
		Long: `weftd runs the Weft workflow engine: it loads workflow definitions,
executes runs as graphs of tasks, accepts step callbacks and serves the
management API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newKeygenCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	var (
		configPath     string
		listen         string
		storeURI       string
		storeBackend   string
		definitionsDir string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the daemon",
		Long: `Start the workflow engine daemon. Configuration is read from the
config file, overridden by environment variables, overridden by flags.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Server.Listen = listen
			}
			if storeURI != "" {
				cfg.Store.URI = storeURI
			}
			if storeBackend != "" {
				cfg.Store.Backend = storeBackend
			}
			if definitionsDir != "" {
				cfg.Definitions.Dir = definitionsDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the config file")
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (host:port)")
	cmd.Flags().StringVar(&storeURI, "store-uri", "", "MongoDB connection string")
	cmd.Flags().StringVar(&storeBackend, "store-backend", "", "store backend (mongo, memory)")
	cmd.Flags().StringVar(&definitionsDir, "definitions-dir", "", "workflow definitions directory")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d, err := daemon.New(ctx, cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "received %v, shutting down\n", sig)
		cancel()
		return d.Shutdown(context.Background())
	case err := <-errCh:
		shutdownErr := d.Shutdown(context.Background())
		if err != nil {
			return err
		}
		return shutdownErr
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("weftd version %s\n", version)
			cmd.Printf("  commit:     %s\n", commit)
			cmd.Printf("  build date: %s\n", buildDate)
		},
	}
}

func newKeygenCommand() *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate API keys",
		Long: `Generate random API keys for api_key authentication. Add the output
to auth.api_keys in the config file or to WEFT_API_KEYS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			for i := 0; i < count; i++ {
				key, err := auth.GenerateKey()
				if err != nil {
					return fmt.Errorf("generate key: %w", err)
				}
				cmd.Println(key)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&count, "count", 1, "number of keys to generate")
	return cmd
}
