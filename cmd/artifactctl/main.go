// Command artifactctl fetches, publishes and inspects cached simulation
// artifacts, and can serve the transfer state over HTTP.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/internal/app"
	"github.com/meigma/artifactcache/internal/config"
	"github.com/meigma/artifactcache/internal/logging"
)

type globals struct {
	configPath string
	logLevel   string
	logFormat  string
	backends   []string
	stderr     io.Writer
	stdout     io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globals{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "artifactctl",
		Short:         "Fetch and manage cached simulation artifacts",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVarP(&g.configPath, "config", "c", "", "config file (default $"+config.EnvConfig+")")
	flags.StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&g.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		newFetchCmd(g),
		newPutCmd(g),
		newPublishDirCmd(g),
		newRmCmd(g),
		newLsCmd(g),
		newPruneCmd(g),
		newTokenCmd(g),
		newServeCmd(g),
	)
	return root
}

// open loads configuration and wires the application.
func (g *globals) open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	logger := logging.New(g.stderr, cfg.Logging.Level, cfg.Logging.Format)
	return app.New(ctx, cfg, logger)
}

// selected resolves --backend flags against the configured backends, in
// flag order. No flags selects nothing, leaving the configured priority.
func (g *globals) selected(a *app.App) ([]backend.Backend, error) {
	out := make([]backend.Backend, 0, len(g.backends))
	for _, name := range g.backends {
		b, ok := a.Backend(name)
		if !ok {
			return nil, fmt.Errorf("no backend named %q in configuration", name)
		}
		out = append(out, b)
	}
	return out, nil
}

func addBackendFlag(cmd *cobra.Command, g *globals, usage string) {
	cmd.Flags().StringSliceVarP(&g.backends, "backend", "b", nil, usage)
}
