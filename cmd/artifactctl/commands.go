package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/meigma/artifactcache"
	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/backend/sharelink"
	"github.com/meigma/artifactcache/internal/server"
	"github.com/meigma/artifactcache/key"
	"github.com/meigma/artifactcache/progress/ws"
)

const shutdownTimeout = 10 * time.Second

// errFailed reports that at least one key failed; details were printed.
var errFailed = errors.New("one or more artifacts failed")

func parseKeys(args []string) ([]key.Key, error) {
	keys := make([]key.Key, 0, len(args))
	for _, a := range args {
		k, err := key.Parse(a)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func newFetchCmd(g *globals) *cobra.Command {
	var outDir string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "fetch KEY...",
		Short: "Make artifacts present locally, fetching missing ones",
		Example: `  artifactctl fetch C.1/v2/base.Rdata C.1/v2/heat.Rdata
  artifactctl fetch -b drive -o ./results C.1/custom/u42/run7.Rdata`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(args)
			if err != nil {
				return err
			}
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			backends, err := g.selected(a)
			if err != nil {
				return err
			}

			var view *progressView
			if !quiet {
				view = watchProgress(a.Reporter, g.stderr)
			}
			results := a.Client.EnsurePresent(cmd.Context(), keys, backends...)
			if view != nil {
				view.Close()
			}

			failed := false
			rows := [][]string{{"KEY", "TIER", "SIZE", "DIGEST", "STATUS"}}
			for _, r := range results {
				status := "ok"
				if r.Err != nil {
					failed = true
					status = artifactcache.Describe(r.Err).Message()
				}
				rows = append(rows, []string{r.Key.String(), r.Tier, humanBytes(r.Size), shortDigest(r.Digest), status})

				if r.Err == nil && outDir != "" {
					if err := writeOut(cmd, a.Client, outDir, r.Key); err != nil {
						return err
					}
				}
			}
			if err := pterm.DefaultTable.WithHasHeader().WithWriter(g.stdout).WithData(rows).Render(); err != nil {
				return err
			}
			if failed {
				return errFailed
			}
			return nil
		},
	}
	addBackendFlag(cmd, g, "backend names to try, in order (default: configured priority)")
	cmd.Flags().StringVarP(&outDir, "out", "o", "", "also copy fetched artifacts into this directory")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not draw progress bars")
	return cmd
}

func writeOut(cmd *cobra.Command, c *artifactcache.Client, dir string, k key.Key) error {
	data, err := c.Fetch(cmd.Context(), k)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, filepath.FromSlash(k.String()))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644) //nolint:gosec // results are not secret
}

func newPutCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put KEY FILE",
		Short: "Publish a file under KEY to a backend",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := key.Parse(args[0])
			if err != nil {
				return err
			}
			data, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			backends, err := g.selected(a)
			if err != nil {
				return err
			}
			if len(backends) > 1 {
				return errors.New("put takes at most one --backend")
			}
			var target backend.Backend
			if len(backends) == 1 {
				target = backends[0]
			}

			res, err := a.Client.Publish(cmd.Context(), k, data, target)
			if err != nil {
				pterm.Error.WithWriter(g.stderr).Println(artifactcache.Describe(err).Message())
				return err
			}
			pterm.Success.WithWriter(g.stdout).Printfln("%s -> %s (%s, %s)", k, res.Backend, humanBytes(res.Size), res.Digest)
			return nil
		},
	}
	addBackendFlag(cmd, g, "backend to publish to (default: the first configured)")
	return cmd
}

func newRmCmd(g *globals) *cobra.Command {
	var localOnly bool
	cmd := &cobra.Command{
		Use:   "rm KEY...",
		Short: "Delete artifacts from backends and the local tiers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := parseKeys(args)
			if err != nil {
				return err
			}
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			backends, err := g.selected(a)
			if err != nil {
				return err
			}

			var errs []error
			for _, k := range keys {
				if localOnly {
					err = a.Client.Invalidate(k)
				} else {
					err = a.Client.Remove(cmd.Context(), k, backends...)
				}
				if err != nil {
					errs = append(errs, err)
					continue
				}
				pterm.Success.WithWriter(g.stdout).Printfln("removed %s", k)
			}
			return errors.Join(errs...)
		},
	}
	addBackendFlag(cmd, g, "backends to delete from (default: all configured)")
	cmd.Flags().BoolVar(&localOnly, "local", false, "only drop the local copies")
	return cmd
}

func newLsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List artifacts held in the local tiers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rows := [][]string{{"KEY", "TIER", "SIZE", "LAST ACCESSED"}}
			for _, e := range a.Client.Entries() {
				rows = append(rows, []string{e.Key, e.Tier, humanBytes(e.Size), e.LastAccessed.Format(time.DateTime)})
			}
			return pterm.DefaultTable.WithHasHeader().WithWriter(g.stdout).WithData(rows).Render()
		},
	}
}

func newPruneCmd(g *globals) *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Evict least recently used artifacts from the disk tier",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			limit := a.Config.Cache.DiskMaxBytes
			if target != "" {
				if limit, err = strconv.ParseInt(target, 10, 64); err != nil {
					return fmt.Errorf("--target: %w", err)
				}
			}
			freed, err := a.Client.Prune(limit)
			if err != nil {
				return err
			}
			pterm.Info.WithWriter(g.stdout).Printfln("freed %s", humanBytes(freed))
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "bytes to keep (default: the configured disk ceiling)")
	return cmd
}

func newTokenCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "token URL...",
		Short: "Show the sharing token, share id and download URL of sharing links",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rows := [][]string{{"SHAPE", "TOKEN", "SHARE ID", "DOWNLOAD"}}
			for _, raw := range args {
				tok := sharelink.ExtractToken(raw)
				rows = append(rows, []string{
					tok.Shape.String(),
					tok.Value,
					sharelink.EncodeShareID(raw),
					sharelink.DownloadURL(raw),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithWriter(g.stdout).WithData(rows).Render()
		},
	}
}

func newServeCmd(g *globals) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the transfer state table, websocket progress and metrics over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.Server.Addr
			}

			hub := ws.NewHub(ws.WithLogger(a.Logger.With("component", "ws")))
			if err := hub.Attach(a.Reporter); err != nil {
				return err
			}
			srv := server.New(a.Client,
				server.WithHub(hub),
				server.WithMetricsHandler(a.Metrics.Handler()),
				server.WithLogger(a.Logger),
			)

			errc := make(chan error, 1)
			go func() { errc <- srv.Start(addr) }()

			select {
			case err := <-errc:
				return err
			case <-cmd.Context().Done():
			}
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr from config)")
	return cmd
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// shortDigest is the first 12 hex characters of d, or "" for no digest.
func shortDigest(d digest.Digest) string {
	if d == "" {
		return ""
	}
	enc := d.Encoded()
	return enc[:min(12, len(enc))]
}
