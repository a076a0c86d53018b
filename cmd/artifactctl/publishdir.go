package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/meigma/artifactcache"
	"github.com/meigma/artifactcache/backend"
	"github.com/meigma/artifactcache/backend/sharelink"
	"github.com/meigma/artifactcache/key"
)

// resultFile is a precomputed result found on local disk.
type resultFile struct {
	Key      key.Key
	Location string
	Scenario string
	Path     string
}

// discoverResults lists <dir>/<location>/<scenario>.Rdata files, keeping only
// the given locations and scenarios when those filters are non-empty. The
// result is ordered by location, then scenario.
func discoverResults(dir, version string, locations, scenarios []string) ([]resultFile, error) {
	locDirs, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	suffix := "." + key.DefaultExt

	var out []resultFile
	for _, loc := range locDirs {
		if !loc.IsDir() || (len(locations) > 0 && !slices.Contains(locations, loc.Name())) {
			continue
		}
		files, err := os.ReadDir(filepath.Join(dir, loc.Name()))
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			name := f.Name()
			if !f.Type().IsRegular() || !strings.HasSuffix(name, suffix) {
				continue
			}
			scenario := strings.TrimSuffix(name, suffix)
			if len(scenarios) > 0 && !slices.Contains(scenarios, scenario) {
				continue
			}
			k, err := key.FromManifest(loc.Name(), scenario, version)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", filepath.Join(loc.Name(), name), err)
			}
			out = append(out, resultFile{
				Key:      k,
				Location: loc.Name(),
				Scenario: scenario,
				Path:     filepath.Join(dir, loc.Name(), name),
			})
		}
	}
	return out, nil
}

// publishResults publishes every file to target and returns one table row
// per file. Failures do not stop the remaining files.
func publishResults(ctx context.Context, c *artifactcache.Client, target backend.Backend, files []resultFile) ([][]string, bool) {
	rows := [][]string{{"KEY", "FILE", "SIZE", "DIGEST", "STATUS"}}
	failed := false
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			failed = true
			rows = append(rows, []string{f.Key.String(), f.Path, "", "", err.Error()})
			continue
		}
		res, err := c.Publish(ctx, f.Key, data, target)
		if err != nil {
			failed = true
			rows = append(rows, []string{f.Key.String(), f.Path, humanBytes(int64(len(data))), "", artifactcache.Describe(err).Message()})
			continue
		}
		rows = append(rows, []string{f.Key.String(), f.Path, humanBytes(res.Size), shortDigest(res.Digest), "ok"})
	}
	return rows, failed
}

// linksBackend finds the shared-link backend behind any decorators.
func linksBackend(b backend.Backend) (*sharelink.Backend, bool) {
	for b != nil {
		if s, ok := b.(*sharelink.Backend); ok {
			return s, true
		}
		u, ok := b.(interface{ Unwrap() backend.Backend })
		if !ok {
			return nil, false
		}
		b = u.Unwrap()
	}
	return nil, false
}

func newPublishDirCmd(g *globals) *cobra.Command {
	var (
		version   string
		locations []string
		scenarios []string
		output    string
		dryRun    bool
		quiet     bool
	)
	cmd := &cobra.Command{
		Use:   "publish-dir DIR",
		Short: "Publish every <location>/<scenario>.Rdata under DIR to a backend",
		Example: `  artifactctl publish-dir --model-version v2 ./prerun
  artifactctl publish-dir -b drive --locations C.12580 --scenarios base --output links.json ./prerun`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
				return errors.New("publish-dir takes at most one --backend")
			}
			if len(backends) == 0 && len(a.Backends) > 0 {
				backends = a.Backends[:1]
			}
			var target backend.Backend
			if len(backends) == 1 {
				target = backends[0]
			}
			links, hasLinks := linksBackend(target)

			if version == "" && hasLinks {
				version = links.Manifest().ModelVersion
			}
			if version == "" {
				return errors.New("--model-version is required when the target has no links manifest version")
			}

			files, err := discoverResults(args[0], version, locations, scenarios)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				pterm.Warning.WithWriter(g.stderr).Printfln("no result files found under %s", args[0])
				return nil
			}

			if dryRun {
				rows := [][]string{{"KEY", "FILE"}}
				for _, f := range files {
					rows = append(rows, []string{f.Key.String(), f.Path})
				}
				pterm.Info.WithWriter(g.stdout).Printfln("dry run: %d files would be published", len(files))
				return pterm.DefaultTable.WithHasHeader().WithWriter(g.stdout).WithData(rows).Render()
			}
			if target == nil {
				return errors.New("no backend configured to publish to")
			}

			var view *progressView
			if !quiet {
				view = watchProgress(a.Reporter, g.stderr)
			}
			rows, failed := publishResults(cmd.Context(), a.Client, target, files)
			if view != nil {
				view.Close()
			}
			if err := pterm.DefaultTable.WithHasHeader().WithWriter(g.stdout).WithData(rows).Render(); err != nil {
				return err
			}

			if output != "" {
				if !hasLinks {
					return fmt.Errorf("--output needs a shared-link backend, %q is %s", target.Name(), target.Kind())
				}
				if err := links.Manifest().Save(output); err != nil {
					return err
				}
				pterm.Success.WithWriter(g.stdout).Printfln("sharing links saved to %s", output)
			}
			if failed {
				return errFailed
			}
			return nil
		},
	}
	addBackendFlag(cmd, g, "backend to publish to (default: the first configured)")
	flags := cmd.Flags()
	flags.StringVar(&version, "model-version", "", "namespace of the published keys (default: the links manifest version)")
	flags.StringSliceVar(&locations, "locations", nil, "only publish these locations")
	flags.StringSliceVar(&scenarios, "scenarios", nil, "only publish these scenarios")
	flags.StringVar(&output, "output", "", "also write the links manifest to this file")
	flags.BoolVar(&dryRun, "dry-run", false, "list what would be published without uploading")
	flags.BoolVarP(&quiet, "quiet", "q", false, "do not draw progress bars")
	return cmd
}
