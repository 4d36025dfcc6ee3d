package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/common-nighthawk/go-figure"
	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/fxnlabs/uma-handoff/fixtures"
	"github.com/fxnlabs/uma-handoff/internal/bench"
	"github.com/fxnlabs/uma-handoff/internal/demo"
)

func initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Write a config template and the kernel sources",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "dir",
				Value: ".",
				Usage: "Directory to write config.yaml and kernels/ into",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Overwrite files that already exist",
			},
		},
		Action: func(c *cli.Context) error {
			dir := c.String("dir")
			files := map[string][]byte{"config.yaml": fixtures.ConfigTemplate}
			for name, src := range fixtures.Kernels {
				files[filepath.Join("kernels", name)] = []byte(src)
			}
			names := make([]string, 0, len(files))
			for name := range files {
				names = append(names, name)
			}
			sort.Strings(names)

			for _, name := range names {
				path := filepath.Join(dir, name)
				if _, err := os.Stat(path); err == nil && !c.Bool("force") {
					return fmt.Errorf("%s already exists, use --force to overwrite", path)
				} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
					return err
				}
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					return err
				}
				if err := os.WriteFile(path, files[name], 0o644); err != nil {
					return err
				}
				fmt.Fprintf(c.App.Writer, "wrote %s\n", path)
			}
			return nil
		},
	}
}

func infoCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "Show the GPU, NPU and shared-memory setup",
		Action: func(c *cli.Context) error {
			return st.withComponents(c, func(_ context.Context, comp *components) error {
				w := c.App.Writer
				fmt.Fprintln(w, figure.NewFigure("UMA", "", true).String())

				fmt.Fprintf(w, "Memory provider: %s\n", comp.alloc.Provider().Name())
				heaps := make([]string, len(comp.alloc.Heaps()))
				for i, h := range comp.alloc.Heaps() {
					heaps[i] = h.String()
				}
				fmt.Fprintf(w, "Heap priority:   %s\n", strings.Join(heaps, ", "))

				if comp.gpu == nil {
					fmt.Fprintln(w, "GPU:             unavailable")
				} else {
					info := comp.gpu.GetDeviceInfo()
					fmt.Fprintf(w, "GPU:             %s (%s, %s)\n", info.Name, info.Backend, info.Version)
					fmt.Fprintf(w, "  memory:        %s\n", humanize.IBytes(uint64(info.GlobalMemory)))
					fmt.Fprintf(w, "  work group:    %d\n", info.MaxWorkGroupSize)
					fmt.Fprintf(w, "  unified:       %t\n", info.HostUnifiedMemory)
				}
				if comp.npu == nil {
					fmt.Fprintln(w, "NPU:             unavailable")
				} else {
					info := comp.npu.GetDeviceInfo()
					fmt.Fprintf(w, "NPU:             %s (%s, %s)\n", info.Name, info.Backend, info.Version)
					fmt.Fprintf(w, "  op packages:   %s\n", strings.Join(info.OpPackages, ", "))
				}
				return nil
			})
		},
	}
}

// scenario runs one demo scenario and prints its summary.
func (st *state) scenario(c *cli.Context, run func(r *demo.Runner, ctx context.Context) (*demo.Result, error)) error {
	return st.withComponents(c, func(ctx context.Context, comp *components) error {
		res, err := run(comp.runner, ctx)
		if err != nil {
			return err
		}
		res.Print(c.App.Writer)
		return nil
	})
}

func unifiedCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "unified",
		Usage: "GPU fill, NPU multiply and GPU fill again on one shared buffer",
		Action: func(c *cli.Context) error {
			return st.scenario(c, (*demo.Runner).Unified)
		},
	}
}

func gpuCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "gpu",
		Usage: "Fill a shared buffer with fill_array and check it on the host",
		Action: func(c *cli.Context) error {
			return st.scenario(c, (*demo.Runner).GPUFill)
		},
	}
}

func npuCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "npu",
		Usage: "Multiply a shared buffer on the NPU and check it on the host",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "custom",
				Usage: "Use the CustomMultiply op package instead of the built-in multiply",
			},
		},
		Action: func(c *cli.Context) error {
			return st.scenario(c, func(r *demo.Runner, ctx context.Context) (*demo.Result, error) {
				return r.NPUMultiply(ctx, c.Bool("custom"))
			})
		},
	}
}

func roundTripCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "roundtrip",
		Usage: "Write a pattern, fence, and read it back through a fresh mapping",
		Action: func(c *cli.Context) error {
			return st.scenario(c, (*demo.Runner).RoundTrip)
		},
	}
}

func bandwidthCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:      "bandwidth",
		Usage:     "Measure copy bandwidth on the GPU or the NPU",
		ArgsUsage: "gpu|npu",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "size-mb",
				Usage: "Buffer size in MiB (config bandwidth.sizeMB when unset)",
			},
			&cli.IntFlag{
				Name:  "iterations",
				Usage: "Timed iterations (config bandwidth.iterations when unset)",
			},
			&cli.IntFlag{
				Name:  "warmups",
				Usage: "Warm-up iterations (config bandwidth.warmups when unset)",
			},
		},
		Action: func(c *cli.Context) error {
			device := c.Args().First()
			if device != "gpu" && device != "npu" {
				return fmt.Errorf("bandwidth needs gpu or npu, got %q", device)
			}

			opts := bench.Options{
				SizeBytes:  st.cfg.Bandwidth.SizeMB << 20,
				Iterations: st.cfg.Bandwidth.Iterations,
				Warmups:    st.cfg.Bandwidth.Warmups,
			}
			if c.IsSet("size-mb") {
				opts.SizeBytes = c.Int("size-mb") << 20
			}
			if c.IsSet("iterations") {
				opts.Iterations = c.Int("iterations")
			}
			if c.IsSet("warmups") {
				opts.Warmups = c.Int("warmups")
			}

			return st.withComponents(c, func(ctx context.Context, comp *components) (err error) {
				s := comp.runner.Session()
				defer func() {
					err = errors.Join(err, s.Close(ctx))
				}()
				log := comp.log.Named("bench")

				var res *bench.Result
				if device == "gpu" {
					var src string
					if src, err = comp.runner.KernelSource("bandwidth.cl"); err != nil {
						return err
					}
					res, err = bench.GPU(ctx, s, src, opts, log)
				} else {
					res, err = bench.NPU(ctx, s, nil, opts, log)
				}
				if err != nil {
					return err
				}
				log.Info("Bandwidth measured",
					zap.String("device", res.Device),
					zap.Float64("gibps", res.GiBps),
					zap.Int("barriers", s.Barriers()),
				)
				res.Print(c.App.Writer)
				return nil
			})
		},
	}
}
