package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"
	"github.com/sugawarayuuta/sonnet"
	"gopkg.in/yaml.v3"

	"github.com/i5heu/diffusebag/pkg/bag"
	"github.com/i5heu/diffusebag/pkg/config"
	"github.com/i5heu/diffusebag/pkg/ingest"
	"github.com/i5heu/diffusebag/pkg/workload"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath, logLevel string
	root := &cobra.Command{
		Use:           "bagsim",
		Short:         "Drive an approximate priority bag with a synthetic workload",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML bag configuration (defaults when empty)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")

	loadConfig := func() (config.Config, error) { return config.Load(configPath) }
	newLogger := func() *slog.Logger {
		var level slog.Level
		if err := level.UnmarshalText([]byte(logLevel)); err != nil {
			level = slog.LevelInfo
		}
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	}

	root.AddCommand(newRunCommand(loadConfig, newLogger), newConfigCommand(loadConfig))
	return root
}

// newConfigCommand prints the effective configuration.
func newConfigCommand(loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

type runOptions struct {
	n              int
	batch          int
	seed           uint64
	modeChangeProb float64
	producers      int
	take           int
	out            string
}

func newRunCommand(loadConfig func() (config.Config, error), newLogger func() *slog.Logger) *cobra.Command {
	opts := runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Admit a generated priority stream and write a snapshot",
		Long: `Generates n priorities and admits them into a fresh bag.

With transfer_policy "manual" every batch of admissions is followed by one
transfer (10 in, 1 moved by default). With "every" the bag transfers on its
own. With --producers > 0 admissions go through the ingest pipeline from
that many concurrent producers.

The snapshot (per-bucket counts and average priorities of both stages) is
written as JSON to --out, ready for buildGraph.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Seed == 0 {
				cfg.Seed = opts.seed
			}
			return runSimulation(cmd.Context(), cfg, opts, newLogger())
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.n, "n", 50000, "Number of priorities to admit")
	f.IntVar(&opts.batch, "batch", 10, "Admissions per transfer under the manual policy")
	f.Uint64Var(&opts.seed, "seed", 1, "Seed for the workload and the bag when the config has none")
	f.Float64Var(&opts.modeChangeProb, "mode-change-prob", 0.05, "Regime switch probability of the generator")
	f.IntVar(&opts.producers, "producers", 0, "Concurrent producers through the ingest pipeline (0 admits directly)")
	f.IntVar(&opts.take, "take", 0, "Items to take from the bag after admission")
	f.StringVar(&opts.out, "out", "snapshot.json", "Snapshot output file")
	return cmd
}

type report struct {
	Config   config.Config `json:"config"`
	Snapshot bag.Snapshot  `json:"snapshot"`
	Taken    []float64     `json:"taken,omitempty"`
	Ingest   *ingest.Stats `json:"ingest,omitempty"`
}

func runSimulation(ctx context.Context, cfg config.Config, opts runOptions, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.batch <= 0 {
		return fmt.Errorf("batch must be positive, got %d", opts.batch)
	}
	b, err := bag.New[int, struct{}](cfg, bag.WithLogger(logger))
	if err != nil {
		return err
	}
	priorities := workload.New(opts.modeChangeProb, opts.seed).Generate(opts.n)
	logger.Info("simulation started",
		"n", opts.n,
		"levels", cfg.NumLevels,
		"staging_levels", cfg.NumStagingLevels,
		"modes", cfg.NumWorkingModes,
		"policy", cfg.TransferPolicy,
		"producers", opts.producers,
	)

	rep := report{Config: cfg}
	if opts.producers > 0 {
		stats, err := admitConcurrently(ctx, b, priorities, opts, logger)
		if err != nil {
			return err
		}
		rep.Ingest = &stats
	} else {
		for i, p := range priorities {
			if err := b.Admit(bag.Item[int, struct{}]{Key: i, Priority: p}); err != nil {
				return err
			}
			if cfg.TransferPolicy == config.TransferManual && (i+1)%opts.batch == 0 {
				b.Transfer()
			}
		}
	}

	for i := 0; i < opts.take; i++ {
		it, ok := b.Take()
		if !ok {
			logger.Warn("bag ran empty", "taken", i)
			break
		}
		rep.Taken = append(rep.Taken, it.Priority)
	}

	rep.Snapshot = b.Snapshot()
	data, err := sonnet.Marshal(rep)
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.out, data, 0o644); err != nil {
		return err
	}
	s := rep.Snapshot.Stats
	logger.Info("simulation finished",
		"out", opts.out,
		"main", rep.Snapshot.Main.Total(),
		"staging", rep.Snapshot.Staging.Total(),
		"average_priority", rep.Snapshot.AveragePriority,
		"transferred", s.Transferred,
		"evicted", fmt.Sprintf("%d/%d", s.StagingEvicted, s.MainEvicted),
	)
	return nil
}

// admitConcurrently splits priorities across producers feeding one ingest
// pipeline. Under the manual policy each producer triggers a transfer every
// batch submissions.
func admitConcurrently(ctx context.Context, b *bag.Bag[int, struct{}], priorities []float64, opts runOptions, logger *slog.Logger) (ingest.Stats, error) {
	p := ingest.New[int, struct{}](b, 4096, logger)
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- p.Run(runCtx) }()

	manual := b.Config().TransferPolicy == config.TransferManual
	var wg sync.WaitGroup
	errs := make(chan error, opts.producers)
	for w := 0; w < opts.producers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			n := 0
			for i := w; i < len(priorities); i += opts.producers {
				if err := p.SubmitWait(ctx, bag.Item[int, struct{}]{Key: i, Priority: priorities[i]}); err != nil {
					errs <- err
					return
				}
				n++
				if manual && n%opts.batch == 0 {
					b.Transfer()
				}
			}
		}(w)
	}
	wg.Wait()
	stop()
	if err := <-done; err != nil {
		return ingest.Stats{}, err
	}
	close(errs)
	var msgs []string
	for err := range errs {
		msgs = append(msgs, err.Error())
	}
	if len(msgs) > 0 {
		return p.Stats(), fmt.Errorf("producers failed: %s", strings.Join(msgs, "; "))
	}
	return p.Stats(), nil
}
