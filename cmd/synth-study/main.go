package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/internal/synthetic"
	"github.com/okian/hlm/pkg/logger"
)

// Default study budgets.
const (
	defaultStudyTimeout = 10 * time.Minute
	defaultChains       = 4
	defaultIterations   = 2000
	defaultBurnIn       = 500
)

func main() {
	var (
		strategy   = flag.String("strategy", "likelihood", "Estimation strategy: likelihood or sampling")
		seed       = flag.Int64("seed", 42, "Base random seed")
		dataSeed   = flag.Uint64("data-seed", 1, "Seed for the synthetic dataset")
		chains     = flag.Int("chains", defaultChains, "Sampling chains or optimizer restarts")
		iterations = flag.Int("iterations", defaultIterations, "Iterations per chain, including burn-in")
		burnIn     = flag.Int("burnin", defaultBurnIn, "Discarded leading iterations per chain")
		smallSize  = flag.Int("small-group", 5, "Size of the extreme small group")
		logLevel   = flag.String("log-level", "warn", "Log level during the study")
	)
	flag.Parse()

	if err := logger.Init(); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		return
	}
	_ = logger.SetLevelString(*logLevel)

	ctx, cancel := context.WithTimeout(context.Background(), defaultStudyTimeout)
	defer cancel()

	data := synthetic.DefaultConfig()
	data.Seed = *dataSeed
	for i := range data.Groups {
		if data.Groups[i].Size < 100 {
			data.Groups[i].Size = *smallSize
		}
	}

	cfg := synthetic.StudyConfig{
		Data:       data,
		Strategy:   estimate.Strategy(*strategy),
		Seed:       *seed,
		Chains:     *chains,
		Iterations: *iterations,
		BurnIn:     *burnIn,
		Out:        os.Stdout,
	}
	if err := synthetic.RunStudy(ctx, cfg); err != nil {
		os.Stderr.WriteString("study failed: " + err.Error() + "\n")
		os.Exit(1)
	}
}
