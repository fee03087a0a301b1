package synthetic

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"text/tabwriter"

	"golang.org/x/sync/errgroup"

	"github.com/okian/hlm/internal/domain/compare"
	"github.com/okian/hlm/internal/domain/dataset"
	"github.com/okian/hlm/internal/domain/design"
	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/internal/domain/modelspec"
	"github.com/okian/hlm/pkg/logger"
)

// StudyConfig drives one end-to-end shrinkage study.
type StudyConfig struct {
	Data     Config
	Strategy estimate.Strategy

	Seed       int64
	Chains     int
	Iterations int
	BurnIn     int

	// Out receives the printed report; defaults to stdout.
	Out io.Writer
}

// RunStudy generates the configured dataset, fits the standard model ladder
// against it, and prints the comparison plus the small-group shrinkage
// picture.
func RunStudy(ctx context.Context, cfg StudyConfig) error {
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	log := logger.Get().Named("study")

	ds, err := Generate(ctx, cfg.Data)
	if err != nil {
		return fmt.Errorf("generating study data: %w", err)
	}

	specs, err := ModelLadder(design.SchemaFor(ds))
	if err != nil {
		return fmt.Errorf("building model ladder: %w", err)
	}

	opts := estimate.Options{
		Strategy:   cfg.Strategy,
		Seed:       cfg.Seed,
		Chains:     cfg.Chains,
		Iterations: cfg.Iterations,
		BurnIn:     cfg.BurnIn,
	}

	engine := estimate.NewEngine(estimate.WithLogger(log.Named("engine")))

	// Fits are independent; run them in parallel but collect every failure
	// rather than aborting the study on the first one.
	var mu sync.Mutex
	results := make([]*estimate.FitResult, 0, len(specs))
	failures := make([]compare.Failure, 0)

	g, gctx := errgroup.WithContext(ctx)
	for _, spec := range specs {
		spec := spec
		g.Go(func() error {
			res, err := engine.Fit(gctx, spec, ds, opts)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Warn(gctx, "fit failed", logger.String("model", spec.Name), logger.Error(err))
				failures = append(failures, compare.Failure{Model: spec.Name, Err: err.Error()})
				return nil
			}
			results = append(results, res)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("running fits: %w", err)
	}

	table, err := compare.Rank(results, failures)
	if err != nil {
		return fmt.Errorf("ranking models: %w", err)
	}

	printComparison(cfg.Out, table)
	printShrinkage(cfg.Out, cfg.Data, ds, results)
	return nil
}

// ModelLadder builds the standard candidate set, from complete pooling to a
// varying intercept and slope model.
func ModelLadder(schema modelspec.Schema) ([]*modelspec.Spec, error) {
	fixedPrior := modelspec.Normal(0, 100)
	sdPrior := modelspec.HalfCauchy(5)

	builders := []*modelspec.Builder{
		modelspec.NewBuilder("complete-pooling", schema.Response).
			Intercept(fixedPrior).
			Continuous(dataset.PredictorTenure, fixedPrior).
			Categorical(dataset.FactorGender, fixedPrior),
		modelspec.NewBuilder("no-pooling", schema.Response).
			Intercept(fixedPrior).
			Continuous(dataset.PredictorTenure, fixedPrior).
			Categorical(dataset.FactorGender, fixedPrior).
			Categorical(dataset.FactorJob, fixedPrior),
		modelspec.NewBuilder("varying-intercept", schema.Response).
			Intercept(fixedPrior).
			Continuous(dataset.PredictorTenure, fixedPrior).
			Categorical(dataset.FactorGender, fixedPrior).
			VaryingIntercept(dataset.FactorJob, sdPrior),
		modelspec.NewBuilder("varying-intercept-slope", schema.Response).
			Intercept(fixedPrior).
			Continuous(dataset.PredictorTenure, fixedPrior).
			Categorical(dataset.FactorGender, fixedPrior).
			VaryingInterceptSlope(dataset.FactorJob, dataset.PredictorTenure, sdPrior, sdPrior, modelspec.LKJ(2)),
	}

	specs := make([]*modelspec.Spec, 0, len(builders))
	for _, b := range builders {
		spec, err := b.Build(schema)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func printComparison(out io.Writer, table *compare.Table) {
	fmt.Fprintln(out, "model comparison (lower is better):")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "rank\tmodel\tcriterion\tic\teff. params\tliteral params\tdegenerate")
	for _, e := range table.Entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.2f\t%.2f\t%d\t%v\n",
			e.Rank, e.Model, e.Criterion, e.IC, e.EffectiveParams, e.LiteralParams, e.Degenerate)
	}
	w.Flush()
	for _, f := range table.Failures {
		fmt.Fprintf(out, "failed: %s: %s\n", f.Model, f.Err)
	}
	fmt.Fprintln(out)
}

// printShrinkage contrasts each job's raw mean deviation with its fitted
// group effect, keyed by group size.
func printShrinkage(out io.Writer, cfg Config, ds *dataset.Dataset, results []*estimate.FitResult) {
	var fit *estimate.FitResult
	for _, r := range results {
		if r.Model == "varying-intercept" {
			fit = r
			break
		}
	}
	if fit == nil {
		return
	}

	rawDev := rawGroupDeviations(ds)
	sizes := groupSizes(ds)

	fmt.Fprintln(out, "group shrinkage (varying-intercept model):")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "job\tn\traw deviation\tfitted effect")
	for _, ge := range fit.Groups {
		if ge.Factor != dataset.FactorJob || ge.Kind != "intercept" {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\n", ge.Group, sizes[ge.Group], rawDev[ge.Group], ge.Estimate)
	}
	w.Flush()
	fmt.Fprintln(out)
}

func rawGroupDeviations(ds *dataset.Dataset) map[string]float64 {
	rates := ds.HourlyRates()
	jobs := ds.Jobs()

	grand := 0.0
	for _, r := range rates {
		grand += r
	}
	grand /= float64(len(rates))

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for i, j := range jobs {
		sums[j] += rates[i]
		counts[j]++
	}
	dev := make(map[string]float64, len(sums))
	for j, s := range sums {
		dev[j] = s/float64(counts[j]) - grand
	}
	return dev
}

func groupSizes(ds *dataset.Dataset) map[string]int {
	sizes := make(map[string]int)
	for _, j := range ds.Jobs() {
		sizes[j]++
	}
	return sizes
}
