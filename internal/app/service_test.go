package service_test

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	service "github.com/okian/hlm/internal/app"
	"github.com/okian/hlm/internal/adapters/repository"
	"github.com/okian/hlm/internal/domain/dataset"
	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/internal/domain/modelspec"
	synthetic "github.com/okian/hlm/internal/synthetic"
	"github.com/okian/hlm/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

func studyDataset() *dataset.Dataset {
	ds, err := synthetic.Generate(context.Background(), synthetic.Config{
		BaseRate:    30,
		TenureSlope: 0.5,
		GenderGap:   -1.5,
		ResidualSD:  3,
		MaxTenure:   20,
		Genders:     []string{"female", "male"},
		Groups: []synthetic.GroupSpec{
			{Label: "clerk", Size: 50, Offset: 5},
			{Label: "technician", Size: 50, Offset: -5},
		},
		Seed: 13,
	})
	if err != nil {
		panic(err)
	}
	return ds
}

func buildSpec(name string, schema modelspec.Schema, varying bool) *modelspec.Spec {
	fixed := modelspec.Normal(0, 100)
	b := modelspec.NewBuilder(name, schema.Response).
		Intercept(fixed).
		Continuous("tenure", fixed)
	if varying {
		b.VaryingIntercept("job", modelspec.HalfCauchy(5))
	}
	spec, err := b.Build(schema)
	if err != nil {
		panic(err)
	}
	return spec
}

func likelihoodOpts(seed int64) estimate.Options {
	return estimate.Options{Strategy: estimate.StrategyLikelihood, REML: true, Seed: seed}
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return cond()
}

func TestServiceLifecycle(t *testing.T) {
	Convey("Given a service without a dataset", t, func() {
		svc := service.New(nil)

		Convey("When starting it", func() {
			err := svc.Start(context.Background())

			Convey("Then it refuses to start", func() {
				So(errors.Is(err, dataset.ErrInvalidInput), ShouldBeTrue)
			})
		})
	})

	Convey("Given a configured service", t, func() {
		ctx := context.Background()
		svc := service.New(studyDataset(),
			service.WithWorkerCount(1),
			service.WithQueueSize(4),
		)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		Convey("When starting it a second time", func() {
			Convey("Then the second start is a no-op", func() {
				So(svc.Start(ctx), ShouldBeNil)
			})
		})

		Convey("When reading the schema", func() {
			schema := svc.Schema(ctx)

			Convey("Then it describes the payroll columns", func() {
				So(schema.Response, ShouldEqual, "hourly_rate")
				So(len(schema.Factors), ShouldEqual, 2)
				So(schema.Predictors[0], ShouldEqual, "tenure")
			})
		})

		Convey("When asking for a model nobody fitted", func() {
			_, err := svc.Model(ctx, "missing")

			Convey("Then it reports not found", func() {
				So(errors.Is(err, repository.ErrNotFound), ShouldBeTrue)
			})
		})

		Convey("When reading stats", func() {
			stats := svc.Stats(ctx)

			Convey("Then the service reports its configuration", func() {
				So(stats["started"], ShouldEqual, true)
				So(stats["workerCount"], ShouldEqual, 1)
				So(stats["models"], ShouldEqual, 0)
			})
		})
	})
}

func TestServiceSubmit(t *testing.T) {
	Convey("Given a running single-worker service", t, func() {
		ctx := context.Background()
		ds := studyDataset()
		svc := service.New(ds,
			service.WithWorkerCount(1),
			service.WithQueueSize(2),
		)
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		schema := svc.Schema(ctx)

		Convey("When submitting a fit job", func() {
			jobID, duplicate, ok := svc.Submit(ctx, buildSpec("varying", schema, true), likelihoodOpts(42))

			Convey("Then the job is queued with an ID", func() {
				So(ok, ShouldBeTrue)
				So(duplicate, ShouldBeFalse)
				So(jobID, ShouldNotBeEmpty)
			})

			Convey("Then resubmitting the identical job reports a duplicate", func() {
				So(ok, ShouldBeTrue)
				id2, dup2, ok2 := svc.Submit(ctx, buildSpec("varying", schema, true), likelihoodOpts(42))
				So(ok2, ShouldBeTrue)
				So(dup2, ShouldBeTrue)
				So(id2, ShouldBeEmpty)
			})

			Convey("Then the fitted model eventually lands in the store", func() {
				So(ok, ShouldBeTrue)
				So(eventually(func() bool { return len(svc.Models(ctx)) == 1 }), ShouldBeTrue)

				res, err := svc.Model(ctx, "varying")
				So(err, ShouldBeNil)
				So(res.Strategy, ShouldEqual, estimate.StrategyLikelihood)
				So(res.Diagnostics.Converged, ShouldBeTrue)
			})
		})

		Convey("When a burst of jobs outruns the queue", func() {
			// One worker and capacity 2: how many submissions land before
			// the first refusal depends on how far the worker has read
			// ahead, but a burst this size cannot all fit.
			accepted := 0
			var refusedSpec *modelspec.Spec
			var refusedOpts estimate.Options
			for i := 1; i <= 8 && refusedSpec == nil; i++ {
				spec := buildSpec("m"+strconv.Itoa(i), schema, i == 1)
				opts := likelihoodOpts(int64(i))
				_, dup, ok := svc.Submit(ctx, spec, opts)
				So(dup, ShouldBeFalse)
				if ok {
					accepted++
				} else {
					refusedSpec = spec
					refusedOpts = opts
				}
			}

			Convey("Then the refusal rolls the job back so it stays retryable", func() {
				So(refusedSpec, ShouldNotBeNil)
				So(accepted, ShouldBeLessThanOrEqualTo, 4)

				_, dupRetry, okRetry := svc.Submit(ctx, refusedSpec, refusedOpts)
				So(dupRetry, ShouldBeFalse)
				if okRetry {
					accepted++
				}

				Convey("And every accepted job completes and ranks", func() {
					So(eventually(func() bool { return len(svc.Models(ctx)) == accepted }), ShouldBeTrue)

					table, err := svc.Comparison(ctx)
					So(err, ShouldBeNil)
					So(len(table.Entries), ShouldEqual, accepted)
					So(table.Entries[0].Rank, ShouldEqual, 1)
					So(len(table.Failures), ShouldEqual, 0)
				})
			})
		})

		Convey("When resubmitting a job after it completed", func() {
			spec := buildSpec("refit", schema, false)
			_, _, ok := svc.Submit(ctx, spec, likelihoodOpts(42))
			So(ok, ShouldBeTrue)
			So(eventually(func() bool { return len(svc.Models(ctx)) == 1 }), ShouldBeTrue)

			_, duplicate, ok := svc.Submit(ctx, buildSpec("refit", schema, false), likelihoodOpts(42))

			Convey("Then it is accepted again and served from the cache", func() {
				So(ok, ShouldBeTrue)
				So(duplicate, ShouldBeFalse)
				So(eventually(func() bool {
					res, err := svc.Model(ctx, "refit")
					return err == nil && res != nil
				}), ShouldBeTrue)
			})
		})
	})
}

func TestServiceStop(t *testing.T) {
	Convey("Given a running service", t, func() {
		ctx := context.Background()
		svc := service.New(studyDataset(), service.WithWorkerCount(1))
		So(svc.Start(ctx), ShouldBeNil)

		Convey("When stopping it", func() {
			svc.Stop()

			Convey("Then stopping again is safe", func() {
				So(svc.Stop, ShouldNotPanic)
			})
		})
	})
}
