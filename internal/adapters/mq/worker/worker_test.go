package worker_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	cache "github.com/okian/hlm/internal/adapters/cache"
	queue "github.com/okian/hlm/internal/adapters/mq/queue"
	worker "github.com/okian/hlm/internal/adapters/mq/worker"
	repository "github.com/okian/hlm/internal/adapters/repository"
	"github.com/okian/hlm/internal/domain/dataset"
	"github.com/okian/hlm/internal/domain/dedupe"
	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/internal/domain/job"
	"github.com/okian/hlm/internal/domain/modelspec"
	"github.com/okian/hlm/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	if err := logger.Init(); err != nil {
		panic(err)
	}
}

// stubFitter returns a canned result or error and counts calls.
type stubFitter struct {
	calls int64
	res   *estimate.FitResult
	err   error
}

func (f *stubFitter) Fit(_ context.Context, spec *modelspec.Spec, _ *dataset.Dataset, _ estimate.Options) (*estimate.FitResult, error) {
	atomic.AddInt64(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	res := *f.res
	res.Model = spec.Name
	return &res, nil
}

func (f *stubFitter) callCount() int64 { return atomic.LoadInt64(&f.calls) }

func testDataset() *dataset.Dataset {
	ds, err := dataset.New([]dataset.Observation{
		{HourlyRate: 31.2, TenureYears: 4, Job: "clerk", Gender: "female"},
		{HourlyRate: 27.5, TenureYears: 2, Job: "technician", Gender: "male"},
		{HourlyRate: 48.0, TenureYears: 9, Job: "inspector", Gender: "female"},
	})
	if err != nil {
		panic(err)
	}
	return ds
}

func testSpec(name string) *modelspec.Spec {
	spec, err := modelspec.NewBuilder(name, "hourly_rate").
		Intercept(modelspec.Normal(0, 100)).
		Build(modelspec.Schema{
			Response:   "hourly_rate",
			Factors:    []string{"job", "gender"},
			Predictors: []string{"tenure"},
		})
	if err != nil {
		panic(err)
	}
	return spec
}

func testResult() *estimate.FitResult {
	return &estimate.FitResult{
		Strategy:    estimate.StrategyLikelihood,
		Fixed:       []estimate.Coefficient{{Name: "(intercept)", Estimate: 33.1, SE: 1.2}},
		ResidualSD:  3.0,
		Deviance:    42.0,
		EffectiveDF: 1,
		Diagnostics: estimate.Diagnostics{Converged: true, Runs: 1},
	}
}

// eventually polls cond until it holds or the deadline passes.
func eventually(cond func() bool) bool {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

func TestInMemoryWorker(t *testing.T) {
	Convey("Given a worker wired to in-memory adapters", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ds := testDataset()
		q := queue.NewInMemoryQueue(queue.WithCapacity(8))
		store := repository.NewMemStore()
		fitCache, err := cache.NewBadgerStore("")
		So(err, ShouldBeNil)
		defer fitCache.Close() //nolint:errcheck // test teardown
		deduper := dedupe.NewInMemoryDeduper()

		Convey("When a job is processed successfully", func() {
			fitter := &stubFitter{res: testResult()}
			w := worker.NewInMemoryWorker(q, fitter, store, fitCache, ds,
				worker.WithReleaser(deduper))
			go w.Run(ctx)

			j := job.New(testSpec("pooled"), estimate.Options{Strategy: estimate.StrategyLikelihood, Seed: 42})
			key := cache.Key(j.Spec, ds.Fingerprint(), j.Options)
			deduper.SeenAndRecord(ctx, key)
			So(q.Enqueue(ctx, j), ShouldBeTrue)

			Convey("Then the result lands in the store and the cache", func() {
				So(eventually(func() bool { return store.Count(ctx) == 1 }), ShouldBeTrue)

				got, err := store.Get(ctx, "pooled")
				So(err, ShouldBeNil)
				So(got.Deviance, ShouldEqual, 42.0)
				So(fitter.callCount(), ShouldEqual, 1)

				cached, hit, err := fitCache.Get(ctx, key)
				So(err, ShouldBeNil)
				So(hit, ShouldBeTrue)
				So(cached.Model, ShouldEqual, "pooled")
			})

			Convey("Then the in-flight fingerprint is released", func() {
				So(eventually(func() bool { return deduper.Size() == 0 }), ShouldBeTrue)
			})
		})

		Convey("When the cache already holds the result", func() {
			fitter := &stubFitter{res: testResult()}
			w := worker.NewInMemoryWorker(q, fitter, store, fitCache, ds)
			go w.Run(ctx)

			j := job.New(testSpec("warm"), estimate.Options{Strategy: estimate.StrategyLikelihood, Seed: 42})
			key := cache.Key(j.Spec, ds.Fingerprint(), j.Options)

			cached := testResult()
			cached.Model = "warm"
			cached.Deviance = 7.7
			So(fitCache.Put(ctx, key, cached), ShouldBeNil)

			So(q.Enqueue(ctx, j), ShouldBeTrue)

			Convey("Then the stored result comes from the cache, not a refit", func() {
				So(eventually(func() bool { return store.Count(ctx) == 1 }), ShouldBeTrue)

				got, err := store.Get(ctx, "warm")
				So(err, ShouldBeNil)
				So(got.Deviance, ShouldEqual, 7.7)
				So(fitter.callCount(), ShouldEqual, 0)
			})
		})

		Convey("When the fit fails", func() {
			fitter := &stubFitter{err: fmt.Errorf("%w: optimizer exhausted restarts", estimate.ErrNonConvergence)}
			w := worker.NewInMemoryWorker(q, fitter, store, fitCache, ds,
				worker.WithReleaser(deduper))
			go w.Run(ctx)

			j := job.New(testSpec("doomed"), estimate.Options{Strategy: estimate.StrategyLikelihood, Seed: 42})
			deduper.SeenAndRecord(ctx, cache.Key(j.Spec, ds.Fingerprint(), j.Options))
			So(q.Enqueue(ctx, j), ShouldBeTrue)

			Convey("Then the failure is recorded and the fingerprint released", func() {
				So(eventually(func() bool {
					table, err := store.Ranked(ctx)
					return err == nil && len(table.Failures) == 1
				}), ShouldBeTrue)

				table, err := store.Ranked(ctx)
				So(err, ShouldBeNil)
				So(table.Failures[0].Model, ShouldEqual, "doomed")
				So(table.Failures[0].Err, ShouldContainSubstring, "exhausted restarts")
				So(store.Count(ctx), ShouldEqual, 0)
				So(eventually(func() bool { return deduper.Size() == 0 }), ShouldBeTrue)
			})
		})

		Convey("When the worker is shut down", func() {
			fitter := &stubFitter{res: testResult()}
			w := worker.NewInMemoryWorker(q, fitter, store, fitCache, ds)
			go w.Run(ctx)

			sctx, scancel := context.WithTimeout(ctx, time.Second)
			defer scancel()

			Convey("Then shutdown returns promptly", func() {
				So(w.Shutdown(sctx), ShouldBeNil)
			})

			Convey("Then shutting down again is a no-op", func() {
				So(w.Shutdown(sctx), ShouldBeNil)
				So(func() { _ = w.Shutdown(sctx) }, ShouldNotPanic)
			})
		})
	})
}

func TestPool(t *testing.T) {
	Convey("Given a pool of workers sharing one queue", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		ds := testDataset()
		q := queue.NewInMemoryQueue(queue.WithCapacity(16))
		store := repository.NewMemStore()
		fitter := &stubFitter{res: testResult()}

		pool := worker.NewPool(3, q, fitter, store, nil, ds)
		pool.Start(ctx)

		Convey("When several distinct jobs are enqueued", func() {
			for i := 0; i < 6; i++ {
				j := job.New(testSpec(fmt.Sprintf("model-%d", i)), estimate.Options{Strategy: estimate.StrategyLikelihood, Seed: int64(i)})
				So(q.Enqueue(ctx, j), ShouldBeTrue)
			}

			Convey("Then every job is fitted exactly once", func() {
				So(eventually(func() bool { return store.Count(ctx) == 6 }), ShouldBeTrue)
				So(fitter.callCount(), ShouldEqual, 6)
			})
		})

		Convey("When the pool shuts down", func() {
			Convey("Then the queue refuses new work afterwards", func() {
				So(pool.Shutdown(ctx), ShouldBeNil)
				So(q.IsClosed(), ShouldBeTrue)

				j := job.New(testSpec("late"), estimate.Options{})
				So(q.Enqueue(ctx, j), ShouldBeFalse)

				So(pool.Shutdown(ctx), ShouldBeNil)
			})
		})
	})
}
