package cache_test

import (
	"context"
	"testing"

	cache "github.com/okian/hlm/internal/adapters/cache"
	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/internal/domain/modelspec"
	. "github.com/smartystreets/goconvey/convey"
)

func sampleSpec(name string) *modelspec.Spec {
	spec, err := modelspec.NewBuilder(name, "hourly_rate").
		Intercept(modelspec.Normal(0, 100)).
		Continuous("tenure", modelspec.Normal(0, 100)).
		VaryingIntercept("job", modelspec.HalfCauchy(5)).
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

func sampleResult(model string) *estimate.FitResult {
	return &estimate.FitResult{
		Model:    model,
		Strategy: estimate.StrategyLikelihood,
		Seed:     42,
		Fixed: []estimate.Coefficient{
			{Name: "(intercept)", Estimate: 30.2, SE: 0.6, Lower: 29.0, Upper: 31.4},
			{Name: "tenure", Estimate: 0.48, SE: 0.05, Lower: 0.38, Upper: 0.58},
		},
		Groups: []estimate.GroupEffect{
			{Factor: "job", Group: "clerk", Kind: "intercept", Estimate: 4.7, SE: 0.8},
		},
		FactorLevels: map[string][]string{"job": {"clerk", "technician"}},
		ResidualSD:   3.1,
		Deviance:     812.4,
		EffectiveDF:  4.2,
		Diagnostics:  estimate.Diagnostics{Converged: true, Runs: 3},
	}
}

func TestKey(t *testing.T) {
	Convey("Given fit identities", t, func() {
		ds := "dataset-fingerprint"
		opts := estimate.Options{Strategy: estimate.StrategyLikelihood, Seed: 42}

		Convey("When the spec, dataset and options are equal", func() {
			a := cache.Key(sampleSpec("m"), ds, opts)
			b := cache.Key(sampleSpec("m"), ds, opts)

			Convey("Then the keys are equal", func() {
				So(a, ShouldEqual, b)
				So(a, ShouldNotBeEmpty)
			})
		})

		Convey("When any identity differs", func() {
			base := cache.Key(sampleSpec("m"), ds, opts)

			otherSpec := cache.Key(sampleSpec("m2"), ds, opts)
			otherData := cache.Key(sampleSpec("m"), "other-fingerprint", opts)
			otherSeed := cache.Key(sampleSpec("m"), ds, estimate.Options{Strategy: estimate.StrategyLikelihood, Seed: 43})
			otherStrategy := cache.Key(sampleSpec("m"), ds, estimate.Options{Strategy: estimate.StrategySampling, Seed: 42})

			Convey("Then the key changes", func() {
				So(otherSpec, ShouldNotEqual, base)
				So(otherData, ShouldNotEqual, base)
				So(otherSeed, ShouldNotEqual, base)
				So(otherStrategy, ShouldNotEqual, base)
			})
		})
	})
}

func TestBadgerStore(t *testing.T) {
	Convey("Given an in-memory badger store", t, func() {
		ctx := context.Background()
		store, err := cache.NewBadgerStore("")
		So(err, ShouldBeNil)
		defer store.Close() //nolint:errcheck // test teardown

		Convey("When reading a key that was never written", func() {
			res, hit, err := store.Get(ctx, "absent")

			Convey("Then it reports a clean miss", func() {
				So(err, ShouldBeNil)
				So(hit, ShouldBeFalse)
				So(res, ShouldBeNil)
			})
		})

		Convey("When writing and reading back a result", func() {
			want := sampleResult("varying-intercept")
			So(store.Put(ctx, "key-1", want), ShouldBeNil)

			got, hit, err := store.Get(ctx, "key-1")

			Convey("Then the stored result round-trips", func() {
				So(err, ShouldBeNil)
				So(hit, ShouldBeTrue)
				So(got.Model, ShouldEqual, "varying-intercept")
				So(len(got.Fixed), ShouldEqual, 2)
				So(got.Fixed[1].Estimate, ShouldAlmostEqual, 0.48, 1e-12)
				So(got.FactorLevels["job"][1], ShouldEqual, "technician")
				So(got.Diagnostics.Converged, ShouldBeTrue)
			})
		})

		Convey("When overwriting a key", func() {
			So(store.Put(ctx, "key-1", sampleResult("first")), ShouldBeNil)
			So(store.Put(ctx, "key-1", sampleResult("second")), ShouldBeNil)

			got, hit, err := store.Get(ctx, "key-1")

			Convey("Then the last write wins, never a partial state", func() {
				So(err, ShouldBeNil)
				So(hit, ShouldBeTrue)
				So(got.Model, ShouldEqual, "second")
			})
		})
	})

	Convey("Given a disk-backed badger store", t, func() {
		ctx := context.Background()
		dir := t.TempDir()

		Convey("When writing, closing and reopening", func() {
			store, err := cache.NewBadgerStore(dir)
			So(err, ShouldBeNil)
			So(store.Put(ctx, "persisted", sampleResult("durable")), ShouldBeNil)
			So(store.Close(), ShouldBeNil)

			reopened, err := cache.NewBadgerStore(dir)
			So(err, ShouldBeNil)
			defer reopened.Close() //nolint:errcheck // test teardown

			got, hit, err := reopened.Get(ctx, "persisted")

			Convey("Then the result survives the restart", func() {
				So(err, ShouldBeNil)
				So(hit, ShouldBeTrue)
				So(got.Model, ShouldEqual, "durable")
			})
		})
	})
}
