package compare_test

import (
	"errors"
	"math"
	"testing"

	compare "github.com/okian/hlm/internal/domain/compare"
	estimate "github.com/okian/hlm/internal/domain/estimate"
	. "github.com/smartystreets/goconvey/convey"
)

func likelihoodResult(model string, deviance, edf float64) *estimate.FitResult {
	return &estimate.FitResult{
		Model:       model,
		Strategy:    estimate.StrategyLikelihood,
		Deviance:    deviance,
		EffectiveDF: edf,
	}
}

func TestRank(t *testing.T) {
	Convey("Given a set of likelihood fits", t, func() {
		Convey("When ranking by conditional AIC", func() {
			table, err := compare.Rank([]*estimate.FitResult{
				likelihoodResult("rich", 100, 10), // ic 120
				likelihoodResult("lean", 110, 3),  // ic 116
				likelihoodResult("mid", 104, 7),   // ic 118
			}, nil)

			Convey("Then entries sort ascending by IC with ranks 1..n", func() {
				So(err, ShouldBeNil)
				So(len(table.Entries), ShouldEqual, 3)
				So(table.Entries[0].Model, ShouldEqual, "lean")
				So(table.Entries[0].Rank, ShouldEqual, 1)
				So(table.Entries[0].IC, ShouldEqual, 116.0)
				So(table.Entries[1].Model, ShouldEqual, "mid")
				So(table.Entries[2].Model, ShouldEqual, "rich")
				So(table.Entries[2].Rank, ShouldEqual, 3)
			})

			Convey("Then each entry names its criterion", func() {
				So(err, ShouldBeNil)
				So(table.Entries[0].Criterion, ShouldEqual, compare.CriterionCAIC)
			})
		})

		Convey("When two models tie on IC", func() {
			table, err := compare.Rank([]*estimate.FitResult{
				likelihoodResult("first", 100, 5),
				likelihoodResult("second", 102, 4),
			}, nil)

			Convey("Then input order breaks the tie", func() {
				So(err, ShouldBeNil)
				So(table.Entries[0].Model, ShouldEqual, "first")
				So(table.Entries[1].Model, ShouldEqual, "second")
			})
		})

		Convey("When some fits failed", func() {
			table, err := compare.Rank(
				[]*estimate.FitResult{likelihoodResult("ok", 100, 5)},
				[]compare.Failure{{Model: "broken", Err: "fit did not converge"}},
			)

			Convey("Then failures are carried separately, never ranked", func() {
				So(err, ShouldBeNil)
				So(len(table.Entries), ShouldEqual, 1)
				So(len(table.Failures), ShouldEqual, 1)
				So(table.Failures[0].Model, ShouldEqual, "broken")
			})
		})

		Convey("When a result carries an unknown strategy", func() {
			_, err := compare.Rank([]*estimate.FitResult{
				{Model: "odd", Strategy: "bootstrap"},
			}, nil)

			Convey("Then ranking fails with ErrUncomparable", func() {
				So(errors.Is(err, compare.ErrUncomparable), ShouldBeTrue)
			})
		})

		Convey("When likelihood and sampling fits are mixed", func() {
			sampling := &estimate.FitResult{
				Model:    "posterior",
				Strategy: estimate.StrategySampling,
				LogLik: [][]float64{
					{-1.0, -1.2},
					{-1.1, -1.3},
					{-0.9, -1.1},
				},
			}
			table, err := compare.Rank([]*estimate.FitResult{
				likelihoodResult("ml", 100, 5),
				sampling,
			}, nil)

			Convey("Then each uses its own criterion on a shared scale", func() {
				So(err, ShouldBeNil)
				So(len(table.Entries), ShouldEqual, 2)
				for _, e := range table.Entries {
					switch e.Model {
					case "ml":
						So(e.Criterion, ShouldEqual, compare.CriterionCAIC)
					case "posterior":
						So(e.Criterion, ShouldEqual, compare.CriterionWAIC)
					}
				}
			})
		})
	})
}

func TestWAIC(t *testing.T) {
	Convey("Given pointwise log-likelihood draws", t, func() {
		Convey("When every draw is identical", func() {
			ll := [][]float64{
				{-1.5, -2.0, -0.5},
				{-1.5, -2.0, -0.5},
				{-1.5, -2.0, -0.5},
			}
			waic, pWAIC, err := compare.WAIC(ll)

			Convey("Then pWAIC is zero and WAIC is -2 lppd", func() {
				So(err, ShouldBeNil)
				So(pWAIC, ShouldEqual, 0.0)
				So(waic, ShouldAlmostEqual, -2*(-1.5-2.0-0.5), 1e-10)
			})
		})

		Convey("When draws vary", func() {
			ll := [][]float64{
				{-1.0, -2.0},
				{-2.0, -2.0},
				{-3.0, -2.0},
			}
			waic, pWAIC, err := compare.WAIC(ll)

			Convey("Then pWAIC equals the summed draw variance", func() {
				So(err, ShouldBeNil)
				// Var of {-1,-2,-3} with the n-1 divisor is 1; second point is constant.
				So(pWAIC, ShouldAlmostEqual, 1.0, 1e-10)
				So(math.IsNaN(waic), ShouldBeFalse)
			})

			Convey("Then more draw spread means a larger penalty", func() {
				So(err, ShouldBeNil)
				wide := [][]float64{
					{-0.5, -2.0},
					{-2.0, -2.0},
					{-3.5, -2.0},
				}
				_, pWide, err := compare.WAIC(wide)
				So(err, ShouldBeNil)
				So(pWide, ShouldBeGreaterThan, pWAIC)
			})
		})

		Convey("When the block is empty", func() {
			_, _, err := compare.WAIC(nil)

			Convey("Then it fails with ErrUncomparable", func() {
				So(errors.Is(err, compare.ErrUncomparable), ShouldBeTrue)
			})
		})

		Convey("When draws carry no observations", func() {
			_, _, err := compare.WAIC([][]float64{{}})

			Convey("Then it fails with ErrUncomparable", func() {
				So(errors.Is(err, compare.ErrUncomparable), ShouldBeTrue)
			})
		})
	})
}
