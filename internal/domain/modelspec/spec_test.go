package modelspec_test

import (
	"errors"
	"testing"

	modelspec "github.com/okian/hlm/internal/domain/modelspec"
	. "github.com/smartystreets/goconvey/convey"
)

func payrollSchema() modelspec.Schema {
	return modelspec.Schema{
		Response:   "hourly_rate",
		Factors:    []string{"job", "gender"},
		Predictors: []string{"tenure"},
	}
}

func TestBuilderValidation(t *testing.T) {
	Convey("Given the payroll schema", t, func() {
		schema := payrollSchema()
		fixed := modelspec.Normal(0, 100)
		sd := modelspec.HalfCauchy(5)

		Convey("When building a full varying-intercept-slope model", func() {
			spec, err := modelspec.NewBuilder("m", "hourly_rate").
				Intercept(fixed).
				Continuous("tenure", fixed).
				Categorical("gender", fixed).
				VaryingInterceptSlope("job", "tenure", sd, sd, modelspec.LKJ(2)).
				Build(schema)

			Convey("Then the spec freezes with all terms", func() {
				So(err, ShouldBeNil)
				So(len(spec.Fixed), ShouldEqual, 3)
				So(len(spec.Varying), ShouldEqual, 1)
				So(spec.Varying[0].Dims(), ShouldEqual, 2)
				So(spec.HasVarying(), ShouldBeTrue)
			})
		})

		Convey("When the model name is empty", func() {
			_, err := modelspec.NewBuilder("", "hourly_rate").
				Intercept(fixed).
				Build(schema)

			Convey("Then building fails with ErrInvalidSpec", func() {
				So(errors.Is(err, modelspec.ErrInvalidSpec), ShouldBeTrue)
			})
		})

		Convey("When the response does not match the schema", func() {
			_, err := modelspec.NewBuilder("m", "annual_salary").
				Intercept(fixed).
				Build(schema)

			Convey("Then building fails with ErrInvalidSpec", func() {
				So(errors.Is(err, modelspec.ErrInvalidSpec), ShouldBeTrue)
			})
		})

		Convey("When no fixed-effect term is declared", func() {
			_, err := modelspec.NewBuilder("m", "hourly_rate").Build(schema)

			Convey("Then building fails with ErrInvalidSpec", func() {
				So(errors.Is(err, modelspec.ErrInvalidSpec), ShouldBeTrue)
			})
		})

		Convey("When a predictor is unknown to the schema", func() {
			_, err := modelspec.NewBuilder("m", "hourly_rate").
				Intercept(fixed).
				Continuous("age", fixed).
				Build(schema)

			Convey("Then building fails and names the predictor", func() {
				So(errors.Is(err, modelspec.ErrInvalidSpec), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "age")
			})
		})

		Convey("When a varying factor is unknown to the schema", func() {
			_, err := modelspec.NewBuilder("m", "hourly_rate").
				Intercept(fixed).
				VaryingIntercept("department", sd).
				Build(schema)

			Convey("Then building fails with ErrInvalidSpec", func() {
				So(errors.Is(err, modelspec.ErrInvalidSpec), ShouldBeTrue)
			})
		})

		Convey("When a fixed term is declared twice", func() {
			_, err := modelspec.NewBuilder("m", "hourly_rate").
				Intercept(fixed).
				Continuous("tenure", fixed).
				Continuous("tenure", fixed).
				Build(schema)

			Convey("Then building fails with ErrInvalidSpec", func() {
				So(errors.Is(err, modelspec.ErrInvalidSpec), ShouldBeTrue)
			})
		})

		Convey("When the same factor carries two varying terms", func() {
			_, err := modelspec.NewBuilder("m", "hourly_rate").
				Intercept(fixed).
				Continuous("tenure", fixed).
				VaryingIntercept("job", sd).
				VaryingSlope("job", "tenure", sd).
				Build(schema)

			Convey("Then building fails with ErrInvalidSpec", func() {
				So(errors.Is(err, modelspec.ErrInvalidSpec), ShouldBeTrue)
			})
		})

		Convey("When a varying slope has no matching fixed effect", func() {
			_, err := modelspec.NewBuilder("m", "hourly_rate").
				Intercept(fixed).
				VaryingSlope("job", "tenure", sd).
				Build(schema)

			Convey("Then building fails because the deviations have no center", func() {
				So(errors.Is(err, modelspec.ErrInvalidSpec), ShouldBeTrue)
				So(err.Error(), ShouldContainSubstring, "tenure")
			})
		})

		Convey("When a group-level sd carries a normal prior", func() {
			_, err := modelspec.NewBuilder("m", "hourly_rate").
				Intercept(fixed).
				VaryingIntercept("job", modelspec.Normal(0, 5)).
				Build(schema)

			Convey("Then building fails: sd priors must be half families", func() {
				So(errors.Is(err, modelspec.ErrInvalidSpec), ShouldBeTrue)
			})
		})

		Convey("When the residual prior is overridden with a half-normal", func() {
			spec, err := modelspec.NewBuilder("m", "hourly_rate").
				Intercept(fixed).
				ResidualPrior(modelspec.HalfNormal(10)).
				Build(schema)

			Convey("Then the override sticks", func() {
				So(err, ShouldBeNil)
				So(spec.ResidualPrior.Family, ShouldEqual, modelspec.FamilyHalfNormal)
				So(spec.ResidualPrior.Scale, ShouldEqual, 10.0)
			})
		})
	})
}

func TestSpecFingerprint(t *testing.T) {
	Convey("Given two independently built specs", t, func() {
		schema := payrollSchema()
		fixed := modelspec.Normal(0, 100)

		build := func(name string, sdScale float64) *modelspec.Spec {
			spec, err := modelspec.NewBuilder(name, "hourly_rate").
				Intercept(fixed).
				Continuous("tenure", fixed).
				VaryingIntercept("job", modelspec.HalfCauchy(sdScale)).
				Build(schema)
			So(err, ShouldBeNil)
			return spec
		}

		Convey("When the specs are term-for-term identical", func() {
			a := build("m", 5)
			b := build("m", 5)

			Convey("Then their fingerprints match", func() {
				So(a.Fingerprint(), ShouldEqual, b.Fingerprint())
			})
		})

		Convey("When only a prior scale differs", func() {
			a := build("m", 5)
			b := build("m", 2.5)

			Convey("Then their fingerprints differ", func() {
				So(a.Fingerprint(), ShouldNotEqual, b.Fingerprint())
			})
		})

		Convey("When only the model name differs", func() {
			a := build("m1", 5)
			b := build("m2", 5)

			Convey("Then their fingerprints differ", func() {
				So(a.Fingerprint(), ShouldNotEqual, b.Fingerprint())
			})
		})
	})
}
