package grouping_test

import (
	"errors"
	"testing"

	grouping "github.com/okian/hlm/internal/domain/grouping"
	. "github.com/smartystreets/goconvey/convey"
)

func TestBuildIndex(t *testing.T) {
	Convey("Given a categorical column", t, func() {
		values := []string{"clerk", "technician", "clerk", "inspector", "technician"}

		Convey("When building without options", func() {
			ix, err := grouping.Build("job", values)

			Convey("Then indices cover [1, K] in first-appearance order", func() {
				So(err, ShouldBeNil)
				So(ix.K(), ShouldEqual, 3)
				So(ix.Factor(), ShouldEqual, "job")

				i, err := ix.IndexOf("clerk")
				So(err, ShouldBeNil)
				So(i, ShouldEqual, 1)

				i, err = ix.IndexOf("technician")
				So(err, ShouldBeNil)
				So(i, ShouldEqual, 2)

				i, err = ix.IndexOf("inspector")
				So(err, ShouldBeNil)
				So(i, ShouldEqual, 3)
			})

			Convey("Then the label mapping round-trips", func() {
				So(err, ShouldBeNil)
				for i := 1; i <= ix.K(); i++ {
					label, err := ix.LabelOf(i)
					So(err, ShouldBeNil)
					back, err := ix.IndexOf(label)
					So(err, ShouldBeNil)
					So(back, ShouldEqual, i)
				}
			})
		})

		Convey("When forcing a reference level", func() {
			ix, err := grouping.Build("job", values, grouping.WithReference("inspector"))

			Convey("Then the reference sits at index 1 and the rest keep order", func() {
				So(err, ShouldBeNil)
				So(ix.Reference(), ShouldEqual, "inspector")

				i, err := ix.IndexOf("inspector")
				So(err, ShouldBeNil)
				So(i, ShouldEqual, 1)

				i, err = ix.IndexOf("clerk")
				So(err, ShouldBeNil)
				So(i, ShouldEqual, 2)

				i, err = ix.IndexOf("technician")
				So(err, ShouldBeNil)
				So(i, ShouldEqual, 3)
			})
		})

		Convey("When forcing a reference level that never occurs", func() {
			_, err := grouping.Build("job", values, grouping.WithReference("director"))

			Convey("Then building fails with ErrUnknownCategory", func() {
				So(errors.Is(err, grouping.ErrUnknownCategory), ShouldBeTrue)
			})
		})

		Convey("When the column is empty", func() {
			_, err := grouping.Build("job", nil)

			Convey("Then building fails with ErrEmptyColumn", func() {
				So(errors.Is(err, grouping.ErrEmptyColumn), ShouldBeTrue)
			})
		})
	})
}

func TestIndexLookups(t *testing.T) {
	Convey("Given a built index", t, func() {
		ix, err := grouping.Build("gender", []string{"female", "male", "female"})
		So(err, ShouldBeNil)

		Convey("When asking for an unseen label", func() {
			_, err := ix.IndexOf("nonbinary")

			Convey("Then it fails with ErrUnknownCategory instead of inventing an index", func() {
				So(errors.Is(err, grouping.ErrUnknownCategory), ShouldBeTrue)
			})
		})

		Convey("When asking for an out-of-range index", func() {
			_, low := ix.LabelOf(0)
			_, high := ix.LabelOf(3)

			Convey("Then both fail", func() {
				So(errors.Is(low, grouping.ErrUnknownCategory), ShouldBeTrue)
				So(errors.Is(high, grouping.ErrUnknownCategory), ShouldBeTrue)
			})
		})

		Convey("When assigning a full column", func() {
			got, err := ix.Assign([]string{"male", "female", "male"})

			Convey("Then each value maps to its dense index", func() {
				So(err, ShouldBeNil)
				So(len(got), ShouldEqual, 3)
				So(got[0], ShouldEqual, 2)
				So(got[1], ShouldEqual, 1)
				So(got[2], ShouldEqual, 2)
			})
		})

		Convey("When assigning a column with an unseen label", func() {
			_, err := ix.Assign([]string{"female", "other"})

			Convey("Then assignment fails with ErrUnknownCategory", func() {
				So(errors.Is(err, grouping.ErrUnknownCategory), ShouldBeTrue)
			})
		})

		Convey("When mutating the returned label slice", func() {
			labels := ix.Labels()
			labels[0] = "mutated"

			Convey("Then the index is unaffected", func() {
				label, err := ix.LabelOf(1)
				So(err, ShouldBeNil)
				So(label, ShouldEqual, "female")
			})
		})
	})
}
