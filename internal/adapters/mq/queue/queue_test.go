package queue_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	queue "github.com/okian/hlm/internal/adapters/mq/queue"
	"github.com/okian/hlm/internal/domain/estimate"
	"github.com/okian/hlm/internal/domain/job"
	"github.com/okian/hlm/internal/domain/modelspec"
	. "github.com/smartystreets/goconvey/convey"
)

func newJob(name string) queue.Job {
	return job.New(&modelspec.Spec{Name: name, Response: "hourly_rate"}, estimate.Options{})
}

func TestInMemoryQueue(t *testing.T) {
	Convey("Given a new InMemoryQueue", t, func() {
		ctx := context.Background()

		Convey("When enqueuing within capacity", func() {
			q := queue.NewInMemoryQueue(queue.WithCapacity(4))
			ok := q.Enqueue(ctx, newJob("m1"))

			Convey("Then the job is accepted", func() {
				So(ok, ShouldBeTrue)
				So(q.Len(ctx), ShouldEqual, 1)
			})
		})

		Convey("When the queue is full", func() {
			q := queue.NewInMemoryQueue(queue.WithCapacity(2))
			So(q.Enqueue(ctx, newJob("m1")), ShouldBeTrue)
			So(q.Enqueue(ctx, newJob("m2")), ShouldBeTrue)

			ok := q.Enqueue(ctx, newJob("m3"))

			Convey("Then further jobs are rejected without blocking", func() {
				So(ok, ShouldBeFalse)
				So(q.Len(ctx), ShouldEqual, 2)
			})
		})

		Convey("When dequeuing enqueued jobs", func() {
			q := queue.NewInMemoryQueue(queue.WithCapacity(4))
			names := []string{"m1", "m2", "m3"}
			for _, n := range names {
				So(q.Enqueue(ctx, newJob(n)), ShouldBeTrue)
			}

			out := q.Dequeue(ctx)

			Convey("Then jobs arrive in submission order", func() {
				for i := 0; i < len(names); i++ {
					select {
					case j := <-out:
						So(j.Spec.Name, ShouldEqual, "m"+strconv.Itoa(i+1))
					case <-time.After(time.Second):
						So("timed out waiting for job", ShouldBeEmpty)
					}
				}
			})
		})

		Convey("When the queue is closed", func() {
			q := queue.NewInMemoryQueue(queue.WithCapacity(4))
			So(q.Enqueue(ctx, newJob("m1")), ShouldBeTrue)
			So(q.Close(), ShouldBeNil)

			Convey("Then enqueue is refused", func() {
				So(q.IsClosed(), ShouldBeTrue)
				So(q.Enqueue(ctx, newJob("m2")), ShouldBeFalse)
			})

			Convey("Then the dequeue channel drains and closes", func() {
				out := q.Dequeue(ctx)

				j, open := <-out
				So(open, ShouldBeTrue)
				So(j.Spec.Name, ShouldEqual, "m1")

				select {
				case _, open := <-out:
					So(open, ShouldBeFalse)
				case <-time.After(time.Second):
					So("timed out waiting for close", ShouldBeEmpty)
				}
			})

			Convey("Then closing again is a no-op", func() {
				So(q.Close(), ShouldBeNil)
			})
		})

		Convey("When the consumer context is cancelled", func() {
			q := queue.NewInMemoryQueue(queue.WithCapacity(4))
			cctx, cancel := context.WithCancel(ctx)
			out := q.Dequeue(cctx)
			cancel()

			So(q.Enqueue(ctx, newJob("m1")), ShouldBeTrue)

			Convey("Then the delivery channel closes without a send", func() {
				select {
				case _, open := <-out:
					So(open, ShouldBeFalse)
				case <-time.After(time.Second):
					So("timed out waiting for close", ShouldBeEmpty)
				}
			})
		})
	})
}
