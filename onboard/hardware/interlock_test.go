package hardware

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

const testHalf = 250 * time.Microsecond

func TestStopCause(t *testing.T) {
	Convey("The first recorded side wins", t, func() {
		var cause StopCause
		So(cause.Load(), ShouldEqual, NoSide)

		var wg sync.WaitGroup
		wins := make(chan Side, 2)
		for _, side := range []Side{Left, Right} {
			wg.Add(1)
			go func(s Side) {
				defer wg.Done()
				if cause.Record(s) {
					wins <- s
				}
			}(side)
		}
		wg.Wait()
		close(wins)

		So(len(wins), ShouldEqual, 1)
		So(cause.Load(), ShouldEqual, <-wins)

		Convey("until it is reset", func() {
			cause.reset()
			So(cause.Record(Left), ShouldBeTrue)
			So(cause.Load(), ShouldEqual, Left)
		})
	})
}

func TestDirection(t *testing.T) {
	Convey("Forward runs into the right switch and backward into the left", t, func() {
		So(Forward.Leading(), ShouldEqual, Right)
		So(Backward.Leading(), ShouldEqual, Left)
	})
}

func TestSideJSON(t *testing.T) {
	Convey("Sides encode by name and no side as null", t, func() {
		data, err := json.Marshal([]Side{NoSide, Left, Right})
		So(err, ShouldBeNil)
		So(string(data), ShouldEqual, `[null,"left","right"]`)

		var sides []Side
		So(json.Unmarshal(data, &sides), ShouldBeNil)
		So(sides, ShouldResemble, []Side{NoSide, Left, Right})

		var side Side
		So(json.Unmarshal([]byte(`"up"`), &side), ShouldNotBeNil)
	})
}

func TestInterlock(t *testing.T) {
	Convey("Given an interlocked axis", t, func() {
		g, _, _, interlock := newTestAxis()
		ctx := context.Background()

		Convey("zero steps does nothing", func() {
			cause, err := interlock.Move(ctx, 0, testHalf)
			So(err, ShouldBeNil)
			So(cause, ShouldEqual, NoSide)
			So(g.pulseCount(), ShouldEqual, 0)
			So(interlock.Status().State, ShouldEqual, Idle)
		})

		Convey("a move with no trips completes", func() {
			cause, err := interlock.Move(ctx, 40, testHalf)
			So(err, ShouldBeNil)
			So(cause, ShouldEqual, NoSide)
			So(g.pulseCount(), ShouldEqual, 40)
			So(g.level(testDir), ShouldEqual, Low)
			So(interlock.Status().State, ShouldEqual, Idle)
		})

		Convey("negative steps move backward", func() {
			cause, err := interlock.Move(ctx, -10, testHalf)
			So(err, ShouldBeNil)
			So(cause, ShouldEqual, NoSide)
			So(g.pulseCount(), ShouldEqual, 10)
			So(g.level(testDir), ShouldEqual, High)
		})

		Convey("an already active leading switch stops before any pulse", func() {
			g.set(testRight, Low)

			cause, err := interlock.Move(ctx, 100, testHalf)
			So(err, ShouldBeNil)
			So(cause, ShouldEqual, Right)
			So(g.pulseCount(), ShouldEqual, 0)
			So(interlock.Status(), ShouldResemble, Status{State: Stopped, Direction: Forward, Cause: Right})

			Convey("but moving away from it is allowed", func() {
				cause, err := interlock.Move(ctx, -5, testHalf)
				So(err, ShouldBeNil)
				So(cause, ShouldEqual, NoSide)
				So(g.pulseCount(), ShouldEqual, 5)
			})
		})

		Convey("a leading trip mid move halts the train", func() {
			tripped := make(chan int, 1)
			g.hook(func(n int) {
				if n == 20 {
					tripped <- g.pulseCount()
					g.set(testRight, Low)
				}
			})

			cause, err := interlock.Move(ctx, 4000, testHalf)
			So(err, ShouldBeNil)
			So(cause, ShouldEqual, Right)
			at := <-tripped
			So(at, ShouldBeGreaterThanOrEqualTo, 20)
			So(g.pulseCount(), ShouldBeBetweenOrEqual, at, at+2)
			So(interlock.Status().State, ShouldEqual, Stopped)

			stopped := g.pulseCount()
			time.Sleep(5 * time.Millisecond)
			So(g.pulseCount(), ShouldEqual, stopped)
		})

		Convey("a leading switch closing while the move is set up stops it", func() {
			g.afterWrite(func(pin int, level Level) {
				if pin == testDir {
					g.set(testRight, Low)
				}
			})

			cause, err := interlock.Move(ctx, 200, testHalf)
			So(err, ShouldBeNil)
			So(cause, ShouldEqual, Right)
			So(g.pulseCount(), ShouldEqual, 0)
			So(interlock.Status(), ShouldResemble, Status{State: Stopped, Direction: Forward, Cause: Right})
		})

		Convey("a trailing trip does not stop the move", func() {
			g.hook(func(n int) {
				if n == 5 {
					g.set(testLeft, Low)
				}
			})

			cause, err := interlock.Move(ctx, 30, testHalf)
			So(err, ShouldBeNil)
			So(cause, ShouldEqual, NoSide)
			So(g.pulseCount(), ShouldEqual, 30)
		})

		Convey("the trailing switch does not override a leading trip", func() {
			g.hook(func(n int) {
				switch n {
				case 10:
					g.set(testRight, Low)
				case 11:
					g.set(testLeft, Low)
				}
			})

			cause, err := interlock.Move(ctx, 4000, testHalf)
			So(err, ShouldBeNil)
			So(cause, ShouldEqual, Right)
		})

		Convey("switches are disarmed once the move returns", func() {
			_, err := interlock.Move(ctx, 5, testHalf)
			So(err, ShouldBeNil)

			g.set(testRight, Low)
			So(interlock.cause.Load(), ShouldEqual, NoSide)
		})

		Convey("a stop does not leak into the next call", func() {
			g.set(testRight, Low)
			cause, _ := interlock.Move(ctx, 10, testHalf)
			So(cause, ShouldEqual, Right)

			g.set(testRight, High)
			cause, err := interlock.Move(ctx, 10, testHalf)
			So(err, ShouldBeNil)
			So(cause, ShouldEqual, NoSide)
			So(g.pulseCount(), ShouldEqual, 10)
		})

		Convey("a cancelled context ends the move with an error", func() {
			ctx, cancel := context.WithCancel(ctx)
			g.hook(func(n int) {
				if n == 3 {
					cancel()
				}
			})

			cause, err := interlock.Move(ctx, 4000, testHalf)
			So(err, ShouldEqual, context.Canceled)
			So(cause, ShouldEqual, NoSide)
			So(g.pulseCount(), ShouldBeLessThan, 4000)
		})
	})
}

func TestHomer(t *testing.T) {
	Convey("Given a homer driving backward", t, func() {
		g, _, _, interlock := newTestAxis()
		homer := NewHomer(interlock, Backward)
		ctx := context.Background()

		Convey("an active switch means already homed", func() {
			g.set(testRight, Low)

			side, err := homer.Home(ctx, testHalf)
			So(err, ShouldBeNil)
			So(side, ShouldEqual, Right)
			So(g.pulseCount(), ShouldEqual, 0)
		})

		Convey("a switch closing while homing is set up ends it at once", func() {
			g.afterWrite(func(pin int, level Level) {
				if pin == testDir {
					g.set(testLeft, Low)
				}
			})

			side, err := homer.Home(ctx, testHalf)
			So(err, ShouldBeNil)
			So(side, ShouldEqual, Left)
			So(g.pulseCount(), ShouldEqual, 0)
		})

		Convey("it moves until the left switch closes", func() {
			g.hook(func(n int) {
				if n == 50 {
					g.set(testLeft, Low)
				}
			})

			side, err := homer.Home(ctx, testHalf)
			So(err, ShouldBeNil)
			So(side, ShouldEqual, Left)
			So(g.level(testDir), ShouldEqual, High)
			So(g.pulseCount(), ShouldBeGreaterThanOrEqualTo, 50)
		})

		Convey("either switch ends it", func() {
			g.hook(func(n int) {
				if n == 8 {
					g.set(testRight, Low)
				}
			})

			side, err := homer.Home(ctx, testHalf)
			So(err, ShouldBeNil)
			So(side, ShouldEqual, Right)
		})

		Convey("cancelling the context stops the train and disarms both switches", func() {
			ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
			defer cancel()

			side, err := homer.Home(ctx, testHalf)
			So(err, ShouldEqual, context.DeadlineExceeded)
			So(side, ShouldEqual, NoSide)

			stopped := g.pulseCount()
			time.Sleep(5 * time.Millisecond)
			So(g.pulseCount(), ShouldEqual, stopped)

			g.set(testLeft, Low)
			So(interlock.cause.Load(), ShouldEqual, NoSide)
		})
	})
}
