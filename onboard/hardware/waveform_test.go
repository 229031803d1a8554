package hardware

import (
	"context"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestEngine(t *testing.T) {
	Convey("Given an engine on a test backend", t, func() {
		g, engine, _, _ := newTestAxis()

		Convey("step and dir are outputs with step low", func() {
			So(g.outputs[testStep], ShouldBeTrue)
			So(g.outputs[testDir], ShouldBeTrue)
			So(g.level(testStep), ShouldEqual, Low)
		})

		Convey("half periods below the minimum pulse width are clamped", func() {
			w, err := engine.BuildPeriod(500 * time.Nanosecond)
			So(err, ShouldBeNil)
			So(w.Half, ShouldEqual, 2*time.Microsecond)
			So(engine.Destroy(w), ShouldBeNil)
		})

		Convey("frequency follows the half period", func() {
			w, err := engine.BuildPeriod(800 * time.Microsecond)
			So(err, ShouldBeNil)
			So(w.Frequency(), ShouldAlmostEqual, 625.0, 0.001)
			So(engine.Destroy(w), ShouldBeNil)
		})

		Convey("direction follows the configured polarity", func() {
			So(engine.SetDirection(Forward), ShouldBeNil)
			So(g.level(testDir), ShouldEqual, Low)
			So(engine.SetDirection(Backward), ShouldBeNil)
			So(g.level(testDir), ShouldEqual, High)
		})

		Convey("transmit emits exactly the requested number of pulses", func() {
			w, _ := engine.BuildPeriod(100 * time.Microsecond)
			defer engine.Destroy(w)

			So(engine.Transmit(context.Background(), w, 25), ShouldBeNil)
			So(g.pulseCount(), ShouldEqual, 25)
			So(g.level(testStep), ShouldEqual, Low)
		})

		Convey("a zero repeat count is rejected for a bounded transmit", func() {
			w, _ := engine.BuildPeriod(100 * time.Microsecond)
			defer engine.Destroy(w)

			So(engine.Transmit(context.Background(), w, 0), ShouldNotBeNil)
			So(g.pulseCount(), ShouldEqual, 0)
		})

		Convey("cancel while idle is a no-op", func() {
			engine.Cancel()
			engine.Cancel()

			Convey("but a wave built afterwards still transmits", func() {
				w, _ := engine.BuildPeriod(100 * time.Microsecond)
				defer engine.Destroy(w)

				So(engine.Transmit(context.Background(), w, 3), ShouldBeNil)
				So(g.pulseCount(), ShouldEqual, 3)
			})
		})

		Convey("cancel between build and transmit prevents any pulse", func() {
			w, _ := engine.BuildPeriod(100 * time.Microsecond)
			defer engine.Destroy(w)

			engine.Cancel()
			So(engine.Transmit(context.Background(), w, 10), ShouldEqual, ErrTransmitCancelled)
			So(g.pulseCount(), ShouldEqual, 0)
		})

		Convey("cancel during a transmission stops it", func() {
			w, _ := engine.BuildPeriod(200 * time.Microsecond)
			defer engine.Destroy(w)

			g.hook(func(n int) {
				if n == 5 {
					engine.Cancel()
				}
			})

			So(engine.Transmit(context.Background(), w, 5000), ShouldEqual, ErrTransmitCancelled)
			stopped := g.pulseCount()
			So(stopped, ShouldBeLessThan, 5000)

			time.Sleep(5 * time.Millisecond)
			So(g.pulseCount(), ShouldEqual, stopped)
		})

		Convey("a continuous transmission stops when the context is done", func() {
			w, _ := engine.BuildPeriod(200 * time.Microsecond)
			defer engine.Destroy(w)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()

			So(engine.TransmitContinuous(ctx, w), ShouldEqual, context.DeadlineExceeded)
			stopped := g.pulseCount()
			So(stopped, ShouldBeGreaterThan, 0)

			time.Sleep(5 * time.Millisecond)
			So(g.pulseCount(), ShouldEqual, stopped)
		})

		Convey("destroy is safe to repeat", func() {
			w, _ := engine.BuildPeriod(100 * time.Microsecond)
			So(engine.Destroy(w), ShouldBeNil)
			So(engine.Destroy(w), ShouldBeNil)

			Convey("and a destroyed wave cannot be transmitted", func() {
				So(engine.Transmit(context.Background(), w, 1), ShouldEqual, ErrUnknownWave)
			})
		})
	})
}
