package simulator

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CodedInternet/gosorter/onboard/hardware"
	. "github.com/smartystreets/goconvey/convey"
)

const (
	simStep  = 6
	simDir   = 5
	simLeft  = 17
	simRight = 27
)

func newTestCarriage(start int) *Carriage {
	return New(Config{
		StepPin:      simStep,
		DirPin:       simDir,
		LeftPin:      simLeft,
		RightPin:     simRight,
		ForwardLevel: hardware.Low,
		Travel:       200,
		Start:        start,
	})
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return cond()
}

func TestSimulatorPins(t *testing.T) {
	Convey("Given a carriage in the middle of travel", t, func() {
		sim := newTestCarriage(100)
		defer sim.Close()

		So(sim.SetInput(simLeft, hardware.PullUp), ShouldBeNil)
		So(sim.SetInput(simRight, hardware.PullUp), ShouldBeNil)
		So(sim.SetOutput(simStep), ShouldBeNil)
		So(sim.SetOutput(simDir), ShouldBeNil)

		Convey("both switches read released", func() {
			level, err := sim.Read(simLeft)
			So(err, ShouldBeNil)
			So(level, ShouldEqual, hardware.High)
		})

		Convey("writing an input is refused", func() {
			So(sim.Write(simLeft, hardware.Low), ShouldNotBeNil)
		})

		Convey("a glitch filter needs an input", func() {
			So(sim.SetGlitchFilter(simStep, time.Millisecond), ShouldNotBeNil)
		})

		Convey("rising step edges move the carriage", func() {
			for i := 0; i < 3; i++ {
				sim.Write(simStep, hardware.High)
				sim.Write(simStep, hardware.Low)
			}
			So(sim.Pulses(), ShouldEqual, 3)
			So(sim.Position(), ShouldEqual, 103)

			Convey("and the dir line reverses them", func() {
				sim.Write(simDir, hardware.High)
				sim.Write(simStep, hardware.High)
				sim.Write(simStep, hardware.Low)
				So(sim.Position(), ShouldEqual, 102)
			})
		})

		Convey("pressing a switch pulls it low", func() {
			sim.Press(hardware.Right)
			level, _ := sim.Read(simRight)
			So(level, ShouldEqual, hardware.Low)

			sim.Release(hardware.Right)
			level, _ = sim.Read(simRight)
			So(level, ShouldEqual, hardware.High)
		})

		Convey("a closed simulator refuses work", func() {
			So(sim.Close(), ShouldBeNil)
			So(sim.Close(), ShouldBeNil)
			_, err := sim.Read(simLeft)
			So(err, ShouldEqual, ErrClosed)
		})
	})

	Convey("A carriage with an enable pin only moves while enabled", t, func() {
		enable := 26
		sim := New(Config{StepPin: simStep, DirPin: simDir, EnablePin: &enable, LeftPin: simLeft, RightPin: simRight, Travel: 200, Start: 50})
		defer sim.Close()

		sim.SetOutput(simStep)
		sim.SetOutput(simDir)
		sim.SetOutput(enable)
		So(sim.Enabled(), ShouldBeFalse)

		sim.Write(enable, hardware.High)
		sim.Write(simStep, hardware.High)
		sim.Write(simStep, hardware.Low)
		So(sim.Position(), ShouldEqual, 50)

		sim.Write(enable, hardware.Low)
		So(sim.Enabled(), ShouldBeTrue)
		sim.Write(simStep, hardware.High)
		So(sim.Position(), ShouldEqual, 51)
	})
}

func TestSimulatorGlitchFilter(t *testing.T) {
	Convey("Given a watched switch behind a 5ms glitch filter", t, func() {
		sim := newTestCarriage(100)
		defer sim.Close()

		So(sim.SetInput(simLeft, hardware.PullUp), ShouldBeNil)
		So(sim.SetGlitchFilter(simLeft, 5*time.Millisecond), ShouldBeNil)

		var falls, rises int32
		cancel, err := sim.Watch(simLeft, func(l hardware.Level) {
			if l == hardware.Low {
				atomic.AddInt32(&falls, 1)
			} else {
				atomic.AddInt32(&rises, 1)
			}
		})
		So(err, ShouldBeNil)
		defer cancel()

		Convey("bounces shorter than the window are reported once", func() {
			sim.Bounce(hardware.Left, 6, 500*time.Microsecond)

			So(eventually(func() bool { return atomic.LoadInt32(&falls) == 1 }), ShouldBeTrue)
			time.Sleep(10 * time.Millisecond)
			So(atomic.LoadInt32(&falls), ShouldEqual, 1)
			So(atomic.LoadInt32(&rises), ShouldEqual, 0)
		})

		Convey("reads follow the filtered level", func() {
			sim.Press(hardware.Left)
			level, _ := sim.Read(simLeft)
			So(level, ShouldEqual, hardware.High)

			So(eventually(func() bool {
				level, _ := sim.Read(simLeft)
				return level == hardware.Low
			}), ShouldBeTrue)
		})

		Convey("removing the filter reports immediately", func() {
			So(sim.SetGlitchFilter(simLeft, 0), ShouldBeNil)
			sim.Press(hardware.Left)
			level, _ := sim.Read(simLeft)
			So(level, ShouldEqual, hardware.Low)
		})
	})
}

func TestSimulatorAxis(t *testing.T) {
	Convey("Given the hardware stack on a simulated carriage", t, func() {
		sim := newTestCarriage(100)
		defer sim.Close()

		engine, err := hardware.NewEngine(sim, hardware.EngineConfig{
			StepPin:      simStep,
			DirPin:       simDir,
			ForwardLevel: hardware.Low,
			MinPulse:     2 * time.Microsecond,
			PollInterval: 200 * time.Microsecond,
		})
		So(err, ShouldBeNil)

		monitor := hardware.NewLimitMonitor(sim)
		So(monitor.Configure(hardware.Left, simLeft, time.Millisecond), ShouldBeNil)
		So(monitor.Configure(hardware.Right, simRight, time.Millisecond), ShouldBeNil)
		defer monitor.Close()

		interlock := hardware.NewInterlock(engine, monitor)
		half := 100 * time.Microsecond

		Convey("a short move completes", func() {
			cause, err := interlock.Move(context.Background(), 30, half)
			So(err, ShouldBeNil)
			So(cause, ShouldEqual, hardware.NoSide)
			So(sim.Position(), ShouldEqual, 130)
		})

		Convey("overrunning the right end is stopped by its switch", func() {
			cause, err := interlock.Move(context.Background(), 5000, half)
			So(err, ShouldBeNil)
			So(cause, ShouldEqual, hardware.Right)
			So(sim.Position(), ShouldEqual, 200)
			So(sim.Pulses(), ShouldBeLessThan, 5000)
		})

		Convey("homing stops at the left switch", func() {
			side, err := hardware.NewHomer(interlock, hardware.Backward).Home(context.Background(), half)
			So(err, ShouldBeNil)
			So(side, ShouldEqual, hardware.Left)
			So(sim.Position(), ShouldEqual, 0)
		})

		Convey("a bouncy leading switch trips the move exactly once", func() {
			var trips int32
			So(monitor.OnTrip(hardware.Right, func(hardware.Side) { atomic.AddInt32(&trips, 1) }), ShouldBeNil)

			sim.Bounce(hardware.Right, 4, 200*time.Microsecond)
			So(eventually(func() bool { return atomic.LoadInt32(&trips) == 1 }), ShouldBeTrue)
			time.Sleep(5 * time.Millisecond)
			So(atomic.LoadInt32(&trips), ShouldEqual, 1)
			monitor.Unregister(hardware.Right)
		})
	})
}
