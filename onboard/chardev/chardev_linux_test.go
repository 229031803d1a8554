package chardev

import (
	"testing"

	"github.com/CodedInternet/gosorter/onboard/hardware"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/warthog618/go-gpiocdev"
)

func TestChip(t *testing.T) {
	Convey("opening a chip that does not exist fails", t, func() {
		_, err := Open("gpiochip-missing")
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "gpiochip-missing")
	})

	Convey("an unopened line cannot be used", t, func() {
		c := &Chip{name: "gpiochip-missing", lines: make(map[int]*line)}
		c.waves = hardware.NewSoftWaves(c.Write)

		_, err := c.Read(4)
		So(err, ShouldNotBeNil)
		So(c.Write(4, hardware.High), ShouldNotBeNil)
		So(c.SetGlitchFilter(4, 0), ShouldNotBeNil)

		_, err = c.Watch(4, func(hardware.Level) {})
		So(err, ShouldNotBeNil)

		Convey("and closing it twice is fine", func() {
			So(c.Close(), ShouldBeNil)
			So(c.Close(), ShouldBeNil)
		})
	})

	Convey("edges are reported as levels to every watcher", t, func() {
		l := &line{pin: 4, watchers: make(map[int]func(hardware.Level))}
		var seen []hardware.Level
		l.watchers[0] = func(level hardware.Level) { seen = append(seen, level) }

		l.event(gpiocdevEvent(true))
		l.event(gpiocdevEvent(false))
		So(seen, ShouldResemble, []hardware.Level{hardware.High, hardware.Low})
	})
}

func gpiocdevEvent(rising bool) gpiocdev.LineEvent {
	evt := gpiocdev.LineEvent{Offset: 4, Type: gpiocdev.LineEventFallingEdge}
	if rising {
		evt.Type = gpiocdev.LineEventRisingEdge
	}
	return evt
}
