package browser

import (
	"math/rand"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/pithecene-io/prospect/config"
)

// point is a viewport coordinate.
type point struct {
	x, y float64
}

// cubicBezier evaluates the curve through p0..p3 at t in [0, 1].
func cubicBezier(p0, p1, p2, p3 point, t float64) point {
	u := 1 - t
	return point{
		x: u*u*u*p0.x + 3*u*u*t*p1.x + 3*u*t*t*p2.x + t*t*t*p3.x,
		y: u*u*u*p0.y + 3*u*u*t*p1.y + 3*u*t*t*p2.y + t*t*t*p3.y,
	}
}

// bezierPath samples a cubic Bézier between from and to, with control
// points jittered perpendicular to the straight line so no two paths
// look alike.
func bezierPath(from, to point, samples int) []point {
	if samples < 2 {
		samples = 2
	}
	c1 := point{
		x: from.x + (to.x-from.x)/3 + (rand.Float64()-0.5)*120,
		y: from.y + (to.y-from.y)/3 + (rand.Float64()-0.5)*120,
	}
	c2 := point{
		x: from.x + 2*(to.x-from.x)/3 + (rand.Float64()-0.5)*120,
		y: from.y + 2*(to.y-from.y)/3 + (rand.Float64()-0.5)*120,
	}

	path := make([]point, 0, samples)
	for i := 0; i < samples; i++ {
		t := float64(i) / float64(samples-1)
		path = append(path, cubicBezier(from, c1, c2, to, t))
	}
	return path
}

// humanize traces a few curved mouse paths across the viewport with
// jittered delays between samples. Failures are ignored; this only
// feeds behavioral signals to bot detectors.
func humanize(page *rod.Page, settings config.BrowserSettings, width, height int) {
	moves := settings.HumanizeMoves
	if moves <= 0 {
		return
	}
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 800
	}

	current := point{x: rand.Float64() * float64(width), y: rand.Float64() * float64(height)}
	for i := 0; i < moves; i++ {
		target := point{x: rand.Float64() * float64(width), y: rand.Float64() * float64(height)}
		for _, p := range bezierPath(current, target, 24) {
			if err := page.Mouse.MoveTo(proto.Point{X: p.x, Y: p.y}); err != nil {
				return
			}
			time.Sleep(moveDelay(settings))
		}
		current = target
	}
}

// moveDelay picks a per-sample delay between the configured bounds,
// scaled down so one move stays in the hundreds of milliseconds.
func moveDelay(settings config.BrowserSettings) time.Duration {
	min := settings.HumanizeMinDelayMs
	max := settings.HumanizeMaxDelayMs
	if min < 0 {
		min = 0
	}
	if max <= min {
		max = min + 1
	}
	ms := float64(min) + rand.Float64()*float64(max-min)
	return time.Duration(ms/8) * time.Millisecond
}
