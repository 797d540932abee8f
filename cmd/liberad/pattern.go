package main

import (
	"math"

	"libera/pkg/engine"
	"libera/pkg/protocol"
)

const (
	// patternPointsPerRevolution sets the demo circle's angular resolution.
	patternPointsPerRevolution = 500

	// patternBootstrapPoints is produced when the device asks with no
	// minimum, which happens while priming the FIFO before begin.
	patternBootstrapPoints = 500
)

// circlePattern draws a continuous unit circle at full intensity. It keeps
// its phase across fill requests so consecutive batches join seamlessly.
type circlePattern struct {
	phase float64
}

func (p *circlePattern) fill(req engine.PointFillRequest, out *[]protocol.LaserPoint) {
	n := req.MinimumPointsRequired
	if n == 0 {
		n = patternBootstrapPoints
	}
	if req.MaximumPointsRequired > 0 && n > req.MaximumPointsRequired {
		n = req.MaximumPointsRequired
	}

	step := 2 * math.Pi / patternPointsPerRevolution
	for i := 0; i < n; i++ {
		*out = append(*out, protocol.LaserPoint{
			X: float32(math.Cos(p.phase)),
			Y: float32(math.Sin(p.phase)),
			R: 1, G: 1, B: 1, I: 1,
		})
		p.phase += step
		if p.phase >= 2*math.Pi {
			p.phase -= 2 * math.Pi
		}
	}
}
