// Package sweep groups streamed samples into sweeps of the scan head, split
// where the yaw angle reverses direction, and summarises each sweep.
package sweep

import (
	"context"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/rangefinder/internal/sf45"
)

// DefaultHysteresis is how far, in degrees, the angle must travel back from
// its extreme before a reversal is accepted.
const DefaultHysteresis = 2.0

// Stats summarises one quantity over a sweep.
type Stats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Median float64 `json:"median"`
}

// Sweep is one pass of the head between two reversals.
type Sweep struct {
	Index     int       `json:"index"`
	Direction int       `json:"direction"` // +1 increasing angle, -1 decreasing, 0 unknown
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	MinAngle  float64   `json:"min_angle"`
	MaxAngle  float64   `json:"max_angle"`
	Points    int       `json:"points"`
	// NoReturn counts samples with a zero first return distance; they are
	// excluded from Distance and Strength.
	NoReturn int   `json:"no_return"`
	Distance Stats `json:"distance_cm"`
	Strength Stats `json:"strength"`
}

// Duration is End minus Start.
func (s Sweep) Duration() time.Duration { return s.End.Sub(s.Start) }

type point struct {
	at       time.Time
	angle    float64
	distance float64
	strength float64
}

// Segmenter accumulates samples and emits a Sweep at each reversal. It is not
// safe for concurrent use.
type Segmenter struct {
	hysteresis float64
	minPoints  int

	points  []point
	dir     int
	extreme float64
	index   int
}

// Options configure a Segmenter.
type Options struct {
	Hysteresis float64
	// MinPoints drops shorter sweeps, such as the partial one at startup.
	MinPoints int
}

// NewSegmenter creates a Segmenter.
func NewSegmenter(opts Options) *Segmenter {
	if opts.Hysteresis <= 0 {
		opts.Hysteresis = DefaultHysteresis
	}
	if opts.MinPoints <= 0 {
		opts.MinPoints = 1
	}
	return &Segmenter{hysteresis: opts.Hysteresis, minPoints: opts.MinPoints}
}

// Add feeds one event. Errors and samples without an angle are ignored. When
// the event completes a sweep it is returned with ok true.
func (s *Segmenter) Add(ev sf45.Event) (sw Sweep, ok bool) {
	if ev.Err != nil || !ev.Sample.Fields.Has(sf45.FieldAngle) {
		return Sweep{}, false
	}
	p := point{
		at:       ev.At,
		angle:    ev.Sample.Angle,
		distance: float64(ev.Sample.FirstDistRaw),
		strength: float64(ev.Sample.FirstStrength),
	}

	if len(s.points) == 0 {
		s.points = append(s.points, p)
		s.extreme = p.angle
		return Sweep{}, false
	}

	switch {
	case s.dir == 0:
		if d := p.angle - s.points[0].angle; math.Abs(d) >= s.hysteresis {
			s.dir = sign(d)
			s.extreme = p.angle
		}
	case float64(s.dir)*(p.angle-s.extreme) > 0:
		s.extreme = p.angle
	case float64(s.dir)*(s.extreme-p.angle) >= s.hysteresis:
		sw, ok = s.emit()
		s.dir = -s.dir
		s.extreme = p.angle
	}
	s.points = append(s.points, p)
	return sw, ok
}

// Flush emits whatever has accumulated as a final sweep.
func (s *Segmenter) Flush() (Sweep, bool) {
	sw, ok := s.emit()
	s.dir = 0
	return sw, ok
}

func (s *Segmenter) emit() (Sweep, bool) {
	pts := s.points
	s.points = nil
	if len(pts) < s.minPoints || len(pts) == 0 {
		return Sweep{}, false
	}
	sw := summariseSweep(pts, s.dir)
	sw.Index = s.index
	s.index++
	return sw, true
}

// summariseSweep computes the statistics of a run of points.
func summariseSweep(pts []point, dir int) Sweep {
	angles := make([]float64, len(pts))
	var dist, strength []float64
	for i, p := range pts {
		angles[i] = p.angle
		if p.distance > 0 {
			dist = append(dist, p.distance)
			strength = append(strength, p.strength)
		}
	}
	return Sweep{
		Direction: dir,
		Start:     pts[0].at,
		End:       pts[len(pts)-1].at,
		MinAngle:  floats.Min(angles),
		MaxAngle:  floats.Max(angles),
		Points:    len(pts),
		NoReturn:  len(pts) - len(dist),
		Distance:  summarise(dist),
		Strength:  summarise(strength),
	}
}

func summarise(v []float64) Stats {
	if len(v) == 0 {
		return Stats{}
	}
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)
	mean, std := stat.MeanStdDev(sorted, nil)
	if len(sorted) == 1 {
		std = 0
	}
	return Stats{
		Mean:   mean,
		StdDev: std,
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Median: stat.Quantile(0.5, stat.Empirical, sorted, nil),
	}
}

func sign(v float64) int {
	if v < 0 {
		return -1
	}
	return 1
}

// Run segments events from ch and calls fn for every sweep until ch closes or
// ctx ends. The trailing partial sweep is flushed on close.
func Run(ctx context.Context, ch <-chan sf45.Event, opts Options, fn func(Sweep)) error {
	seg := NewSegmenter(opts)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				if sw, ok := seg.Flush(); ok {
					fn(sw)
				}
				return nil
			}
			if sw, ok := seg.Add(ev); ok {
				fn(sw)
			}
		}
	}
}
