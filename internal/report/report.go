// Package report summarises a finished recording and renders it as PNG plots.
package report

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

// Axis describes the distribution of one sample field.
type Axis struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
}

// Summary describes a recording.
type Summary struct {
	Records  int `json:"records"`
	Samples  int `json:"samples"`
	Messages int `json:"messages"`
	// WithPoint counts samples that carry both coordinates.
	WithPoint int `json:"with_point"`

	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end"`
	Duration time.Duration `json:"duration_ns"`
	// SampleRate is samples per second over Duration.
	SampleRate float64 `json:"sample_rate_hz"`
	// FixationRatio is the share of samples reporting a fixation, among those
	// reporting the flag at all.
	FixationRatio float64 `json:"fixation_ratio"`

	X          Axis `json:"x"`
	Y          Axis `json:"y"`
	LeftPupil  Axis `json:"left_psize"`
	RightPupil Axis `json:"right_psize"`
}

// Summarize computes a Summary over records in publication order.
func Summarize(records []gaze.Record) Summary {
	s := Summary{Records: len(records)}
	var (
		xs, ys, lp, rp []float64
		fixed, flagged int
	)
	for i, r := range records {
		ts := r.Timestamp()
		if i == 0 || ts.Before(s.Start) {
			s.Start = ts
		}
		if i == 0 || ts.After(s.End) {
			s.End = ts
		}

		if r.Kind == gaze.KindMessage {
			s.Messages++
			continue
		}
		s.Samples++
		smp := r.Sample
		if smp.HasPoint() {
			s.WithPoint++
			xs = append(xs, *smp.X)
			ys = append(ys, *smp.Y)
		}
		if smp.LeftPupil != nil {
			lp = append(lp, *smp.LeftPupil)
		}
		if smp.RightPupil != nil {
			rp = append(rp, *smp.RightPupil)
		}
		if fix, ok := smp.Fixated(); ok {
			flagged++
			if fix {
				fixed++
			}
		}
	}

	s.Duration = s.End.Sub(s.Start)
	if s.Duration > 0 {
		s.SampleRate = float64(s.Samples) / s.Duration.Seconds()
	}
	if flagged > 0 {
		s.FixationRatio = float64(fixed) / float64(flagged)
	}
	s.X, s.Y = describe(xs), describe(ys)
	s.LeftPupil, s.RightPupil = describe(lp), describe(rp)
	return s
}

func describe(v []float64) Axis {
	if len(v) == 0 {
		return Axis{}
	}
	sorted := append([]float64(nil), v...)
	sort.Float64s(sorted)

	a := Axis{
		Count: len(v),
		Min:   floats.Min(sorted),
		Max:   floats.Max(sorted),
		P50:   stat.Quantile(0.5, stat.Empirical, sorted, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, sorted, nil),
	}
	a.Mean, a.StdDev = stat.MeanStdDev(v, nil)
	if len(v) < 2 || math.IsNaN(a.StdDev) {
		a.StdDev = 0
	}
	return a
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d records: %d samples (%d with a gaze point), %d messages\n",
		s.Records, s.Samples, s.WithPoint, s.Messages)
	if s.Records > 0 {
		fmt.Fprintf(&b, "duration %v, %.1f samples/s, fixation %.0f%%\n",
			s.Duration.Round(time.Millisecond), s.SampleRate, 100*s.FixationRatio)
	}
	for _, row := range []struct {
		name string
		a    Axis
	}{{"x", s.X}, {"y", s.Y}, {"left_psize", s.LeftPupil}, {"right_psize", s.RightPupil}} {
		if row.a.Count == 0 {
			continue
		}
		fmt.Fprintf(&b, "%-11s mean %.2f sd %.2f min %.2f p50 %.2f p95 %.2f max %.2f\n",
			row.name, row.a.Mean, row.a.StdDev, row.a.Min, row.a.P50, row.a.P95, row.a.Max)
	}
	return b.String()
}
