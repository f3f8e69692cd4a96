package report

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

const (
	GazePlotFile  = "gaze.png"
	PupilPlotFile = "pupils.png"
)

var (
	leftColor  = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	rightColor = color.RGBA{R: 255, G: 127, B: 14, A: 255}
	msgColor   = color.RGBA{R: 214, G: 39, B: 40, A: 255}
)

// WritePlots renders the gaze point cloud and the pupil size time series into
// dir and returns the files written. Plots with no data are skipped.
func WritePlots(dir string, records []gaze.Record) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output dir: %w", err)
	}

	var written []string
	if p, ok, err := gazePlot(records); err != nil {
		return written, err
	} else if ok {
		path := filepath.Join(dir, GazePlotFile)
		if err := p.Save(8*vg.Inch, 6*vg.Inch, path); err != nil {
			return written, fmt.Errorf("failed to save %s: %w", path, err)
		}
		written = append(written, path)
	}

	if p, ok, err := pupilPlot(records); err != nil {
		return written, err
	} else if ok {
		path := filepath.Join(dir, PupilPlotFile)
		if err := p.Save(14*vg.Inch, 6*vg.Inch, path); err != nil {
			return written, fmt.Errorf("failed to save %s: %w", path, err)
		}
		written = append(written, path)
	}
	return written, nil
}

func gazePlot(records []gaze.Record) (*plot.Plot, bool, error) {
	pts := make(plotter.XYs, 0, len(records))
	for _, r := range records {
		if r.Kind == gaze.KindSample && r.Sample.HasPoint() {
			pts = append(pts, plotter.XY{X: *r.Sample.X, Y: *r.Sample.Y})
		}
	}
	if len(pts) == 0 {
		return nil, false, nil
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("Gaze points (%d samples)", len(pts))
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"
	// screen coordinates grow downwards
	p.Y.Scale = plot.InvertedScale{Normalizer: p.Y.Scale}
	p.Add(plotter.NewGrid())

	sc, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, false, fmt.Errorf("gaze scatter: %w", err)
	}
	sc.GlyphStyle.Shape = draw.CircleGlyph{}
	sc.GlyphStyle.Radius = vg.Points(1.5)
	sc.GlyphStyle.Color = leftColor
	p.Add(sc)
	return p, true, nil
}

func pupilPlot(records []gaze.Record) (*plot.Plot, bool, error) {
	if len(records) == 0 {
		return nil, false, nil
	}
	start := records[0].Timestamp()

	var left, right, msgs plotter.XYs
	for _, r := range records {
		t := r.Timestamp().Sub(start).Seconds()
		if r.Kind == gaze.KindMessage {
			msgs = append(msgs, plotter.XY{X: t})
			continue
		}
		if r.Sample.LeftPupil != nil {
			left = append(left, plotter.XY{X: t, Y: *r.Sample.LeftPupil})
		}
		if r.Sample.RightPupil != nil {
			right = append(right, plotter.XY{X: t, Y: *r.Sample.RightPupil})
		}
	}
	if len(left) == 0 && len(right) == 0 {
		return nil, false, nil
	}

	p := plot.New()
	p.Title.Text = "Pupil size"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "psize"
	p.Add(plotter.NewGrid())

	for _, series := range []struct {
		name string
		pts  plotter.XYs
		c    color.Color
	}{{"left", left, leftColor}, {"right", right, rightColor}} {
		if len(series.pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(series.pts)
		if err != nil {
			return nil, false, fmt.Errorf("%s pupil line: %w", series.name, err)
		}
		line.Color = series.c
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(series.name, line)
	}

	if len(msgs) > 0 {
		// messages sit on the lower edge of the data range
		ymin, _ := yRange(left, right)
		for i := range msgs {
			msgs[i].Y = ymin
		}
		sc, err := plotter.NewScatter(msgs)
		if err != nil {
			return nil, false, fmt.Errorf("message markers: %w", err)
		}
		sc.GlyphStyle.Shape = draw.TriangleGlyph{}
		sc.GlyphStyle.Color = msgColor
		sc.GlyphStyle.Radius = vg.Points(3)
		p.Add(sc)
		p.Legend.Add("message", sc)
	}
	return p, true, nil
}

func yRange(sets ...plotter.XYs) (lo, hi float64) {
	first := true
	for _, set := range sets {
		for _, pt := range set {
			if first || pt.Y < lo {
				lo = pt.Y
			}
			if first || pt.Y > hi {
				hi = pt.Y
			}
			first = false
		}
	}
	return lo, hi
}
