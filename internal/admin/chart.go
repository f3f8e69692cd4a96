package admin

import (
	"bytes"
	"fmt"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

// renderGazeChart draws the last limit gaze points as an HTML scatter. The
// subtitle counts every control message in the recording, not only those
// inside the plotted window.
func renderGazeChart(records []gaze.Record, limit int) ([]byte, error) {
	pts := make([]opts.ScatterData, 0, min(len(records), limit))
	messages := 0
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if r.Kind == gaze.KindMessage {
			messages++
			continue
		}
		if len(pts) >= limit || !r.Sample.HasPoint() {
			continue
		}
		pts = append(pts, opts.ScatterData{Value: []interface{}{*r.Sample.X, *r.Sample.Y}})
	}
	// oldest first, so later points draw on top
	for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
		pts[i], pts[j] = pts[j], pts[i]
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Gaze points", Theme: "dark", Width: "1200px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{Title: "Gaze points", Subtitle: fmt.Sprintf("points=%d messages=%d", len(pts), messages)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "x (px)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "y (px)", NameLocation: "middle", NameGap: 30, Inverse: opts.Bool(true)}),
	)
	scatter.AddSeries("gaze", pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
