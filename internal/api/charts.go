package api

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/e3-lab/beammon/internal/fei4"
	"github.com/e3-lab/beammon/internal/httputil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// handleOccupancyChart renders the latest window's occupancy as a colored
// scatter over the pixel matrix.
func (s *Server) handleOccupancyChart(w http.ResponseWriter, r *http.Request) {
	latest := s.ctl.Trend().Latest()
	if latest == nil || latest.Occupancy == nil {
		httputil.NotFound(w, "no window closed yet")
		return
	}

	hist := latest.Occupancy
	points := make([]opts.ScatterData, 0, hist.Occupied())
	for col := 1; col <= fei4.NumColumns; col++ {
		for row := 1; row <= fei4.NumRows; row++ {
			if n := hist.At(col, row); n > 0 {
				points = append(points, opts.ScatterData{Value: []interface{}{col, row, n}})
			}
		}
	}
	maxVal := float32(hist.Max())
	if maxVal == 0 {
		maxVal = 1
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Occupancy", Theme: "dark", Width: "600px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Occupancy", Subtitle: fmt.Sprintf("window=%d hits=%d rate=%.0fHz", latest.Seq, latest.HitCount, latest.RateHz)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: fei4.NumColumns + 1, Name: "column", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: fei4.NumRows + 1, Name: "row", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        maxVal,
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("hits", points, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render occupancy chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleRateChart renders the hit-rate history as a line chart.
func (s *Server) handleRateChart(w http.ResponseWriter, r *http.Request) {
	points := s.ctl.Trend().Points()
	if len(points) == 0 {
		httputil.NotFound(w, "no rate history")
		return
	}

	t0 := points[0].WindowEnd
	x := make([]string, len(points))
	y := make([]opts.LineData, len(points))
	for i, p := range points {
		x[i] = fmt.Sprintf("%.1f", p.WindowEnd-t0)
		y[i] = opts.LineData{Value: p.RateHz}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Hit rate", Width: "100%", Height: "480px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Hit rate", Subtitle: fmt.Sprintf("%d windows", len(points))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "rate (Hz)"}),
	)
	line.SetXAxis(x).AddSeries("rate", y)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render rate chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handleRatePlot renders the hit-rate history as a PNG.
func (s *Server) handleRatePlot(w http.ResponseWriter, r *http.Request) {
	points := s.ctl.Trend().Points()
	if len(points) == 0 {
		httputil.NotFound(w, "no rate history")
		return
	}

	p := plot.New()
	p.Title.Text = "Hit rate"
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Rate (Hz)"

	t0 := points[0].WindowEnd
	xys := make(plotter.XYs, len(points))
	for i, pt := range points {
		xys[i] = plotter.XY{X: pt.WindowEnd - t0, Y: pt.RateHz}
	}
	rate, err := plotter.NewLine(xys)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to build rate line: %v", err))
		return
	}
	rate.Width = vg.Points(1)
	p.Add(rate)

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render rate plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to encode rate plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
