package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/presence.report/internal/httputil"
	"github.com/banshee-data/presence.report/internal/sensing"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// AttachRoutes adds the chart endpoints to mux.
func (s *Sampler) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/debug/charts/counts", s.handleCounts)
	mux.HandleFunc("/debug/charts/positions.png", s.handlePositions)
}

func sampleLimit(r *http.Request, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("n")); err == nil && v > 0 {
		return v
	}
	return def
}

// handleCounts renders faces, bodies and hands per frame as a line chart.
// Query params:
//   - n (optional; default all) number of most recent samples
func (s *Sampler) handleCounts(w http.ResponseWriter, r *http.Request) {
	samples := s.Samples(sampleLimit(r, 0))
	if len(samples) == 0 {
		httputil.NotFound(w, "no frames sampled yet")
		return
	}

	x := make([]string, len(samples))
	faces := make([]opts.LineData, len(samples))
	bodies := make([]opts.LineData, len(samples))
	hands := make([]opts.LineData, len(samples))
	for i, smp := range samples {
		x[i] = strconv.FormatUint(smp.Sequence, 10)
		faces[i] = opts.LineData{Value: len(smp.Faces)}
		bodies[i] = opts.LineData{Value: len(smp.Bodies)}
		hands[i] = opts.LineData{Value: len(smp.Hands)}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Detections", Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Detections per frame", Subtitle: fmt.Sprintf("frames %d..%d", samples[0].Sequence, samples[len(samples)-1].Sequence)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "sequence"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "count", Min: 0}),
	)
	line.SetXAxis(x).
		AddSeries("faces", faces).
		AddSeries("bodies", bodies).
		AddSeries("hands", hands).
		SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{Step: "end"}))

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(line)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// handlePositions draws the centers of recent detections as a PNG scatter
// in device pixel coordinates.
// Query params:
//   - n (optional; default 100) number of most recent samples
func (s *Sampler) handlePositions(w http.ResponseWriter, r *http.Request) {
	samples := s.Samples(sampleLimit(r, 100))
	if len(samples) == 0 {
		httputil.NotFound(w, "no frames sampled yet")
		return
	}

	p, err := positionsPlot(samples)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("plot error: %v", err))
		return
	}
	wt, err := p.WriterTo(8*vg.Inch, 6*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("plot error: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("plot error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(buf.Bytes())
}

func positionsPlot(samples []Sample) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Detection centers, last %d frames", len(samples))
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px, downwards)"
	p.X.Min, p.X.Max = 0, 1600
	p.Y.Min, p.Y.Max = -1200, 0
	p.Add(plotter.NewGrid())

	series := []struct {
		name  string
		pick  func(Sample) []sensing.Point
		color color.RGBA
		shape draw.GlyphDrawer
	}{
		{"faces", func(s Sample) []sensing.Point { return s.Faces }, color.RGBA{R: 220, G: 50, B: 47, A: 255}, draw.CircleGlyph{}},
		{"bodies", func(s Sample) []sensing.Point { return s.Bodies }, color.RGBA{R: 38, G: 139, B: 210, A: 255}, draw.SquareGlyph{}},
		{"hands", func(s Sample) []sensing.Point { return s.Hands }, color.RGBA{R: 133, G: 153, B: 0, A: 255}, draw.TriangleGlyph{}},
	}
	for _, sr := range series {
		var pts plotter.XYs
		for _, smp := range samples {
			for _, pt := range sr.pick(smp) {
				pts = append(pts, plotter.XY{X: float64(pt.X), Y: -float64(pt.Y)})
			}
		}
		if len(pts) == 0 {
			continue
		}
		sc, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("%s scatter: %w", sr.name, err)
		}
		sc.GlyphStyle.Color = sr.color
		sc.GlyphStyle.Shape = sr.shape
		sc.GlyphStyle.Radius = vg.Points(2.5)
		p.Add(sc)
		p.Legend.Add(sr.name, sc)
	}
	return p, nil
}
