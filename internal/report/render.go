package report

import (
	"fmt"
	"image/color"
	"io"
	"math"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var palette = []color.RGBA{
	{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
}

func lineData(vals []float64) []opts.LineData {
	out := make([]opts.LineData, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) {
			out[i] = opts.LineData{Value: "-"}
			continue
		}
		out[i] = opts.LineData{Value: math.Round(v*100) / 100}
	}
	return out
}

func (s *Series) xLabels() []string {
	secs := s.seconds()
	out := make([]string, len(secs))
	for i, v := range secs {
		out[i] = strconv.FormatFloat(v, 'f', 2, 64)
	}
	return out
}

func newLineChart(title, subtitle, yName string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Pose report", Width: "100%", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "t (s)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: yName}),
	)
	return line
}

// WriteHTML renders joint angles, body lean and centre of gravity as an
// interactive echarts page.
func WriteHTML(w io.Writer, s *Series) error {
	subtitle := fmt.Sprintf("video=%s frames=%d", s.VideoID, len(s.TimestampMs))
	x := s.xLabels()

	joints := newLineChart("Joint angles", subtitle, "degrees")
	joints.SetXAxis(x)
	for _, j := range Joints {
		joints.AddSeries(string(j), lineData(s.JointDeg[j]))
	}

	lean := newLineChart("Body lean", subtitle, "degrees from vertical")
	lean.SetXAxis(x).AddSeries("lean", lineData(s.LeanDeg))

	cog := newLineChart("Centre of gravity", subtitle, "pixels")
	cog.SetXAxis(x).
		AddSeries("height", lineData(s.CogHeightPx)).
		AddSeries("jump", lineData(s.JumpHeightPx))

	page := components.NewPage()
	page.AddCharts(joints, lean, cog)
	if err := page.Render(w); err != nil {
		return fmt.Errorf("render html report: %w", err)
	}
	return nil
}

func xys(secs, vals []float64) plotter.XYs {
	pts := make(plotter.XYs, 0, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		pts = append(pts, plotter.XY{X: secs[i], Y: v})
	}
	return pts
}

// WritePNG plots centre of gravity height and jump height over time.
func WritePNG(w io.Writer, s *Series) error {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s - Centre of Gravity", s.VideoID)
	p.X.Label.Text = "Time (s)"
	p.Y.Label.Text = "Height (px)"
	p.Add(plotter.NewGrid())

	secs := s.seconds()
	for i, series := range []struct {
		name string
		vals []float64
	}{
		{"CoG height", s.CogHeightPx},
		{"Jump height", s.JumpHeightPx},
	} {
		pts := xys(secs, series.vals)
		if len(pts) == 0 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("line %s: %w", series.name, err)
		}
		line.Width = vg.Points(1)
		line.Color = palette[i%len(palette)]
		p.Add(line)
		p.Legend.Add(series.name, line)
	}
	p.Legend.Top = true

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	return nil
}
