package report

import (
	"fmt"
	"image/color"
	"sort"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

var palette = []color.RGBA{
	{R: 31, G: 119, B: 180, A: 255},
	{R: 255, G: 127, B: 14, A: 255},
	{R: 44, G: 160, B: 44, A: 255},
	{R: 214, G: 39, B: 40, A: 255},
	{R: 148, G: 103, B: 189, A: 255},
	{R: 140, G: 86, B: 75, A: 255},
	{R: 227, G: 119, B: 194, A: 255},
	{R: 127, G: 127, B: 127, A: 255},
}

// DutyCyclePlot draws one line per node of its duty cycle reports, in
// permille, against the report index.
func DutyCyclePlot(series map[int][]int) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = "Radio duty cycle per node"
	p.X.Label.Text = "Report"
	p.Y.Label.Text = "Duty cycle (permille)"
	p.Legend.Top = true

	nodes := make([]int, 0, len(series))
	for n := range series {
		nodes = append(nodes, n)
	}
	sort.Ints(nodes)

	for i, n := range nodes {
		values := series[n]
		if len(values) == 0 {
			continue
		}
		pts := make(plotter.XYs, len(values))
		for j, v := range values {
			pts[j] = plotter.XY{X: float64(j + 1), Y: float64(v)}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("line for node %d: %w", n, err)
		}
		line.Color = palette[i%len(palette)]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("node %d", n), line)
	}
	return p, nil
}

// SaveDutyCyclePlot writes the duty cycle plot as an image; the format
// follows the file extension.
func SaveDutyCyclePlot(path string, series map[int][]int) error {
	p, err := DutyCyclePlot(series)
	if err != nil {
		return err
	}
	if err := p.Save(10*vg.Inch, 5*vg.Inch, path); err != nil {
		return fmt.Errorf("save %s: %w", path, err)
	}
	return nil
}
