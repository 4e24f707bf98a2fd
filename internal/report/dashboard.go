package report

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// AssetsHost serves the echarts scripts. Override it for offline
// deployments.
var AssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// RenderDashboard writes an HTML page with per-node deliveries and duty
// cycles.
func RenderDashboard(w io.Writer, s Summary) error {
	var (
		x         []string
		generated []opts.BarData
		unique    []opts.BarData
		duty      []opts.BarData
	)
	for _, n := range s.Nodes {
		x = append(x, strconv.Itoa(n.Node))
		generated = append(generated, opts.BarData{Value: n.Generated})
		unique = append(unique, opts.BarData{Value: n.Unique})
		dc := 0
		if n.DutyCycle > 0 {
			dc = n.DutyCycle
		}
		duty = append(duty, opts.BarData{Value: dc})
	}

	subtitle := fmt.Sprintf("received %d  success %.3f  delivery ratio %.3f", s.Received, s.Success, s.DeliveryRatio)
	if s.RunID != "" {
		subtitle = "run " + s.RunID + "  " + subtitle
	}

	deliveries := charts.NewBar()
	deliveries.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Staffetta run", Width: "100%", Height: "480px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Items per node", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "node"}),
	)
	deliveries.SetXAxis(x).
		AddSeries("generated", generated).
		AddSeries("delivered", unique,
			charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "top"}),
		)

	energy := charts.NewBar()
	energy.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "100%", Height: "480px", AssetsHost: AssetsHost}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Duty cycle per node (permille)",
			Subtitle: fmt.Sprintf("mean %.4f  variance %.6f", s.MeanDutyCycle, s.VarDutyCycle),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "node"}),
	)
	energy.SetXAxis(x).AddSeries("duty cycle", duty)

	page := components.NewPage()
	page.SetAssetsHost(AssetsHost)
	page.AddCharts(deliveries, energy)
	return page.Render(w)
}

// Handler serves the dashboard of the summary returned by load.
func Handler(load func() (Summary, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := load()
		if err != nil {
			http.Error(w, fmt.Sprintf("load report: %v", err), http.StatusInternalServerError)
			return
		}
		var buf bytes.Buffer
		if err := RenderDashboard(&buf, s); err != nil {
			http.Error(w, fmt.Sprintf("render error: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}
