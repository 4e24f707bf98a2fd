package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/banshee-data/staffetta/internal/config"
	"github.com/banshee-data/staffetta/internal/db"
	"github.com/banshee-data/staffetta/internal/mac"
	"github.com/banshee-data/staffetta/internal/radio"
	"github.com/banshee-data/staffetta/internal/report"
	"github.com/banshee-data/staffetta/internal/serialmux"
	"github.com/banshee-data/staffetta/internal/telemetry"
	"github.com/banshee-data/staffetta/internal/timeutil"
)

// ingestBuffer sizes the database subscription so bursts of console lines
// from many nodes are not dropped.
const ingestBuffer = 4096

type simOptions struct {
	Config   *config.NodeConfig
	Nodes    int
	Topology string
	Duration time.Duration
	Loss     float64
	Seed     int64
	DBPath   string
	OutDir   string
	Note     string
	// Metrics may be nil.
	Metrics *telemetry.Metrics
	// Out receives the text summary; nil discards it.
	Out io.Writer
}

type link struct{ a, b byte }

// buildTopology returns the links of n nodes numbered from 1. A line
// chains consecutive ids; a grid lays ids out row by row on the smallest
// square that fits and links horizontal and vertical neighbours.
func buildTopology(kind string, n int) ([]link, error) {
	if n < 2 || n > 254 {
		return nil, fmt.Errorf("invalid node count %d: must be 2..254", n)
	}
	var links []link
	switch kind {
	case "line":
		for id := 1; id < n; id++ {
			links = append(links, link{byte(id), byte(id + 1)})
		}
	case "grid":
		side := int(math.Ceil(math.Sqrt(float64(n))))
		for k := 0; k < n; k++ {
			if k%side != side-1 && k+1 < n {
				links = append(links, link{byte(k + 1), byte(k + 2)})
			}
			if k+side < n {
				links = append(links, link{byte(k + 1), byte(k + side + 1)})
			}
		}
	default:
		return nil, fmt.Errorf("unknown topology %q: want line or grid", kind)
	}
	return links, nil
}

// runSim runs opts.Nodes engines on a simulated medium for opts.Duration.
// Every engine writes a tagged console into one stream that is recorded
// through the serial mux exactly as a gateway records a real sink. When the
// run ends each relay reports its final stats, round totals are stored and
// the run report is written to opts.OutDir.
func runSim(ctx context.Context, opts simOptions) (report.Summary, error) {
	links, err := buildTopology(opts.Topology, opts.Nodes)
	if err != nil {
		return report.Summary{}, err
	}
	if sink := opts.Config.GetSinkID(); sink < 1 || sink > opts.Nodes {
		return report.Summary{}, fmt.Errorf("sink %d is outside the simulated nodes 1..%d", sink, opts.Nodes)
	}

	d, err := db.NewDB(opts.DBPath)
	if err != nil {
		return report.Summary{}, fmt.Errorf("failed to open database: %w", err)
	}
	defer d.Close()

	runID, err := d.StartRun("sim", opts.Nodes, opts.Note)
	if err != nil {
		return report.Summary{}, err
	}
	log.Printf("sim run %s: %d nodes, %s topology, %s", runID, opts.Nodes, opts.Topology, opts.Duration)

	port := serialmux.NewLinePort()
	mux := serialmux.NewSerialMux(port)
	_, lines := mux.SubscribeBuffered(ingestBuffer)

	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		serialmux.Ingest(context.Background(), lines, d, serialmux.Source{RunID: runID, Node: opts.Config.GetSinkID()})
	}()
	monitorDone := make(chan error, 1)
	go func() {
		monitorDone <- mux.Monitor(context.Background())
	}()

	feed := port.Feed()
	var closeOnce sync.Once
	drain := func() {
		closeOnce.Do(func() {
			feed.Close()
			if err := <-monitorDone; err != nil {
				log.Printf("console monitor: %v", err)
			}
			mux.Close()
			<-ingestDone
			if n := mux.Dropped(); n > 0 {
				log.Printf("sim run %s: %d console lines dropped", runID, n)
			}
		})
	}
	defer drain()

	clock := timeutil.RealClock{}
	medium := radio.NewMedium(clock, radio.MediumOptions{Loss: opts.Loss, Seed: opts.Seed})

	engines := make([]*mac.Engine, 0, opts.Nodes)
	runners := make([]*mac.Runner, 0, opts.Nodes)
	var sinks []int
	for id := 1; id <= opts.Nodes; id++ {
		r, err := medium.Attach(byte(id))
		if err != nil {
			return report.Summary{}, err
		}
		events := mac.MultiEvents{mac.NewTaggedConsole(feed, byte(id))}
		if opts.Metrics != nil {
			events = append(events, opts.Metrics.Events(byte(id)))
		}
		macCfg, err := opts.Config.ToMAC(id)
		if err != nil {
			return report.Summary{}, err
		}
		e, err := mac.New(macCfg, r, mac.WithClock(clock), mac.WithEvents(events))
		if err != nil {
			return report.Summary{}, fmt.Errorf("node %d: %w", id, err)
		}
		if e.Role() == mac.RoleSink {
			sinks = append(sinks, id)
		}

		rc := opts.Config.ToRunner()
		if rc.Seed != 0 {
			rc.Seed += int64(id)
		}
		runner := mac.NewRunner(e, rc)
		if opts.Metrics != nil {
			runner.Observe(opts.Metrics.RoundObserver(e))
		}
		engines = append(engines, e)
		runners = append(runners, runner)
	}
	for _, l := range links {
		medium.Link(l.a, l.b)
	}

	runCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for _, runner := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := runner.Run(runCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				log.Printf("runner stopped: %v", err)
			}
		}()
	}
	wg.Wait()

	for _, e := range engines {
		e.PrintStats()
	}
	drain()

	for _, e := range engines {
		rounds := make(map[string]int)
		for res, n := range e.Stats().Rounds {
			rounds[res.String()] = n
		}
		if err := d.AddRoundResults(runID, int(e.Config().NodeID), rounds); err != nil {
			return report.Summary{}, err
		}
	}
	if err := d.EndRun(runID); err != nil {
		return report.Summary{}, err
	}

	ms := medium.Stats()
	log.Printf("sim run %s done: %d transmissions, %d receptions, %d collisions, %d lost",
		runID, ms.Transmissions, ms.Deliveries, ms.Collisions, ms.Lost)

	sum, err := report.Load(d, runID, sinks, opts.Nodes-len(sinks), 0)
	if err != nil {
		return report.Summary{}, err
	}
	if err := writeReport(d, sum, opts); err != nil {
		return sum, err
	}
	return sum, nil
}

// writeReport prints the summary and saves the duty cycle plot and the
// dashboard page under opts.OutDir.
func writeReport(d *db.DB, sum report.Summary, opts simOptions) error {
	if opts.Out != nil {
		if err := report.WriteText(opts.Out, sum); err != nil {
			return err
		}
	}
	if opts.OutDir == "" {
		return nil
	}
	if err := os.MkdirAll(opts.OutDir, 0o755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	series, err := d.DutyCycles(sum.RunID)
	if err != nil {
		return err
	}
	if len(series) > 0 {
		if err := report.SaveDutyCyclePlot(filepath.Join(opts.OutDir, "dutycycle.png"), series); err != nil {
			return fmt.Errorf("failed to save plot: %w", err)
		}
	}

	f, err := os.Create(filepath.Join(opts.OutDir, "report.html"))
	if err != nil {
		return fmt.Errorf("failed to create dashboard: %w", err)
	}
	defer f.Close()
	if err := report.RenderDashboard(f, sum); err != nil {
		return fmt.Errorf("failed to render dashboard: %w", err)
	}
	return f.Close()
}
