// Command staffetta runs the Staffetta MAC, either as a single node driving
// a radio through its serial bridge or as a simulated network of nodes on a
// shared in-process medium.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/staffetta/internal/config"
	"github.com/banshee-data/staffetta/internal/monitoring"
	"github.com/banshee-data/staffetta/internal/telemetry"
	"github.com/banshee-data/staffetta/internal/version"
)

var (
	configPath    = flag.String("config", config.DefaultConfigPath, "Node configuration file")
	nodeID        = flag.Int("id", 0, "Node id, overriding node_id from the configuration")
	port          = flag.String("port", "/dev/ttyUSB0", "Serial port of the radio bridge (node mode)")
	simMode       = flag.Bool("sim", false, "Simulate a network instead of driving a radio")
	simNodes      = flag.Int("nodes", 9, "Number of simulated nodes, including sinks")
	simTopology   = flag.String("topology", "grid", "Simulated topology: line or grid")
	simDuration   = flag.Duration("duration", 10*time.Minute, "Length of the simulated run")
	simLoss       = flag.Float64("loss", 0, "Probability that a simulated receiver misses a frame")
	simSeed       = flag.Int64("seed", 1, "Seed for the simulated medium")
	dbPath        = flag.String("db", "staffetta.db", "Database the simulated run is recorded in")
	outDir        = flag.String("out", ".", "Directory for the run report files")
	note          = flag.String("note", "", "Free-form note stored with the run")
	metricsListen = flag.String("metrics-listen", "", "Serve Prometheus metrics on this address (empty disables)")
	verbose       = flag.Bool("verbose", false, "Log per-round protocol detail")
	showVersion   = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("staffetta", version.String())
		return
	}
	monitoring.SetVerbose(*verbose)

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := telemetry.New()
	metrics.SetBuildInfo(version.Version, version.GitSHA)
	if *metricsListen != "" {
		srv := serveMetrics(*metricsListen, metrics)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("metrics server shutdown error: %v", err)
			}
		}()
	}

	if *simMode {
		_, err = runSim(ctx, simOptions{
			Config:   cfg,
			Nodes:    *simNodes,
			Topology: *simTopology,
			Duration: *simDuration,
			Loss:     *simLoss,
			Seed:     *simSeed,
			DBPath:   *dbPath,
			OutDir:   *outDir,
			Note:     *note,
			Metrics:  metrics,
			Out:      os.Stdout,
		})
	} else {
		err = runNode(ctx, cfg, *nodeID, *port, metrics, os.Stdout)
	}
	if err != nil {
		log.Fatalf("staffetta: %v", err)
	}
}

func serveMetrics(addr string, metrics *telemetry.Metrics) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server: %v", err)
		}
	}()
	log.Printf("serving metrics on %s/metrics", addr)
	return srv
}
