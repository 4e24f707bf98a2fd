// Command staffetta-gateway records the console of a sink node, or of a
// whole simulated network replayed from a log, and serves the run over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/staffetta/internal/api"
	"github.com/banshee-data/staffetta/internal/config"
	"github.com/banshee-data/staffetta/internal/db"
	"github.com/banshee-data/staffetta/internal/serialmux"
	"github.com/banshee-data/staffetta/internal/telemetry"
	"github.com/banshee-data/staffetta/internal/version"
)

var (
	listen         = flag.String("listen", ":8080", "Listen address")
	port           = flag.String("port", "/dev/ttyUSB0", "Serial port of the sink console (ignored in dev mode)")
	configPath     = flag.String("config", config.DefaultConfigPath, "Node configuration file, for the sink id and serial settings")
	dbPath         = flag.String("db", "staffetta.db", "Database file")
	devMode        = flag.Bool("dev", false, "Replay a recorded console log instead of opening the serial port")
	fixtures       = flag.String("fixtures", "fixtures.txt", "Console log replayed in dev mode")
	replayInterval = flag.Duration("replay-interval", 50*time.Millisecond, "Delay between replayed lines")
	disableConsole = flag.Bool("disable-console", false, "Serve the database without reading any console")
	nodes          = flag.Int("nodes", 0, "Number of nodes in the run, for the success ratio")
	note           = flag.String("note", "", "Free-form note stored with the run")
	showVersion    = flag.Bool("version", false, "Print version and exit")
)

// ingestBuffer sizes the database subscription.
const ingestBuffer = 1024

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println("staffetta-gateway", version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := config.LoadNodeConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	sink := cfg.GetSinkID()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := openConsole(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open console: %v", err)
	}
	defer m.Close()

	d, err := db.NewDB(*dbPath)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer d.Close()

	runID, err := startRun(d, *disableConsole, *devMode, *nodes, *note)
	if err != nil {
		log.Fatalf("failed to start run: %v", err)
	}
	if runID != "" {
		log.Printf("staffetta-gateway %s recording run %s (sink %d)", version.String(), runID, sink)
	} else {
		log.Printf("staffetta-gateway %s serving recorded runs", version.String())
	}

	metrics := telemetry.New()
	metrics.SetBuildInfo(version.Version, version.GitSHA)

	// subscribe before monitoring starts so no line is missed
	var dbLines chan string
	if runID != "" {
		_, dbLines = m.SubscribeBuffered(ingestBuffer)
	}
	metricsID, metricsLines := m.SubscribeBuffered(ingestBuffer)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor console: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	if runID != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serialmux.Ingest(ctx, dbLines, d, serialmux.Source{RunID: runID, Node: sink})
			log.Print("ingest routine terminated")
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer m.Unsubscribe(metricsID)
		for {
			select {
			case line, ok := <-metricsLines:
				if !ok {
					return
				}
				metrics.ObserveConsole(sink, line)
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		h, err := newHandler(m, d, runID, []int{sink}, metrics)
		if err != nil {
			log.Fatalf("failed to set up routes: %v", err)
		}
		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(h),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	if runID != "" {
		if err := d.EndRun(runID); err != nil {
			log.Printf("failed to end run: %v", err)
		}
	}
	log.Printf("Graceful shutdown complete")
}

// startRun records the run the console lines are stored under. Without a
// console nothing is recorded and it returns "", so the API serves the most
// recent run or the one a request names.
func startRun(d *db.DB, noConsole, replay bool, nodes int, note string) (string, error) {
	if noConsole {
		return "", nil
	}
	mode := "gateway"
	if replay {
		mode = "replay"
	}
	return d.StartRun(mode, nodes, note)
}

// openConsole returns the console source selected by the flags: nothing, a
// replayed log or the sink's serial port.
func openConsole(ctx context.Context, cfg *config.NodeConfig) (serialmux.SerialMuxInterface, error) {
	switch {
	case *disableConsole:
		log.Print("console disabled, serving the database only")
		return serialmux.NewDisabledSerialMux(), nil
	case *devMode:
		f, err := os.Open(*fixtures)
		if err != nil {
			return nil, fmt.Errorf("failed to open fixtures file: %w", err)
		}
		go func() {
			<-ctx.Done()
			f.Close()
		}()
		return serialmux.NewSerialMux(serialmux.NewReplayPort(ctx, f, *replayInterval)), nil
	default:
		return serialmux.NewRealSerialMux(*port, cfg.GetSerial())
	}
}

// newHandler mounts the API, the console and database admin routes and the
// metrics endpoint on one mux.
func newHandler(m serialmux.SerialMuxInterface, d *db.DB, runID string, sinks []int, metrics *telemetry.Metrics) (http.Handler, error) {
	mux := api.NewServer(m, d, runID, sinks, metrics).ServeMux()
	m.AttachAdminRoutes(mux)
	if err := d.AttachAdminRoutes(mux); err != nil {
		return nil, err
	}
	return mux, nil
}
